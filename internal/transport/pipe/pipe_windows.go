//go:build windows

// Package pipe implements the Windows named-pipe agent transport (§4.F):
// a duplex byte-mode pipe at \\.\pipe\openssh-ssh-agent, framed the same
// way as the UNIX transport, with the client PID captured once per
// connection for attribution.
package pipe

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/sshkeysd/agent/internal/attribution"
	"github.com/sshkeysd/agent/internal/core"
	"github.com/sshkeysd/agent/internal/wire"
)

// PipeName is the well-known agent pipe name OpenSSH clients connect to.
const PipeName = `\\.\pipe\openssh-ssh-agent`

const (
	pipeAccessDuplex       = 0x00000003
	pipeTypeByte           = 0x00000000
	pipeReadmodeByte       = 0x00000000
	pipeWait               = 0x00000000
	pipeUnlimitedInstances = 255
	bufferSize             = 4096
)

var (
	kernel32              = windows.NewLazySystemDLL("kernel32.dll")
	procCreateNamedPipeW   = kernel32.NewProc("CreateNamedPipeW")
	procConnectNamedPipe   = kernel32.NewProc("ConnectNamedPipe")
	procDisconnectNamedPipe = kernel32.NewProc("DisconnectNamedPipe")
)

// pipeConn adapts a raw pipe handle to io.ReadWriter via ReadFile/WriteFile.
type pipeConn struct {
	h windows.Handle
}

func (p pipeConn) Read(buf []byte) (int, error) {
	var n uint32
	if err := windows.ReadFile(p.h, buf, &n, nil); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return int(n), nil
}

func (p pipeConn) Write(buf []byte) (int, error) {
	var n uint32
	if err := windows.WriteFile(p.h, buf, &n, nil); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Serve runs the accept loop: create a pipe instance, wait for a client,
// capture its PID, hand the connection to a worker goroutine, and
// immediately loop to create the next instance so multiple clients can be
// served concurrently. It runs until creating or connecting a pipe instance
// fails.
func Serve(agent *core.Agent, logf func(string, ...any)) error {
	for {
		h, err := createInstance()
		if err != nil {
			return fmt.Errorf("create named pipe: %w", err)
		}
		if err := connect(h); err != nil {
			windows.CloseHandle(h)
			return fmt.Errorf("connect named pipe: %w", err)
		}

		pid, _ := clientProcessID(h)
		var info core.RequestInfo
		info.Channel = core.ChannelPipe
		if pid != 0 {
			if r, err := attribution.Describe(pid); err == nil && r != nil {
				info.Requester = r
			}
		}

		go serveConn(h, agent, info, logf)
	}
}

func createInstance() (windows.Handle, error) {
	namePtr, err := windows.UTF16PtrFromString(PipeName)
	if err != nil {
		return 0, err
	}
	r, _, err := procCreateNamedPipeW.Call(
		uintptr(unsafe.Pointer(namePtr)),
		uintptr(pipeAccessDuplex),
		uintptr(pipeTypeByte|pipeReadmodeByte|pipeWait),
		uintptr(pipeUnlimitedInstances),
		uintptr(bufferSize),
		uintptr(bufferSize),
		0,
		0,
	)
	h := windows.Handle(r)
	if h == windows.InvalidHandle {
		return 0, err
	}
	return h, nil
}

func connect(h windows.Handle) error {
	r, _, err := procConnectNamedPipe.Call(uintptr(h), 0)
	if r == 0 && !errors.Is(err, windows.ERROR_PIPE_CONNECTED) {
		return err
	}
	return nil
}

// clientProcessID resolves the connecting client's PID via pipe metadata.
func clientProcessID(h windows.Handle) (uint32, error) {
	var pid uint32
	if err := windows.GetNamedPipeClientProcessId(h, &pid); err != nil {
		return 0, err
	}
	return pid, nil
}

var discMu sync.Mutex

func serveConn(h windows.Handle, agent *core.Agent, info core.RequestInfo, logf func(string, ...any)) {
	defer func() {
		discMu.Lock()
		procDisconnectNamedPipe.Call(uintptr(h))
		discMu.Unlock()
		windows.CloseHandle(h)
	}()

	conn := pipeConn{h: h}
	for {
		body, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logf("pipe: read failed: %v", err)
			}
			return
		}
		resp := agent.HandleRequest(body, info)
		if err := wire.WriteFrame(conn, resp); err != nil {
			logf("pipe: write failed: %v", err)
			return
		}
	}
}
