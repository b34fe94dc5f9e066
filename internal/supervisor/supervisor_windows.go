//go:build windows

package supervisor

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/windows"

	"github.com/sshkeysd/agent/internal/core"
	"github.com/sshkeysd/agent/internal/transport/pageant"
	"github.com/sshkeysd/agent/internal/transport/pipe"
)

var (
	kernel32        = windows.NewLazySystemDLL("kernel32.dll")
	user32          = windows.NewLazySystemDLL("user32.dll")
	procCreateMutex = kernel32.NewProc("CreateMutexW")
	procGetMessage   = user32.NewProc("GetMessageW")
	procTranslateMsg = user32.NewProc("TranslateMessage")
	procDispatchMsg  = user32.NewProc("DispatchMessageW")
)

// msg mirrors the Win32 MSG structure.
type msg struct {
	hwnd    windows.HWND
	message uint32
	wParam  uintptr
	lParam  uintptr
	time    uint32
	pt      struct{ x, y int32 }
}

// acquireSingleInstance creates a named, single-owner mutex; if it already
// exists the process exits with "Agent already running" (§4.J).
func acquireSingleInstance(dir string) (func(), error) {
	namePtr, err := windows.UTF16PtrFromString(`Global\` + ProgramName)
	if err != nil {
		return nil, err
	}
	h, _, callErr := procCreateMutex.Call(0, 1, uintptr(unsafe.Pointer(namePtr)))
	if h == 0 {
		return nil, fmt.Errorf("CreateMutexW: %w", callErr)
	}
	if errors.Is(callErr, windows.ERROR_ALREADY_EXISTS) {
		windows.CloseHandle(windows.Handle(h))
		return nil, errors.New("mutex already held")
	}
	return func() { windows.CloseHandle(windows.Handle(h)) }, nil
}

// serveTransports spawns the named-pipe listener on its own goroutine,
// registers the Pageant message-only window, and runs the classic Win32
// message pump that keeps the Pageant window responsive (§4.J).
func serveTransports(dir string, agent *core.Agent, logf func(string, ...any)) error {
	errs := make(chan error, 2)

	go func() {
		errs <- fmt.Errorf("pipe transport: %w", pipe.Serve(agent, logf))
	}()

	// A window's messages are delivered only to the OS thread that created
	// it, so the Pageant window is registered on the same locked thread that
	// then runs the message pump.
	registered := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		if _, err := pageant.Register(agent, logf); err != nil {
			registered <- err
			return
		}
		registered <- nil
		errs <- runMessagePump()
	}()
	if err := <-registered; err != nil {
		return fmt.Errorf("register Pageant window: %w", err)
	}
	logf("supervisor: Pageant window registered")

	var result *multierror.Error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// runMessagePump implements the "enter a classic Win32 message pump"
// step of §4.J: WM_COPYDATA routes to the Pageant window's own WndProc
// (registered in internal/transport/pageant), and everything else (there is
// no tray icon or WM_SHOW_CONFIRMATION message in this build — see
// SPEC_FULL.md's note on the confirmation broker using a Go channel
// instead of a posted message) falls through to DispatchMessage.
func runMessagePump() error {
	var m msg
	for {
		ret, _, err := procGetMessage.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		switch int32(ret) {
		case 0:
			return nil // WM_QUIT
		case -1:
			return fmt.Errorf("GetMessageW: %w", err)
		}
		procTranslateMsg.Call(uintptr(unsafe.Pointer(&m)))
		procDispatchMsg.Call(uintptr(unsafe.Pointer(&m)))
	}
}
