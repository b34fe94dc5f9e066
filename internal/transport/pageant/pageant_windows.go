//go:build windows

// Package pageant implements the Windows Pageant-compatible shared-memory
// transport (§4.G): a message-only window of class "Pageant" that receives
// WM_COPYDATA requests naming a client-owned shared-memory region, treats
// the region's contents as one request frame, and writes the response back
// in place.
package pageant

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/sshkeysd/agent/internal/attribution"
	"github.com/sshkeysd/agent/internal/core"
)

// ClassName is the well-known window class OpenSSH/PuTTY clients look for.
const ClassName = "Pageant"

const (
	wmCopydata  = 0x004A
	gwlWndproc  = -4
	cwUseDefault = ^uint32(0) >> 1 // INT_MAX, passed through as default placement
)

// copyDataStruct mirrors the Win32 COPYDATASTRUCT.
type copyDataStruct struct {
	dwData uintptr
	cbData uint32
	lpData uintptr
}

var (
	user32             = windows.NewLazySystemDLL("user32.dll")
	kernel32           = windows.NewLazySystemDLL("kernel32.dll")
	procRegisterClass  = user32.NewProc("RegisterClassExW")
	procCreateWindowEx = user32.NewProc("CreateWindowExW")
	procFindWindow     = user32.NewProc("FindWindowW")
	procDefWindowProc  = user32.NewProc("DefWindowProcW")
	procOpenFileMap    = kernel32.NewProc("OpenFileMappingW")
	procMapViewOfFile  = kernel32.NewProc("MapViewOfFile")
	procUnmapView      = kernel32.NewProc("UnmapViewOfFile")
)

const fileMapWrite = 0x0002

// window is the single live Pageant transport instance; its wndProc closes
// over the agent so it can dispatch without globals leaking into other
// packages.
type window struct {
	agent *core.Agent
	logf  func(string, ...any)
}

// Register creates the message-only "Pageant" window and returns its
// handle. It fails if a window of that class already exists anywhere on the
// desktop, enforcing the single-instance rule in §4.G.
func Register(agent *core.Agent, logf func(string, ...any)) (windows.HWND, error) {
	classPtr, _ := windows.UTF16PtrFromString(ClassName)

	if existing, _, _ := procFindWindow.Call(uintptr(unsafe.Pointer(classPtr)), uintptr(unsafe.Pointer(classPtr))); existing != 0 {
		return 0, errors.New("Agent already running")
	}

	w := &window{agent: agent, logf: logf}
	cb := windows.NewCallback(w.wndProc)

	type wndClassEx struct {
		cbSize        uint32
		style         uint32
		lpfnWndProc   uintptr
		cbClsExtra    int32
		cbWndExtra    int32
		hInstance     windows.Handle
		hIcon         windows.Handle
		hCursor       windows.Handle
		hbrBackground windows.Handle
		lpszMenuName  *uint16
		lpszClassName *uint16
		hIconSm       windows.Handle
	}
	wc := wndClassEx{
		lpfnWndProc:   cb,
		lpszClassName: classPtr,
	}
	wc.cbSize = uint32(unsafe.Sizeof(wc))

	if atom, _, err := procRegisterClass.Call(uintptr(unsafe.Pointer(&wc))); atom == 0 {
		return 0, fmt.Errorf("RegisterClassExW: %w", err)
	}

	// HWND_MESSAGE (-3) parent makes this a message-only window: it never
	// appears on screen or in the taskbar, matching the original Pageant.
	const hwndMessage = ^uintptr(3 - 1)
	hwnd, _, err := procCreateWindowEx.Call(
		0,
		uintptr(unsafe.Pointer(classPtr)),
		uintptr(unsafe.Pointer(classPtr)),
		0, 0, 0, 0, 0,
		hwndMessage,
		0, 0, 0,
	)
	if hwnd == 0 {
		return 0, fmt.Errorf("CreateWindowExW: %w", err)
	}
	return windows.HWND(hwnd), nil
}

// wndProc handles WM_COPYDATA by treating lpData as a NUL-terminated region
// name, dispatching the frame it contains, and writing the reply back.
func (w *window) wndProc(hwnd windows.HWND, msg uint32, wparam, lparam uintptr) uintptr {
	if msg != wmCopydata {
		r, _, _ := procDefWindowProc.Call(uintptr(hwnd), uintptr(msg), wparam, lparam)
		return r
	}

	cds := (*copyDataStruct)(unsafe.Pointer(lparam))
	name := windows.BytePtrToString((*byte)(unsafe.Pointer(cds.lpData)))

	clientPID, err := findMappingOwnerPID(name)
	if err != nil {
		w.logf("pageant: could not attribute mapping %q: %v", name, err)
	}

	if err := w.handle(name, clientPID); err != nil {
		w.logf("pageant: request on %q failed: %v", name, err)
		return 0
	}
	return 1
}

// handle opens the named region, dispatches the frame found at offset 0,
// and writes the response back in place.
func (w *window) handle(name string, clientPID uint32) error {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return err
	}
	h, _, err := procOpenFileMap.Call(uintptr(fileMapWrite), 0, uintptr(unsafe.Pointer(namePtr)))
	if h == 0 {
		return fmt.Errorf("OpenFileMappingW: %w", err)
	}
	defer windows.CloseHandle(windows.Handle(h))

	view, _, err := procMapViewOfFile.Call(h, uintptr(fileMapWrite), 0, 0, 0)
	if view == 0 {
		return fmt.Errorf("MapViewOfFile: %w", err)
	}
	defer procUnmapView.Call(view)

	// MapViewOfFile with size 0 maps the entire section the client
	// allocated, which is typically several KB — far more than the request
	// frame it carries. VirtualQuery's RegionSize tells us how much of that
	// view we're actually allowed to write back into, per §4.G.3.
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(view, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return fmt.Errorf("VirtualQuery: %w", err)
	}
	region := unsafe.Slice((*byte)(unsafe.Pointer(view)), mbi.RegionSize)

	// The request frame is one length-prefixed frame at offset 0, per
	// §4.G.2; frameLen comes from the client's shared memory, so it is
	// bounds-checked against the region before slicing the request body.
	if len(region) < 4 {
		return fmt.Errorf("mapped region of %d bytes too small for a frame header", len(region))
	}
	frameLen := uint32(region[0])<<24 | uint32(region[1])<<16 | uint32(region[2])<<8 | uint32(region[3])
	if 4+uint64(frameLen) > uint64(len(region)) {
		return fmt.Errorf("request frame length %d exceeds %d-byte region", frameLen, len(region))
	}

	var info core.RequestInfo
	info.Channel = core.ChannelPageant
	if clientPID != 0 {
		if r, err := attribution.Describe(clientPID); err == nil && r != nil {
			info.Requester = r
		}
	}

	resp := w.agent.HandleRequest(region[4:4+frameLen], info)
	if err := writeInPlace(region, resp); err != nil {
		// The response doesn't fit the client's region (§9 "in-place Pageant
		// reply size"): a bare SSH_AGENT_FAILURE always fits in 5 bytes, so
		// substitute it rather than leaving the region's prior contents in
		// place for the client to misread.
		if fbErr := writeInPlace(region, []byte{agentFailure}); fbErr != nil {
			return fmt.Errorf("%w (and failure fallback also failed: %v)", err, fbErr)
		}
		w.logf("pageant: response of %d bytes does not fit in region, sent FAILURE instead", len(resp))
	}
	return nil
}

// agentFailure is the one-byte SSH_AGENT_FAILURE response body, guaranteed
// to fit any region a real client would allocate.
const agentFailure = 5

// writeInPlace writes a u32-length-prefixed resp into region, which is
// capacity-bound by the client's shared-memory allocation (§4.G.3).
func writeInPlace(region []byte, resp []byte) error {
	need := 4 + len(resp)
	if need > len(region) {
		return fmt.Errorf("response %d bytes does not fit in %d-byte region", need, len(region))
	}
	n := uint32(len(resp))
	region[0] = byte(n >> 24)
	region[1] = byte(n >> 16)
	region[2] = byte(n >> 8)
	region[3] = byte(n)
	copy(region[4:], resp)
	return nil
}

// findMappingOwnerPID implements the Pageant-specific PID discovery in
// §4.H: scan the system handle table for named-section handles (object
// type index 42), and return the owning PID of the first one (not our own)
// whose object name contains mappingName. Each candidate's name query runs
// on a short-lived helper goroutine with a 10ms timeout, standing in for
// the original's helper-thread-plus-terminate approach (terminating a
// blocked goroutine is not possible in Go, so a timed-out query's result is
// simply discarded — see DESIGN.md).
func findMappingOwnerPID(mappingName string) (uint32, error) {
	handles, err := querySystemHandles()
	if err != nil {
		return 0, err
	}
	self := windows.GetCurrentProcessId()

	for _, h := range handles {
		if h.objectTypeIndex != sectionObjectTypeIndex || h.ownerPID == self {
			continue
		}
		name, ok := queryObjectNameWithTimeout(h, 10*time.Millisecond)
		if !ok {
			continue
		}
		if containsFold(name, mappingName) {
			return h.ownerPID, nil
		}
	}
	return 0, errors.New("no owning process found for mapping")
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
