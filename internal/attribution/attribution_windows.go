//go:build windows

package attribution

import (
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/sshkeysd/agent/internal/core"
)

var (
	user32           = windows.NewLazySystemDLL("user32.dll")
	version          = windows.NewLazySystemDLL("version.dll")
	ntdll            = windows.NewLazySystemDLL("ntdll.dll")
	procEnumWindows  = user32.NewProc("EnumWindows")
	procGetWindowPID = user32.NewProc("GetWindowThreadProcessId")
	procIsVisible    = user32.NewProc("IsWindowVisible")
	procGetTextLen   = user32.NewProc("GetWindowTextLengthW")
	procGetText      = user32.NewProc("GetWindowTextW")

	procVerInfoSize = version.NewProc("GetFileVersionInfoSizeW")
	procGetVerInfo  = version.NewProc("GetFileVersionInfoW")
	procVerQuery    = version.NewProc("VerQueryValueW")

	procNtQueryInfoProcess = ntdll.NewProc("NtQueryInformationProcess")
)

// chainEntry is one hop in the client's ancestry, child to outermost
// ancestor.
type chainEntry struct {
	pid    uint32
	window windows.HWND // 0 if none found
}

// describe implements §4.H: walk the parent process chain of pid, locate a
// primary window for each ancestor, pick an anchor, and compose short/long
// descriptions.
func describe(pid uint32) (*core.RequesterInfo, error) {
	chain, err := ancestryChain(pid)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no ancestry for pid %d", pid)
	}

	anchor := chooseAnchor(chain)
	short := describeShort(anchor)

	var longParts []string
	for _, e := range chain {
		longParts = append(longParts, describeLong(e))
	}

	return &core.RequesterInfo{
		DescriptionShort: short,
		DescriptionLong:  strings.Join(longParts, "\n\n"),
	}, nil
}

// ancestryChain walks parent PIDs starting at pid until 0, resolving a
// primary window for each.
func ancestryChain(pid uint32) ([]chainEntry, error) {
	var chain []chainEntry
	seen := make(map[uint32]bool)
	for pid != 0 && !seen[pid] {
		seen[pid] = true
		chain = append(chain, chainEntry{pid: pid, window: findPrimaryWindow(pid)})
		parent, err := parentPID(pid)
		if err != nil {
			break
		}
		pid = parent
	}
	return chain, nil
}

// parentPID queries a process's parent via its basic info (the
// InheritedFromUniqueProcessId field of PROCESS_BASIC_INFORMATION), reached
// through NtQueryInformationProcess.
func parentPID(pid uint32) (uint32, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(h)

	type processBasicInformation struct {
		ExitStatus                   uintptr
		PebBaseAddress                uintptr
		AffinityMask                  uintptr
		BasePriority                  uintptr
		UniqueProcessID               uintptr
		InheritedFromUniqueProcessID  uintptr
	}
	var info processBasicInformation
	var retLen uint32
	r, _, _ := procNtQueryInfoProcess.Call(
		uintptr(h),
		0, // ProcessBasicInformation
		uintptr(unsafe.Pointer(&info)),
		unsafe.Sizeof(info),
		uintptr(unsafe.Pointer(&retLen)),
	)
	if r != 0 {
		return 0, fmt.Errorf("NtQueryInformationProcess failed: status %#x", r)
	}
	return uint32(info.InheritedFromUniqueProcessID), nil
}

// findPrimaryWindow enumerates top-level windows, filters by owning pid,
// and prefers a visible one; otherwise any; otherwise none.
func findPrimaryWindow(pid uint32) windows.HWND {
	var visible, any windows.HWND

	cb := syscallEnumWindowsCallback(func(hwnd windows.HWND) bool {
		var owner uint32
		procGetWindowPID.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&owner)))
		if owner != pid {
			return true // continue enumeration
		}
		if any == 0 {
			any = hwnd
		}
		ret, _, _ := procIsVisible.Call(uintptr(hwnd))
		if ret != 0 && visible == 0 {
			visible = hwnd
			return false // found a visible window, stop early
		}
		return true
	})
	procEnumWindows.Call(cb, 0)

	if visible != 0 {
		return visible
	}
	return any
}

// chooseAnchor picks the first chain entry whose window exists and is
// visible; else the first with any window; else the outermost pid.
func chooseAnchor(chain []chainEntry) chainEntry {
	for _, e := range chain {
		if e.window != 0 && isWindowVisible(e.window) {
			return e
		}
	}
	for _, e := range chain {
		if e.window != 0 {
			return e
		}
	}
	return chain[len(chain)-1]
}

func isWindowVisible(hwnd windows.HWND) bool {
	ret, _, _ := procIsVisible.Call(uintptr(hwnd))
	return ret != 0
}

// describeShort builds the short description: exe base name, optionally
// " - <FileDescription>", optionally " - <window title>".
func describeShort(e chainEntry) string {
	exePath, err := processExecutablePath(e.pid)
	if err != nil {
		return "unknown"
	}
	short := baseName(exePath)

	if desc, ok := fileDescription(exePath); ok && desc != "" {
		short += " - " + desc
	}
	if e.window != 0 {
		if title := windowText(e.window); title != "" {
			short += " - " + title
		}
	}
	return short
}

// describeLong builds one ancestor's paragraph: "<pid> : <short> : <remote
// command line, falling back to the executable path>".
func describeLong(e chainEntry) string {
	short := describeShort(e)
	cmdLine, err := remoteCommandLine(e.pid)
	if err != nil || cmdLine == "" {
		if exePath, pathErr := processExecutablePath(e.pid); pathErr == nil {
			cmdLine = exePath
		} else {
			cmdLine = "unknown"
		}
	}
	return fmt.Sprintf("%d : %s : %s", e.pid, short, cmdLine)
}

func processExecutablePath(pid uint32) (string, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:size]), nil
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func windowText(hwnd windows.HWND) string {
	n, _, _ := procGetTextLen.Call(uintptr(hwnd))
	if n == 0 {
		return ""
	}
	buf := make([]uint16, n+1)
	procGetText.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&buf[0])), n+1)
	return windows.UTF16ToString(buf)
}

// fileDescription reads the PE file-version resource's FileDescription
// string in the first available translation.
func fileDescription(path string) (string, bool) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return "", false
	}
	var handle uintptr
	size, _, _ := procVerInfoSize.Call(uintptr(unsafe.Pointer(pathPtr)), uintptr(unsafe.Pointer(&handle)))
	if size == 0 {
		return "", false
	}
	data := make([]byte, size)
	ret, _, _ := procGetVerInfo.Call(uintptr(unsafe.Pointer(pathPtr)), 0, size, uintptr(unsafe.Pointer(&data[0])))
	if ret == 0 {
		return "", false
	}

	// Query the translation table to find an available langid/codepage.
	var transPtr uintptr
	var transLen uint32
	subBlock, _ := windows.UTF16PtrFromString(`\VarFileInfo\Translation`)
	ret, _, _ = procVerQuery.Call(
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(unsafe.Pointer(subBlock)),
		uintptr(unsafe.Pointer(&transPtr)),
		uintptr(unsafe.Pointer(&transLen)),
	)
	if ret == 0 || transLen < 4 {
		return "", false
	}
	trans := (*[2]uint16)(unsafe.Pointer(transPtr))
	langCodepage := fmt.Sprintf(`\StringFileInfo\%04x%04x\FileDescription`, trans[0], trans[1])

	descBlock, _ := windows.UTF16PtrFromString(langCodepage)
	var descPtr uintptr
	var descLen uint32
	ret, _, _ = procVerQuery.Call(
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(unsafe.Pointer(descBlock)),
		uintptr(unsafe.Pointer(&descPtr)),
		uintptr(unsafe.Pointer(&descLen)),
	)
	if ret == 0 || descLen == 0 {
		return "", false
	}
	desc := windows.UTF16ToString(unsafe.Slice((*uint16)(unsafe.Pointer(descPtr)), descLen))
	return desc, true
}

// remoteCommandLine reads the client process's command line out of its PEB
// (PEB -> RTL_USER_PROCESS_PARAMETERS -> CommandLine), cross-process.
func remoteCommandLine(pid uint32) (string, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(h)

	type processBasicInformation struct {
		ExitStatus                   uintptr
		PebBaseAddress                uintptr
		AffinityMask                  uintptr
		BasePriority                  uintptr
		UniqueProcessID               uintptr
		InheritedFromUniqueProcessID  uintptr
	}
	var info processBasicInformation
	var retLen uint32
	r, _, _ := procNtQueryInfoProcess.Call(
		uintptr(h), 0, uintptr(unsafe.Pointer(&info)), unsafe.Sizeof(info), uintptr(unsafe.Pointer(&retLen)))
	if r != 0 {
		return "", fmt.Errorf("NtQueryInformationProcess failed: status %#x", r)
	}

	// Offsets below assume a 64-bit PEB layout: ProcessParameters sits at
	// offset 0x20 in the PEB, and CommandLine (a UNICODE_STRING) sits at
	// offset 0x70 in RTL_USER_PROCESS_PARAMETERS.
	const pebProcessParametersOffset = 0x20
	const rtlUserProcessParamsCommandLineOffset = 0x70

	var paramsAddr uintptr
	if err := readProcessMemory(h, info.PebBaseAddress+pebProcessParametersOffset, unsafe.Pointer(&paramsAddr), unsafe.Sizeof(paramsAddr)); err != nil {
		return "", err
	}

	type unicodeString struct {
		Length        uint16
		MaximumLength uint16
		_             [4]byte // alignment padding before the 64-bit pointer
		Buffer        uintptr
	}
	var cmdLine unicodeString
	if err := readProcessMemory(h, paramsAddr+rtlUserProcessParamsCommandLineOffset, unsafe.Pointer(&cmdLine), unsafe.Sizeof(cmdLine)); err != nil {
		return "", err
	}
	if cmdLine.Length == 0 {
		return "", nil
	}

	buf := make([]uint16, cmdLine.Length/2)
	if err := readProcessMemory(h, cmdLine.Buffer, unsafe.Pointer(&buf[0]), uintptr(cmdLine.Length)); err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf), nil
}

func readProcessMemory(h windows.Handle, addr uintptr, buf unsafe.Pointer, size uintptr) error {
	var n uintptr
	return windows.ReadProcessMemory(h, addr, (*byte)(buf), size, &n)
}

// syscallEnumWindowsCallback wraps a Go closure as a stdcall EnumWindows
// callback. One callback is alive at a time per findPrimaryWindow call;
// the mutex below only protects the package-level registration the
// NewCallback mechanism requires.
var enumMu sync.Mutex

func syscallEnumWindowsCallback(fn func(hwnd windows.HWND) bool) uintptr {
	enumMu.Lock()
	defer enumMu.Unlock()
	return windows.NewCallback(func(hwnd windows.HWND, lparam uintptr) uintptr {
		if fn(hwnd) {
			return 1
		}
		return 0
	})
}
