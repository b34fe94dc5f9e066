//go:build windows

package pageant

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// sectionObjectTypeIndex is the NT object type index for a named section
// ("Section") on the Windows versions this targets; it is not guaranteed
// stable across releases, matching the caveat in §9's Open Questions.
const sectionObjectTypeIndex = 42

const (
	systemHandleInformation = 16
	statusInfoLengthMismatch = 0xC0000004
)

var (
	ntdll                     = windows.NewLazySystemDLL("ntdll.dll")
	procNtQuerySystemInfo     = ntdll.NewProc("NtQuerySystemInformation")
	procNtQueryObject         = ntdll.NewProc("NtQueryObject")
	procNtDuplicateObject     = ntdll.NewProc("NtDuplicateObject")
)

type systemHandle struct {
	ownerPID        uint32
	objectTypeIndex uint8
	handleValue     uintptr
}

// systemHandleTableEntry mirrors SYSTEM_HANDLE_TABLE_ENTRY_INFO.
type systemHandleTableEntry struct {
	ProcessID       uint32
	ObjectTypeIndex uint8
	Flags           uint8
	Handle          uint16
	Object          uintptr
	GrantedAccess   uint32
}

// querySystemHandles calls NtQuerySystemInformation(SystemHandleInformation),
// growing the scratch buffer until it fits (§9: starting small and growing,
// rather than the original's fixed 256 MiB allocation).
func querySystemHandles() ([]systemHandle, error) {
	size := uint32(1 << 16)
	for {
		buf := make([]byte, size)
		var retLen uint32
		status, _, _ := procNtQuerySystemInfo.Call(
			uintptr(systemHandleInformation),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(size),
			uintptr(unsafe.Pointer(&retLen)),
		)
		if status == statusInfoLengthMismatch {
			size *= 2
			if size > 1<<28 {
				return nil, fmt.Errorf("system handle table exceeds 256MiB, giving up")
			}
			continue
		}
		if status != 0 {
			return nil, fmt.Errorf("NtQuerySystemInformation failed: status %#x", status)
		}
		return parseHandleTable(buf), nil
	}
}

func parseHandleTable(buf []byte) []systemHandle {
	count := *(*uintptr)(unsafe.Pointer(&buf[0]))
	entrySize := unsafe.Sizeof(systemHandleTableEntry{})
	base := unsafe.Pointer(&buf[unsafe.Sizeof(count)])

	out := make([]systemHandle, 0, count)
	for i := uintptr(0); i < count; i++ {
		offset := i * entrySize
		if uintptr(len(buf)) < uintptr(unsafe.Sizeof(count))+offset+entrySize {
			break
		}
		e := (*systemHandleTableEntry)(unsafe.Pointer(uintptr(base) + offset))
		out = append(out, systemHandle{
			ownerPID:        e.ProcessID,
			objectTypeIndex: e.ObjectTypeIndex,
			handleValue:     uintptr(e.Handle),
		})
	}
	return out
}

// queryObjectNameWithTimeout duplicates h's handle into our process and
// queries its object name on a helper goroutine, per §4.H: NtQueryObject
// may block indefinitely on certain handle kinds, so the query is bounded
// by timeout rather than awaited directly.
func queryObjectNameWithTimeout(h systemHandle, timeout time.Duration) (string, bool) {
	srcProcess, err := windows.OpenProcess(windows.PROCESS_DUP_HANDLE, false, h.ownerPID)
	if err != nil {
		return "", false
	}
	defer windows.CloseHandle(srcProcess)

	var dup windows.Handle
	self := windows.CurrentProcess()
	status, _, _ := procNtDuplicateObject.Call(
		uintptr(srcProcess),
		h.handleValue,
		uintptr(self),
		uintptr(unsafe.Pointer(&dup)),
		0, 0, 0,
	)
	if status != 0 {
		return "", false
	}
	defer windows.CloseHandle(dup)

	type result struct {
		name string
		ok   bool
	}
	done := make(chan result, 1)
	go func() {
		name, ok := queryObjectName(dup)
		done <- result{name, ok}
	}()

	select {
	case r := <-done:
		return r.name, r.ok
	case <-time.After(timeout):
		// The helper goroutine is abandoned; unlike a real OS thread it
		// costs no kernel resources to leak, only the goroutine itself
		// until (if ever) NtQueryObject returns.
		return "", false
	}
}

func queryObjectName(h windows.Handle) (string, bool) {
	const objectNameInformation = 1
	size := uint32(1024)
	buf := make([]byte, size)
	var retLen uint32
	status, _, _ := procNtQueryObject.Call(
		uintptr(h),
		uintptr(objectNameInformation),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(size),
		uintptr(unsafe.Pointer(&retLen)),
	)
	if status != 0 {
		return "", false
	}

	type unicodeString struct {
		Length        uint16
		MaximumLength uint16
		_             [4]byte
		Buffer        uintptr
	}
	us := (*unicodeString)(unsafe.Pointer(&buf[0]))
	if us.Length == 0 {
		return "", true
	}
	chars := unsafe.Slice((*uint16)(unsafe.Pointer(us.Buffer)), us.Length/2)
	return windows.UTF16ToString(chars), true
}
