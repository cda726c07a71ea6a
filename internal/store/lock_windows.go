//go:build windows

package store

import (
	"os"
	"syscall"
	"unsafe"
)

var (
	kernel32     = syscall.NewLazyDLL("kernel32.dll")
	lockFileEx   = kernel32.NewProc("LockFileEx")
	unlockFileEx = kernel32.NewProc("UnlockFileEx")
)

const (
	lockfileExclusiveLock   = 0x00000002
	lockfileFailImmediately = 0x00000001

	processQueryLimitedInformation = 0x1000
	stillActive                    = 259
)

// The locked byte sits past any owner record so other processes can still
// read who holds the lock.
func lockRegion() *syscall.Overlapped {
	return &syscall.Overlapped{OffsetHigh: 1}
}

// platformLock applies platform-specific locking (Windows LockFileEx)
func platformLock(file *os.File) error {
	handle := syscall.Handle(file.Fd())

	ret, _, err := lockFileEx.Call(
		uintptr(handle),
		uintptr(lockfileExclusiveLock|lockfileFailImmediately),
		uintptr(0),
		uintptr(1),
		uintptr(0),
		uintptr(unsafe.Pointer(lockRegion())),
	)

	if ret == 0 {
		return err
	}
	return nil
}

// platformUnlock releases platform-specific lock (Windows UnlockFileEx)
func platformUnlock(file *os.File) error {
	handle := syscall.Handle(file.Fd())

	ret, _, err := unlockFileEx.Call(
		uintptr(handle),
		uintptr(0),
		uintptr(1),
		uintptr(0),
		uintptr(unsafe.Pointer(lockRegion())),
	)

	if ret == 0 {
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return err == syscall.ERROR_ACCESS_DENIED
	}
	defer syscall.CloseHandle(h)

	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == stillActive
}
