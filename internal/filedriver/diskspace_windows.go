//go:build windows

package filedriver

import (
	"fmt"
	"syscall"
	"unsafe"
)

var (
	kernel32         = syscall.NewLazyDLL("kernel32.dll")
	getDiskFreeSpace = kernel32.NewProc("GetDiskFreeSpaceExW")
)

// CheckDiskSpace verifies the filesystem holding dir has at least
// minFreeSpace bytes available. A zero minimum disables the check.
// This implementation uses the Windows API (GetDiskFreeSpaceExW).
func CheckDiskSpace(dir string, minFreeSpace int64) error {
	if minFreeSpace == 0 {
		return nil
	}

	dirUTF16, err := syscall.UTF16PtrFromString(dir)
	if err != nil {
		return fmt.Errorf("failed to convert path: %w", err)
	}

	var freeBytesAvailable uint64
	ret, _, callErr := getDiskFreeSpace.Call(
		uintptr(unsafe.Pointer(dirUTF16)),
		uintptr(unsafe.Pointer(&freeBytesAvailable)),
		0,
		0,
	)
	if ret == 0 {
		return fmt.Errorf("failed to check disk space: %w", callErr)
	}

	if int64(freeBytesAvailable) < minFreeSpace {
		return fmt.Errorf("insufficient disk space: %d bytes available, %d bytes required",
			freeBytesAvailable, minFreeSpace)
	}

	return nil
}
