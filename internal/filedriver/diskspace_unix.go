//go:build unix || linux || darwin || freebsd || openbsd || netbsd

package filedriver

import (
	"fmt"
	"syscall"
)

// CheckDiskSpace verifies the filesystem holding dir has at least
// minFreeSpace bytes available. A zero minimum disables the check.
// This implementation uses Unix-specific syscalls (Statfs).
func CheckDiskSpace(dir string, minFreeSpace int64) error {
	if minFreeSpace == 0 {
		return nil
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("failed to check disk space: %w", err)
	}

	availableBytes := int64(stat.Bavail) * int64(stat.Bsize)

	if availableBytes < minFreeSpace {
		return fmt.Errorf("insufficient disk space: %d bytes available, %d bytes required",
			availableBytes, minFreeSpace)
	}

	return nil
}
