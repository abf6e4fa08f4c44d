// Package core implements the transactional heart of DiskQueue.
//
// The core owns the queue directory:
//   - lock: exclusive-lock file with the owner's process identity
//   - meta.state: checkpoint of write position and live ranges
//   - transaction.log: append-only record of committed transactions
//   - data.NNNN: append-only payload files, zero-padded decimal
//
// It recovers state on open by replaying the transaction log, serializes
// writers across sessions, and commits session batches atomically.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	// LockFileName is the exclusive-lock file inside a queue directory.
	LockFileName = "lock"

	// MetaFileName is the checkpoint file inside a queue directory.
	MetaFileName = "meta.state"

	// TransactionLogName is the append-only log inside a queue directory.
	TransactionLogName = "transaction.log"

	// DataFilePrefix is the common prefix of payload files.
	DataFilePrefix = "data."

	// DataFileNameWidth is the minimum digit count in data file names.
	// Numbers beyond 9999 widen naturally.
	DataFileNameWidth = 4
)

// FormatDataFileName creates a data file name from a file number.
// Returns a zero-padded decimal name (e.g. "data.0007").
func FormatDataFileName(fileNumber uint32) string {
	return fmt.Sprintf("%s%0*d", DataFilePrefix, DataFileNameWidth, fileNumber)
}

// ParseDataFileName extracts the file number from a data file name.
// Returns an error if the name doesn't match the expected format.
func ParseDataFileName(name string) (uint32, error) {
	if !strings.HasPrefix(name, DataFilePrefix) {
		return 0, fmt.Errorf("invalid data file name: %s (missing %s prefix)", name, DataFilePrefix)
	}

	digits := strings.TrimPrefix(name, DataFilePrefix)
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid data file name: %s (invalid file number)", name)
	}

	return uint32(n), nil
}

// DataFileInfo holds information about a discovered data file.
type DataFileInfo struct {
	// FileNumber is the decimal number in the file name
	FileNumber uint32

	// Path is the absolute path to the data file
	Path string

	// Size is the file size in bytes
	Size int64
}

// DiscoverDataFiles finds all data files in a queue directory, sorted by
// file number. Files with other names are ignored; renamed files awaiting
// deferred deletion don't parse and are skipped the same way.
func DiscoverDataFiles(dir string) ([]*DataFileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var files []*DataFileInfo

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		fileNumber, err := ParseDataFileName(entry.Name())
		if err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, &DataFileInfo{
			FileNumber: fileNumber,
			Path:       filepath.Join(dir, entry.Name()),
			Size:       info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].FileNumber < files[j].FileNumber
	})

	return files, nil
}
