package filedriver

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/pracsol/DiskQueue/internal/format"
	"github.com/pracsol/DiskQueue/internal/logging"
)

// ownerCounter assigns a distinct owner ID to every lock acquired within
// this process, so lock files written by different handles can be told
// apart.
var ownerCounter atomic.Int32

// selfStartOnce caches this process's start time.
var (
	selfStartOnce   sync.Once
	selfStartTimeMS int64
)

// selfStartTime returns this process's start time in Unix milliseconds.
func selfStartTime() int64 {
	selfStartOnce.Do(func() {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err == nil {
			if created, err := p.CreateTime(); err == nil {
				selfStartTimeMS = created
				return
			}
		}
		// The platform cannot report process start times; fall back to now so
		// locks written by this process are still mutually comparable.
		selfStartTimeMS = time.Now().UnixMilli()
	})
	return selfStartTimeMS
}

// LockFile is an exclusively-held lock on a queue directory.
// The underlying file stays open for the lifetime of the handle.
type LockFile struct {
	path   string
	file   *os.File
	data   format.LockFileData
	driver *Driver
}

// Path returns the lock file path.
func (lf *LockFile) Path() string {
	return lf.path
}

// Release closes and removes the lock file.
func (lf *LockFile) Release() error {
	lf.driver.mu.Lock()
	defer lf.driver.mu.Unlock()

	delete(lf.driver.held, lf.path)

	if err := lf.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	if err := os.Remove(lf.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// CreateLockFile exclusively creates the lock file at path.
//
// When the file already exists its recorded owner decides the outcome:
// a handle acquired through this driver or another session in this process
// fails immediately, a running foreign process whose start time matches the
// record fails as contended, and anything else is a stale lock that is
// deleted before retrying the exclusive create.
func (d *Driver) CreateLockFile(path string) (*LockFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		lf, err := d.tryCreateLockFile(path)
		if err == nil {
			return lf, nil
		}

		var lockErr *LockError
		if errors.As(err, &lockErr) && lockErr.Kind == LockStale {
			d.logger.Warn("replacing stale lock file",
				logging.F("path", path),
				logging.F("owner_pid", lockErr.Owner.ProcessID),
			)
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock file: %w", rmErr)
			}
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("failed to create lock file %s after %d attempts", path, maxAttempts)
}

// tryCreateLockFile performs one exclusive-create attempt.
// Must be called with the driver mutex held.
func (d *Driver) tryCreateLockFile(path string) (*LockFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		data := format.LockFileData{
			ProcessID:          int32(os.Getpid()),
			OwnerID:            ownerCounter.Add(1),
			ProcessStartTimeMS: selfStartTime(),
		}
		if _, err := f.Write(data.Marshal()); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("failed to write lock file data: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("failed to sync lock file: %w", err)
		}

		lf := &LockFile{path: path, file: f, data: data, driver: d}
		d.held[path] = lf
		return lf, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	// The lock exists. Work out who owns it.
	if _, ok := d.held[path]; ok {
		return nil, &LockError{Kind: LockHeldByHandle, Path: path}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Released between the create attempt and the read; go again.
			return nil, &LockError{Kind: LockStale, Path: path, Owner: &format.LockFileData{}}
		}
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	owner, err := format.UnmarshalLockFileData(raw)
	if err != nil {
		// Garbage in the lock file; nothing alive can own it.
		return nil, &LockError{Kind: LockStale, Path: path, Owner: &format.LockFileData{}}
	}

	if owner.ProcessID == int32(os.Getpid()) {
		return nil, &LockError{Kind: LockHeldByProcess, Path: path, Owner: owner}
	}

	if processAlive(owner.ProcessID, owner.ProcessStartTimeMS) {
		return nil, &LockError{Kind: LockHeldByOther, Path: path, Owner: owner}
	}

	return nil, &LockError{Kind: LockStale, Path: path, Owner: owner}
}

// processAlive reports whether a process with the given ID is running and
// started at the recorded time. A recycled process ID fails the start-time
// comparison and the lock counts as stale.
func processAlive(pid int32, startTimeMS int64) bool {
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	created, err := p.CreateTime()
	if err != nil {
		// The process exists but its start time is unreadable; assume alive
		// rather than steal a lock from a running owner.
		return true
	}
	return created == startTimeMS
}
