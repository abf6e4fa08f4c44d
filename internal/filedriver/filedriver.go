// Package filedriver provides the filesystem primitives DiskQueue builds on.
//
// The driver offers:
//   - Atomic file replacement with .old_copy backups that survive torn writes
//   - Exclusive lock files with stale-owner detection
//   - Two-phase deletion that defers irreversible work until after commit
//   - Append-only and sequential stream opens
//
// One Driver value is owned by each queue core; there is no process-global
// state. All mutating operations serialize on the driver mutex. Public
// methods take the lock at entry and delegate to unlocked helpers.
package filedriver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/pracsol/DiskQueue/internal/logging"
)

const (
	// OldCopySuffix marks the backup file kept during atomic replacement.
	OldCopySuffix = ".old_copy"

	// maxAttempts bounds retries of transient I/O failures.
	maxAttempts = 10

	// retryBackoffUnit is the linear backoff unit between attempts.
	retryBackoffUnit = 100 * time.Millisecond
)

// Driver performs serialized filesystem operations for a single queue.
type Driver struct {
	mu sync.Mutex

	// pending holds paths renamed by PrepareDelete, awaiting Finalise
	pending []string

	// held tracks lock files acquired through this driver
	held map[string]*LockFile

	logger logging.Logger
}

// New creates a driver logging through the given logger.
func New(logger logging.Logger) *Driver {
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	return &Driver{
		held:   make(map[string]*LockFile),
		logger: logger,
	}
}

// retry runs fn up to maxAttempts times with linear backoff (i*100ms).
func (d *Driver) retry(op string, fn func() error) error {
	var err error
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * retryBackoffUnit)
			d.logger.Warn("retrying filesystem operation",
				logging.F("op", op),
				logging.F("attempt", i+1),
				logging.F("error", err.Error()),
			)
		}
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// Retrying cannot make a missing file appear.
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxAttempts, err)
}

// AtomicRead opens path for sequential reading and invokes fn with a reader.
//
// A stale .old_copy sibling is reconciled first: when the primary exists the
// backup is deleted; when only the backup remains (crash between rename and
// recreate) it is restored as the primary.
func (d *Driver) AtomicRead(path string, fn func(io.Reader) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.retry("atomic read "+path, func() error {
		if err := d.reconcileOldCopy(path); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		return fn(f)
	})
}

// AtomicWrite atomically replaces path with the bytes written by fn.
//
// The previous file survives as <path>.old_copy until the new content is
// fully on disk; a crash at any point leaves a state the next AtomicRead or
// AtomicWrite recovers from.
func (d *Driver) AtomicWrite(path string, fn func(io.Writer) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	oldCopy := path + OldCopySuffix

	return d.retry("atomic write "+path, func() error {
		primaryExists := fileExists(path)
		backupExists := fileExists(oldCopy)

		if primaryExists && backupExists {
			// Crash between recreate and backup removal; the primary won.
			if err := os.Remove(oldCopy); err != nil {
				return err
			}
			backupExists = false
		}

		if primaryExists && !backupExists {
			if err := os.Rename(path, oldCopy); err != nil {
				return err
			}
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}

		if err := fn(f); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return err
		}

		if err := f.Sync(); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}

		if err := os.Remove(oldCopy); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		// The renames and the recreate are only durable once the directory
		// entry updates reach disk.
		return syncDir(filepath.Dir(path))
	})
}

// syncDir fsyncs a directory so renames and creates within it survive a
// host crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	return d.Sync()
}

// reconcileOldCopy heals the two-file state left by an interrupted
// AtomicWrite. Must be called with the driver mutex held.
func (d *Driver) reconcileOldCopy(path string) error {
	oldCopy := path + OldCopySuffix
	if !fileExists(oldCopy) {
		return nil
	}

	if fileExists(path) {
		// The primary is the newer file; the backup is stale.
		d.logger.Warn("removing stale backup", logging.F("path", oldCopy))
		if err := os.Remove(oldCopy); err != nil {
			return err
		}
		return syncDir(filepath.Dir(path))
	}

	// Crash after the rename but before the recreate: the backup is the only
	// surviving copy.
	d.logger.Warn("restoring backup as primary", logging.F("path", path))
	if err := os.Rename(oldCopy, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

// PrepareDelete renames path to a uniquely-suffixed neighbor and queues it
// for deletion by the next Finalise. The rename defers the irreversible
// delete until after the owning transaction commits.
func (d *Driver) PrepareDelete(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if filepath.Dir(path) == path {
		return fmt.Errorf("refusing to delete filesystem root %q", path)
	}

	renamed := path + ".deleted." + xid.New().String()
	err := d.retry("prepare delete "+path, func() error {
		if err := os.Rename(path, renamed); err != nil {
			// A retry after a failed directory sync finds the rename
			// already done.
			if !(errors.Is(err, os.ErrNotExist) && fileExists(renamed)) {
				return err
			}
		}
		return syncDir(filepath.Dir(path))
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	d.pending = append(d.pending, renamed)
	return nil
}

// Finalise deletes every path prepared by PrepareDelete, in order.
//
// Failed deletions are retried with backoff; paths that still cannot be
// removed stay pending for the next pass and are reported through a
// *PendingWriteError.
func (d *Driver) Finalise() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var failures []error
	var remaining []string

	for _, path := range d.pending {
		err := d.retry("finalise delete "+path, func() error {
			err := os.Remove(path)
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		})
		if err != nil {
			d.logger.Error("deferred delete failed",
				logging.F("path", path),
				logging.F("error", err.Error()),
			)
			failures = append(failures, err)
			remaining = append(remaining, path)
		}
	}

	d.pending = remaining
	if len(failures) > 0 {
		return &PendingWriteError{Failures: failures}
	}
	return nil
}

// PendingDeletes returns the number of paths awaiting Finalise.
func (d *Driver) PendingDeletes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// LogWriter is an append-only, buffered transaction log stream.
type LogWriter struct {
	file *os.File
	w    *bufio.Writer
}

// OpenTransactionLog opens path for append-only writing with the given
// buffer length.
func (d *Driver) OpenTransactionLog(path string, bufferLen int) (*LogWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}
	if bufferLen <= 0 {
		bufferLen = 4096
	}
	return &LogWriter{file: f, w: bufio.NewWriterSize(f, bufferLen)}, nil
}

// Write appends data to the log buffer.
func (lw *LogWriter) Write(p []byte) (int, error) {
	return lw.w.Write(p)
}

// Flush drains the buffer to the OS without forcing it to disk.
func (lw *LogWriter) Flush() error {
	if err := lw.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush transaction log: %w", err)
	}
	return nil
}

// Sync flushes the buffer and forces the appended records to disk.
func (lw *LogWriter) Sync() error {
	if err := lw.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush transaction log: %w", err)
	}
	if err := lw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync transaction log: %w", err)
	}
	return nil
}

// Size returns the current log size in bytes, including buffered data.
func (lw *LogWriter) Size() (int64, error) {
	info, err := lw.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size() + int64(lw.w.Buffered()), nil
}

// Close flushes and closes the log.
func (lw *LogWriter) Close() error {
	if err := lw.Sync(); err != nil {
		_ = lw.file.Close()
		return err
	}
	return lw.file.Close()
}

// OpenReadStream opens path for sequential or positioned reads.
func (d *Driver) OpenReadStream(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open read stream: %w", err)
	}
	return f, nil
}

// OpenWriteStream opens path for positioned writes, creating it if missing.
// Existing content is preserved; callers write at explicit offsets.
func (d *Driver) OpenWriteStream(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open write stream: %w", err)
	}
	return f, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
