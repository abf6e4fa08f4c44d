package filedriver

import (
	"fmt"
	"strings"

	"github.com/pracsol/DiskQueue/internal/format"
)

// LockErrorKind classifies why a lock acquisition failed.
type LockErrorKind int

const (
	// LockHeldByHandle means this driver already holds the lock.
	LockHeldByHandle LockErrorKind = iota

	// LockHeldByProcess means another session in this process holds the lock.
	LockHeldByProcess

	// LockHeldByOther means a running foreign process holds the lock.
	LockHeldByOther

	// LockStale means the recorded owner is dead; internal, resolved by retry.
	LockStale
)

// LockError reports a failed lock acquisition with its recorded owner.
type LockError struct {
	Kind  LockErrorKind
	Path  string
	Owner *format.LockFileData
}

func (e *LockError) Error() string {
	switch e.Kind {
	case LockHeldByHandle:
		return fmt.Sprintf("lock file %s is already held by this handle", e.Path)
	case LockHeldByProcess:
		return fmt.Sprintf("lock file %s is held by another session in this process", e.Path)
	case LockHeldByOther:
		return fmt.Sprintf("lock file %s is held by another running process (pid %d)", e.Path, e.Owner.ProcessID)
	case LockStale:
		return fmt.Sprintf("lock file %s has a stale owner", e.Path)
	default:
		return fmt.Sprintf("lock file %s is unavailable", e.Path)
	}
}

// PendingWriteError aggregates deferred write or delete failures.
type PendingWriteError struct {
	Failures []error
}

func (e *PendingWriteError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, err := range e.Failures {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d pending write(s) failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

// Unwrap exposes the inner causes for errors.Is / errors.As.
func (e *PendingWriteError) Unwrap() []error {
	return e.Failures
}
