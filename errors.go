package diskqueue

import (
	"github.com/pracsol/DiskQueue/internal/core"
	"github.com/pracsol/DiskQueue/internal/filedriver"
)

// Common errors returned by DiskQueue operations.
var (
	// ErrQueueClosed indicates the queue has been closed.
	ErrQueueClosed = core.ErrClosed

	// ErrSessionClosed indicates the session has been closed.
	ErrSessionClosed = core.ErrSessionClosed

	// ErrNilPayload indicates a nil payload was passed to Enqueue.
	ErrNilPayload = core.ErrNilPayload
)

// UnrecoverableError reports a state the queue cannot safely continue from:
// log corruption under the strict policy, a double-freed range, or a
// checkpoint that contradicts the log. The queue stops accepting operations
// until it is re-opened.
type UnrecoverableError = core.UnrecoverableError

// PendingWriteError aggregates opportunistic write failures, flush
// timeouts, and deferred-delete failures.
type PendingWriteError = filedriver.PendingWriteError

// LockError reports a failed acquisition of the queue directory lock.
// WaitFor retries it; Open surfaces it immediately.
type LockError = filedriver.LockError

// Lock error kinds, mirrored from the file driver.
const (
	// LockHeldByHandle means this queue value already holds the lock.
	LockHeldByHandle = filedriver.LockHeldByHandle

	// LockHeldByProcess means another queue in this process holds the lock.
	LockHeldByProcess = filedriver.LockHeldByProcess

	// LockHeldByOther means a running foreign process holds the lock.
	LockHeldByOther = filedriver.LockHeldByOther
)
