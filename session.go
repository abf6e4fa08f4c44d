package diskqueue

import (
	"context"
	"runtime"

	"github.com/pracsol/DiskQueue/internal/core"
	"github.com/pracsol/DiskQueue/internal/logging"
)

// Session is a transactional handle on the queue.
//
// Enqueues are invisible to other sessions until Flush returns; dequeues
// remove entries from the shared head tentatively and are reinstated in
// their original order if the session is closed without flushing.
//
// A session must be closed explicitly. One reaped by the garbage collector
// with work outstanding is reverted and logged as a leak.
type Session struct {
	inner  *core.Session
	logger logging.Logger
}

func newSession(inner *core.Session, logger logging.Logger) *Session {
	s := &Session{inner: inner, logger: logger}
	runtime.SetFinalizer(s, finalizeSession)
	return s
}

// finalizeSession is the safety valve for sessions the caller forgot to
// close: revert pending work and complain.
func finalizeSession(s *Session) {
	s.logger.Warn("session reaped by GC without Flush or Close; reverting pending operations")
	_ = s.inner.Close()
}

// Enqueue buffers a payload for the next flush. The payload is copied.
// A nil payload is rejected; an empty one is a valid zero-length entry.
func (s *Session) Enqueue(payload []byte) error {
	return s.inner.Enqueue(payload)
}

// Dequeue removes the head entry and returns its payload.
// Returns (nil, nil) when the queue is empty; a stored zero-length payload
// comes back as an empty, non-nil slice.
func (s *Session) Dequeue() ([]byte, error) {
	return s.inner.Dequeue()
}

// Flush commits the session's batch atomically. After it returns, the
// batch is durable and visible to other sessions.
func (s *Session) Flush() error {
	return s.inner.Flush()
}

// FlushContext is Flush with cancellation. A cancelled flush commits
// nothing; the session keeps its state and can be flushed again or closed.
func (s *Session) FlushContext(ctx context.Context) error {
	return s.inner.FlushContext(ctx)
}

// Close disposes the session. Without a prior Flush, tentative dequeues
// rejoin the head of the queue and buffered enqueues are discarded.
func (s *Session) Close() error {
	runtime.SetFinalizer(s, nil)
	return s.inner.Close()
}
