package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pracsol/DiskQueue/internal/filedriver"
	"github.com/pracsol/DiskQueue/internal/format"
)

// maxWaitBatch is the number of pending-write handles awaited per batch
// during flush. Each batch gets its own TimeoutLimit window.
const maxWaitBatch = 32

// Session is a transactional handle on the queue.
//
// Enqueues are buffered locally and dequeues remove entries from the shared
// head view tentatively; nothing becomes permanent until Flush. Closing a
// session without flushing reverts its dequeues and discards its enqueues.
// A session is owned by its creator and must not be shared.
type Session struct {
	core *Core

	mu         sync.Mutex
	buffer     [][]byte
	bufferSize int

	// enqueueOps holds operations for payloads already written to disk,
	// collected from completed opportunistic writes in launch order
	enqueueOps []format.Operation

	// dequeueOps holds tentative dequeues, reverted if the session is
	// closed without flushing
	dequeueOps []format.Operation

	// pendingWrites are in-flight opportunistic writes, in launch order
	pendingWrites []*pendingWrite
	lastWrite     *pendingWrite

	// retired holds data streams replaced by rollover, disposed at flush
	retired []*os.File

	closed bool
}

// pendingWrite is one in-flight opportunistic write. done is closed when
// the write finishes; the result fields are valid only after that.
type pendingWrite struct {
	done    chan struct{}
	ops     []format.Operation
	retired []*os.File
	err     error
}

// OpenSession creates a session bound to the current write stream.
func (c *Core) OpenSession() (*Session, error) {
	c.mu.Lock()
	err := c.checkUsable()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.opts.Metrics.RecordSessionOpened()
	return &Session{core: c}, nil
}

// Enqueue buffers a payload for the next flush. The payload is copied;
// callers may reuse the slice. A nil payload is rejected; an empty one is
// a valid zero-length entry.
func (s *Session) Enqueue(payload []byte) error {
	if payload == nil {
		return ErrNilPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.buffer = append(s.buffer, buf)
	s.bufferSize += len(buf)
	s.core.opts.Metrics.RecordEnqueue(len(buf))

	// Push a full buffer to disk now so the bytes are off the critical
	// path of Flush. They stay invisible to other sessions until commit.
	if s.bufferSize > s.core.opts.WriteBufferSize {
		s.startWriteLocked()
	}
	return nil
}

// startWriteLocked launches an opportunistic write of the current buffer.
// Writes chain on their predecessor so payloads reach the data file in
// enqueue order. Must be called with the session mutex held.
func (s *Session) startWriteLocked() {
	pw := &pendingWrite{done: make(chan struct{})}
	prev := s.lastWrite
	s.lastWrite = pw
	s.pendingWrites = append(s.pendingWrites, pw)

	payloads := s.buffer
	s.buffer = nil
	s.bufferSize = 0

	go func() {
		defer close(pw.done)
		if prev != nil {
			<-prev.done
		}
		pw.ops, pw.retired, pw.err = s.core.writePayloads(payloads)
	}()
}

// Dequeue removes the head entry from the shared queue and returns its
// payload. Returns (nil, nil) when the queue is empty. The removal is
// tentative until Flush; closing the session without flushing reinstates
// the entry at the head.
func (s *Session) Dequeue() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	op, payload, ok, err := s.core.Dequeue()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	s.dequeueOps = append(s.dequeueOps, op)
	return payload, nil
}

// Flush commits the session's batch atomically.
func (s *Session) Flush() error {
	return s.FlushContext(context.Background())
}

// FlushContext commits the session's batch atomically.
//
// Outstanding opportunistic writes are drained first, in batches of up to
// 32 handles with TimeoutLimit per batch; failures and timeouts aggregate
// into a *PendingWriteError and nothing is committed. Otherwise the
// remaining buffer is written, streams retired by rollover are synced and
// closed, and the accumulated operations commit as one transaction.
//
// Cancellation aborts between steps; a partially-flushed session holds its
// state and can be flushed again or closed.
func (s *Session) FlushContext(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	var failures []error

	// 1. Drain outstanding opportunistic writes, in batches with a timeout
	// window per batch. Writes that time out stay pending: their payloads
	// may still land, and a later flush can collect them without losing or
	// duplicating operations.
	if err := s.drainPendingWrites(ctx, &failures); err != nil {
		return err
	}

	// 2. Write whatever is still buffered. On failure the buffer is kept
	// whole and no operations are harvested; a retried flush rewrites it
	// from scratch and the half-written bytes stay unreferenced.
	if len(s.buffer) > 0 && len(failures) == 0 {
		ops, retired, err := s.core.writePayloads(s.buffer)
		s.retired = append(s.retired, retired...)
		if err != nil {
			failures = append(failures, err)
		} else {
			s.enqueueOps = append(s.enqueueOps, ops...)
			s.buffer = nil
			s.bufferSize = 0
		}
	}

	// 3. Settle streams replaced by rollover during this session; their
	// bytes must be durable before the log references them.
	for _, stream := range s.retired {
		if err := stream.Sync(); err != nil {
			failures = append(failures, fmt.Errorf("failed to sync rolled data file: %w", err))
			continue
		}
		if err := stream.Close(); err != nil {
			failures = append(failures, fmt.Errorf("failed to close rolled data file: %w", err))
		}
	}
	s.retired = nil

	// 4. Any failure poisons the batch: raise the aggregate, commit nothing.
	if len(failures) > 0 {
		s.core.opts.Metrics.RecordPendingWriteFailure()
		return &filedriver.PendingWriteError{Failures: failures}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// 5. Commit.
	ops := make([]format.Operation, 0, len(s.enqueueOps)+len(s.dequeueOps))
	ops = append(ops, s.enqueueOps...)
	ops = append(ops, s.dequeueOps...)
	err := s.core.CommitTransaction(ops)

	var pendingErr *filedriver.PendingWriteError
	if errors.As(err, &pendingErr) {
		// The transaction is durable; only deferred deletes failed.
		s.clearLocked()
		return err
	}
	if err != nil {
		return err
	}

	s.clearLocked()
	return nil
}

// drainPendingWrites waits for outstanding opportunistic writes in batches
// of up to maxWaitBatch, each batch bounded by TimeoutLimit. Completed
// writes are harvested in launch order; the rest stay queued for a retried
// flush. Must be called with the session mutex held.
func (s *Session) drainPendingWrites(ctx context.Context, failures *[]error) error {
	processed := 0
	defer func() {
		s.pendingWrites = s.pendingWrites[processed:]
	}()

	for processed < len(s.pendingWrites) {
		batchEnd := processed + maxWaitBatch
		if batchEnd > len(s.pendingWrites) {
			batchEnd = len(s.pendingWrites)
		}

		timer := time.NewTimer(s.core.opts.TimeoutLimit)
		for processed < batchEnd {
			pw := s.pendingWrites[processed]
			select {
			case <-pw.done:
				if pw.err != nil {
					*failures = append(*failures, pw.err)
				} else {
					s.enqueueOps = append(s.enqueueOps, pw.ops...)
					s.retired = append(s.retired, pw.retired...)
				}
				processed++
			case <-timer.C:
				timer.Stop()
				*failures = append(*failures, fmt.Errorf("timed out after %s waiting for %d pending write(s)", s.core.opts.TimeoutLimit, len(s.pendingWrites)-processed))
				return nil
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		timer.Stop()
	}
	return nil
}

// clearLocked resets session state after a successful commit.
// Must be called with the session mutex held.
func (s *Session) clearLocked() {
	s.buffer = nil
	s.bufferSize = 0
	s.enqueueOps = nil
	s.dequeueOps = nil
}

// Close disposes the session. Without a prior Flush, tentative dequeues
// rejoin the head of the queue in their original order and buffered
// enqueues are discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if len(s.dequeueOps) > 0 {
		s.core.Reinstate(s.dequeueOps)
		s.dequeueOps = nil
	}

	for _, stream := range s.retired {
		_ = stream.Close()
	}
	// Best effort on writes still in flight; anything unfinished leaks only
	// unreferenced bytes.
	for _, pw := range s.pendingWrites {
		select {
		case <-pw.done:
			for _, stream := range pw.retired {
				_ = stream.Close()
			}
		default:
		}
	}
	s.retired = nil
	s.buffer = nil
	s.bufferSize = 0
	s.enqueueOps = nil
	s.pendingWrites = nil
	s.lastWrite = nil

	return nil
}
