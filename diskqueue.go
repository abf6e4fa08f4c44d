// Package diskqueue provides a persistent, transactional, single-node disk
// queue: a durable FIFO byte-blob queue whose state survives process
// restarts and crashes.
//
// Sessions batch enqueues and dequeues; Flush commits the batch atomically
// and Close without a flush reverts it. At most one live process owns a
// queue directory at a time.
//
// Example usage:
//
//	q, err := diskqueue.Open("/path/to/queue", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer q.Close()
//
//	s, err := q.OpenSession()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	if err := s.Enqueue([]byte("hello")); err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Flush(); err != nil {
//	    log.Fatal(err)
//	}
package diskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pracsol/DiskQueue/internal/core"
	"github.com/pracsol/DiskQueue/internal/metrics"
)

// Version is the current version of DiskQueue.
const Version = "1.0.0"

// waitForRetryInterval paces lock-acquisition retries in WaitFor.
const waitForRetryInterval = 50 * time.Millisecond

// DiskQueue is a persistent transactional queue rooted at a directory.
type DiskQueue struct {
	core *core.Core
	opts *core.Options
}

// Open opens or creates the queue at path, recovering state from disk.
// Fails immediately with a *LockError when another live owner holds the
// directory. Pass nil opts for defaults.
func Open(path string, opts *Options) (*DiskQueue, error) {
	normalized := opts.normalize()
	c, err := core.Open(path, normalized)
	if err != nil {
		return nil, err
	}
	return &DiskQueue{core: c, opts: normalized}, nil
}

// WaitFor retries Open until the lock is acquired, the timeout elapses, or
// ctx is cancelled. Only lock contention is retried; any other failure is
// returned at once.
func WaitFor(ctx context.Context, path string, timeout time.Duration, opts *Options) (*DiskQueue, error) {
	deadline := time.Now().Add(timeout)

	for {
		q, err := Open(path, opts)
		if err == nil {
			return q, nil
		}

		var lockErr *LockError
		if !errors.As(err, &lockErr) {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out after %s waiting for queue lock: %w", timeout, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitForRetryInterval):
		}
	}
}

// OpenSession returns a new transactional session on the queue.
func (q *DiskQueue) OpenSession() (*Session, error) {
	inner, err := q.core.OpenSession()
	if err != nil {
		return nil, err
	}
	return newSession(inner, q.opts.Logger), nil
}

// EstimatedCountOfItems returns the number of committed entries minus
// in-flight tentative dequeues across all live sessions.
func (q *DiskQueue) EstimatedCountOfItems() int {
	return q.core.EstimatedCount()
}

// Stats returns a snapshot of queue state.
func (q *DiskQueue) Stats() *Stats {
	s := q.core.Stats()
	return &Stats{
		EstimatedCount:       q.core.EstimatedCount(),
		LiveEntries:          s.LiveEntries,
		LiveBytes:            s.LiveBytes,
		DataFileCount:        s.DataFileCount,
		CurrentWriteFile:     s.CurrentWriteFile,
		CurrentTransactionID: s.CurrentTransactionID,
	}
}

// Metrics returns the current operation counters.
func (q *DiskQueue) Metrics() MetricsSnapshot {
	return q.opts.Metrics.Snapshot()
}

// Close releases the queue and its directory lock.
// Sessions still open against the queue fail on their next operation.
func (q *DiskQueue) Close() error {
	return q.core.Close()
}

// MetricsSnapshot is a point-in-time copy of the queue's operation counters.
type MetricsSnapshot = metrics.Snapshot
