// Package metrics provides operation counters for DiskQueue.
//
// The collector is a set of atomic counters with no exporter dependency;
// callers pull a Snapshot and feed whatever telemetry system they run.
package metrics

import "sync/atomic"

// Collector tracks queue operation counters.
// All methods are safe for concurrent use.
type Collector struct {
	enqueueTotal   atomic.Uint64
	enqueueBytes   atomic.Uint64
	dequeueTotal   atomic.Uint64
	dequeueBytes   atomic.Uint64
	transactions   atomic.Uint64
	operations     atomic.Uint64
	reinstatedOps  atomic.Uint64
	sessionsOpened atomic.Uint64

	filesCreated atomic.Uint64
	filesDeleted atomic.Uint64

	recoveries            atomic.Uint64
	recoveredTransactions atomic.Uint64
	recoveredEntries      atomic.Uint64
	logsTruncated         atomic.Uint64
	pendingWriteFailures  atomic.Uint64
}

// NewCollector creates a collector with all counters at zero.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordEnqueue records a buffered enqueue and its payload size.
func (c *Collector) RecordEnqueue(payloadSize int) {
	c.enqueueTotal.Add(1)
	c.enqueueBytes.Add(uint64(payloadSize))
}

// RecordDequeue records a dequeue and its payload size.
func (c *Collector) RecordDequeue(payloadSize int) {
	c.dequeueTotal.Add(1)
	c.dequeueBytes.Add(uint64(payloadSize))
}

// RecordTransaction records a committed transaction and its operation count.
func (c *Collector) RecordTransaction(opCount int) {
	c.transactions.Add(1)
	c.operations.Add(uint64(opCount))
}

// RecordReinstate records dequeues reverted by an abandoned session.
func (c *Collector) RecordReinstate(count int) {
	c.reinstatedOps.Add(uint64(count))
}

// RecordSessionOpened records a new session.
func (c *Collector) RecordSessionOpened() {
	c.sessionsOpened.Add(1)
}

// RecordFileCreated records a data file rollover.
func (c *Collector) RecordFileCreated() {
	c.filesCreated.Add(1)
}

// RecordFileDeleted records a retired data file scheduled for deletion.
func (c *Collector) RecordFileDeleted() {
	c.filesDeleted.Add(1)
}

// RecordRecovery records a completed open-time recovery.
func (c *Collector) RecordRecovery(transactions, liveEntries int) {
	c.recoveries.Add(1)
	c.recoveredTransactions.Add(uint64(transactions))
	c.recoveredEntries.Add(uint64(liveEntries))
}

// RecordLogTruncated records a damaged log tail cut during recovery.
func (c *Collector) RecordLogTruncated() {
	c.logsTruncated.Add(1)
}

// RecordPendingWriteFailure records an aggregated pending-write failure.
func (c *Collector) RecordPendingWriteFailure() {
	c.pendingWriteFailures.Add(1)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	EnqueueTotal   uint64
	EnqueueBytes   uint64
	DequeueTotal   uint64
	DequeueBytes   uint64
	Transactions   uint64
	Operations     uint64
	ReinstatedOps  uint64
	SessionsOpened uint64

	FilesCreated uint64
	FilesDeleted uint64

	Recoveries            uint64
	RecoveredTransactions uint64
	RecoveredEntries      uint64
	LogsTruncated         uint64
	PendingWriteFailures  uint64
}

// Snapshot returns a copy of the current counter values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		EnqueueTotal:   c.enqueueTotal.Load(),
		EnqueueBytes:   c.enqueueBytes.Load(),
		DequeueTotal:   c.dequeueTotal.Load(),
		DequeueBytes:   c.dequeueBytes.Load(),
		Transactions:   c.transactions.Load(),
		Operations:     c.operations.Load(),
		ReinstatedOps:  c.reinstatedOps.Load(),
		SessionsOpened: c.sessionsOpened.Load(),

		FilesCreated: c.filesCreated.Load(),
		FilesDeleted: c.filesDeleted.Load(),

		Recoveries:            c.recoveries.Load(),
		RecoveredTransactions: c.recoveredTransactions.Load(),
		RecoveredEntries:      c.recoveredEntries.Load(),
		LogsTruncated:         c.logsTruncated.Load(),
		PendingWriteFailures:  c.pendingWriteFailures.Load(),
	}
}
