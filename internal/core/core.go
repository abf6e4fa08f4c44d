package core

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pracsol/DiskQueue/internal/checkpoint"
	"github.com/pracsol/DiskQueue/internal/filedriver"
	"github.com/pracsol/DiskQueue/internal/format"
	"github.com/pracsol/DiskQueue/internal/logging"
	"github.com/pracsol/DiskQueue/internal/metrics"
)

// Options configures core behavior. The public package validates and
// defaults these before handing them down.
type Options struct {
	// MaxFileSize rolls the writer to a new data file when exceeded
	MaxFileSize uint64

	// WriteBufferSize is the session buffer threshold for opportunistic writes
	WriteBufferSize int

	// AllowTruncatedEntries truncates a damaged log tail instead of failing
	AllowTruncatedEntries bool

	// TimeoutLimit bounds each wait on a batch of pending writes during flush
	TimeoutLimit time.Duration

	// SuggestedReadBuffer sizes the read buffer used to fetch payloads
	SuggestedReadBuffer int

	// ParanoidFlushing forces data and log to disk on every commit
	ParanoidFlushing bool

	// MinimumFreeSpace fails Open when the filesystem has fewer free bytes
	// (0 disables the check)
	MinimumFreeSpace int64

	// TrimLogOnClose rewrites the log to just the live entries at close
	TrimLogOnClose bool

	// Logger receives operational events
	Logger logging.Logger

	// Metrics collects operation counters
	Metrics *metrics.Collector
}

// Core is the central queue state: open data files, per-file live ranges,
// the pending-entry queue, and the writer serialization point.
//
// Lock ordering: writerMu before mu. CommitTransaction holds both; payload
// writers hold writerMu and take mu only for bookkeeping.
type Core struct {
	dir  string
	opts *Options

	driver *filedriver.Driver
	lock   *filedriver.LockFile
	meta   *checkpoint.Store
	log    *filedriver.LogWriter

	// mu guards the entry queue, live ranges, and lifecycle flags
	mu        sync.Mutex
	entries   []entry
	ranges    *rangeMap
	txID      uint64
	dataFiles map[uint32]struct{}
	failed    bool
	closed    bool

	// writerMu serializes appends to the active data file
	writerMu      sync.Mutex
	stream        *os.File
	retiredStream *os.File
	writeFile     uint32
	writePos      uint64
}

// Open acquires the queue directory and reconstructs state from disk.
// Fails fast with a *filedriver.LockError when another live owner holds
// the directory.
func Open(dir string, opts *Options) (*Core, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	if err := filedriver.CheckDiskSpace(dir, opts.MinimumFreeSpace); err != nil {
		return nil, err
	}

	driver := filedriver.New(opts.Logger)

	lock, err := driver.CreateLockFile(filepath.Join(dir, LockFileName))
	if err != nil {
		return nil, err
	}

	c := &Core{
		dir:       dir,
		opts:      opts,
		driver:    driver,
		lock:      lock,
		meta:      checkpoint.NewStore(driver, filepath.Join(dir, MetaFileName)),
		ranges:    newRangeMap(),
		dataFiles: make(map[uint32]struct{}),
	}

	if err := c.recover(); err != nil {
		_ = lock.Release()
		return nil, err
	}

	return c, nil
}

// dataPath returns the path of a data file by number.
func (c *Core) dataPath(fileNumber uint32) string {
	return filepath.Join(c.dir, FormatDataFileName(fileNumber))
}

// markFailed records an unrecoverable condition. All further operations
// fail until the queue is re-opened. Must be called with mu held.
func (c *Core) markFailed(reason string, cause error) *UnrecoverableError {
	c.failed = true
	c.opts.Logger.Error("queue entered unrecoverable state",
		logging.F("reason", reason),
	)
	return &UnrecoverableError{Reason: reason, Cause: cause}
}

// checkUsable verifies the core accepts operations. Must be called with
// mu held.
func (c *Core) checkUsable() error {
	if c.closed {
		return ErrClosed
	}
	if c.failed {
		return &UnrecoverableError{Reason: "diskqueue: queue is in an unrecoverable state; re-open it"}
	}
	return nil
}

// writePayloads appends payloads to the active data file, rolling to the
// next file whenever the projected position would exceed MaxFileSize.
// A single call can roll any number of times; every payload lands whole in
// exactly one file. Streams retired by rollover are returned to the caller,
// which must sync and close them before committing.
func (c *Core) writePayloads(payloads [][]byte) (ops []format.Operation, retired []*os.File, err error) {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()

	c.mu.Lock()
	err = c.checkUsable()
	c.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	for _, p := range payloads {
		if c.writePos > 0 && c.writePos+uint64(len(p)) > c.opts.MaxFileSize {
			if err := c.rollover(); err != nil {
				return ops, retired, err
			}
			retired = append(retired, c.retiredStream)
			c.retiredStream = nil
		}

		if len(p) > 0 {
			if _, err := c.stream.WriteAt(p, int64(c.writePos)); err != nil {
				return ops, retired, fmt.Errorf("failed to write payload: %w", err)
			}
		}

		ops = append(ops, format.Operation{
			Kind:       format.KindEnqueue,
			FileNumber: c.writeFile,
			Start:      c.writePos,
			Length:     uint32(len(p)),
		})
		c.writePos += uint64(len(p))
	}

	return ops, retired, nil
}

// rollover seals the active data file and opens the next one.
// Must be called with writerMu held.
func (c *Core) rollover() error {
	// Seal the outgoing file on disk before anything can commit a record
	// referencing it.
	if c.opts.ParanoidFlushing {
		if err := c.stream.Sync(); err != nil {
			return fmt.Errorf("failed to sync sealed data file: %w", err)
		}
	}

	next := c.writeFile + 1
	stream, err := c.driver.OpenWriteStream(c.dataPath(next))
	if err != nil {
		return fmt.Errorf("failed to open data file %d: %w", next, err)
	}

	c.retiredStream = c.stream
	c.stream = stream
	c.writeFile = next
	c.writePos = 0

	c.mu.Lock()
	c.dataFiles[next] = struct{}{}
	c.mu.Unlock()

	c.opts.Metrics.RecordFileCreated()
	c.opts.Logger.Debug("rolled to new data file", logging.F("file", next))
	return nil
}

// CommitTransaction makes a session's operations durable and visible.
//
// The record is appended to the transaction log and forced to disk before
// any in-memory state changes; the log is the source of truth. A checkpoint
// write failure after a successful append is logged, not surfaced. The
// returned error is a *PendingWriteError when only the deferred deletion of
// retired data files failed; the transaction itself is durable.
func (c *Core) CommitTransaction(ops []format.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	c.writerMu.Lock()
	defer c.writerMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkUsable(); err != nil {
		return err
	}

	// Payloads referenced by this transaction must hit the platter before
	// the log record that names them.
	if c.opts.ParanoidFlushing {
		if err := c.stream.Sync(); err != nil {
			return fmt.Errorf("failed to sync data file: %w", err)
		}
	}

	record := format.MarshalTransaction(ops)
	if _, err := c.log.Write(record); err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	if c.opts.ParanoidFlushing {
		if err := c.log.Sync(); err != nil {
			return fmt.Errorf("failed to sync transaction log: %w", err)
		}
	} else if err := c.log.Flush(); err != nil {
		return fmt.Errorf("failed to flush transaction log: %w", err)
	}

	// The record is on disk: the transaction is committed. Everything past
	// this point reconciles in-memory and auxiliary state.
	for _, op := range ops {
		switch op.Kind {
		case format.KindEnqueue:
			if err := c.ranges.add(op.FileNumber, op.Start, op.Length); err != nil {
				return c.markFailed(err.Error(), err)
			}
			c.entries = append(c.entries, entry{fileNumber: op.FileNumber, start: op.Start, length: op.Length})
		case format.KindDequeue:
			if err := c.ranges.remove(op.FileNumber, op.Start, op.Length); err != nil {
				return c.markFailed(err.Error(), err)
			}
		}
	}
	c.txID++
	c.opts.Metrics.RecordTransaction(len(ops))

	if err := c.meta.Save(c.metaSnapshotLocked()); err != nil {
		// The log already holds the truth; the checkpoint is rebuilt on the
		// next open.
		c.opts.Logger.Error("checkpoint write failed after commit",
			logging.F("error", err.Error()),
		)
	}

	return c.retireFreeFilesLocked()
}

// metaSnapshotLocked builds a checkpoint of the current state.
// Must be called with writerMu and mu held.
func (c *Core) metaSnapshotLocked() *format.MetaState {
	return &format.MetaState{
		CurrentWriteFile:     c.writeFile,
		CurrentWritePosition: c.writePos,
		CurrentTransactionID: c.txID,
		LiveRanges:           c.ranges.snapshot(),
	}
}

// retireFreeFilesLocked schedules deletion of data files that no longer
// hold live ranges and sit below the current write file, then finalises.
// Must be called with writerMu and mu held.
func (c *Core) retireFreeFilesLocked() error {
	for fileNumber := range c.dataFiles {
		if fileNumber >= c.writeFile || !c.ranges.isEmpty(fileNumber) {
			continue
		}
		if err := c.driver.PrepareDelete(c.dataPath(fileNumber)); err != nil {
			c.opts.Logger.Error("failed to prepare data file deletion",
				logging.F("file", fileNumber),
				logging.F("error", err.Error()),
			)
			continue
		}
		delete(c.dataFiles, fileNumber)
		c.opts.Metrics.RecordFileDeleted()
		c.opts.Logger.Debug("retired data file", logging.F("file", fileNumber))
	}

	if err := c.driver.Finalise(); err != nil {
		c.opts.Metrics.RecordPendingWriteFailure()
		return err
	}
	return nil
}

// Dequeue removes the head entry and returns its payload along with the
// dequeue operation the session must commit. ok is false when the queue
// is empty.
func (c *Core) Dequeue() (op format.Operation, payload []byte, ok bool, err error) {
	c.mu.Lock()
	if err := c.checkUsable(); err != nil {
		c.mu.Unlock()
		return format.Operation{}, nil, false, err
	}
	if len(c.entries) == 0 {
		c.mu.Unlock()
		return format.Operation{}, nil, false, nil
	}
	e := c.entries[0]
	c.entries = c.entries[1:]
	c.mu.Unlock()

	payload, err = c.readPayload(e)
	if err != nil {
		// Put the entry back so a transient read failure loses nothing.
		c.mu.Lock()
		c.entries = append([]entry{e}, c.entries...)
		c.mu.Unlock()
		return format.Operation{}, nil, false, err
	}

	c.opts.Metrics.RecordDequeue(len(payload))
	op = format.Operation{
		Kind:       format.KindDequeue,
		FileNumber: e.fileNumber,
		Start:      e.start,
		Length:     e.length,
	}
	return op, payload, true, nil
}

// readPayload fetches an entry's bytes from its data file.
func (c *Core) readPayload(e entry) ([]byte, error) {
	if e.length == 0 {
		return []byte{}, nil
	}

	f, err := c.driver.OpenReadStream(c.dataPath(e.fileNumber))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(int64(e.start), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to entry: %w", err)
	}

	bufSize := c.opts.SuggestedReadBuffer
	if int(e.length) < bufSize {
		bufSize = int(e.length)
	}

	payload := make([]byte, e.length)
	if _, err := io.ReadFull(bufio.NewReaderSize(f, bufSize), payload); err != nil {
		return nil, fmt.Errorf("failed to read entry payload: %w", err)
	}
	return payload, nil
}

// Reinstate returns tentatively-dequeued entries to the head of the queue
// in their original FIFO order. Called when a session is closed without
// flushing. Enqueue operations in the batch are dropped; their bytes were
// never committed.
func (c *Core) Reinstate(ops []format.Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	var restored []entry
	for _, op := range ops {
		if op.Kind != format.KindDequeue {
			continue
		}
		restored = append(restored, entry{fileNumber: op.FileNumber, start: op.Start, length: op.Length})
	}
	if len(restored) == 0 {
		return
	}

	c.entries = append(restored, c.entries...)
	c.opts.Metrics.RecordReinstate(len(restored))
	c.opts.Logger.Debug("reinstated tentative dequeues", logging.F("count", len(restored)))
}

// EstimatedCount returns the number of live entries minus in-flight
// tentative dequeues.
func (c *Core) EstimatedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StatsSnapshot is a point-in-time view of core state.
type StatsSnapshot struct {
	// LiveEntries is the number of committed, unconsumed entries
	LiveEntries int

	// LiveBytes is the total payload bytes of live entries
	LiveBytes uint64

	// DataFileCount is the number of data files on disk
	DataFileCount int

	// CurrentWriteFile is the number of the active data file
	CurrentWriteFile uint32

	// CurrentTransactionID counts committed transactions
	CurrentTransactionID uint64
}

// Stats returns a snapshot of core state.
func (c *Core) Stats() *StatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &StatsSnapshot{
		LiveEntries:          c.ranges.count(),
		LiveBytes:            c.ranges.bytes(),
		DataFileCount:        len(c.dataFiles),
		CurrentWriteFile:     c.writeFile,
		CurrentTransactionID: c.txID,
	}
}

// Close releases the queue directory: final sync, optional log trim,
// deferred deletes, then the lock.
func (c *Core) Close() error {
	c.writerMu.Lock()
	defer c.writerMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.stream != nil {
		record(c.stream.Sync())
		record(c.stream.Close())
		c.stream = nil
	}

	if c.log != nil {
		record(c.log.Close())
		c.log = nil
	}

	if c.opts.TrimLogOnClose && !c.failed {
		record(c.trimLogLocked())
	}

	record(c.driver.Finalise())

	if c.lock != nil {
		record(c.lock.Release())
		c.lock = nil
	}

	return firstErr
}

// trimLogLocked rewrites the transaction log to a single transaction
// holding every live entry, then rewrites the checkpoint to match. Keeps
// the log from growing without bound across queue lifetimes.
// Must be called with writerMu and mu held, after the log writer is closed.
func (c *Core) trimLogLocked() error {
	live := c.ranges.entries()

	var data []byte
	var txID uint64
	if len(live) > 0 {
		ops := make([]format.Operation, len(live))
		for i, e := range live {
			ops[i] = format.Operation{
				Kind:       format.KindEnqueue,
				FileNumber: e.fileNumber,
				Start:      e.start,
				Length:     e.length,
			}
		}
		data = format.MarshalTransaction(ops)
		txID = 1
	}

	err := c.driver.AtomicWrite(filepath.Join(c.dir, TransactionLogName), func(w io.Writer) error {
		if len(data) == 0 {
			return nil
		}
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to trim transaction log: %w", err)
	}

	c.txID = txID
	if err := c.meta.Save(c.metaSnapshotLocked()); err != nil {
		return fmt.Errorf("failed to rewrite checkpoint after trim: %w", err)
	}

	c.opts.Logger.Debug("trimmed transaction log", logging.F("live_entries", len(live)))
	return nil
}
