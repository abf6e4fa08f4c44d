package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pracsol/DiskQueue/internal/format"
	"github.com/pracsol/DiskQueue/internal/logging"
)

// recover reconstructs in-memory state from the queue directory.
//
// The transaction log is replayed from offset 0 and wins when the checkpoint
// lags it; the checkpoint is rewritten from the replay result. A checkpoint
// recording more transactions than an intact log holds fails recovery unless
// AllowTruncatedEntries is set.
// A damaged log tail either fails recovery (strict) or is truncated at the
// last good transaction boundary (AllowTruncatedEntries).
func (c *Core) recover() error {
	meta, err := c.meta.Load()
	if err != nil {
		c.opts.Logger.Warn("checkpoint unreadable, rebuilding from log",
			logging.F("error", err.Error()),
		)
		meta = nil
	}

	txCount, truncated, err := c.replayLog()
	if err != nil {
		return err
	}

	if meta != nil && !truncated && !c.opts.AllowTruncatedEntries && meta.CurrentTransactionID > uint64(txCount) {
		return &UnrecoverableError{
			Reason: fmt.Sprintf("diskqueue: meta state records transaction %d but the log holds only %d", meta.CurrentTransactionID, txCount),
		}
	}

	c.txID = uint64(txCount)
	c.entries = c.ranges.entries()

	files, err := DiscoverDataFiles(c.dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		c.dataFiles[f.FileNumber] = struct{}{}
	}

	// The write target is the highest-numbered file anyone knows about:
	// discovered on disk, referenced by a live range, or recorded in the
	// checkpoint.
	var writeFile uint32
	if len(files) > 0 {
		writeFile = files[len(files)-1].FileNumber
	}
	for fileNumber := range c.ranges.files {
		if fileNumber > writeFile {
			writeFile = fileNumber
		}
	}
	if meta != nil && meta.CurrentWriteFile > writeFile {
		writeFile = meta.CurrentWriteFile
	}
	c.writeFile = writeFile
	c.dataFiles[writeFile] = struct{}{}

	// The tail position is the physical end of the write file. Bytes past
	// the committed extents are garbage from abandoned sessions and are
	// never reused, only skipped.
	c.writePos = 0
	if info, err := os.Stat(c.dataPath(writeFile)); err == nil {
		c.writePos = uint64(info.Size())
	}
	for _, r := range c.ranges.files[writeFile] {
		if end := r.Start + uint64(r.Length); end > c.writePos {
			c.writePos = end
		}
	}

	stream, err := c.driver.OpenWriteStream(c.dataPath(writeFile))
	if err != nil {
		return err
	}
	c.stream = stream

	log, err := c.driver.OpenTransactionLog(filepath.Join(c.dir, TransactionLogName), 32*1024)
	if err != nil {
		_ = stream.Close()
		return err
	}
	c.log = log

	if err := c.meta.Save(c.metaSnapshotLocked()); err != nil {
		c.opts.Logger.Error("failed to rewrite checkpoint during recovery",
			logging.F("error", err.Error()),
		)
	}

	// Dead data files below the write target go through the two-phase
	// delete; a failure here only delays them to the next pass.
	if err := c.retireFreeFilesLocked(); err != nil {
		c.opts.Logger.Warn("deferred deletes pending after recovery",
			logging.F("error", err.Error()),
		)
	}

	c.opts.Metrics.RecordRecovery(txCount, len(c.entries))
	c.opts.Logger.Info("queue recovered",
		logging.F("transactions", txCount),
		logging.F("live_entries", len(c.entries)),
		logging.F("write_file", writeFile),
	)
	return nil
}

// replayLog applies every committed transaction to the live-range map.
// Returns the number of transactions applied and whether the log was
// truncated at a damaged tail.
func (c *Core) replayLog() (txCount int, truncated bool, err error) {
	logPath := filepath.Join(c.dir, TransactionLogName)

	f, err := c.driver.OpenReadStream(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}

	reader := format.NewLogReader(f)
	truncateTo := int64(-1)

	for {
		ops, err := reader.Next()
		if err == io.EOF {
			break
		}

		var corrupt *format.CorruptionError
		if errors.As(err, &corrupt) {
			if !c.opts.AllowTruncatedEntries {
				_ = f.Close()
				return 0, false, &UnrecoverableError{Reason: corrupt.Error(), Cause: corrupt}
			}
			truncateTo = reader.ValidOffset()
			break
		}
		if err != nil {
			_ = f.Close()
			return 0, false, err
		}

		for _, op := range ops {
			switch op.Kind {
			case format.KindEnqueue:
				err = c.ranges.add(op.FileNumber, op.Start, op.Length)
			case format.KindDequeue:
				err = c.ranges.remove(op.FileNumber, op.Start, op.Length)
			}
			if err != nil {
				_ = f.Close()
				return 0, false, &UnrecoverableError{
					Reason: fmt.Sprintf("diskqueue: transaction %d is inconsistent with prior state: %v", reader.TransactionsRead(), err),
					Cause:  err,
				}
			}
		}
		txCount = reader.TransactionsRead()
	}

	if err := f.Close(); err != nil {
		return 0, false, err
	}

	if truncateTo >= 0 {
		if err := c.truncateLog(logPath, truncateTo); err != nil {
			return 0, false, err
		}
		c.opts.Metrics.RecordLogTruncated()
		c.opts.Logger.Warn("truncated damaged transaction log",
			logging.F("valid_bytes", truncateTo),
			logging.F("transactions_kept", txCount),
		)
		return txCount, true, nil
	}

	return txCount, false, nil
}

// truncateLog rewrites the log file to its last valid prefix.
func (c *Core) truncateLog(logPath string, validOffset int64) error {
	prefix := make([]byte, validOffset)
	err := c.driver.AtomicRead(logPath, func(r io.Reader) error {
		_, err := io.ReadFull(r, prefix)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to read valid log prefix: %w", err)
	}

	err = c.driver.AtomicWrite(logPath, func(w io.Writer) error {
		if len(prefix) == 0 {
			return nil
		}
		_, err := w.Write(prefix)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to truncate transaction log: %w", err)
	}
	return nil
}
