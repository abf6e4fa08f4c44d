// Package checkpoint persists the queue's meta state file.
//
// The checkpoint is a cache of the transaction log replay: it records the
// current write file and position, the transaction counter, and the live
// byte ranges per data file. It is advisory: recovery trusts the log and
// rebuilds the checkpoint when it lags the log; a checkpoint ahead of an
// intact log is unrecoverable under the strict truncation policy.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pracsol/DiskQueue/internal/filedriver"
	"github.com/pracsol/DiskQueue/internal/format"
)

// Store reads and writes a meta state file through the file driver's
// atomic-replacement protocol.
type Store struct {
	path   string
	driver *filedriver.Driver
}

// NewStore creates a store for the meta state file at path.
func NewStore(driver *filedriver.Driver, path string) *Store {
	return &Store{path: path, driver: driver}
}

// Path returns the meta state file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the checkpoint from disk.
// Returns (nil, nil) when no checkpoint exists yet.
func (s *Store) Load() (*format.MetaState, error) {
	var meta *format.MetaState
	err := s.driver.AtomicRead(s.path, func(r io.Reader) error {
		m, err := format.UnmarshalMetaState(r)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return meta, nil
}

// Save atomically replaces the checkpoint with the given state.
func (s *Store) Save(meta *format.MetaState) error {
	data := meta.Marshal()
	err := s.driver.AtomicWrite(s.path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}
