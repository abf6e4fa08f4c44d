package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pracsol/DiskQueue/internal/filedriver"
	"github.com/pracsol/DiskQueue/internal/format"
	"github.com/pracsol/DiskQueue/internal/logging"
)

func newStore(t *testing.T) (*Store, string) {
	dir := t.TempDir()
	driver := filedriver.New(logging.NoopLogger{})
	return NewStore(driver, filepath.Join(dir, "meta.state")), dir
}

func sampleState() *format.MetaState {
	m := format.NewMetaState()
	m.CurrentWriteFile = 1
	m.CurrentWritePosition = 2048
	m.CurrentTransactionID = 3
	m.LiveRanges[0] = []format.Range{{Start: 0, Length: 128}}
	m.LiveRanges[1] = []format.Range{{Start: 0, Length: 2048}}
	return m
}

func TestStore_LoadAbsent(t *testing.T) {
	s, _ := newStore(t)

	meta, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestStore_SaveLoad(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.Save(sampleState()))

	got, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint32(1), got.CurrentWriteFile)
	assert.Equal(t, uint64(2048), got.CurrentWritePosition)
	assert.Equal(t, uint64(3), got.CurrentTransactionID)
	assert.Len(t, got.LiveRanges, 2)
}

func TestStore_OverwriteLeavesNoBackup(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.Save(sampleState()))
	next := sampleState()
	next.CurrentTransactionID = 4
	require.NoError(t, s.Save(next))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.CurrentTransactionID)
	assert.NoFileExists(t, s.Path()+filedriver.OldCopySuffix)
}

func TestStore_TornWriteRecoveredFromBackup(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Save(sampleState()))

	// Crash state: the rewrite renamed the checkpoint away and died before
	// recreating it.
	require.NoError(t, os.Rename(s.Path(), s.Path()+filedriver.OldCopySuffix))

	got, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(3), got.CurrentTransactionID)
}

func TestStore_CorruptCheckpointRejected(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Save(sampleState()))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(s.Path(), data, 0o644))

	_, err = s.Load()
	assert.Error(t, err)
}
