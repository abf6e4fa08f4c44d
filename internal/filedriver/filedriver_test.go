package filedriver

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pracsol/DiskQueue/internal/logging"
)

func newTestDriver() *Driver {
	return New(logging.NoopLogger{})
}

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func readAll(t *testing.T, d *Driver, path string) string {
	t.Helper()
	var got string
	err := d.AtomicRead(path, func(r io.Reader) error {
		data, err := io.ReadAll(r)
		got = string(data)
		return err
	})
	require.NoError(t, err)
	return got
}

func TestAtomicWrite_CreatesFile(t *testing.T) {
	d := newTestDriver()
	path := filepath.Join(t.TempDir(), "meta.state")

	require.NoError(t, d.AtomicWrite(path, writeString("first")))

	assert.Equal(t, "first", readAll(t, d, path))
	assert.NoFileExists(t, path+OldCopySuffix)
}

func TestAtomicWrite_ReplacesAndRemovesBackup(t *testing.T) {
	d := newTestDriver()
	path := filepath.Join(t.TempDir(), "meta.state")

	require.NoError(t, d.AtomicWrite(path, writeString("first")))
	require.NoError(t, d.AtomicWrite(path, writeString("second")))

	assert.Equal(t, "second", readAll(t, d, path))
	assert.NoFileExists(t, path+OldCopySuffix)
}

func TestAtomicWrite_WriterFailureKeepsBackup(t *testing.T) {
	d := newTestDriver()
	path := filepath.Join(t.TempDir(), "meta.state")
	require.NoError(t, d.AtomicWrite(path, writeString("first")))

	boom := errors.New("boom")
	err := d.AtomicWrite(path, func(io.Writer) error { return boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// The backup survives the failed rewrite, so the old content is
	// recovered by the next read.
	assert.Equal(t, "first", readAll(t, d, path))
}

func TestAtomicRead_RemovesStaleBackup(t *testing.T) {
	d := newTestDriver()
	path := filepath.Join(t.TempDir(), "meta.state")

	// Crash state: both the new primary and the stale backup exist.
	require.NoError(t, os.WriteFile(path, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(path+OldCopySuffix, []byte("old"), 0o644))

	assert.Equal(t, "new", readAll(t, d, path))
	assert.NoFileExists(t, path+OldCopySuffix)
}

func TestAtomicRead_RestoresBackupWhenPrimaryMissing(t *testing.T) {
	d := newTestDriver()
	path := filepath.Join(t.TempDir(), "meta.state")

	// Crash state: renamed away, new primary never created.
	require.NoError(t, os.WriteFile(path+OldCopySuffix, []byte("old"), 0o644))

	assert.Equal(t, "old", readAll(t, d, path))
	assert.NoFileExists(t, path+OldCopySuffix)
}

func TestAtomicRead_MissingFile(t *testing.T) {
	d := newTestDriver()
	err := d.AtomicRead(filepath.Join(t.TempDir(), "absent"), func(io.Reader) error { return nil })
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestAtomicWrite_BothFilesPresent(t *testing.T) {
	d := newTestDriver()
	path := filepath.Join(t.TempDir(), "meta.state")

	require.NoError(t, os.WriteFile(path, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(path+OldCopySuffix, []byte("old"), 0o644))

	require.NoError(t, d.AtomicWrite(path, writeString("third")))

	assert.Equal(t, "third", readAll(t, d, path))
	assert.NoFileExists(t, path+OldCopySuffix)
}

func TestPrepareDelete_DefersRemoval(t *testing.T) {
	d := newTestDriver()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.0000")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	require.NoError(t, d.PrepareDelete(path))

	// The original name is gone but the bytes still exist under the
	// renamed neighbor until Finalise.
	assert.NoFileExists(t, path)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "data.0000.deleted."))
	assert.Equal(t, 1, d.PendingDeletes())

	require.NoError(t, d.Finalise())

	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 0, d.PendingDeletes())
}

func TestPrepareDelete_MissingFileIsNoop(t *testing.T) {
	d := newTestDriver()
	require.NoError(t, d.PrepareDelete(filepath.Join(t.TempDir(), "absent")))
	assert.Equal(t, 0, d.PendingDeletes())
}

func TestFinalise_OrderPreserved(t *testing.T) {
	d := newTestDriver()
	dir := t.TempDir()

	for _, name := range []string{"data.0000", "data.0001", "data.0002"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		require.NoError(t, d.PrepareDelete(path))
	}
	assert.Equal(t, 3, d.PendingDeletes())

	require.NoError(t, d.Finalise())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenTransactionLog_AppendOnly(t *testing.T) {
	d := newTestDriver()
	path := filepath.Join(t.TempDir(), "transaction.log")

	lw, err := d.OpenTransactionLog(path, 4096)
	require.NoError(t, err)
	_, err = lw.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, lw.Close())

	lw, err = d.OpenTransactionLog(path, 4096)
	require.NoError(t, err)
	_, err = lw.Write([]byte("def"))
	require.NoError(t, err)
	require.NoError(t, lw.Sync())

	size, err := lw.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)
	require.NoError(t, lw.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestLogWriter_SizeIncludesBuffered(t *testing.T) {
	d := newTestDriver()
	path := filepath.Join(t.TempDir(), "transaction.log")

	lw, err := d.OpenTransactionLog(path, 4096)
	require.NoError(t, err)
	defer func() { _ = lw.Close() }()

	_, err = lw.Write([]byte("buffered"))
	require.NoError(t, err)

	size, err := lw.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)
}
