package filedriver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pracsol/DiskQueue/internal/format"
)

// fabricatedPID is above the default Linux pid_max, so no live process can
// ever carry it.
const fabricatedPID = 99999999

func TestCreateLockFile_Acquire(t *testing.T) {
	d := newTestDriver()
	path := filepath.Join(t.TempDir(), "lock")

	lf, err := d.CreateLockFile(path)
	require.NoError(t, err)
	defer func() { _ = lf.Release() }()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	owner, err := format.UnmarshalLockFileData(data)
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), owner.ProcessID)
	assert.NotZero(t, owner.ProcessStartTimeMS)
}

func TestCreateLockFile_HeldByHandle(t *testing.T) {
	d := newTestDriver()
	path := filepath.Join(t.TempDir(), "lock")

	lf, err := d.CreateLockFile(path)
	require.NoError(t, err)
	defer func() { _ = lf.Release() }()

	_, err = d.CreateLockFile(path)
	var lockErr *LockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, LockHeldByHandle, lockErr.Kind)
}

func TestCreateLockFile_HeldByProcess(t *testing.T) {
	// A second driver simulates another queue opened in the same process.
	d1 := newTestDriver()
	d2 := newTestDriver()
	path := filepath.Join(t.TempDir(), "lock")

	lf, err := d1.CreateLockFile(path)
	require.NoError(t, err)
	defer func() { _ = lf.Release() }()

	_, err = d2.CreateLockFile(path)
	var lockErr *LockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, LockHeldByProcess, lockErr.Kind)
}

func TestCreateLockFile_StaleLockReplaced(t *testing.T) {
	d := newTestDriver()
	path := filepath.Join(t.TempDir(), "lock")

	dead := format.LockFileData{
		ProcessID:          fabricatedPID,
		OwnerID:            1,
		ProcessStartTimeMS: time.Now().UnixMilli(),
	}
	require.NoError(t, os.WriteFile(path, dead.Marshal(), 0o644))

	lf, err := d.CreateLockFile(path)
	require.NoError(t, err)
	defer func() { _ = lf.Release() }()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	owner, err := format.UnmarshalLockFileData(data)
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), owner.ProcessID)
}

func TestCreateLockFile_GarbageLockReplaced(t *testing.T) {
	d := newTestDriver()
	path := filepath.Join(t.TempDir(), "lock")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	lf, err := d.CreateLockFile(path)
	require.NoError(t, err)
	defer func() { _ = lf.Release() }()
}

func TestLockFile_ReleaseAllowsReacquire(t *testing.T) {
	d := newTestDriver()
	path := filepath.Join(t.TempDir(), "lock")

	lf, err := d.CreateLockFile(path)
	require.NoError(t, err)
	require.NoError(t, lf.Release())
	assert.NoFileExists(t, path)

	lf, err = d.CreateLockFile(path)
	require.NoError(t, err)
	require.NoError(t, lf.Release())
}

func TestLockError_Messages(t *testing.T) {
	owner := &format.LockFileData{ProcessID: 123}

	tests := []struct {
		kind LockErrorKind
		want string
	}{
		{LockHeldByHandle, "already held by this handle"},
		{LockHeldByProcess, "held by another session in this process"},
		{LockHeldByOther, "held by another running process (pid 123)"},
	}
	for _, tt := range tests {
		err := &LockError{Kind: tt.kind, Path: "/q/lock", Owner: owner}
		assert.Contains(t, err.Error(), tt.want)
	}
}
