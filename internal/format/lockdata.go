package format

import (
	"encoding/binary"
	"fmt"
)

// LockFileDataSize is the encoded size of LockFileData (16 bytes).
// Layout: ProcessID(4) + OwnerID(4) + ProcessStartTimeMS(8)
const LockFileDataSize = 16

// LockFileData identifies the owner of a queue directory lock.
//
// Binary format (little-endian):
//
//	[ProcessID:4][OwnerID:4][ProcessStartTimeMS:8]
//
// ProcessStartTimeMS is the owner process's start time in Unix milliseconds.
// It disambiguates a recycled process ID: a lock whose recorded start time
// does not match the running process with that ID is stale.
type LockFileData struct {
	// ProcessID is the OS process ID of the lock owner
	ProcessID int32

	// OwnerID distinguishes lock handles within one process
	OwnerID int32

	// ProcessStartTimeMS is the owner process start time (Unix milliseconds)
	ProcessStartTimeMS int64
}

// Marshal encodes the lock file data into its fixed 16-byte layout.
func (d *LockFileData) Marshal() []byte {
	buf := make([]byte, LockFileDataSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(d.ProcessID))
	binary.LittleEndian.PutUint32(buf[4:], uint32(d.OwnerID))
	binary.LittleEndian.PutUint64(buf[8:], uint64(d.ProcessStartTimeMS))
	return buf
}

// UnmarshalLockFileData decodes lock file data from its fixed layout.
func UnmarshalLockFileData(data []byte) (*LockFileData, error) {
	if len(data) != LockFileDataSize {
		return nil, fmt.Errorf("invalid lock file data: %d bytes (expected %d)", len(data), LockFileDataSize)
	}
	return &LockFileData{
		ProcessID:          int32(binary.LittleEndian.Uint32(data[0:])),
		OwnerID:            int32(binary.LittleEndian.Uint32(data[4:])),
		ProcessStartTimeMS: int64(binary.LittleEndian.Uint64(data[8:])),
	}, nil
}
