package format

import "testing"

func TestLockFileData_RoundTrip(t *testing.T) {
	d := &LockFileData{ProcessID: 4321, OwnerID: 7, ProcessStartTimeMS: 1722470400123}

	data := d.Marshal()
	if len(data) != LockFileDataSize {
		t.Fatalf("encoded size = %d, want %d", len(data), LockFileDataSize)
	}

	got, err := UnmarshalLockFileData(data)
	if err != nil {
		t.Fatalf("UnmarshalLockFileData() error = %v", err)
	}
	if *got != *d {
		t.Errorf("round trip = %+v, want %+v", got, d)
	}
}

func TestUnmarshalLockFileData_WrongSize(t *testing.T) {
	if _, err := UnmarshalLockFileData(make([]byte, 7)); err == nil {
		t.Error("UnmarshalLockFileData() = nil, want error for short data")
	}
}
