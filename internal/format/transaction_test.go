package format

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestMarshalTransaction_RoundTrip(t *testing.T) {
	ops := []Operation{
		{Kind: KindEnqueue, FileNumber: 0, Start: 0, Length: 4},
		{Kind: KindEnqueue, FileNumber: 0, Start: 4, Length: 0},
		{Kind: KindDequeue, FileNumber: 3, Start: 1024, Length: 512},
	}

	data := MarshalTransaction(ops)

	wantLen := MarkerSize + 4 + len(ops)*OperationSize + MarkerSize
	if len(data) != wantLen {
		t.Fatalf("record length = %d, want %d", len(data), wantLen)
	}

	reader := NewLogReader(bytes.NewReader(data))
	got, err := reader.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if len(got) != len(ops) {
		t.Fatalf("operation count = %d, want %d", len(got), len(ops))
	}
	for i := range ops {
		if got[i] != ops[i] {
			t.Errorf("operation %d = %+v, want %+v", i, got[i], ops[i])
		}
	}

	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("Next() after last record = %v, want io.EOF", err)
	}
	if reader.ValidOffset() != int64(len(data)) {
		t.Errorf("ValidOffset() = %d, want %d", reader.ValidOffset(), len(data))
	}
}

func TestMarshalTransaction_Empty(t *testing.T) {
	data := MarshalTransaction(nil)

	reader := NewLogReader(bytes.NewReader(data))
	ops, err := reader.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("operation count = %d, want 0", len(ops))
	}
}

func TestLogReader_MultipleTransactions(t *testing.T) {
	var log bytes.Buffer
	for i := 0; i < 5; i++ {
		log.Write(MarshalTransaction([]Operation{
			{Kind: KindEnqueue, FileNumber: 0, Start: uint64(i * 10), Length: 10},
		}))
	}

	reader := NewLogReader(bytes.NewReader(log.Bytes()))
	for i := 0; i < 5; i++ {
		ops, err := reader.Next()
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i+1, err)
		}
		if ops[0].Start != uint64(i*10) {
			t.Errorf("transaction %d start = %d, want %d", i+1, ops[0].Start, i*10)
		}
	}

	if reader.TransactionsRead() != 5 {
		t.Errorf("TransactionsRead() = %d, want 5", reader.TransactionsRead())
	}
}

func TestLogReader_TruncatedTail(t *testing.T) {
	var log bytes.Buffer
	log.Write(MarshalTransaction([]Operation{{Kind: KindEnqueue, Length: 8}}))
	goodLen := log.Len()
	record := MarshalTransaction([]Operation{{Kind: KindEnqueue, Start: 8, Length: 8}})
	log.Write(record[:len(record)-3])

	reader := NewLogReader(bytes.NewReader(log.Bytes()))
	if _, err := reader.Next(); err != nil {
		t.Fatalf("Next() #1 error = %v", err)
	}

	_, err := reader.Next()
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Next() #2 error = %v, want *CorruptionError", err)
	}
	if corrupt.Tx != 2 {
		t.Errorf("CorruptionError.Tx = %d, want 2", corrupt.Tx)
	}
	if reader.ValidOffset() != int64(goodLen) {
		t.Errorf("ValidOffset() = %d, want %d", reader.ValidOffset(), goodLen)
	}
}

func TestLogReader_CorruptedCountField(t *testing.T) {
	var log bytes.Buffer
	log.Write(MarshalTransaction([]Operation{{Kind: KindEnqueue, Length: 8}}))
	goodLen := log.Len()

	// A record whose count field is garbage must read as corruption, not
	// drive a multi-gigabyte allocation.
	record := MarshalTransaction([]Operation{{Kind: KindEnqueue, Start: 8, Length: 8}})
	record[MarkerSize] = 0xFF
	record[MarkerSize+1] = 0xFF
	record[MarkerSize+2] = 0xFF
	record[MarkerSize+3] = 0xFF
	log.Write(record)

	reader := NewLogReader(bytes.NewReader(log.Bytes()))
	if _, err := reader.Next(); err != nil {
		t.Fatalf("Next() #1 error = %v", err)
	}

	_, err := reader.Next()
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Next() #2 error = %v, want *CorruptionError", err)
	}
	if corrupt.Tx != 2 {
		t.Errorf("CorruptionError.Tx = %d, want 2", corrupt.Tx)
	}
	if reader.ValidOffset() != int64(goodLen) {
		t.Errorf("ValidOffset() = %d, want %d", reader.ValidOffset(), goodLen)
	}
}

func TestLogReader_CorruptedEndMarker(t *testing.T) {
	record := MarshalTransaction([]Operation{{Kind: KindEnqueue, Length: 4}})
	record[len(record)-1] ^= 0xFF

	reader := NewLogReader(bytes.NewReader(record))
	_, err := reader.Next()

	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Next() error = %v, want *CorruptionError", err)
	}
	if corrupt.Tx != 1 {
		t.Errorf("CorruptionError.Tx = %d, want 1", corrupt.Tx)
	}
}

func TestCorruptionError_Message(t *testing.T) {
	err := &CorruptionError{Tx: 7}
	want := "Unexpected data in transaction log. Expected to get transaction separator but got unknown data. Tx #7"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestLogReader_GarbagePrefix(t *testing.T) {
	reader := NewLogReader(strings.NewReader("not a transaction log at all"))
	_, err := reader.Next()

	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Next() error = %v, want *CorruptionError", err)
	}
	if reader.ValidOffset() != 0 {
		t.Errorf("ValidOffset() = %d, want 0", reader.ValidOffset())
	}
}

func TestOperation_Validate(t *testing.T) {
	op := &Operation{Kind: KindEnqueue}
	if err := op.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}

	op = &Operation{Kind: 9}
	if err := op.Validate(); err == nil {
		t.Error("Validate() = nil, want error for unknown kind")
	}
}

func TestMarkers_Distinct(t *testing.T) {
	if StartMarker == EndMarker {
		t.Error("StartMarker and EndMarker must differ")
	}
}
