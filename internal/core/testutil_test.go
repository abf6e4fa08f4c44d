package core

import (
	"testing"
	"time"

	"github.com/pracsol/DiskQueue/internal/logging"
	"github.com/pracsol/DiskQueue/internal/metrics"
)

// testOptions returns small, deterministic options for core tests.
func testOptions() *Options {
	return &Options{
		MaxFileSize:         32 * 1024 * 1024,
		WriteBufferSize:     128 * 1024,
		TimeoutLimit:        10 * time.Second,
		SuggestedReadBuffer: 256 * 1024,
		ParanoidFlushing:    true,
		Logger:              logging.NoopLogger{},
		Metrics:             metrics.NewCollector(),
	}
}

// openCore opens a core at dir and closes it when the test ends.
func openCore(t *testing.T, dir string, opts *Options) *Core {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	c, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// assertNoError fails the test on a non-nil error.
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// enqueueFlush commits the given payloads in one session.
func enqueueFlush(t *testing.T, c *Core, payloads ...[]byte) {
	t.Helper()
	s, err := c.OpenSession()
	assertNoError(t, err)
	for _, p := range payloads {
		assertNoError(t, s.Enqueue(p))
	}
	assertNoError(t, s.Flush())
	assertNoError(t, s.Close())
}

// dequeueFlush consumes count entries in one session and returns them.
func dequeueFlush(t *testing.T, c *Core, count int) [][]byte {
	t.Helper()
	s, err := c.OpenSession()
	assertNoError(t, err)
	var out [][]byte
	for i := 0; i < count; i++ {
		p, err := s.Dequeue()
		assertNoError(t, err)
		out = append(out, p)
	}
	assertNoError(t, s.Flush())
	assertNoError(t, s.Close())
	return out
}
