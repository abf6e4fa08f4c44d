package diskqueue

import (
	"time"

	"github.com/pracsol/DiskQueue/internal/core"
	"github.com/pracsol/DiskQueue/internal/logging"
	"github.com/pracsol/DiskQueue/internal/metrics"
)

// Size floors and defaults for queue configuration.
const (
	// DefaultMaxFileSize rolls data files at 32 MB.
	DefaultMaxFileSize = 32 * 1024 * 1024

	// DefaultWriteBufferSize is the session buffer threshold (128 KiB).
	DefaultWriteBufferSize = 128 * 1024

	// MinWriteBufferSize is the smallest accepted buffer threshold (64 KiB).
	MinWriteBufferSize = 64 * 1024

	// DefaultSuggestedReadBuffer sizes payload read buffers (1 MiB).
	DefaultSuggestedReadBuffer = 1024 * 1024

	// MinSuggestedReadBuffer is the smallest accepted read buffer (256 KiB).
	MinSuggestedReadBuffer = 256 * 1024

	// DefaultTimeoutLimit bounds each pending-write batch wait at flush.
	DefaultTimeoutLimit = 10 * time.Second
)

// Options contains configuration parameters for a queue.
type Options struct {
	// MaxFileSize is the size in bytes past which the writer rolls to a
	// new data file.
	// Default: 32 MB
	MaxFileSize uint64

	// WriteBufferSize is the session buffer threshold in bytes for
	// opportunistic background writes. Clamped to ≥ 64 KiB.
	// Default: 128 KiB
	WriteBufferSize int

	// AllowTruncatedEntries truncates a damaged transaction log tail at the
	// last good boundary during recovery instead of failing the open.
	// Default: false
	AllowTruncatedEntries bool

	// TimeoutLimit is how long Flush waits for each batch of up to 32
	// pending background writes.
	// Default: 10 seconds
	TimeoutLimit time.Duration

	// SuggestedReadBuffer is a hint for payload read buffer sizes.
	// Clamped to ≥ 256 KiB.
	// Default: 1 MiB
	SuggestedReadBuffer int

	// ParanoidFlushing forces data and log to disk on every commit.
	// Disabling it trades crash durability for throughput.
	// Default (via DefaultOptions): true
	ParanoidFlushing bool

	// TrimLogOnClose rewrites the transaction log down to the live entries
	// when the queue closes, keeping it from growing without bound.
	// Default (via DefaultOptions): true
	TrimLogOnClose bool

	// MinimumFreeSpace fails Open when the queue's filesystem has fewer
	// free bytes. Zero disables the check.
	// Default: 0
	MinimumFreeSpace int64

	// Logger receives operational events.
	// Default: NoopLogger
	Logger logging.Logger

	// MetricsCollector receives operation counters.
	// Default: a fresh collector
	MetricsCollector *metrics.Collector
}

// DefaultOptions returns the default configuration options.
func DefaultOptions() *Options {
	return &Options{
		MaxFileSize:         DefaultMaxFileSize,
		WriteBufferSize:     DefaultWriteBufferSize,
		TimeoutLimit:        DefaultTimeoutLimit,
		SuggestedReadBuffer: DefaultSuggestedReadBuffer,
		ParanoidFlushing:    true,
		TrimLogOnClose:      true,
	}
}

// normalize fills defaults, applies clamps, and converts to core options.
func (o *Options) normalize() *core.Options {
	if o == nil {
		o = DefaultOptions()
	}

	out := &core.Options{
		MaxFileSize:           o.MaxFileSize,
		WriteBufferSize:       o.WriteBufferSize,
		AllowTruncatedEntries: o.AllowTruncatedEntries,
		TimeoutLimit:          o.TimeoutLimit,
		SuggestedReadBuffer:   o.SuggestedReadBuffer,
		ParanoidFlushing:      o.ParanoidFlushing,
		TrimLogOnClose:        o.TrimLogOnClose,
		MinimumFreeSpace:      o.MinimumFreeSpace,
		Logger:                o.Logger,
		Metrics:               o.MetricsCollector,
	}

	if out.MaxFileSize == 0 {
		out.MaxFileSize = DefaultMaxFileSize
	}
	if out.WriteBufferSize == 0 {
		out.WriteBufferSize = DefaultWriteBufferSize
	}
	if out.WriteBufferSize < MinWriteBufferSize {
		out.WriteBufferSize = MinWriteBufferSize
	}
	if out.TimeoutLimit <= 0 {
		out.TimeoutLimit = DefaultTimeoutLimit
	}
	if out.SuggestedReadBuffer == 0 {
		out.SuggestedReadBuffer = DefaultSuggestedReadBuffer
	}
	if out.SuggestedReadBuffer < MinSuggestedReadBuffer {
		out.SuggestedReadBuffer = MinSuggestedReadBuffer
	}
	if out.Logger == nil {
		out.Logger = logging.NoopLogger{}
	}
	if out.Metrics == nil {
		out.Metrics = metrics.NewCollector()
	}

	return out
}
