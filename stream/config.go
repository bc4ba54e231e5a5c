package stream

import "time"

// Config is the fixed per-deployment option set. Zero values take the
// defaults below.
type Config struct {
	// LongPollTimeout bounds how long a long-poll waiter stays parked.
	LongPollTimeout time.Duration

	// LongPollCacheSeconds is the public max-age on cacheable long-poll
	// and mid-stream responses.
	LongPollCacheSeconds int

	// SSEReconnect closes idle SSE sessions so an edge cache can collapse
	// reconnecting clients.
	SSEReconnect time.Duration

	// MaxChunkBytes caps the payload of a single read response.
	MaxChunkBytes int

	// SegmentRotateBytes and SegmentRotateMessages are the hot-segment
	// promotion thresholds; rotation also always happens on close.
	SegmentRotateBytes    int64
	SegmentRotateMessages int

	// ReadCoalesceWindow is how long a successful read result stays
	// cached to absorb duplicate read bursts.
	ReadCoalesceWindow time.Duration

	// WaiterStagger is the wake spread window after the scout.
	WaiterStagger time.Duration

	// CoordinatorIdle evicts a coordinator with no clients, waiters, or
	// requests for this long.
	CoordinatorIdle time.Duration
}

const (
	defaultLongPollTimeout      = 30 * time.Second
	defaultLongPollCacheSeconds = 5
	defaultSSEReconnect         = 60 * time.Second
	defaultMaxChunkBytes        = 1 << 20
	defaultSegmentRotateBytes   = 4 << 20
	defaultSegmentRotateMsgs    = 4096
	defaultReadCoalesceWindow   = 25 * time.Millisecond
	defaultWaiterStagger        = 150 * time.Millisecond
	defaultCoordinatorIdle      = 5 * time.Minute
)

// WithDefaults fills in unset options.
func (c Config) WithDefaults() Config {
	if c.LongPollTimeout <= 0 {
		c.LongPollTimeout = defaultLongPollTimeout
	}
	if c.LongPollCacheSeconds <= 0 {
		c.LongPollCacheSeconds = defaultLongPollCacheSeconds
	}
	if c.SSEReconnect <= 0 {
		c.SSEReconnect = defaultSSEReconnect
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = defaultMaxChunkBytes
	}
	if c.SegmentRotateBytes <= 0 {
		c.SegmentRotateBytes = defaultSegmentRotateBytes
	}
	if c.SegmentRotateMessages <= 0 {
		c.SegmentRotateMessages = defaultSegmentRotateMsgs
	}
	if c.ReadCoalesceWindow <= 0 {
		c.ReadCoalesceWindow = defaultReadCoalesceWindow
	}
	if c.WaiterStagger < 0 {
		c.WaiterStagger = 0
	} else if c.WaiterStagger == 0 {
		c.WaiterStagger = defaultWaiterStagger
	}
	if c.CoordinatorIdle <= 0 {
		c.CoordinatorIdle = defaultCoordinatorIdle
	}
	return c
}
