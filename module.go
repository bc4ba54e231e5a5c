package streamd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/durable-streams/streamd/store"
	"github.com/durable-streams/streamd/stream"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the Durable Streams Protocol as a Caddy HTTP handler
type Handler struct {
	// DataDir is the directory for stream tables and cold segments.
	// If empty, everything is held in memory (for testing)
	DataDir string `json:"data_dir,omitempty"`

	// S3Bucket, when set, keeps cold segments in S3 instead of DataDir.
	// Credentials and region come from the usual AWS environment.
	S3Bucket string `json:"s3_bucket,omitempty"`

	// S3Prefix is prepended to every segment key in the bucket
	S3Prefix string `json:"s3_prefix,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// LongPollCacheSeconds is the public max-age on long-poll responses
	LongPollCacheSeconds int `json:"long_poll_cache_seconds,omitempty"`

	// SSEReconnectInterval is how often SSE connections should reconnect
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	// MaxChunkBytes caps the payload of one read response
	MaxChunkBytes int `json:"max_chunk_bytes,omitempty"`

	// SegmentRotateBytes and SegmentRotateMessages are the hot-segment
	// promotion thresholds
	SegmentRotateBytes    int64 `json:"segment_rotate_bytes,omitempty"`
	SegmentRotateMessages int   `json:"segment_rotate_messages,omitempty"`

	// ReadCoalesceWindow is how long one committed-state read result keeps
	// absorbing identical reads
	ReadCoalesceWindow caddy.Duration `json:"read_coalesce_window,omitempty"`

	// WaiterStagger spreads long-poll wake-ups after the scout request
	WaiterStagger caddy.Duration `json:"waiter_stagger,omitempty"`

	// CoordinatorIdle evicts per-stream coordinators with no activity
	CoordinatorIdle caddy.Duration `json:"coordinator_idle,omitempty"`

	// ExpirySweep is the cron schedule for removing expired streams
	ExpirySweep string `json:"expiry_sweep,omitempty"`

	registry *stream.Registry
	sweeper  *cron.Cron
	logger   *zap.Logger
}

// CaddyModule returns the Caddy module information
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEReconnectInterval == 0 {
		h.SSEReconnectInterval = caddy.Duration(60 * time.Second)
	}
	if h.ExpirySweep == "" {
		h.ExpirySweep = "@every 1m"
	}

	tables, blobs, err := h.openStorage(ctx)
	if err != nil {
		return err
	}

	cfg := stream.Config{
		LongPollTimeout:       time.Duration(h.LongPollTimeout),
		LongPollCacheSeconds:  h.LongPollCacheSeconds,
		SSEReconnect:          time.Duration(h.SSEReconnectInterval),
		MaxChunkBytes:         h.MaxChunkBytes,
		SegmentRotateBytes:    h.SegmentRotateBytes,
		SegmentRotateMessages: h.SegmentRotateMessages,
		ReadCoalesceWindow:    time.Duration(h.ReadCoalesceWindow),
		WaiterStagger:         time.Duration(h.WaiterStagger),
		CoordinatorIdle:       time.Duration(h.CoordinatorIdle),
	}
	h.registry = stream.NewRegistry(cfg, h.logger, tables, blobs)

	h.sweeper = cron.New()
	if _, err := h.sweeper.AddFunc(h.ExpirySweep, h.sweep); err != nil {
		return fmt.Errorf("invalid expiry_sweep schedule %q: %w", h.ExpirySweep, err)
	}
	h.sweeper.Start()

	return nil
}

func (h *Handler) openStorage(ctx caddy.Context) (store.TxStore, store.BlobStore, error) {
	if h.DataDir == "" && h.S3Bucket == "" {
		h.logger.Info("using in-memory storage (no data_dir configured)")
		return store.NewMemoryStore(), store.NewMemoryBlobStore(), nil
	}

	if h.DataDir == "" {
		return nil, nil, fmt.Errorf("s3_bucket requires data_dir for the stream tables")
	}
	tables, err := store.NewBboltStore(h.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stream tables: %w", err)
	}

	if h.S3Bucket != "" {
		blobs, err := store.NewS3BlobStore(ctx.Context, h.S3Bucket, h.S3Prefix)
		if err != nil {
			tables.Close()
			return nil, nil, fmt.Errorf("failed to initialize S3 segment storage: %w", err)
		}
		h.logger.Info("using bbolt tables with S3 segment storage",
			zap.String("data_dir", h.DataDir),
			zap.String("bucket", h.S3Bucket))
		return tables, blobs, nil
	}

	blobs, err := store.NewFSBlobStore(filepath.Join(h.DataDir, "segments"))
	if err != nil {
		tables.Close()
		return nil, nil, fmt.Errorf("failed to initialize segment storage: %w", err)
	}
	h.logger.Info("using bbolt tables with local segment storage",
		zap.String("data_dir", h.DataDir))
	return tables, blobs, nil
}

func (h *Handler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if removed := h.registry.SweepExpired(ctx); removed > 0 {
		metricExpiredStreams.Add(float64(removed))
		h.logger.Info("removed expired streams", zap.Int("count", removed))
	}
	h.registry.SweepIdle()
}

// Validate ensures the handler configuration is valid
func (h *Handler) Validate() error {
	if h.MaxChunkBytes < 0 || h.SegmentRotateBytes < 0 || h.SegmentRotateMessages < 0 {
		return fmt.Errorf("size limits must be non-negative")
	}
	return nil
}

// Cleanup releases resources
func (h *Handler) Cleanup() error {
	if h.sweeper != nil {
		h.sweeper.Stop()
	}
	if h.registry != nil {
		return h.registry.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    s3_bucket my-segments
//	    s3_prefix prod/
//	    long_poll_timeout 30s
//	    sse_reconnect_interval 60s
//	    max_chunk_bytes 1048576
//	    segment_rotate_bytes 4194304
//	    segment_rotate_messages 4096
//	    long_poll_cache_seconds 5
//	    read_coalesce_window 25ms
//	    waiter_stagger 150ms
//	    coordinator_idle 5m
//	    expiry_sweep "@every 1m"
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "s3_bucket":
				if !d.Args(&h.S3Bucket) {
					return d.ArgErr()
				}
			case "s3_prefix":
				if !d.Args(&h.S3Prefix) {
					return d.ArgErr()
				}
			case "long_poll_timeout":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.LongPollTimeout = dur
			case "sse_reconnect_interval":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.SSEReconnectInterval = dur
			case "waiter_stagger":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.WaiterStagger = dur
			case "read_coalesce_window":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.ReadCoalesceWindow = dur
			case "coordinator_idle":
				dur, err := parseDurationArg(d)
				if err != nil {
					return err
				}
				h.CoordinatorIdle = dur
			case "long_poll_cache_seconds":
				val, err := parseIntArg(d)
				if err != nil {
					return err
				}
				h.LongPollCacheSeconds = val
			case "max_chunk_bytes":
				val, err := parseIntArg(d)
				if err != nil {
					return err
				}
				h.MaxChunkBytes = val
			case "segment_rotate_bytes":
				val, err := parseIntArg(d)
				if err != nil {
					return err
				}
				h.SegmentRotateBytes = int64(val)
			case "segment_rotate_messages":
				val, err := parseIntArg(d)
				if err != nil {
					return err
				}
				h.SegmentRotateMessages = val
			case "expiry_sweep":
				if !d.Args(&h.ExpirySweep) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(helper httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(helper.Dispenser)
	return &handler, err
}

func parseDurationArg(d *caddyfile.Dispenser) (caddy.Duration, error) {
	var val string
	if !d.Args(&val) {
		return 0, d.ArgErr()
	}
	dur, err := caddy.ParseDuration(val)
	if err != nil {
		return 0, d.Errf("invalid duration: %v", err)
	}
	return caddy.Duration(dur), nil
}

func parseIntArg(d *caddyfile.Dispenser) (int, error) {
	var raw string
	if !d.Args(&raw) {
		return 0, d.ArgErr()
	}
	var val int
	if _, err := fmt.Sscanf(raw, "%d", &val); err != nil {
		return 0, d.Errf("invalid integer: %v", err)
	}
	return val, nil
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
