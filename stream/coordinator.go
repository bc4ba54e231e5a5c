package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streamd/store"
)

// Coordinator is the single logical owner of one stream: it serializes every
// mutation, owns the waiter queue, the live subscriber set, the in-flight
// read map, and the long-poll pre-cache. Reads run concurrently with writes
// and observe committed state only.
type Coordinator struct {
	ID string

	cfg    Config
	logger *zap.Logger
	tables store.TxStore
	blobs  store.BlobStore

	// writeMu serializes appends, closes, and deletes. Invariants hold
	// without any cross-stream locks.
	writeMu sync.Mutex

	Waiters *WaiterQueue
	Subs    *SubscriberSet

	reads    *readCoalescer
	precache *responseCache

	lastActive atomic.Int64 // unix nano
}

func newCoordinator(id string, cfg Config, logger *zap.Logger, tables store.TxStore, blobs store.BlobStore) *Coordinator {
	c := &Coordinator{
		ID:       id,
		cfg:      cfg,
		logger:   logger,
		tables:   tables,
		blobs:    blobs,
		Waiters:  NewWaiterQueue(),
		Subs:     NewSubscriberSet(),
		reads:    newReadCoalescer(cfg.ReadCoalesceWindow),
		precache: newResponseCache(),
	}
	c.touch()
	return c
}

func (c *Coordinator) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// Idle reports whether the coordinator has been unused for the idle window
// and holds no live state.
func (c *Coordinator) Idle(now time.Time) bool {
	if c.Subs.Len() > 0 || c.Waiters.Len() > 0 {
		return false
	}
	return now.UnixNano()-c.lastActive.Load() > int64(c.cfg.CoordinatorIdle)
}

// Config exposes the fixed option set to the HTTP layer.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Meta returns the stream's committed metadata. Expired streams read as not
// found; the sweeper removes them for real later.
func (c *Coordinator) Meta() (*store.StreamRecord, error) {
	c.touch()
	rec, err := c.tables.GetStream(c.ID)
	if err != nil {
		if err == store.ErrStreamNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if rec.IsExpired(time.Now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Precached returns the warmed long-poll response for a canonical URL, if
// one is still fresh.
func (c *Coordinator) Precached(url string) (*ReadResult, bool) {
	return c.precache.Get(url)
}

// Delete removes the stream, its hot rows, and its cold segments; wakes
// every waiter (they re-read and observe 404) and closes every live client.
func (c *Coordinator) Delete(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.deleteLocked(ctx)
}

func (c *Coordinator) deleteLocked(ctx context.Context) error {
	segments, err := c.tables.ListSegments(c.ID)
	if err != nil && err != store.ErrStreamNotFound {
		return err
	}
	if err := c.tables.DeleteStream(c.ID); err != nil {
		if err == store.ErrStreamNotFound {
			return ErrNotFound
		}
		return err
	}
	for _, seg := range segments {
		if err := c.blobs.Delete(ctx, seg.BlobKey); err != nil {
			c.logger.Warn("failed to delete segment blob",
				zap.String("stream", c.ID),
				zap.String("key", seg.BlobKey),
				zap.Error(err))
		}
	}

	c.precache.Clear()
	c.Waiters.NotifyAll()
	c.Subs.CloseAll()
	c.logger.Info("stream deleted", zap.String("stream", c.ID))
	return nil
}

// Registry is the only process-wide state: the mapping from stream id to its
// coordinator. Coordinators are created on first use and evicted after
// delete or idle expiry.
type Registry struct {
	mu     sync.Mutex
	coords map[string]*Coordinator

	cfg    Config
	logger *zap.Logger
	tables store.TxStore
	blobs  store.BlobStore
}

// NewRegistry wires a registry over the storage pair.
func NewRegistry(cfg Config, logger *zap.Logger, tables store.TxStore, blobs store.BlobStore) *Registry {
	return &Registry{
		coords: make(map[string]*Coordinator),
		cfg:    cfg.WithDefaults(),
		logger: logger,
		tables: tables,
		blobs:  blobs,
	}
}

// Get returns the coordinator for a stream id, creating it on first use.
func (r *Registry) Get(id string) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coords[id]
	if !ok {
		c = newCoordinator(id, r.cfg, r.logger, r.tables, r.blobs)
		r.coords[id] = c
	}
	c.touch()
	return c
}

// Evict drops a coordinator from the registry (after delete).
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	delete(r.coords, id)
	r.mu.Unlock()
}

// SweepIdle evicts coordinators that have gone quiet. Persistent state is
// untouched; a later request re-instantiates the coordinator.
func (r *Registry) SweepIdle() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.coords {
		if c.Idle(now) {
			delete(r.coords, id)
		}
	}
}

// SweepExpired deletes streams whose TTL or expiry has elapsed and returns
// how many were removed.
func (r *Registry) SweepExpired(ctx context.Context) int {
	recs, err := r.tables.ListStreams()
	if err != nil {
		r.logger.Error("expiry sweep failed to list streams", zap.Error(err))
		return 0
	}
	now := time.Now()
	removed := 0
	for _, rec := range recs {
		if !rec.IsExpired(now) {
			continue
		}
		c := r.Get(rec.ID)
		if err := c.Delete(ctx); err != nil && err != ErrNotFound {
			r.logger.Error("expiry sweep failed to delete stream",
				zap.String("stream", rec.ID), zap.Error(err))
			continue
		}
		r.Evict(rec.ID)
		removed++
	}
	return removed
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	return r.tables.Close()
}
