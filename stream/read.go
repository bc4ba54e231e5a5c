package stream

import (
	"context"
	"sync"
	"time"

	"github.com/durable-streams/streamd/store"
)

// ReadResult is one committed-state snapshot read. Offsets are raw counters;
// the HTTP layer encodes them with the stream's salt.
type ReadResult struct {
	// Messages are the raw message payloads in order; Body is their wire
	// form under the stream's content strategy.
	Messages [][]byte
	Body     []byte

	// StartOffset is where the returned data actually begins. For a binary
	// stream it can be below the requested offset when the first message
	// straddles it.
	StartOffset uint64
	NextOffset  uint64

	UpToDate     bool
	ClosedAtTail bool
	WriteMs      int64

	// Snapshot of the stream at read time.
	Tail        uint64
	Closed      bool
	ContentType string
	Salt        string
}

// HasData reports whether the read produced any messages.
func (r *ReadResult) HasData() bool {
	return len(r.Messages) > 0
}

// ResolveOffset turns an offset query parameter into a counter. The literal
// aliases resolve against the given tail.
func ResolveOffset(raw string, tail uint64) (offset uint64, isNow bool, err error) {
	if raw == store.OffsetNow {
		return tail, true, nil
	}
	counter, derr := store.DecodeOffset(raw)
	if derr != nil {
		return 0, false, badRequest("invalid offset %q", raw)
	}
	return counter, false, nil
}

// Read returns the chunk at the given offset, deduplicating identical
// concurrent reads and serving a short-lived cache for reads of the same
// committed state.
func (c *Coordinator) Read(ctx context.Context, offset uint64, maxChunkBytes int) (*ReadResult, error) {
	meta, err := c.Meta()
	if err != nil {
		return nil, err
	}
	if maxChunkBytes <= 0 {
		maxChunkBytes = c.cfg.MaxChunkBytes
	}

	key := readKey{tail: meta.TailOffset, closed: meta.Closed, offset: offset, maxChunk: maxChunkBytes}
	return c.reads.do(key, func() (*ReadResult, error) {
		return c.readAt(ctx, meta, offset, maxChunkBytes)
	})
}

// readAt performs the actual tier-resolved read against a metadata snapshot.
func (c *Coordinator) readAt(ctx context.Context, meta *store.StreamRecord, offset uint64, maxChunkBytes int) (*ReadResult, error) {
	strategy := StrategyFor(meta.ContentType)
	res := &ReadResult{
		StartOffset: offset,
		NextOffset:  offset,
		Tail:        meta.TailOffset,
		Closed:      meta.Closed,
		ContentType: meta.ContentType,
		Salt:        meta.Salt,
		WriteMs:     meta.LastWriteMs,
	}

	if offset >= meta.TailOffset {
		// At or past the tail: nothing to return yet.
		res.UpToDate = true
		res.ClosedAtTail = meta.Closed
		res.Body = FormatBody(strategy, nil)
		return res, nil
	}

	if offset >= meta.SegmentStart {
		return c.readHot(meta, offset, maxChunkBytes, res)
	}
	return c.readCold(ctx, meta, offset, maxChunkBytes, strategy, res)
}

func (c *Coordinator) readHot(meta *store.StreamRecord, offset uint64, maxChunkBytes int, res *ReadResult) (*ReadResult, error) {
	strategy := StrategyFor(meta.ContentType)
	ops, err := c.tables.ReadHot(c.ID, offset, maxChunkBytes)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		res.UpToDate = true
		res.ClosedAtTail = meta.Closed
		res.Body = FormatBody(strategy, nil)
		return res, nil
	}

	res.StartOffset = ops[0].Offset
	for _, op := range ops {
		res.Messages = append(res.Messages, op.Payload)
		res.NextOffset = op.NextOffset
		res.WriteMs = op.WriteMs
	}
	res.Body = FormatBody(strategy, res.Messages)
	res.UpToDate = res.NextOffset >= meta.TailOffset
	res.ClosedAtTail = res.UpToDate && meta.Closed
	return res, nil
}

func (c *Coordinator) readCold(ctx context.Context, meta *store.StreamRecord, offset uint64, maxChunkBytes int, strategy Strategy, res *ReadResult) (*ReadResult, error) {
	seg, err := c.tables.SegmentCovering(c.ID, offset)
	if err == store.ErrSegmentNotFound {
		// A rotation boundary can be momentarily visible before its segment
		// record: a segment starting exactly here means the boundary is
		// valid and there is simply nothing to serve for it yet.
		if _, serr := c.tables.SegmentStartingAt(c.ID, offset); serr == nil {
			res.Body = FormatBody(strategy, nil)
			res.ClosedAtTail = meta.Closed && offset >= meta.TailOffset
			return res, nil
		}
		return nil, ErrMissingSegment
	}
	if err != nil {
		return nil, err
	}

	payload, err := c.blobs.Get(ctx, seg.BlobKey)
	if err != nil {
		if err == store.ErrBlobNotFound {
			return nil, ErrMissingSegment
		}
		return nil, err
	}

	messages, outputStart, err := store.ReadSegmentChunk(payload, offset, seg.StartOffset, maxChunkBytes, strategy == StrategyJSON)
	if err != nil {
		return nil, ErrMissingSegment
	}

	res.Messages = messages
	res.StartOffset = outputStart
	res.NextOffset = outputStart + Advance(strategy, messages)
	res.WriteMs = seg.LastWriteMs
	res.Body = FormatBody(strategy, messages)
	res.UpToDate = res.NextOffset >= meta.TailOffset
	res.ClosedAtTail = res.UpToDate && meta.Closed
	return res, nil
}

// readKey identifies a read against one committed state. Two requests with
// the same key are guaranteed the same answer.
type readKey struct {
	tail     uint64
	closed   bool
	offset   uint64
	maxChunk int
}

type readCall struct {
	done chan struct{}
	res  *ReadResult
	err  error
}

type readCached struct {
	res     *ReadResult
	expires time.Time
}

// readCoalescer deduplicates concurrent identical reads and caches results
// for a short window so a thundering herd after a wake-up resolves to one
// storage read.
type readCoalescer struct {
	window time.Duration

	mu       sync.Mutex
	inflight map[readKey]*readCall
	cache    map[readKey]readCached
}

func newReadCoalescer(window time.Duration) *readCoalescer {
	return &readCoalescer{
		window:   window,
		inflight: make(map[readKey]*readCall),
		cache:    make(map[readKey]readCached),
	}
}

func (rc *readCoalescer) do(key readKey, fn func() (*ReadResult, error)) (*ReadResult, error) {
	rc.mu.Lock()
	now := time.Now()
	if cached, ok := rc.cache[key]; ok {
		if now.Before(cached.expires) {
			rc.mu.Unlock()
			return cached.res, nil
		}
		delete(rc.cache, key)
	}
	if call, ok := rc.inflight[key]; ok {
		rc.mu.Unlock()
		<-call.done
		return call.res, call.err
	}
	call := &readCall{done: make(chan struct{})}
	rc.inflight[key] = call
	rc.mu.Unlock()

	call.res, call.err = fn()
	close(call.done)

	rc.mu.Lock()
	delete(rc.inflight, key)
	if call.err == nil && rc.window > 0 {
		rc.cache[key] = readCached{res: call.res, expires: time.Now().Add(rc.window)}
		rc.pruneLocked(time.Now())
	}
	rc.mu.Unlock()
	return call.res, call.err
}

func (rc *readCoalescer) pruneLocked(now time.Time) {
	for k, v := range rc.cache {
		if now.After(v.expires) {
			delete(rc.cache, k)
		}
	}
}

// responseCache holds pre-warmed long-poll responses keyed by canonical
// request URL, written by the append pipeline just before waiters wake.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]readCached
}

func newResponseCache() *responseCache {
	return &responseCache{entries: make(map[string]readCached)}
}

func (p *responseCache) Put(url string, res *ReadResult, ttl time.Duration) {
	p.mu.Lock()
	p.entries[url] = readCached{res: res, expires: time.Now().Add(ttl)}
	p.mu.Unlock()
}

func (p *responseCache) Get(url string) (*ReadResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[url]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(p.entries, url)
		return nil, false
	}
	// Left in place until expiry: several waiters can share one URL.
	return entry.res, true
}

func (p *responseCache) Clear() {
	p.mu.Lock()
	p.entries = make(map[string]readCached)
	p.mu.Unlock()
}
