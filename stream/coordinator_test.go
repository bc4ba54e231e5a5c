package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streamd/store"
)

func newTestRegistry(cfg Config) (*Registry, *store.MemoryBlobStore) {
	blobs := store.NewMemoryBlobStore()
	return NewRegistry(cfg, zap.NewNop(), store.NewMemoryStore(), blobs), blobs
}

func mustCreate(t *testing.T, c *Coordinator, opts CreateOptions) *AppendResult {
	t.Helper()
	res, err := c.Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return res
}

func mustAppend(t *testing.T, c *Coordinator, opts AppendOptions) *AppendResult {
	t.Helper()
	res, err := c.Append(context.Background(), opts)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return res
}

func mustRead(t *testing.T, c *Coordinator, offset uint64) *ReadResult {
	t.Helper()
	res, err := c.Read(context.Background(), offset, 1<<20)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return res
}

func TestCreateAndReadBinary(t *testing.T) {
	reg, _ := newTestRegistry(Config{WaiterStagger: -1})
	c := reg.Get("/v1/stream/bin")

	created := mustCreate(t, c, CreateOptions{
		ContentType: "text/plain",
		Body:        []byte("hello"),
	})
	if !created.Created {
		t.Fatal("expected Created")
	}
	if created.NextOffset != 5 {
		t.Fatalf("binary offsets advance by bytes: expected 5, got %d", created.NextOffset)
	}

	res := mustRead(t, c, 0)
	if string(res.Body) != "hello" {
		t.Errorf("unexpected body: %q", res.Body)
	}
	if !res.UpToDate {
		t.Error("read at tail must be up to date")
	}
	if res.NextOffset != 5 {
		t.Errorf("expected next offset 5, got %d", res.NextOffset)
	}

	// Reading at the tail returns nothing, still up to date.
	tail := mustRead(t, c, 5)
	if tail.HasData() {
		t.Error("tail read must be empty")
	}
	if !tail.UpToDate {
		t.Error("tail read must be up to date")
	}
}

func TestCreateReplayAndConflicts(t *testing.T) {
	reg, _ := newTestRegistry(Config{WaiterStagger: -1})
	c := reg.Get("/v1/stream/replay")

	first := mustCreate(t, c, CreateOptions{ContentType: "application/json", Body: []byte(`[1,2]`)})
	if first.NextOffset != 2 {
		t.Fatalf("JSON offsets advance by message count: expected 2, got %d", first.NextOffset)
	}

	// Identical PUT is a no-op returning the current tail.
	replay := mustCreate(t, c, CreateOptions{ContentType: "application/json", Body: []byte(`[1,2]`)})
	if replay.Created {
		t.Error("replayed create must not report Created")
	}
	if replay.NextOffset != 2 {
		t.Errorf("replay must return current tail, got %d", replay.NextOffset)
	}
	if replay.Salt != first.Salt {
		t.Error("replay must keep the original salt")
	}

	// Mismatched content type conflicts.
	_, err := c.Create(context.Background(), CreateOptions{ContentType: "text/plain"})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Errorf("expected ConflictError for content type mismatch, got %v", err)
	}

	// Mismatched TTL conflicts.
	ttl := int64(60)
	_, err = c.Create(context.Background(), CreateOptions{ContentType: "application/json", TTLSeconds: &ttl})
	if !errors.As(err, &conflictErr) {
		t.Errorf("expected ConflictError for TTL mismatch, got %v", err)
	}
}

func TestAppendJSONAndStreamSeq(t *testing.T) {
	reg, _ := newTestRegistry(Config{WaiterStagger: -1})
	c := reg.Get("/v1/stream/seq")
	mustCreate(t, c, CreateOptions{ContentType: "application/json"})

	seq1 := int64(1)
	res := mustAppend(t, c, AppendOptions{
		ContentType: "application/json",
		Body:        []byte(`[{"a":1},{"b":2}]`),
		StreamSeq:   &seq1,
	})
	if res.NextOffset != 2 {
		t.Fatalf("expected tail 2, got %d", res.NextOffset)
	}

	// Replaying the same Stream-Seq conflicts.
	_, err := c.Append(context.Background(), AppendOptions{
		ContentType: "application/json",
		Body:        []byte(`[3]`),
		StreamSeq:   &seq1,
	})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError for stale Stream-Seq, got %v", err)
	}

	seq2 := int64(2)
	res = mustAppend(t, c, AppendOptions{
		ContentType: "application/json",
		Body:        []byte(`[3]`),
		StreamSeq:   &seq2,
	})
	if res.NextOffset != 3 {
		t.Errorf("expected tail 3, got %d", res.NextOffset)
	}

	// Content type mismatch conflicts with the stream's committed type.
	_, err = c.Append(context.Background(), AppendOptions{
		ContentType: "text/plain",
		Body:        []byte("x"),
	})
	if !errors.As(err, &conflictErr) {
		t.Errorf("expected ConflictError for content type mismatch, got %v", err)
	}
}

func TestProducerIdempotency(t *testing.T) {
	reg, _ := newTestRegistry(Config{WaiterStagger: -1})
	c := reg.Get("/v1/stream/producer")
	mustCreate(t, c, CreateOptions{ContentType: "application/json"})

	producer := &ProducerTriplet{ID: "writer-1", Epoch: 0, Seq: 0}
	first := mustAppend(t, c, AppendOptions{
		ContentType: "application/json",
		Body:        []byte(`["a"]`),
		Producer:    producer,
	})
	if first.NextOffset != 1 {
		t.Fatalf("expected tail 1, got %d", first.NextOffset)
	}
	if first.Producer == nil || first.Producer.Epoch != 0 || first.Producer.Seq != 0 {
		t.Fatalf("accepted commit must carry the producer cursor, got %+v", first.Producer)
	}

	// Replay of the same (epoch, seq) echoes the prior commit and appends
	// nothing.
	replay := mustAppend(t, c, AppendOptions{
		ContentType: "application/json",
		Body:        []byte(`["a"]`),
		Producer:    producer,
	})
	if !replay.Duplicate {
		t.Fatal("expected duplicate outcome")
	}
	if replay.NextOffset != 1 {
		t.Errorf("duplicate must echo the prior tail, got %d", replay.NextOffset)
	}
	if replay.Producer == nil || replay.Producer.Epoch != 0 || replay.Producer.Seq != 0 {
		t.Errorf("duplicate must carry the stored producer cursor, got %+v", replay.Producer)
	}

	meta, err := c.Meta()
	if err != nil {
		t.Fatalf("meta failed: %v", err)
	}
	if meta.TailOffset != 1 {
		t.Errorf("replay must not advance the tail, got %d", meta.TailOffset)
	}

	// A gap returns the diagnostic pair.
	_, err = c.Append(context.Background(), AppendOptions{
		ContentType: "application/json",
		Body:        []byte(`["b"]`),
		Producer:    &ProducerTriplet{ID: "writer-1", Epoch: 0, Seq: 5},
	})
	var seqErr *ProducerSeqError
	if !errors.As(err, &seqErr) {
		t.Fatalf("expected ProducerSeqError, got %v", err)
	}
	if seqErr.ExpectedSeq != 1 || seqErr.ReceivedSeq != 5 {
		t.Errorf("unexpected diagnostics: %+v", seqErr)
	}
}

func TestCloseSemantics(t *testing.T) {
	reg, _ := newTestRegistry(Config{WaiterStagger: -1})
	c := reg.Get("/v1/stream/close")
	mustCreate(t, c, CreateOptions{ContentType: "text/plain", Body: []byte("data")})
	mustAppend(t, c, AppendOptions{ContentType: "text/plain", Body: []byte("more")})

	res := mustAppend(t, c, AppendOptions{Close: true})
	if !res.Closed {
		t.Fatal("expected closed stream")
	}

	// Close-only replay is idempotent.
	replay := mustAppend(t, c, AppendOptions{Close: true})
	if !replay.Closed || replay.NextOffset != res.NextOffset {
		t.Errorf("unexpected replay result: %+v", replay)
	}

	// Appending data after close conflicts.
	_, err := c.Append(context.Background(), AppendOptions{ContentType: "text/plain", Body: []byte("more")})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Errorf("expected ConflictError, got %v", err)
	}

	// A read at the tail reports closed.
	tail := mustRead(t, c, res.NextOffset)
	if !tail.ClosedAtTail {
		t.Error("tail read of a closed stream must report closed")
	}
	// A bounded read that stops short of the tail does not.
	hist, err := c.Read(context.Background(), 0, 4)
	if err != nil {
		t.Fatalf("bounded read failed: %v", err)
	}
	if string(hist.Body) != "data" {
		t.Errorf("unexpected bounded body: %q", hist.Body)
	}
	if hist.ClosedAtTail {
		t.Error("mid-stream read must not report closed at tail")
	}
}

func TestRotationAndColdRead(t *testing.T) {
	reg, blobs := newTestRegistry(Config{
		WaiterStagger:         -1,
		SegmentRotateMessages: 2,
	})
	c := reg.Get("/v1/stream/cold")
	mustCreate(t, c, CreateOptions{ContentType: "application/json"})

	// Two messages hit the rotation threshold.
	res := mustAppend(t, c, AppendOptions{
		ContentType: "application/json",
		Body:        []byte(`["a","b"]`),
	})
	if !res.Rotated {
		t.Fatal("expected rotation at the message threshold")
	}

	meta, err := c.Meta()
	if err != nil {
		t.Fatalf("meta failed: %v", err)
	}
	if meta.SegmentStart != 2 {
		t.Fatalf("expected segment start 2, got %d", meta.SegmentStart)
	}
	if meta.SegmentMessages != 0 || meta.SegmentBytes != 0 {
		t.Errorf("hot counters must reset after rotation: %+v", meta)
	}

	// Cold read resolves through the segment index and the blob store.
	cold := mustRead(t, c, 0)
	if string(cold.Body) != `["a","b"]` {
		t.Errorf("unexpected cold body: %s", cold.Body)
	}
	if !cold.UpToDate {
		t.Error("cold read reaching the tail is up to date")
	}

	// More data lands in the new hot segment and reads seamlessly.
	mustAppend(t, c, AppendOptions{ContentType: "application/json", Body: []byte(`["c"]`)})
	hot := mustRead(t, c, 2)
	if string(hot.Body) != `["c"]` {
		t.Errorf("unexpected hot body: %s", hot.Body)
	}

	// Losing the blob surfaces as a missing segment.
	segKey := SegmentBlobKey("/v1/stream/cold", meta.Salt, 0)
	if err := blobs.Delete(context.Background(), segKey); err != nil {
		t.Fatalf("blob delete failed: %v", err)
	}
	if _, err := c.Read(context.Background(), 0, 1<<20); !errors.Is(err, ErrMissingSegment) {
		t.Errorf("expected ErrMissingSegment, got %v", err)
	}
}

func TestCloseRotatesHotSegment(t *testing.T) {
	reg, _ := newTestRegistry(Config{WaiterStagger: -1})
	c := reg.Get("/v1/stream/closed-cold")
	mustCreate(t, c, CreateOptions{ContentType: "text/plain", Body: []byte("payload")})

	res := mustAppend(t, c, AppendOptions{Close: true})
	if !res.Rotated {
		t.Fatal("close must promote the hot segment")
	}

	cold := mustRead(t, c, 0)
	if string(cold.Body) != "payload" {
		t.Errorf("unexpected body after close rotation: %q", cold.Body)
	}
	if !cold.ClosedAtTail {
		t.Error("full read of a closed stream ends closed at tail")
	}
}

func TestResolveOffset(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		tail      uint64
		expected  uint64
		expectNow bool
		expectErr bool
	}{
		{name: "absent means start", raw: "", tail: 42, expected: 0},
		{name: "minus one means start", raw: "-1", tail: 42, expected: 0},
		{name: "now resolves to tail", raw: "now", tail: 42, expected: 42, expectNow: true},
		{name: "opaque form", raw: "0000000000000007_3fa85f64", tail: 42, expected: 7},
		{name: "garbage rejected", raw: "seven", tail: 42, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, isNow, err := ResolveOffset(tt.raw, tt.tail)
			if tt.expectErr {
				var badReq *BadRequestError
				if !errors.As(err, &badReq) {
					t.Errorf("expected BadRequestError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if offset != tt.expected || isNow != tt.expectNow {
				t.Errorf("got (%d, %v), want (%d, %v)", offset, isNow, tt.expected, tt.expectNow)
			}
		})
	}
}

func TestWaiterWakeAndPrecache(t *testing.T) {
	reg, _ := newTestRegistry(Config{WaiterStagger: -1})
	c := reg.Get("/v1/stream/wake")
	mustCreate(t, c, CreateOptions{ContentType: "text/plain"})

	url := "/v1/stream/wake?offset=0000000000000000_x&live=long-poll"
	waiter := c.Waiters.Park(0, url)

	mustAppend(t, c, AppendOptions{ContentType: "text/plain", Body: []byte("wake up")})

	select {
	case <-waiter.C:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by append")
	}

	// The response was warmed before the wake.
	pre, ok := c.Precached(url)
	if !ok {
		t.Fatal("expected pre-cached response for the waiter URL")
	}
	if string(pre.Body) != "wake up" {
		t.Errorf("unexpected pre-cached body: %q", pre.Body)
	}
}

func TestSubscriberDelivery(t *testing.T) {
	reg, _ := newTestRegistry(Config{WaiterStagger: -1})
	c := reg.Get("/v1/stream/live")
	mustCreate(t, c, CreateOptions{ContentType: "application/json"})

	sub := c.Subs.Add()
	defer c.Subs.Remove(sub)

	mustAppend(t, c, AppendOptions{ContentType: "application/json", Body: []byte(`["x","y"]`)})

	var types []string
	timeout := time.After(time.Second)
	for len(types) < 3 {
		select {
		case ev := <-sub.Events:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("expected 3 events, got %v", types)
		}
	}
	if types[0] != "data" || types[1] != "data" || types[2] != "control" {
		t.Errorf("unexpected event sequence: %v", types)
	}

	// Closing the stream ends the subscription.
	mustAppend(t, c, AppendOptions{Close: true})
	select {
	case <-sub.Done:
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed on stream close")
	}
}

func TestDeleteStream(t *testing.T) {
	reg, blobs := newTestRegistry(Config{WaiterStagger: -1, SegmentRotateMessages: 1})
	c := reg.Get("/v1/stream/gone")
	mustCreate(t, c, CreateOptions{ContentType: "application/json", Body: []byte(`["a"]`)})

	meta, err := c.Meta()
	if err != nil {
		t.Fatalf("meta failed: %v", err)
	}
	segKey := SegmentBlobKey(c.ID, meta.Salt, 0)
	if _, err := blobs.Get(context.Background(), segKey); err != nil {
		t.Fatalf("expected rotated blob present: %v", err)
	}

	waiter := c.Waiters.Park(meta.TailOffset, "/url")
	sub := c.Subs.Add()

	if err := c.Delete(context.Background()); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := c.Meta(); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := blobs.Get(context.Background(), segKey); err != store.ErrBlobNotFound {
		t.Errorf("expected segment blob removed, got %v", err)
	}
	select {
	case <-waiter.C:
	default:
		t.Error("delete must resolve parked waiters")
	}
	select {
	case <-sub.Done:
	default:
		t.Error("delete must close live subscribers")
	}

	if err := c.Delete(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestExpiredStreamRecreate(t *testing.T) {
	reg, _ := newTestRegistry(Config{WaiterStagger: -1})
	c := reg.Get("/v1/stream/expired")

	past := time.Now().Add(-time.Minute)
	mustCreate(t, c, CreateOptions{ContentType: "text/plain", ExpiresAt: &past, Body: []byte("old")})

	// Expired streams read as missing.
	if _, err := c.Meta(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired stream, got %v", err)
	}

	// And are recreatable with a fresh identity.
	res := mustCreate(t, c, CreateOptions{ContentType: "application/json"})
	if !res.Created {
		t.Fatal("expected recreation of expired stream")
	}
	meta, err := c.Meta()
	if err != nil {
		t.Fatalf("meta failed: %v", err)
	}
	if meta.ContentType != "application/json" || meta.TailOffset != 0 {
		t.Errorf("unexpected recreated stream: %+v", meta)
	}
}

func TestExpirySweep(t *testing.T) {
	reg, _ := newTestRegistry(Config{WaiterStagger: -1})
	expired := reg.Get("/v1/stream/sweep-a")
	fresh := reg.Get("/v1/stream/sweep-b")

	past := time.Now().Add(-time.Minute)
	mustCreate(t, expired, CreateOptions{ContentType: "text/plain", ExpiresAt: &past})
	mustCreate(t, fresh, CreateOptions{ContentType: "text/plain"})

	if removed := reg.SweepExpired(context.Background()); removed != 1 {
		t.Fatalf("expected 1 removed stream, got %d", removed)
	}
	if _, err := fresh.Meta(); err != nil {
		t.Errorf("fresh stream must survive the sweep: %v", err)
	}
}

func TestReadCoalescing(t *testing.T) {
	reg, _ := newTestRegistry(Config{WaiterStagger: -1, ReadCoalesceWindow: time.Second})
	c := reg.Get("/v1/stream/coalesce")
	mustCreate(t, c, CreateOptions{ContentType: "text/plain", Body: []byte("cached")})

	a := mustRead(t, c, 0)
	b := mustRead(t, c, 0)
	if a != b {
		t.Error("identical reads of one committed state must share a result")
	}

	// A write invalidates the key (the tail changed).
	mustAppend(t, c, AppendOptions{ContentType: "text/plain", Body: []byte("!")})
	after := mustRead(t, c, 0)
	if after == a {
		t.Error("read after a commit must observe the new state")
	}
	if string(after.Body) != "cached!" {
		t.Errorf("unexpected body: %q", after.Body)
	}
}
