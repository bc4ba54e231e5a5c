package stream

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streamd/store"
)

// precacheTTL bounds how long a warmed long-poll response stays valid. The
// waiters it was warmed for wake within the stagger window, so this only
// needs to outlive their scheduling.
const precacheTTL = 2 * time.Second

// CreateOptions is a parsed PUT request.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	Close       bool
	Producer    *ProducerTriplet
	Body        []byte
}

// AppendOptions is a parsed POST request.
type AppendOptions struct {
	ContentType string
	Close       bool
	Producer    *ProducerTriplet
	StreamSeq   *int64
	Body        []byte
}

// AppendResult reports a committed (or idempotently replayed) mutation.
// NextOffset is the stream tail after the commit, in counter space.
type AppendResult struct {
	Created    bool
	Duplicate  bool
	Rotated    bool
	NextOffset uint64
	Salt       string
	Closed     bool
	WriteMs    int64

	// Producer is the committed cursor when the request carried the
	// producer triplet, echoed as Producer-Epoch / Producer-Seq.
	Producer *ProducerTriplet
}

// Create handles PUT: create the stream, or verify that the existing stream
// matches the request. A matching replay returns the current tail and
// mutates nothing.
func (c *Coordinator) Create(ctx context.Context, opts CreateOptions) (*AppendResult, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	existing, err := c.tables.GetStream(c.ID)
	if err != nil && err != store.ErrStreamNotFound {
		return nil, err
	}
	if existing != nil {
		if !existing.IsExpired(time.Now()) {
			return c.replayCreate(existing, opts)
		}
		// Expired streams are recreatable; sweep the remains first.
		if err := c.deleteLocked(ctx); err != nil && err != ErrNotFound {
			return nil, err
		}
	}

	contentType := NormalizeContentType(opts.ContentType)
	strategy := StrategyFor(contentType)

	var messages [][]byte
	if len(opts.Body) > 0 {
		messages, err = SplitBody(strategy, opts.Body)
		if err != nil {
			return nil, err
		}
	}

	var producer *store.ProducerUpdate
	if opts.Producer != nil {
		outcome, state, perr := EvaluateProducer(nil, *opts.Producer)
		if perr != nil {
			return nil, perr
		}
		if outcome != ProducerAccepted {
			return nil, conflict("unexpected producer state on create")
		}
		producer = &store.ProducerUpdate{ProducerID: opts.Producer.ID, State: *state}
	}

	now := time.Now()
	meta := store.StreamRecord{
		ID:          c.ID,
		ContentType: contentType,
		Salt:        NewStreamSalt(),
		CreatedAt:   now,
		TTLSeconds:  opts.TTLSeconds,
		ExpiresAt:   opts.ExpiresAt,
	}

	return c.commitLocked(ctx, &meta, commitInput{
		create:   true,
		messages: messages,
		producer: producer,
		closing:  opts.Close,
		closedBy: opts.Producer,
	})
}

// replayCreate validates an idempotent PUT against the existing stream.
func (c *Coordinator) replayCreate(existing *store.StreamRecord, opts CreateOptions) (*AppendResult, error) {
	if !ContentTypeMatches(existing.ContentType, opts.ContentType) {
		return nil, conflict("stream exists with content type %q", existing.ContentType)
	}
	if !int64PtrEqual(existing.TTLSeconds, opts.TTLSeconds) {
		return nil, conflict("stream exists with a different TTL")
	}
	if !timePtrEqual(existing.ExpiresAt, opts.ExpiresAt) {
		return nil, conflict("stream exists with a different expiry")
	}
	if opts.Close != existing.Closed {
		return nil, conflict("stream exists with a different closed state")
	}
	return &AppendResult{
		NextOffset: existing.TailOffset,
		Salt:       existing.Salt,
		Closed:     existing.Closed,
		WriteMs:    existing.LastWriteMs,
	}, nil
}

// Append handles POST: append messages, advance producer state, optionally
// close, all in one atomic batch.
func (c *Coordinator) Append(ctx context.Context, opts AppendOptions) (*AppendResult, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	meta, err := c.Meta()
	if err != nil {
		return nil, err
	}
	if opts.ContentType != "" && !ContentTypeMatches(meta.ContentType, opts.ContentType) {
		return nil, conflict("content type %q does not match stream content type %q",
			NormalizeContentType(opts.ContentType), meta.ContentType)
	}

	if meta.Closed {
		// A close-only replay against a closed stream is idempotent.
		if opts.Close && len(opts.Body) == 0 {
			return &AppendResult{
				NextOffset: meta.TailOffset,
				Salt:       meta.Salt,
				Closed:     true,
				WriteMs:    meta.LastWriteMs,
			}, nil
		}
		return nil, conflict("stream is closed")
	}

	if opts.StreamSeq != nil && meta.LastStreamSeq != nil && *opts.StreamSeq <= *meta.LastStreamSeq {
		return nil, conflict("Stream-Seq %d is not greater than last committed %d",
			*opts.StreamSeq, *meta.LastStreamSeq)
	}

	var producer *store.ProducerUpdate
	if opts.Producer != nil {
		cur, perr := c.tables.GetProducer(c.ID, opts.Producer.ID)
		if perr != nil && perr != store.ErrProducerNotFound {
			return nil, perr
		}
		outcome, state, perr := EvaluateProducer(cur, *opts.Producer)
		if perr != nil {
			return nil, perr
		}
		if outcome == ProducerDuplicate {
			return &AppendResult{
				Duplicate:  true,
				NextOffset: cur.NextOffset,
				Salt:       meta.Salt,
				Closed:     meta.Closed,
				WriteMs:    meta.LastWriteMs,
				Producer:   &ProducerTriplet{ID: opts.Producer.ID, Epoch: cur.Epoch, Seq: cur.LastSeq},
			}, nil
		}
		producer = &store.ProducerUpdate{ProducerID: opts.Producer.ID, State: *state}
	}

	strategy := StrategyFor(meta.ContentType)
	var messages [][]byte
	if len(opts.Body) > 0 {
		messages, err = SplitBody(strategy, opts.Body)
		if err != nil {
			return nil, err
		}
	} else if !opts.Close {
		return nil, badRequest("empty body not allowed")
	}

	next := *meta
	next.LastStreamSeq = opts.StreamSeq
	if next.LastStreamSeq == nil {
		next.LastStreamSeq = meta.LastStreamSeq
	}
	return c.commitLocked(ctx, &next, commitInput{
		messages: messages,
		producer: producer,
		closing:  opts.Close,
		closedBy: opts.Producer,
	})
}

type commitInput struct {
	create   bool
	messages [][]byte
	producer *store.ProducerUpdate
	closing  bool
	closedBy *ProducerTriplet
}

// commitLocked assembles the batch, rotates the hot segment when warranted,
// writes the cold blob before the table commit, and runs the post-commit
// wake-up pipeline. Callers hold writeMu.
func (c *Coordinator) commitLocked(ctx context.Context, meta *store.StreamRecord, in commitInput) (*AppendResult, error) {
	strategy := StrategyFor(meta.ContentType)
	nowMs := time.Now().UnixMilli()

	ops := make([]store.OpRecord, 0, len(in.messages))
	cursor := meta.TailOffset
	var batchBytes int64
	for _, msg := range in.messages {
		if len(msg) > store.MaxRecordSize {
			return nil, store.ErrRecordTooLarge
		}
		span := MessageSpan(strategy, msg)
		ops = append(ops, store.OpRecord{
			Offset:     cursor,
			NextOffset: cursor + span,
			Payload:    msg,
			WriteMs:    nowMs,
		})
		cursor += span
		batchBytes += int64(len(msg))
	}

	meta.TailOffset = cursor
	meta.SegmentMessages += len(in.messages)
	meta.SegmentBytes += batchBytes
	if len(in.messages) > 0 {
		meta.LastWriteMs = nowMs
	}
	if in.closing {
		meta.Closed = true
		closedAt := time.Now()
		meta.ClosedAt = &closedAt
		if in.closedBy != nil {
			meta.ClosedBy = &store.ProducerRef{
				ProducerID: in.closedBy.ID,
				Epoch:      in.closedBy.Epoch,
				Seq:        in.closedBy.Seq,
			}
		}
	}
	if in.producer != nil {
		in.producer.State.NextOffset = cursor
	}

	rotation, blobKey, err := c.maybeRotate(ctx, meta, ops, in.closing)
	if err != nil {
		return nil, err
	}
	if rotation != nil {
		meta.SegmentStart = rotation.EndOffset
		meta.SegmentMessages = 0
		meta.SegmentBytes = 0
	}

	batch := store.AppendBatch{
		StreamID: c.ID,
		Create:   in.create,
		Meta:     *meta,
		Ops:      ops,
		Producer: in.producer,
		Rotation: rotation,
	}
	if err := c.tables.ApplyAppend(batch); err != nil {
		if rotation != nil {
			if derr := c.blobs.Delete(ctx, blobKey); derr != nil {
				c.logger.Warn("failed to remove orphaned segment blob",
					zap.String("stream", c.ID), zap.String("key", blobKey), zap.Error(derr))
			}
		}
		if in.create && err == store.ErrStreamExists {
			return nil, conflict("stream already exists")
		}
		return nil, err
	}

	c.afterCommit(ctx, meta, ops)

	res := &AppendResult{
		Created:    in.create,
		Rotated:    rotation != nil,
		NextOffset: meta.TailOffset,
		Salt:       meta.Salt,
		Closed:     meta.Closed,
		WriteMs:    meta.LastWriteMs,
	}
	if in.producer != nil {
		res.Producer = &ProducerTriplet{
			ID:    in.producer.ProducerID,
			Epoch: in.producer.State.Epoch,
			Seq:   in.producer.State.LastSeq,
		}
	}
	return res, nil
}

// maybeRotate promotes the hot segment to cold storage when the stream is
// closing with hot data, or when the post-append hot segment crosses a
// rotation threshold. The blob is durable before the table commit; on a
// failed commit the caller deletes it.
func (c *Coordinator) maybeRotate(ctx context.Context, meta *store.StreamRecord, newOps []store.OpRecord, closing bool) (*store.SegmentRecord, string, error) {
	hotMessages := meta.SegmentMessages
	if hotMessages == 0 {
		return nil, "", nil
	}
	thresholds := meta.SegmentBytes >= c.cfg.SegmentRotateBytes || hotMessages >= c.cfg.SegmentRotateMessages
	if !closing && !thresholds {
		return nil, "", nil
	}

	// Collect the full hot segment: committed ops plus this batch's.
	var payloads [][]byte
	var lastWrite int64
	if meta.SegmentStart < meta.TailOffset-spanOf(newOps) {
		committed, err := c.tables.ReadHot(c.ID, meta.SegmentStart, int(^uint(0)>>1))
		if err != nil {
			return nil, "", err
		}
		for _, op := range committed {
			payloads = append(payloads, op.Payload)
			lastWrite = op.WriteMs
		}
	}
	for _, op := range newOps {
		payloads = append(payloads, op.Payload)
		lastWrite = op.WriteMs
	}
	if len(payloads) == 0 {
		return nil, "", nil
	}

	encoded, err := store.EncodeSegment(payloads)
	if err != nil {
		return nil, "", err
	}
	key := SegmentBlobKey(c.ID, meta.Salt, meta.SegmentStart)
	if err := c.blobs.Put(ctx, key, encoded); err != nil {
		return nil, "", err
	}

	return &store.SegmentRecord{
		StreamID:    c.ID,
		StartOffset: meta.SegmentStart,
		EndOffset:   meta.TailOffset,
		ContentType: meta.ContentType,
		BlobKey:     key,
		LastWriteMs: lastWrite,
	}, key, nil
}

func spanOf(ops []store.OpRecord) uint64 {
	if len(ops) == 0 {
		return 0
	}
	return ops[len(ops)-1].NextOffset - ops[0].Offset
}

// afterCommit runs the wake-up pipeline: warm the long-poll pre-cache for
// every waiter the new tail unblocks, wake them scout-first, then fan the
// batch out to live subscribers.
func (c *Coordinator) afterCommit(ctx context.Context, meta *store.StreamRecord, ops []store.OpRecord) {
	for url, target := range c.Waiters.ReadyWaiters(meta.TailOffset) {
		res, err := c.readAt(ctx, meta, target, c.cfg.MaxChunkBytes)
		if err != nil {
			c.logger.Warn("pre-cache warm read failed",
				zap.String("stream", c.ID), zap.Uint64("offset", target), zap.Error(err))
			continue
		}
		c.precache.Put(url, res, precacheTTL)
	}
	c.Waiters.Notify(meta.TailOffset, c.cfg.WaiterStagger)

	if c.Subs.Len() > 0 {
		events := make([]Event, 0, len(ops)+1)
		for _, op := range ops {
			events = append(events, Event{
				Type:       "data",
				Payload:    op.Payload,
				Offset:     op.Offset,
				NextOffset: op.NextOffset,
			})
		}
		events = append(events, Event{
			Type: "control",
			Control: &ControlFrame{
				StreamNextOffset:     store.EncodeOffset(meta.TailOffset, meta.Salt),
				UpToDate:             true,
				StreamClosed:         meta.Closed,
				StreamWriteTimestamp: meta.LastWriteMs,
			},
		})
		c.Subs.Broadcast(events...)
	}
	if meta.Closed {
		c.Subs.CloseAll()
	}
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
