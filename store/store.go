package store

import (
	"context"
	"errors"
	"time"
)

// Common storage errors.
var (
	ErrStreamNotFound   = errors.New("stream not found")
	ErrStreamExists     = errors.New("stream already exists")
	ErrProducerNotFound = errors.New("producer not found")
	ErrSegmentNotFound  = errors.New("segment not found")
	ErrBlobNotFound     = errors.New("blob not found")
	ErrStoreClosed      = errors.New("store is closed")
)

// StreamRecord is the persisted metadata for one stream.
//
// TailOffset is the next offset the next committed message would take: bytes
// for binary streams, message count for JSON streams. The open hot segment is
// [SegmentStart, TailOffset); everything below SegmentStart is covered by
// immutable cold segments.
type StreamRecord struct {
	ID          string
	ContentType string
	Salt        string
	Closed      bool
	TailOffset  uint64

	SegmentStart    uint64
	SegmentMessages int
	SegmentBytes    int64

	CreatedAt     time.Time
	ClosedAt      *time.Time
	ClosedBy      *ProducerRef
	TTLSeconds    *int64
	ExpiresAt     *time.Time
	LastStreamSeq *int64

	// LastWriteMs is the wall-clock timestamp (epoch ms) of the last
	// committed append, surfaced as Stream-Write-Timestamp.
	LastWriteMs int64
}

// IsExpired reports whether the stream's wall-clock lifetime has elapsed.
func (r *StreamRecord) IsExpired(now time.Time) bool {
	if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return true
	}
	if r.TTLSeconds != nil && now.After(r.CreatedAt.Add(time.Duration(*r.TTLSeconds)*time.Second)) {
		return true
	}
	return false
}

// ProducerRef identifies the producer commit that closed a stream.
type ProducerRef struct {
	ProducerID string
	Epoch      int64
	Seq        int64
}

// ProducerState is the per-stream, per-producer idempotency cursor.
// NextOffset remembers the tail after that producer's last commit so a
// duplicate replay can echo the prior response without re-appending.
type ProducerState struct {
	Epoch       int64
	LastSeq     int64
	NextOffset  uint64
	LastUpdated int64
}

// OpRecord is one hot-tier message. Offset/NextOffset are in the stream's
// counter space (bytes or message count).
type OpRecord struct {
	Offset     uint64
	NextOffset uint64
	Payload    []byte
	WriteMs    int64
}

// SegmentRecord indexes one immutable cold segment.
// EndOffset equals the NextOffset of the last message the segment contains.
type SegmentRecord struct {
	StreamID    string
	StartOffset uint64
	EndOffset   uint64
	ContentType string
	BlobKey     string
	LastWriteMs int64
}

// ProducerUpdate carries a producer cursor advance inside an append batch.
type ProducerUpdate struct {
	ProducerID string
	State      ProducerState
}

// AppendBatch is the unit of atomic mutation. ApplyAppend must commit the
// whole batch or leave the stream at its prior state: metadata advance, hot
// ops insert, optional producer cursor advance, optional segment rotation
// (index insert + hot prefix removal), optional close.
type AppendBatch struct {
	StreamID string

	// Create requires that no stream with this ID exists yet.
	Create bool

	// Meta is the full post-commit metadata.
	Meta StreamRecord

	// Ops are the new hot-tier messages, in input order.
	Ops []OpRecord

	Producer *ProducerUpdate

	// Rotation promotes the hot segment: the index record is inserted and
	// all hot ops with Offset < Rotation.EndOffset are removed. The blob
	// must already be written before ApplyAppend is called.
	Rotation *SegmentRecord
}

// TxStore is the hot-tier table contract: stream metadata, the hot ops log,
// producer cursors, and the segment index, with atomic batched mutation.
type TxStore interface {
	// ApplyAppend atomically applies a batch. With batch.Create it fails
	// with ErrStreamExists if the stream is present; otherwise it fails
	// with ErrStreamNotFound if it is not.
	ApplyAppend(batch AppendBatch) error

	// GetStream returns a copy of the stream's metadata.
	GetStream(id string) (*StreamRecord, error)

	// PutStream overwrites stream metadata without touching ops or
	// producers (expiry bookkeeping, close-only fast path).
	PutStream(rec StreamRecord) error

	// DeleteStream removes the stream and all dependent rows (ops,
	// producers, segment index).
	DeleteStream(id string) error

	// ListStreams returns metadata for every stream (expiry sweep).
	ListStreams() ([]StreamRecord, error)

	// GetProducer returns the producer cursor, or ErrProducerNotFound.
	GetProducer(streamID, producerID string) (*ProducerState, error)

	// ReadHot returns hot ops with NextOffset > offset in offset order,
	// stopping after the first op that reaches maxBytes of payload. A
	// non-positive maxBytes returns at most one op.
	ReadHot(streamID string, offset uint64, maxBytes int) ([]OpRecord, error)

	// SegmentCovering returns the segment with StartOffset <= offset <
	// EndOffset, or ErrSegmentNotFound.
	SegmentCovering(streamID string, offset uint64) (*SegmentRecord, error)

	// SegmentStartingAt returns the segment whose StartOffset equals
	// offset exactly, or ErrSegmentNotFound.
	SegmentStartingAt(streamID string, offset uint64) (*SegmentRecord, error)

	// ListSegments returns all segment records for a stream in start
	// order (delete path).
	ListSegments(streamID string) ([]SegmentRecord, error)

	// Close releases the store's resources.
	Close() error
}

// BlobStore is the cold-object contract: opaque-key get/put/delete.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}
