package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// BboltStore is the bbolt-backed TxStore. One Update transaction per append
// batch gives the atomicity the append engine requires.
type BboltStore struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	closed bool
}

var (
	streamsBucket   = []byte("streams")
	opsBucket       = []byte("ops")
	producersBucket = []byte("producers")
	segmentsBucket  = []byte("segments")
)

// bboltStream is the serialized form of StreamRecord.
type bboltStream struct {
	ID              string        `json:"id"`
	ContentType     string        `json:"content_type"`
	Salt            string        `json:"salt"`
	Closed          bool          `json:"closed,omitempty"`
	TailOffset      uint64        `json:"tail_offset"`
	SegmentStart    uint64        `json:"segment_start"`
	SegmentMessages int           `json:"segment_messages"`
	SegmentBytes    int64         `json:"segment_bytes"`
	CreatedAt       int64         `json:"created_at"`
	ClosedAt        *int64        `json:"closed_at,omitempty"`
	ClosedBy        *ProducerRef  `json:"closed_by,omitempty"`
	TTLSeconds      *int64        `json:"ttl_seconds,omitempty"`
	ExpiresAtMs     *int64        `json:"expires_at,omitempty"`
	LastStreamSeq   *int64        `json:"last_stream_seq,omitempty"`
	LastWriteMs     int64         `json:"last_write_ms,omitempty"`
}

type bboltOp struct {
	Offset     uint64 `json:"offset"`
	NextOffset uint64 `json:"next_offset"`
	Payload    []byte `json:"payload"`
	WriteMs    int64  `json:"write_ms"`
}

type bboltSegment struct {
	StartOffset uint64 `json:"start_offset"`
	EndOffset   uint64 `json:"end_offset"`
	ContentType string `json:"content_type"`
	BlobKey     string `json:"blob_key"`
	LastWriteMs int64  `json:"last_write_ms"`
}

// NewBboltStore opens (or creates) the hot-tier database under dataDir.
func NewBboltStore(dataDir string) (*BboltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dataDir, "streams.db"), 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{streamsBucket, opsBucket, producersBucket, segmentsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BboltStore{db: db}, nil
}

// scopedKey builds "streamID\x00" + be64(offset) so per-stream rows sort by
// offset and prefix scans stay within one stream.
func scopedKey(streamID string, offset uint64) []byte {
	key := make([]byte, 0, len(streamID)+1+8)
	key = append(key, streamID...)
	key = append(key, 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], offset)
	return append(key, buf[:]...)
}

func scopePrefix(streamID string) []byte {
	return append([]byte(streamID), 0)
}

func producerKey(streamID, producerID string) []byte {
	key := make([]byte, 0, len(streamID)+1+len(producerID))
	key = append(key, streamID...)
	key = append(key, 0)
	return append(key, producerID...)
}

func encodeStream(rec StreamRecord) ([]byte, error) {
	bs := bboltStream{
		ID:              rec.ID,
		ContentType:     rec.ContentType,
		Salt:            rec.Salt,
		Closed:          rec.Closed,
		TailOffset:      rec.TailOffset,
		SegmentStart:    rec.SegmentStart,
		SegmentMessages: rec.SegmentMessages,
		SegmentBytes:    rec.SegmentBytes,
		CreatedAt:       rec.CreatedAt.UnixMilli(),
		ClosedBy:        rec.ClosedBy,
		TTLSeconds:      rec.TTLSeconds,
		LastStreamSeq:   rec.LastStreamSeq,
		LastWriteMs:     rec.LastWriteMs,
	}
	if rec.ClosedAt != nil {
		ms := rec.ClosedAt.UnixMilli()
		bs.ClosedAt = &ms
	}
	if rec.ExpiresAt != nil {
		ms := rec.ExpiresAt.UnixMilli()
		bs.ExpiresAtMs = &ms
	}
	return json.Marshal(bs)
}

func decodeStream(data []byte) (*StreamRecord, error) {
	var bs bboltStream
	if err := json.Unmarshal(data, &bs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream record: %w", err)
	}
	rec := &StreamRecord{
		ID:              bs.ID,
		ContentType:     bs.ContentType,
		Salt:            bs.Salt,
		Closed:          bs.Closed,
		TailOffset:      bs.TailOffset,
		SegmentStart:    bs.SegmentStart,
		SegmentMessages: bs.SegmentMessages,
		SegmentBytes:    bs.SegmentBytes,
		CreatedAt:       time.UnixMilli(bs.CreatedAt),
		ClosedBy:        bs.ClosedBy,
		TTLSeconds:      bs.TTLSeconds,
		LastStreamSeq:   bs.LastStreamSeq,
		LastWriteMs:     bs.LastWriteMs,
	}
	if bs.ClosedAt != nil {
		t := time.UnixMilli(*bs.ClosedAt)
		rec.ClosedAt = &t
	}
	if bs.ExpiresAtMs != nil {
		t := time.UnixMilli(*bs.ExpiresAtMs)
		rec.ExpiresAt = &t
	}
	return rec, nil
}

// ApplyAppend commits the whole batch in one bbolt transaction.
func (s *BboltStore) ApplyAppend(batch AppendBatch) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		streams := tx.Bucket(streamsBucket)
		existing := streams.Get([]byte(batch.StreamID))
		if batch.Create && existing != nil {
			return ErrStreamExists
		}
		if !batch.Create && existing == nil {
			return ErrStreamNotFound
		}

		data, err := encodeStream(batch.Meta)
		if err != nil {
			return err
		}
		if err := streams.Put([]byte(batch.StreamID), data); err != nil {
			return err
		}

		ops := tx.Bucket(opsBucket)
		for _, op := range batch.Ops {
			od, err := json.Marshal(bboltOp{
				Offset:     op.Offset,
				NextOffset: op.NextOffset,
				Payload:    op.Payload,
				WriteMs:    op.WriteMs,
			})
			if err != nil {
				return err
			}
			if err := ops.Put(scopedKey(batch.StreamID, op.Offset), od); err != nil {
				return err
			}
		}

		if batch.Producer != nil {
			pd, err := json.Marshal(batch.Producer.State)
			if err != nil {
				return err
			}
			producers := tx.Bucket(producersBucket)
			if err := producers.Put(producerKey(batch.StreamID, batch.Producer.ProducerID), pd); err != nil {
				return err
			}
		}

		if batch.Rotation != nil {
			sd, err := json.Marshal(bboltSegment{
				StartOffset: batch.Rotation.StartOffset,
				EndOffset:   batch.Rotation.EndOffset,
				ContentType: batch.Rotation.ContentType,
				BlobKey:     batch.Rotation.BlobKey,
				LastWriteMs: batch.Rotation.LastWriteMs,
			})
			if err != nil {
				return err
			}
			segments := tx.Bucket(segmentsBucket)
			if err := segments.Put(scopedKey(batch.StreamID, batch.Rotation.StartOffset), sd); err != nil {
				return err
			}

			// The promoted prefix leaves the hot tier.
			c := ops.Cursor()
			prefix := scopePrefix(batch.StreamID)
			end := scopedKey(batch.StreamID, batch.Rotation.EndOffset)
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) && bytes.Compare(k, end) < 0; k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BboltStore) GetStream(id string) (*StreamRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var rec *StreamRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(streamsBucket).Get([]byte(id))
		if data == nil {
			return ErrStreamNotFound
		}
		var err error
		rec, err = decodeStream(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BboltStore) PutStream(rec StreamRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	data, err := encodeStream(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(streamsBucket)
		if b.Get([]byte(rec.ID)) == nil {
			return ErrStreamNotFound
		}
		return b.Put([]byte(rec.ID), data)
	})
}

func (s *BboltStore) DeleteStream(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		streams := tx.Bucket(streamsBucket)
		if streams.Get([]byte(id)) == nil {
			return ErrStreamNotFound
		}
		if err := streams.Delete([]byte(id)); err != nil {
			return err
		}
		prefix := scopePrefix(id)
		for _, name := range [][]byte{opsBucket, producersBucket, segmentsBucket} {
			c := tx.Bucket(name).Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BboltStore) ListStreams() ([]StreamRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var recs []StreamRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucket).ForEach(func(k, v []byte) error {
			rec, err := decodeStream(v)
			if err != nil {
				return err
			}
			recs = append(recs, *rec)
			return nil
		})
	})
	return recs, err
}

func (s *BboltStore) GetProducer(streamID, producerID string) (*ProducerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var state *ProducerState
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(producersBucket).Get(producerKey(streamID, producerID))
		if data == nil {
			return ErrProducerNotFound
		}
		state = &ProducerState{}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *BboltStore) ReadHot(streamID string, offset uint64, maxBytes int) ([]OpRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []OpRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(opsBucket).Cursor()
		prefix := scopePrefix(streamID)
		collected := 0

		// The op containing a byte offset may start before it, so step
		// back one key from the seek position when the previous key is
		// still within this stream.
		target := scopedKey(streamID, offset)
		k, v := c.Seek(target)
		if pk, pv := c.Prev(); pk != nil && bytes.HasPrefix(pk, prefix) {
			k, v = pk, pv
		} else {
			k, v = c.Seek(target)
		}

		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var op bboltOp
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.NextOffset <= offset {
				continue
			}
			payload := make([]byte, len(op.Payload))
			copy(payload, op.Payload)
			out = append(out, OpRecord{
				Offset:     op.Offset,
				NextOffset: op.NextOffset,
				Payload:    payload,
				WriteMs:    op.WriteMs,
			})
			collected += len(payload)
			if collected >= maxBytes {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BboltStore) SegmentCovering(streamID string, offset uint64) (*SegmentRecord, error) {
	return s.findSegment(streamID, offset, false)
}

func (s *BboltStore) SegmentStartingAt(streamID string, offset uint64) (*SegmentRecord, error) {
	return s.findSegment(streamID, offset, true)
}

func (s *BboltStore) findSegment(streamID string, offset uint64, exact bool) (*SegmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var rec *SegmentRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(segmentsBucket).Cursor()
		prefix := scopePrefix(streamID)
		target := scopedKey(streamID, offset)

		k, v := c.Seek(target)
		if exact {
			if k == nil || !bytes.Equal(k, target) {
				return ErrSegmentNotFound
			}
		} else if k == nil || !bytes.Equal(k, target) {
			// Not an exact start; the covering segment, if any, is the
			// previous one.
			k, v = c.Prev()
			if k == nil || !bytes.HasPrefix(k, prefix) {
				return ErrSegmentNotFound
			}
		}

		var bs bboltSegment
		if err := json.Unmarshal(v, &bs); err != nil {
			return err
		}
		if !exact && (offset < bs.StartOffset || offset >= bs.EndOffset) {
			return ErrSegmentNotFound
		}
		rec = &SegmentRecord{
			StreamID:    streamID,
			StartOffset: bs.StartOffset,
			EndOffset:   bs.EndOffset,
			ContentType: bs.ContentType,
			BlobKey:     bs.BlobKey,
			LastWriteMs: bs.LastWriteMs,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BboltStore) ListSegments(streamID string) ([]SegmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []SegmentRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(segmentsBucket).Cursor()
		prefix := scopePrefix(streamID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var bs bboltSegment
			if err := json.Unmarshal(v, &bs); err != nil {
				return err
			}
			out = append(out, SegmentRecord{
				StreamID:    streamID,
				StartOffset: bs.StartOffset,
				EndOffset:   bs.EndOffset,
				ContentType: bs.ContentType,
				BlobKey:     bs.BlobKey,
				LastWriteMs: bs.LastWriteMs,
			})
		}
		return nil
	})
	return out, err
}

func (s *BboltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
