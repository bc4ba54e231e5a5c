package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory TxStore used when no data directory is
// configured and throughout the tests.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
}

type memoryStream struct {
	meta      StreamRecord
	ops       []OpRecord // sorted by Offset
	producers map[string]ProducerState
	segments  []SegmentRecord // sorted by StartOffset
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string]*memoryStream)}
}

func (s *MemoryStore) ApplyAppend(batch AppendBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.streams[batch.StreamID]
	if batch.Create {
		if ok {
			return ErrStreamExists
		}
		ms = &memoryStream{producers: make(map[string]ProducerState)}
		s.streams[batch.StreamID] = ms
	} else if !ok {
		return ErrStreamNotFound
	}

	ms.meta = batch.Meta
	for _, op := range batch.Ops {
		ms.ops = append(ms.ops, op)
	}
	if batch.Producer != nil {
		ms.producers[batch.Producer.ProducerID] = batch.Producer.State
	}
	if batch.Rotation != nil {
		ms.segments = append(ms.segments, *batch.Rotation)
		sort.Slice(ms.segments, func(i, j int) bool {
			return ms.segments[i].StartOffset < ms.segments[j].StartOffset
		})
		kept := ms.ops[:0]
		for _, op := range ms.ops {
			if op.Offset >= batch.Rotation.EndOffset {
				kept = append(kept, op)
			}
		}
		ms.ops = kept
	}
	return nil
}

func (s *MemoryStore) GetStream(id string) (*StreamRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.streams[id]
	if !ok {
		return nil, ErrStreamNotFound
	}
	meta := ms.meta
	return &meta, nil
}

func (s *MemoryStore) PutStream(rec StreamRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.streams[rec.ID]
	if !ok {
		return ErrStreamNotFound
	}
	ms.meta = rec
	return nil
}

func (s *MemoryStore) DeleteStream(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[id]; !ok {
		return ErrStreamNotFound
	}
	delete(s.streams, id)
	return nil
}

func (s *MemoryStore) ListStreams() ([]StreamRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StreamRecord, 0, len(s.streams))
	for _, ms := range s.streams {
		out = append(out, ms.meta)
	}
	return out, nil
}

func (s *MemoryStore) GetProducer(streamID, producerID string) (*ProducerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.streams[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	state, ok := ms.producers[producerID]
	if !ok {
		return nil, ErrProducerNotFound
	}
	return &state, nil
}

func (s *MemoryStore) ReadHot(streamID string, offset uint64, maxBytes int) ([]OpRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.streams[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	var out []OpRecord
	collected := 0
	for _, op := range ms.ops {
		if op.NextOffset <= offset {
			continue
		}
		out = append(out, op)
		collected += len(op.Payload)
		if collected >= maxBytes {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SegmentCovering(streamID string, offset uint64) (*SegmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.streams[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	for i := range ms.segments {
		seg := ms.segments[i]
		if offset >= seg.StartOffset && offset < seg.EndOffset {
			return &seg, nil
		}
	}
	return nil, ErrSegmentNotFound
}

func (s *MemoryStore) SegmentStartingAt(streamID string, offset uint64) (*SegmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.streams[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	for i := range ms.segments {
		if ms.segments[i].StartOffset == offset {
			seg := ms.segments[i]
			return &seg, nil
		}
	}
	return nil, ErrSegmentNotFound
}

func (s *MemoryStore) ListSegments(streamID string) ([]SegmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.streams[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	out := make([]SegmentRecord, len(ms.segments))
	copy(out, ms.segments)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// MemoryBlobStore is an in-memory BlobStore counterpart to MemoryStore.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryBlobStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[key] = stored
	return nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}
