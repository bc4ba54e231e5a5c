package store

import (
	"bytes"
	"context"
	"testing"
)

func TestFSBlobStoreRoundTrip(t *testing.T) {
	s, err := NewFSBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	ctx := context.Background()

	key := "segments/abc/3fa85f64-0.seg"
	data := []byte("length-prefixed segment payload")

	if err := s.Put(ctx, key, data); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("payload mismatch: got %q, want %q", got, data)
	}

	// Overwrite is atomic and replaces the content.
	updated := []byte("rewritten")
	if err := s.Put(ctx, key, updated); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get after overwrite failed: %v", err)
	}
	if !bytes.Equal(got, updated) {
		t.Errorf("payload mismatch after overwrite: got %q", got)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.Get(ctx, key); err != ErrBlobNotFound {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestFSBlobStoreMissing(t *testing.T) {
	s, err := NewFSBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	if _, err := s.Get(context.Background(), "segments/none.seg"); err != ErrBlobNotFound {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}
