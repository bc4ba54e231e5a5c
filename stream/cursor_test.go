package stream

import (
	"strconv"
	"strings"
	"testing"
)

func TestNextCursor(t *testing.T) {
	current := currentCursorInterval()

	tests := []struct {
		name         string
		clientCursor string
		expected     string
	}{
		{
			name:         "no client cursor",
			clientCursor: "",
			expected:     strconv.FormatInt(current, 10),
		},
		{
			name:         "client behind the clock",
			clientCursor: strconv.FormatInt(current-10, 10),
			expected:     strconv.FormatInt(current, 10),
		},
		{
			name:         "invalid client cursor",
			clientCursor: "not-a-number",
			expected:     strconv.FormatInt(current, 10),
		},
		{
			name:         "client at the clock advances past itself",
			clientCursor: strconv.FormatInt(current, 10),
			expected:     strconv.FormatInt(current+1, 10),
		},
		{
			name:         "client ahead advances past itself",
			clientCursor: strconv.FormatInt(current+5, 10),
			expected:     strconv.FormatInt(current+6, 10),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextCursor(tt.clientCursor)
			if got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
			if tt.clientCursor != "" && got == tt.clientCursor {
				t.Error("cursor must always differ from the client's")
			}
		})
	}
}

func TestNewStreamSalt(t *testing.T) {
	salt := NewStreamSalt()
	if len(salt) != 8 {
		t.Fatalf("expected 8-character salt, got %q", salt)
	}
	for _, c := range salt {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("salt %q contains non-hex character %q", salt, c)
		}
	}
	if NewStreamSalt() == salt && NewStreamSalt() == salt {
		t.Error("salts should not repeat")
	}
}

func TestSegmentBlobKey(t *testing.T) {
	key := SegmentBlobKey("/v1/stream/orders", "3fa85f64", 4096)
	if !strings.HasPrefix(key, "segments/") {
		t.Errorf("expected segments/ prefix, got %q", key)
	}
	if !strings.HasSuffix(key, "/3fa85f64-4096.seg") {
		t.Errorf("unexpected key suffix: %q", key)
	}
	// Deterministic for the same inputs, distinct across streams.
	if SegmentBlobKey("/v1/stream/orders", "3fa85f64", 4096) != key {
		t.Error("key derivation must be deterministic")
	}
	if SegmentBlobKey("/v1/stream/other", "3fa85f64", 4096) == key {
		t.Error("keys must differ across streams")
	}
}
