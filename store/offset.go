package store

import (
	"fmt"
	"strconv"
)

// Offsets are opaque to clients. The wire form is a fixed-width,
// lexicographically sortable string built from the stream's internal counter
// plus a per-stream-instance salt:
//
//	"0000000000000042_3fa85f64"
//
// The counter is bytes for binary streams and message count for JSON streams.
// The salt keeps offsets from two streams with identical counters distinct;
// ordering and equality use only the counter.
const (
	counterDigits = 16
	saltLength    = 8

	// OffsetStart is the read-side alias for the lowest possible offset.
	OffsetStart = "-1"

	// OffsetNow resolves at request time to the current tail offset.
	// Responses for it are never cacheable.
	OffsetNow = "now"
)

// EncodeOffset renders a counter as the opaque wire form for a stream with
// the given salt.
func EncodeOffset(counter uint64, salt string) string {
	return fmt.Sprintf("%0*d_%s", counterDigits, counter, salt)
}

// DecodeOffset parses an opaque offset into its counter. The literals ""
// and "-1" decode to zero. "now" is not handled here; callers resolve it
// against the stream's tail before decoding.
func DecodeOffset(s string) (uint64, error) {
	if s == "" || s == OffsetStart {
		return 0, nil
	}
	if !isValidOffsetFormat(s) {
		return 0, fmt.Errorf("invalid offset format: %q", s)
	}
	counter, err := strconv.ParseUint(s[:counterDigits], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid offset counter: %w", err)
	}
	return counter, nil
}

// isValidOffsetFormat accepts exactly counterDigits digits, an underscore,
// and saltLength lowercase hex characters. Strict validation keeps malformed
// and hostile inputs out of the read path.
func isValidOffsetFormat(s string) bool {
	if len(s) != counterDigits+1+saltLength {
		return false
	}
	for i := 0; i < counterDigits; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	if s[counterDigits] != '_' {
		return false
	}
	for i := counterDigits + 1; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
