package store

import (
	"encoding/binary"
	"errors"
)

// Cold segment payload format:
// Each record is a 4-byte big-endian unsigned length prefix followed by that
// many payload bytes. Records are concatenated without separators. Zero-length
// records are permitted and retained.
const (
	// LengthPrefixSize is the size of the record length prefix in bytes.
	LengthPrefixSize = 4

	// MaxRecordSize is the maximum allowed record size (64 MiB). A record
	// beyond this fails the segment.
	MaxRecordSize = 64 * 1024 * 1024
)

var (
	// ErrRecordTooLarge is returned when a record exceeds MaxRecordSize.
	ErrRecordTooLarge = errors.New("record exceeds maximum size")

	// ErrCorruptSegment is returned when a decoded length prefix is
	// impossible (beyond MaxRecordSize).
	ErrCorruptSegment = errors.New("corrupt segment payload")
)

// EncodeSegment frames a batch of messages as a cold segment payload.
func EncodeSegment(messages [][]byte) ([]byte, error) {
	total := 0
	for _, m := range messages {
		if len(m) > MaxRecordSize {
			return nil, ErrRecordTooLarge
		}
		total += LengthPrefixSize + len(m)
	}
	out := make([]byte, 0, total)
	var lenBuf [LengthPrefixSize]byte
	for _, m := range messages {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m)))
		out = append(out, lenBuf[:]...)
		out = append(out, m...)
	}
	return out, nil
}

// DecodeSegment decodes every record in a segment payload. A truncated tail
// (length prefix beyond the remaining bytes, or a partial prefix) is reported
// as truncated=true alongside the fully-decoded prefix of records.
func DecodeSegment(payload []byte) (messages [][]byte, truncated bool, err error) {
	pos := 0
	for pos < len(payload) {
		if pos+LengthPrefixSize > len(payload) {
			return messages, true, nil
		}
		length := binary.BigEndian.Uint32(payload[pos : pos+LengthPrefixSize])
		if length > MaxRecordSize {
			return messages, false, ErrCorruptSegment
		}
		start := pos + LengthPrefixSize
		end := start + int(length)
		if end > len(payload) {
			return messages, true, nil
		}
		messages = append(messages, payload[start:end])
		pos = end
	}
	return messages, false, nil
}

// ReadSegmentChunk decodes a bounded chunk out of a segment payload.
//
// For JSON streams the skip is by message index (offset - segmentStart); for
// binary streams the skip walks the byte cursor and collects the first message
// whose byte range extends past offset. outputStart is the starting offset of
// the first returned message under the stream's strategy. The collector stops
// after the first message that satisfies maxChunkBytes; a non-positive initial
// budget yields zero messages.
func ReadSegmentChunk(payload []byte, offset, segmentStart uint64, maxChunkBytes int, isJSON bool) (messages [][]byte, outputStart uint64, err error) {
	all, truncated, err := DecodeSegment(payload)
	if err != nil {
		return nil, 0, err
	}
	if truncated {
		return nil, 0, ErrCorruptSegment
	}
	if maxChunkBytes <= 0 {
		return nil, offset, nil
	}

	if isJSON {
		skip := int(offset - segmentStart)
		if skip < 0 || skip >= len(all) {
			return nil, offset, nil
		}
		collected := 0
		for _, m := range all[skip:] {
			messages = append(messages, m)
			collected += len(m)
			if collected >= maxChunkBytes {
				break
			}
		}
		return messages, segmentStart + uint64(skip), nil
	}

	cursor := segmentStart
	collected := 0
	for _, m := range all {
		next := cursor + uint64(len(m))
		if next > offset {
			if len(messages) == 0 {
				outputStart = cursor
			}
			messages = append(messages, m)
			collected += len(m)
			if collected >= maxChunkBytes {
				break
			}
		}
		cursor = next
	}
	if len(messages) == 0 {
		outputStart = offset
	}
	return messages, outputStart, nil
}
