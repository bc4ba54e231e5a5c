package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Strategy selects how a stream's offsets advance and how POST bodies split
// into messages. It is derived once from the stream's content type.
type Strategy int

const (
	// StrategyBinary treats each POST body as one message; offsets are
	// byte positions.
	StrategyBinary Strategy = iota

	// StrategyJSON requires a non-empty JSON array per POST; each element
	// is one message and offsets advance by message count.
	StrategyJSON
)

// NormalizeContentType lowercases the media type and strips parameters.
// Empty defaults to application/octet-stream.
func NormalizeContentType(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// ContentTypeMatches compares two content types ignoring case and parameters.
func ContentTypeMatches(a, b string) bool {
	return NormalizeContentType(a) == NormalizeContentType(b)
}

// StrategyFor returns the strategy for a normalized content type.
func StrategyFor(contentType string) Strategy {
	if NormalizeContentType(contentType) == "application/json" {
		return StrategyJSON
	}
	return StrategyBinary
}

// IsTextual reports whether live handlers may send the payload as-is.
// Everything that is not text/* or JSON is base64-encoded on the wire.
func IsTextual(contentType string) bool {
	ct := NormalizeContentType(contentType)
	return strings.HasPrefix(ct, "text/") || ct == "application/json"
}

// SplitBody turns a POST body into the messages of one append batch.
// Binary bodies become a single message. JSON bodies must be a non-empty
// array; each element becomes one message.
func SplitBody(strategy Strategy, body []byte) ([][]byte, error) {
	if strategy == StrategyBinary {
		if len(body) == 0 {
			return nil, badRequest("empty body not allowed")
		}
		return [][]byte{body}, nil
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, badRequest("JSON stream body must be a JSON array")
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(trimmed, &arr); err != nil {
		return nil, badRequest("invalid JSON body")
	}
	if len(arr) == 0 {
		return nil, badRequest("empty JSON array not allowed")
	}
	out := make([][]byte, len(arr))
	for i, elem := range arr {
		out[i] = []byte(elem)
	}
	return out, nil
}

// Advance returns how far the tail moves for a committed batch: total bytes
// for binary streams, message count for JSON.
func Advance(strategy Strategy, messages [][]byte) uint64 {
	if strategy == StrategyJSON {
		return uint64(len(messages))
	}
	var total uint64
	for _, m := range messages {
		total += uint64(len(m))
	}
	return total
}

// MessageSpan is Advance for a single message.
func MessageSpan(strategy Strategy, message []byte) uint64 {
	if strategy == StrategyJSON {
		return 1
	}
	return uint64(len(message))
}

// FormatBody renders a catch-up response body: a JSON array for JSON streams
// ("[]" when empty, the up-to-date sentinel), concatenated bytes otherwise.
func FormatBody(strategy Strategy, messages [][]byte) []byte {
	if strategy == StrategyJSON {
		if len(messages) == 0 {
			return []byte("[]")
		}
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, m := range messages {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(m)
		}
		buf.WriteByte(']')
		return buf.Bytes()
	}

	total := 0
	for _, m := range messages {
		total += len(m)
	}
	out := make([]byte, 0, total)
	for _, m := range messages {
		out = append(out, m...)
	}
	return out
}
