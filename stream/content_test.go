package stream

import (
	"errors"
	"testing"
)

func TestNormalizeContentType(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty defaults to octet-stream",
			input:    "",
			expected: "application/octet-stream",
		},
		{
			name:     "parameters stripped",
			input:    "application/json; charset=utf-8",
			expected: "application/json",
		},
		{
			name:     "case folded",
			input:    "Text/Plain",
			expected: "text/plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeContentType(tt.input); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestStrategyFor(t *testing.T) {
	if StrategyFor("application/json") != StrategyJSON {
		t.Error("expected JSON strategy for application/json")
	}
	if StrategyFor("application/JSON; charset=utf-8") != StrategyJSON {
		t.Error("expected JSON strategy with parameters")
	}
	if StrategyFor("text/plain") != StrategyBinary {
		t.Error("expected binary strategy for text/plain")
	}
	if StrategyFor("") != StrategyBinary {
		t.Error("expected binary strategy for empty content type")
	}
}

func TestSplitBody(t *testing.T) {
	tests := []struct {
		name        string
		strategy    Strategy
		body        string
		expectCount int
		expectError bool
	}{
		{
			name:        "binary single message",
			strategy:    StrategyBinary,
			body:        "hello world",
			expectCount: 1,
		},
		{
			name:        "binary empty rejected",
			strategy:    StrategyBinary,
			body:        "",
			expectError: true,
		},
		{
			name:        "json array",
			strategy:    StrategyJSON,
			body:        `[{"a":1},{"b":2},3]`,
			expectCount: 3,
		},
		{
			name:        "json array with whitespace",
			strategy:    StrategyJSON,
			body:        "  [1, 2]  ",
			expectCount: 2,
		},
		{
			name:        "json empty array rejected",
			strategy:    StrategyJSON,
			body:        "[]",
			expectError: true,
		},
		{
			name:        "json object rejected",
			strategy:    StrategyJSON,
			body:        `{"a":1}`,
			expectError: true,
		},
		{
			name:        "json malformed rejected",
			strategy:    StrategyJSON,
			body:        `[1,2`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			messages, err := SplitBody(tt.strategy, []byte(tt.body))
			if tt.expectError {
				var badReq *BadRequestError
				if !errors.As(err, &badReq) {
					t.Errorf("expected BadRequestError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(messages) != tt.expectCount {
				t.Errorf("expected %d messages, got %d", tt.expectCount, len(messages))
			}
		})
	}
}

func TestAdvance(t *testing.T) {
	messages := [][]byte{[]byte("abc"), []byte("defgh")}
	if got := Advance(StrategyBinary, messages); got != 8 {
		t.Errorf("expected byte advance 8, got %d", got)
	}
	if got := Advance(StrategyJSON, messages); got != 2 {
		t.Errorf("expected message advance 2, got %d", got)
	}
	if got := Advance(StrategyBinary, nil); got != 0 {
		t.Errorf("expected zero advance, got %d", got)
	}
}

func TestFormatBody(t *testing.T) {
	json := FormatBody(StrategyJSON, [][]byte{[]byte(`{"a":1}`), []byte("2")})
	if string(json) != `[{"a":1},2]` {
		t.Errorf("unexpected JSON body: %s", json)
	}
	if string(FormatBody(StrategyJSON, nil)) != "[]" {
		t.Error("empty JSON body must be []")
	}

	binary := FormatBody(StrategyBinary, [][]byte{[]byte("ab"), []byte("cd")})
	if string(binary) != "abcd" {
		t.Errorf("unexpected binary body: %s", binary)
	}
	if len(FormatBody(StrategyBinary, nil)) != 0 {
		t.Error("empty binary body must be empty")
	}
}

func TestIsTextual(t *testing.T) {
	if !IsTextual("text/plain") || !IsTextual("application/json") {
		t.Error("text and JSON types are textual")
	}
	if IsTextual("application/octet-stream") || IsTextual("image/png") {
		t.Error("binary types are not textual")
	}
}
