package stream

import (
	"errors"
	"fmt"
)

// Validation errors carry enough shape for the HTTP layer to map them to a
// status and diagnostic headers without string matching.
var (
	// ErrNotFound covers unknown, deleted, and expired streams.
	ErrNotFound = errors.New("stream not found")

	// ErrMissingSegment means the segment index points at a cold blob
	// that is gone. Hard server error.
	ErrMissingSegment = errors.New("cold segment missing")
)

// BadRequestError is a 400: invalid input that mutates nothing.
type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string { return e.Msg }

func badRequest(format string, args ...any) error {
	return &BadRequestError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError is a 409: the request contradicts committed stream state.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func conflict(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// ProducerSeqError is a 409 carrying the Producer-Expected-Seq /
// Producer-Received-Seq diagnostic headers (gap or regression).
type ProducerSeqError struct {
	ExpectedSeq int64
	ReceivedSeq int64
}

func (e *ProducerSeqError) Error() string {
	return fmt.Sprintf("producer sequence gap: expected %d, received %d", e.ExpectedSeq, e.ReceivedSeq)
}

// StaleEpochError is a 409: the producer's epoch regressed.
type StaleEpochError struct {
	CurrentEpoch int64
}

func (e *StaleEpochError) Error() string {
	return fmt.Sprintf("producer epoch is stale: current epoch is %d", e.CurrentEpoch)
}
