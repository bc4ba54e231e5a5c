package stream

import (
	"strconv"
	"time"

	"github.com/durable-streams/streamd/store"
)

// Producer header names.
const (
	HeaderProducerID          = "Producer-Id"
	HeaderProducerEpoch       = "Producer-Epoch"
	HeaderProducerSeq         = "Producer-Seq"
	HeaderProducerExpectedSeq = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq = "Producer-Received-Seq"
)

// ProducerTriplet is the (id, epoch, seq) identifying an at-most-once writer.
type ProducerTriplet struct {
	ID    string
	Epoch int64
	Seq   int64
}

// ParseProducerTriplet validates the producer header set: all three present
// or all absent. Returns nil when absent.
func ParseProducerTriplet(id, epoch, seq string) (*ProducerTriplet, error) {
	if id == "" && epoch == "" && seq == "" {
		return nil, nil
	}
	if id == "" || epoch == "" || seq == "" {
		return nil, badRequest("producer headers must all be provided together")
	}
	e, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil || e < 0 {
		return nil, badRequest("invalid Producer-Epoch")
	}
	q, err := strconv.ParseInt(seq, 10, 64)
	if err != nil || q < 0 {
		return nil, badRequest("invalid Producer-Seq")
	}
	return &ProducerTriplet{ID: id, Epoch: e, Seq: q}, nil
}

// ProducerOutcome is the result of evaluating a triplet against the stored
// cursor. Duplicate is not an error: the caller echoes the prior commit.
type ProducerOutcome int

const (
	ProducerAccepted ProducerOutcome = iota
	ProducerDuplicate
)

// EvaluateProducer applies the acceptance rules. cur is nil for a producer
// with no stored cursor. On acceptance the returned state is the advanced
// cursor to persist with the batch (NextOffset filled in by the caller).
func EvaluateProducer(cur *store.ProducerState, t ProducerTriplet) (ProducerOutcome, *store.ProducerState, error) {
	now := time.Now().UnixMilli()

	if cur == nil {
		if t.Seq != 0 {
			return 0, nil, badRequest("new producer must start at sequence 0")
		}
		return ProducerAccepted, &store.ProducerState{Epoch: t.Epoch, LastSeq: 0, LastUpdated: now}, nil
	}

	switch {
	case t.Epoch < cur.Epoch:
		return 0, nil, &StaleEpochError{CurrentEpoch: cur.Epoch}
	case t.Epoch > cur.Epoch:
		if t.Seq != 0 {
			return 0, nil, &ProducerSeqError{ExpectedSeq: 0, ReceivedSeq: t.Seq}
		}
		return ProducerAccepted, &store.ProducerState{Epoch: t.Epoch, LastSeq: 0, LastUpdated: now}, nil
	}

	switch {
	case t.Seq == cur.LastSeq+1:
		return ProducerAccepted, &store.ProducerState{Epoch: t.Epoch, LastSeq: t.Seq, LastUpdated: now}, nil
	case t.Seq == cur.LastSeq:
		return ProducerDuplicate, nil, nil
	default:
		// Gap ahead or regression behind; both carry the diagnostics.
		return 0, nil, &ProducerSeqError{ExpectedSeq: cur.LastSeq + 1, ReceivedSeq: t.Seq}
	}
}
