package streamd

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/durable-streams/streamd/store"
	"github.com/durable-streams/streamd/stream"
)

// handleCreate handles PUT requests to create a stream
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, streamID string) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return httpBadRequest("cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return httpBadRequest(err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return httpBadRequest("invalid Stream-Expires-At format")
		}
		expiresAt = &t
	}

	closing, err := parseStreamClosed(r.Header.Get(HeaderStreamClosed))
	if err != nil {
		return err
	}

	producer, err := stream.ParseProducerTriplet(
		r.Header.Get(stream.HeaderProducerID),
		r.Header.Get(stream.HeaderProducerEpoch),
		r.Header.Get(stream.HeaderProducerSeq))
	if err != nil {
		return err
	}

	var initialData []byte
	if r.ContentLength != 0 {
		initialData, err = io.ReadAll(r.Body)
		if err != nil {
			return httpBadRequest("failed to read body")
		}
	}

	coord := h.registry.Get(streamID)
	res, err := coord.Create(r.Context(), stream.CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		Close:       closing,
		Producer:    producer,
		Body:        initialData,
	})
	if err != nil {
		metricAppends.WithLabelValues("error").Inc()
		return err
	}
	metricAppends.WithLabelValues("created").Inc()
	if res.Rotated {
		metricSegmentRotations.Inc()
	}

	w.Header().Set("Content-Type", stream.NormalizeContentType(contentType))
	w.Header().Set(HeaderStreamNextOffset, store.EncodeOffset(res.NextOffset, res.Salt))
	if res.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	setProducerEcho(w, res.Producer)

	if res.Created {
		w.Header().Set("Location", requestURL(r))
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

// handleAppend handles POST requests to append to a stream
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, streamID string) error {
	closing, err := parseStreamClosed(r.Header.Get(HeaderStreamClosed))
	if err != nil {
		return err
	}

	contentType := r.Header.Get("Content-Type")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return httpBadRequest("failed to read body")
	}
	if contentType == "" && len(body) > 0 {
		return httpBadRequest("Content-Type header is required")
	}

	var streamSeq *int64
	if seqStr := r.Header.Get(HeaderStreamSeq); seqStr != "" {
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			return httpBadRequest("invalid Stream-Seq")
		}
		streamSeq = &seq
	}

	producer, err := stream.ParseProducerTriplet(
		r.Header.Get(stream.HeaderProducerID),
		r.Header.Get(stream.HeaderProducerEpoch),
		r.Header.Get(stream.HeaderProducerSeq))
	if err != nil {
		return err
	}

	coord := h.registry.Get(streamID)
	res, err := coord.Append(r.Context(), stream.AppendOptions{
		ContentType: contentType,
		Close:       closing,
		Producer:    producer,
		StreamSeq:   streamSeq,
		Body:        body,
	})
	if err != nil {
		metricAppends.WithLabelValues("error").Inc()
		return err
	}
	if res.Rotated {
		metricSegmentRotations.Inc()
	}

	w.Header().Set(HeaderStreamNextOffset, store.EncodeOffset(res.NextOffset, res.Salt))
	if res.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	setProducerEcho(w, res.Producer)

	// Appends answer 204; a freshly accepted producer commit answers 200 so
	// the caller knows the echoed cursor is its own, not a replay's.
	switch {
	case res.Duplicate:
		// Replayed producer batch: acknowledge without re-appending.
		metricAppends.WithLabelValues("duplicate").Inc()
		w.WriteHeader(http.StatusNoContent)
	case res.Producer != nil:
		metricAppends.WithLabelValues("ok").Inc()
		w.WriteHeader(http.StatusOK)
	case len(body) == 0:
		metricAppends.WithLabelValues("close").Inc()
		w.WriteHeader(http.StatusNoContent)
	default:
		metricAppends.WithLabelValues("ok").Inc()
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

// setProducerEcho emits the committed producer cursor on success responses.
func setProducerEcho(w http.ResponseWriter, p *stream.ProducerTriplet) {
	if p == nil {
		return
	}
	w.Header().Set(stream.HeaderProducerEpoch, strconv.FormatInt(p.Epoch, 10))
	w.Header().Set(stream.HeaderProducerSeq, strconv.FormatInt(p.Seq, 10))
}

// handleDelete handles DELETE requests to delete a stream
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, streamID string) error {
	coord := h.registry.Get(streamID)
	if err := coord.Delete(r.Context()); err != nil {
		return err
	}
	h.registry.Evict(streamID)

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func parseStreamClosed(val string) (bool, error) {
	switch val {
	case "":
		return false, nil
	case "true":
		return true, nil
	default:
		return false, httpBadRequest("invalid Stream-Closed value")
	}
}

func httpBadRequest(msg string) error {
	return &stream.BadRequestError{Msg: msg}
}

// requestURL reconstructs the absolute URL for the Location header.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

// parseTTL parses and validates a TTL string according to the protocol
var ttlRegex = regexp.MustCompile(`^[1-9][0-9]*$|^0$`)

func parseTTL(s string) (int64, error) {
	// Integer seconds only: no sign, no leading zeros, no floats.
	if !ttlRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a non-negative integer without leading zeros")
	}
	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL: %w", err)
	}
	return ttl, nil
}
