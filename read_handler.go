package streamd

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"
	"time"

	"github.com/durable-streams/streamd/store"
	"github.com/durable-streams/streamd/stream"
)

// handleHead handles HEAD requests for stream metadata
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, streamID string) error {
	coord := h.registry.Get(streamID)
	meta, err := coord.Meta()
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, store.EncodeOffset(meta.TailOffset, meta.Salt))
	w.Header().Set("Cache-Control", "no-store")
	if meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if meta.LastWriteMs > 0 {
		w.Header().Set(HeaderStreamWriteTimestamp, strconv.FormatInt(meta.LastWriteMs, 10))
	}
	if meta.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*meta.TTLSeconds, 10))
	}
	if meta.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, meta.ExpiresAt.Format(time.RFC3339))
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

// handleRead handles GET requests to read from a stream
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, streamID string) error {
	coord := h.registry.Get(streamID)
	meta, err := coord.Meta()
	if err != nil {
		return err
	}

	// An explicitly empty offset parameter is distinct from an absent one.
	query := r.URL.Query()
	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return httpBadRequest("multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return httpBadRequest("offset parameter cannot be empty")
		}
	}

	offset, isNow, err := stream.ResolveOffset(offsetStr, meta.TailOffset)
	if err != nil {
		return err
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")

	switch liveMode {
	case "", "long-poll", "sse", "websocket", "ws":
	default:
		return httpBadRequest("invalid live mode")
	}
	if liveMode != "" && !offsetProvided {
		return httpBadRequest("offset required for live modes")
	}

	if liveMode == "sse" {
		return h.handleSSE(w, r, coord, meta, offset, cursor)
	}
	if liveMode == "websocket" || liveMode == "ws" {
		return h.handleWS(w, r, coord, meta, offset)
	}

	longPoll := liveMode == "long-poll"
	canonicalURL := r.URL.RequestURI()
	cfg := coord.Config()

	var res *stream.ReadResult
	if longPoll {
		// A request arriving inside a wake-up window may already have its
		// answer warmed.
		if pre, ok := coord.Precached(canonicalURL); ok {
			metricPrecacheHits.Inc()
			res = pre
		}
	}
	if res == nil {
		res, err = coord.Read(r.Context(), offset, cfg.MaxChunkBytes)
		if err != nil {
			return err
		}
	}

	if longPoll && !res.HasData() && !res.ClosedAtTail {
		res, err = h.longPoll(r, coord, offset, canonicalURL)
		if err != nil {
			return err
		}
		if res == nil {
			// Client went away mid-wait.
			return nil
		}
	}

	mode := "catch-up"
	if longPoll {
		mode = "long-poll"
	}
	metricReads.WithLabelValues(mode).Inc()

	return h.writeReadResult(w, r, streamID, offset, res, longPoll, cursor, isNow, cfg.LongPollCacheSeconds)
}

// longPoll parks the request until the tail passes its offset or the timeout
// elapses. A nil result with nil error means the client disconnected.
func (h *Handler) longPoll(r *http.Request, coord *stream.Coordinator, offset uint64, canonicalURL string) (*stream.ReadResult, error) {
	cfg := coord.Config()
	waiter := coord.Waiters.Park(offset, canonicalURL)
	timer := time.NewTimer(cfg.LongPollTimeout)
	defer timer.Stop()

	select {
	case <-waiter.C:
		metricLongPollWakeups.Inc()
		if pre, ok := coord.Precached(canonicalURL); ok {
			metricPrecacheHits.Inc()
			return pre, nil
		}
		return coord.Read(r.Context(), offset, cfg.MaxChunkBytes)

	case <-timer.C:
		coord.Waiters.Remove(waiter)
		return coord.Read(r.Context(), offset, cfg.MaxChunkBytes)

	case <-r.Context().Done():
		coord.Waiters.Remove(waiter)
		return nil, nil
	}
}

// writeReadResult emits the protocol response for a catch-up or long-poll
// read: offset and state headers, caching directives, and the body when
// there is data.
func (h *Handler) writeReadResult(w http.ResponseWriter, r *http.Request, streamID string, offset uint64, res *stream.ReadResult, longPoll bool, cursor string, noStore bool, cacheSeconds int) error {
	nextOffset := store.EncodeOffset(res.NextOffset, res.Salt)

	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set(HeaderStreamNextOffset, nextOffset)
	if res.UpToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if res.ClosedAtTail {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if res.WriteMs > 0 {
		w.Header().Set(HeaderStreamWriteTimestamp, strconv.FormatInt(res.WriteMs, 10))
	}
	if longPoll && !res.ClosedAtTail {
		// A closed tail is final; no cursor generation is needed to keep
		// cache entries distinct.
		w.Header().Set(HeaderStreamCursor, stream.NextCursor(cursor))
	}

	etag := readETag(streamID, offset, res.NextOffset, res.ClosedAtTail)
	w.Header().Set("ETag", etag)

	switch {
	case noStore:
		// Tail probes resolve differently for every caller.
		w.Header().Set("Cache-Control", "no-store")
	case !res.UpToDate && res.HasData():
		// Mid-stream chunks are immutable.
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	case longPoll:
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", cacheSeconds))
	default:
		w.Header().Set("Cache-Control", "no-store")
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	if !res.HasData() {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(res.Body)
	return err
}

// readETag identifies the exact response: the same next offset reached from
// two different start offsets yields two different bodies, so the start
// offset participates alongside the stream, the next offset, and the closed
// flag.
func readETag(streamID string, offset, nextOffset uint64, closed bool) string {
	hsh := fnv.New64a()
	fmt.Fprintf(hsh, "%s:%d:%d:%t", streamID, offset, nextOffset, closed)
	return fmt.Sprintf(`"%016x"`, hsh.Sum64())
}
