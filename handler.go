package streamd

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durable-streams/streamd/store"
	"github.com/durable-streams/streamd/stream"
)

// Protocol header names
const (
	HeaderStreamNextOffset     = "Stream-Next-Offset"
	HeaderStreamCursor         = "Stream-Cursor"
	HeaderStreamUpToDate       = "Stream-Up-To-Date"
	HeaderStreamClosed         = "Stream-Closed"
	HeaderStreamSeq            = "Stream-Seq"
	HeaderStreamTTL            = "Stream-TTL"
	HeaderStreamExpiresAt      = "Stream-Expires-At"
	HeaderStreamWriteTimestamp = "Stream-Write-Timestamp"
)

// ServeHTTP implements caddyhttp.MiddlewareHandler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	// Set CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers",
		"Content-Type, Stream-Seq, Stream-Closed, Stream-TTL, Stream-Expires-At, "+
			"Producer-Id, Producer-Epoch, Producer-Seq, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers",
		"Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, "+
			"Stream-Write-Timestamp, Producer-Expected-Seq, Producer-Received-Seq, ETag, Location")

	// Handle preflight
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	streamID := r.URL.Path

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("stream", streamID),
		zap.String("query", r.URL.RawQuery))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, streamID)
	case http.MethodHead:
		err = h.handleHead(w, r, streamID)
	case http.MethodGet:
		err = h.handleRead(w, r, streamID)
	case http.MethodPost:
		err = h.handleAppend(w, r, streamID)
	case http.MethodDelete:
		err = h.handleDelete(w, r, streamID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

// writeError maps domain errors onto the protocol's status codes. Producer
// sequence conflicts carry diagnostic headers so a client can resynchronize.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var badReq *stream.BadRequestError
	var conflict *stream.ConflictError
	var seqErr *stream.ProducerSeqError
	var epochErr *stream.StaleEpochError

	switch {
	case errors.As(err, &badReq):
		http.Error(w, badReq.Msg, http.StatusBadRequest)
	case errors.Is(err, stream.ErrNotFound):
		http.Error(w, "stream not found", http.StatusNotFound)
	case errors.As(err, &seqErr):
		w.Header().Set(stream.HeaderProducerExpectedSeq, strconv.FormatInt(seqErr.ExpectedSeq, 10))
		w.Header().Set(stream.HeaderProducerReceivedSeq, strconv.FormatInt(seqErr.ReceivedSeq, 10))
		http.Error(w, seqErr.Error(), http.StatusConflict)
	case errors.As(err, &epochErr):
		http.Error(w, epochErr.Error(), http.StatusConflict)
	case errors.As(err, &conflict):
		http.Error(w, conflict.Msg, http.StatusConflict)
	case errors.Is(err, store.ErrRecordTooLarge):
		http.Error(w, "record exceeds maximum size", http.StatusRequestEntityTooLarge)
	case errors.Is(err, stream.ErrMissingSegment):
		h.logger.Error("cold segment missing", zap.Error(err))
		http.Error(w, "segment data unavailable", http.StatusInternalServerError)
	default:
		h.logger.Error("internal error", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
