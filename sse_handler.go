package streamd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/durable-streams/streamd/store"
	"github.com/durable-streams/streamd/stream"
)

// handleSSE handles Server-Sent Events streaming: catch up from storage,
// then follow live broadcasts until the reconnect interval, client
// disconnect, or stream close.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, coord *stream.Coordinator, meta *store.StreamRecord, offset uint64, cursor string) error {
	if !stream.IsTextual(meta.ContentType) {
		return httpBadRequest("SSE mode requires text/* or application/json content type")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metricReads.WithLabelValues("sse").Inc()
	metricLiveSubscribers.Inc()
	defer metricLiveSubscribers.Dec()

	// Subscribe before the catch-up reads so no commit can fall between
	// them; events the catch-up already covered are dropped by offset.
	sub := coord.Subs.Add()
	defer coord.Subs.Remove(sub)

	cfg := coord.Config()
	ctx := r.Context()
	cur := offset

	for {
		res, err := coord.Read(ctx, cur, cfg.MaxChunkBytes)
		if err != nil {
			return nil
		}
		if res.HasData() {
			writeSSEData(w, res.Body)
			cur = res.NextOffset
		}
		frame := stream.ControlFrame{
			StreamNextOffset:     store.EncodeOffset(cur, res.Salt),
			UpToDate:             res.UpToDate,
			StreamClosed:         res.ClosedAtTail,
			StreamWriteTimestamp: res.WriteMs,
		}
		if !frame.StreamClosed {
			// A closed tail is final; the terminal frame carries no cursor.
			frame.StreamCursor = stream.NextCursor(cursor)
		}
		writeSSEControl(w, frame)
		flusher.Flush()
		if res.ClosedAtTail {
			return nil
		}
		if res.UpToDate {
			break
		}
	}

	reconnect := time.NewTimer(cfg.SSEReconnect)
	defer reconnect.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconnect.C:
			// Close so an edge cache can collapse reconnecting clients.
			return nil
		case <-sub.Done:
			drainSSE(w, sub, cur, cursor)
			flusher.Flush()
			return nil
		case ev := <-sub.Events:
			cur = writeSSEEvent(w, ev, cur, cursor)
			flusher.Flush()
		}
	}
}

// writeSSEEvent emits one broadcast event, skipping data the catch-up phase
// already delivered. Returns the advanced offset.
func writeSSEEvent(w http.ResponseWriter, ev stream.Event, cur uint64, clientCursor string) uint64 {
	switch ev.Type {
	case "data":
		if ev.NextOffset <= cur {
			return cur
		}
		writeSSEData(w, ev.Payload)
		return ev.NextOffset
	case "control":
		frame := *ev.Control
		frame.StreamCursor = ""
		if !frame.StreamClosed {
			frame.StreamCursor = stream.NextCursor(clientCursor)
		}
		writeSSEControl(w, frame)
	}
	return cur
}

// drainSSE flushes whatever the broadcast queue still holds after the
// subscriber was closed (the final control frame carries the closed flag).
func drainSSE(w http.ResponseWriter, sub *stream.Subscriber, cur uint64, clientCursor string) {
	for {
		select {
		case ev := <-sub.Events:
			cur = writeSSEEvent(w, ev, cur, clientCursor)
		default:
			return
		}
	}
}

func writeSSEData(w http.ResponseWriter, body []byte) {
	fmt.Fprintf(w, "event: data\n")
	for _, line := range splitSSELines(string(body)) {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprintf(w, "\n")
}

// splitSSELines splits on every line-break form (\r\n, \n, \r); a bare \r
// inside a data field would otherwise break the event framing.
func splitSSELines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

func writeSSEControl(w http.ResponseWriter, frame stream.ControlFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: control\ndata: %s\n\n", payload)
}
