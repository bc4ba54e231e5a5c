package streamd

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/durable-streams/streamd/store"
	"github.com/durable-streams/streamd/stream"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The HTTP layer already answers CORS for the stream surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is the wire form of one delivery on the WebSocket bridge. Control
// frames carry the ControlFrame fields flattened at the top level next to
// the type discriminator.
type wsFrame struct {
	Type       string `json:"type"`
	Payload    string `json:"payload,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Offset     string `json:"offset,omitempty"`
	NextOffset string `json:"nextOffset,omitempty"`

	*stream.ControlFrame
}

// handleWS bridges a stream onto a WebSocket: catch up from storage, then
// forward live broadcasts. Non-textual payloads travel base64-encoded.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request, coord *stream.Coordinator, meta *store.StreamRecord, offset uint64) error {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return nil
	}
	defer conn.Close()

	metricReads.WithLabelValues("ws").Inc()
	metricLiveSubscribers.Inc()
	defer metricLiveSubscribers.Dec()

	sub := coord.Subs.Add()
	defer coord.Subs.Remove(sub)

	// Reader loop only watches for the client going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	textual := stream.IsTextual(meta.ContentType)
	cfg := coord.Config()
	cur := offset

	for {
		res, rerr := coord.Read(r.Context(), cur, cfg.MaxChunkBytes)
		if rerr != nil {
			wsCloseWith(conn, websocket.CloseInternalServerErr, "read failed")
			return nil
		}
		if res.HasData() {
			msgOffset := res.StartOffset
			strategy := stream.StrategyFor(res.ContentType)
			for _, msg := range res.Messages {
				next := msgOffset + stream.MessageSpan(strategy, msg)
				if werr := wsWriteFrame(conn, wsDataFrame(msg, msgOffset, next, res.Salt, textual)); werr != nil {
					return nil
				}
				msgOffset = next
			}
			cur = res.NextOffset
		}
		if werr := wsWriteFrame(conn, wsFrame{
			Type: "control",
			ControlFrame: &stream.ControlFrame{
				StreamNextOffset:     store.EncodeOffset(cur, res.Salt),
				UpToDate:             res.UpToDate,
				StreamClosed:         res.ClosedAtTail,
				StreamWriteTimestamp: res.WriteMs,
			},
		}); werr != nil {
			return nil
		}
		if res.ClosedAtTail {
			wsCloseWith(conn, websocket.CloseNormalClosure, "stream closed")
			return nil
		}
		if res.UpToDate {
			break
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	salt := meta.Salt
	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-clientGone:
			return nil
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-sub.Done:
			cur = wsDrain(conn, sub, cur, salt, textual)
			wsCloseWith(conn, websocket.CloseNormalClosure, "stream closed")
			return nil
		case ev := <-sub.Events:
			var werr error
			cur, werr = wsForward(conn, ev, cur, salt, textual)
			if werr != nil {
				return nil
			}
		}
	}
}

// wsForward writes one broadcast event, skipping data already served.
func wsForward(conn *websocket.Conn, ev stream.Event, cur uint64, salt string, textual bool) (uint64, error) {
	switch ev.Type {
	case "data":
		if ev.NextOffset <= cur {
			return cur, nil
		}
		if err := wsWriteFrame(conn, wsDataFrame(ev.Payload, ev.Offset, ev.NextOffset, salt, textual)); err != nil {
			return cur, err
		}
		return ev.NextOffset, nil
	case "control":
		return cur, wsWriteFrame(conn, wsFrame{Type: "control", ControlFrame: ev.Control})
	}
	return cur, nil
}

// wsDrain delivers the queued remainder after the subscriber was closed.
func wsDrain(conn *websocket.Conn, sub *stream.Subscriber, cur uint64, salt string, textual bool) uint64 {
	for {
		select {
		case ev := <-sub.Events:
			next, err := wsForward(conn, ev, cur, salt, textual)
			if err != nil {
				return cur
			}
			cur = next
		default:
			return cur
		}
	}
}

func wsDataFrame(payload []byte, offset, next uint64, salt string, textual bool) wsFrame {
	frame := wsFrame{
		Type:       "data",
		Offset:     store.EncodeOffset(offset, salt),
		NextOffset: store.EncodeOffset(next, salt),
	}
	if textual {
		frame.Payload = string(payload)
	} else {
		frame.Payload = base64.StdEncoding.EncodeToString(payload)
		frame.Encoding = "base64"
	}
	return frame
}

func wsWriteFrame(conn *websocket.Conn, frame wsFrame) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(frame)
}

func wsCloseWith(conn *websocket.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
