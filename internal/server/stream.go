package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/internal/events"
)

// writeTimeout bounds a single frame write to a stream client.
const writeTimeout = 5 * time.Second

// handleEvents upgrades to a websocket and forwards hub events until the
// client goes away or the server shuts down. The frame codec follows the
// negotiated subprotocol; clients that offer none get JSON text frames.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	types, err := parseTypes(r.URL.Query().Get("types"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   events.Subprotocols(),
		OriginPatterns: s.origins,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		slog.Debug("server: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	codec := events.CodecFor(conn.Subprotocol())
	msgType := websocket.MessageText
	if codec.Binary() {
		msgType = websocket.MessageBinary
	}

	sub := s.hub.Subscribe(types...)
	defer sub.Close()

	// The client only ever reads; CloseRead handles control frames and
	// cancels ctx when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	slog.Info("event stream connected", "remote", r.RemoteAddr, "subprotocol", codec.Subprotocol())
	defer func() {
		slog.Info("event stream disconnected", "remote", r.RemoteAddr, "dropped", sub.Dropped())
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case e, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event hub closed")
				return
			}
			data, err := codec.Marshal(e)
			if err != nil {
				slog.Warn("server: marshal event", "type", e.Type, "err", err)
				continue
			}
			if err := writeFrame(ctx, conn, msgType, data); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Debug("server: write event", "err", err)
				}
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, typ, data)
}

// parseTypes splits a comma-separated filter. An empty filter means all types.
func parseTypes(raw string) ([]events.Type, error) {
	if raw == "" {
		return nil, nil
	}
	var out []events.Type
	for _, part := range strings.Split(raw, ",") {
		t := events.Type(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if !t.IsValid() {
			return nil, badRequest{msg: "unknown event type " + string(t)}
		}
		out = append(out, t)
	}
	return out, nil
}
