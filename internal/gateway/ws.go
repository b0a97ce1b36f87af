package gateway

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is the wire form of one bus event pushed to a connected client.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS streams bus events to the client. The optional ?topic= query
// parameter narrows the stream to a topic prefix (e.g. "action." or
// "escalation."). The stream is push-only; client frames are ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.EventBus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests always pass; cross-origin needs an explicit
		// allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	slog.Info("ws: event stream client connected")
	defer func() {
		slog.Info("ws: event stream client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.EventBus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.EventBus.Unsubscribe(sub)

	// CloseRead surfaces client disconnects as context cancellation.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, wsEvent{Topic: event.Topic, Payload: event.Payload}); err != nil {
				slog.Error("ws: write event failed", "topic", event.Topic, "error", err)
				return
			}
		}
	}
}
