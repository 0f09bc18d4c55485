package rest

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arbiterops/arbiter/internal/engine"
	"github.com/arbiterops/arbiter/internal/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth happened in middleware; origin policy is delegated to CORS.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	streamPollInterval = time.Second
	streamWriteWait    = 10 * time.Second
)

// StreamSessionLogs handles GET /api/v1/sessions/{session_id}/logs/stream:
// a WebSocket that tails the session log stream. Existing lines are sent on
// connect, new ones as they appear; the stream closes when the session
// reaches a terminal status.
func (h *Handler) StreamSessionLogs(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.SessionLogStreamsActive.Inc()
	defer metrics.SessionLogStreamsActive.Dec()

	// Reader goroutine notices client disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	sent := 0
	for {
		lines := h.sessions.GetLogs(r.Context(), sessionID)
		for ; sent < len(lines); sent++ {
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(lines[sent])); err != nil {
				return
			}
		}

		if doc := h.sessions.Get(r.Context(), sessionID); doc != nil {
			if status, _ := doc["status"].(string); status == engine.StatusCompleted || status == engine.StatusError {
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, status))
				return
			}
		}

		select {
		case <-ticker.C:
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
