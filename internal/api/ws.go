package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/perimetra/asm/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Same-origin and local development clients.
		return true
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleWebSocket streams bus events as JSON to a connected client. The
// optional ?topics=scan_line,run_completed query narrows the subscription;
// without it the client sees everything. Each connection rides a bounded
// subscriber queue, so a stalled socket drops old events instead of stalling
// the engine.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var kinds []events.Kind
	if topics := r.URL.Query().Get("topics"); topics != "" {
		for _, t := range strings.Split(topics, ",") {
			if t = strings.TrimSpace(t); t != "" {
				kinds = append(kinds, events.Kind(t))
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session", sessionID, "error", err)
		return
	}

	sub := s.bus.Subscribe(kinds...)
	s.logger.Info("websocket connected", "session", sessionID, "topics", len(kinds))

	// Reader: discard client frames, detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			s.bus.Unsubscribe(sub)
			conn.Close()
			s.logger.Info("websocket disconnected", "session", sessionID, "dropped", sub.Dropped())
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-done:
				return
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}()
}
