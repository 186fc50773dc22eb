package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cryoboost/server/internal/clog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const writeTimeout = 10 * time.Second

// subscribeProgress implements spec §6's subscribe_progress: one
// WebSocket per project streaming {per-job status, aggregate counters}
// deltas (spec §4.9, §4.10).
func (s *Server) subscribeProgress(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "path is required")
		return
	}

	s.deps.mu.Lock()
	rt, ok := s.deps.runtimes[path]
	s.deps.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "project is not open")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		clog.Log.WithError(err).Warn("api: websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := rt.watcher.Subscribe()
	defer unsubscribe()

	// Drain client reads so a closed connection is detected promptly;
	// the client never needs to send anything on this stream.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for snap := range events {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}
