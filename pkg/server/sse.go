package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ha1tch/bizzgraph/pkg/progress"
)

// keepAliveInterval is how often an idle progress stream sends a comment
const keepAliveInterval = 30 * time.Second

// handleProgress streams progress bus events as server-sent events
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.bus == nil {
		s.writeError(w, http.StatusServiceUnavailable, "progress stream is not configured")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, unsubscribe := s.bus.Subscribe(progress.DefaultBuffer)
	defer unsubscribe()

	if err := writeEvent(w, map[string]string{"type": "connected", "message": "Connection established"}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
