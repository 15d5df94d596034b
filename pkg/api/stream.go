package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/odvcencio/guardrail/pkg/telemetry"
)

const heartbeatInterval = 30 * time.Second

// handleEvents streams hub events as server-sent events. The optional
// "type" query parameter keeps only event types with that prefix, e.g.
// type=sql or type=audit.recorded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event hub not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	prefix := strings.TrimSpace(r.URL.Query().Get("type"))
	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	send := func(ev telemetry.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		if _, err := w.Write([]byte("event: " + string(ev.Type) + "\ndata: " + string(data) + "\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(telemetry.Event{Type: "connected", Timestamp: time.Now(), Data: map[string]any{"filter": prefix}}) {
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !send(telemetry.Event{Type: "heartbeat", Timestamp: time.Now()}) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if prefix != "" && !strings.HasPrefix(string(ev.Type), prefix) {
				continue
			}
			if !send(ev) {
				return
			}
		}
	}
}
