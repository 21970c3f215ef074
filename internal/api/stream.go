package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// streamItems handles GET /v1/items/stream?status=&kind=&target= as
// Server-Sent Events. Each event is named after its change kind and carries
// the live.Event as JSON. A lagged view ends with an "error" event so the
// client can resubscribe.
func (s *Server) streamItems(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeError(w, http.StatusServiceUnavailable, "live view unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.live.Subscribe(r.Context(), filter)
	if err != nil {
		s.writeQueueError(w, "open live view", err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					_ = writeSSE(w, "error", map[string]string{"error": err.Error()})
					flusher.Flush()
				}
				return
			}
			if err := writeSSE(w, string(evt.Kind), evt); err != nil {
				s.logger.Debug("live stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, name string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, body); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
