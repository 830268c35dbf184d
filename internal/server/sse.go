// ABOUTME: Server-sent events endpoint streaming the coordination event feed
// ABOUTME: Each bus event becomes one SSE message; slow clients drop events, never block

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents streams bus events to the client as SSE until the client
// disconnects. Requires the same bearer auth as the RPC surface.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	ident, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	if s.bus == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}

	ch, subID := s.bus.Subscribe(r.Context())
	s.logger.Info("event stream opened", "agent_id", ident.AgentID, "subscriber_id", subID)
	defer s.logger.Info("event stream closed", "agent_id", ident.AgentID, "subscriber_id", subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(map[string]any{
				"payload":   event.Payload,
				"timestamp": event.Timestamp,
			})
			if err != nil {
				s.logger.Error("failed to marshal event", "type", event.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
