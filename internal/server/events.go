package server

import (
	"io"
	"net/http"

	"github.com/workspace/session-coordinator/internal/coordinator"
	"github.com/workspace/session-coordinator/internal/persistence"
)

// handleSandboxEvent applies a raw sandbox frame (event, execution_started
// or execution_complete) posted over HTTP instead of the socket.
func (s *Server) handleSandboxEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if !s.do(w, r, func(c *coordinator.Coordinator) error {
		return c.IngestSandboxFrame(r.Context(), raw)
	}) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleListEvents returns persisted events, oldest first. Heartbeats are
// left out unless requested by type or includeHeartbeats=true.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.EventFilter{
		Type:      q.Get("type"),
		MessageID: q.Get("messageId"),
	}
	if filter.Type == "" && q.Get("includeHeartbeats") != "true" {
		filter.ExcludeTypes = []string{persistence.HeartbeatEventType}
	}
	limit := parseLimit(q.Get("limit"), 100, 500)
	offset := parseOffset(q.Get("offset"))

	var events []persistence.Event
	if !s.do(w, r, func(c *coordinator.Coordinator) error {
		var err error
		events, err = c.Events(r.Context(), filter, limit, offset)
		return err
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"limit":  limit,
		"offset": offset,
	})
}
