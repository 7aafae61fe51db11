package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/session-coordinator/internal/hub"
	"github.com/workspace/session-coordinator/internal/transport"
)

// createUpgrader creates a WebSocket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins are checked explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - sandbox or other non-browser client
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks if the given origin is in the allowed list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}

	// The subdomain part must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}

// handleSessionWS upgrades a socket for a session. Clients and the sandbox
// both connect here and identify themselves with their first frame.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if !hub.ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	upgrader := s.createUpgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "sessionId", sessionID, "error", err)
		return
	}

	conn := transport.NewWSConn(uuid.NewString(), ws, s.config.WSSendBuffer)
	// The request context ends with the handler; socket teardown must
	// still reach the coordinator.
	ctx := context.WithoutCancel(r.Context())
	defer func() {
		if err := s.hub.Detach(ctx, sessionID, conn); err != nil {
			slog.Warn("Failed to detach socket", "sessionId", sessionID, "connId", conn.ID(), "error", err)
		}
	}()

	if err := s.hub.Attach(ctx, sessionID, conn); err != nil {
		slog.Error("Failed to attach socket", "sessionId", sessionID, "connId", conn.ID(), "error", err)
		_ = conn.Close(websocket.CloseInternalServerErr, "session unavailable")
		<-conn.Done()
		return
	}

	slog.Debug("WebSocket connected", "sessionId", sessionID, "connId", conn.ID())
	err = conn.ReadLoop(func(data []byte) {
		if err := s.hub.Dispatch(ctx, sessionID, conn, data); err != nil {
			slog.Warn("Failed to dispatch frame", "sessionId", sessionID, "connId", conn.ID(), "error", err)
		}
	})
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Debug("WebSocket closed unexpectedly", "sessionId", sessionID, "connId", conn.ID(), "error", err)
	}
}
