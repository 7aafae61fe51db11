package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/workspace/session-coordinator/internal/coordinator"
	"github.com/workspace/session-coordinator/internal/hub"
	"github.com/workspace/session-coordinator/internal/persistence"
	"github.com/workspace/session-coordinator/internal/protocol"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeCodedError writes an error response carrying a protocol error code.
func writeCodedError(w http.ResponseWriter, status int, code protocol.ErrorCode, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  string(code),
	})
}

// internal wraps a control API handler with bearer token authentication.
func (s *Server) internal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireInternalAuth(w, r) {
			return
		}
		next(w, r)
	}
}

func (s *Server) requireInternalAuth(w http.ResponseWriter, r *http.Request) bool {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "missing Authorization header")
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.InternalAPIToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid internal token")
		return false
	}
	return true
}

// do runs fn against the coordinator named by the request path and writes
// any failure. It reports whether fn succeeded.
func (s *Server) do(w http.ResponseWriter, r *http.Request, fn func(*coordinator.Coordinator) error) bool {
	if err := s.hub.Do(r.PathValue("sessionId"), fn); err != nil {
		writeCoordinatorError(w, r, err)
		return false
	}
	return true
}

// writeCoordinatorError maps coordinator and protocol errors to HTTP status codes.
func writeCoordinatorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, hub.ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, "invalid session id")
	case errors.Is(err, hub.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	case errors.Is(err, coordinator.ErrNotInitialized):
		writeCodedError(w, http.StatusNotFound, protocol.CodeNotInitialized, "session not initialized")
	case errors.Is(err, coordinator.ErrArchived), errors.Is(err, persistence.ErrSessionArchived):
		writeCodedError(w, http.StatusConflict, protocol.CodeSessionArchived, "session archived")
	case errors.Is(err, coordinator.ErrUnknownMessage):
		writeCodedError(w, http.StatusNotFound, protocol.CodeUnknownMessage, err.Error())
	case errors.Is(err, persistence.ErrSessionMismatch):
		writeError(w, http.StatusConflict, "store belongs to a different session")
	case errors.Is(err, coordinator.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "session unavailable")
	default:
		var pe *protocol.Error
		if errors.As(err, &pe) {
			writeCodedError(w, http.StatusBadRequest, pe.Code, pe.Message)
			return
		}
		slog.Error("Control request failed", "path", r.URL.Path, "sessionId", r.PathValue("sessionId"), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// parseLimit parses a page size, defaulting to def and capping at max.
func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return def
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOffset(raw string) int {
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}
