// Package server provides the HTTP and WebSocket surface of the session
// coordinator.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/workspace/session-coordinator/internal/config"
	"github.com/workspace/session-coordinator/internal/hub"
)

// Server is the HTTP server for the session coordinator.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	hub        *hub.Hub
	handler    http.Handler
}

// New creates a server that routes sessions through h.
func New(cfg *config.Config, h *hub.Hub) *Server {
	s := &Server{
		config: cfg,
		hub:    h,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.handler = corsMiddleware(mux, cfg.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	slog.Info("Starting session coordinator", "addr", s.httpServer.Addr, "dataDir", s.config.DataDir)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server and releases every coordinator.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.hub.Close()
	return err
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Clients and the sandbox share one socket endpoint; the first frame
	// decides which one a connection is.
	mux.HandleFunc("GET /sessions/{sessionId}/ws", s.handleSessionWS)

	// Control API for the supervising service.
	mux.HandleFunc("POST /sessions/{sessionId}/internal/init", s.internal(s.handleInit))
	mux.HandleFunc("GET /sessions/{sessionId}/internal/state", s.internal(s.handleState))
	mux.HandleFunc("POST /sessions/{sessionId}/internal/prompt", s.internal(s.handlePrompt))
	mux.HandleFunc("POST /sessions/{sessionId}/internal/stop", s.internal(s.handleStop))
	mux.HandleFunc("POST /sessions/{sessionId}/internal/sandbox-event", s.internal(s.handleSandboxEvent))
	mux.HandleFunc("GET /sessions/{sessionId}/internal/events", s.internal(s.handleListEvents))
	mux.HandleFunc("GET /sessions/{sessionId}/internal/messages", s.internal(s.handleListMessages))
	mux.HandleFunc("GET /sessions/{sessionId}/internal/pending", s.internal(s.handlePending))
	mux.HandleFunc("POST /sessions/{sessionId}/internal/archive", s.internal(s.handleArchive))
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			if strings.Contains(o, "*.") && matchWildcardOrigin(origin, o) {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
