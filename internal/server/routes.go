package server

import (
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/workspace/webterm/internal/pty"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	// The request logger writes through the stdlib logger, which
	// logging.Setup bridges into slog.
	r.Use(chimw.RequestLogger(&chimw.DefaultLogFormatter{Logger: log.Default(), NoColor: true}))
	r.Use(chimw.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// The WebSocket authorizes inside the upgraded connection so rejections
	// reach the client as an error frame.
	r.Get("/terminal/ws", s.handleTerminalWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/terminal/sessions", s.handleListSessions)
		r.Get("/terminal/sessions/history", s.handleSessionHistory)
		r.Delete("/terminal/sessions/{id}", s.handleCloseSession)
	})

	return r
}

// requireAuth rejects requests whose bearer token (or auth_token query
// parameter) the authorizer does not accept.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("auth_token")
		}
		if _, err := s.authorizer.Authorize(token); err != nil {
			s.metrics.AuthFailures.Inc()
			slog.Warn("HTTP auth failed", "path", r.URL.Path, "remoteAddr", r.RemoteAddr, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": s.ptyManager.SessionCount(),
	})
}

// handleListSessions returns the live sessions in the registry.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.ptyManager.List(),
	})
}

// handleSessionHistory returns journaled sessions, newest first.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "session journal is disabled")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.store.RecentSessions(limit)
	if err != nil {
		slog.Error("Failed to read session journal", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read session history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": records,
	})
}

// handleCloseSession kills a session, as a close frame would.
func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.ptyManager.CloseSession(id)
	switch {
	case errors.Is(err, pty.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		slog.Warn("Failed to close terminal session", "sessionID", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to close session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

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
