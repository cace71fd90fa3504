// Package server provides the HTTP server for the terminal service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/workspace/webterm/internal/auth"
	"github.com/workspace/webterm/internal/config"
	"github.com/workspace/webterm/internal/logging"
	"github.com/workspace/webterm/internal/metrics"
	"github.com/workspace/webterm/internal/persistence"
	"github.com/workspace/webterm/internal/pty"
)

// Server is the HTTP server for the terminal service.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	router     chi.Router
	authorizer auth.Authorizer
	ptyManager *pty.Manager
	metrics    *metrics.Collector
	store      *persistence.Store

	// ctx lives as long as the server; background work (sweeper, JWKS
	// refresh) stops when Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new server instance.
func New(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	authorizer, err := newAuthorizer(ctx, cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create authorizer: %w", err)
	}

	collector := metrics.New()
	observers := pty.Observers{collector}

	// The journal is optional; without a path sessions are only tracked in
	// memory.
	var store *persistence.Store
	if cfg.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
			cancel()
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		store, err = persistence.Open(cfg.JournalPath)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open session journal: %w", err)
		}
		if n, err := store.CloseAbandoned(time.Now()); err != nil {
			slog.Warn("Failed to close abandoned journal entries", "error", err)
		} else if n > 0 {
			slog.Info("Closed journal entries left open by a previous run", "count", n)
		}
		observers = append(observers, store)
	}

	ptyManager := pty.NewManager(pty.ManagerConfig{
		Shell:       cfg.DefaultShell,
		DefaultRows: cfg.DefaultRows,
		DefaultCols: cfg.DefaultCols,
		BufferChars: cfg.MaxBufferChars,
		IdleTTL:     cfg.IdleTTL(),
		KillGrace:   cfg.KillGrace,
		MaxSessions: cfg.MaxSessions,
		Observer:    observers,
	})

	s := &Server{
		config:     cfg,
		authorizer: authorizer,
		ptyManager: ptyManager,
		metrics:    collector,
		store:      store,
		ctx:        ctx,
		cancel:     cancel,
	}

	s.router = s.setupRoutes()

	// WriteTimeout is intentionally left at 0 because WebSocket connections
	// are long-lived. http.Server.WriteTimeout sets a deadline on the
	// underlying net.Conn before the handler runs, which kills hijacked
	// connections. Per-frame deadlines are applied by the transport instead.
	s.httpServer = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     s.router,
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
		ErrorLog:    logging.ErrorLog("http"),
	}

	return s, nil
}

// newAuthorizer builds the connection authorizer from the configured modes.
// Several modes may be active at once; a token passing any of them is
// accepted.
func newAuthorizer(ctx context.Context, cfg *config.Config) (auth.Authorizer, error) {
	if cfg.AuthDisabled {
		slog.Warn("Authentication disabled: every terminal connection is accepted")
		return auth.AllowAll{}, nil
	}

	var all auth.Any
	if cfg.AuthToken != "" {
		all = append(all, auth.StaticToken(cfg.AuthToken))
	}
	if cfg.JWTSecret != "" {
		v, err := auth.NewHMACValidator([]byte(cfg.JWTSecret), cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		all = append(all, v)
	}
	if cfg.JWKSURL != "" {
		v, err := auth.NewJWKSValidator(ctx, cfg.JWKSURL, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		all = append(all, v)
	}

	switch len(all) {
	case 0:
		return nil, fmt.Errorf("no authentication mode configured")
	case 1:
		return all[0], nil
	default:
		return all, nil
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Manager returns the session registry.
func (s *Server) Manager() *pty.Manager {
	return s.ptyManager
}

// Start starts the sweeper and the HTTP server. It blocks until the server
// stops.
func (s *Server) Start() error {
	s.ptyManager.StartSweeper(s.ctx, s.config.SweepInterval)

	slog.Info("Starting terminal server",
		"addr", s.httpServer.Addr,
		"shell", s.ptyManager.Shell(),
		"idleTTL", s.config.IdleTTL().String(),
		"maxBufferChars", s.config.MaxBufferChars,
	)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	// Stop the sweeper and JWKS refresh.
	s.cancel()

	// Close all PTY sessions; connected clients get their close frame here.
	s.ptyManager.CloseAll()

	// Close the journal after the sessions so their close records land.
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("Failed to close session journal", "error", err)
		}
	}

	return s.httpServer.Shutdown(ctx)
}

// metricsMiddleware records request counts and latency per route pattern.
// The pattern is read after the handler runs, once chi has resolved it.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		switch {
		case status != 0:
		case r.Header.Get("Upgrade") != "":
			// The upgrader writes 101 on the hijacked connection.
			status = http.StatusSwitchingProtocols
		default:
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(r.Method, route, status, time.Since(start))
	})
}
