// webterm serves reconnectable shell sessions over WebSocket.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workspace/webterm/internal/config"
	"github.com/workspace/webterm/internal/logging"
	"github.com/workspace/webterm/internal/server"
)

func main() {
	logging.Setup()
	slog.Info("Starting webterm...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Stop(ctx)
		cancel()
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down...", "signal", sig.String())
	}

	// Every session is closed with reason shutdown before the listener goes.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}

	slog.Info("webterm stopped")
}
