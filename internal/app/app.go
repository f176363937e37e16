// Package app provides application lifecycle management for the framesync
// server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/framesync-dev/framesync/internal/config"
)

// App encapsulates all components needed to run the framesync server.
// It provides lifecycle management and graceful shutdown capabilities.
type App struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// Start runs the HTTP server and the background loops (coordinator, cache
// sweeper, pool reaper) under one group. Blocks until the server stops or a
// loop fails.
func (app *App) Start() error {
	g, gctx := errgroup.WithContext(app.ctx)

	g.Go(func() error {
		return app.components.Coordinator.Start(gctx)
	})
	g.Go(func() error {
		return app.components.Cache.Start(gctx)
	})
	g.Go(func() error {
		return app.components.Pool.Start(gctx)
	})

	g.Go(func() error {
		slog.Info("Server listening", "address", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Close the listener when any loop fails or the app is stopped
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return app.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Stop gracefully stops the application with the given timeout
func (app *App) Stop(timeout time.Duration) error {
	slog.Info("Shutting down server...")

	if err := app.components.Coordinator.Stop(); err != nil {
		slog.Error("Failed to stop coordinator", "error", err)
	}
	if err := app.components.Cache.Stop(); err != nil {
		slog.Error("Failed to stop asset cache sweeper", "error", err)
	}
	if err := app.components.Pool.Close(); err != nil {
		slog.Error("Failed to close instance pool", "error", err)
	}

	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	if err := app.components.Telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down telemetry", "error", err)
	}

	slog.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *App) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *App) GetHTTPServer() *http.Server {
	return app.httpServer
}

// Components returns the wired application components
func (app *App) Components() *AppComponents {
	return app.components
}
