package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/svettore/spoold/internal/logger"
	"github.com/svettore/spoold/pkg/config"
	"github.com/svettore/spoold/pkg/pool"
)

// Server provides the HTTP management API.
//
// The server exposes health check endpoints and the pool control API.
// It supports graceful shutdown with configurable timeout.
type Server struct {
	server       *http.Server
	config       config.APIConfig
	shutdownOnce sync.Once
}

// NewServer creates a new management API server.
//
// The server is created in a stopped state. Call Start() to begin serving
// requests. The pool is the capability every handler acts through; pass
// pool.Disconnected{} while the pool is not connected yet.
func NewServer(cfg config.APIConfig, p pool.Pool) *Server {
	// The per-request timeout must leave headroom for the server to write
	// the response after the handler finishes.
	requestTimeout := cfg.WriteTimeout - time.Second
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	router := NewRouter(p, requestTimeout)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &Server{
		server: server,
		config: cfg,
	}
}

// Start starts the API HTTP server and blocks until the context is cancelled
// or an error occurs.
//
// When the context is cancelled, Start initiates graceful shutdown and returns.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "port", s.config.Port)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
				// Context was cancelled, error is not needed
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		// Don't use the cancelled ctx as it would cause immediate shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop initiates graceful shutdown of the API server.
//
// Stop is safe to call multiple times and safe to call concurrently with Start().
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("API server shutdown initiated")

		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", logger.KeyError, err)
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the TCP port the server is listening on.
func (s *Server) Port() int {
	return s.config.Port
}
