package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Server exposes /metrics, /health and /ready for one service instance.
type Server struct {
	server   *http.Server
	logger   *zap.Logger
	registry *Registry
	ready    atomic.Bool
}

type ServerConfig struct {
	Port    int           `env:"METRICS_PORT" envDefault:"9090"`
	Timeout time.Duration `env:"METRICS_TIMEOUT" envDefault:"30s"`
}

// NewServer builds the mux. /ready reports 503 until MarkReady is called.
func NewServer(config ServerConfig, service string, registry *Registry, logger *zap.Logger) *Server {
	s := &Server{
		logger:   logger.Named("metrics-server"),
		registry: registry,
	}

	mux := http.NewServeMux()

	mux.Handle("/metrics", registry.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "healthy", service)
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeStatus(w, http.StatusServiceUnavailable, "starting", service)
			return
		}
		writeStatus(w, http.StatusOK, "ready", service)
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
		IdleTimeout:  config.Timeout * 2,
	}

	return s
}

func writeStatus(w http.ResponseWriter, code int, status, service string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q,"service":%q}`, status, service)
}

// MarkReady flips /ready to 200 once subscriptions are running.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

// Handler exposes the mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is done, then drains in-flight scrapes for up to
// five seconds.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("serving metrics", zap.String("addr", s.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down metrics server: %w", err)
	}
	s.logger.Info("metrics server stopped")

	return nil
}
