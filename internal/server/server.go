// ABOUTME: The two websocket listeners and their HTTP plumbing.
// ABOUTME: Provider and consumer endpoints, health checks, and graceful shutdown.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/toolbridge/internal/config"
	"github.com/2389/toolbridge/internal/relay"
)

// ServerName identifies the relay in consumer initialize responses.
const ServerName = "toolbridge"

// Server runs the provider and consumer websocket listeners. All routing
// decisions live in the relay; this layer only validates frames, enforces
// per-connection limits, and moves bytes.
type Server struct {
	cfg     config.ServerConfig
	router  *relay.Router
	logger  *slog.Logger
	version string
}

// New creates a Server.
func New(cfg config.ServerConfig, router *relay.Router, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, router: router, logger: logger, version: version}
}

// ProviderHandler returns the HTTP handler for the provider listener.
func (s *Server) ProviderHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleProvider)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ConsumerHandler returns the HTTP handler for the consumer listener.
func (s *Server) ConsumerHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleConsumer)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// Run starts both listeners and blocks until the context is cancelled or a
// listener fails. Shutdown is graceful with a short drain window.
func (s *Server) Run(ctx context.Context) error {
	providerSrv := &http.Server{
		Addr:        s.cfg.ProviderAddr,
		Handler:     s.ProviderHandler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	consumerSrv := &http.Server{
		Addr:        s.cfg.ConsumerAddr,
		Handler:     s.ConsumerHandler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("provider listener started", "addr", s.cfg.ProviderAddr)
		if err := providerSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("provider listener: %w", err)
		}
	}()
	go func() {
		s.logger.Info("consumer listener started", "addr", s.cfg.ConsumerAddr)
		if err := consumerSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("consumer listener: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = providerSrv.Shutdown(shutdownCtx)
	_ = consumerSrv.Shutdown(shutdownCtx)
	s.logger.Info("listeners stopped")
	return runErr
}

// newLimiter builds the per-connection inbound frame limiter.
func (s *Server) newLimiter() *rate.Limiter {
	r := s.cfg.MessageRate
	if r <= 0 {
		r = 50
	}
	burst := s.cfg.MessageBurst
	if burst <= 0 {
		burst = int(r) * 2
	}
	return rate.NewLimiter(rate.Limit(r), burst)
}
