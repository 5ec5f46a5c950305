package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the inbound HTTP adapter: decision API, health, metrics and
// the optional admin API on one listener.
type Server struct {
	decisions       *DecisionHandler
	server          *http.Server
	addr            string
	logger          *slog.Logger
	adminHandler    http.Handler
	metrics         *Metrics
	gatherer        prometheus.Gatherer
	healthChecker   *HealthChecker
	shutdownTimeout time.Duration
	listening       chan net.Addr
}

// Option is a functional option for configuring Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAdminHandler mounts h under /admin/api/.
func WithAdminHandler(h http.Handler) Option {
	return func(s *Server) {
		s.adminHandler = h
	}
}

// WithMetrics records request metrics and serves gatherer on /metrics.
func WithMetrics(m *Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.healthChecker = hc
	}
}

// WithShutdownTimeout bounds graceful shutdown. Default 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer creates the HTTP server around the decision handler.
func NewServer(decisions *DecisionHandler, opts ...Option) *Server {
	s := &Server{
		decisions:       decisions,
		addr:            "127.0.0.1:8080",
		logger:          slog.Default(),
		shutdownTimeout: 10 * time.Second,
		listening:       make(chan net.Addr, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.decisions.Register(mux)

	if s.adminHandler != nil {
		mux.Handle("/admin/api/", s.adminHandler)
	}
	if s.healthChecker != nil {
		mux.Handle("GET /health", s.healthChecker.Handler())
	} else {
		mux.Handle("GET /health", NewHealthChecker(nil, nil, "").Handler())
	}
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Outermost first: metrics, request ID, trace context, routes.
	var handler http.Handler = mux
	handler = TraceContextMiddleware(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	if s.metrics != nil {
		handler = MetricsMiddleware(s.metrics)(handler)
	}
	return handler
}

// Listening yields the bound address once Start is accepting connections.
func (s *Server) Listening() <-chan net.Addr { return s.listening }

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.listening <- ln.Addr()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}
