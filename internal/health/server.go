// Package health serves the busd /healthz endpoint.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Server reports whether the bus store is reachable.
type Server struct {
	client *bus.Client
	addr   string
	logger zerolog.Logger
	tp     trace.TracerProvider
	server *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithTracerProvider traces every request with tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		if tp != nil {
			s.tp = tp
		}
	}
}

// Response is the JSON body of /healthz.
type Response struct {
	Status     string `json:"status"`
	Redis      string `json:"redis,omitempty"`
	RetryQueue int64  `json:"retry_queue"`
	Error      string `json:"error,omitempty"`
}

// NewServer creates a health server that will listen on addr.
func NewServer(client *bus.Client, addr string, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		client: client,
		addr:   addr,
		logger: logger.With().Str("component", "health").Logger(),
		tp:     otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routes served by the health server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	return otelhttp.NewHandler(r, "healthz", otelhttp.WithTracerProvider(s.tp))
}

// Start listens on the configured address and serves in the background.
// It returns once the listener is bound, so a port conflict surfaces here.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("health server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("health server listening")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// healthz returns 200 when Redis answers within two seconds, 503 otherwise.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := Response{Status: "healthy", Redis: "connected"}
	code := http.StatusOK

	if err := s.client.Ping(ctx); err != nil {
		resp = Response{Status: "unhealthy", Redis: "disconnected", Error: err.Error()}
		code = http.StatusServiceUnavailable
	} else if n, err := s.client.Redis().LLen(ctx, bus.CommsRetryQueueKey).Result(); err == nil {
		resp.RetryQueue = n
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write health response")
	}
}
