// Package api serves PLC status, cached tag values and ad hoc reads and
// writes over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"adslink/config"
	"adslink/logging"
)

// Server is the HTTP front end.
type Server struct {
	manager PLCManager
	config  *config.WebConfig
	log     zerolog.Logger
	metrics MetricsProvider
	events  *EventHub

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	running  bool
	mu       sync.RWMutex
}

// MetricsProvider serves /metrics and records request metrics.
type MetricsProvider interface {
	HTTPRecorder
	Handler() http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics mounts /metrics and records request metrics.
func WithMetrics(m MetricsProvider) Option {
	return func(s *Server) { s.metrics = m }
}

// WithEvents mounts the server-sent-events stream at /api/events.
func WithEvents(h *EventHub) Option {
	return func(s *Server) { s.events = h }
}

// NewServer creates a server for manager configured by cfg.
func NewServer(manager PLCManager, cfg *config.WebConfig, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		config:  cfg,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	if s.metrics != nil {
		r.Use(requestMetrics(s.metrics))
	}

	if s.metrics != nil && s.config.API.Metrics {
		r.Handle("/metrics", s.metrics.Handler())
	}

	if !s.config.API.Enabled {
		return r
	}

	h := &handlers{manager: s.manager}
	users := func(name string) *config.WebUser {
		for i := range s.config.Users {
			if s.config.Users[i].Username == name {
				return &s.config.Users[i]
			}
		}
		return nil
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(basicAuth(users, len(s.config.Users) == 0))

		if s.events != nil {
			r.Get("/events", s.events.ServeHTTP)
		}
		r.Get("/plcs", h.handleListPLCs)
		r.Route("/plcs/{plc}", func(r chi.Router) {
			r.Get("/", h.handlePLCDetails)
			r.Get("/tags", h.handleTags)
			r.Get("/read", h.handleRead)
			r.With(requireAdmin).Post("/write", h.handleWrite)
			r.With(requireAdmin).Post("/connect", h.handleConnect)
			r.With(requireAdmin).Post("/disconnect", h.handleDisconnect)
		})
	})
	return r
}

// IsRunning returns whether the server is listening.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// ListenAddr returns the bound address once running. It differs from
// Address when the configured port is 0.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", s.Address())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Address(), err)
	}
	// Request contexts derive from base so Stop can end event streams.
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	s.server = srv
	s.cancel = cancel
	s.listener = ln
	s.running = true

	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.DebugError("api", "serve", err)
			s.log.Error().Err(err).Msg("http server stopped")
		}
		s.mu.Lock()
		if s.server == srv {
			s.running = false
		}
		s.mu.Unlock()
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
	return nil
}

// Stop shuts the server down, waiting up to 5s for requests to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running || s.server == nil {
		s.mu.Unlock()
		return nil
	}
	srv, cancel := s.server, s.cancel
	s.server = nil
	s.listener = nil
	s.running = false
	s.mu.Unlock()

	cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return srv.Close()
	}
	return nil
}
