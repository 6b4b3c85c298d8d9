// Package gateway assembles the HTTP surface: channel ingress
// endpoints, the authenticated REST API, the processor events
// endpoint, and operational routes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qwer2003tw/unigate/internal/bus"
	"github.com/qwer2003tw/unigate/internal/config"
	"github.com/qwer2003tw/unigate/internal/history"
	"github.com/qwer2003tw/unigate/internal/identity"
	"github.com/qwer2003tw/unigate/internal/observability"
	"github.com/qwer2003tw/unigate/internal/retention"
	"github.com/qwer2003tw/unigate/internal/storage"
)

// Server owns the HTTP listener and the request-facing services.
type Server struct {
	cfg      *config.Config
	identity *identity.Service
	history  *history.Service
	bus      *bus.Bus
	stores   storage.StoreSet

	validator *bus.Validator
	webhook   http.Handler // Telegram ingress, nil when disabled
	ws        http.Handler // WebSocket ingress, nil when disabled
	sweeper   *retention.Sweeper

	log     *observability.Logger
	metrics *observability.Metrics

	httpServer *http.Server
	shutdowns  []func(context.Context) error
}

// ServerOptions carries the composed services into the HTTP layer.
type ServerOptions struct {
	Config   *config.Config
	Identity *identity.Service
	History  *history.Service
	Bus      *bus.Bus
	Stores   storage.StoreSet

	Validator *bus.Validator
	Webhook   http.Handler
	WebSocket http.Handler
	Sweeper   *retention.Sweeper

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewServer builds the HTTP server around already-constructed services.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Identity == nil || opts.History == nil || opts.Bus == nil {
		return nil, errors.New("identity, history, and bus services are required")
	}
	if opts.Validator == nil {
		v, err := bus.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("compile event schemas: %w", err)
		}
		opts.Validator = v
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Server{
		cfg:       opts.Config,
		identity:  opts.Identity,
		history:   opts.History,
		bus:       opts.Bus,
		stores:    opts.Stores,
		validator: opts.Validator,
		webhook:   opts.Webhook,
		ws:        opts.WebSocket,
		sweeper:   opts.Sweeper,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// Handler assembles the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.webhook != nil {
		path := s.cfg.Telegram.WebhookPath
		if path == "" {
			path = "/webhook"
		}
		mux.Handle("POST "+path, s.webhook)
	}
	if s.ws != nil {
		path := s.cfg.Web.Path
		if path == "" {
			path = "/ws"
		}
		mux.Handle("GET "+path, s.ws)
	}

	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/logout", s.requireAuth(s.handleLogout))
	mux.HandleFunc("POST /auth/change-password", s.requireAuth(s.handleChangePassword))
	mux.HandleFunc("GET /auth/me", s.requireAuth(s.handleMe))

	mux.HandleFunc("POST /binding/generate-code", s.requireAuth(s.handleGenerateCode))
	mux.HandleFunc("GET /binding/status", s.requireAuth(s.handleBindingStatus))

	mux.HandleFunc("GET /history", s.requireAuth(s.handleHistory))
	mux.HandleFunc("GET /history/export", s.requireAuth(s.handleHistoryExport))
	mux.HandleFunc("GET /history/stats", s.requireAuth(s.handleHistoryStats))

	mux.HandleFunc("GET /conversations", s.requireAuth(s.handleListConversations))
	mux.HandleFunc("POST /conversations", s.requireAuth(s.handleCreateConversation))
	mux.HandleFunc("PUT /conversations/{id}", s.requireAuth(s.handleUpdateConversation))
	mux.HandleFunc("DELETE /conversations/{id}", s.requireAuth(s.handleDeleteConversation))
	mux.HandleFunc("GET /conversations/{id}/messages", s.requireAuth(s.handleConversationMessages))

	mux.HandleFunc("POST /admin/users", s.requireAdmin(s.handleCreateUser))
	mux.HandleFunc("GET /admin/users", s.requireAdmin(s.handleListUsers))
	mux.HandleFunc("PUT /admin/users/{email}/password", s.requireAdmin(s.handleResetPassword))
	mux.HandleFunc("PUT /admin/users/{email}/role", s.requireAdmin(s.handleSetRole))
	mux.HandleFunc("GET /admin/bindings", s.requireAdmin(s.handleListBindings))

	mux.HandleFunc("POST /events", s.handleEvents)

	return s.instrument(mux)
}

// Start begins serving and returns once the listener is up. Background
// components (sweeper) start here too.
func (s *Server) Start(ctx context.Context) error {
	if s.sweeper != nil {
		if err := s.sweeper.Start(); err != nil {
			return fmt.Errorf("start retention sweeper: %w", err)
		}
		s.shutdowns = append(s.shutdowns, func(context.Context) error {
			s.sweeper.Stop()
			return nil
		})
	}

	if port := s.cfg.Server.MetricsPort; port != 0 && port != s.cfg.Server.HTTPPort {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, port),
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error(ctx, "metrics listener failed", "error", err)
			}
		}()
		s.shutdowns = append(s.shutdowns, metricsServer.Shutdown)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info(ctx, "gateway listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("http serve: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown drains the HTTP server, stops background components, and
// waits for in-flight bus deliveries.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	for _, stop := range s.shutdowns {
		if err := stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.bus.Drain(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.stores.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
