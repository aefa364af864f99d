// Package api exposes the event store over HTTP. Every API route is tenant
// scoped via the X-Tenant-ID header; errors use a stable
// {"error": {kind, message, correlation_id}} body.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/xpload/voicecore-events-go/core/es"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr string
	Log  *slog.Logger
	// ReadTimeout / WriteTimeout default to 15s / 30s.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Metrics, when set, is mounted at /metrics outside the tenant scope.
	Metrics http.Handler
}

// Server serves the event sourcing API.
type Server struct {
	log        *slog.Logger
	svc        *es.Service
	router     chi.Router
	httpServer *http.Server
}

func NewServer(cfg Config, svc *es.Service) (*Server, error) {
	if svc == nil {
		return nil, errors.New("api server requires a service")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}

	s := &Server{
		log: log.With(slog.String("component", "api")),
		svc: svc,
	}
	s.router = s.setupRouter(cfg.Metrics)
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  time.Minute,
	}
	return s, nil
}

func (s *Server) setupRouter(metrics http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(correlationMiddleware)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)

	r.Get("/health", handleHealth)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(tenantMiddleware)

		r.Route("/events", func(r chi.Router) {
			r.Post("/store", s.handleStoreEvent)
			r.Get("/types", s.handleEventTypes)
			r.Get("/statistics", s.handleStatistics)
			r.Get("/dead-letters", s.handleListDeadLetters)

			r.Route("/aggregate/{aggregateID}", func(r chi.Router) {
				r.Get("/", s.handleAggregateEvents)
				r.Get("/state", s.handleAggregateState)
				r.Post("/snapshot", s.handleCreateSnapshot)
			})

			r.Get("/type/{eventType}", s.handleEventsByType)
			r.Post("/{eventID}/anchor", s.handleSetAnchor)

			r.Route("/read-models/{modelType}", func(r chi.Router) {
				r.Get("/", s.handleListReadModels)
				r.Get("/{modelID}", s.handleGetReadModel)
			})
		})
	})

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.log.Info("api listening", slog.String("addr", listener.Addr().String()))

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
