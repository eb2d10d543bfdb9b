// Package api serves mercury over HTTP: the message endpoint in front of the
// dispatcher, flight and context introspection, flight event streams and the
// browser agent bridge.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/dispatch"
	"github.com/seantiz/mercury/internal/flight"
	"github.com/seantiz/mercury/internal/host/bridge"
	"github.com/seantiz/mercury/internal/pool"
	"github.com/seantiz/mercury/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Bridge is the agent endpoint mounted at /v1/bridge.
type Bridge interface {
	http.Handler
	Sessions() []bridge.SessionInfo
}

// Deps are the components the server exposes. Bridge may be nil.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Flights    *flight.Coordinator
	Contexts   *pool.Pool
	Providers  *config.Providers
	Store      store.Store
	Bridge     Bridge
	Logger     *slog.Logger
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router     *chi.Mux
	dispatcher *dispatch.Dispatcher
	flights    *flight.Coordinator
	contexts   *pool.Pool
	providers  *config.Providers
	store      store.Store
	bridge     Bridge
	logger     *slog.Logger
	addr       string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps) *Server {
	srv := &Server{
		router:     chi.NewRouter(),
		dispatcher: deps.Dispatcher,
		flights:    deps.Flights,
		contexts:   deps.Contexts,
		providers:  deps.Providers,
		store:      deps.Store,
		bridge:     deps.Bridge,
		logger:     deps.Logger,
		addr:       addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id", senderHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Post("/v1/messages", s.handleMessage)
	s.router.Get("/v1/contexts", s.handleListContexts)
	s.router.Get("/v1/providers", s.handleListProviders)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/flights", func(r chi.Router) {
		r.Get("/", s.handleListFlights)
		r.Get("/{id}", s.handleGetFlight)
		r.Get("/{id}/events", trackStream(streamFlightEvents, s.handleStreamEvents))
		r.Delete("/{id}", s.handleCancelFlight)
	})

	if s.bridge != nil {
		s.router.Get("/v1/bridge", trackStream(streamBridge, s.bridge.ServeHTTP))
		s.router.Get("/v1/bridge/sessions", s.handleListSessions)
	}
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// disableWriteDeadline lifts the server write timeout for responses that may
// outlive it: synchronous prompt execution and event streams.
func (s *Server) disableWriteDeadline(w http.ResponseWriter) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline", "error", err)
	}
}
