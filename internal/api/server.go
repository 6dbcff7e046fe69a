package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mdlayher/vsock"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/procq/internal/catalog"
	"github.com/seantiz/procq/internal/engine"
	"github.com/seantiz/procq/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	store     store.Store
	catalog   *catalog.Catalog
	kv        *catalog.KV
	engine    *engine.Engine
	logger    *slog.Logger
	addr      string
	vsockPort uint32
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, s store.Store, cat *catalog.Catalog, eng *engine.Engine, logger *slog.Logger) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		store:   s,
		catalog: cat,
		engine:  eng,
		logger:  logger,
		addr:    addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
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

	s.router.Get("/v1/kinds", s.handleListKinds)
	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/queue", s.handleGetQueue)
	s.router.Get("/v1/events", s.handleStreamAllEvents)
	s.router.Get("/v1/kv", s.handleGetKV)

	s.router.Route("/v1/processes", func(r chi.Router) {
		r.Post("/", s.handleCreateProcess)
		r.Get("/", s.handleListProcesses)
		r.Get("/{id}", s.handleGetProcess)
		r.Get("/{id}/events", s.handleStreamProcessEvents)
		r.Get("/{id}/events/history", s.handleGetEventHistory)
	})

	s.router.Post("/v1/cancel/current", s.handleCancelCurrent)
	s.router.Post("/v1/cancel/all", s.handleCancelAll)
	s.router.Post("/v1/execution/start", s.handleStartExecution)
	s.router.Post("/v1/execution/stop", s.handleStopExecution)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ExposeKV serves the key-value store mutated by kv.set processes on
// GET /v1/kv.
func (s *Server) ExposeKV(kv *catalog.KV) {
	s.kv = kv
}

// EnableVsock makes Run also serve the API on the given AF_VSOCK port, for
// hosts that reach procq inside a microVM.
func (s *Server) EnableVsock(port uint32) {
	s.vsockPort = port
}

// Run serves HTTP until a shutdown signal is received, then drains the
// server and stops the engine.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	listeners, err := s.listen()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error {
			s.logger.Info("server listening", "addr", l.Addr().String())
			if err := httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", l.Addr(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := s.engine.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("engine shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// listen opens the TCP listener and, when enabled, the vsock listener.
func (s *Server) listen() ([]net.Listener, error) {
	tcp, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.addr, err)
	}
	listeners := []net.Listener{tcp}

	if s.vsockPort != 0 {
		vl, err := vsock.Listen(s.vsockPort, nil)
		if err != nil {
			tcp.Close()
			return nil, fmt.Errorf("vsock listen on port %d: %w", s.vsockPort, err)
		}
		listeners = append(listeners, vl)
	}
	return listeners, nil
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
