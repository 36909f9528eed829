// File: internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/airport/internal/config"
	"github.com/xkilldash9x/airport/internal/service"
)

const defaultShutdownTimeout = 15 * time.Second

// Server hosts the run-control API, the results file tree, and the live
// step feed.
type Server struct {
	cfg         config.ServerConfig
	resultsRoot string
	logger      *zap.Logger
	handlers    *Handlers
	hub         *Hub
	unsubscribe func()
	router      chi.Router
}

// New wires the API around runs and flights. flights may be nil.
func New(cfg config.ServerConfig, results config.ResultsConfig, runs RunController, flights FlightStore, logger *zap.Logger) *Server {
	logger = logger.Named("server")
	s := &Server{
		cfg:         cfg,
		resultsRoot: results.Root,
		logger:      logger,
		handlers:    NewHandlers(logger, runs, flights),
		hub:         NewHub(logger, runs, cfg.AllowedOrigins),
	}
	s.unsubscribe = runs.Subscribe(s.hub.Publish)
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))

	// The websocket route sits outside the timeout and logging group; both
	// wrap the response writer in ways that break hijacking.
	r.Get("/ws/v1/react", s.hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(requestLogger(s.logger))

		s.handlers.RegisterRoutes(r)

		if s.resultsRoot != "" {
			if _, err := os.Stat(s.resultsRoot); err != nil {
				s.logger.Warn("Results directory is missing; static results will 404 until it exists.",
					zap.String("path", s.resultsRoot))
			}
			fs := http.FileServer(http.Dir(s.resultsRoot))
			r.Handle(service.StaticResultsPrefix+"*", http.StripPrefix(service.StaticResultsPrefix, fs))
		}
	})
	return r
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server starting", zap.String("address", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down HTTP server...")

		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s.unsubscribe()
		s.hub.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
			return err
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info("HTTP server stopped.")
	return err
}
