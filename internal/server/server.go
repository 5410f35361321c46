package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shaalot/apiserver/config"
	"github.com/shaalot/apiserver/internal/handlers"
	"github.com/shaalot/apiserver/internal/logging"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	app        *App
}

// New constructs the App, applies seed administrators when configured and
// mounts every route.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	jwtSecret := strings.TrimSpace(cfg.Auth.JWTSecret)
	if jwtSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Engine.SeedOnStart {
		result, err := app.SeedAdmins(ctx)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		logging.Logger.WithField("elevated", len(result.Elevated)).
			WithField("granted", len(result.Granted)).
			Info("seed administrators applied on start")
	}

	router := NewRouter(app, jwtSecret)

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		app:        app,
	}, nil
}

// NewRouter mounts the API on a chi router.
func NewRouter(app *App, jwtSecret string) *chi.Mux {
	authMiddleware := handlers.RequireAuth(jwtSecret)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz(app.DB))
	router.Handle("/metrics", app.Metrics.Handler())
	router.Route("/levels", func(r chi.Router) {
		handlers.LevelRouter(r, app.Levels)
	})
	router.Route("/profiles", func(r chi.Router) {
		handlers.ProfileRouter(r, app.Profiles, app.Levels, authMiddleware)
	})
	router.Route("/admin", func(r chi.Router) {
		handlers.AdminRouter(r, app.Audit, app.Queries, app.Profiles, authMiddleware)
	})
	router.Route("/notifications", func(r chi.Router) {
		handlers.NotificationRouter(r, app.Notifications, authMiddleware)
	})
	return router
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Logger.WithField("addr", s.httpServer.Addr).Info("listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = s.app.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	if closeErr := s.app.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Shutdown closes the listener and every backing connection immediately.
func (s *Server) Shutdown() error {
	err := s.httpServer.Close()
	if closeErr := s.app.Close(); err == nil {
		err = closeErr
	}
	return err
}
