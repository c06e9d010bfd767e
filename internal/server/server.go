// Package server exposes the lifecycle manager over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/roach88/intentd/internal/lifecycle"
	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/registry"
)

// Lifecycle is the execution surface the server drives.
// Implemented by *lifecycle.Manager.
type Lifecycle interface {
	Submit(ctx context.Context, intent model.Intent) (string, error)
	Execute(ctx context.Context, intent model.Intent) (lifecycle.Result, error)
	Status(ctx context.Context, tenantID, executionID string) (model.Execution, error)
	Cancel(ctx context.Context, tenantID, executionID string) error
}

// Sessions creates and reads sessions. Implemented by *store.Store.
type Sessions interface {
	CreateSession(ctx context.Context, sess model.Session) error
}

// Artifacts reads stored artifacts.
type Artifacts interface {
	GetArtifact(ctx context.Context, tenantID, executionID, name string, now time.Time) (model.ArtifactRecord, error)
}

// ArtifactReader resolves a record to its bytes. Implemented by
// *materialize.Materializer.
type ArtifactReader interface {
	Read(ctx context.Context, rec model.ArtifactRecord) ([]byte, error)
}

// Realms resolves intent types to realms. Implemented by
// *registry.Registry.
type Realms interface {
	Resolve(intentType string) (registry.Realm, error)
}

// Sagas reads saga records. Implemented by *store.Store.
type Sagas interface {
	GetSaga(ctx context.Context, sagaID string) (*model.Saga, error)
}

// Pinger reports storage health. Implemented by *store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Server.
type Deps struct {
	Lifecycle Lifecycle
	Sessions  Sessions
	Artifacts Artifacts
	Reader    ArtifactReader
	Realms    Realms
	Sagas     Sagas
	Health    Pinger
	IDs       model.IDGenerator
	Clock     model.Clock
	Limiter   *TenantLimiter
	Logger    *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	deps Deps
	echo *echo.Echo
}

// New builds the router.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(deps.Logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("8M"))
	e.Use(requestLogger(deps.Logger))

	s := &Server{deps: deps, echo: e}
	e.POST("/intent/submit", s.submit)
	e.POST("/session/create", s.createSession)
	e.GET("/execution/:id/status", s.status)
	e.POST("/execution/:id/cancel", s.cancel)
	e.GET("/execution/:id/artifacts/:name", s.artifact)
	e.GET("/healthz", s.healthz)
	return s
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.deps.Logger.Info("http server listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requestLogger logs each request with its latency.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			begin := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Debug("request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"duration", time.Since(begin),
			)
			return nil
		}
	}
}
