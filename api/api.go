// Package api exposes job submission and status over HTTP with echo.
// It is the boundary the web application calls; it never waits for a job
// to run.
package api

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Mudityadev/charles-map/dispatch/engine"
)

const serviceName = "dispatch-api"

// API serves the dispatch routes for one engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// New creates an API from a dispatch Engine.
func New(eng *engine.Engine, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{eng: eng, logger: logger.With(slog.String("component", "dispatch.api"))}
}

// Echo returns a configured echo instance with every route registered.
func (a *API) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler(a.logger)

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(
		otelecho.Middleware(serviceName),
		middleware.RequestID(),
		middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			Skipper: func(c echo.Context) bool {
				return c.Request().URL.Path == "/healthz"
			},
			LogURI:       true,
			LogStatus:    true,
			LogLatency:   true,
			LogError:     true,
			LogMethod:    true,
			LogRequestID: true,
			LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
				attrs := []any{
					slog.String("method", v.Method),
					slog.String("uri", v.URI),
					slog.Int("status", v.Status),
					slog.Duration("latency", v.Latency),
					slog.String("request_id", v.RequestID),
				}
				if v.Error != nil {
					attrs = append(attrs, slog.String("error", v.Error.Error()))
				}
				a.logger.Info("request", attrs...)
				return nil
			},
		}),
		middleware.Recover(),
	)

	a.RegisterRoutes(e)
	return e
}

// Handler returns the fully assembled http.Handler.
func (a *API) Handler() http.Handler { return a.Echo() }

// RegisterRoutes registers all dispatch routes on e.
func (a *API) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", a.health)

	g := e.Group("/api", Tenant())
	g.POST("/import", a.enqueueImport)
	g.POST("/export", a.enqueueExport)
	g.POST("/ai", a.enqueueAI)
	g.GET("/jobs/:family/:id", a.getJob)
	g.GET("/stats", a.stats)
}
