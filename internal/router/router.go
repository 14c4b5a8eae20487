// Package router wires HTTP routes to handlers and middleware.
package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/civic-issue-reporting/internal/handler"
	"github.com/iliyamo/civic-issue-reporting/internal/middleware"
	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

// Deps collects what the routes need.
type Deps struct {
	Issues    *handler.IssueHandler
	Health    *handler.HealthHandler
	JWTSecret string
	// RateLimit guards the authenticated API. Nil disables it.
	RateLimit echo.MiddlewareFunc
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// BodyLimit caps request bodies, e.g. "32M". Empty means no cap.
	BodyLimit string
}

// RegisterRoutes registers the unauthenticated endpoints: health and metrics.
func RegisterRoutes(e *echo.Echo, d Deps) {
	if d.Health != nil {
		e.GET("/healthz", d.Health.Health)
	} else {
		e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	}

	g := d.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
}

// RegisterIssues registers /v1/issues and /v1/images behind JWT
// authentication. Both roles reach every route; what each may do is decided
// per record by the service.
func RegisterIssues(e *echo.Echo, d Deps) {
	v1 := e.Group("/v1")
	if d.BodyLimit != "" {
		v1.Use(echomw.BodyLimit(d.BodyLimit))
	}
	v1.Use(middleware.JWTAuth(d.JWTSecret))
	v1.Use(middleware.RequireRole(model.RoleCitizen, model.RoleMunicipal))
	if d.RateLimit != nil {
		v1.Use(d.RateLimit)
	}

	h := d.Issues
	v1.POST("/issues", h.CreateIssue)
	v1.GET("/issues", h.ListIssues)
	v1.GET("/issues/nearby", h.NearbyIssues)
	v1.POST("/issues/nearby", h.NearbyIssues)
	v1.GET("/issues/:id", h.GetIssue)
	v1.PATCH("/issues/:id", h.UpdateIssue)
	v1.PUT("/issues/:id", h.UpdateIssue)
	v1.DELETE("/issues/:id", h.DeleteIssue)
	v1.POST("/issues/:id/images", h.AddImage)
	v1.GET("/images/:id", h.GetImage)
	v1.DELETE("/images/:id", h.DeleteImage)
}
