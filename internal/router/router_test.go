package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/civic-issue-reporting/internal/handler"
	"github.com/iliyamo/civic-issue-reporting/internal/metrics"
)

func get(e *echo.Echo, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Run("without checks", func(t *testing.T) {
		e := echo.New()
		RegisterRoutes(e, Deps{})
		rec := get(e, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
	})

	t.Run("failing dependency", func(t *testing.T) {
		e := echo.New()
		RegisterRoutes(e, Deps{Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"db":    handler.PingFunc(func(context.Context) error { return nil }),
			"redis": handler.PingFunc(func(context.Context) error { return errors.New("connection refused") }),
			"blob":  nil,
		})})
		rec := get(e, "/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), `"redis":"connection refused"`)
		assert.NotContains(t, rec.Body.String(), `"db"`)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RecordOperation("create", metrics.OutcomeOK)

	e := echo.New()
	RegisterRoutes(e, Deps{Gatherer: reg})
	rec := get(e, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `operation="create"`)
}

func TestIssueRoutesRequireAuth(t *testing.T) {
	e := echo.New()
	RegisterIssues(e, Deps{Issues: &handler.IssueHandler{}, JWTSecret: "s"})
	for _, path := range []string{"/v1/issues", "/v1/issues/nearby", "/v1/issues/1", "/v1/images/1"} {
		assert.Equal(t, http.StatusUnauthorized, get(e, path).Code, path)
	}
}
