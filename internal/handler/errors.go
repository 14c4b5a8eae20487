package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/civic-issue-reporting/internal/service"
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "5"

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// writeError maps service errors onto HTTP responses. Unknown errors are
// logged and reported as a generic 500 so internals never reach the client.
func writeError(c echo.Context, log *slog.Logger, err error) error {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusBadRequest, errorBody{Error: "validation_failed", Message: "request is invalid", Fields: ve.Fields})
	case errors.Is(err, service.ErrUnauthenticated):
		return c.JSON(http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "authentication required"})
	case errors.Is(err, service.ErrForbidden):
		return c.JSON(http.StatusForbidden, errorBody{Error: "forbidden", Message: "not allowed for this role"})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Error: "not_found", Message: "resource not found"})
	case errors.Is(err, service.ErrConflict):
		return c.JSON(http.StatusConflict, errorBody{Error: "conflict", Message: "resource was modified concurrently, retry"})
	case errors.Is(err, service.ErrUnavailable):
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "unavailable", Message: "storage temporarily unavailable"})
	}
	log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal", Message: "internal error"})
}

// preconditionFailed answers a failed If-Match.
func preconditionFailed(c echo.Context) error {
	return c.JSON(http.StatusPreconditionFailed, errorBody{Error: "precondition_failed", Message: "issue has changed since it was read"})
}

// invalid builds a single-field validation error.
func invalid(field, msg string) error {
	return &service.ValidationError{Fields: map[string]string{field: msg}}
}
