package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

// RequireRole rejects requests whose principal does not hold one of roles.
// It must run after JWTAuth. Requests without a principal get 401, wrong
// roles get 403.
func RequireRole(roles ...model.Role) echo.MiddlewareFunc {
	allowed := make(map[model.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := PrincipalFrom(c)
			if !ok {
				return unauthenticated(c, "authentication required")
			}
			if !allowed[p.Role] {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden", "message": "role not permitted"})
			}
			return next(c)
		}
	}
}
