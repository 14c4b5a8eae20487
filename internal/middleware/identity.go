package middleware

// identity.go holds the helpers that move the authenticated Principal between
// middleware and handlers. The JWT middleware stores it once; everything
// downstream reads it through PrincipalFrom.

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

// PrincipalKey is the echo context key holding the model.Principal.
const PrincipalKey = "principal"

// SetPrincipal stores p on the request context.
func SetPrincipal(c echo.Context, p model.Principal) {
	c.Set(PrincipalKey, p)
}

// PrincipalFrom returns the principal stored by JWTAuth. The second value is
// false for unauthenticated requests.
func PrincipalFrom(c echo.Context) (model.Principal, bool) {
	p, ok := c.Get(PrincipalKey).(model.Principal)
	if !ok || p.ID == 0 {
		return model.Principal{}, false
	}
	return p, true
}

// userID returns the caller id as a string for rate-limit keys, or "anon".
func userID(c echo.Context) string {
	if p, ok := PrincipalFrom(c); ok {
		return strconv.FormatUint(p.ID, 10)
	}
	return "anon"
}
