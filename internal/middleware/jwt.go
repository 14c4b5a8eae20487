package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

var (
	errMissingSubject = errors.New("token has no usable sub claim")
	errBadRole        = errors.New("token role must be CITIZEN or MUNICIPAL")
)

// JWTAuth validates an HS256 bearer token and stores the resulting
// model.Principal on the context. The token must carry the user id in "sub"
// and a CITIZEN or MUNICIPAL "role"; anything else is rejected with 401.
func JWTAuth(secret string) echo.MiddlewareFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				return unauthenticated(c, "missing bearer token")
			}
			raw := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

			claims := jwt.MapClaims{}
			tok, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			})
			if err != nil || !tok.Valid {
				return unauthenticated(c, "invalid token")
			}

			p, err := principalFromClaims(claims)
			if err != nil {
				return unauthenticated(c, err.Error())
			}
			SetPrincipal(c, p)
			return next(c)
		}
	}
}

// principalFromClaims reads sub and role. sub may be encoded as a JSON number
// or a decimal string.
func principalFromClaims(claims jwt.MapClaims) (model.Principal, error) {
	id, err := subjectID(claims["sub"])
	if err != nil {
		return model.Principal{}, err
	}
	roleClaim, _ := claims["role"].(string)
	role, ok := model.ParseRole(roleClaim)
	if !ok {
		return model.Principal{}, errBadRole
	}
	return model.Principal{ID: id, Role: role}, nil
}

func subjectID(v any) (uint64, error) {
	var id uint64
	switch t := v.(type) {
	case float64:
		if t <= 0 || t != float64(uint64(t)) {
			return 0, errMissingSubject
		}
		id = uint64(t)
	case json.Number:
		n, err := strconv.ParseUint(t.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errMissingSubject, err)
		}
		id = n
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errMissingSubject, err)
		}
		id = n
	default:
		return 0, errMissingSubject
	}
	if id == 0 {
		return 0, errMissingSubject
	}
	return id, nil
}

func unauthenticated(c echo.Context, msg string) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="civic-issues"`)
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthenticated", "message": msg})
}
