// Package utils holds small helpers shared by binaries and tests.
package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

// AccessToken is a signed HS256 bearer token and its expiry.
type AccessToken struct {
	Token string
	Exp   time.Time
}

// NewAccessToken signs a token for userID with the given role. The claims
// are the ones the JWT middleware reads: sub, role, exp and iat.
func NewAccessToken(secret string, userID uint64, role model.Role, ttl time.Duration) (AccessToken, error) {
	if secret == "" {
		return AccessToken{}, errors.New("jwt secret is empty")
	}
	if userID == 0 {
		return AccessToken{}, errors.New("user id must be positive")
	}
	if _, ok := model.ParseRole(string(role)); !ok {
		return AccessToken{}, errors.New("role must be CITIZEN or MUNICIPAL")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
