package model

import "strings"

// Role is the kind of actor making a request. Only two roles exist: citizens
// who report issues and municipal officers who triage them.
type Role string

const (
	RoleCitizen   Role = "CITIZEN"
	RoleMunicipal Role = "MUNICIPAL"
)

// ParseRole normalizes a role claim. The second return value is false for
// anything other than CITIZEN or MUNICIPAL.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleCitizen, RoleMunicipal:
		return r, true
	default:
		return "", false
	}
}

// Principal is the authenticated actor of a single request. It is built by
// the identity middleware from the bearer token and never changes afterwards.
//
// Fields:
//
//	ID   – users.id of the caller (never zero for an authenticated caller).
//	Role – CITIZEN or MUNICIPAL.
type Principal struct {
	ID   uint64
	Role Role
}

// IsMunicipal reports whether the principal is a municipal officer.
func (p Principal) IsMunicipal() bool { return p.Role == RoleMunicipal }
