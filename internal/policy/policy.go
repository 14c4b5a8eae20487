// Package policy decides what a principal may do with issue records. It is a
// single pure function over (principal, action, target) so that every rule can
// be exercised from a table test without a database or HTTP stack.
package policy

import (
	"sort"

	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

// Action is an operation a principal wants to perform.
type Action string

const (
	ActionCreate      Action = "CREATE"
	ActionRead        Action = "READ"
	ActionList        Action = "LIST"
	ActionNearby      Action = "NEARBY"
	ActionUpdate      Action = "UPDATE"
	ActionDelete      Action = "DELETE"
	ActionAddImage    Action = "ADD_IMAGE"
	ActionDeleteImage Action = "DELETE_IMAGE"
)

// Denial explains a negative decision. Callers translate HIDDEN into a
// not-found response so the existence of other users' records never leaks.
type Denial string

const (
	DenialNone            Denial = ""
	DenialUnauthenticated Denial = "UNAUTHENTICATED"
	DenialHidden          Denial = "HIDDEN"
	DenialForbidden       Denial = "FORBIDDEN"
)

// Scope narrows collection reads.
type Scope string

const (
	ScopeNone Scope = ""
	ScopeOwn  Scope = "OWN"
	ScopeAll  Scope = "ALL"
)

// Field is a patchable issue attribute.
type Field string

const (
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldCategory    Field = "category"
	FieldStatus      Field = "status"
	FieldPriority    Field = "priority"
)

// FieldSet is an unordered set of patchable fields.
type FieldSet map[Field]struct{}

// NewFieldSet builds a set from the given fields.
func NewFieldSet(fields ...Field) FieldSet {
	s := make(FieldSet, len(fields))
	for _, f := range fields {
		s[f] = struct{}{}
	}
	return s
}

// Has reports whether f is in the set. A nil set contains nothing.
func (s FieldSet) Has(f Field) bool {
	_, ok := s[f]
	return ok
}

// Sorted returns the members in lexical order.
func (s FieldSet) Sorted() []Field {
	out := make([]Field, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	municipalFields = []Field{FieldTitle, FieldDescription, FieldCategory, FieldStatus, FieldPriority}
	ownerFields     = []Field{FieldTitle, FieldDescription, FieldCategory}
)

// Decision is the outcome of Evaluate.
//
// Fields:
//
//	Allowed – true when the action may proceed.
//	Denial  – reason when Allowed is false.
//	Scope   – for LIST and NEARBY, whether reads are limited to own issues.
//	Mutable – for UPDATE, the fields the principal may change.
type Decision struct {
	Allowed bool
	Denial  Denial
	Scope   Scope
	Mutable FieldSet
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason Denial) Decision { return Decision{Denial: reason} }

// Evaluate applies the access rules in order; the first matching rule wins.
// target is required for object-level actions (READ, UPDATE, DELETE,
// ADD_IMAGE, DELETE_IMAGE) and ignored otherwise.
func Evaluate(p model.Principal, action Action, target *model.Issue) Decision {
	if p.ID == 0 {
		return deny(DenialUnauthenticated)
	}
	role, ok := model.ParseRole(string(p.Role))
	if !ok {
		return deny(DenialUnauthenticated)
	}
	p.Role = role

	switch action {
	case ActionCreate:
		return allow()
	case ActionList, ActionNearby:
		d := allow()
		d.Scope = ScopeOwn
		if p.IsMunicipal() {
			d.Scope = ScopeAll
		}
		return d
	case ActionRead, ActionUpdate, ActionDelete, ActionAddImage, ActionDeleteImage:
	default:
		return deny(DenialForbidden)
	}

	if target == nil || !Visible(p, target) {
		return deny(DenialHidden)
	}

	switch action {
	case ActionRead, ActionAddImage, ActionDeleteImage:
		return allow()
	case ActionUpdate:
		d := allow()
		if p.IsMunicipal() {
			d.Mutable = NewFieldSet(municipalFields...)
		} else {
			d.Mutable = NewFieldSet(ownerFields...)
		}
		return d
	case ActionDelete:
		if p.IsMunicipal() {
			return allow()
		}
		return deny(DenialForbidden)
	}
	return deny(DenialForbidden)
}

// Visible reports whether p can see issue at all: municipal officers see
// everything and citizens see the issues they reported.
func Visible(p model.Principal, issue *model.Issue) bool {
	return p.IsMunicipal() || issue.ReporterID == p.ID
}

// ReporterScope returns the reporter id a collection read must be limited to,
// or nil when the principal may read every issue.
func ReporterScope(p model.Principal, d Decision) *uint64 {
	if d.Scope != ScopeOwn {
		return nil
	}
	id := p.ID
	return &id
}
