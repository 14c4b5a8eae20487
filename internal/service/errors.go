package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/iliyamo/civic-issue-reporting/internal/metrics"
	"github.com/iliyamo/civic-issue-reporting/internal/policy"
	"github.com/iliyamo/civic-issue-reporting/internal/repository"
)

// Errors returned by IssueService. NotFound is returned both for missing
// records and for records the caller may not see.
var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrUnavailable     = errors.New("storage unavailable")
	ErrUnauthenticated = errors.New("unauthenticated")
)

// ValidationError carries one message per offending input field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// fieldErrors accumulates validation messages; the first message per field wins.
type fieldErrors map[string]string

func (f fieldErrors) add(field, msg string) {
	if _, ok := f[field]; !ok {
		f[field] = msg
	}
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return &ValidationError{Fields: map[string]string(f)}
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// fromStore translates repository sentinels into service errors.
func fromStore(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrConflict):
		return ErrConflict
	case errors.Is(err, repository.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("store: %w", err)
}

func fromDenial(d policy.Denial) error {
	switch d {
	case policy.DenialUnauthenticated:
		return ErrUnauthenticated
	case policy.DenialHidden:
		return ErrNotFound
	}
	return ErrForbidden
}

// outcome maps an operation result onto a metrics label.
func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case IsValidation(err):
		return metrics.OutcomeInvalid
	case errors.Is(err, ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrUnauthenticated):
		return metrics.OutcomeForbidden
	case errors.Is(err, ErrConflict):
		return metrics.OutcomeConflict
	case errors.Is(err, ErrUnavailable):
		return metrics.OutcomeUnavailable
	}
	return metrics.OutcomeError
}
