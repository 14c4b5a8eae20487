// Package repository contains data access logic separated from HTTP handlers
// and from the access rules. Stores return the sentinel values below
// (optionally wrapped) so the service layer can tell the failure scenarios
// apart with errors.Is. ErrNotFound means the row does not exist, ErrConflict
// means a concurrent writer won (optimistic check, deadlock, lock wait) and
// the caller may retry, and ErrUnavailable means the backing store could not
// be reached or timed out.
package repository

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the requested issue or image does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an update lost a race with another writer.
var ErrConflict = errors.New("conflict")

// ErrUnavailable is returned when the store is unreachable or too slow.
var ErrUnavailable = errors.New("store unavailable")

// wrapContext maps context expiry onto ErrUnavailable so a slow store is
// reported as a retryable failure instead of a generic error.
func wrapContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
