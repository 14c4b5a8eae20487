// Package blob stores issue image content outside the database.
package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("blob not found")

// Store is the object storage contract used by the issue service.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Delete(ctx context.Context, key string) error
	// URL returns a location clients can fetch the object from.
	URL(ctx context.Context, key string) (string, error)
}

// NewKey returns a fresh object key for an image of issueID.
// ext includes the leading dot.
func NewKey(issueID uint64, ext string) string {
	return fmt.Sprintf("issues/%d/%s%s", issueID, uuid.NewString(), ext)
}
