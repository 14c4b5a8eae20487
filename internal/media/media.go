// Package media validates uploaded issue images. Content type is sniffed
// from the bytes; the client's declared type and file name are ignored.
package media

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrEmpty           = errors.New("image is empty")
	ErrTooLarge        = errors.New("image exceeds size limit")
	ErrUnsupportedType = errors.New("unsupported image type")
)

// AllowedTypes are the MIME types accepted for issue images.
var AllowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Image is a validated upload.
type Image struct {
	Data        []byte
	ContentType string
	Extension   string // with leading dot, e.g. ".png"
	Checksum    string // hex BLAKE2b-256
}

// Size returns the length of the content in bytes.
func (i Image) Size() int64 { return int64(len(i.Data)) }

// Inspect checks data against maxBytes and the allowed types.
func Inspect(data []byte, maxBytes int64) (Image, error) {
	if len(data) == 0 {
		return Image{}, ErrEmpty
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return Image{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), maxBytes)
	}
	mt := mimetype.Detect(data)
	for _, allowed := range AllowedTypes {
		if mt.Is(allowed) {
			return Image{
				Data:        data,
				ContentType: allowed,
				Extension:   mt.Extension(),
				Checksum:    Checksum(data),
			}, nil
		}
	}
	return Image{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mt.String())
}

// Checksum returns the hex BLAKE2b-256 digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
