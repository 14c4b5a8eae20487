package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

// CreateIssueInput is the client-controlled part of a new issue. Reporter,
// status and timestamps are never taken from the client.
type CreateIssueInput struct {
	Title       string        `json:"title" validate:"required,max=100"`
	Description string        `json:"description" validate:"required"`
	Category    string        `json:"category"`
	Longitude   *float64      `json:"longitude" validate:"required"`
	Latitude    *float64      `json:"latitude" validate:"required"`
	Images      []ImageUpload `json:"-"`
}

// ImageUpload is raw image content plus its optional caption. Filename is
// informational only; the content type is sniffed from Data.
type ImageUpload struct {
	Data     []byte `json:"-"`
	Filename string `json:"filename"`
	Caption  string `json:"caption" validate:"max=100"`
}

// IssuePatchInput lists requested changes. Nil fields are untouched.
// ExpectedUpdatedAt, when set, makes the update conditional on the record
// not having changed since that version was read.
type IssuePatchInput struct {
	Title             *string
	Description       *string
	Category          *string
	Status            *string
	Priority          *string
	ExpectedUpdatedAt *time.Time
}

// ListInput holds optional filters for ListIssues and NearbyIssues.
type ListInput struct {
	Category string
	Status   string
	Priority string
}

// NearbyInput is a radius search around a point. A nil Radius uses the
// configured default.
type NearbyInput struct {
	Longitude *float64
	Latitude  *float64
	Radius    *float64
	ListInput
}

// ImageView is image metadata with a fetchable URL.
type ImageView struct {
	model.IssueImage
	URL string `json:"url,omitempty"`
}

// IssueDetail is an issue with its images in upload order.
type IssueDetail struct {
	*model.Issue
	Images []ImageView `json:"images"`
}

// ETag returns a strong entity tag identifying the current version of is.
func ETag(is *model.Issue) string {
	return fmt.Sprintf(`"%d-%d"`, is.ID, is.UpdatedAt.UnixNano())
}

// ParseETag extracts the version time from a tag produced by ETag for the
// issue with the given id. Weak tags are accepted.
func ParseETag(tag string, id uint64) (time.Time, bool) {
	tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
	tag = strings.Trim(tag, `"`)
	idPart, nanoPart, ok := strings.Cut(tag, "-")
	if !ok || idPart != strconv.FormatUint(id, 10) {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(nanoPart, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos).UTC(), true
}
