package model

import (
	"strings"
	"time"

	"github.com/iliyamo/civic-issue-reporting/internal/geo"
)

// Category classifies what kind of problem an issue describes.
type Category string

const (
	CategoryInfrastructure Category = "INFRASTRUCTURE"
	CategoryServices       Category = "SERVICES"
	CategoryEncroachment   Category = "ENCROACHMENT"
	CategoryOther          Category = "OTHER"
)

// Status tracks an issue through triage.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAccepted   Status = "ACCEPTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResolved   Status = "RESOLVED"
)

// Priority is assigned by municipal officers.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
	PriorityNA     Priority = "NA"
)

// Categories, Statuses and Priorities list every accepted value in display order.
var (
	Categories = []Category{CategoryInfrastructure, CategoryServices, CategoryEncroachment, CategoryOther}
	Statuses   = []Status{StatusPending, StatusAccepted, StatusInProgress, StatusResolved}
	Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow, PriorityNA}
)

func normalizeChoice(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ParseCategory returns the category for s (case-insensitive).
func ParseCategory(s string) (Category, bool) {
	c := Category(normalizeChoice(s))
	for _, v := range Categories {
		if c == v {
			return c, true
		}
	}
	return "", false
}

// ParseStatus returns the status for s. The legacy spelling "IN PROGRESS"
// and the hyphenated "IN-PROGRESS" both map to IN_PROGRESS.
func ParseStatus(s string) (Status, bool) {
	n := strings.NewReplacer(" ", "_", "-", "_").Replace(normalizeChoice(s))
	st := Status(n)
	for _, v := range Statuses {
		if st == v {
			return st, true
		}
	}
	return "", false
}

// ParsePriority returns the priority for s (case-insensitive).
func ParsePriority(s string) (Priority, bool) {
	p := Priority(normalizeChoice(s))
	for _, v := range Priorities {
		if p == v {
			return p, true
		}
	}
	return "", false
}

// Issue is a geolocated complaint reported by a citizen.
//
// Fields:
//
//	ID          – issues.id, generated by the store.
//	Title       – short summary, at most 100 characters.
//	Description – free text body.
//	Category    – one of Categories.
//	Location    – WGS84 point (issues.location, SRID 4326).
//	Status      – triage state, PENDING on creation.
//	Priority    – municipal priority, configured default on creation.
//	ReporterID  – users.id of the creator; immutable.
//	CreatedAt   – set once on insert.
//	UpdatedAt   – refreshed on every mutation.
type Issue struct {
	ID          uint64       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Category    Category     `json:"category"`
	Location    geo.GeoPoint `json:"location"`
	Status      Status       `json:"status"`
	Priority    Priority     `json:"priority"`
	ReporterID  uint64       `json:"reporter_id"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// IssueImage is a photo attached to an issue. The binary content lives in
// the blob store under BlobKey; only metadata is kept in the database.
//
// Fields:
//
//	ID          – issue_images.id.
//	IssueID     – owning issue; rows are deleted with the issue.
//	BlobKey     – object key in the blob store.
//	ContentType – sniffed MIME type (image/jpeg, image/png, ...).
//	SizeBytes   – size of the stored object.
//	Checksum    – hex BLAKE2b-256 of the content.
//	Caption     – optional, at most 100 characters.
//	UploadedAt  – upload timestamp; images are listed in upload order.
type IssueImage struct {
	ID          uint64    `json:"id"`
	IssueID     uint64    `json:"issue_id"`
	BlobKey     string    `json:"-"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum"`
	Caption     string    `json:"caption"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// NearbyIssue pairs an issue with its distance in meters from the query center.
type NearbyIssue struct {
	Issue
	DistanceMeters float64 `json:"distance_m"`
}
