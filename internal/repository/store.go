package repository

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/iliyamo/civic-issue-reporting/internal/geo"
	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

// ListFilter narrows collection reads. Zero values mean "any".
type ListFilter struct {
	ReporterID *uint64
	Category   model.Category
	Status     model.Status
	Priority   model.Priority
}

// IssuePatch lists the fields an update may change. Nil pointers are left
// untouched. There is deliberately no way to express a change to the id,
// reporter or creation time.
//
// When ExpectedUpdatedAt is set the update only applies if the stored
// updated_at still matches it; otherwise ErrConflict is returned.
type IssuePatch struct {
	Title             *string
	Description       *string
	Category          *model.Category
	Status            *model.Status
	Priority          *model.Priority
	ExpectedUpdatedAt *time.Time
}

// IssueStore is the persistence contract shared by the MySQL, PostGIS and
// in-memory implementations.
type IssueStore interface {
	Insert(ctx context.Context, issue *model.Issue) (uint64, error)
	Get(ctx context.Context, id uint64) (*model.Issue, error)
	ListAll(ctx context.Context, filter ListFilter) ([]*model.Issue, error)
	ListByReporter(ctx context.Context, reporterID uint64, filter ListFilter) ([]*model.Issue, error)
	ListWithinRadius(ctx context.Context, center geo.GeoPoint, radiusMeters float64, filter ListFilter) ([]*model.NearbyIssue, error)
	UpdateFields(ctx context.Context, id uint64, patch IssuePatch) (*model.Issue, error)
	Delete(ctx context.Context, id uint64) ([]model.IssueImage, error)

	InsertImage(ctx context.Context, img *model.IssueImage) (uint64, error)
	GetImage(ctx context.Context, id uint64) (*model.IssueImage, error)
	ListImages(ctx context.Context, issueID uint64) ([]model.IssueImage, error)
	DeleteImage(ctx context.Context, id uint64) error
}

// Clock returns the current time. Stores take one so tests can control
// timestamps.
type Clock func() time.Time

// stamp returns now in UTC at microsecond precision, which both SQL
// backends store losslessly.
func stamp(clock Clock) time.Time {
	if clock == nil {
		clock = time.Now
	}
	return clock().UTC().Truncate(time.Microsecond)
}

// advance returns a timestamp strictly after prev so updated_at always moves
// forward even when two writes land within the clock's resolution.
func advance(clock Clock, prev time.Time) time.Time {
	now := stamp(clock)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// sqlConditions renders the filter as SQL conditions using the placeholder
// function ph (MySQL "?" or Postgres "$n"). It returns the conditions and
// their arguments in order.
func sqlConditions(filter ListFilter, ph func(int) string, argOffset int) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(cond, "?", ph(argOffset+len(args)), 1))
	}
	if filter.ReporterID != nil {
		add("reporter_id = ?", int64(*filter.ReporterID))
	}
	if filter.Category != "" {
		add("category = ?", string(filter.Category))
	}
	if filter.Status != "" {
		add("status = ?", string(filter.Status))
	}
	if filter.Priority != "" {
		add("priority = ?", string(filter.Priority))
	}
	return where, args
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// sortImages orders images by upload time, then id.
func sortImages(imgs []model.IssueImage) {
	sort.Slice(imgs, func(i, j int) bool {
		if !imgs[i].UploadedAt.Equal(imgs[j].UploadedAt) {
			return imgs[i].UploadedAt.Before(imgs[j].UploadedAt)
		}
		return imgs[i].ID < imgs[j].ID
	})
}
