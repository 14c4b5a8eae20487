// This file defines the MySQL implementation of IssueStore. Locations are
// stored in a POINT column tagged with SRID 4326 and distances are computed
// by ST_Distance_Sphere, so MySQL 8.0.18 or newer is required.
package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/civic-issue-reporting/internal/geo"
	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

// axisOrder makes WKT input longitude-first; EPSG:4326 is latitude-first by default.
const axisOrder = "'axis-order=long-lat'"

const issueColumns = `id, reporter_id, title, description, category,
	ST_Longitude(location), ST_Latitude(location), status, priority, created_at, updated_at`

const imageColumns = `id, issue_id, blob_key, content_type, size_bytes, checksum, caption, uploaded_at`

// IssueRepo encapsulates all MySQL queries for issues and their images. It
// depends on a sql.DB connection which is configured by the database package.
type IssueRepo struct {
	db    *sql.DB
	clock Clock
}

// NewIssueRepo constructs an IssueRepo with the provided DB handle. A nil
// clock uses time.Now.
func NewIssueRepo(db *sql.DB, clock Clock) *IssueRepo {
	return &IssueRepo{db: db, clock: clock}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner, extra ...any) (*model.Issue, error) {
	var is model.Issue
	var category, status, priority string
	dest := []any{&is.ID, &is.ReporterID, &is.Title, &is.Description, &category,
		&is.Location.Longitude, &is.Location.Latitude, &status, &priority, &is.CreatedAt, &is.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	is.Category = model.Category(category)
	is.Status = model.Status(status)
	is.Priority = model.Priority(priority)
	return &is, nil
}

func scanImage(row rowScanner) (model.IssueImage, error) {
	var img model.IssueImage
	err := row.Scan(&img.ID, &img.IssueID, &img.BlobKey, &img.ContentType, &img.SizeBytes,
		&img.Checksum, &img.Caption, &img.UploadedAt)
	return img, err
}

// Insert stores a new issue and fills in its ID and timestamps.
func (r *IssueRepo) Insert(ctx context.Context, issue *model.Issue) (uint64, error) {
	now := stamp(r.clock)
	const q = `INSERT INTO issues
		(reporter_id, title, description, category, location, status, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ST_GeomFromText(?, 4326, ` + axisOrder + `), ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q, issue.ReporterID, issue.Title, issue.Description,
		string(issue.Category), issue.Location.WKT(), string(issue.Status), string(issue.Priority), now, now)
	if err != nil {
		return 0, classifyMySQL(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classifyMySQL(err)
	}
	issue.ID = uint64(id)
	issue.CreatedAt = now
	issue.UpdatedAt = now
	return issue.ID, nil
}

// Get fetches an issue by its ID regardless of reporter. Visibility is
// decided by the caller.
func (r *IssueRepo) Get(ctx context.Context, id uint64) (*model.Issue, error) {
	q := "SELECT " + issueColumns + " FROM issues WHERE id = ?"
	is, err := scanIssue(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifyMySQL(err)
	}
	return is, nil
}

// ListAll returns every issue matching filter, newest first.
func (r *IssueRepo) ListAll(ctx context.Context, filter ListFilter) ([]*model.Issue, error) {
	conds, args := sqlConditions(filter, mysqlPlaceholder, 0)
	q := "SELECT " + issueColumns + " FROM issues" + whereClause(conds) +
		" ORDER BY created_at DESC, id DESC"
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyMySQL(err)
	}
	defer rows.Close()

	out := []*model.Issue{}
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, classifyMySQL(err)
		}
		out = append(out, is)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyMySQL(err)
	}
	return out, nil
}

// ListByReporter returns the issues created by reporterID, newest first.
func (r *IssueRepo) ListByReporter(ctx context.Context, reporterID uint64, filter ListFilter) ([]*model.Issue, error) {
	filter.ReporterID = &reporterID
	return r.ListAll(ctx, filter)
}

// ListWithinRadius returns issues matching filter whose location lies within
// radiusMeters of center, closest first and ties broken by ascending id.
func (r *IssueRepo) ListWithinRadius(ctx context.Context, center geo.GeoPoint, radiusMeters float64, filter ListFilter) ([]*model.NearbyIssue, error) {
	conds, args := sqlConditions(filter, mysqlPlaceholder, 0)
	// The MBR pre-filter lets idx_issues_location prune before the exact distance check.
	if box, ok := geo.BoundingBox(center, radiusMeters); ok {
		conds = append(conds, "MBRContains(ST_GeomFromText(?, 4326, "+axisOrder+"), location)")
		args = append(args, box.WKT())
	}
	q := `SELECT * FROM (
		SELECT ` + issueColumns + `,
			ST_Distance_Sphere(location, ST_GeomFromText(?, 4326, ` + axisOrder + `)) AS distance_m
		FROM issues` + whereClause(conds) + `
	) AS nearby WHERE nearby.distance_m <= ? ORDER BY nearby.distance_m ASC, nearby.id ASC`
	all := append([]any{center.WKT()}, args...)
	all = append(all, radiusMeters)

	rows, err := r.db.QueryContext(ctx, q, all...)
	if err != nil {
		return nil, classifyMySQL(err)
	}
	defer rows.Close()

	out := []*model.NearbyIssue{}
	for rows.Next() {
		var dist float64
		is, err := scanIssue(rows, &dist)
		if err != nil {
			return nil, classifyMySQL(err)
		}
		out = append(out, &model.NearbyIssue{Issue: *is, DistanceMeters: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyMySQL(err)
	}
	return out, nil
}

// UpdateFields applies patch to the issue inside a transaction. The row is
// locked with SELECT ... FOR UPDATE so concurrent updates serialize and each
// one writes all of its fields plus updated_at in a single statement.
func (r *IssueRepo) UpdateFields(ctx context.Context, id uint64, patch IssuePatch) (out *model.Issue, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyMySQL(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cur, err := scanIssue(tx.QueryRowContext(ctx,
		"SELECT "+issueColumns+" FROM issues WHERE id = ? FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifyMySQL(err)
	}
	if patch.ExpectedUpdatedAt != nil && !patch.ExpectedUpdatedAt.Equal(cur.UpdatedAt) {
		return nil, ErrConflict
	}

	applyPatch(cur, patch)
	cur.UpdatedAt = advance(r.clock, cur.UpdatedAt)

	const q = `UPDATE issues
		SET title = ?, description = ?, category = ?, status = ?, priority = ?, updated_at = ?
		WHERE id = ?`
	if _, err = tx.ExecContext(ctx, q, cur.Title, cur.Description, string(cur.Category),
		string(cur.Status), string(cur.Priority), cur.UpdatedAt, id); err != nil {
		return nil, classifyMySQL(err)
	}
	if err = tx.Commit(); err != nil {
		return nil, classifyMySQL(err)
	}
	return cur, nil
}

// Delete removes an issue and its image rows in one transaction and returns
// the removed images so the caller can clean up their blobs.
func (r *IssueRepo) Delete(ctx context.Context, id uint64) (removed []model.IssueImage, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyMySQL(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists uint64
	if err = tx.QueryRowContext(ctx, "SELECT id FROM issues WHERE id = ? FOR UPDATE", id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifyMySQL(err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT "+imageColumns+" FROM issue_images WHERE issue_id = ? ORDER BY uploaded_at, id", id)
	if err != nil {
		return nil, classifyMySQL(err)
	}
	removed = []model.IssueImage{}
	for rows.Next() {
		img, scanErr := scanImage(rows)
		if scanErr != nil {
			rows.Close()
			err = classifyMySQL(scanErr)
			return nil, err
		}
		removed = append(removed, img)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, classifyMySQL(err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM issue_images WHERE issue_id = ?", id); err != nil {
		return nil, classifyMySQL(err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM issues WHERE id = ?", id); err != nil {
		return nil, classifyMySQL(err)
	}
	if err = tx.Commit(); err != nil {
		return nil, classifyMySQL(err)
	}
	return removed, nil
}

// InsertImage stores image metadata for an existing issue.
func (r *IssueRepo) InsertImage(ctx context.Context, img *model.IssueImage) (uint64, error) {
	now := stamp(r.clock)
	const q = `INSERT INTO issue_images
		(issue_id, blob_key, content_type, size_bytes, checksum, caption, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q, img.IssueID, img.BlobKey, img.ContentType, img.SizeBytes,
		img.Checksum, img.Caption, now)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == 1452 { // foreign key: issue vanished
			return 0, ErrNotFound
		}
		return 0, classifyMySQL(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classifyMySQL(err)
	}
	img.ID = uint64(id)
	img.UploadedAt = now
	return img.ID, nil
}

// GetImage fetches image metadata by id.
func (r *IssueRepo) GetImage(ctx context.Context, id uint64) (*model.IssueImage, error) {
	img, err := scanImage(r.db.QueryRowContext(ctx,
		"SELECT "+imageColumns+" FROM issue_images WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifyMySQL(err)
	}
	return &img, nil
}

// ListImages returns the images of an issue in upload order.
func (r *IssueRepo) ListImages(ctx context.Context, issueID uint64) ([]model.IssueImage, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+imageColumns+" FROM issue_images WHERE issue_id = ? ORDER BY uploaded_at, id", issueID)
	if err != nil {
		return nil, classifyMySQL(err)
	}
	defer rows.Close()
	out := []model.IssueImage{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, classifyMySQL(err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyMySQL(err)
	}
	return out, nil
}

// DeleteImage removes one image row. It returns ErrNotFound when no row is affected.
func (r *IssueRepo) DeleteImage(ctx context.Context, id uint64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM issue_images WHERE id = ?", id)
	if err != nil {
		return classifyMySQL(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func mysqlPlaceholder(int) string { return "?" }

// classifyMySQL maps driver failures onto the repository sentinels.
// Connection loss and timeouts become ErrUnavailable; deadlocks and lock
// wait timeouts become ErrConflict because retrying them is safe.
func classifyMySQL(err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := wrapContext(err); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213: // lock wait timeout, deadlock
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case 1040, 1053, 2002, 2003, 2006, 2013: // too many connections, shutdown, gone away
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

var _ IssueStore = (*IssueRepo)(nil)
