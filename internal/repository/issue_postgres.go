// This file defines the PostgreSQL/PostGIS implementation of IssueStore.
// Locations are stored as geography(Point,4326) so ST_DWithin and
// ST_Distance work in meters on the spheroid.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iliyamo/civic-issue-reporting/internal/geo"
	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

const pgIssueColumns = `id, reporter_id, title, description, category,
	ST_X(location::geometry), ST_Y(location::geometry), status, priority, created_at, updated_at`

// PostgisIssueRepo implements IssueStore on PostgreSQL with PostGIS. The
// sql.DB handle must be opened with the pgx stdlib driver.
type PostgisIssueRepo struct {
	db    *sql.DB
	clock Clock
}

// NewPostgisIssueRepo constructs a PostgisIssueRepo. A nil clock uses time.Now.
func NewPostgisIssueRepo(db *sql.DB, clock Clock) *PostgisIssueRepo {
	return &PostgisIssueRepo{db: db, clock: clock}
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func (r *PostgisIssueRepo) Insert(ctx context.Context, issue *model.Issue) (uint64, error) {
	now := stamp(r.clock)
	const q = `INSERT INTO issues
		(reporter_id, title, description, category, location, status, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, ST_SetSRID(ST_MakePoint($5, $6), 4326)::geography, $7, $8, $9, $9)
		RETURNING id`
	var id int64
	err := r.db.QueryRowContext(ctx, q, int64(issue.ReporterID), issue.Title, issue.Description,
		string(issue.Category), issue.Location.Longitude, issue.Location.Latitude,
		string(issue.Status), string(issue.Priority), now).Scan(&id)
	if err != nil {
		return 0, classifyPostgres(err)
	}
	issue.ID = uint64(id)
	issue.CreatedAt = now
	issue.UpdatedAt = now
	return issue.ID, nil
}

func (r *PostgisIssueRepo) Get(ctx context.Context, id uint64) (*model.Issue, error) {
	is, err := scanIssue(r.db.QueryRowContext(ctx,
		"SELECT "+pgIssueColumns+" FROM issues WHERE id = $1", int64(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifyPostgres(err)
	}
	return is, nil
}

func (r *PostgisIssueRepo) ListAll(ctx context.Context, filter ListFilter) ([]*model.Issue, error) {
	conds, args := sqlConditions(filter, pgPlaceholder, 0)
	q := "SELECT " + pgIssueColumns + " FROM issues" + whereClause(conds) +
		" ORDER BY created_at DESC, id DESC"
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer rows.Close()

	out := []*model.Issue{}
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, classifyPostgres(err)
		}
		out = append(out, is)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(err)
	}
	return out, nil
}

func (r *PostgisIssueRepo) ListByReporter(ctx context.Context, reporterID uint64, filter ListFilter) ([]*model.Issue, error) {
	filter.ReporterID = &reporterID
	return r.ListAll(ctx, filter)
}

// ListWithinRadius uses ST_DWithin so the GIST index on location prunes the
// candidates before distances are computed.
func (r *PostgisIssueRepo) ListWithinRadius(ctx context.Context, center geo.GeoPoint, radiusMeters float64, filter ListFilter) ([]*model.NearbyIssue, error) {
	// $1 lon, $2 lat, $3 radius; filter arguments follow.
	conds, args := sqlConditions(filter, pgPlaceholder, 3)
	conds = append([]string{"ST_DWithin(location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3, false)"}, conds...)
	q := "SELECT " + pgIssueColumns +
		", ST_Distance(location, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, false) AS distance_m" +
		" FROM issues" + whereClause(conds) + " ORDER BY distance_m ASC, id ASC"
	all := append([]any{center.Longitude, center.Latitude, radiusMeters}, args...)

	rows, err := r.db.QueryContext(ctx, q, all...)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer rows.Close()

	out := []*model.NearbyIssue{}
	for rows.Next() {
		var dist float64
		is, err := scanIssue(rows, &dist)
		if err != nil {
			return nil, classifyPostgres(err)
		}
		out = append(out, &model.NearbyIssue{Issue: *is, DistanceMeters: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(err)
	}
	return out, nil
}

func (r *PostgisIssueRepo) UpdateFields(ctx context.Context, id uint64, patch IssuePatch) (out *model.Issue, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cur, err := scanIssue(tx.QueryRowContext(ctx,
		"SELECT "+pgIssueColumns+" FROM issues WHERE id = $1 FOR UPDATE", int64(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifyPostgres(err)
	}
	if patch.ExpectedUpdatedAt != nil && !patch.ExpectedUpdatedAt.Equal(cur.UpdatedAt) {
		return nil, ErrConflict
	}

	applyPatch(cur, patch)
	cur.UpdatedAt = advance(r.clock, cur.UpdatedAt)

	const q = `UPDATE issues
		SET title = $1, description = $2, category = $3, status = $4, priority = $5, updated_at = $6
		WHERE id = $7`
	if _, err = tx.ExecContext(ctx, q, cur.Title, cur.Description, string(cur.Category),
		string(cur.Status), string(cur.Priority), cur.UpdatedAt, int64(id)); err != nil {
		return nil, classifyPostgres(err)
	}
	if err = tx.Commit(); err != nil {
		return nil, classifyPostgres(err)
	}
	return cur, nil
}

// Delete removes the issue; issue_images rows go with it through
// ON DELETE CASCADE and are returned via RETURNING.
func (r *PostgisIssueRepo) Delete(ctx context.Context, id uint64) (removed []model.IssueImage, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		"DELETE FROM issue_images WHERE issue_id = $1 RETURNING "+imageColumns, int64(id))
	if err != nil {
		return nil, classifyPostgres(err)
	}
	removed = []model.IssueImage{}
	for rows.Next() {
		img, scanErr := scanImage(rows)
		if scanErr != nil {
			rows.Close()
			err = classifyPostgres(scanErr)
			return nil, err
		}
		removed = append(removed, img)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, classifyPostgres(err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM issues WHERE id = $1", int64(id))
	if err != nil {
		return nil, classifyPostgres(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrNotFound
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, classifyPostgres(err)
	}
	sortImages(removed)
	return removed, nil
}

func (r *PostgisIssueRepo) InsertImage(ctx context.Context, img *model.IssueImage) (uint64, error) {
	now := stamp(r.clock)
	const q = `INSERT INTO issue_images
		(issue_id, blob_key, content_type, size_bytes, checksum, caption, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	var id int64
	err := r.db.QueryRowContext(ctx, q, int64(img.IssueID), img.BlobKey, img.ContentType,
		img.SizeBytes, img.Checksum, img.Caption, now).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
			return 0, ErrNotFound
		}
		return 0, classifyPostgres(err)
	}
	img.ID = uint64(id)
	img.UploadedAt = now
	return img.ID, nil
}

func (r *PostgisIssueRepo) GetImage(ctx context.Context, id uint64) (*model.IssueImage, error) {
	img, err := scanImage(r.db.QueryRowContext(ctx,
		"SELECT "+imageColumns+" FROM issue_images WHERE id = $1", int64(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classifyPostgres(err)
	}
	return &img, nil
}

func (r *PostgisIssueRepo) ListImages(ctx context.Context, issueID uint64) ([]model.IssueImage, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+imageColumns+" FROM issue_images WHERE issue_id = $1 ORDER BY uploaded_at, id", int64(issueID))
	if err != nil {
		return nil, classifyPostgres(err)
	}
	defer rows.Close()
	out := []model.IssueImage{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, classifyPostgres(err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(err)
	}
	return out, nil
}

func (r *PostgisIssueRepo) DeleteImage(ctx context.Context, id uint64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM issue_images WHERE id = $1", int64(id))
	if err != nil {
		return classifyPostgres(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// classifyPostgres maps pgx failures onto the repository sentinels using
// SQLSTATE classes: 40001/40P01 are retryable conflicts, class 08 and a few
// server-side resource errors mean the store is unavailable.
func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := wrapContext(err); ctxErr != nil {
		return ctxErr
	}
	if pgconn.Timeout(err) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57014", pgErr.Code == "53300", pgErr.Code == "57P01":
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

var _ IssueStore = (*PostgisIssueRepo)(nil)
