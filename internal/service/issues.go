package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/iliyamo/civic-issue-reporting/internal/blob"
	"github.com/iliyamo/civic-issue-reporting/internal/geo"
	"github.com/iliyamo/civic-issue-reporting/internal/media"
	"github.com/iliyamo/civic-issue-reporting/internal/model"
	"github.com/iliyamo/civic-issue-reporting/internal/policy"
	"github.com/iliyamo/civic-issue-reporting/internal/queue"
	"github.com/iliyamo/civic-issue-reporting/internal/repository"
)

// CreateIssue stores a new issue reported by p. The reporter is always p,
// the status PENDING and the priority the configured default. Images are
// validated before anything is written.
func (s *IssueService) CreateIssue(ctx context.Context, p model.Principal, in CreateIssueInput) (*IssueDetail, error) {
	detail, err := s.createIssue(ctx, p, in)
	return detail, s.finish("create", err)
}

func (s *IssueService) createIssue(ctx context.Context, p model.Principal, in CreateIssueInput) (*IssueDetail, error) {
	if _, err := authorize(p, policy.ActionCreate); err != nil {
		return nil, err
	}

	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	errs := fieldErrors{}
	s.checkStruct(in, "", errs)

	category := model.CategoryOther
	if strings.TrimSpace(in.Category) != "" {
		c, ok := model.ParseCategory(in.Category)
		if !ok {
			errs.add("category", "must be one of "+join(model.Categories))
		}
		category = c
	}

	var loc geo.GeoPoint
	if in.Longitude != nil && !geo.ValidLongitude(*in.Longitude) {
		errs.add("longitude", "must be a number between -180 and 180")
	}
	if in.Latitude != nil && !geo.ValidLatitude(*in.Latitude) {
		errs.add("latitude", "must be a number between -90 and 90")
	}
	if in.Longitude != nil && in.Latitude != nil {
		if pt, err := geo.MakePoint(*in.Longitude, *in.Latitude); err == nil {
			loc = pt
		}
	}

	images := s.inspectImages(in.Images, errs)
	if err := errs.err(); err != nil {
		return nil, err
	}

	is := &model.Issue{
		Title:       in.Title,
		Description: in.Description,
		Category:    category,
		Location:    loc,
		Status:      model.StatusPending,
		Priority:    s.cfg.DefaultPriority,
		ReporterID:  p.ID,
	}
	sctx, cancel := s.storeCtx(ctx)
	_, err := s.store.Insert(sctx, is)
	cancel()
	if err != nil {
		return nil, fromStore(err)
	}

	views := make([]ImageView, 0, len(images))
	stored := make([]model.IssueImage, 0, len(images))
	for i, img := range images {
		row, err := s.storeImage(ctx, is.ID, img, in.Images[i].Caption)
		if err != nil {
			// Undo the partial create so the request leaves nothing behind.
			s.rollbackCreate(ctx, is.ID, stored)
			return nil, err
		}
		stored = append(stored, *row)
		views = append(views, s.view(ctx, *row))
	}

	s.logger.Info("issue created", "issue_id", is.ID, "reporter_id", p.ID, "images", len(views))
	s.emit(ctx, queue.NewIssueEvent(queue.IssueCreated, p, is, s.now()))
	return &IssueDetail{Issue: is, Images: views}, nil
}

func (s *IssueService) rollbackCreate(ctx context.Context, issueID uint64, stored []model.IssueImage) {
	sctx, cancel := s.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if _, err := s.store.Delete(sctx, issueID); err != nil {
		s.logger.Error("rollback of partial create failed", "issue_id", issueID, "error", err)
	}
	s.deleteBlobs(sctx, stored)
}

func (s *IssueService) inspectImages(uploads []ImageUpload, errs fieldErrors) []media.Image {
	if limit := s.cfg.MaxImagesPerCreate; limit > 0 && len(uploads) > limit {
		errs.add("images", fmt.Sprintf("at most %d images are allowed", limit))
		return nil
	}
	out := make([]media.Image, 0, len(uploads))
	for i, up := range uploads {
		prefix := fmt.Sprintf("images[%d]", i)
		s.checkStruct(up, prefix+".", errs)
		img, err := media.Inspect(up.Data, s.cfg.ImageMaxBytes)
		if err != nil {
			errs.add(prefix, imageMessage(err, s.cfg.ImageMaxBytes))
			continue
		}
		out = append(out, img)
	}
	return out
}

func imageMessage(err error, limit int64) string {
	switch {
	case errors.Is(err, media.ErrEmpty):
		return "image is empty"
	case errors.Is(err, media.ErrTooLarge):
		return fmt.Sprintf("image must be at most %d bytes", limit)
	}
	return "must be a JPEG, PNG, GIF or WebP image"
}

// storeImage writes the blob and then its metadata row. When the row cannot
// be written the blob is removed again.
func (s *IssueService) storeImage(ctx context.Context, issueID uint64, img media.Image, caption string) (*model.IssueImage, error) {
	key := blob.NewKey(issueID, img.Extension)
	if err := s.blobs.Put(ctx, key, img.ContentType, img.Data); err != nil {
		return nil, fmt.Errorf("%w: blob put: %v", ErrUnavailable, err)
	}
	row := &model.IssueImage{
		IssueID:     issueID,
		BlobKey:     key,
		ContentType: img.ContentType,
		SizeBytes:   img.Size(),
		Checksum:    img.Checksum,
		Caption:     strings.TrimSpace(caption),
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if _, err := s.store.InsertImage(sctx, row); err != nil {
		s.deleteBlobs(context.WithoutCancel(ctx), []model.IssueImage{*row})
		return nil, fromStore(err)
	}
	return row, nil
}

// ListIssues returns issues visible to p, newest first. Citizens only ever
// see their own issues; municipal officers see all.
func (s *IssueService) ListIssues(ctx context.Context, p model.Principal, in ListInput) ([]*model.Issue, error) {
	list, err := s.listIssues(ctx, p, in)
	return list, s.finish("list", err)
}

func (s *IssueService) listIssues(ctx context.Context, p model.Principal, in ListInput) ([]*model.Issue, error) {
	d, err := authorize(p, policy.ActionList)
	if err != nil {
		return nil, err
	}
	errs := fieldErrors{}
	filter := s.listFilter(p, d, in, errs)
	if err := errs.err(); err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	var list []*model.Issue
	if filter.ReporterID != nil {
		list, err = s.store.ListByReporter(sctx, *filter.ReporterID, filter)
	} else {
		list, err = s.store.ListAll(sctx, filter)
	}
	if err != nil {
		return nil, fromStore(err)
	}
	return list, nil
}

// GetIssue returns the issue with its images. Issues p may not see are
// reported as ErrNotFound.
func (s *IssueService) GetIssue(ctx context.Context, p model.Principal, id uint64) (*IssueDetail, error) {
	detail, err := s.getIssue(ctx, p, id)
	return detail, s.finish("get", err)
}

func (s *IssueService) getIssue(ctx context.Context, p model.Principal, id uint64) (*IssueDetail, error) {
	is, _, err := s.loadFor(ctx, p, id, policy.ActionRead)
	if err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	imgs, err := s.store.ListImages(sctx, id)
	if err != nil {
		return nil, fromStore(err)
	}
	return &IssueDetail{Issue: is, Images: s.views(ctx, imgs)}, nil
}

// UpdateIssue applies a partial update. Citizens may change title,
// description and category of their own issues; status and priority are
// reserved for municipal officers.
func (s *IssueService) UpdateIssue(ctx context.Context, p model.Principal, id uint64, in IssuePatchInput) (*model.Issue, error) {
	is, err := s.updateIssue(ctx, p, id, in)
	return is, s.finish("update", err)
}

func (s *IssueService) updateIssue(ctx context.Context, p model.Principal, id uint64, in IssuePatchInput) (*model.Issue, error) {
	current, d, err := s.loadFor(ctx, p, id, policy.ActionUpdate)
	if err != nil {
		return nil, err
	}

	requested := requestedFields(in)
	if len(requested) == 0 {
		return nil, &ValidationError{Fields: map[string]string{"patch": "at least one field is required"}}
	}

	errs := fieldErrors{}
	for _, f := range requested.Sorted() {
		if d.Mutable.Has(f) {
			continue
		}
		if s.cfg.DropRestrictedFields {
			delete(requested, f)
			continue
		}
		errs.add(string(f), "cannot be changed by "+strings.ToLower(string(p.Role)))
	}
	if err := errs.err(); err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		if in.ExpectedUpdatedAt != nil && !in.ExpectedUpdatedAt.Equal(current.UpdatedAt) {
			return nil, ErrConflict
		}
		return current, nil
	}

	patch := s.buildPatch(in, requested, errs)
	if err := errs.err(); err != nil {
		return nil, err
	}
	patch.ExpectedUpdatedAt = in.ExpectedUpdatedAt

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	updated, err := s.store.UpdateFields(sctx, id, patch)
	if err != nil {
		return nil, fromStore(err)
	}

	fields := make([]string, 0, len(requested))
	for _, f := range requested.Sorted() {
		fields = append(fields, string(f))
	}
	s.logger.Info("issue updated", "issue_id", id, "actor_id", p.ID, "fields", fields)
	ev := queue.NewIssueEvent(queue.IssueUpdated, p, updated, s.now())
	ev.Fields = fields
	s.emit(ctx, ev)
	return updated, nil
}

func requestedFields(in IssuePatchInput) policy.FieldSet {
	set := policy.NewFieldSet()
	if in.Title != nil {
		set[policy.FieldTitle] = struct{}{}
	}
	if in.Description != nil {
		set[policy.FieldDescription] = struct{}{}
	}
	if in.Category != nil {
		set[policy.FieldCategory] = struct{}{}
	}
	if in.Status != nil {
		set[policy.FieldStatus] = struct{}{}
	}
	if in.Priority != nil {
		set[policy.FieldPriority] = struct{}{}
	}
	return set
}

// buildPatch validates the values of the fields in keep.
func (s *IssueService) buildPatch(in IssuePatchInput, keep policy.FieldSet, errs fieldErrors) repository.IssuePatch {
	var patch repository.IssuePatch
	if keep.Has(policy.FieldTitle) {
		t := strings.TrimSpace(*in.Title)
		switch {
		case t == "":
			errs.add("title", "is required")
		case len([]rune(t)) > 100:
			errs.add("title", "must be at most 100 characters")
		default:
			patch.Title = &t
		}
	}
	if keep.Has(policy.FieldDescription) {
		desc := strings.TrimSpace(*in.Description)
		if desc == "" {
			errs.add("description", "is required")
		} else {
			patch.Description = &desc
		}
	}
	if keep.Has(policy.FieldCategory) {
		if c, ok := model.ParseCategory(*in.Category); ok {
			patch.Category = &c
		} else {
			errs.add("category", "must be one of "+join(model.Categories))
		}
	}
	if keep.Has(policy.FieldStatus) {
		if st, ok := model.ParseStatus(*in.Status); ok {
			patch.Status = &st
		} else {
			errs.add("status", "must be one of "+join(model.Statuses))
		}
	}
	if keep.Has(policy.FieldPriority) {
		if pr, ok := model.ParsePriority(*in.Priority); ok {
			patch.Priority = &pr
		} else {
			errs.add("priority", "must be one of "+join(model.Priorities))
		}
	}
	return patch
}

// DeleteIssue removes an issue with all its images. Only municipal
// officers may delete; citizens get ErrForbidden even for their own issues.
func (s *IssueService) DeleteIssue(ctx context.Context, p model.Principal, id uint64) error {
	return s.finish("delete", s.deleteIssue(ctx, p, id))
}

func (s *IssueService) deleteIssue(ctx context.Context, p model.Principal, id uint64) error {
	is, _, err := s.loadFor(ctx, p, id, policy.ActionDelete)
	if err != nil {
		return err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	removed, err := s.store.Delete(sctx, id)
	if err != nil {
		return fromStore(err)
	}
	s.deleteBlobs(ctx, removed)
	s.logger.Info("issue deleted", "issue_id", id, "actor_id", p.ID, "images", len(removed))
	s.emit(ctx, queue.NewIssueEvent(queue.IssueDeleted, p, is, s.now()))
	return nil
}

// NearbyIssues returns issues within the radius of a point, closest first.
// The same visibility rule as ListIssues applies.
func (s *IssueService) NearbyIssues(ctx context.Context, p model.Principal, in NearbyInput) ([]*model.NearbyIssue, error) {
	start := time.Now()
	list, err := s.nearbyIssues(ctx, p, in)
	if err == nil {
		s.metrics.ObserveNearby(start)
	}
	return list, s.finish("nearby", err)
}

func (s *IssueService) nearbyIssues(ctx context.Context, p model.Principal, in NearbyInput) ([]*model.NearbyIssue, error) {
	d, err := authorize(p, policy.ActionNearby)
	if err != nil {
		return nil, err
	}
	errs := fieldErrors{}
	var center geo.GeoPoint
	switch {
	case in.Longitude == nil:
		errs.add("longitude", "is required")
	case !geo.ValidLongitude(*in.Longitude):
		errs.add("longitude", "must be a number between -180 and 180")
	}
	switch {
	case in.Latitude == nil:
		errs.add("latitude", "is required")
	case !geo.ValidLatitude(*in.Latitude):
		errs.add("latitude", "must be a number between -90 and 90")
	}
	if in.Longitude != nil && in.Latitude != nil {
		if pt, err := geo.MakePoint(*in.Longitude, *in.Latitude); err == nil {
			center = pt
		}
	}

	radius := s.cfg.DefaultRadiusMeters
	if in.Radius != nil {
		radius = *in.Radius
	}
	switch {
	case math.IsNaN(radius) || math.IsInf(radius, 0) || radius <= 0:
		errs.add("radius", "must be a positive number of meters")
	case s.cfg.MaxRadiusMeters > 0 && radius > s.cfg.MaxRadiusMeters:
		errs.add("radius", fmt.Sprintf("must be at most %g meters", s.cfg.MaxRadiusMeters))
	}

	filter := s.listFilter(p, d, in.ListInput, errs)
	if err := errs.err(); err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	list, err := s.store.ListWithinRadius(sctx, center, radius, filter)
	if err != nil {
		return nil, fromStore(err)
	}
	return list, nil
}
