package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/iliyamo/civic-issue-reporting/internal/geo"
	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

// MemoryIssueStore keeps issues and images in process memory. It backs the
// unit tests and local runs without a database. A single RWMutex makes every
// update atomic across all of its fields.
type MemoryIssueStore struct {
	mu          sync.RWMutex
	issues      map[uint64]model.Issue
	images      map[uint64]model.IssueImage
	nextIssueID uint64
	nextImageID uint64
	clock       Clock
}

// NewMemoryIssueStore returns an empty store. A nil clock uses time.Now.
func NewMemoryIssueStore(clock Clock) *MemoryIssueStore {
	return &MemoryIssueStore{
		issues: make(map[uint64]model.Issue),
		images: make(map[uint64]model.IssueImage),
		clock:  clock,
	}
}

func (s *MemoryIssueStore) Insert(ctx context.Context, issue *model.Issue) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrapContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIssueID++
	now := stamp(s.clock)
	issue.ID = s.nextIssueID
	issue.CreatedAt = now
	issue.UpdatedAt = now
	s.issues[issue.ID] = *issue
	return issue.ID, nil
}

func (s *MemoryIssueStore) Get(ctx context.Context, id uint64) (*model.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	is, ok := s.issues[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &is, nil
}

func (s *MemoryIssueStore) ListAll(ctx context.Context, filter ListFilter) ([]*model.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Issue, 0, len(s.issues))
	for _, is := range s.issues {
		if matches(is, filter) {
			cp := is
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryIssueStore) ListByReporter(ctx context.Context, reporterID uint64, filter ListFilter) ([]*model.Issue, error) {
	filter.ReporterID = &reporterID
	return s.ListAll(ctx, filter)
}

func (s *MemoryIssueStore) ListWithinRadius(ctx context.Context, center geo.GeoPoint, radiusMeters float64, filter ListFilter) ([]*model.NearbyIssue, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.NearbyIssue{}
	for _, is := range s.issues {
		if !matches(is, filter) {
			continue
		}
		d := geo.Distance(center, is.Location)
		if d <= radiusMeters {
			out = append(out, &model.NearbyIssue{Issue: is, DistanceMeters: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryIssueStore) UpdateFields(ctx context.Context, id uint64, patch IssuePatch) (*model.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	is, ok := s.issues[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.ExpectedUpdatedAt != nil && !patch.ExpectedUpdatedAt.Equal(is.UpdatedAt) {
		return nil, ErrConflict
	}
	applyPatch(&is, patch)
	is.UpdatedAt = advance(s.clock, is.UpdatedAt)
	s.issues[id] = is
	return &is, nil
}

func (s *MemoryIssueStore) Delete(ctx context.Context, id uint64) ([]model.IssueImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.issues[id]; !ok {
		return nil, ErrNotFound
	}
	removed := s.imagesOf(id)
	for _, img := range removed {
		delete(s.images, img.ID)
	}
	delete(s.issues, id)
	return removed, nil
}

func (s *MemoryIssueStore) InsertImage(ctx context.Context, img *model.IssueImage) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrapContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.issues[img.IssueID]; !ok {
		return 0, ErrNotFound
	}
	s.nextImageID++
	img.ID = s.nextImageID
	img.UploadedAt = stamp(s.clock)
	s.images[img.ID] = *img
	return img.ID, nil
}

func (s *MemoryIssueStore) GetImage(ctx context.Context, id uint64) (*model.IssueImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &img, nil
}

func (s *MemoryIssueStore) ListImages(ctx context.Context, issueID uint64) ([]model.IssueImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.imagesOf(issueID), nil
}

func (s *MemoryIssueStore) DeleteImage(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return wrapContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[id]; !ok {
		return ErrNotFound
	}
	delete(s.images, id)
	return nil
}

// imagesOf returns the images of an issue in upload order. Callers hold the lock.
func (s *MemoryIssueStore) imagesOf(issueID uint64) []model.IssueImage {
	out := []model.IssueImage{}
	for _, img := range s.images {
		if img.IssueID == issueID {
			out = append(out, img)
		}
	}
	sortImages(out)
	return out
}

func matches(is model.Issue, f ListFilter) bool {
	if f.ReporterID != nil && is.ReporterID != *f.ReporterID {
		return false
	}
	if f.Category != "" && is.Category != f.Category {
		return false
	}
	if f.Status != "" && is.Status != f.Status {
		return false
	}
	if f.Priority != "" && is.Priority != f.Priority {
		return false
	}
	return true
}

func applyPatch(is *model.Issue, p IssuePatch) {
	if p.Title != nil {
		is.Title = *p.Title
	}
	if p.Description != nil {
		is.Description = *p.Description
	}
	if p.Category != nil {
		is.Category = *p.Category
	}
	if p.Status != nil {
		is.Status = *p.Status
	}
	if p.Priority != nil {
		is.Priority = *p.Priority
	}
}

var _ IssueStore = (*MemoryIssueStore)(nil)
