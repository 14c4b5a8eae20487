package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/iliyamo/civic-issue-reporting/internal/geo"
	"github.com/iliyamo/civic-issue-reporting/internal/model"
)

// storeSuite exercises the IssueStore contract. Each backend embeds it and
// supplies newStore, which must return an empty store.
type storeSuite struct {
	suite.Suite
	newStore func() IssueStore
	store    IssueStore
	ctx      context.Context
}

var (
	hyderabad = geo.GeoPoint{Longitude: 78.4867, Latitude: 17.3850}
	// ~1.1 km north of hyderabad
	nearby1km = geo.GeoPoint{Longitude: 78.4867, Latitude: 17.3950}
	// ~11 km north of hyderabad
	far11km = geo.GeoPoint{Longitude: 78.4867, Latitude: 17.4850}
)

func (s *storeSuite) SetupTest() {
	s.store = s.newStore()
	s.ctx = context.Background()
}

func (s *storeSuite) insert(reporter uint64, title string, loc geo.GeoPoint) *model.Issue {
	is := &model.Issue{
		Title:       title,
		Description: "description of " + title,
		Category:    model.CategoryInfrastructure,
		Location:    loc,
		Status:      model.StatusPending,
		Priority:    model.PriorityNormal,
		ReporterID:  reporter,
	}
	_, err := s.store.Insert(s.ctx, is)
	s.Require().NoError(err)
	return is
}

func ids(list []*model.Issue) []uint64 {
	out := make([]uint64, 0, len(list))
	for _, is := range list {
		out = append(out, is.ID)
	}
	return out
}

func (s *storeSuite) TestInsertAndGet() {
	s.Run("assigns id and timestamps", func() {
		is := s.insert(7, "Broken light", hyderabad)
		s.NotZero(is.ID)
		s.False(is.CreatedAt.IsZero())
		s.True(is.CreatedAt.Equal(is.UpdatedAt))

		got, err := s.store.Get(s.ctx, is.ID)
		s.Require().NoError(err)
		s.Equal(is.Title, got.Title)
		s.Equal(is.Description, got.Description)
		s.Equal(model.CategoryInfrastructure, got.Category)
		s.Equal(model.StatusPending, got.Status)
		s.Equal(model.PriorityNormal, got.Priority)
		s.Equal(uint64(7), got.ReporterID)
		s.InDelta(hyderabad.Longitude, got.Location.Longitude, 1e-9)
		s.InDelta(hyderabad.Latitude, got.Location.Latitude, 1e-9)
		s.True(is.CreatedAt.Equal(got.CreatedAt))
	})

	s.Run("unknown id is not found", func() {
		_, err := s.store.Get(s.ctx, 999999)
		s.ErrorIs(err, ErrNotFound)
	})
}

func (s *storeSuite) TestListOrderingAndScope() {
	a := s.insert(1, "first", hyderabad)
	b := s.insert(2, "second", hyderabad)
	c := s.insert(1, "third", hyderabad)

	all, err := s.store.ListAll(s.ctx, ListFilter{})
	s.Require().NoError(err)
	s.Equal([]uint64{c.ID, b.ID, a.ID}, ids(all))

	mine, err := s.store.ListByReporter(s.ctx, 1, ListFilter{})
	s.Require().NoError(err)
	s.Equal([]uint64{c.ID, a.ID}, ids(mine))

	none, err := s.store.ListByReporter(s.ctx, 42, ListFilter{})
	s.Require().NoError(err)
	s.NotNil(none)
	s.Empty(none)
}

func (s *storeSuite) TestListFilters() {
	a := s.insert(1, "pothole", hyderabad)
	b := s.insert(1, "streetlight outage", hyderabad)
	services := model.CategoryServices
	resolved := model.StatusResolved
	_, err := s.store.UpdateFields(s.ctx, b.ID, IssuePatch{Category: &services, Status: &resolved})
	s.Require().NoError(err)

	got, err := s.store.ListAll(s.ctx, ListFilter{Category: model.CategoryServices})
	s.Require().NoError(err)
	s.Equal([]uint64{b.ID}, ids(got))

	got, err = s.store.ListAll(s.ctx, ListFilter{Status: model.StatusPending})
	s.Require().NoError(err)
	s.Equal([]uint64{a.ID}, ids(got))

	got, err = s.store.ListByReporter(s.ctx, 1, ListFilter{Priority: model.PriorityHigh})
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *storeSuite) TestListWithinRadius() {
	near := s.insert(1, "near", nearby1km)
	center := s.insert(2, "center", hyderabad)
	far := s.insert(3, "far", far11km)

	s.Run("returns issues inside the radius closest first", func() {
		got, err := s.store.ListWithinRadius(s.ctx, hyderabad, 5000, ListFilter{})
		s.Require().NoError(err)
		s.Require().Len(got, 2)
		s.Equal(center.ID, got[0].ID)
		s.Equal(near.ID, got[1].ID)
		s.InDelta(0, got[0].DistanceMeters, 0.5)
		want := geo.Distance(hyderabad, nearby1km)
		s.InDelta(want, got[1].DistanceMeters, want*0.01)
		for _, n := range got {
			s.LessOrEqual(n.DistanceMeters, 5000.0)
		}
	})

	s.Run("keeps points near the corner of the search box", func() {
		diagonal := geo.GeoPoint{Longitude: hyderabad.Longitude + 0.03, Latitude: hyderabad.Latitude + 0.03}
		s.Require().Less(geo.Distance(hyderabad, diagonal), 5000.0)
		d := s.insert(4, "diagonal", diagonal)
		got, err := s.store.ListWithinRadius(s.ctx, hyderabad, 5000, ListFilter{})
		s.Require().NoError(err)
		ids := make([]uint64, 0, len(got))
		for _, n := range got {
			ids = append(ids, n.ID)
		}
		s.Contains(ids, d.ID)
		s.NotContains(ids, far.ID)
	})

	s.Run("applies filters", func() {
		reporter := uint64(1)
		got, err := s.store.ListWithinRadius(s.ctx, hyderabad, 50000, ListFilter{ReporterID: &reporter})
		s.Require().NoError(err)
		s.Require().Len(got, 1)
		s.Equal(near.ID, got[0].ID)
	})

	s.Run("empty result is an empty slice", func() {
		got, err := s.store.ListWithinRadius(s.ctx, geo.GeoPoint{Longitude: -0.1276, Latitude: 51.5072}, 1000, ListFilter{})
		s.Require().NoError(err)
		s.NotNil(got)
		s.Empty(got)
	})
}

func (s *storeSuite) TestListWithinRadiusTieBreaksByID() {
	a := s.insert(1, "a", nearby1km)
	b := s.insert(1, "b", nearby1km)
	got, err := s.store.ListWithinRadius(s.ctx, hyderabad, 5000, ListFilter{})
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(a.ID, got[0].ID)
	s.Equal(b.ID, got[1].ID)
	s.InDelta(got[0].DistanceMeters, got[1].DistanceMeters, 1e-6)
}

func (s *storeSuite) TestUpdateFields() {
	is := s.insert(5, "Leaking pipe", hyderabad)

	s.Run("changes only patched fields and advances updated_at", func() {
		title := "Leaking main pipe"
		high := model.PriorityHigh
		got, err := s.store.UpdateFields(s.ctx, is.ID, IssuePatch{Title: &title, Priority: &high})
		s.Require().NoError(err)
		s.Equal(title, got.Title)
		s.Equal(model.PriorityHigh, got.Priority)
		s.Equal(is.Description, got.Description)
		s.Equal(model.StatusPending, got.Status)
		s.Equal(uint64(5), got.ReporterID)
		s.True(got.CreatedAt.Equal(is.CreatedAt))
		s.True(got.UpdatedAt.After(is.UpdatedAt))

		stored, err := s.store.Get(s.ctx, is.ID)
		s.Require().NoError(err)
		s.Equal(title, stored.Title)
		s.True(stored.UpdatedAt.Equal(got.UpdatedAt))
	})

	s.Run("stale expected updated_at conflicts", func() {
		stale := is.UpdatedAt
		title := "should not apply"
		_, err := s.store.UpdateFields(s.ctx, is.ID, IssuePatch{Title: &title, ExpectedUpdatedAt: &stale})
		s.ErrorIs(err, ErrConflict)

		stored, err := s.store.Get(s.ctx, is.ID)
		s.Require().NoError(err)
		s.NotEqual(title, stored.Title)
	})

	s.Run("matching expected updated_at applies", func() {
		cur, err := s.store.Get(s.ctx, is.ID)
		s.Require().NoError(err)
		inProgress := model.StatusInProgress
		got, err := s.store.UpdateFields(s.ctx, is.ID, IssuePatch{Status: &inProgress, ExpectedUpdatedAt: &cur.UpdatedAt})
		s.Require().NoError(err)
		s.Equal(model.StatusInProgress, got.Status)
	})

	s.Run("unknown id is not found", func() {
		title := "x"
		_, err := s.store.UpdateFields(s.ctx, 999999, IssuePatch{Title: &title})
		s.ErrorIs(err, ErrNotFound)
	})
}

// TestConcurrentUpdatesAreAtomic checks that each update writes all of its
// fields together: title and description always come from the same writer.
func (s *storeSuite) TestConcurrentUpdatesAreAtomic() {
	is := s.insert(1, "race", hyderabad)
	const writers = 16

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			title := fmt.Sprintf("writer-%d", i)
			desc := fmt.Sprintf("written by writer-%d", i)
			_, err := s.store.UpdateFields(s.ctx, is.ID, IssuePatch{Title: &title, Description: &desc})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		s.ErrorIs(err, ErrConflict)
	}
	s.Positive(succeeded)

	got, err := s.store.Get(s.ctx, is.ID)
	s.Require().NoError(err)
	s.Equal("written by "+got.Title, got.Description)
	s.True(got.UpdatedAt.After(is.UpdatedAt))
}

func (s *storeSuite) TestImages() {
	is := s.insert(1, "graffiti", hyderabad)

	s.Run("insert list and delete", func() {
		first := &model.IssueImage{IssueID: is.ID, BlobKey: "k1", ContentType: "image/png", SizeBytes: 10, Checksum: "aa", Caption: "front"}
		second := &model.IssueImage{IssueID: is.ID, BlobKey: "k2", ContentType: "image/jpeg", SizeBytes: 20, Checksum: "bb"}
		_, err := s.store.InsertImage(s.ctx, first)
		s.Require().NoError(err)
		_, err = s.store.InsertImage(s.ctx, second)
		s.Require().NoError(err)
		s.NotZero(first.ID)
		s.False(first.UploadedAt.IsZero())

		list, err := s.store.ListImages(s.ctx, is.ID)
		s.Require().NoError(err)
		s.Require().Len(list, 2)
		s.Equal(first.ID, list[0].ID)
		s.Equal("k1", list[0].BlobKey)
		s.Equal("front", list[0].Caption)
		s.Equal(second.ID, list[1].ID)

		got, err := s.store.GetImage(s.ctx, second.ID)
		s.Require().NoError(err)
		s.Equal("image/jpeg", got.ContentType)
		s.Equal(int64(20), got.SizeBytes)

		s.Require().NoError(s.store.DeleteImage(s.ctx, first.ID))
		s.ErrorIs(s.store.DeleteImage(s.ctx, first.ID), ErrNotFound)
		_, err = s.store.GetImage(s.ctx, first.ID)
		s.ErrorIs(err, ErrNotFound)
	})

	s.Run("image for missing issue is not found", func() {
		_, err := s.store.InsertImage(s.ctx, &model.IssueImage{IssueID: 999999, BlobKey: "k", ContentType: "image/png", Checksum: "cc"})
		s.ErrorIs(err, ErrNotFound)
	})

	s.Run("list for issue without images is empty", func() {
		other := s.insert(1, "no images", hyderabad)
		list, err := s.store.ListImages(s.ctx, other.ID)
		s.Require().NoError(err)
		s.NotNil(list)
		s.Empty(list)
	})
}

func (s *storeSuite) TestDeleteRemovesImages() {
	is := s.insert(1, "fallen tree", hyderabad)
	img := &model.IssueImage{IssueID: is.ID, BlobKey: "tree.jpg", ContentType: "image/jpeg", SizeBytes: 5, Checksum: "dd"}
	_, err := s.store.InsertImage(s.ctx, img)
	s.Require().NoError(err)

	removed, err := s.store.Delete(s.ctx, is.ID)
	s.Require().NoError(err)
	s.Require().Len(removed, 1)
	s.Equal("tree.jpg", removed[0].BlobKey)

	_, err = s.store.Get(s.ctx, is.ID)
	s.ErrorIs(err, ErrNotFound)
	_, err = s.store.GetImage(s.ctx, img.ID)
	s.ErrorIs(err, ErrNotFound)

	_, err = s.store.Delete(s.ctx, is.ID)
	s.ErrorIs(err, ErrNotFound)

	near, err := s.store.ListWithinRadius(s.ctx, hyderabad, 1000, ListFilter{})
	s.Require().NoError(err)
	s.Empty(near)
}

// stepClock returns a clock that advances by step on every call.
func stepClock(start time.Time, step time.Duration) Clock {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}
