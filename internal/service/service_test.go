package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/iliyamo/civic-issue-reporting/internal/blob"
	"github.com/iliyamo/civic-issue-reporting/internal/logger"
	"github.com/iliyamo/civic-issue-reporting/internal/metrics"
	"github.com/iliyamo/civic-issue-reporting/internal/model"
	"github.com/iliyamo/civic-issue-reporting/internal/repository"
)

var (
	citizen   = model.Principal{ID: 1, Role: model.RoleCitizen}
	neighbour = model.Principal{ID: 2, Role: model.RoleCitizen}
	officer   = model.Principal{ID: 100, Role: model.RoleMunicipal}
)

func ptr[T any](v T) *T { return &v }

func pngBytes() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

// IssueServiceSuite runs the service against the in-memory store and blob
// store so every rule is exercised end to end without external services.
type IssueServiceSuite struct {
	suite.Suite
	store   *repository.MemoryIssueStore
	blobs   *blob.Memory
	metrics *metrics.Metrics
	svc     *IssueService
	ctx     context.Context
}

func TestIssueServiceSuite(t *testing.T) {
	suite.Run(t, new(IssueServiceSuite))
}

func (s *IssueServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = repository.NewMemoryIssueStore(nil)
	s.blobs = blob.NewMemory("http://blobs.test")
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.svc = s.newService(DefaultConfig())
}

func (s *IssueServiceSuite) newService(cfg Config) *IssueService {
	svc, err := New(s.store,
		WithBlobStore(s.blobs),
		WithLogger(logger.Discard()),
		WithMetrics(s.metrics),
		WithConfig(cfg),
	)
	s.Require().NoError(err)
	return svc
}

func (s *IssueServiceSuite) create(p model.Principal, title string, lon, lat float64) *IssueDetail {
	d, err := s.svc.CreateIssue(s.ctx, p, CreateIssueInput{
		Title:       title,
		Description: "details about " + title,
		Category:    "INFRASTRUCTURE",
		Longitude:   ptr(lon),
		Latitude:    ptr(lat),
	})
	s.Require().NoError(err)
	return d
}

func (s *IssueServiceSuite) requireFields(err error, fields ...string) {
	var ve *ValidationError
	s.Require().ErrorAs(err, &ve)
	for _, f := range fields {
		s.Contains(ve.Fields, f)
	}
}

func (s *IssueServiceSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil)
		s.Error(err)
		s.Contains(err.Error(), "issue store is required")
	})

	s.Run("defaults are applied", func() {
		svc, err := New(s.store)
		s.Require().NoError(err)
		s.NotNil(svc.blobs)
		s.Equal(DefaultConfig().StoreTimeout, svc.cfg.StoreTimeout)
	})
}

func (s *IssueServiceSuite) TestCreateIssue() {
	s.Run("stamps reporter status and priority", func() {
		d := s.create(citizen, "Pothole on Main St", 78.4867, 17.3850)
		s.NotZero(d.ID)
		s.Equal(citizen.ID, d.ReporterID)
		s.Equal(model.StatusPending, d.Status)
		s.Equal(model.PriorityNormal, d.Priority)
		s.Equal(model.CategoryInfrastructure, d.Category)
		s.Empty(d.Images)
		s.NotNil(d.Images)
	})

	s.Run("category defaults to OTHER", func() {
		d, err := s.svc.CreateIssue(s.ctx, citizen, CreateIssueInput{
			Title: "Noise", Description: "Loud", Longitude: ptr(78.0), Latitude: ptr(17.0),
		})
		s.Require().NoError(err)
		s.Equal(model.CategoryOther, d.Category)
	})

	s.Run("configured default priority", func() {
		cfg := DefaultConfig()
		cfg.DefaultPriority = model.PriorityNA
		d, err := s.newService(cfg).CreateIssue(s.ctx, officer, CreateIssueInput{
			Title: "Sign", Description: "Bent", Longitude: ptr(78.0), Latitude: ptr(17.0),
		})
		s.Require().NoError(err)
		s.Equal(model.PriorityNA, d.Priority)
		s.Equal(officer.ID, d.ReporterID)
	})

	s.Run("validates fields", func() {
		long := string(bytes.Repeat([]byte("x"), 101))
		_, err := s.svc.CreateIssue(s.ctx, citizen, CreateIssueInput{
			Title: long, Description: "   ", Category: "WEATHER", Longitude: ptr(200.0),
		})
		s.requireFields(err, "title", "description", "category", "longitude", "latitude")
	})

	s.Run("rejects latitude out of range", func() {
		_, err := s.svc.CreateIssue(s.ctx, citizen, CreateIssueInput{
			Title: "t", Description: "d", Longitude: ptr(10.0), Latitude: ptr(-91.0),
		})
		s.requireFields(err, "latitude")
	})

	s.Run("unauthenticated principal", func() {
		_, err := s.svc.CreateIssue(s.ctx, model.Principal{}, CreateIssueInput{})
		s.ErrorIs(err, ErrUnauthenticated)
		_, err = s.svc.CreateIssue(s.ctx, model.Principal{ID: 5, Role: "ADMIN"}, CreateIssueInput{})
		s.ErrorIs(err, ErrUnauthenticated)
	})
}

func (s *IssueServiceSuite) TestCreateIssueWithImages() {
	s.Run("stores valid images", func() {
		d, err := s.svc.CreateIssue(s.ctx, citizen, CreateIssueInput{
			Title: "Graffiti", Description: "On the bridge", Longitude: ptr(78.0), Latitude: ptr(17.0),
			Images: []ImageUpload{{Data: pngBytes(), Filename: "a.png", Caption: "north side"}},
		})
		s.Require().NoError(err)
		s.Require().Len(d.Images, 1)
		s.Equal("image/png", d.Images[0].ContentType)
		s.Equal("north side", d.Images[0].Caption)
		s.Contains(d.Images[0].URL, "http://blobs.test/issues/")
		s.Equal(1, s.blobs.Len())
	})

	s.Run("invalid image fails before anything is written", func() {
		before, err := s.store.ListAll(s.ctx, repository.ListFilter{})
		s.Require().NoError(err)

		_, err = s.svc.CreateIssue(s.ctx, citizen, CreateIssueInput{
			Title: "Bad", Description: "upload", Longitude: ptr(78.0), Latitude: ptr(17.0),
			Images: []ImageUpload{{Data: pngBytes()}, {Data: []byte("not an image at all")}},
		})
		s.requireFields(err, "images[1]")

		after, err := s.store.ListAll(s.ctx, repository.ListFilter{})
		s.Require().NoError(err)
		s.Len(after, len(before))
	})

	s.Run("too many images", func() {
		cfg := DefaultConfig()
		cfg.MaxImagesPerCreate = 1
		_, err := s.newService(cfg).CreateIssue(s.ctx, citizen, CreateIssueInput{
			Title: "Many", Description: "pics", Longitude: ptr(78.0), Latitude: ptr(17.0),
			Images: []ImageUpload{{Data: pngBytes()}, {Data: pngBytes()}},
		})
		s.requireFields(err, "images")
	})
}

func (s *IssueServiceSuite) TestListIssuesScope() {
	mine := s.create(citizen, "mine", 78.0, 17.0)
	theirs := s.create(neighbour, "theirs", 78.0, 17.0)

	s.Run("citizen sees only own issues", func() {
		list, err := s.svc.ListIssues(s.ctx, citizen, ListInput{})
		s.Require().NoError(err)
		s.Require().Len(list, 1)
		for _, is := range list {
			s.Equal(citizen.ID, is.ReporterID)
		}
		s.Equal(mine.ID, list[0].ID)
	})

	s.Run("municipal sees every issue", func() {
		list, err := s.svc.ListIssues(s.ctx, officer, ListInput{})
		s.Require().NoError(err)
		s.Len(list, 2)
		s.Equal(theirs.ID, list[0].ID)
	})

	s.Run("filters", func() {
		list, err := s.svc.ListIssues(s.ctx, officer, ListInput{Status: "pending", Category: "infrastructure"})
		s.Require().NoError(err)
		s.Len(list, 2)
		list, err = s.svc.ListIssues(s.ctx, officer, ListInput{Priority: "HIGH"})
		s.Require().NoError(err)
		s.Empty(list)
	})

	s.Run("unknown filter values", func() {
		_, err := s.svc.ListIssues(s.ctx, officer, ListInput{Status: "CLOSED", Priority: "URGENT"})
		s.requireFields(err, "status", "priority")
	})
}

func (s *IssueServiceSuite) TestGetIssueHidesOtherCitizensIssues() {
	theirs := s.create(neighbour, "private", 78.0, 17.0)

	_, errHidden := s.svc.GetIssue(s.ctx, citizen, theirs.ID)
	_, errMissing := s.svc.GetIssue(s.ctx, citizen, 424242)
	s.ErrorIs(errHidden, ErrNotFound)
	s.ErrorIs(errMissing, ErrNotFound)
	s.Equal(errMissing.Error(), errHidden.Error())

	got, err := s.svc.GetIssue(s.ctx, officer, theirs.ID)
	s.Require().NoError(err)
	s.Equal(theirs.ID, got.ID)

	got, err = s.svc.GetIssue(s.ctx, neighbour, theirs.ID)
	s.Require().NoError(err)
	s.Equal("private", got.Title)
}

func (s *IssueServiceSuite) TestUpdateIssueRules() {
	is := s.create(citizen, "Broken bench", 78.0, 17.0)

	s.Run("citizen cannot change status or priority", func() {
		_, err := s.svc.UpdateIssue(s.ctx, citizen, is.ID, IssuePatchInput{Status: ptr("RESOLVED"), Priority: ptr("HIGH")})
		s.requireFields(err, "status", "priority")

		got, err := s.svc.GetIssue(s.ctx, citizen, is.ID)
		s.Require().NoError(err)
		s.Equal(model.StatusPending, got.Status)
	})

	s.Run("municipal applies the same patch", func() {
		updated, err := s.svc.UpdateIssue(s.ctx, officer, is.ID, IssuePatchInput{Status: ptr("RESOLVED"), Priority: ptr("HIGH")})
		s.Require().NoError(err)
		s.Equal(model.StatusResolved, updated.Status)

		got, err := s.svc.GetIssue(s.ctx, citizen, is.ID)
		s.Require().NoError(err)
		s.Equal(model.StatusResolved, got.Status)
		s.Equal(model.PriorityHigh, got.Priority)
	})

	s.Run("owner edits descriptive fields", func() {
		updated, err := s.svc.UpdateIssue(s.ctx, citizen, is.ID, IssuePatchInput{
			Title: ptr("  Broken bench in park "), Category: ptr("services"),
		})
		s.Require().NoError(err)
		s.Equal("Broken bench in park", updated.Title)
		s.Equal(model.CategoryServices, updated.Category)
		s.Equal(citizen.ID, updated.ReporterID)
	})

	s.Run("other citizen gets not found", func() {
		_, err := s.svc.UpdateIssue(s.ctx, neighbour, is.ID, IssuePatchInput{Title: ptr("mine now")})
		s.ErrorIs(err, ErrNotFound)
	})

	s.Run("empty patch", func() {
		_, err := s.svc.UpdateIssue(s.ctx, officer, is.ID, IssuePatchInput{})
		s.requireFields(err, "patch")
	})

	s.Run("invalid values", func() {
		_, err := s.svc.UpdateIssue(s.ctx, officer, is.ID, IssuePatchInput{
			Title: ptr(""), Description: ptr(" "), Status: ptr("DONE"), Priority: ptr("P1"), Category: ptr("x"),
		})
		s.requireFields(err, "title", "description", "status", "priority", "category")
	})

	s.Run("legacy status spelling", func() {
		updated, err := s.svc.UpdateIssue(s.ctx, officer, is.ID, IssuePatchInput{Status: ptr("In Progress")})
		s.Require().NoError(err)
		s.Equal(model.StatusInProgress, updated.Status)
	})

	s.Run("stale version conflicts", func() {
		cur, err := s.svc.GetIssue(s.ctx, officer, is.ID)
		s.Require().NoError(err)
		stale := cur.UpdatedAt
		_, err = s.svc.UpdateIssue(s.ctx, officer, is.ID, IssuePatchInput{Priority: ptr("LOW"), ExpectedUpdatedAt: &stale})
		s.Require().NoError(err)
		_, err = s.svc.UpdateIssue(s.ctx, officer, is.ID, IssuePatchInput{Priority: ptr("NA"), ExpectedUpdatedAt: &stale})
		s.ErrorIs(err, ErrConflict)
	})
}

func (s *IssueServiceSuite) TestUpdateIssueDropMode() {
	cfg := DefaultConfig()
	cfg.DropRestrictedFields = true
	svc := s.newService(cfg)
	is := s.create(citizen, "Flooded underpass", 78.0, 17.0)

	updated, err := svc.UpdateIssue(s.ctx, citizen, is.ID, IssuePatchInput{Title: ptr("Flooded underpass (east)"), Status: ptr("RESOLVED")})
	s.Require().NoError(err)
	s.Equal("Flooded underpass (east)", updated.Title)
	s.Equal(model.StatusPending, updated.Status)

	same, err := svc.UpdateIssue(s.ctx, citizen, is.ID, IssuePatchInput{Priority: ptr("HIGH")})
	s.Require().NoError(err)
	s.Equal(model.PriorityNormal, same.Priority)
	s.True(same.UpdatedAt.Equal(updated.UpdatedAt))

	stale := is.UpdatedAt
	_, err = svc.UpdateIssue(s.ctx, citizen, is.ID, IssuePatchInput{Status: ptr("RESOLVED"), ExpectedUpdatedAt: &stale})
	s.ErrorIs(err, ErrConflict)

	fresh := updated.UpdatedAt
	_, err = svc.UpdateIssue(s.ctx, citizen, is.ID, IssuePatchInput{Status: ptr("RESOLVED"), ExpectedUpdatedAt: &fresh})
	s.NoError(err)
}

func (s *IssueServiceSuite) TestStatusScenario() {
	is := s.create(citizen, "Streetlight out", 78.4867, 17.3850)

	_, err := s.svc.UpdateIssue(s.ctx, officer, is.ID, IssuePatchInput{Status: ptr("IN_PROGRESS"), Priority: ptr("HIGH")})
	s.Require().NoError(err)

	got, err := s.svc.GetIssue(s.ctx, citizen, is.ID)
	s.Require().NoError(err)
	s.Equal(model.StatusInProgress, got.Status)
	s.Equal(model.PriorityHigh, got.Priority)
	s.True(got.UpdatedAt.After(is.UpdatedAt))
	s.True(got.CreatedAt.Equal(is.CreatedAt))
}

func (s *IssueServiceSuite) TestNearbyIssues() {
	near := s.create(citizen, "150m away", 78.4880, 17.3860)
	s.create(citizen, "Delhi", 77.2090, 28.6139)
	other := s.create(neighbour, "neighbour's", 78.4870, 17.3852)

	s.Run("radius includes close and excludes far", func() {
		list, err := s.svc.NearbyIssues(s.ctx, officer, NearbyInput{Longitude: ptr(78.4867), Latitude: ptr(17.3850), Radius: ptr(1000.0)})
		s.Require().NoError(err)
		s.Require().Len(list, 2)
		s.Equal(other.ID, list[0].ID)
		s.Equal(near.ID, list[1].ID)
		s.InDelta(150, list[1].DistanceMeters, 60)
	})

	s.Run("citizen scope", func() {
		list, err := s.svc.NearbyIssues(s.ctx, citizen, NearbyInput{Longitude: ptr(78.4867), Latitude: ptr(17.3850)})
		s.Require().NoError(err)
		s.Require().Len(list, 1)
		s.Equal(near.ID, list[0].ID)
	})

	s.Run("default radius", func() {
		list, err := s.svc.NearbyIssues(s.ctx, officer, NearbyInput{Longitude: ptr(78.4867), Latitude: ptr(17.3850)})
		s.Require().NoError(err)
		s.Len(list, 2)
	})

	s.Run("validation", func() {
		_, err := s.svc.NearbyIssues(s.ctx, officer, NearbyInput{Radius: ptr(0.0)})
		s.requireFields(err, "longitude", "latitude", "radius")

		_, err = s.svc.NearbyIssues(s.ctx, officer, NearbyInput{Longitude: ptr(78.0), Latitude: ptr(17.0), Radius: ptr(-5.0)})
		s.requireFields(err, "radius")

		_, err = s.svc.NearbyIssues(s.ctx, officer, NearbyInput{Longitude: ptr(78.0), Latitude: ptr(17.0), Radius: ptr(50001.0)})
		s.requireFields(err, "radius")

		_, err = s.svc.NearbyIssues(s.ctx, officer, NearbyInput{Longitude: ptr(181.0), Latitude: ptr(95.0)})
		s.requireFields(err, "longitude", "latitude")
	})

	s.Run("records outcomes", func() {
		s.Equal(3.0, testutil.ToFloat64(s.metrics.Operations.WithLabelValues("nearby", metrics.OutcomeOK)))
		s.Equal(4.0, testutil.ToFloat64(s.metrics.Operations.WithLabelValues("nearby", metrics.OutcomeInvalid)))
	})
}

func (s *IssueServiceSuite) TestDeleteIssue() {
	d, err := s.svc.CreateIssue(s.ctx, citizen, CreateIssueInput{
		Title: "Dumped sofa", Description: "Blocking path", Longitude: ptr(78.0), Latitude: ptr(17.0),
		Images: []ImageUpload{{Data: pngBytes()}},
	})
	s.Require().NoError(err)
	imageID := d.Images[0].ID

	s.Run("owner citizen is forbidden", func() {
		s.ErrorIs(s.svc.DeleteIssue(s.ctx, citizen, d.ID), ErrForbidden)
	})

	s.Run("other citizen gets not found", func() {
		s.ErrorIs(s.svc.DeleteIssue(s.ctx, neighbour, d.ID), ErrNotFound)
	})

	s.Run("municipal deletes and cascades images", func() {
		s.Require().NoError(s.svc.DeleteIssue(s.ctx, officer, d.ID))
		_, err := s.svc.GetIssue(s.ctx, officer, d.ID)
		s.ErrorIs(err, ErrNotFound)
		_, err = s.svc.GetImage(s.ctx, officer, imageID)
		s.ErrorIs(err, ErrNotFound)
		s.Zero(s.blobs.Len())
	})

	s.Run("second delete is not found", func() {
		s.ErrorIs(s.svc.DeleteIssue(s.ctx, officer, d.ID), ErrNotFound)
	})
}

func (s *IssueServiceSuite) TestImages() {
	is := s.create(citizen, "Open manhole", 78.0, 17.0)

	s.Run("owner adds image", func() {
		v, err := s.svc.AddImage(s.ctx, citizen, is.ID, ImageUpload{Data: pngBytes(), Caption: "close-up"})
		s.Require().NoError(err)
		s.Equal(is.ID, v.IssueID)
		s.Len(v.Checksum, 64)
		s.NotEmpty(v.URL)

		got, err := s.svc.GetIssue(s.ctx, citizen, is.ID)
		s.Require().NoError(err)
		s.Len(got.Images, 1)
	})

	s.Run("municipal adds image", func() {
		_, err := s.svc.AddImage(s.ctx, officer, is.ID, ImageUpload{Data: pngBytes()})
		s.Require().NoError(err)
	})

	s.Run("other citizen cannot see the issue", func() {
		_, err := s.svc.AddImage(s.ctx, neighbour, is.ID, ImageUpload{Data: pngBytes()})
		s.ErrorIs(err, ErrNotFound)
	})

	s.Run("rejects non images and oversized content", func() {
		_, err := s.svc.AddImage(s.ctx, citizen, is.ID, ImageUpload{Data: []byte("<html></html>")})
		s.requireFields(err, "image")

		cfg := DefaultConfig()
		cfg.ImageMaxBytes = 10
		_, err = s.newService(cfg).AddImage(s.ctx, citizen, is.ID, ImageUpload{Data: pngBytes()})
		s.requireFields(err, "image")

		_, err = s.svc.AddImage(s.ctx, citizen, is.ID, ImageUpload{})
		s.requireFields(err, "image")
	})

	s.Run("caption too long", func() {
		_, err := s.svc.AddImage(s.ctx, citizen, is.ID, ImageUpload{Data: pngBytes(), Caption: string(bytes.Repeat([]byte("c"), 101))})
		s.requireFields(err, "caption")
	})

	s.Run("delete image visibility and ownership", func() {
		v, err := s.svc.AddImage(s.ctx, citizen, is.ID, ImageUpload{Data: pngBytes()})
		s.Require().NoError(err)
		before := s.blobs.Len()

		s.ErrorIs(s.svc.DeleteImage(s.ctx, neighbour, v.ID), ErrNotFound)
		_, err = s.svc.GetImage(s.ctx, neighbour, v.ID)
		s.ErrorIs(err, ErrNotFound)

		s.Require().NoError(s.svc.DeleteImage(s.ctx, citizen, v.ID))
		s.Equal(before-1, s.blobs.Len())
		s.ErrorIs(s.svc.DeleteImage(s.ctx, citizen, v.ID), ErrNotFound)
	})
}

func (s *IssueServiceSuite) TestStoreUnavailable() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.svc.ListIssues(ctx, officer, ListInput{})
	s.ErrorIs(err, ErrUnavailable)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Operations.WithLabelValues("list", metrics.OutcomeUnavailable)))
}

func (s *IssueServiceSuite) TestMetricsOutcomes() {
	s.create(citizen, "counted", 78.0, 17.0)
	_, _ = s.svc.GetIssue(s.ctx, citizen, 999)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Operations.WithLabelValues("create", metrics.OutcomeOK)))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Operations.WithLabelValues("get", metrics.OutcomeNotFound)))
}

func TestETagRoundTrip(t *testing.T) {
	is := &model.Issue{ID: 12, UpdatedAt: time.Date(2024, 3, 1, 10, 0, 0, 123456000, time.UTC)}
	tag := ETag(is)

	got, ok := ParseETag(tag, 12)
	if !ok || !got.Equal(is.UpdatedAt) {
		t.Fatalf("ParseETag(%s) = %v, %v", tag, got, ok)
	}
	if _, ok := ParseETag("W/"+tag, 12); !ok {
		t.Fatal("weak tag should parse")
	}
	if _, ok := ParseETag(tag, 13); ok {
		t.Fatal("tag for another issue must not parse")
	}
	if _, ok := ParseETag(`"garbage"`, 12); ok {
		t.Fatal("garbage tag must not parse")
	}
}
