// Package service implements the issue use cases: it authorizes every call
// through the policy package, validates input, and coordinates the issue
// store, the blob store and the event publisher.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/iliyamo/civic-issue-reporting/internal/blob"
	"github.com/iliyamo/civic-issue-reporting/internal/config"
	"github.com/iliyamo/civic-issue-reporting/internal/metrics"
	"github.com/iliyamo/civic-issue-reporting/internal/model"
	"github.com/iliyamo/civic-issue-reporting/internal/policy"
	"github.com/iliyamo/civic-issue-reporting/internal/queue"
	"github.com/iliyamo/civic-issue-reporting/internal/repository"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Publisher,BlobStore

// Publisher delivers issue events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev queue.IssueEvent) error
}

// BlobStore holds image content.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Delete(ctx context.Context, key string) error
	URL(ctx context.Context, key string) (string, error)
}

// Config tunes IssueService.
type Config struct {
	DefaultPriority      model.Priority
	DefaultRadiusMeters  float64
	MaxRadiusMeters      float64
	ImageMaxBytes        int64
	MaxImagesPerCreate   int
	DropRestrictedFields bool // drop citizen status/priority changes instead of rejecting them
	StoreTimeout         time.Duration
}

// DefaultConfig mirrors the defaults of config.LoadIssueConfig.
func DefaultConfig() Config {
	return Config{
		DefaultPriority:     model.PriorityNormal,
		DefaultRadiusMeters: 5000,
		MaxRadiusMeters:     50000,
		ImageMaxBytes:       5 << 20,
		MaxImagesPerCreate:  5,
		StoreTimeout:        5 * time.Second,
	}
}

// ConfigFrom converts the environment-level settings.
func ConfigFrom(c config.IssueConfig) Config {
	prio, ok := model.ParsePriority(c.DefaultPriority)
	if !ok {
		prio = model.PriorityNormal
	}
	return Config{
		DefaultPriority:      prio,
		DefaultRadiusMeters:  c.DefaultRadiusMeters,
		MaxRadiusMeters:      c.MaxRadiusMeters,
		ImageMaxBytes:        c.ImageMaxBytes,
		MaxImagesPerCreate:   c.MaxImagesPerCreate,
		DropRestrictedFields: c.CitizenRestrictedFields == config.RestrictedDrop,
		StoreTimeout:         c.StoreTimeout,
	}
}

// IssueService orchestrates issue and image operations.
type IssueService struct {
	store     repository.IssueStore
	blobs     BlobStore
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
	validate  *validator.Validate
}

type Option func(s *IssueService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *IssueService) {
		s.logger = logger
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *IssueService) {
		s.publisher = p
	}
}

func WithBlobStore(b BlobStore) Option {
	return func(s *IssueService) {
		s.blobs = b
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *IssueService) {
		s.metrics = m
	}
}

func WithConfig(cfg Config) Option {
	return func(s *IssueService) {
		s.cfg = cfg
	}
}

// WithClock sets the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *IssueService) {
		s.now = now
	}
}

// New constructs an IssueService. The store is required; without a blob
// store images are kept in memory, and without a publisher no events are sent.
func New(store repository.IssueStore, opts ...Option) (*IssueService, error) {
	if store == nil {
		return nil, errors.New("issue store is required")
	}
	s := &IssueService{
		store:  store,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.blobs == nil {
		s.blobs = blob.NewMemory("")
	}
	if s.cfg.StoreTimeout <= 0 {
		s.cfg.StoreTimeout = DefaultConfig().StoreTimeout
	}
	s.validate = newValidator()
	return s, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return strings.ToLower(f.Name)
		}
		return name
	})
	return v
}

// checkStruct runs the struct tag rules and records failures under prefix.
func (s *IssueService) checkStruct(v any, prefix string, errs fieldErrors) {
	err := s.validate.Struct(v)
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		errs.add(strings.TrimSuffix(prefix, "."), err.Error())
		return
	}
	for _, fe := range verrs {
		field := prefix + fe.Field()
		switch fe.Tag() {
		case "required":
			errs.add(field, "is required")
		case "max":
			errs.add(field, fmt.Sprintf("must be at most %s characters", fe.Param()))
		default:
			errs.add(field, "is invalid")
		}
	}
}

// storeCtx bounds a single store call.
func (s *IssueService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

// finish records the outcome of op and returns err unchanged.
func (s *IssueService) finish(op string, err error) error {
	s.metrics.RecordOperation(op, outcome(err))
	if err != nil && errors.Is(err, ErrUnavailable) {
		s.logger.Warn("store unavailable", "operation", op, "error", err)
	}
	return err
}

// emit publishes ev without letting a broker failure affect the caller.
func (s *IssueService) emit(ctx context.Context, ev queue.IssueEvent) {
	if s.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.publisher.Publish(pctx, ev); err != nil {
		s.metrics.IncEventsDropped()
		s.logger.Warn("event publish failed", "type", ev.Type, "issue_id", ev.IssueID, "error", err)
	}
}

// authorize checks a collection-level action.
func authorize(p model.Principal, action policy.Action) (policy.Decision, error) {
	d := policy.Evaluate(p, action, nil)
	if !d.Allowed {
		return d, fromDenial(d.Denial)
	}
	return d, nil
}

// loadFor fetches issue id and evaluates action against it. Invisible and
// missing issues both yield ErrNotFound.
func (s *IssueService) loadFor(ctx context.Context, p model.Principal, id uint64, action policy.Action) (*model.Issue, policy.Decision, error) {
	if d := policy.Evaluate(p, action, nil); d.Denial == policy.DenialUnauthenticated {
		return nil, d, ErrUnauthenticated
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	is, err := s.store.Get(sctx, id)
	if err != nil {
		return nil, policy.Decision{}, fromStore(err)
	}
	d := policy.Evaluate(p, action, is)
	if !d.Allowed {
		return nil, d, fromDenial(d.Denial)
	}
	return is, d, nil
}

func (s *IssueService) listFilter(p model.Principal, d policy.Decision, in ListInput, errs fieldErrors) repository.ListFilter {
	f := repository.ListFilter{ReporterID: policy.ReporterScope(p, d)}
	if in.Category != "" {
		if c, ok := model.ParseCategory(in.Category); ok {
			f.Category = c
		} else {
			errs.add("category", "must be one of "+join(model.Categories))
		}
	}
	if in.Status != "" {
		if st, ok := model.ParseStatus(in.Status); ok {
			f.Status = st
		} else {
			errs.add("status", "must be one of "+join(model.Statuses))
		}
	}
	if in.Priority != "" {
		if pr, ok := model.ParsePriority(in.Priority); ok {
			f.Priority = pr
		} else {
			errs.add("priority", "must be one of "+join(model.Priorities))
		}
	}
	return f
}

func join[T ~string](values []T) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}

// views attaches URLs to image rows. A URL failure leaves the URL empty.
func (s *IssueService) views(ctx context.Context, imgs []model.IssueImage) []ImageView {
	out := make([]ImageView, 0, len(imgs))
	for _, img := range imgs {
		out = append(out, s.view(ctx, img))
	}
	return out
}

func (s *IssueService) view(ctx context.Context, img model.IssueImage) ImageView {
	u, err := s.blobs.URL(ctx, img.BlobKey)
	if err != nil {
		s.logger.Warn("image url unavailable", "image_id", img.ID, "error", err)
	}
	return ImageView{IssueImage: img, URL: u}
}

// deleteBlobs removes objects after their rows are gone. Failures are
// logged; orphaned objects are harmless.
func (s *IssueService) deleteBlobs(ctx context.Context, imgs []model.IssueImage) {
	for _, img := range imgs {
		if err := s.blobs.Delete(ctx, img.BlobKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
			s.logger.Warn("blob delete failed", "image_id", img.ID, "key", img.BlobKey, "error", err)
		}
	}
}
