package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/civic-issue-reporting/internal/middleware"
	"github.com/iliyamo/civic-issue-reporting/internal/model"
	"github.com/iliyamo/civic-issue-reporting/internal/service"
)

// IssueService is the set of use cases the HTTP layer exposes.
type IssueService interface {
	CreateIssue(ctx context.Context, p model.Principal, in service.CreateIssueInput) (*service.IssueDetail, error)
	ListIssues(ctx context.Context, p model.Principal, in service.ListInput) ([]*model.Issue, error)
	GetIssue(ctx context.Context, p model.Principal, id uint64) (*service.IssueDetail, error)
	UpdateIssue(ctx context.Context, p model.Principal, id uint64, in service.IssuePatchInput) (*model.Issue, error)
	DeleteIssue(ctx context.Context, p model.Principal, id uint64) error
	NearbyIssues(ctx context.Context, p model.Principal, in service.NearbyInput) ([]*model.NearbyIssue, error)
	AddImage(ctx context.Context, p model.Principal, issueID uint64, up service.ImageUpload) (*service.ImageView, error)
	GetImage(ctx context.Context, p model.Principal, imageID uint64) (*service.ImageView, error)
	DeleteImage(ctx context.Context, p model.Principal, imageID uint64) error
}

// multipartMemory is how much of a multipart body is buffered in memory
// before spilling to temporary files.
const multipartMemory = 32 << 20

// IssueHandler serves /v1/issues and /v1/images.
type IssueHandler struct {
	svc           IssueService
	log           *slog.Logger
	maxImageBytes int64
}

// NewIssueHandler panics when svc is nil, the same way the other handler
// constructors treat missing dependencies.
func NewIssueHandler(svc IssueService, log *slog.Logger, maxImageBytes int64) *IssueHandler {
	if svc == nil {
		panic("issue handler: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	return &IssueHandler{svc: svc, log: log, maxImageBytes: maxImageBytes}
}

func (h *IssueHandler) fail(c echo.Context, err error) error {
	return writeError(c, h.log, err)
}

func principal(c echo.Context) model.Principal {
	p, _ := middleware.PrincipalFrom(c)
	return p
}

// geoJSONPoint accepts {"type":"Point","coordinates":[lon,lat]}.
type geoJSONPoint struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// createIssueBody is the JSON create payload. Reporter, status and priority
// are deliberately absent so client-supplied values are ignored.
type createIssueBody struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Category    string        `json:"category"`
	IssueType   string        `json:"issue_type"`
	Longitude   *float64      `json:"longitude"`
	Latitude    *float64      `json:"latitude"`
	Location    *geoJSONPoint `json:"location"`
}

// CreateIssue handles POST /v1/issues. JSON bodies carry coordinates either
// as longitude/latitude or as a GeoJSON point; multipart bodies may attach
// images under "images" with optional parallel "captions".
func (h *IssueHandler) CreateIssue(c echo.Context) error {
	var (
		in  service.CreateIssueInput
		err error
	)
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		in, err = h.createFromMultipart(c)
	} else {
		in, err = createFromJSON(c)
	}
	if err != nil {
		return h.fail(c, err)
	}

	detail, err := h.svc.CreateIssue(c.Request().Context(), principal(c), in)
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set(echo.HeaderLocation, fmt.Sprintf("/v1/issues/%d", detail.ID))
	c.Response().Header().Set("ETag", service.ETag(detail.Issue))
	return c.JSON(http.StatusCreated, detail)
}

func createFromJSON(c echo.Context) (service.CreateIssueInput, error) {
	var body createIssueBody
	if err := (&echo.DefaultBinder{}).BindBody(c, &body); err != nil {
		return service.CreateIssueInput{}, invalid("body", "must be a valid JSON object")
	}
	in := service.CreateIssueInput{
		Title:       body.Title,
		Description: body.Description,
		Category:    firstNonEmpty(body.Category, body.IssueType),
		Longitude:   body.Longitude,
		Latitude:    body.Latitude,
	}
	if body.Location != nil && (in.Longitude == nil || in.Latitude == nil) {
		if len(body.Location.Coordinates) != 2 {
			return in, invalid("location", "coordinates must be [longitude, latitude]")
		}
		if t := body.Location.Type; t != "" && !strings.EqualFold(t, "Point") {
			return in, invalid("location", "type must be Point")
		}
		lon, lat := body.Location.Coordinates[0], body.Location.Coordinates[1]
		in.Longitude, in.Latitude = &lon, &lat
	}
	return in, nil
}

func (h *IssueHandler) createFromMultipart(c echo.Context) (service.CreateIssueInput, error) {
	if err := c.Request().ParseMultipartForm(multipartMemory); err != nil {
		return service.CreateIssueInput{}, invalid("body", "must be a valid multipart form")
	}
	lon, err := optFloat("longitude", c.FormValue("longitude"))
	if err != nil {
		return service.CreateIssueInput{}, err
	}
	lat, err := optFloat("latitude", c.FormValue("latitude"))
	if err != nil {
		return service.CreateIssueInput{}, err
	}
	in := service.CreateIssueInput{
		Title:       c.FormValue("title"),
		Description: c.FormValue("description"),
		Category:    firstNonEmpty(c.FormValue("category"), c.FormValue("issue_type")),
		Longitude:   lon,
		Latitude:    lat,
	}

	form := c.Request().MultipartForm
	files := make([]*multipart.FileHeader, 0, len(form.File["images"])+len(form.File["image"]))
	files = append(files, form.File["images"]...)
	files = append(files, form.File["image"]...)
	captions := form.Value["captions"]
	for i, fh := range files {
		data, err := h.readUpload(fh)
		if err != nil {
			return in, invalid(fmt.Sprintf("images[%d]", i), "could not be read")
		}
		up := service.ImageUpload{Data: data, Filename: fh.Filename}
		if i < len(captions) {
			up.Caption = captions[i]
		}
		in.Images = append(in.Images, up)
	}
	return in, nil
}

// readUpload reads at most one byte more than the limit so oversized files
// are detected without buffering them whole.
func (h *IssueHandler) readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if h.maxImageBytes > 0 {
		r = io.LimitReader(f, h.maxImageBytes+1)
	}
	return io.ReadAll(r)
}

func listInput(c echo.Context) service.ListInput {
	return service.ListInput{
		Category: firstNonEmpty(c.QueryParam("category"), c.QueryParam("issue_type")),
		Status:   c.QueryParam("status"),
		Priority: c.QueryParam("priority"),
	}
}

// ListIssues handles GET /v1/issues.
func (h *IssueHandler) ListIssues(c echo.Context) error {
	list, err := h.svc.ListIssues(c.Request().Context(), principal(c), listInput(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": list, "count": len(list)})
}

// GetIssue handles GET /v1/issues/:id. The ETag identifies the version for
// later conditional updates; a matching If-None-Match yields 304.
func (h *IssueHandler) GetIssue(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	detail, err := h.svc.GetIssue(c.Request().Context(), principal(c), id)
	if err != nil {
		return h.fail(c, err)
	}
	tag := service.ETag(detail.Issue)
	c.Response().Header().Set("ETag", tag)
	if inm := c.Request().Header.Get("If-None-Match"); inm != "" && strings.TrimPrefix(inm, "W/") == tag {
		return c.NoContent(http.StatusNotModified)
	}
	return c.JSON(http.StatusOK, detail)
}

type patchIssueBody struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
	IssueType   *string `json:"issue_type"`
	Status      *string `json:"status"`
	Priority    *string `json:"priority"`
}

// UpdateIssue handles PATCH and PUT /v1/issues/:id. Both are partial: absent
// fields are left unchanged. With If-Match the update only applies to the
// version named by the tag; otherwise 412 is returned.
func (h *IssueHandler) UpdateIssue(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	var body patchIssueBody
	if err := (&echo.DefaultBinder{}).BindBody(c, &body); err != nil {
		return h.fail(c, invalid("body", "must be a valid JSON object"))
	}
	in := service.IssuePatchInput{
		Title:       body.Title,
		Description: body.Description,
		Category:    body.Category,
		Status:      body.Status,
		Priority:    body.Priority,
	}
	if in.Category == nil {
		in.Category = body.IssueType
	}

	conditional := false
	if im := strings.TrimSpace(c.Request().Header.Get("If-Match")); im != "" && im != "*" {
		at, ok := service.ParseETag(im, id)
		if !ok {
			return preconditionFailed(c)
		}
		in.ExpectedUpdatedAt = &at
		conditional = true
	}

	updated, err := h.svc.UpdateIssue(c.Request().Context(), principal(c), id, in)
	if err != nil {
		if conditional && errors.Is(err, service.ErrConflict) {
			return preconditionFailed(c)
		}
		return h.fail(c, err)
	}
	c.Response().Header().Set("ETag", service.ETag(updated))
	return c.JSON(http.StatusOK, updated)
}

// DeleteIssue handles DELETE /v1/issues/:id.
func (h *IssueHandler) DeleteIssue(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.svc.DeleteIssue(c.Request().Context(), principal(c), id); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type nearbyBody struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Radius    *float64 `json:"radius"`
	Distance  *float64 `json:"distance"`
	Category  string   `json:"category"`
	IssueType string   `json:"issue_type"`
	Status    string   `json:"status"`
	Priority  string   `json:"priority"`
}

// NearbyIssues handles GET and POST /v1/issues/nearby. The radius is in
// meters; "distance" is accepted as an alias.
func (h *IssueHandler) NearbyIssues(c echo.Context) error {
	var (
		in  service.NearbyInput
		err error
	)
	if c.Request().Method == http.MethodPost {
		in, err = nearbyFromBody(c)
	} else {
		in, err = nearbyFromQuery(c)
	}
	if err != nil {
		return h.fail(c, err)
	}
	list, err := h.svc.NearbyIssues(c.Request().Context(), principal(c), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": list, "count": len(list)})
}

func nearbyFromQuery(c echo.Context) (service.NearbyInput, error) {
	var in service.NearbyInput
	var err error
	if in.Longitude, err = optFloat("longitude", c.QueryParam("longitude")); err != nil {
		return in, err
	}
	if in.Latitude, err = optFloat("latitude", c.QueryParam("latitude")); err != nil {
		return in, err
	}
	if in.Radius, err = optFloat("radius", firstNonEmpty(c.QueryParam("radius"), c.QueryParam("distance"))); err != nil {
		return in, err
	}
	in.ListInput = listInput(c)
	return in, nil
}

func nearbyFromBody(c echo.Context) (service.NearbyInput, error) {
	var body nearbyBody
	if err := (&echo.DefaultBinder{}).BindBody(c, &body); err != nil {
		return service.NearbyInput{}, invalid("body", "must be a valid JSON object")
	}
	in := service.NearbyInput{
		Longitude: body.Longitude,
		Latitude:  body.Latitude,
		Radius:    body.Radius,
		ListInput: service.ListInput{
			Category: firstNonEmpty(body.Category, body.IssueType),
			Status:   body.Status,
			Priority: body.Priority,
		},
	}
	if in.Radius == nil {
		in.Radius = body.Distance
	}
	return in, nil
}
