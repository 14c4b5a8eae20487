package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/civic-issue-reporting/internal/service"
)

// AddImage handles POST /v1/issues/:id/images with a multipart "image" file
// and an optional "caption".
func (h *IssueHandler) AddImage(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	fh, err := c.FormFile("image")
	if err != nil {
		return h.fail(c, invalid("image", "a multipart file field named image is required"))
	}
	data, err := h.readUpload(fh)
	if err != nil {
		return h.fail(c, invalid("image", "could not be read"))
	}

	up := service.ImageUpload{Data: data, Filename: fh.Filename, Caption: c.FormValue("caption")}
	v, err := h.svc.AddImage(c.Request().Context(), principal(c), id, up)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, v)
}

// GetImage handles GET /v1/images/:id.
func (h *IssueHandler) GetImage(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	v, err := h.svc.GetImage(c.Request().Context(), principal(c), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

// DeleteImage handles DELETE /v1/images/:id.
func (h *IssueHandler) DeleteImage(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.svc.DeleteImage(c.Request().Context(), principal(c), id); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
