package worklist

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radreport/radreport/internal/platform/apperr"
	"github.com/radreport/radreport/internal/platform/auth"
	"github.com/radreport/radreport/pkg/pagination"
)

type Handler struct {
	store  Store
	logger zerolog.Logger
}

func NewHandler(store Store, logger zerolog.Logger) *Handler {
	return &Handler{store: store, logger: logger.With().Str("component", "worklist_handler").Logger()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleTechnologist, auth.RoleResident, auth.RoleRadiologist, auth.RoleAttending))
	read.GET("/worklist", h.List)
	read.GET("/worklist/:study_id", h.Get)
}

func (h *Handler) List(c echo.Context) error {
	status := c.QueryParam("status")
	switch status {
	case "", StatusScheduled, StatusInProgress, StatusCompleted:
	default:
		return apperr.Write(c, apperr.Validation([]string{"status must be one of [scheduled in_progress completed]"}))
	}
	pg := pagination.FromContext(c)
	items, total, err := h.store.List(c.Request().Context(), status, pg.Limit, pg.Offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("list worklist failed")
		return apperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	it, err := h.store.Get(c.Request().Context(), c.Param("study_id"))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			h.logger.Error().Err(err).Str("study_id", c.Param("study_id")).Msg("get worklist item failed")
		}
		return apperr.Write(c, err)
	}
	return c.JSON(http.StatusOK, it)
}
