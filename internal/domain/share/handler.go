package share

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radreport/radreport/internal/domain/report"
	"github.com/radreport/radreport/internal/platform/apperr"
	"github.com/radreport/radreport/internal/platform/auth"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		validate: apperr.NewValidator(),
		logger:   logger.With().Str("component", "share_handler").Logger(),
	}
}

// RegisterRoutes mounts share creation behind writer roles and redemption
// without authentication; auth.AuthSkipper lists the public route.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	write := api.Group("", auth.RequireRole(auth.RoleResident, auth.RoleRadiologist, auth.RoleAttending))
	write.POST("/reports/:id/shares", h.Create)
	api.GET("/shares/:token", h.Redeem)
}

type createRequest struct {
	TTLSeconds int      `json:"ttl_seconds" validate:"min=0"`
	Legends    []Legend `json:"legends" validate:"max=50,dive"`
	Note       string   `json:"note" validate:"max=2000"`
}

func (h *Handler) Create(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := h.validate.Struct(&req); err != nil {
		return apperr.Write(c, apperr.FromValidation(err))
	}

	ident := auth.IdentityFromContext(c.Request().Context())
	rid, _ := c.Get("request_id").(string)
	actor := report.Actor{
		UserID:    ident.UserID,
		Name:      ident.Name,
		Roles:     ident.Roles,
		SourceIP:  c.RealIP(),
		UserAgent: c.Request().UserAgent(),
		RequestID: rid,
	}
	created, err := h.svc.Create(c.Request().Context(), actor, id, CreateInput{
		TTL:     time.Duration(req.TTLSeconds) * time.Second,
		Legends: req.Legends,
		Note:    req.Note,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) Redeem(c echo.Context) error {
	p, err := h.svc.Redeem(c.Request().Context(), c.Param("token"), c.RealIP())
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) fail(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("share request failed")
	}
	return apperr.Write(c, err)
}
