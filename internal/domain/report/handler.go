package report

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radreport/radreport/internal/platform/apperr"
	"github.com/radreport/radreport/internal/platform/auth"
	"github.com/radreport/radreport/internal/platform/fhir"
	"github.com/radreport/radreport/pkg/pagination"
)

type Handler struct {
	svc      *Service
	renderer Renderer
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewHandler(svc *Service, renderer Renderer, logger zerolog.Logger) *Handler {
	if renderer == nil {
		renderer = DiagnosticReportRenderer{}
	}
	return &Handler{
		svc:      svc,
		renderer: renderer,
		validate: apperr.NewValidator(),
		logger:   logger.With().Str("component", "report_handler").Logger(),
	}
}

var (
	readRoles  = []string{auth.RoleViewer, auth.RoleTechnologist, auth.RoleResident, auth.RoleRadiologist, auth.RoleAttending}
	writeRoles = []string{auth.RoleResident, auth.RoleRadiologist, auth.RoleAttending}
	signRoles  = []string{auth.RoleRadiologist, auth.RoleAttending}
)

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	read := api.Group("", auth.RequireRole(readRoles...))
	read.GET("/reports", h.List)
	read.GET("/reports/:id", h.Get)
	read.GET("/reports/:id/revisions", h.Revisions)
	read.GET("/reports/:id/verify", h.Verify)

	write := api.Group("", auth.RequireRole(writeRoles...))
	write.POST("/reports", h.Create)
	write.PUT("/reports/:id", h.Update)
	write.POST("/reports/:id/finalize", h.Finalize)
	write.POST("/reports/:id/addenda", h.AppendAddendum)
	write.POST("/reports/:id/critical-communications", h.RecordCriticalCommunication)
	write.DELETE("/reports/:id", h.Delete)

	sign := api.Group("", auth.RequireRole(signRoles...))
	sign.POST("/reports/:id/sign", h.Sign)

	fhirRead := fhirGroup.Group("", auth.RequireRole(readRoles...))
	fhirRead.GET("/DiagnosticReport/:id", h.GetDiagnosticReportFHIR)
}

type createRequest struct {
	StudyID         string `json:"study_id" validate:"required,max=128"`
	AccessionNumber string `json:"accession_number" validate:"max=64"`
	PatientID       string `json:"patient_id" validate:"required,max=128"`
	PatientName     string `json:"patient_name" validate:"max=256"`
	AIJobID         string `json:"ai_job_id" validate:"max=128"`
	Version         int    `json:"version" validate:"min=0"`
	ProposedUpdate
}

type updateRequest struct {
	Version int `json:"version" validate:"min=0"`
	ProposedUpdate
}

type versionRequest struct {
	Version int `json:"version" validate:"min=0"`
}

type signRequest struct {
	Version         int    `json:"version" validate:"min=0"`
	Intent          string `json:"intent" validate:"omitempty,oneof=initial addendum"`
	Meaning         string `json:"meaning" validate:"omitempty,oneof=author reviewer approver"`
	Password        string `json:"password"`
	Reason          string `json:"reason" validate:"max=2000"`
	SignatureText   string `json:"signature_text" validate:"max=512"`
	SignatureImage  []byte `json:"signature_image" validate:"max=524288"`
	AddendumContent string `json:"addendum_content" validate:"max=20000"`
}

type addendumRequest struct {
	Version int    `json:"version" validate:"min=0"`
	Content string `json:"content" validate:"max=20000"`
	Reason  string `json:"reason" validate:"max=2000"`
}

type communicationRequest struct {
	Version   int    `json:"version" validate:"min=0"`
	Recipient string `json:"recipient" validate:"required,max=256"`
	Method    string `json:"method" validate:"required,oneof=phone in_person secure_message pager video"`
	Notes     string `json:"notes" validate:"max=4000"`
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	token, err := versionToken(c, req.Version)
	if err != nil {
		return err
	}
	rep, created, err := h.svc.Create(c.Request().Context(), actorFrom(c), CreateInput{
		StudyID:         req.StudyID,
		AccessionNumber: req.AccessionNumber,
		PatientID:       req.PatientID,
		PatientName:     req.PatientName,
		AIJobID:         req.AIJobID,
		Token:           token,
		Update:          req.ProposedUpdate,
	})
	if err != nil {
		return h.fail(c, err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return writeReport(c, status, rep)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rep, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	if fhir.CheckIfNoneMatch(c, rep.Version) {
		fhir.SetVersionHeaders(c, rep.Version, rep.UpdatedAt)
		return c.NoContent(http.StatusNotModified)
	}
	return writeReport(c, http.StatusOK, rep)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		Status:  c.QueryParam("status"),
		StudyID: c.QueryParam("study_id"),
		OwnerID: c.QueryParam("owner_id"),
	}
	if mine, _ := strconv.ParseBool(c.QueryParam("mine")); mine {
		f.OwnerID = auth.UserIDFromContext(c.Request().Context())
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Update(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req updateRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	token, err := versionToken(c, req.Version)
	if err != nil {
		return err
	}
	rep, err := h.svc.Update(c.Request().Context(), actorFrom(c), id, token, req.ProposedUpdate)
	if err != nil {
		return h.fail(c, err)
	}
	return writeReport(c, http.StatusOK, rep)
}

func (h *Handler) Finalize(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req versionRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	token, err := versionToken(c, req.Version)
	if err != nil {
		return err
	}
	rep, err := h.svc.Finalize(c.Request().Context(), actorFrom(c), id, token)
	if err != nil {
		return h.fail(c, err)
	}
	return writeReport(c, http.StatusOK, rep)
}

func (h *Handler) Sign(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req signRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	token, err := versionToken(c, req.Version)
	if err != nil {
		return err
	}
	rep, err := h.svc.Sign(c.Request().Context(), actorFrom(c), id, SignInput{
		Token:           token,
		Intent:          req.Intent,
		Meaning:         req.Meaning,
		Password:        req.Password,
		Reason:          req.Reason,
		SignatureText:   req.SignatureText,
		SignatureImage:  req.SignatureImage,
		AddendumContent: req.AddendumContent,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return writeReport(c, http.StatusOK, rep)
}

func (h *Handler) AppendAddendum(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req addendumRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	token, err := versionToken(c, req.Version)
	if err != nil {
		return err
	}
	rep, err := h.svc.AppendAddendum(c.Request().Context(), actorFrom(c), id, token, req.Content, req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return writeReport(c, http.StatusCreated, rep)
}

func (h *Handler) RecordCriticalCommunication(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req communicationRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	token, err := versionToken(c, req.Version)
	if err != nil {
		return err
	}
	rep, err := h.svc.RecordCriticalCommunication(c.Request().Context(), actorFrom(c), id, CommunicationInput{
		Token:     token,
		Recipient: req.Recipient,
		Method:    req.Method,
		Notes:     req.Notes,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return writeReport(c, http.StatusCreated, rep)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	body := 0
	if v := c.QueryParam("version"); v != "" {
		if body, err = strconv.Atoi(v); err != nil || body < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
		}
	}
	token, err := versionToken(c, body)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), actorFrom(c), id, token); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Revisions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	revs, err := h.svc.Revisions(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, revs)
}

func (h *Handler) Verify(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Verify(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) GetDiagnosticReportFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid id"))
	}
	rep, err := h.svc.Get(c.Request().Context(), id)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("DiagnosticReport", c.Param("id")))
	}
	if err != nil {
		h.logger.Error().Err(err).Str("report_id", id.String()).Msg("fhir read failed")
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome("internal server error"))
	}
	resource, err := h.renderer.Render(rep)
	if err != nil {
		h.logger.Error().Err(err).Str("report_id", id.String()).Msg("fhir render failed")
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome("render failed"))
	}
	fhir.SetVersionHeaders(c, rep.Version, rep.UpdatedAt)
	return c.JSON(http.StatusOK, resource)
}

// bind decodes and validates the request body.
func (h *Handler) bind(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return err
	}
	if err := h.validate.Struct(dst); err != nil {
		return apperr.FromValidation(err)
	}
	return nil
}

// fail writes err. Taxonomy errors go out as-is; anything else is logged and
// hidden behind INTERNAL.
func (h *Handler) fail(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		rid, _ := c.Get("request_id").(string)
		h.logger.Error().Err(err).
			Str("request_id", rid).
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Str("report_id", c.Param("id")).
			Msg("report request failed")
	}
	return apperr.Write(c, err)
}

func writeReport(c echo.Context, status int, rep *Report) error {
	fhir.SetVersionHeaders(c, rep.Version, rep.UpdatedAt)
	return c.JSON(status, rep)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// versionToken prefers If-Match over the body's version field.
func versionToken(c echo.Context, body int) (int, error) {
	v, ok, err := fhir.IfMatchVersion(c)
	if err != nil {
		return 0, err
	}
	if ok {
		return v, nil
	}
	return body, nil
}

func actorFrom(c echo.Context) Actor {
	id := auth.IdentityFromContext(c.Request().Context())
	rid, _ := c.Get("request_id").(string)
	return Actor{
		UserID:    id.UserID,
		Name:      id.Name,
		Roles:     id.Roles,
		SourceIP:  c.RealIP(),
		UserAgent: c.Request().UserAgent(),
		RequestID: rid,
	}
}
