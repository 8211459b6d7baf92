package share

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radreport/radreport/internal/platform/apperr"
	"github.com/radreport/radreport/internal/platform/auth"
)

func newShareServer(env *shareEnv, id auth.Identity) *echo.Echo {
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() != "/api/v1/shares/:token" {
				c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), id)))
			}
			return next(c)
		}
	})
	NewHandler(env.svc, zerolog.Nop()).RegisterRoutes(api)
	return e
}

func serve(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateAndRedeem(t *testing.T) {
	env := newShareEnv(t, false)
	e := newShareServer(env, auth.Identity{UserID: "dr-owner", Roles: []string{auth.RoleRadiologist}})

	rec := serve(e, http.MethodPost, "/api/v1/reports/"+env.rep.ID.String()+"/shares",
		`{"ttl_seconds": 3600, "legends": [{"instance_uid": "1.2.3.4", "text": "nodule"}], "note": "tumour board"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created Created
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Token == "" {
		t.Fatal("expected token")
	}

	rec = serve(e, http.MethodGet, "/api/v1/shares/"+created.Token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("expected no-store, got %q", got)
	}
	var p Payload
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.CaseCode != created.CaseCode || p.Note != "tumour board" || p.AccessCount != 1 {
		t.Errorf("unexpected payload: %+v", p)
	}
	if strings.Contains(rec.Body.String(), "Jane") {
		t.Errorf("payload leaks patient name: %s", rec.Body.String())
	}

	env.clock.advance(2 * time.Hour)
	rec = serve(e, http.MethodGet, "/api/v1/shares/"+created.Token, "")
	if rec.Code != http.StatusGone {
		t.Errorf("expected 410, got %d", rec.Code)
	}

	rec = serve(e, http.MethodGet, "/api/v1/shares/unknown-token", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_CreateRejections(t *testing.T) {
	env := newShareEnv(t, false)
	path := "/api/v1/reports/" + env.rep.ID.String() + "/shares"

	e := newShareServer(env, auth.Identity{UserID: "viewer-1", Roles: []string{auth.RoleViewer}})
	if rec := serve(e, http.MethodPost, path, `{}`); rec.Code != http.StatusForbidden {
		t.Errorf("viewer: expected 403, got %d", rec.Code)
	}

	e = newShareServer(env, auth.Identity{UserID: "dr-owner", Roles: []string{auth.RoleRadiologist}})
	rec := serve(e, http.MethodPost, path, `{"ttl_seconds": -5}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("negative ttl: expected 422, got %d", rec.Code)
	}
	rec = serve(e, http.MethodPost, path, `{"ttl_seconds": 10}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("short ttl: expected 422, got %d", rec.Code)
	}
	var resp apperr.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != apperr.KindValidationFailed || len(resp.Details) != 1 {
		t.Errorf("unexpected error body: %+v", resp)
	}

	if rec := serve(e, http.MethodPost, "/api/v1/reports/not-a-uuid/shares", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
}
