package report

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radreport/radreport/internal/platform/apperr"
	"github.com/radreport/radreport/internal/platform/auth"
)

func withIdentity(id auth.Identity) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}

func newTestServer(env *testEnv, id auth.Identity) *echo.Echo {
	e := echo.New()
	h := NewHandler(env.svc, nil, zerolog.Nop())
	api := e.Group("/api/v1", withIdentity(id))
	fhirGroup := e.Group("/fhir", withIdentity(id))
	h.RegisterRoutes(api, fhirGroup)
	return e
}

var ownerIdentity = auth.Identity{UserID: "dr-owner", Name: "Dr. Owner", Roles: []string{auth.RoleRadiologist}}

func doJSON(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) Report {
	t.Helper()
	var rep Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v (%s)", err, rec.Body.String())
	}
	return rep
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperr.Response {
	t.Helper()
	var resp apperr.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v (%s)", err, rec.Body.String())
	}
	return resp
}

const createBody = `{
	"study_id": "1.2.3.4",
	"accession_number": "ACC2002",
	"patient_id": "pat-9",
	"technique": "CT abdomen with IV contrast.",
	"sections": [
		{"name": "Findings", "content": "Liver enhances homogeneously."},
		{"name": "IMPRESSION", "content": "No acute abnormality."}
	]
}`

func TestHandler_CreateThenUpsert(t *testing.T) {
	env := newTestEnv()
	e := newTestServer(env, ownerIdentity)

	rec := doJSON(e, http.MethodPost, "/api/v1/reports", createBody, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("ETag"); got != `W/"1"` {
		t.Errorf("expected ETag W/\"1\", got %q", got)
	}
	rep := decodeReport(t, rec)
	if rep.Findings != "Liver enhances homogeneously." || rep.Impression != "No acute abnormality." {
		t.Errorf("sections not merged: %+v", rep.Narrative)
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/reports", `{"study_id":"1.2.3.4","patient_id":"pat-9","recommendations":"None."}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on upsert, got %d: %s", rec.Code, rec.Body.String())
	}
	again := decodeReport(t, rec)
	if again.ID != rep.ID || again.Version != 2 {
		t.Errorf("expected same report at version 2, got %s v%d", again.ID, again.Version)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	env := newTestEnv()
	e := newTestServer(env, ownerIdentity)

	rec := doJSON(e, http.MethodPost, "/api/v1/reports", `{"study_id":""}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeError(t, rec)
	if resp.Error != apperr.KindValidationFailed || len(resp.Details) != 2 {
		t.Errorf("unexpected error body: %+v", resp)
	}
}

func TestHandler_UpdateConflictUsesIfMatch(t *testing.T) {
	env := newTestEnv()
	e := newTestServer(env, ownerIdentity)
	rep := decodeReport(t, doJSON(e, http.MethodPost, "/api/v1/reports", createBody, nil))
	path := "/api/v1/reports/" + rep.ID.String()

	rec := doJSON(e, http.MethodPut, path, `{"version":1,"findings":"updated"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// If-Match wins over the stale body version
	rec = doJSON(e, http.MethodPut, path, `{"version":1,"findings":"again"}`, map[string]string{"If-Match": `W/"2"`})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with If-Match, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPut, path, `{"findings":"stale"}`, map[string]string{"If-Match": `W/"1"`})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeError(t, rec)
	if resp.Error != apperr.KindVersionConflict || resp.ServerVersion != 3 {
		t.Errorf("unexpected conflict body: %+v", resp)
	}
	if got := rec.Header().Get("ETag"); got != `W/"3"` {
		t.Errorf("expected current ETag on conflict, got %q", got)
	}

	rec = doJSON(e, http.MethodPut, path, `{}`, map[string]string{"If-Match": "garbage"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed If-Match, got %d", rec.Code)
	}
}

func TestHandler_SignFlow(t *testing.T) {
	env := newTestEnv()
	e := newTestServer(env, ownerIdentity)
	rep := decodeReport(t, doJSON(e, http.MethodPost, "/api/v1/reports", createBody, nil))
	base := "/api/v1/reports/" + rep.ID.String()

	rec := doJSON(e, http.MethodPost, base+"/finalize", `{"version":1}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPost, base+"/sign", `{"version":2,"password":"owner-secret"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without signature artifact, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeError(t, rec); resp.Error != apperr.KindSignatureRequired {
		t.Errorf("expected SIGNATURE_REQUIRED, got %s", resp.Error)
	}

	rec = doJSON(e, http.MethodPost, base+"/sign", `{"version":2,"password":"nope","signature_text":"/s/"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPost, base+"/sign", `{"version":2,"meaning":"witness","password":"owner-secret","signature_text":"/s/"}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad meaning, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPost, base+"/sign", `{"version":2,"password":"owner-secret","signature_text":"/s/ Dr. Owner"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sign: %d %s", rec.Code, rec.Body.String())
	}
	signed := decodeReport(t, rec)
	if signed.Status != StatusFinal || signed.Signature == nil {
		t.Fatalf("expected signed final report, got %+v", signed)
	}

	rec = doJSON(e, http.MethodPut, base, `{"version":3,"impression":"edit"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != apperr.KindSignedImmutable {
		t.Errorf("expected SIGNED_IMMUTABLE, got %s", resp.Error)
	}

	rec = doJSON(e, http.MethodPost, base+"/addenda", `{"version":3,"content":"Additional finding.","reason":"omission"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("addendum: %d %s", rec.Code, rec.Body.String())
	}
	added := decodeReport(t, rec)
	if added.Status != StatusFinalWithAddendum || len(added.Addenda) != 1 {
		t.Errorf("unexpected report after addendum: %+v", added)
	}

	rec = doJSON(e, http.MethodGet, base+"/verify", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d", rec.Code)
	}
	var v Verification
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode verification: %v", err)
	}
	if !v.Intact || !v.Signed {
		t.Errorf("expected intact signed report, got %+v", v)
	}
}

func TestHandler_RoleEnforcement(t *testing.T) {
	env := newTestEnv()
	viewer := auth.Identity{UserID: "v-1", Roles: []string{auth.RoleViewer}}
	e := newTestServer(env, viewer)

	rec := doJSON(e, http.MethodPost, "/api/v1/reports", createBody, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("viewer create: expected 403, got %d", rec.Code)
	}
	rec = doJSON(e, http.MethodGet, "/api/v1/reports", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("viewer list: expected 200, got %d", rec.Code)
	}

	resident := auth.Identity{UserID: "r-1", Roles: []string{auth.RoleResident}}
	e = newTestServer(env, resident)
	rec = doJSON(e, http.MethodPost, "/api/v1/reports/"+"00000000-0000-0000-0000-000000000001/sign", `{}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("resident sign: expected 403, got %d", rec.Code)
	}
}

func TestHandler_GetNotModifiedAndNotFound(t *testing.T) {
	env := newTestEnv()
	e := newTestServer(env, ownerIdentity)
	rep := decodeReport(t, doJSON(e, http.MethodPost, "/api/v1/reports", createBody, nil))

	rec := doJSON(e, http.MethodGet, "/api/v1/reports/"+rep.ID.String(), "", map[string]string{"If-None-Match": `W/"1"`})
	if rec.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/reports/00000000-0000-0000-0000-000000000001", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	rec = doJSON(e, http.MethodGet, "/api/v1/reports/not-a-uuid", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_DeleteUsesQueryVersion(t *testing.T) {
	env := newTestEnv()
	e := newTestServer(env, ownerIdentity)
	rep := decodeReport(t, doJSON(e, http.MethodPost, "/api/v1/reports", createBody, nil))
	path := "/api/v1/reports/" + rep.ID.String()

	rec := doJSON(e, http.MethodDelete, path+"?version=7", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(e, http.MethodDelete, path+"?version=abc", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = doJSON(e, http.MethodDelete, path+"?version=1", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_CriticalCommunication(t *testing.T) {
	env := newTestEnv()
	e := newTestServer(env, ownerIdentity)
	rep := decodeReport(t, doJSON(e, http.MethodPost, "/api/v1/reports", createBody, nil))
	path := "/api/v1/reports/" + rep.ID.String() + "/critical-communications"

	rec := doJSON(e, http.MethodPost, path, `{"recipient":"Dr. Ward","method":"fax"}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(e, http.MethodPost, path, `{"version":1,"recipient":"Dr. Ward","method":"phone"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeReport(t, rec)
	if len(got.CriticalCommunications) != 1 || got.CriticalCommunications[0].CommunicatedBy != ownerIdentity.UserID {
		t.Errorf("unexpected communications: %+v", got.CriticalCommunications)
	}
}

func TestHandler_ListAndRevisions(t *testing.T) {
	env := newTestEnv()
	e := newTestServer(env, ownerIdentity)
	rep := decodeReport(t, doJSON(e, http.MethodPost, "/api/v1/reports", createBody, nil))

	rec := doJSON(e, http.MethodGet, "/api/v1/reports?mine=true&status=draft", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Data  []Report `json:"data"`
		Total int      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if page.Total != 1 || len(page.Data) != 1 || page.Data[0].ID != rep.ID {
		t.Errorf("unexpected page: %+v", page)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/reports?status=archived", "", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for unknown status, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/reports/"+rep.ID.String()+"/revisions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revisions: %d", rec.Code)
	}
	var revs []Revision
	if err := json.Unmarshal(rec.Body.Bytes(), &revs); err != nil {
		t.Fatalf("decode revisions: %v", err)
	}
	if len(revs) != 1 {
		t.Errorf("expected 1 revision, got %d", len(revs))
	}
}

func TestHandler_DiagnosticReportFHIR(t *testing.T) {
	env := newTestEnv()
	e := newTestServer(env, ownerIdentity)
	rep := decodeReport(t, doJSON(e, http.MethodPost, "/api/v1/reports", createBody, nil))

	rec := doJSON(e, http.MethodGet, "/fhir/DiagnosticReport/"+rep.ID.String(), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fhir read: %d %s", rec.Code, rec.Body.String())
	}
	var resource map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resource); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resource["resourceType"] != "DiagnosticReport" || resource["status"] != "partial" {
		t.Errorf("unexpected resource: %v", resource)
	}

	rec = doJSON(e, http.MethodGet, "/fhir/DiagnosticReport/00000000-0000-0000-0000-000000000001", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	var outcome map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if outcome["resourceType"] != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %v", outcome)
	}
}
