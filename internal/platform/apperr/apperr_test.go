package apperr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidationFailed, http.StatusUnprocessableEntity},
		{KindVersionConflict, http.StatusConflict},
		{KindSignedImmutable, http.StatusConflict},
		{KindInvalidTransition, http.StatusConflict},
		{KindSignatureRequired, http.StatusBadRequest},
		{KindInvalidPassword, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindGone, http.StatusGone},
		{KindNotFound, http.StatusNotFound},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCode(tt.kind); got != tt.want {
			t.Errorf("StatusCode(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("sign report: %w", VersionConflict(4))
	if KindOf(err) != KindVersionConflict {
		t.Fatalf("expected VERSION_CONFLICT, got %s", KindOf(err))
	}
	if !errors.Is(err, &Error{Kind: KindVersionConflict}) {
		t.Fatal("expected errors.Is to match on kind")
	}
	if errors.Is(err, &Error{Kind: KindGone}) {
		t.Fatal("expected errors.Is not to match a different kind")
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("expected plain errors to be INTERNAL")
	}
}

func TestWrite_VersionConflictSetsETag(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

	if err := Write(c, VersionConflict(2)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if got := rec.Header().Get("ETag"); got != `W/"2"` {
		t.Fatalf("expected ETag W/\"2\", got %q", got)
	}

	var body Response
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != KindVersionConflict || body.ServerVersion != 2 || body.Hint == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestWrite_ValidationCarriesAllDetails(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

	_ = Write(c, Validation([]string{"impression is required", "technique is required"}))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var body Response
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Details) != 2 {
		t.Fatalf("expected 2 details, got %v", body.Details)
	}
}

func TestWrite_UnknownErrorDoesNotLeak(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	_ = Write(c, errors.New("pq: password authentication failed for user admin"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body Response
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error != KindInternal || body.Message != "internal server error" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestWrite_DeadlineIsTimeout(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

	_ = Write(c, fmt.Errorf("sign report: commit: %w", context.DeadlineExceeded))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	var body Response
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error != Timeout {
		t.Fatalf("expected TIMEOUT, got %+v", body)
	}
}

func TestError_Message(t *testing.T) {
	err := Validation([]string{"a", "b"})
	if got := err.Error(); got != "VALIDATION_FAILED: report content failed validation (a; b)" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := SignedImmutable().Hint; got == "" {
		t.Fatal("expected immutable hint")
	}
}
