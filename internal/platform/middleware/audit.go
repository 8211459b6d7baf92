package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radreport/radreport/internal/platform/auth"
)

// AccessEntry describes one read of report content.
type AccessEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string
	ResourceID string
	Action     string
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists access entries. ctx carries the request's tenant
// connection.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AccessEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(ctx context.Context, entry AccessEntry) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, entry AccessEntry) error {
	return f(ctx, entry)
}

// Audit records reads of report content under /api/v1/reports and /fhir/.
// Mutations are audited by the report service itself, with the outcome of
// the state transition, so they are not recorded here.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditablePath(path) || !isRead(req.Method) {
				return next(c)
			}

			err := next(c)

			entry := AccessEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				Action:     "read",
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
				Resource:   extractResource(path),
				ResourceID: c.Param("id"),
			}
			id := auth.IdentityFromContext(req.Context())
			entry.UserID = id.UserID
			entry.UserRoles = id.Roles
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					entry.StatusCode = he.Code
				}
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(req.Context(), entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("report_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/reports") || strings.HasPrefix(path, "/fhir/")
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// extractResource returns the first path segment after the API prefix:
//   - /api/v1/reports/123          -> reports
//   - /fhir/DiagnosticReport/123   -> DiagnosticReport
func extractResource(path string) string {
	var rest string
	switch {
	case strings.HasPrefix(path, "/fhir/"):
		rest = strings.TrimPrefix(path, "/fhir/")
	case strings.HasPrefix(path, "/api/v1/"):
		rest = strings.TrimPrefix(path, "/api/v1/")
	}
	if seg := strings.SplitN(rest, "/", 2)[0]; seg != "" {
		return seg
	}
	return "unknown"
}
