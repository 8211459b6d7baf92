// Package apperr defines the client-correctable error taxonomy shared by the
// report lifecycle, signing and sharing services, and its HTTP mapping.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Kind classifies an error for callers that need to react programmatically.
type Kind string

const (
	KindValidationFailed  Kind = "VALIDATION_FAILED"
	KindVersionConflict   Kind = "VERSION_CONFLICT"
	KindSignedImmutable   Kind = "SIGNED_IMMUTABLE"
	KindSignatureRequired Kind = "SIGNATURE_REQUIRED"
	KindInvalidPassword   Kind = "INVALID_PASSWORD"
	KindForbidden         Kind = "FORBIDDEN"
	KindGone              Kind = "GONE"
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindInternal          Kind = "INTERNAL"
)

// Error is a structured, client-correctable failure. ServerVersion is only
// meaningful for VERSION_CONFLICT.
type Error struct {
	Kind          Kind
	Message       string
	Details       []string
	ServerVersion int
	Hint          string
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(e.Details, "; "))
}

// Is lets errors.Is match on kind: errors.Is(err, &apperr.Error{Kind: KindGone}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Validation(details []string) *Error {
	return &Error{
		Kind:    KindValidationFailed,
		Message: "report content failed validation",
		Details: details,
	}
}

func VersionConflict(serverVersion int) *Error {
	return &Error{
		Kind:          KindVersionConflict,
		Message:       fmt.Sprintf("stale version token; report is at version %d", serverVersion),
		ServerVersion: serverVersion,
		Hint:          "re-fetch the report and re-apply your changes",
	}
}

func SignedImmutable() *Error {
	return &Error{
		Kind:    KindSignedImmutable,
		Message: "report is signed and its content can no longer be changed",
		Hint:    "use the addendum workflow to add corrections",
	}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func InvalidTransition(from, to string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("transition from %s to %s is not allowed", from, to),
	}
}

// KindOf returns the taxonomy kind of err, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// StatusCode maps a kind to its HTTP status.
func StatusCode(kind Kind) int {
	switch kind {
	case KindValidationFailed:
		return http.StatusUnprocessableEntity
	case KindVersionConflict, KindSignedImmutable, KindInvalidTransition:
		return http.StatusConflict
	case KindSignatureRequired:
		return http.StatusBadRequest
	case KindInvalidPassword:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindGone:
		return http.StatusGone
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Response is the JSON body written for taxonomy errors.
type Response struct {
	Error         Kind     `json:"error"`
	Message       string   `json:"message"`
	Details       []string `json:"details,omitempty"`
	ServerVersion int      `json:"server_version,omitempty"`
	Hint          string   `json:"hint,omitempty"`
}

// Timeout is the error code written when a request ran out of time. It matches
// the body of the request timeout middleware.
const Timeout Kind = "TIMEOUT"

// Write renders err as a JSON error response. Errors outside the taxonomy are
// written as INTERNAL without leaking their text; callers log them first. A
// deadline anywhere in the chain is a 504.
func Write(c echo.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, Response{
			Error:   Timeout,
			Message: "request processing exceeded the allowed time limit",
		})
	}
	var ae *Error
	if !errors.As(err, &ae) {
		return c.JSON(http.StatusInternalServerError, Response{
			Error:   KindInternal,
			Message: "internal server error",
		})
	}
	if ae.Kind == KindVersionConflict && ae.ServerVersion > 0 {
		c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%d"`, ae.ServerVersion))
	}
	return c.JSON(StatusCode(ae.Kind), Response{
		Error:         ae.Kind,
		Message:       ae.Message,
		Details:       ae.Details,
		ServerVersion: ae.ServerVersion,
		Hint:          ae.Hint,
	})
}
