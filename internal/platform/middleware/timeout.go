package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a deadline on each request context. Database work
// bound to the request context is cancelled, so an open transaction rolls back
// instead of committing late. The handler always runs to completion before
// anything is written: a handler that already responded keeps its response,
// and one that gave up at the deadline without responding becomes a 504.
//
// Websocket paths (/ws/) are long-lived and excluded.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if strings.HasPrefix(c.Request().URL.Path, "/ws/") {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if c.Response().Committed || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
			return writeError(c, http.StatusGatewayTimeout, "TIMEOUT",
				"request processing exceeded the allowed time limit")
		}
	}
}
