package middleware

import "github.com/labstack/echo/v4"

// writeError renders the same {"error","message"} shape the report API uses.
func writeError(c echo.Context, status int, code, msg string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, map[string]string{"error": code, "message": msg})
}
