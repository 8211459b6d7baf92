package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles recognised by the report service.
const (
	RoleAdmin        = "admin"
	RoleAttending    = "attending"
	RoleRadiologist  = "radiologist"
	RoleResident     = "resident"
	RoleTechnologist = "technologist"
	RoleViewer       = "viewer"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admin always passes.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(IdentityFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// HasAnyRole reports whether id holds one of roles or is an admin.
func HasAnyRole(id Identity, roles ...string) bool {
	for _, has := range id.Roles {
		if has == RoleAdmin {
			return true
		}
		for _, required := range roles {
			if has == required {
				return true
			}
		}
	}
	return false
}
