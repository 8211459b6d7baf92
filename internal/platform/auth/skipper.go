package auth

import (
	"github.com/labstack/echo/v4"
)

// infraPaths bypass both authentication and tenant resolution.
var infraPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// publicPaths bypass authentication only. Share redemption is
// capability-based: the token is the credential.
var publicPaths = map[string]bool{
	"/api/v1/shares/:token": true,
}

// AuthSkipper returns true for routes that need no bearer token. It matches
// on the registered route pattern, not the raw URL.
func AuthSkipper(c echo.Context) bool {
	return infraPaths[c.Path()] || publicPaths[c.Path()]
}

// InfraSkipper returns true for infrastructure routes that run without a
// tenant connection.
func InfraSkipper(c echo.Context) bool {
	return infraPaths[c.Path()]
}

// IsPublicPath reports whether the route pattern skips authentication.
func IsPublicPath(path string) bool {
	return infraPaths[path] || publicPaths[path]
}
