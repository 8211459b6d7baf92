package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the verified caller as supplied by the session issuer.
type Identity struct {
	UserID   string
	Name     string
	TenantID string
	Roles    []string
}

// HasRole reports whether the identity carries role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claims are the bearer token claims the service reads.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
	Name     string   `json:"name"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HS256 validation instead of JWKS.
	SigningKey []byte
	Skipper    func(echo.Context) bool
}

// JWTMiddleware verifies the bearer token and stores the caller Identity on
// the request context. With no SigningKey and no JWKSURL the JWKS location is
// discovered from the issuer once, at construction.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var methods []string
	var keyFunc func(ctx context.Context) jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		methods = []string{"HS256"}
		keyFunc = func(context.Context) jwt.Keyfunc {
			return func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
		}
	} else {
		url := cfg.JWKSURL
		if url == "" && cfg.Issuer != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			url, _ = DiscoverJWKSURL(ctx, cfg.Issuer)
			cancel()
		}
		methods = []string{"RS256"}
		keyFunc = NewKeySet(url, defaultKeySetTTL).keyFunc
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			raw, ok := bearerToken(c.Request().Header.Get("Authorization"))
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed bearer token")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, keyFunc(c.Request().Context()), opts...)
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			setIdentity(c, Identity{
				UserID:   claims.Subject,
				Name:     claims.Name,
				TenantID: claims.TenantID,
				Roles:    claims.Roles,
			})
			return next(c)
		}
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return token, true
}

// DevAuthMiddleware trusts X-User-ID / X-User-Roles headers and falls back to
// an admin dev user. Development only. An optional skipper leaves matching
// requests anonymous.
func DevAuthMiddleware(skipper ...func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, skip := range skipper {
				if skip != nil && skip(c) {
					return next(c)
				}
			}
			h := c.Request().Header
			id := Identity{UserID: "dev-user", Name: "Development User", Roles: []string{RoleAdmin}}
			if uid := h.Get("X-User-ID"); uid != "" {
				id = Identity{UserID: uid, Name: h.Get("X-User-Name"), TenantID: h.Get("X-Tenant-ID")}
				for _, r := range strings.Split(h.Get("X-User-Roles"), ",") {
					if r = strings.TrimSpace(r); r != "" {
						id.Roles = append(id.Roles, r)
					}
				}
			}
			setIdentity(c, id)
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, id Identity) {
	// read by the tenant middleware
	if id.TenantID != "" {
		c.Set("jwt_tenant_id", id.TenantID)
	}
	c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller identity, or the zero Identity.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}

func UserIDFromContext(ctx context.Context) string {
	return IdentityFromContext(ctx).UserID
}
