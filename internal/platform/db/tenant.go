package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

var errInvalidTenant = errors.New("invalid tenant identifier")

// ValidTenantID reports whether id can be used as a schema suffix.
func ValidTenantID(id string) bool { return tenantIDPattern.MatchString(id) }

// SchemaName returns the Postgres schema that holds tenantID's tables.
func SchemaName(tenantID string) string {
	return "tenant_" + tenantID
}

// pin acquires a connection, points its search_path at the tenant schema and
// returns a context carrying both. The caller must release the connection.
func pin(ctx context.Context, pool *pgxpool.Pool, tenantID string) (context.Context, *pgxpool.Conn, error) {
	if !ValidTenantID(tenantID) {
		return nil, nil, fmt.Errorf("%w: %q", errInvalidTenant, tenantID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, shared, public", SchemaName(tenantID))); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("set search_path: %w", err)
	}
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, conn, nil
}

// TenantMiddleware pins a pooled connection to the request with search_path
// set to the tenant schema. Requests for which skip returns true run without
// a tenant connection.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string, skip func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip != nil && skip(c) {
				return next(c)
			}
			tenantID := extractTenantID(c, defaultTenant)
			if !ValidTenantID(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx, conn, err := pin(c.Request().Context(), pool, tenantID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

// InTenant runs fn with a connection pinned to tenantID's schema, for work
// that happens outside a request. An empty tenantID runs fn on the pool.
func InTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	if tenantID == "" {
		return fn(ctx)
	}
	ctx, conn, err := pin(ctx, pool, tenantID)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(ctx)
}

// extractTenantID prefers the token's tenant claim, then X-Tenant-ID, then
// ?tenant_id=, then the configured default.
func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

// ConnFromContext returns the tenant connection pinned in ctx, if any.
func ConnFromContext(ctx context.Context) Querier {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	if conn == nil {
		return nil
	}
	return conn
}

func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the tenant's schema and applies migrations to
// it. A nil migrations only creates the schema.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrations fs.FS) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("%w: %q", errInvalidTenant, tenantID)
	}
	schema := SchemaName(tenantID)
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if migrations == nil {
		return nil
	}
	if _, err := NewMigrator(pool, migrations).Up(ctx, schema); err != nil {
		return fmt.Errorf("migrate %s: %w", schema, err)
	}
	return nil
}
