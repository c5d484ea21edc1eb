package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
	DBTxKey     contextKey = "db_tx"

	// TenantHeader carries the tenant on requests.
	TenantHeader = "X-Tenant-ID"
	// SharedSchema holds cross-tenant tables such as the revocation log.
	SharedSchema = "shared"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidTenantID reports whether id may be used to build a schema name.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// SchemaName returns the Postgres schema that holds a tenant's tables.
func SchemaName(tenantID string) string {
	return "tenant_" + tenantID
}

// TenantMiddleware resolves the tenant for each request. When pool is set, a
// connection is acquired with its search_path pointed at the tenant schema
// and stored on the request context for the rest of the chain. With a nil
// pool only defaultTenant is served and only the tenant ID is recorded, which
// is how single-node SQLite deployments run.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)

			if !ValidTenantID(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			if pool == nil && tenantID != defaultTenant {
				return echo.NewHTTPError(http.StatusBadRequest, "unknown tenant")
			}

			c.Set("tenant_id", tenantID)
			if pool == nil {
				ctx := context.WithValue(c.Request().Context(), TenantIDKey, tenantID)
				c.SetRequest(c.Request().WithContext(ctx))
				return next(c)
			}

			err := WithTenant(c.Request().Context(), pool, tenantID, func(ctx context.Context) error {
				c.SetRequest(c.Request().WithContext(ctx))
				return next(c)
			})
			if err != nil && isTenantSetupError(err) {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			return err
		}
	}
}

type tenantSetupError struct{ err error }

func (e *tenantSetupError) Error() string { return e.err.Error() }
func (e *tenantSetupError) Unwrap() error { return e.err }

func isTenantSetupError(err error) bool {
	var setupErr *tenantSetupError
	return errors.As(err, &setupErr)
}

// WithTenant acquires a connection scoped to tenantID's schema, stores it and
// the tenant ID on ctx, and runs fn. The search_path is reset before the
// connection goes back to the pool.
func WithTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	if !ValidTenantID(tenantID) {
		return &tenantSetupError{fmt.Errorf("invalid tenant identifier: %s", tenantID)}
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return &tenantSetupError{fmt.Errorf("acquire connection: %w", err)}
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, %s, public", SchemaName(tenantID), SharedSchema)); err != nil {
		return &tenantSetupError{fmt.Errorf("set search_path for %s: %w", tenantID, err)}
	}
	defer conn.Exec(context.WithoutCancel(ctx), "RESET search_path")

	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return fn(ctx)
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid := c.Request().Header.Get(TenantHeader); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// WithTenantID returns a copy of ctx carrying tenantID without a connection.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// ListTenants returns the IDs of all tenant schemas.
func ListTenants(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT nspname FROM pg_namespace WHERE nspname LIKE 'tenant\_%' ORDER BY nspname`)
	if err != nil {
		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			return nil, fmt.Errorf("scan tenant schema: %w", err)
		}
		tenants = append(tenants, strings.TrimPrefix(schema, "tenant_"))
	}
	return tenants, rows.Err()
}

// CreateTenantSchema creates a tenant schema and applies migrations to it.
// A nil migrator skips migrations.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrator *Migrator) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}

	schema := SchemaName(tenantID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
