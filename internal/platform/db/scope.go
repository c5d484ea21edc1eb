package db

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TenantScope enumerates tenants and runs work inside one of them. Background
// jobs use it where there is no request to carry the tenant.
type TenantScope interface {
	Tenants(ctx context.Context) ([]string, error)
	Within(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error
}

// SchemaScope is the TenantScope for schema-per-tenant Postgres.
type SchemaScope struct {
	Pool *pgxpool.Pool
}

func (s SchemaScope) Tenants(ctx context.Context) ([]string, error) {
	return ListTenants(ctx, s.Pool)
}

func (s SchemaScope) Within(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	return WithTenant(ctx, s.Pool, tenantID, fn)
}

// ErrUnknownTenant is returned by StaticScope for tenants outside its list.
var ErrUnknownTenant = errors.New("unknown tenant")

// StaticScope serves a fixed tenant list over a single shared store.
type StaticScope []string

func (s StaticScope) Tenants(context.Context) ([]string, error) {
	return []string(s), nil
}

func (s StaticScope) Within(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	if !slices.Contains(s, tenantID) {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return fn(WithTenantID(ctx, tenantID))
}
