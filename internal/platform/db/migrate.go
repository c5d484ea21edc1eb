package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/pressly/goose/v3/lock"
)

//go:embed migrations/tenant/*.sql migrations/shared/*.sql
var embedMigrations embed.FS

// TenantMigrations returns the migrations applied to every tenant schema.
func TenantMigrations() fs.FS {
	sub, _ := fs.Sub(embedMigrations, "migrations/tenant")
	return sub
}

// SharedMigrations returns the migrations applied to the shared schema.
func SharedMigrations() fs.FS {
	sub, _ := fs.Sub(embedMigrations, "migrations/shared")
	return sub
}

// MigrationStatus is one migration file and whether the schema has it.
type MigrationStatus struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies goose migrations from files to one Postgres schema at a
// time. Each schema keeps its own goose_db_version table.
type Migrator struct {
	pool  *pgxpool.Pool
	files fs.FS
}

func NewMigrator(pool *pgxpool.Pool, files fs.FS) *Migrator {
	return &Migrator{pool: pool, files: files}
}

// searchPath puts schema first so unqualified DDL and the version table land
// in it; the shared schema stays visible for cross-schema references.
func searchPath(schema string) string {
	return fmt.Sprintf("%s, %s, public", schema, SharedSchema)
}

// provider opens a database/sql handle whose connections all use schema's
// search_path. The caller closes the returned *sql.DB.
func (m *Migrator) provider(ctx context.Context, schema string) (*goose.Provider, *sql.DB, error) {
	if !ValidTenantID(schema) {
		return nil, nil, fmt.Errorf("invalid schema name: %s", schema)
	}
	if _, err := m.pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return nil, nil, fmt.Errorf("create schema %s: %w", schema, err)
	}

	connCfg := m.pool.Config().ConnConfig.Copy()
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = make(map[string]string)
	}
	connCfg.RuntimeParams["search_path"] = searchPath(schema)
	sqlDB := stdlib.OpenDB(*connCfg)

	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("create migration locker: %w", err)
	}
	p, err := goose.NewProvider(database.DialectPostgres, sqlDB, m.files, goose.WithSessionLocker(locker))
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("create goose provider for %s: %w", schema, err)
	}
	return p, sqlDB, nil
}

// Up applies all pending migrations to schema and returns how many ran.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	p, sqlDB, err := m.provider(ctx, schema)
	if err != nil {
		return 0, err
	}
	defer sqlDB.Close()

	results, err := p.Up(ctx)
	if err != nil {
		var partial *goose.PartialError
		if errors.As(err, &partial) {
			return len(partial.Applied), fmt.Errorf("migrate %s: %w", schema, err)
		}
		return 0, fmt.Errorf("migrate %s: %w", schema, err)
	}
	return len(results), nil
}

// Status lists every known migration for schema, applied or pending.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	p, sqlDB, err := m.provider(ctx, schema)
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()

	states, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status for %s: %w", schema, err)
	}

	statuses := make([]MigrationStatus, 0, len(states))
	for _, s := range states {
		st := MigrationStatus{
			Version: s.Source.Version,
			Name:    s.Source.Path,
			Applied: s.State == goose.StateApplied,
		}
		if st.Applied {
			at := s.AppliedAt
			st.AppliedAt = &at
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}
