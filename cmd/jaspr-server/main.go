package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jaspr/jaspr/internal/config"
	"github.com/jaspr/jaspr/internal/domain/session"
	"github.com/jaspr/jaspr/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "jaspr-server",
		Short:        "Session and token authentication server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(sessionsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg))
		},
	}
}

// migrationsFor picks the migration set for a Postgres schema.
func migrationsFor(schema string) fs.FS {
	if schema == db.SharedSchema {
		return db.SharedMigrations()
	}
	return db.TenantMigrations()
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run Postgres migrations (SQLite migrates itself on open)",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.IsSQLite() {
				return fmt.Errorf("migrate is only used with DATABASE_DRIVER=postgres")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, poolConfig(cfg), newLogger(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFor(schema))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.SchemaName("default"), "Target schema (\"shared\" for the revocation log)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.IsSQLite() {
				return fmt.Errorf("migrate is only used with DATABASE_DRIVER=postgres")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, poolConfig(cfg), newLogger(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsFor(schema)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.SchemaName("default"), "Target schema (\"shared\" for the revocation log)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply session migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.IsSQLite() {
				return fmt.Errorf("tenants are Postgres schemas; SQLite serves DEFAULT_TENANT only")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, poolConfig(cfg), newLogger(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			if _, err := db.NewMigrator(pool, db.SharedMigrations()).Up(ctx, db.SharedSchema); err != nil {
				return fmt.Errorf("migrate shared schema: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, db.NewMigrator(pool, db.TenantMigrations())); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Operate on sessions outside the HTTP API",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete expired sessions in every tenant and purge old revocation entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			be, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer be.Close()

			sw := session.NewSweeper(be.store, be.scope, be.revLog, cfg.RevocationRetention, logger)
			n, err := sw.Sweep(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired session(s).\n", n)
			return err
		},
	})

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a session and print its bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, tenant, err := issueRequestFromFlags(cmd)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			be, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer be.Close()

			svc, err := newServices(cfg, be, nil, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			var created *session.Created
			err = be.scope.Within(ctx, tenant, func(ctx context.Context) error {
				var cerr error
				created, cerr = svc.manager.Create(ctx, req)
				return cerr
			})
			if err != nil {
				return fmt.Errorf("issue session: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session_id: %s\n", created.Session.ID)
			fmt.Fprintf(out, "expires_at: %s\n", created.Token.ExpiresAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Authorization: Token %s\n", created.Bearer)
			return nil
		},
	}
	issueCmd.Flags().String("user", "", "User ID (UUID)")
	issueCmd.Flags().String("role", "", "technician or patient")
	issueCmd.Flags().Bool("in-er", false, "Session is used inside the ER")
	issueCmd.Flags().Bool("native", false, "Session comes from a native app")
	issueCmd.Flags().Bool("long-lived", false, "Request a long-lived token")
	issueCmd.Flags().String("encounter", "", "ER encounter ID (patient ER sessions only)")
	issueCmd.Flags().String("tenant", "", "Tenant (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(issueCmd)

	return cmd
}

// issueRequestFromFlags validates the issue flags before any backend is opened.
func issueRequestFromFlags(cmd *cobra.Command) (session.CreateParams, string, error) {
	flags := cmd.Flags()
	userStr, _ := flags.GetString("user")
	roleStr, _ := flags.GetString("role")
	inER, _ := flags.GetBool("in-er")
	native, _ := flags.GetBool("native")
	longLived, _ := flags.GetBool("long-lived")
	encounterStr, _ := flags.GetString("encounter")
	tenant, _ := flags.GetString("tenant")

	userID, err := uuid.Parse(userStr)
	if err != nil {
		return session.CreateParams{}, "", fmt.Errorf("--user must be a UUID: %w", err)
	}
	role := session.Role(roleStr)
	if !role.Valid() {
		return session.CreateParams{}, "", fmt.Errorf("--role must be %q or %q", session.RoleTechnician, session.RolePatient)
	}
	if tenant != "" && !db.ValidTenantID(tenant) {
		return session.CreateParams{}, "", fmt.Errorf("invalid tenant identifier: %s", tenant)
	}

	req := session.CreateParams{
		UserID: userID,
		Params: session.Params{Role: role, InER: inER, FromNative: native, LongLived: longLived},
	}
	if encounterStr != "" {
		id, err := uuid.Parse(encounterStr)
		if err != nil {
			return session.CreateParams{}, "", fmt.Errorf("--encounter must be a UUID: %w", err)
		}
		req.EncounterID = &id
	}
	return req, tenant, nil
}
