package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jaspr/jaspr/internal/config"
	"github.com/jaspr/jaspr/internal/domain/revocation"
	"github.com/jaspr/jaspr/internal/domain/session"
	"github.com/jaspr/jaspr/internal/platform/auth"
	"github.com/jaspr/jaspr/internal/platform/db"
	"github.com/jaspr/jaspr/internal/platform/middleware"
	"github.com/jaspr/jaspr/internal/platform/sqlitedb"
	"github.com/jaspr/jaspr/internal/platform/telemetry"
)

const version = "0.1.0"

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(cfg.ZerologLevel()).With().Timestamp().Str("service", "jaspr-server").Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:          cfg.DatabaseURL,
		MaxConns:     cfg.DBMaxConns,
		MinConns:     cfg.DBMinConns,
		ConnectTries: 5,
	}
}

// backend is the storage selected by DATABASE_DRIVER and REVOCATION_BACKEND.
type backend struct {
	pool   *pgxpool.Pool
	sqlite *sqlitedb.DB

	store  session.Store
	scope  db.TenantScope
	pinger db.Pinger
	revLog revocation.Log

	closers []func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	be := &backend{}

	if cfg.IsSQLite() {
		sdb, err := sqlitedb.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		be.sqlite = sdb
		be.closers = append(be.closers, func() { _ = sdb.Close() })
		be.store = session.NewSQLiteRepo(sdb)
		be.scope = db.StaticScope{cfg.DefaultTenant}
		be.pinger = sdb
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
	} else {
		pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		be.pool = pool
		be.closers = append(be.closers, pool.Close)
		be.store = session.NewRepo(pool)
		be.scope = db.SchemaScope{Pool: pool}
		be.pinger = pool
		logger.Info().Msg("connected to database")
	}

	switch cfg.RevocationBackend {
	case "redis":
		rl, err := revocation.NewRedisLog(ctx, cfg.RedisURL, cfg.RevocationRetention)
		if err != nil {
			be.Close()
			return nil, fmt.Errorf("connect revocation redis: %w", err)
		}
		be.revLog = rl
		be.closers = append(be.closers, func() { _ = rl.Close() })
	case "memory":
		ml := revocation.NewMemoryLog(cfg.RevocationRetention, time.Minute)
		be.revLog = ml
		be.closers = append(be.closers, ml.Close)
	default:
		if be.sqlite != nil {
			be.revLog = revocation.NewSQLiteLog(be.sqlite)
		} else {
			be.revLog = revocation.NewPGLog(be.pool)
		}
	}
	logger.Info().Str("backend", cfg.RevocationBackend).Msg("revocation log ready")

	return be, nil
}

// Close releases resources in reverse order of acquisition.
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// services holds the session engine wired to a backend.
type services struct {
	manager       *session.Manager
	authenticator *session.Authenticator
	sweeper       *session.Sweeper
	recorder      *revocation.Recorder
}

func newServices(cfg *config.Config, be *backend, reg prometheus.Registerer, logger zerolog.Logger) (*services, error) {
	policy, err := session.NewPolicy(cfg.Policy())
	if err != nil {
		return nil, fmt.Errorf("session policy: %w", err)
	}
	pepper, err := cfg.Pepper()
	if err != nil {
		return nil, err
	}
	if len(pepper) == 0 {
		logger.Warn().Msg("TOKEN_PEPPER not set; token digests are unkeyed SHA-512")
	}

	metrics := session.NewMetrics(reg)
	recorder := revocation.NewRecorder(be.revLog, logger, revocation.RecorderConfig{
		QueueSize: cfg.RevocationQueueSize,
	}, reg)

	mgr := session.NewManager(be.store, policy, session.NewHasher(pepper), logger)
	mgr.SetMetrics(metrics)
	mgr.SetRevocationSink(recorder)

	sweeper := session.NewSweeper(be.store, be.scope, be.revLog, cfg.RevocationRetention, logger)
	sweeper.SetMetrics(metrics)

	return &services{
		manager:       mgr,
		authenticator: session.NewAuthenticator(mgr),
		sweeper:       sweeper,
		recorder:      recorder,
	}, nil
}

// Close flushes queued revocation entries.
func (s *services) Close() {
	s.recorder.Close()
}

// newEcho builds the HTTP server. Infrastructure routes sit outside the
// tenant and token middleware; everything under /api/v1 requires a token.
func newEcho(cfg *config.Config, be *backend, svc *services, tp *telemetry.Provider, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.Middleware())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader, db.TenantHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, echo.HeaderWWWAuthenticate},
	}))
	e.Use(echomw.BodyLimit("64K"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(be.pinger))
	e.GET("/metrics", tp.Handler())

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(db.TenantMiddleware(be.pool, cfg.DefaultTenant))
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.Audit(logger))
	apiV1.Use(session.TokenAuth(svc.authenticator, auth.AuthSkipper))

	session.NewHandler(svc.manager).RegisterRoutes(apiV1)

	return e
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	tp := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "jaspr-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	if be.pool != nil {
		tp.RegisterPool(be.pool)
	}

	svc, err := newServices(cfg, be, tp.Registry(), logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	e := newEcho(cfg, be, svc, tp, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.SessionSweepPeriod > 0 {
		g.Go(func() error {
			return svc.sweeper.Run(gctx, cfg.SessionSweepPeriod)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}
