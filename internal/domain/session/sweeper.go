package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaspr/jaspr/internal/domain/revocation"
	"github.com/jaspr/jaspr/internal/platform/db"
)

// Sweeper removes expired session/token pairs in every tenant and trims the
// revocation log past its retention window.
type Sweeper struct {
	store     Store
	scope     db.TenantScope
	log       revocation.Log
	retention time.Duration
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewSweeper returns a Sweeper. log may be nil, in which case only sessions
// are swept.
func NewSweeper(store Store, scope db.TenantScope, log revocation.Log, retention time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		scope:     scope,
		log:       log,
		retention: retention,
		logger:    logger.With().Str("component", "session_sweeper").Logger(),
		now:       time.Now,
	}
}

func (s *Sweeper) SetMetrics(m *Metrics) {
	s.metrics = m
}

func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Sweep runs one pass and returns the number of pairs removed. A failure in
// one tenant is logged and the pass continues; the first such error is
// returned at the end.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	tenants, err := s.scope.Tenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	now := s.now().UTC()
	var (
		total    int64
		firstErr error
	)
	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		err := s.scope.Within(ctx, tenantID, func(ctx context.Context) error {
			n, err := s.store.DeleteExpired(ctx, now)
			if err != nil {
				return err
			}
			total += n
			if n > 0 {
				s.logger.Info().Str("tenant_id", tenantID).Int64("count", n).Msg("expired sessions removed")
			}
			return nil
		})
		if err != nil {
			s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("sweep failed for tenant")
			if firstErr == nil {
				firstErr = fmt.Errorf("sweep tenant %s: %w", tenantID, err)
			}
		}
	}
	s.metrics.expiredSwept(total)

	if s.log != nil && s.retention > 0 {
		purged, err := s.log.Purge(ctx, now.Add(-s.retention))
		if err != nil {
			s.logger.Error().Err(err).Msg("revocation log purge failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("purge revocation log: %w", err)
			}
		} else if purged > 0 {
			s.logger.Info().Int64("count", purged).Msg("revocation entries purged")
		}
	}

	return total, firstErr
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("session sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("session sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("session sweep failed")
			}
		}
	}
}
