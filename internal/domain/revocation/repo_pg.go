package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLog stores entries in the shared schema so writes do not depend on a
// tenant connection being available.
type PGLog struct {
	pool *pgxpool.Pool
}

func NewPGLog(pool *pgxpool.Pool) *PGLog {
	return &PGLog{pool: pool}
}

func (l *PGLog) Record(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO shared.revocation_log (tenant_id, token_digest, user_id, reason, revoked_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, token_digest) DO NOTHING`,
		e.TenantID, e.TokenDigest, e.UserID, string(e.Reason), e.RevokedAt, e.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert revocation entry: %w", err)
	}
	return nil
}

func (l *PGLog) Contains(ctx context.Context, tenantID, digest string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM shared.revocation_log WHERE tenant_id = $1 AND token_digest = $2
		)`, tenantID, digest).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check revocation entry: %w", err)
	}
	return exists, nil
}

func (l *PGLog) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx, `DELETE FROM shared.revocation_log WHERE revoked_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge revocation log: %w", err)
	}
	return tag.RowsAffected(), nil
}
