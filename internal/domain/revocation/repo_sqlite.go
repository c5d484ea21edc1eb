package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/jaspr/jaspr/internal/platform/sqlitedb"
)

// SQLiteLog stores entries in the revocation_log table of a single-node database.
type SQLiteLog struct {
	db *sqlitedb.DB
}

func NewSQLiteLog(d *sqlitedb.DB) *SQLiteLog {
	return &SQLiteLog{db: d}
}

func (l *SQLiteLog) Record(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := l.db.Conn(ctx).ExecContext(ctx, `
		INSERT OR IGNORE INTO revocation_log (tenant_id, token_digest, user_id, reason, revoked_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TenantID, e.TokenDigest, e.UserID.String(), string(e.Reason),
		sqlitedb.EncodeTime(e.RevokedAt), sqlitedb.EncodeTime(e.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert revocation entry: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Contains(ctx context.Context, tenantID, digest string) (bool, error) {
	var n int
	err := l.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM revocation_log WHERE tenant_id = ? AND token_digest = ?`,
		tenantID, digest).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check revocation entry: %w", err)
	}
	return n > 0, nil
}

func (l *SQLiteLog) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.Conn(ctx).ExecContext(ctx,
		`DELETE FROM revocation_log WHERE revoked_at < ?`, sqlitedb.EncodeTime(before))
	if err != nil {
		return 0, fmt.Errorf("purge revocation log: %w", err)
	}
	return res.RowsAffected()
}
