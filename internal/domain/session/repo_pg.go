package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jaspr/jaspr/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns a Postgres-backed Store. Queries run on the transaction or
// tenant connection carried by ctx, falling back to the pool.
func NewRepo(pool *pgxpool.Pool) Store {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

func (r *repoPG) LockUser(ctx context.Context, userID uuid.UUID) error {
	return db.AdvisoryXactLock(ctx, "auth_session:"+db.TenantFromContext(ctx)+":"+userID.String())
}

const tokenCols = `id, lookup_key, secret_digest, user_id, created_at, expires_at`

func (r *repoPG) CreateToken(ctx context.Context, t *Token) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO auth_token (`+tokenCols+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.LookupKey, t.SecretDigest, t.UserID, t.CreatedAt, t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (r *repoPG) GetTokenByLookupKey(ctx context.Context, lookupKey string) (*Token, error) {
	var t Token
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+tokenCols+` FROM auth_token WHERE lookup_key = $1`, lookupKey,
	).Scan(&t.ID, &t.LookupKey, &t.SecretDigest, &t.UserID, &t.CreatedAt, &t.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &t, nil
}

func (r *repoPG) ExtendTokenExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE auth_token SET expires_at = $2 WHERE id = $1 AND expires_at < $2`, id, expiresAt)
	if err != nil {
		return false, fmt.Errorf("extend token expiry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const sessionCols = `id, token_id, user_id, role, in_er, from_native, long_lived, encounter_id, created_at`

func (r *repoPG) CreateSession(ctx context.Context, s *Session) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO auth_session (`+sessionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.TokenID, s.UserID, string(s.Role), s.InER, s.FromNative, s.LongLived, s.EncounterID, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var role string
	if err := row.Scan(&s.ID, &s.TokenID, &s.UserID, &role, &s.InER, &s.FromNative, &s.LongLived, &s.EncounterID, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Role = Role(role)
	return &s, nil
}

func (r *repoPG) getSession(ctx context.Context, where string, arg interface{}) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM auth_session WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (r *repoPG) GetSessionByTokenID(ctx context.Context, tokenID uuid.UUID) (*Session, error) {
	return r.getSession(ctx, "token_id = $1", tokenID)
}

func (r *repoPG) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.getSession(ctx, "id = $1", id)
}

func (r *repoPG) listSessions(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoPG) ListSessionsByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	return r.listSessions(ctx,
		`SELECT `+sessionCols+` FROM auth_session WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (r *repoPG) ListERPatientSessions(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	return r.listSessions(ctx,
		`SELECT `+sessionCols+` FROM auth_session
		 WHERE user_id = $1 AND role = 'patient' AND in_er
		 ORDER BY created_at FOR UPDATE`, userID)
}

func (r *repoPG) DeleteSessionAndToken(ctx context.Context, sessionID uuid.UUID) (*Token, error) {
	var deleted *Token
	err := r.WithTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)

		var tokenID uuid.UUID
		err := q.QueryRow(ctx, `DELETE FROM auth_session WHERE id = $1 RETURNING token_id`, sessionID).Scan(&tokenID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}

		var t Token
		err = q.QueryRow(ctx, `DELETE FROM auth_token WHERE id = $1 RETURNING `+tokenCols, tokenID).
			Scan(&t.ID, &t.LookupKey, &t.SecretDigest, &t.UserID, &t.CreatedAt, &t.ExpiresAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("delete token: %w", err)
		}
		deleted = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (r *repoPG) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.WithTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `
			DELETE FROM auth_session s USING auth_token t
			WHERE s.token_id = t.id AND t.expires_at < $1`, now); err != nil {
			return fmt.Errorf("delete expired sessions: %w", err)
		}
		tag, err := q.Exec(ctx, `
			DELETE FROM auth_token t
			WHERE t.expires_at < $1
			  AND NOT EXISTS (SELECT 1 FROM auth_session s WHERE s.token_id = t.id)`, now)
		if err != nil {
			return fmt.Errorf("delete expired tokens: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}
