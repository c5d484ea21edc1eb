package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jaspr/jaspr/internal/platform/sqlitedb"
)

type repoSQLite struct {
	db *sqlitedb.DB
}

// NewSQLiteRepo returns a Store on a single SQLite database. SQLite runs one
// writer at a time, so LockUser only has to check a transaction is open.
func NewSQLiteRepo(d *sqlitedb.DB) Store {
	return &repoSQLite{db: d}
}

var _ Store = (*repoSQLite)(nil)

func (r *repoSQLite) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithTx(ctx, fn)
}

func (r *repoSQLite) LockUser(ctx context.Context, _ uuid.UUID) error {
	if _, ok := r.db.Conn(ctx).(*sql.Tx); !ok {
		return errors.New("lock user requires a transaction")
	}
	return nil
}

func (r *repoSQLite) CreateToken(ctx context.Context, t *Token) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO auth_token (`+tokenCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.LookupKey, t.SecretDigest, t.UserID.String(),
		sqlitedb.EncodeTime(t.CreatedAt), sqlitedb.EncodeTime(t.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteToken(sc scanner) (*Token, error) {
	var (
		t                  Token
		id, userID         string
		created, expiresAt int64
	)
	if err := sc.Scan(&id, &t.LookupKey, &t.SecretDigest, &userID, &created, &expiresAt); err != nil {
		return nil, err
	}
	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse token id: %w", err)
	}
	if t.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	t.CreatedAt = sqlitedb.DecodeTime(created)
	t.ExpiresAt = sqlitedb.DecodeTime(expiresAt)
	return &t, nil
}

func (r *repoSQLite) GetTokenByLookupKey(ctx context.Context, lookupKey string) (*Token, error) {
	t, err := scanSQLiteToken(r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+tokenCols+` FROM auth_token WHERE lookup_key = ?`, lookupKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

func (r *repoSQLite) ExtendTokenExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) (bool, error) {
	at := sqlitedb.EncodeTime(expiresAt)
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE auth_token SET expires_at = ? WHERE id = ? AND expires_at < ?`, at, id.String(), at)
	if err != nil {
		return false, fmt.Errorf("extend token expiry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend token expiry: %w", err)
	}
	return n > 0, nil
}

func (r *repoSQLite) CreateSession(ctx context.Context, s *Session) error {
	var encounter any
	if s.EncounterID != nil {
		encounter = s.EncounterID.String()
	}
	_, err := r.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO auth_session (`+sessionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.TokenID.String(), s.UserID.String(), string(s.Role),
		s.InER, s.FromNative, s.LongLived, encounter, sqlitedb.EncodeTime(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func scanSQLiteSession(sc scanner) (*Session, error) {
	var (
		s                   Session
		id, tokenID, userID string
		role                string
		encounter           sql.NullString
		created             int64
	)
	if err := sc.Scan(&id, &tokenID, &userID, &role, &s.InER, &s.FromNative, &s.LongLived, &encounter, &created); err != nil {
		return nil, err
	}
	var err error
	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}
	if s.TokenID, err = uuid.Parse(tokenID); err != nil {
		return nil, fmt.Errorf("parse token id: %w", err)
	}
	if s.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	if encounter.Valid {
		eid, err := uuid.Parse(encounter.String)
		if err != nil {
			return nil, fmt.Errorf("parse encounter id: %w", err)
		}
		s.EncounterID = &eid
	}
	s.Role = Role(role)
	s.CreatedAt = sqlitedb.DecodeTime(created)
	return &s, nil
}

func (r *repoSQLite) getSession(ctx context.Context, where string, arg any) (*Session, error) {
	s, err := scanSQLiteSession(r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM auth_session WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (r *repoSQLite) GetSessionByTokenID(ctx context.Context, tokenID uuid.UUID) (*Session, error) {
	return r.getSession(ctx, "token_id = ?", tokenID.String())
}

func (r *repoSQLite) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.getSession(ctx, "id = ?", id.String())
}

func (r *repoSQLite) listSessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoSQLite) ListSessionsByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	return r.listSessions(ctx,
		`SELECT `+sessionCols+` FROM auth_session WHERE user_id = ? ORDER BY created_at`, userID.String())
}

func (r *repoSQLite) ListERPatientSessions(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	return r.listSessions(ctx,
		`SELECT `+sessionCols+` FROM auth_session
		 WHERE user_id = ? AND role = 'patient' AND in_er = 1
		 ORDER BY created_at`, userID.String())
}

func (r *repoSQLite) DeleteSessionAndToken(ctx context.Context, sessionID uuid.UUID) (*Token, error) {
	var deleted *Token
	err := r.WithTx(ctx, func(ctx context.Context) error {
		q := r.db.Conn(ctx)

		var tokenID string
		err := q.QueryRowContext(ctx, `SELECT token_id FROM auth_session WHERE id = ?`, sessionID.String()).Scan(&tokenID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("find session: %w", err)
		}

		t, err := scanSQLiteToken(q.QueryRowContext(ctx, `SELECT `+tokenCols+` FROM auth_token WHERE id = ?`, tokenID))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("find token: %w", err)
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM auth_session WHERE id = ?`, sessionID.String()); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM auth_token WHERE id = ?`, tokenID); err != nil {
			return fmt.Errorf("delete token: %w", err)
		}
		deleted = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (r *repoSQLite) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	at := sqlitedb.EncodeTime(now)
	var n int64
	err := r.WithTx(ctx, func(ctx context.Context) error {
		q := r.db.Conn(ctx)
		if _, err := q.ExecContext(ctx, `
			DELETE FROM auth_session
			WHERE token_id IN (SELECT id FROM auth_token WHERE expires_at < ?)`, at); err != nil {
			return fmt.Errorf("delete expired sessions: %w", err)
		}
		res, err := q.ExecContext(ctx, `
			DELETE FROM auth_token
			WHERE expires_at < ?
			  AND id NOT IN (SELECT token_id FROM auth_session)`, at)
		if err != nil {
			return fmt.Errorf("delete expired tokens: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
