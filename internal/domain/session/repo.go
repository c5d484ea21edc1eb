package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TokenStore persists bearer tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, t *Token) error
	GetTokenByLookupKey(ctx context.Context, lookupKey string) (*Token, error)
	// ExtendTokenExpiry moves expires_at to the given time only if that is
	// later than the stored value. It reports whether a row changed.
	ExtendTokenExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) (bool, error)
}

// SessionStore persists session records.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSessionByTokenID(ctx context.Context, tokenID uuid.UUID) (*Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	ListSessionsByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error)
	ListERPatientSessions(ctx context.Context, userID uuid.UUID) ([]*Session, error)
	// DeleteSessionAndToken removes a session and the token it owns. It joins
	// the transaction on ctx when there is one.
	DeleteSessionAndToken(ctx context.Context, sessionID uuid.UUID) (*Token, error)
	// DeleteExpired removes every session whose token expired before now and
	// returns the number of pairs removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Transactor scopes store calls to a single transaction.
type Transactor interface {
	// WithTx runs fn in a transaction. Store calls made with the context passed
	// to fn join it. The transaction commits when fn returns nil.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	// LockUser serializes session creation for userID until the transaction
	// on ctx ends.
	LockUser(ctx context.Context, userID uuid.UUID) error
}

// Store is everything the manager and authenticator need from persistence.
type Store interface {
	Transactor
	TokenStore
	SessionStore
}
