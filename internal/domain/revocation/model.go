package revocation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Reason explains why a token was revoked.
type Reason string

const (
	ReasonLogout          Reason = "logout"
	ReasonLogoutAll       Reason = "logout_all"
	ReasonSuperseded      Reason = "superseded"
	ReasonStaleParameters Reason = "stale_parameters"
)

// Entry is a write-once record of a revoked token, keyed by tenant and the
// token's secret digest.
type Entry struct {
	TenantID    string    `db:"tenant_id" json:"tenant_id"`
	TokenDigest string    `db:"token_digest" json:"token_digest"`
	UserID      uuid.UUID `db:"user_id" json:"user_id"`
	Reason      Reason    `db:"reason" json:"reason"`
	RevokedAt   time.Time `db:"revoked_at" json:"revoked_at"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
}

var errMissingDigest = errors.New("revocation entry has no token digest")

// Validate checks that e can be stored.
func (e Entry) Validate() error {
	if e.TokenDigest == "" {
		return errMissingDigest
	}
	return nil
}

// Log is an append-only store of revocation entries. Record is idempotent:
// recording the same tenant and digest twice is a no-op.
type Log interface {
	Record(ctx context.Context, e Entry) error
	Contains(ctx context.Context, tenantID, digest string) (bool, error)
	// Purge drops entries revoked before the given time and returns how many
	// were removed.
	Purge(ctx context.Context, before time.Time) (int64, error)
}
