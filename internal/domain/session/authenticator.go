package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jaspr/jaspr/internal/domain/revocation"
	"github.com/jaspr/jaspr/internal/platform/db"
)

// Authenticator resolves bearer values to identities and slides token expiry.
// It shares storage, policy and clock with the Manager it wraps.
type Authenticator struct {
	m *Manager
}

func NewAuthenticator(m *Manager) *Authenticator {
	return &Authenticator{m: m}
}

// Authenticate validates bearer and returns the identity it belongs to.
//
// Unknown, expired and mismatched tokens all yield ErrAuthenticationFailed.
// A session whose stored parameters no longer pass policy is deleted before
// ErrStaleSessionParameters is returned, so the same token fails plainly on
// the next call.
func (a *Authenticator) Authenticate(ctx context.Context, bearer string) (*Result, error) {
	m := a.m

	lookupKey, secret, err := ParseBearer(bearer)
	if err != nil {
		return nil, a.fail("malformed")
	}

	tok, err := m.store.GetTokenByLookupKey(ctx, lookupKey)
	if errors.Is(err, ErrNotFound) {
		return nil, a.fail("unknown")
	}
	if err != nil {
		m.metrics.authenticated("error")
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	now := m.now().UTC()
	if tok.Expired(now) {
		return nil, a.fail("expired")
	}
	if !m.hasher.Matches(secret, tok.SecretDigest) {
		return nil, a.fail("digest_mismatch")
	}

	sess, err := m.store.GetSessionByTokenID(ctx, tok.ID)
	if errors.Is(err, ErrNotFound) {
		m.logger.Warn().
			Str("tenant_id", db.TenantFromContext(ctx)).
			Str("token_id", tok.ID.String()).
			Msg("token has no session")
		return nil, a.fail("orphan")
	}
	if err != nil {
		m.metrics.authenticated("error")
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	lt, err := m.policy.Evaluate(sess.Params())
	if err != nil {
		return nil, a.teardown(ctx, sess, err)
	}

	refreshed := false
	lastRefresh := tok.ExpiresAt.Add(-lt.Validity)
	if now.Sub(lastRefresh) >= lt.MinRefresh {
		next := now.Add(lt.Validity)
		changed, err := m.store.ExtendTokenExpiry(ctx, tok.ID, next)
		if err != nil {
			m.metrics.authenticated("error")
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		if changed {
			tok.ExpiresAt = next
			refreshed = true
			m.metrics.refreshed()
		} else {
			// No row moved: either a concurrent request already slid it, or
			// the pair was deleted after the lookup above.
			if _, err := m.store.GetTokenByLookupKey(ctx, lookupKey); errors.Is(err, ErrNotFound) {
				return nil, a.fail("unknown")
			} else if err != nil {
				m.metrics.authenticated("error")
				return nil, fmt.Errorf("authenticate: %w", err)
			}
		}
	}

	m.metrics.authenticated("success")
	return &Result{
		Identity:  Identity{UserID: tok.UserID, Role: sess.Role},
		Session:   sess,
		Token:     tok,
		Refreshed: refreshed,
	}, nil
}

func (a *Authenticator) fail(outcome string) error {
	a.m.metrics.authenticated(outcome)
	return ErrAuthenticationFailed
}

func (a *Authenticator) teardown(ctx context.Context, sess *Session, cause error) error {
	m := a.m
	m.metrics.authenticated("stale")

	tok, err := m.store.DeleteSessionAndToken(ctx, sess.ID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("tear down stale session: %w", err)
	}
	if tok != nil {
		m.submitRevocations(ctx, []*Token{tok}, revocation.ReasonStaleParameters)
		m.metrics.sessionRevoked(string(revocation.ReasonStaleParameters), 1)
	}

	evt := m.logger.Warn()
	if errors.Is(cause, ErrPolicyInternal) {
		evt = m.logger.WithLevel(zerolog.FatalLevel).Str("severity", "critical")
	}
	evt.
		Str("tenant_id", db.TenantFromContext(ctx)).
		Str("session_id", sess.ID.String()).
		Str("user_id", sess.UserID.String()).
		Str("role", string(sess.Role)).
		Str("reason", cause.Error()).
		Msg("stale session torn down")

	return fmt.Errorf("%w: %v", ErrStaleSessionParameters, cause)
}
