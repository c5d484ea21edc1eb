package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jaspr/jaspr/internal/domain/revocation"
	"github.com/jaspr/jaspr/internal/platform/db"
)

// RevocationSink accepts entries for revoked tokens without blocking.
type RevocationSink interface {
	Submit(e revocation.Entry)
}

// Manager issues and revokes sessions.
type Manager struct {
	store   Store
	policy  *Policy
	hasher  *Hasher
	sink    RevocationSink
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewManager(store Store, policy *Policy, hasher *Hasher, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		policy: policy,
		hasher: hasher,
		logger: logger.With().Str("component", "session_manager").Logger(),
		now:    time.Now,
	}
}

// SetRevocationSink attaches the destination for revocation entries.
func (m *Manager) SetRevocationSink(sink RevocationSink) {
	m.sink = sink
}

// SetMetrics attaches counters. A nil value disables them.
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Create issues a new session and token for req.
//
// For ER patient sessions any earlier ER session of the same user is deleted
// in the same transaction that inserts the new one, under a per-user lock, so
// no reader ever sees zero or two of them. Revocation entries for the
// superseded tokens are submitted only after that transaction commits.
func (m *Manager) Create(ctx context.Context, req CreateParams) (*Created, error) {
	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("user_id is required")
	}

	lt, err := m.policy.Evaluate(req.Params)
	if err != nil {
		m.logPolicyViolation(req.UserID, err)
		return nil, err
	}

	lookupKey, secret, err := newCredential()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	tok := &Token{
		ID:           uuid.New(),
		LookupKey:    lookupKey,
		SecretDigest: m.hasher.Digest(secret),
		UserID:       req.UserID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(lt.Validity),
	}
	sess := &Session{
		ID:         uuid.New(),
		TokenID:    tok.ID,
		UserID:     req.UserID,
		Role:       req.Params.Role,
		InER:       req.Params.InER,
		FromNative: req.Params.FromNative,
		LongLived:  req.Params.LongLived,
		CreatedAt:  now,
	}
	erPatient := req.Params.Role == RolePatient && req.Params.InER
	if erPatient {
		sess.EncounterID = req.EncounterID
	}

	var superseded []*Token
	err = m.store.WithTx(ctx, func(ctx context.Context) error {
		superseded = superseded[:0]
		if erPatient {
			if err := m.store.LockUser(ctx, req.UserID); err != nil {
				return err
			}
			prior, err := m.store.ListERPatientSessions(ctx, req.UserID)
			if err != nil {
				return err
			}
			for _, p := range prior {
				t, err := m.store.DeleteSessionAndToken(ctx, p.ID)
				if err != nil {
					return fmt.Errorf("supersede session %s: %w", p.ID, err)
				}
				if t != nil {
					superseded = append(superseded, t)
				}
			}
		}
		if err := m.store.CreateToken(ctx, tok); err != nil {
			return err
		}
		return m.store.CreateSession(ctx, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.submitRevocations(ctx, superseded, revocation.ReasonSuperseded)
	m.metrics.sessionCreated(req.Params)
	m.metrics.sessionSuperseded(len(superseded))

	m.logger.Info().
		Str("tenant_id", db.TenantFromContext(ctx)).
		Str("user_id", req.UserID.String()).
		Str("session_id", sess.ID.String()).
		Str("role", string(sess.Role)).
		Bool("in_er", sess.InER).
		Bool("from_native", sess.FromNative).
		Bool("long_lived", sess.LongLived).
		Int("superseded", len(superseded)).
		Time("expires_at", tok.ExpiresAt).
		Msg("session created")

	return &Created{Session: sess, Token: tok, Bearer: lookupKey + secret}, nil
}

// Revoke deletes a session and its token.
func (m *Manager) Revoke(ctx context.Context, sessionID uuid.UUID, reason revocation.Reason) error {
	tok, err := m.store.DeleteSessionAndToken(ctx, sessionID)
	if err != nil {
		return err
	}

	m.submitRevocations(ctx, []*Token{tok}, reason)
	m.metrics.sessionRevoked(string(reason), 1)
	m.logger.Info().
		Str("tenant_id", db.TenantFromContext(ctx)).
		Str("session_id", sessionID.String()).
		Str("reason", string(reason)).
		Msg("session revoked")
	return nil
}

// RevokeAllForUser deletes every session the user holds and returns how
// many were removed.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var tokens []*Token
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		tokens = tokens[:0]
		sessions, err := m.store.ListSessionsByUser(ctx, userID)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			t, err := m.store.DeleteSessionAndToken(ctx, s.ID)
			if err != nil {
				return err
			}
			tokens = append(tokens, t)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("revoke sessions for user: %w", err)
	}

	m.submitRevocations(ctx, tokens, revocation.ReasonLogoutAll)
	m.metrics.sessionRevoked(string(revocation.ReasonLogoutAll), len(tokens))
	m.logger.Info().
		Str("tenant_id", db.TenantFromContext(ctx)).
		Str("user_id", userID.String()).
		Int("count", len(tokens)).
		Msg("all sessions revoked for user")
	return len(tokens), nil
}

// Session returns a session by ID.
func (m *Manager) Session(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (m *Manager) submitRevocations(ctx context.Context, tokens []*Token, reason revocation.Reason) {
	if m.sink == nil {
		return
	}
	tenantID := db.TenantFromContext(ctx)
	revokedAt := m.now().UTC()
	for _, t := range tokens {
		if t == nil {
			continue
		}
		m.sink.Submit(revocation.Entry{
			TenantID:    tenantID,
			TokenDigest: t.SecretDigest,
			UserID:      t.UserID,
			Reason:      reason,
			RevokedAt:   revokedAt,
			ExpiresAt:   t.ExpiresAt,
		})
	}
}

// logPolicyViolation logs user-facing violations at info. Internal ones are
// logged at the highest level with the full request context; WithLevel does
// not exit the process.
func (m *Manager) logPolicyViolation(userID uuid.UUID, err error) {
	var pv *PolicyViolationError
	if !errors.As(err, &pv) {
		return
	}
	m.metrics.policyDenied(pv.Internal)

	evt := m.logger.Info()
	if pv.Internal {
		evt = m.logger.WithLevel(zerolog.FatalLevel).Str("severity", "critical")
	}
	evt.
		Str("user_id", userID.String()).
		Str("role", string(pv.Params.Role)).
		Bool("in_er", pv.Params.InER).
		Bool("from_native", pv.Params.FromNative).
		Bool("long_lived", pv.Params.LongLived).
		Str("reason", pv.Reason).
		Msg("session request denied by policy")
}
