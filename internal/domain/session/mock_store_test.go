package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaspr/jaspr/internal/domain/revocation"
)

type mockTxKey struct{}

// mockStore is an in-memory Store. WithTx snapshots both maps and restores
// them when fn fails, which is enough to observe rollback.
type mockStore struct {
	mu       sync.Mutex
	tokens   map[uuid.UUID]*Token
	sessions map[uuid.UUID]*Session

	locked            []uuid.UUID
	failCreateSession error
	failLookup        error
	beforeExtend      func()
}

func newMockStore() *mockStore {
	return &mockStore{
		tokens:   make(map[uuid.UUID]*Token),
		sessions: make(map[uuid.UUID]*Session),
	}
}

func (m *mockStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(mockTxKey{}) != nil {
		return fn(ctx)
	}

	m.mu.Lock()
	tokens := make(map[uuid.UUID]*Token, len(m.tokens))
	for k, v := range m.tokens {
		cp := *v
		tokens[k] = &cp
	}
	sessions := make(map[uuid.UUID]*Session, len(m.sessions))
	for k, v := range m.sessions {
		cp := *v
		sessions[k] = &cp
	}
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, mockTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.tokens, m.sessions = tokens, sessions
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *mockStore) LockUser(ctx context.Context, userID uuid.UUID) error {
	if ctx.Value(mockTxKey{}) == nil {
		return errors.New("lock user requires a transaction")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = append(m.locked, userID)
	return nil
}

func (m *mockStore) CreateToken(_ context.Context, t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tokens {
		if existing.LookupKey == t.LookupKey {
			return errors.New("duplicate lookup key")
		}
	}
	cp := *t
	m.tokens[t.ID] = &cp
	return nil
}

func (m *mockStore) GetTokenByLookupKey(_ context.Context, lookupKey string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLookup != nil {
		return nil, m.failLookup
	}
	for _, t := range m.tokens {
		if t.LookupKey == lookupKey {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockStore) ExtendTokenExpiry(_ context.Context, id uuid.UUID, expiresAt time.Time) (bool, error) {
	if m.beforeExtend != nil {
		m.beforeExtend()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || !t.ExpiresAt.Before(expiresAt) {
		return false, nil
	}
	t.ExpiresAt = expiresAt
	return true, nil
}

func (m *mockStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateSession != nil {
		return m.failCreateSession
	}
	for _, existing := range m.sessions {
		if existing.UserID == s.UserID && existing.Role == RolePatient && existing.InER &&
			s.Role == RolePatient && s.InER {
			return errors.New("duplicate ER patient session")
		}
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *mockStore) GetSessionByTokenID(_ context.Context, tokenID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TokenID == tokenID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockStore) GetSession(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockStore) listWhere(pred func(*Session) bool) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if pred(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *mockStore) ListSessionsByUser(_ context.Context, userID uuid.UUID) ([]*Session, error) {
	return m.listWhere(func(s *Session) bool { return s.UserID == userID }), nil
}

func (m *mockStore) ListERPatientSessions(_ context.Context, userID uuid.UUID) ([]*Session, error) {
	return m.listWhere(func(s *Session) bool {
		return s.UserID == userID && s.Role == RolePatient && s.InER
	}), nil
}

func (m *mockStore) DeleteSessionAndToken(_ context.Context, sessionID uuid.UUID) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	t, ok := m.tokens[s.TokenID]
	if !ok {
		return nil, nil
	}
	delete(m.tokens, s.TokenID)
	return t, nil
}

func (m *mockStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tokens {
		if !t.ExpiresAt.Before(now) {
			continue
		}
		for sid, s := range m.sessions {
			if s.TokenID == id {
				delete(m.sessions, sid)
			}
		}
		delete(m.tokens, id)
		n++
	}
	return n, nil
}

func (m *mockStore) counts() (tokens, sessions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens), len(m.sessions)
}

// mutateSession rewrites a stored session in place, standing in for a stale
// row left behind by a policy change.
func (m *mockStore) mutateSession(id uuid.UUID, fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.sessions[id])
}

// sinkRecorder collects submitted revocation entries.
type sinkRecorder struct {
	mu      sync.Mutex
	entries []revocation.Entry
}

func (s *sinkRecorder) Submit(e revocation.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *sinkRecorder) all() []revocation.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]revocation.Entry(nil), s.entries...)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
