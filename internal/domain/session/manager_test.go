package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/jaspr/jaspr/internal/domain/revocation"
	"github.com/jaspr/jaspr/internal/platform/db"
)

type testEnv struct {
	store   *mockStore
	sink    *sinkRecorder
	clock   *fakeClock
	metrics *Metrics
	mgr     *Manager
	auth    *Authenticator
}

func newTestEnv(t *testing.T, cfg PolicyConfig) *testEnv {
	t.Helper()
	policy, err := NewPolicy(cfg)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	env := &testEnv{
		store:   newMockStore(),
		sink:    &sinkRecorder{},
		clock:   newFakeClock(),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	env.mgr = NewManager(env.store, policy, NewHasher(nil), zerolog.Nop())
	env.mgr.SetRevocationSink(env.sink)
	env.mgr.SetMetrics(env.metrics)
	env.mgr.SetClock(env.clock.Now)
	env.auth = NewAuthenticator(env.mgr)
	return env
}

func tenantCtx() context.Context {
	return db.WithTenantID(context.Background(), "acme")
}

func erPatient(userID uuid.UUID) CreateParams {
	return CreateParams{UserID: userID, Params: Params{Role: RolePatient, InER: true}}
}

func TestManager_Create_RoundTrip(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())
	ctx := tenantCtx()
	userID := uuid.New()

	created, err := env.mgr.Create(ctx, CreateParams{
		UserID: userID,
		Params: Params{Role: RoleTechnician, InER: true},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(created.Bearer) != LookupKeyLength+secretBytes*2 {
		t.Errorf("unexpected bearer length %d", len(created.Bearer))
	}
	if created.Token.SecretDigest == created.Bearer[LookupKeyLength:] {
		t.Error("raw secret must not be stored")
	}
	if want := env.clock.Now().Add(10 * time.Minute); !created.Token.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %s, got %s", want, created.Token.ExpiresAt)
	}

	res, err := env.auth.Authenticate(ctx, created.Bearer)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if res.Identity.UserID != userID || res.Identity.Role != RoleTechnician {
		t.Errorf("unexpected identity %+v", res.Identity)
	}
	if res.Session.ID != created.Session.ID {
		t.Errorf("expected session %s, got %s", created.Session.ID, res.Session.ID)
	}
	if got := testutil.ToFloat64(env.metrics.created.WithLabelValues("technician", "true")); got != 1 {
		t.Errorf("expected created counter 1, got %v", got)
	}
}

func TestManager_Create_RequiresUser(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())

	if _, err := env.mgr.Create(tenantCtx(), CreateParams{Params: Params{Role: RolePatient}}); err == nil {
		t.Error("expected error for missing user id")
	}
}

func TestManager_Create_PolicyViolationPersistsNothing(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())

	_, err := env.mgr.Create(tenantCtx(), CreateParams{
		UserID: uuid.New(),
		Params: Params{Role: RoleTechnician, InER: false},
	})
	if !errors.Is(err, ErrPolicyUserFacing) {
		t.Fatalf("expected user-facing violation, got %v", err)
	}
	if PublicMessage(err) != "Technicians can only access the system in the ER right now." {
		t.Errorf("unexpected message %q", PublicMessage(err))
	}
	if tokens, sessions := env.store.counts(); tokens != 0 || sessions != 0 {
		t.Errorf("expected nothing persisted, got %d tokens %d sessions", tokens, sessions)
	}
	if got := testutil.ToFloat64(env.metrics.policyDenials.WithLabelValues("user_facing")); got != 1 {
		t.Errorf("expected user_facing denial counted, got %v", got)
	}
}

func TestManager_Create_InternalViolation(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())

	_, err := env.mgr.Create(tenantCtx(), CreateParams{
		UserID: uuid.New(),
		Params: Params{Role: RolePatient, InER: true, LongLived: true},
	})
	if !errors.Is(err, ErrPolicyInternal) {
		t.Fatalf("expected internal violation, got %v", err)
	}
	if PublicMessage(err) != "internal server error" {
		t.Errorf("internal reason leaked: %q", PublicMessage(err))
	}
	if tokens, _ := env.store.counts(); tokens != 0 {
		t.Error("expected nothing persisted")
	}
}

func TestManager_Create_ERPatientSupersedes(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())
	ctx := tenantCtx()
	userID := uuid.New()

	var bearers []string
	for i := 0; i < 4; i++ {
		created, err := env.mgr.Create(ctx, erPatient(userID))
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		bearers = append(bearers, created.Bearer)
		env.clock.Advance(time.Second)
	}

	ers, _ := env.store.ListERPatientSessions(ctx, userID)
	if len(ers) != 1 {
		t.Fatalf("expected exactly one ER session, got %d", len(ers))
	}
	if tokens, sessions := env.store.counts(); tokens != 1 || sessions != 1 {
		t.Errorf("expected 1 token and 1 session, got %d and %d", tokens, sessions)
	}

	for i, b := range bearers[:3] {
		if _, err := env.auth.Authenticate(ctx, b); !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("superseded bearer #%d: expected ErrAuthenticationFailed, got %v", i, err)
		}
	}
	if _, err := env.auth.Authenticate(ctx, bearers[3]); err != nil {
		t.Errorf("latest bearer should authenticate: %v", err)
	}

	entries := env.sink.all()
	if len(entries) != 3 {
		t.Fatalf("expected 3 revocation entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Reason != revocation.ReasonSuperseded || e.TenantID != "acme" || e.UserID != userID {
			t.Errorf("unexpected entry %+v", e)
		}
	}
	if len(env.store.locked) != 4 {
		t.Errorf("expected a user lock per ER create, got %d", len(env.store.locked))
	}
}

func TestManager_Create_OtherSessionsUntouched(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())
	ctx := tenantCtx()
	userID := uuid.New()

	home, err := env.mgr.Create(ctx, CreateParams{UserID: userID, Params: Params{Role: RolePatient, FromNative: true}})
	if err != nil {
		t.Fatalf("Create home: %v", err)
	}
	if _, err := env.mgr.Create(ctx, erPatient(userID)); err != nil {
		t.Fatalf("Create ER: %v", err)
	}
	if _, err := env.mgr.Create(ctx, erPatient(userID)); err != nil {
		t.Fatalf("Create ER: %v", err)
	}

	if _, err := env.auth.Authenticate(ctx, home.Bearer); err != nil {
		t.Errorf("home session should survive ER supersession: %v", err)
	}
	if len(env.store.locked) != 2 {
		t.Errorf("only ER patient creates should lock, got %d", len(env.store.locked))
	}
}

func TestManager_Create_FailureRollsBack(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())
	ctx := tenantCtx()
	userID := uuid.New()

	first, err := env.mgr.Create(ctx, erPatient(userID))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	env.store.failCreateSession = errors.New("disk full")
	if _, err := env.mgr.Create(ctx, erPatient(userID)); err == nil {
		t.Fatal("expected error")
	}
	env.store.failCreateSession = nil

	if _, err := env.auth.Authenticate(ctx, first.Bearer); err != nil {
		t.Errorf("failed create must not remove the prior session: %v", err)
	}
	if tokens, sessions := env.store.counts(); tokens != 1 || sessions != 1 {
		t.Errorf("expected prior pair only, got %d tokens %d sessions", tokens, sessions)
	}
	if len(env.sink.all()) != 0 {
		t.Error("no revocation entries may be submitted for a rolled back create")
	}
}

func TestManager_Create_EncounterOnlyForERPatient(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())
	ctx := tenantCtx()
	encounter := uuid.New()

	er, err := env.mgr.Create(ctx, CreateParams{
		UserID:      uuid.New(),
		Params:      Params{Role: RolePatient, InER: true},
		EncounterID: &encounter,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if er.Session.EncounterID == nil || *er.Session.EncounterID != encounter {
		t.Error("expected encounter on ER patient session")
	}

	home, err := env.mgr.Create(ctx, CreateParams{
		UserID:      uuid.New(),
		Params:      Params{Role: RolePatient},
		EncounterID: &encounter,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if home.Session.EncounterID != nil {
		t.Error("expected encounter to be dropped for a home session")
	}
}

func TestManager_Revoke(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())
	ctx := tenantCtx()

	created, _ := env.mgr.Create(ctx, CreateParams{UserID: uuid.New(), Params: Params{Role: RolePatient}})

	if err := env.mgr.Revoke(ctx, created.Session.ID, revocation.ReasonLogout); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := env.auth.Authenticate(ctx, created.Bearer); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("expected revoked token to fail, got %v", err)
	}
	if err := env.mgr.Revoke(ctx, created.Session.ID, revocation.ReasonLogout); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	entries := env.sink.all()
	if len(entries) != 1 || entries[0].Reason != revocation.ReasonLogout {
		t.Fatalf("expected one logout entry, got %+v", entries)
	}
	if entries[0].TokenDigest != created.Token.SecretDigest {
		t.Error("entry must carry the token digest")
	}
}

func TestManager_RevokeAllForUser(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())
	ctx := tenantCtx()
	userID := uuid.New()
	other := uuid.New()

	env.mgr.Create(ctx, CreateParams{UserID: userID, Params: Params{Role: RolePatient}})
	env.mgr.Create(ctx, CreateParams{UserID: userID, Params: Params{Role: RolePatient, LongLived: true}})
	env.mgr.Create(ctx, erPatient(userID))
	kept, _ := env.mgr.Create(ctx, CreateParams{UserID: other, Params: Params{Role: RolePatient}})

	n, err := env.mgr.RevokeAllForUser(ctx, userID)
	if err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 revoked, got %d", n)
	}
	if _, err := env.auth.Authenticate(ctx, kept.Bearer); err != nil {
		t.Errorf("other user's session should survive: %v", err)
	}
	if len(env.sink.all()) != 3 {
		t.Errorf("expected 3 revocation entries, got %d", len(env.sink.all()))
	}

	n, err = env.mgr.RevokeAllForUser(ctx, userID)
	if err != nil || n != 0 {
		t.Errorf("expected 0 on second call, got %d, %v", n, err)
	}
}

func TestManager_Session(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())
	ctx := tenantCtx()

	created, _ := env.mgr.Create(ctx, CreateParams{UserID: uuid.New(), Params: Params{Role: RolePatient}})

	s, err := env.mgr.Session(ctx, created.Session.ID)
	if err != nil || s.ID != created.Session.ID {
		t.Errorf("expected session, got %v, %v", s, err)
	}
	if _, err := env.mgr.Session(ctx, uuid.New()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}
