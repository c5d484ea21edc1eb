package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/jaspr/jaspr/internal/domain/revocation"
)

// newAuthedContext builds an echo context as TokenAuth would leave it.
func newAuthedContext(t *testing.T, env *testEnv, method, body string, created *Created) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	req = req.WithContext(tenantCtx())
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	res, err := env.auth.Authenticate(tenantCtx(), created.Bearer)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	c.Set(resultContextKey, res)
	return c, rec
}

func TestHandler_GetCurrent(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())
	h := NewHandler(env.mgr)
	userID := uuid.New()
	created, _ := env.mgr.Create(tenantCtx(), CreateParams{UserID: userID, Params: Params{Role: RolePatient, LongLived: true}})

	c, rec := newAuthedContext(t, env, http.MethodGet, "", created)
	if err := h.GetCurrent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var got sessionResponse
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.SessionID != created.Session.ID || got.UserID != userID || !got.LongLived {
		t.Errorf("unexpected body %+v", got)
	}
	if strings.Contains(rec.Body.String(), created.Token.SecretDigest) {
		t.Error("digest must not be exposed")
	}
}

func TestHandler_GetCurrent_NoResult(t *testing.T) {
	h := NewHandler(newTestEnv(t, DefaultPolicyConfig()).mgr)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	if err := h.GetCurrent(c); err == nil {
		t.Error("expected error without an authenticated session")
	}
}

func TestHandler_DeleteCurrent(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())
	h := NewHandler(env.mgr)
	created, _ := env.mgr.Create(tenantCtx(), CreateParams{UserID: uuid.New(), Params: Params{Role: RolePatient}})

	c, rec := newAuthedContext(t, env, http.MethodDelete, "", created)
	if err := h.DeleteCurrent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if _, err := env.auth.Authenticate(tenantCtx(), created.Bearer); !errors.Is(err, ErrAuthenticationFailed) {
		t.Error("expected token to be revoked")
	}
	if e := env.sink.all(); len(e) != 1 || e[0].Reason != revocation.ReasonLogout {
		t.Errorf("expected logout entry, got %+v", e)
	}

	if err := h.DeleteCurrent(c); err == nil {
		t.Error("expected error for already revoked session")
	}
}

func TestHandler_DeleteAll(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())
	h := NewHandler(env.mgr)
	userID := uuid.New()
	created, _ := env.mgr.Create(tenantCtx(), CreateParams{UserID: userID, Params: Params{Role: RolePatient}})
	env.mgr.Create(tenantCtx(), CreateParams{UserID: userID, Params: Params{Role: RolePatient, FromNative: true}})

	c, rec := newAuthedContext(t, env, http.MethodDelete, "", created)
	if err := h.DeleteAll(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]int
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["revoked"] != 2 {
		t.Errorf("expected revoked=2, got %v", body)
	}
}

func TestHandler_CreateERPatientSession(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())
	h := NewHandler(env.mgr)
	tech, _ := env.mgr.Create(tenantCtx(), CreateParams{UserID: uuid.New(), Params: Params{Role: RoleTechnician, InER: true}})
	patientID := uuid.New()
	encounter := uuid.New()

	c, rec := newAuthedContext(t, env, http.MethodPost, `{"encounter_id":"`+encounter.String()+`"}`, tech)
	c.SetParamNames("patient_id")
	c.SetParamValues(patientID.String())

	if err := h.CreateERPatientSession(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var got erSessionResponse
	json.Unmarshal(rec.Body.Bytes(), &got)
	res, err := env.auth.Authenticate(tenantCtx(), got.Token)
	if err != nil {
		t.Fatalf("issued token should authenticate: %v", err)
	}
	if res.Identity.UserID != patientID || res.Identity.Role != RolePatient || !res.Session.InER {
		t.Errorf("unexpected session %+v", res.Session)
	}
	if res.Session.EncounterID == nil || *res.Session.EncounterID != encounter {
		t.Error("expected encounter to be recorded")
	}
}

func TestHandler_CreateERPatientSession_InvalidPatient(t *testing.T) {
	env := newTestEnv(t, DefaultPolicyConfig())
	h := NewHandler(env.mgr)
	tech, _ := env.mgr.Create(tenantCtx(), CreateParams{UserID: uuid.New(), Params: Params{Role: RoleTechnician, InER: true}})

	c, _ := newAuthedContext(t, env, http.MethodPost, "", tech)
	c.SetParamNames("patient_id")
	c.SetParamValues("not-a-uuid")

	err := h.CreateERPatientSession(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h := NewHandler(newTestEnv(t, DefaultPolicyConfig()).mgr)
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"GET /api/v1/sessions/current":                  false,
		"DELETE /api/v1/sessions/current":               false,
		"DELETE /api/v1/sessions":                       false,
		"POST /api/v1/er/patients/:patient_id/sessions": false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}
