package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/jaspr/jaspr/internal/domain/revocation"
	"github.com/jaspr/jaspr/internal/platform/auth"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

// RegisterRoutes mounts the session endpoints. api must already run tenant
// resolution and TokenAuth.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/sessions/current", h.GetCurrent)
	api.DELETE("/sessions/current", h.DeleteCurrent)
	api.DELETE("/sessions", h.DeleteAll)

	tech := api.Group("", auth.RequireRole(string(RoleTechnician)))
	tech.POST("/er/patients/:patient_id/sessions", h.CreateERPatientSession)
}

type sessionResponse struct {
	SessionID   uuid.UUID  `json:"session_id"`
	UserID      uuid.UUID  `json:"user_id"`
	Role        Role       `json:"role"`
	InER        bool       `json:"in_er"`
	FromNative  bool       `json:"from_native"`
	LongLived   bool       `json:"long_lived"`
	EncounterID *uuid.UUID `json:"encounter_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Refreshed   bool       `json:"refreshed"`
}

func (h *Handler) GetCurrent(c echo.Context) error {
	res := ResultFromContext(c)
	if res == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, PublicMessage(ErrAuthenticationFailed))
	}
	s := res.Session
	return c.JSON(http.StatusOK, sessionResponse{
		SessionID:   s.ID,
		UserID:      s.UserID,
		Role:        s.Role,
		InER:        s.InER,
		FromNative:  s.FromNative,
		LongLived:   s.LongLived,
		EncounterID: s.EncounterID,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   res.Token.ExpiresAt,
		Refreshed:   res.Refreshed,
	})
}

func (h *Handler) DeleteCurrent(c echo.Context) error {
	res := ResultFromContext(c)
	if res == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, PublicMessage(ErrAuthenticationFailed))
	}
	err := h.mgr.Revoke(c.Request().Context(), res.Session.ID, revocation.ReasonLogout)
	if errors.Is(err, ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		c.Logger().Errorf("logout: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, PublicMessage(err))
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteAll(c echo.Context) error {
	res := ResultFromContext(c)
	if res == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, PublicMessage(ErrAuthenticationFailed))
	}
	n, err := h.mgr.RevokeAllForUser(c.Request().Context(), res.Identity.UserID)
	if err != nil {
		c.Logger().Errorf("logout everywhere: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, PublicMessage(err))
	}
	return c.JSON(http.StatusOK, map[string]int{"revoked": n})
}

type erSessionRequest struct {
	EncounterID *uuid.UUID `json:"encounter_id"`
}

type erSessionResponse struct {
	Token     string    `json:"token"`
	SessionID uuid.UUID `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateERPatientSession lets a technician start the ER kiosk session for a
// patient. Any ER session the patient already holds is superseded.
func (h *Handler) CreateERPatientSession(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	var req erSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	created, err := h.mgr.Create(c.Request().Context(), CreateParams{
		UserID:      patientID,
		Params:      Params{Role: RolePatient, InER: true},
		EncounterID: req.EncounterID,
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrPolicyUserFacing):
		return echo.NewHTTPError(http.StatusForbidden, PublicMessage(err))
	default:
		c.Logger().Errorf("create ER session: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, PublicMessage(err))
	}

	return c.JSON(http.StatusCreated, erSessionResponse{
		Token:     created.Bearer,
		SessionID: created.Session.ID,
		ExpiresAt: created.Token.ExpiresAt,
	})
}
