package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/jaspr/jaspr/internal/platform/auth"
)

// AuditEntry records who did what to which session.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	SessionID  string
	TenantID   string
	Action     string
	PatientID  string
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// Audit logs every /api/v1 request after it completes, with the identity
// token auth placed on the context. Denied requests are logged at warn.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			ctx := c.Request().Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				SessionID:  auth.SessionIDFromContext(ctx),
				Action:     auditAction(req.Method, c.Path()),
				PatientID:  c.Param("patient_id"),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: c.Response().Status,
			}
			if err != nil {
				entry.StatusCode = statusOf(err)
			}
			entry.TenantID, _ = c.Get("tenant_id").(string)
			entry.RequestID, _ = c.Get("request_id").(string)

			evt := logger.Info()
			if entry.StatusCode == http.StatusUnauthorized || entry.StatusCode == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "session_audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("session_id", entry.SessionID).
				Str("action", entry.Action).
				Str("patient_id", entry.PatientID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Str("user_agent", entry.UserAgent).
				Int("status", entry.StatusCode).
				Time("at", entry.Timestamp).
				Msg("session_access")

			return err
		}
	}
}

// auditAction names the operation from the method and route pattern.
func auditAction(method, route string) string {
	switch {
	case method == http.MethodPost && strings.HasSuffix(route, "/sessions"):
		return "session.create"
	case method == http.MethodDelete && strings.HasSuffix(route, "/sessions/current"):
		return "session.logout"
	case method == http.MethodDelete && strings.HasSuffix(route, "/sessions"):
		return "session.logout_all"
	case method == http.MethodGet || method == http.MethodHead:
		return "read"
	default:
		return strings.ToLower(method)
	}
}
