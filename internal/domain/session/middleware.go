package session

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/jaspr/jaspr/internal/platform/auth"
)

const resultContextKey = "session_result"

// TokenAuth authenticates the Authorization header of every request that
// skipper does not exempt. On success the identity is stored on the request
// context through auth.WithIdentity and the full Result on the echo context.
func TokenAuth(a *Authenticator, skipper middleware.Skipper) echo.MiddlewareFunc {
	if skipper == nil {
		skipper = middleware.DefaultSkipper
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}

			bearer, ok := bearerFromHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return unauthorized(c, ErrAuthenticationFailed)
			}

			res, err := a.Authenticate(c.Request().Context(), bearer)
			switch {
			case err == nil:
			case errors.Is(err, ErrAuthenticationFailed), errors.Is(err, ErrStaleSessionParameters):
				return unauthorized(c, err)
			default:
				c.Logger().Errorf("token authentication: %v", err)
				return echo.NewHTTPError(http.StatusInternalServerError, PublicMessage(err))
			}

			c.Set(resultContextKey, res)
			ctx := auth.WithIdentity(c.Request().Context(), auth.Identity{
				UserID:    res.Identity.UserID.String(),
				Roles:     []string{string(res.Identity.Role)},
				SessionID: res.Session.ID.String(),
			})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// ResultFromContext returns the authentication result stored by TokenAuth.
func ResultFromContext(c echo.Context) *Result {
	res, _ := c.Get(resultContextKey).(*Result)
	return res
}

func bearerFromHeader(header string) (string, bool) {
	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, AuthScheme) {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func unauthorized(c echo.Context, err error) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, AuthScheme)
	return echo.NewHTTPError(http.StatusUnauthorized, PublicMessage(err))
}
