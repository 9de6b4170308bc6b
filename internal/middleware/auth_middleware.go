package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/damacus/datalab-buckets/internal/utils"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// SessionOpener unseals the session cookie.
type SessionOpener interface {
	DecryptSession(value string) (*services.Session, error)
}

// PublicPaths are served without a session.
var PublicPaths = []string{"/login", "/logout", "/health"}

// AuthMiddleware requires a valid DataLabSeal cookie on every route except
// PublicPaths and stores the session under utils.ContextKeySession. A
// cookie that no longer opens is cleared.
func AuthMiddleware(opener SessionOpener, log zerolog.Logger) echo.MiddlewareFunc {
	public := make(map[string]bool, len(PublicPaths))
	for _, p := range PublicPaths {
		public[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if public[c.Request().URL.Path] {
				return next(c)
			}

			cookie, err := c.Cookie(utils.CookieName)
			if err != nil || cookie.Value == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
			}

			sess, err := opener.DecryptSession(cookie.Value)
			if err != nil {
				c.SetCookie(&http.Cookie{
					Name:     utils.CookieName,
					Path:     "/",
					Expires:  time.Unix(0, 0),
					MaxAge:   -1,
					HttpOnly: true,
					SameSite: http.SameSiteStrictMode,
					Secure:   utils.IsSecureRequest(c.Request()),
				})
				if errors.Is(err, services.ErrSessionExpired) {
					return echo.NewHTTPError(http.StatusUnauthorized, "Session expired")
				}
				log.Debug().Err(err).Str("remote", c.RealIP()).Msg("rejected session cookie")
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid session")
			}

			c.Set(utils.ContextKeySession, sess)
			return next(c)
		}
	}
}
