package middleware

import (
	"github.com/damacus/datalab-buckets/internal/auth"
	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/damacus/datalab-buckets/internal/utils"
	"github.com/labstack/echo/v4"
)

// TokenSource reports the current token pair of a user.
type TokenSource interface {
	Tokens(user string) (auth.Tokens, bool)
}

// SealFunc writes a session into the response cookie.
type SealFunc func(c echo.Context, sess services.Session) error

// Reseal re-issues the session cookie when the user's tokens were
// refreshed while serving the request, or by an earlier background upload.
// It must run after AuthMiddleware.
func Reseal(tokens TokenSource, seal SealFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sess, ok := c.Get(utils.ContextKeySession).(*services.Session)
			if !ok {
				return next(c)
			}
			c.Response().Before(func() {
				current, ok := tokens.Tokens(sess.User)
				if !ok || current.Empty() || current.AccessToken == sess.AccessToken {
					return
				}
				updated := *sess
				updated.AccessToken = current.AccessToken
				if current.RefreshToken != "" {
					updated.RefreshToken = current.RefreshToken
				}
				// A failed seal leaves the old cookie; the next request tries again.
				_ = seal(c, updated)
			})
			return next(c)
		}
	}
}
