package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/damacus/datalab-buckets/internal/auth"
	"github.com/damacus/datalab-buckets/internal/browser"
	"github.com/damacus/datalab-buckets/internal/navigator"
	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/damacus/datalab-buckets/internal/tree"
	"github.com/damacus/datalab-buckets/internal/upload"
	"github.com/damacus/datalab-buckets/internal/utils"
	"github.com/labstack/echo/v4"
)

// GetSession retrieves and validates the session from the context
func GetSession(c echo.Context) (*services.Session, error) {
	val := c.Get(utils.ContextKeySession)
	if val == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	sess, ok := val.(*services.Session)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	return sess, nil
}

// SessionTokens is the token pair a session carries.
func SessionTokens(sess *services.Session) auth.Tokens {
	return auth.Tokens{AccessToken: sess.AccessToken, RefreshToken: sess.RefreshToken}
}

// SetSessionCookie seals the session into the DataLabSeal cookie. The
// cookie expires with the session, counted from login.
func SetSessionCookie(c echo.Context, authService *services.AuthService, sess services.Session) error {
	if sess.IssuedAt.IsZero() {
		sess.IssuedAt = time.Now().UTC().Truncate(time.Second)
	}
	encrypted, err := authService.EncryptSession(sess)
	if err != nil {
		return err
	}
	cookie := newSessionCookie(c, encrypted)
	if lifetime := authService.Lifetime(); lifetime > 0 {
		cookie.Expires = sess.IssuedAt.Add(lifetime)
	}
	c.SetCookie(cookie)
	return nil
}

// ClearSessionCookie expires the DataLabSeal cookie.
func ClearSessionCookie(c echo.Context) {
	cookie := newSessionCookie(c, "")
	cookie.Expires = time.Unix(0, 0)
	cookie.MaxAge = -1
	c.SetCookie(cookie)
}

func newSessionCookie(c echo.Context, value string) *http.Cookie {
	return &http.Cookie{
		Name:     utils.CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   utils.IsSecureRequest(c.Request()),
	}
}

// httpError maps domain errors onto HTTP statuses. Anything unknown is a
// failure of the storage backend and gets the fallback message.
func httpError(err error, fallback string) error {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, services.ErrUnknownEndpoint),
		errors.Is(err, navigator.ErrUnknownNode),
		errors.Is(err, navigator.ErrNotPlaceholder),
		errors.Is(err, tree.ErrNodeNotFound),
		errors.Is(err, upload.ErrItemNotFound),
		services.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, navigator.ErrDuplicateName),
		errors.Is(err, navigator.ErrSaveInProgress),
		errors.Is(err, tree.ErrDuplicate),
		errors.Is(err, upload.ErrNotFailed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, tree.ErrInvalidName),
		errors.Is(err, tree.ErrNotAFolder),
		errors.Is(err, services.ErrUnsupportedProvider),
		errors.Is(err, browser.ErrBucketListing):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthorized),
		errors.Is(err, services.ErrSessionExpired):
		return echo.NewHTTPError(http.StatusUnauthorized, "Session expired")
	}
	var se *services.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return echo.NewHTTPError(se.Code, se.Message)
		}
		return echo.NewHTTPError(http.StatusBadGateway, se.Message)
	}
	return echo.NewHTTPError(http.StatusBadGateway, fallback)
}
