package handlers

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/damacus/datalab-buckets/internal/auth"
	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/damacus/datalab-buckets/internal/utils"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogin struct {
	tokens auth.Tokens
	err    error
	calls  int
}

func (f *fakeLogin) Login(_ context.Context, username, password string) (auth.Tokens, error) {
	f.calls++
	if f.err != nil {
		return auth.Tokens{}, f.err
	}
	return f.tokens, nil
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func loginContext(form url.Values) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestLoginSetsSecureCookieOverTLS(t *testing.T) {
	form := url.Values{}
	form.Set("username", "alice")
	form.Set("password", "secret")
	c, rec := loginContext(form)
	c.Request().TLS = &tls.ConnectionState{}

	authService := services.NewAuthService("")
	registry := newTestRegistry(t, newMemStorage())
	login := &fakeLogin{tokens: auth.Tokens{AccessToken: "a1", RefreshToken: "r1"}}
	handler := NewAuthHandler(authService, login, registry, zerolog.Nop())

	err := handler.Login(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	sessionCookie := findCookie(rec, utils.CookieName)
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, sessionCookie.SameSite)
	assert.True(t, sessionCookie.Secure)
	assert.Equal(t, "/", sessionCookie.Path)

	sess, err := authService.DecryptSession(sessionCookie.Value)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.User)
	assert.Equal(t, "a1", sess.AccessToken)
	assert.Equal(t, "r1", sess.RefreshToken)

	tokens, ok := registry.Tokens("alice")
	require.True(t, ok, "login seeds the user's token gate")
	assert.Equal(t, "r1", tokens.RefreshToken)
}

func TestLoginUsesTokenSubject(t *testing.T) {
	form := url.Values{}
	form.Set("username", "alice@example.org")
	form.Set("password", "secret")
	c, rec := loginContext(form)

	access := signedToken(t, "u-42")
	handler := NewAuthHandler(services.NewAuthService(""), &fakeLogin{tokens: auth.Tokens{AccessToken: access}}, newTestRegistry(t, newMemStorage()), zerolog.Nop())

	require.NoError(t, handler.Login(c))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "u-42", body["user"])
}

func TestLoginErrors(t *testing.T) {
	tests := []struct {
		name     string
		username string
		login    *fakeLogin
		code     int
	}{
		{"missing fields", "", &fakeLogin{}, http.StatusBadRequest},
		{"bad credentials", "alice", &fakeLogin{err: auth.ErrUnauthorized}, http.StatusUnauthorized},
		{"auth service down", "alice", &fakeLogin{err: errors.New("dial tcp: refused")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{}
			form.Set("username", tt.username)
			form.Set("password", "secret")
			c, rec := loginContext(form)

			handler := NewAuthHandler(services.NewAuthService(""), tt.login, newTestRegistry(t, newMemStorage()), zerolog.Nop())
			err := handler.Login(c)

			var he *echo.HTTPError
			require.ErrorAs(t, err, &he)
			assert.Equal(t, tt.code, he.Code)
			assert.Nil(t, findCookie(rec, utils.CookieName))
		})
	}
}

func TestLogoutClearsCookieWithMatchingSecurityAttributes(t *testing.T) {
	e := echo.New()
	authService := services.NewAuthService("")
	registry := newTestRegistry(t, newMemStorage("a.txt"))
	tokens := auth.Tokens{AccessToken: "a1"}
	_, err := registry.Open(context.Background(), "alice", tokens, "data", "lab")
	require.NoError(t, err)

	sealed, err := authService.EncryptSession(services.Session{User: "alice", AccessToken: "a1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	req.TLS = &tls.ConnectionState{}
	req.AddCookie(&http.Cookie{Name: utils.CookieName, Value: sealed})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := NewAuthHandler(authService, &fakeLogin{}, registry, zerolog.Nop())
	require.NoError(t, handler.Logout(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	sessionCookie := findCookie(rec, utils.CookieName)
	require.NotNil(t, sessionCookie)
	assert.Equal(t, "", sessionCookie.Value)
	assert.Equal(t, -1, sessionCookie.MaxAge)
	assert.True(t, sessionCookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, sessionCookie.SameSite)
	assert.True(t, sessionCookie.Secure)
	assert.Equal(t, "/", sessionCookie.Path)

	_, ok := registry.Lookup("alice", "data", "lab")
	assert.False(t, ok, "logout closes the user's bucket sessions")
}

func TestMeReportsUser(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(utils.ContextKeySession, &services.Session{User: "alice", AccessToken: signedToken(t, "alice")})

	handler := NewAuthHandler(services.NewAuthService(""), &fakeLogin{}, newTestRegistry(t, newMemStorage()), zerolog.Nop())
	require.NoError(t, handler.Me(c))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alice", body["user"])
	assert.Contains(t, body, "expiresAt")
}
