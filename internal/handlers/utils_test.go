package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/damacus/datalab-buckets/internal/auth"
	"github.com/damacus/datalab-buckets/internal/navigator"
	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/damacus/datalab-buckets/internal/tree"
	"github.com/damacus/datalab-buckets/internal/upload"
	"github.com/damacus/datalab-buckets/internal/utils"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSession_WithValidSession(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	expected := &services.Session{User: "alice", AccessToken: "a1", RefreshToken: "r1"}
	c.Set(utils.ContextKeySession, expected)

	sess, err := GetSession(c)

	assert.NoError(t, err)
	assert.Equal(t, expected, sess)
	assert.Equal(t, auth.Tokens{AccessToken: "a1", RefreshToken: "r1"}, SessionTokens(sess))
}

func TestGetSession_WithoutSession(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	sess, err := GetSession(c)

	assert.Nil(t, sess)
	httpErr, ok := err.(*echo.HTTPError)
	assert.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}

func TestGetSession_WithWrongType(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	// Set wrong type in context
	c.Set(utils.ContextKeySession, "not-a-session")

	sess, err := GetSession(c)

	assert.Nil(t, sess)
	httpErr, ok := err.(*echo.HTTPError)
	assert.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}

func TestSetSessionCookieHonoursForwardedProto(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	authService := services.NewAuthService("")
	require.NoError(t, SetSessionCookie(c, authService, services.Session{User: "alice", AccessToken: "a1"}))

	cookie := findCookie(rec, utils.CookieName)
	require.NotNil(t, cookie)
	assert.True(t, cookie.Secure)

	sess, err := authService.DecryptSession(cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.User)
	assert.Equal(t, sess.IssuedAt.Add(authService.Lifetime()).Unix(), cookie.Expires.Unix())
}

func TestHTTPError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"unknown endpoint", fmt.Errorf("x: %w", services.ErrUnknownEndpoint), http.StatusNotFound},
		{"unknown node", navigator.ErrUnknownNode, http.StatusNotFound},
		{"missing upload", upload.ErrItemNotFound, http.StatusNotFound},
		{"remote not found", &services.StatusError{Code: 404, Message: "Not found"}, http.StatusNotFound},
		{"duplicate folder", navigator.ErrDuplicateName, http.StatusConflict},
		{"save in flight", navigator.ErrSaveInProgress, http.StatusConflict},
		{"retry of live upload", upload.ErrNotFailed, http.StatusConflict},
		{"invalid name", tree.ErrInvalidName, http.StatusBadRequest},
		{"unauthorized", auth.ErrUnauthorized, http.StatusUnauthorized},
		{"expired session", services.ErrSessionExpired, http.StatusUnauthorized},
		{"remote forbidden", &services.StatusError{Code: 403, Message: "Forbidden"}, http.StatusForbidden},
		{"remote failure", &services.StatusError{Code: 500, Message: "boom"}, http.StatusBadGateway},
		{"anything else", errors.New("dial tcp"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var he *echo.HTTPError
			require.ErrorAs(t, httpError(tt.err, "Failed"), &he)
			assert.Equal(t, tt.code, he.Code)
		})
	}

	var he *echo.HTTPError
	require.ErrorAs(t, httpError(errors.New("dial tcp"), "Failed to list objects"), &he)
	assert.Equal(t, "Failed to list objects", he.Message)
}
