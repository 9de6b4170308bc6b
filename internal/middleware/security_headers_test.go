package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func serveWithHeaders(req *http.Request) *httptest.ResponseRecorder {
	e := echo.New()
	e.Use(SecurityHeaders())
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	e.GET("/health", ok)
	e.POST("/login", ok)
	e.GET("/api/endpoints", ok)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSecurityHeadersBaseline(t *testing.T) {
	rec := serveWithHeaders(httptest.NewRequest(http.MethodGet, "/health", nil))

	for _, kv := range baseHeaders {
		assert.Equal(t, kv[1], rec.Header().Get(kv[0]), kv[0])
	}
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Empty(t, rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeadersNoStore(t *testing.T) {
	tests := []struct {
		method, path string
		noStore      bool
	}{
		{http.MethodGet, "/api/endpoints", true},
		{http.MethodPost, "/login", true},
		{http.MethodGet, "/health", false},
	}
	for _, tt := range tests {
		rec := serveWithHeaders(httptest.NewRequest(tt.method, tt.path, nil))
		if tt.noStore {
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"), tt.path)
		} else {
			assert.Empty(t, rec.Header().Get("Cache-Control"), tt.path)
		}
	}
}

func TestSecurityHeadersHSTS(t *testing.T) {
	direct := httptest.NewRequest(http.MethodGet, "/health", nil)
	direct.TLS = &tls.ConnectionState{}
	assert.Equal(t, hsts, serveWithHeaders(direct).Header().Get("Strict-Transport-Security"))

	proxied := httptest.NewRequest(http.MethodGet, "/health", nil)
	proxied.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, hsts, serveWithHeaders(proxied).Header().Get("Strict-Transport-Security"))
}
