package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/damacus/datalab-buckets/internal/config"
	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/damacus/datalab-buckets/internal/utils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSessionKey = "0123456789abcdef0123456789abcdef"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Address: ":0", SessionKey: testSessionKey, SessionLifetime: time.Hour},
		Upload: config.UploadConfig{Concurrency: 2},
		Endpoints: []services.Endpoint{{
			Name:      "lab",
			Provider:  services.ProviderMinio,
			URL:       "localhost:9000",
			AccessKey: "admin",
			SecretKey: "password",
		}},
	}
}

func testDeps(factory *MockMinioFactory, authClient *MockAuthClient) serverDeps {
	return serverDeps{
		Factory:   &services.RealStorageFactory{Minio: factory, Log: zerolog.Nop()},
		Login:     authClient,
		Refresher: authClient,
	}
}

func TestServerAddsSecurityHeadersOnHealth(t *testing.T) {
	e, registry := newServer(testConfig(), zerolog.Nop(), testDeps(new(MockMinioFactory), new(MockAuthClient)))
	t.Cleanup(registry.Close)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestServerRejectsAPIWithoutSession(t *testing.T) {
	e, registry := newServer(testConfig(), zerolog.Nop(), testDeps(new(MockMinioFactory), new(MockAuthClient)))
	t.Cleanup(registry.Close)

	for _, path := range []string{"/api/endpoints", "/api/buckets", "/api/buckets/data/endpoint/lab"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"), path)
	}
}

func TestServerRejectsProtectedPostWithoutCSRFToken(t *testing.T) {
	e, registry := newServer(testConfig(), zerolog.Nop(), testDeps(new(MockMinioFactory), new(MockAuthClient)))
	t.Cleanup(registry.Close)

	authService := services.NewAuthService(testSessionKey)
	sealed, err := authService.EncryptSession(services.Session{User: "alice", AccessToken: "a1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/buckets/data/endpoint/lab/delete", strings.NewReader(`{"keys":["a.txt"]}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: utils.CookieName, Value: sealed})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRootCommandRejectsMissingConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--config", "does-not-exist.yaml"})
	cmd.SetOut(&strings.Builder{})
	cmd.SetErr(&strings.Builder{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
