package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/damacus/datalab-buckets/internal/auth"
	"github.com/damacus/datalab-buckets/internal/browser"
	"github.com/damacus/datalab-buckets/internal/models"
	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memStorage is an in-memory bucket shared by every endpoint.
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	failDel error
}

func newMemStorage(keys ...string) *memStorage {
	m := &memStorage{objects: make(map[string][]byte)}
	for _, k := range keys {
		m.objects[k] = []byte("content of " + k)
	}
	return m
}

func (m *memStorage) ListObjects(_ context.Context, bucket string) ([]models.StorageObjectRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.StorageObjectRecord, 0, len(m.objects))
	for k, v := range m.objects {
		out = append(out, models.StorageObjectRecord{
			Bucket: bucket, Object: k, Size: strconv.Itoa(len(v)), LastModifiedDate: "2024-01-01T00:00:00Z",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Object < out[j].Object })
	return out, nil
}

func (m *memStorage) UploadObject(_ context.Context, _ string, object string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[object] = data
	return nil
}

func (m *memStorage) CreateFolder(_ context.Context, _ string, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[strings.TrimSuffix(key, "/")+"/"] = nil
	return nil
}

func (m *memStorage) DeleteObjects(_ context.Context, _ string, objects []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDel != nil {
		return m.failDel
	}
	for _, k := range objects {
		delete(m.objects, k)
	}
	return nil
}

func (m *memStorage) DownloadObject(_ context.Context, _ string, object string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[object]
	if !ok {
		return nil, 0, &services.StatusError{Code: 404, Message: "Not found"}
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *memStorage) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// listingStorage also enumerates buckets and reports health.
type listingStorage struct {
	*memStorage
}

func (l listingStorage) ListBuckets(context.Context) ([]models.BucketInfo, error) {
	return []models.BucketInfo{{Name: "data", Endpoint: "lab", FormattedSize: "1.5 KiB"}}, nil
}

func (l listingStorage) Health(context.Context) models.EndpointStatus {
	return models.EndpointStatus{Online: true, Version: "2024-11-07", Drives: 4}
}

type storageFactory struct {
	byProvider map[string]services.ObjectStorage
	fallback   services.ObjectStorage
}

func (f storageFactory) NewStorage(_ context.Context, ep services.Endpoint, _ services.BearerSource) (services.ObjectStorage, error) {
	if s, ok := f.byProvider[ep.Provider]; ok {
		return s, nil
	}
	if f.fallback == nil {
		return nil, errors.New("unreachable")
	}
	return f.fallback, nil
}

type noRefresh struct{}

func (noRefresh) Refresh(context.Context, string) (auth.Tokens, error) {
	return auth.Tokens{}, errors.New("not expected")
}

var testEndpoints = []services.Endpoint{
	{Name: "lab", URL: "https://datalab.example.org/api/buckets/"},
	{Name: "archive", Provider: services.ProviderMinio, URL: "localhost:9000"},
}

// newTestRegistry serves storage for the datalab endpoint "lab" and a
// listing minio endpoint "archive".
func newTestRegistry(t *testing.T, storage *memStorage) *browser.Registry {
	t.Helper()
	r := browser.NewRegistry(browser.RegistryOptions{
		Endpoints: testEndpoints,
		Factory: storageFactory{
			byProvider: map[string]services.ObjectStorage{services.ProviderMinio: listingStorage{newMemStorage()}},
			fallback:   storage,
		},
		Refresher: noRefresh{},
	}, zerolog.Nop())
	t.Cleanup(r.Close)
	return r
}

func signedToken(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}
