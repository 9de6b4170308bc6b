package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticBearer string

func (b staticBearer) AccessToken(context.Context) (string, error) { return string(b), nil }

func newDataLab(t *testing.T, h http.HandlerFunc) *DataLabStorage {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	ep := Endpoint{Name: "eu-west", Provider: ProviderDataLab, URL: srv.URL + "/api/buckets/"}
	return NewDataLabStorage(ep, srv.Client(), srv.Client(), staticBearer("tok"), zerolog.Nop())
}

func TestDataLab_ListObjects(t *testing.T) {
	s := newDataLab(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/buckets/data/endpoint/eu-west", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"bucket":"data","object":"a/b.csv","size":"12","lastModifiedDate":"2024-01-01"},{"object":"c/"}]`))
	})

	records, err := s.ListObjects(context.Background(), "data")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a/b.csv", records[0].Object)
	assert.Equal(t, "data", records[1].Bucket, "bucket is filled in when missing")
}

func TestDataLab_UploadSendsMultipartFields(t *testing.T) {
	s := newDataLab(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/buckets/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "5", r.FormValue("size"))
		assert.Equal(t, "dir/hello.txt", r.FormValue("object"))
		assert.Equal(t, "data", r.FormValue("bucket"))
		assert.Equal(t, "eu-west", r.FormValue("endpoint"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "hello", string(body))
		assert.Equal(t, "hello.txt", hdr.Filename)
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, s.UploadObject(context.Background(), "data", "dir/hello.txt", strings.NewReader("hello"), 5))
}

func TestDataLab_CreateFolderUploadsEmptyMarker(t *testing.T) {
	s := newDataLab(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "a/reports/", r.FormValue("object"))
		assert.Equal(t, "0", r.FormValue("size"))
	})

	require.NoError(t, s.CreateFolder(context.Background(), "data", "a/reports"))
}

func TestDataLab_DeleteObjects(t *testing.T) {
	s := newDataLab(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/buckets/delete", r.URL.Path)
		var body deleteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, deleteRequest{Bucket: "data", Endpoint: "eu-west", Objects: []string{"a", "b/"}}, body)
	})

	require.NoError(t, s.DeleteObjects(context.Background(), "data", []string{"a", "b/"}))
}

func TestDataLab_DownloadEscapesPath(t *testing.T) {
	s := newDataLab(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/buckets/data/object/dir%2Fmy%20file.txt/endpoint/eu-west/download", r.URL.EscapedPath())
		w.Header().Set("Content-Length", "3")
		_, _ = w.Write([]byte("abc"))
	})

	rc, size, err := s.DownloadObject(context.Background(), "data", "dir/my file.txt")
	require.NoError(t, err)
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "abc", string(body))
	assert.Equal(t, int64(3), size)
}

func TestDataLab_ErrorMessages(t *testing.T) {
	s := newDataLab(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing/endpoint/eu-west") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"bucket not found"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := s.ListObjects(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "bucket not found")

	_, err = s.ListObjects(context.Background(), "other")
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "Request failed")
}
