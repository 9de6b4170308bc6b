package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindEndpoint(t *testing.T) {
	eps := []Endpoint{{Name: "a"}, {Name: "b", Provider: ProviderS3}}

	ep, err := FindEndpoint(eps, "b")
	require.NoError(t, err)
	assert.Equal(t, ProviderS3, ep.Provider)

	_, err = FindEndpoint(eps, "zzz")
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestFolderMarkerKey(t *testing.T) {
	assert.Equal(t, "a/", folderMarkerKey("a"))
	assert.Equal(t, "a/b/", folderMarkerKey("a/b//"))
}

func TestRealStorageFactory_SelectsProvider(t *testing.T) {
	f := &RealStorageFactory{
		HTTPClient: http.DefaultClient,
		Minio:      &mockMinioFactory{client: new(mockMinioClient)},
		Log:        zerolog.Nop(),
	}
	ctx := context.Background()

	s, err := f.NewStorage(ctx, Endpoint{Name: "dl", URL: "http://datalab"}, staticBearer("t"))
	require.NoError(t, err)
	assert.IsType(t, &DataLabStorage{}, s)

	s, err = f.NewStorage(ctx, Endpoint{Name: "m", Provider: "MinIO", URL: "localhost:9000"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MinioStorage{}, s)

	s, err = f.NewStorage(ctx, Endpoint{Name: "s", Provider: ProviderS3, URL: "http://localhost:9000", AccessKey: "a", SecretKey: "b"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &S3Storage{}, s)

	s, err = f.NewStorage(ctx, Endpoint{Name: "z", Provider: ProviderAzure, URL: "https://acct.blob.core.windows.net", SASToken: "?sv=1"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &AzureStorage{}, s)

	_, err = f.NewStorage(ctx, Endpoint{Name: "x", Provider: "ftp"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

func TestS3Storage_ListObjectsPathStyle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("list-type"))
		w.Header().Set("Content-Type", "application/xml")
		_, _ = fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>data</Name>
  <KeyCount>2</KeyCount>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>a/b.csv</Key><Size>7</Size><LastModified>2024-02-03T04:05:06.000Z</LastModified></Contents>
  <Contents><Key>c/</Key><Size>0</Size><LastModified>2024-02-03T04:05:06.000Z</LastModified></Contents>
</ListBucketResult>`)
	}))
	defer srv.Close()

	s, err := NewS3Storage(context.Background(), Endpoint{
		Name: "s3", URL: srv.URL, AccessKey: "a", SecretKey: "b", PathStyle: true,
	}, srv.Client())
	require.NoError(t, err)

	records, err := s.ListObjects(context.Background(), "data")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a/b.csv", records[0].Object)
	assert.Equal(t, "7", records[0].Size)
	assert.Equal(t, "2024-02-03T04:05:06Z", records[0].LastModifiedDate)
	assert.True(t, records[1].IsFolderMarker())
}
