package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/damacus/datalab-buckets/internal/models"
)

var (
	ErrUnknownEndpoint     = errors.New("unknown endpoint")
	ErrUnsupportedProvider = errors.New("unsupported storage provider")
)

// Provider names accepted in endpoint configuration.
const (
	ProviderDataLab = "datalab"
	ProviderMinio   = "minio"
	ProviderS3      = "s3"
	ProviderAzure   = "azure"
)

// Endpoint describes one configured storage backend.
type Endpoint struct {
	Name      string `mapstructure:"name" json:"name"`
	Provider  string `mapstructure:"provider" json:"provider"`
	URL       string `mapstructure:"url" json:"url"`
	Region    string `mapstructure:"region" json:"region,omitempty"`
	AccessKey string `mapstructure:"access_key" json:"-"`
	SecretKey string `mapstructure:"secret_key" json:"-"`
	// SASToken authorizes the azure provider.
	SASToken  string `mapstructure:"sas_token" json:"-"`
	PathStyle bool   `mapstructure:"path_style" json:"-"`
}

// ObjectStorage is the storage collaborator for one endpoint.
type ObjectStorage interface {
	ListObjects(ctx context.Context, bucket string) ([]models.StorageObjectRecord, error)
	UploadObject(ctx context.Context, bucket, object string, body io.Reader, size int64) error
	CreateFolder(ctx context.Context, bucket, key string) error
	DeleteObjects(ctx context.Context, bucket string, objects []string) error
	DownloadObject(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error)
}

// BucketLister is implemented by providers that can enumerate buckets.
type BucketLister interface {
	ListBuckets(ctx context.Context) ([]models.BucketInfo, error)
}

// HealthChecker is implemented by providers that can report endpoint health.
type HealthChecker interface {
	Health(ctx context.Context) models.EndpointStatus
}

// BearerSource hands out a fresh access token for each request.
type BearerSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// StorageFactory builds the storage for an endpoint.
type StorageFactory interface {
	NewStorage(ctx context.Context, ep Endpoint, bearer BearerSource) (ObjectStorage, error)
}

// RealStorageFactory is the production implementation.
type RealStorageFactory struct {
	// HTTPClient carries small requests and is allowed to retry.
	HTTPClient *http.Client
	// StreamingClient carries upload and download bodies.
	StreamingClient *http.Client
	Minio           MinioClientFactory
	Log             zerolog.Logger
}

func (f *RealStorageFactory) NewStorage(ctx context.Context, ep Endpoint, bearer BearerSource) (ObjectStorage, error) {
	switch strings.ToLower(ep.Provider) {
	case ProviderDataLab, "":
		return NewDataLabStorage(ep, f.HTTPClient, f.StreamingClient, bearer, f.Log), nil
	case ProviderMinio:
		minioFactory := f.Minio
		if minioFactory == nil {
			minioFactory = &RealMinioFactory{}
		}
		return NewMinioStorage(minioFactory, ep)
	case ProviderS3:
		return NewS3Storage(ctx, ep, f.StreamingClient)
	case ProviderAzure:
		return NewAzureStorage(ep, f.StreamingClient)
	}
	return nil, fmt.Errorf("%s: %w", ep.Provider, ErrUnsupportedProvider)
}

// FindEndpoint looks an endpoint up by name.
func FindEndpoint(endpoints []Endpoint, name string) (Endpoint, error) {
	for _, ep := range endpoints {
		if ep.Name == name {
			return ep, nil
		}
	}
	return Endpoint{}, fmt.Errorf("%q: %w", name, ErrUnknownEndpoint)
}

// folderMarkerKey normalizes a folder key to end in exactly one slash.
func folderMarkerKey(key string) string {
	return strings.TrimRight(key, "/") + "/"
}
