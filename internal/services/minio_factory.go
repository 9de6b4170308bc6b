package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/minio/madmin-go/v3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/damacus/datalab-buckets/internal/models"
	"github.com/damacus/datalab-buckets/internal/utils"
)

// Credentials are the static keys of a MinIO endpoint
type Credentials struct {
	Endpoint     string `json:"endpoint"`
	AccessKey    string `json:"accessKey"`
	SecretKey    string `json:"secretKey"`
	SessionToken string `json:"sessionToken,omitempty"` // For STS/OIDC
}

// MinioAdminClient is an interface for the madmin methods we use
type MinioAdminClient interface {
	ServerInfo(ctx context.Context, opts ...func(*madmin.ServerInfoOpts)) (madmin.InfoMessage, error)
	DataUsageInfo(ctx context.Context) (madmin.DataUsageInfo, error)
}

// MinioClient is an interface for the standard S3 methods we use
type MinioClient interface {
	ListBuckets(ctx context.Context) ([]minio.BucketInfo, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) ([]minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObjectReader(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, int64, error)
	RemoveObjects(ctx context.Context, bucketName string, objectNames []string, opts minio.RemoveObjectsOptions) []minio.RemoveObjectError
}

// MinioClientFactory creates authenticated clients
type MinioClientFactory interface {
	NewAdminClient(creds Credentials) (MinioAdminClient, error)
	NewClient(creds Credentials) (MinioClient, error)
}

// WrappedMinioClient wraps minio.Client to implement our interface
type WrappedMinioClient struct {
	client *minio.Client
}

func (c *WrappedMinioClient) ListBuckets(ctx context.Context) ([]minio.BucketInfo, error) {
	return c.client.ListBuckets(ctx)
}

func (c *WrappedMinioClient) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) ([]minio.ObjectInfo, error) {
	// Convert channel to slice
	var objects []minio.ObjectInfo
	for obj := range c.client.ListObjects(ctx, bucketName, opts) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func (c *WrappedMinioClient) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return c.client.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func (c *WrappedMinioClient) GetObjectReader(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, int64, error) {
	obj, err := c.client.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return nil, 0, err
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, 0, err
	}
	return obj, info.Size, nil
}

// RemoveObjects feeds the names to the multi-object delete API, which
// batches them 1000 per request, and collects the per-object failures.
func (c *WrappedMinioClient) RemoveObjects(ctx context.Context, bucketName string, objectNames []string, opts minio.RemoveObjectsOptions) []minio.RemoveObjectError {
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for _, name := range objectNames {
			select {
			case objectsCh <- minio.ObjectInfo{Key: name}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var failed []minio.RemoveObjectError
	for rerr := range c.client.RemoveObjects(ctx, bucketName, objectsCh, opts) {
		failed = append(failed, rerr)
	}
	return failed
}

// RealMinioFactory is the production implementation
type RealMinioFactory struct{}

// shouldUseSSL determines if SSL should be used based on the endpoint.
// Returns false for localhost, 127.0.0.1, and docker service names.
func shouldUseSSL(endpoint string) bool {
	// Local development endpoints
	if endpoint == "localhost:9000" || endpoint == "127.0.0.1:9000" {
		return false
	}
	// Docker service names (minio:9000, minio1:9000, minio2:9000, etc.)
	// Only match simple hostnames without dots (not domain names like minio.example.com)
	if strings.HasPrefix(endpoint, "minio") && !strings.Contains(strings.Split(endpoint, ":")[0], ".") && strings.Contains(endpoint, ":9000") {
		return false
	}
	return true
}

func (f *RealMinioFactory) NewAdminClient(creds Credentials) (MinioAdminClient, error) {
	return madmin.NewWithOptions(creds.Endpoint, &madmin.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure: shouldUseSSL(creds.Endpoint),
	})
}

func (f *RealMinioFactory) NewClient(creds Credentials) (MinioClient, error) {
	client, err := minio.New(creds.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, creds.SessionToken),
		Secure: shouldUseSSL(creds.Endpoint),
	})
	if err != nil {
		return nil, err
	}
	return &WrappedMinioClient{client: client}, nil
}

// MinioStorage serves a bucket endpoint backed by MinIO.
type MinioStorage struct {
	client   MinioClient
	factory  MinioClientFactory
	creds    Credentials
	endpoint string
}

func NewMinioStorage(factory MinioClientFactory, ep Endpoint) (*MinioStorage, error) {
	creds := Credentials{
		Endpoint:  strings.TrimPrefix(strings.TrimPrefix(ep.URL, "https://"), "http://"),
		AccessKey: ep.AccessKey,
		SecretKey: ep.SecretKey,
	}
	client, err := factory.NewClient(creds)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", ep.Name, err)
	}
	return &MinioStorage{client: client, factory: factory, creds: creds, endpoint: ep.Name}, nil
}

func (s *MinioStorage) ListObjects(ctx context.Context, bucket string) ([]models.StorageObjectRecord, error) {
	objects, err := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true})
	if err != nil {
		return nil, err
	}
	out := make([]models.StorageObjectRecord, 0, len(objects))
	for _, obj := range objects {
		out = append(out, models.StorageObjectRecord{
			Bucket:           bucket,
			Object:           obj.Key,
			Size:             strconv.FormatInt(obj.Size, 10),
			LastModifiedDate: obj.LastModified.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

func (s *MinioStorage) UploadObject(ctx context.Context, bucket, object string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, bucket, object, body, size, minio.PutObjectOptions{
		ContentType: utils.ContentType(object),
	})
	return err
}

func (s *MinioStorage) CreateFolder(ctx context.Context, bucket, key string) error {
	_, err := s.client.PutObject(ctx, bucket, folderMarkerKey(key), bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	return err
}

func (s *MinioStorage) DeleteObjects(ctx context.Context, bucket string, objects []string) error {
	if len(objects) == 0 {
		return nil
	}
	var errs []error
	for _, rerr := range s.client.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("%s: %w", rerr.ObjectName, rerr.Err))
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *MinioStorage) DownloadObject(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	return s.client.GetObjectReader(ctx, bucket, object, minio.GetObjectOptions{})
}

// ListBuckets returns buckets with their sizes from the admin data usage.
func (s *MinioStorage) ListBuckets(ctx context.Context) ([]models.BucketInfo, error) {
	buckets, err := s.client.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}

	// Fetch Data Usage for sizes
	var usage madmin.DataUsageInfo
	if mdm, err := s.factory.NewAdminClient(s.creds); err == nil {
		usage, _ = mdm.DataUsageInfo(ctx)
	}

	out := make([]models.BucketInfo, 0, len(buckets))
	for _, b := range buckets {
		size := uint64(0)
		if usage.BucketSizes != nil {
			size = usage.BucketSizes[b.Name]
		}
		out = append(out, models.BucketInfo{
			Name:          b.Name,
			Endpoint:      s.endpoint,
			Size:          size,
			FormattedSize: utils.FormatBytes(size),
		})
	}
	return out, nil
}

// Health reports the server version and drive count.
func (s *MinioStorage) Health(ctx context.Context) models.EndpointStatus {
	status := models.EndpointStatus{Name: s.endpoint, Provider: ProviderMinio}
	mdm, err := s.factory.NewAdminClient(s.creds)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	info, err := mdm.ServerInfo(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Online = len(info.Servers) > 0
	for _, srv := range info.Servers {
		if status.Version == "" {
			status.Version = formatVersion(srv.Version)
		}
		status.Drives += len(srv.Disks)
		if srv.State != "" && srv.State != "online" {
			status.Online = false
		}
	}
	return status
}

// formatVersion extracts a clean version from MinIO version strings
// e.g., "RELEASE.2024-11-07T00-52-20Z" -> "2024-11-07"
func formatVersion(version string) string {
	if version == "" {
		return "Unknown"
	}
	version = strings.TrimPrefix(version, "RELEASE.")
	if len(version) >= 10 {
		return version[:10]
	}
	return version
}
