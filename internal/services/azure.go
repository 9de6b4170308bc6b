package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/damacus/datalab-buckets/internal/models"
	"github.com/damacus/datalab-buckets/internal/utils"
)

// AzureStorage serves a storage account where buckets are containers.
type AzureStorage struct {
	client   *azblob.Client
	endpoint string
}

func NewAzureStorage(ep Endpoint, httpClient *http.Client) (*AzureStorage, error) {
	sasURL := strings.TrimSuffix(ep.URL, "/") + "/"
	if ep.SASToken != "" {
		sasURL += "?" + strings.TrimPrefix(ep.SASToken, "?")
	}
	opts := &azblob.ClientOptions{}
	if httpClient != nil {
		opts.ClientOptions = azcore.ClientOptions{Transport: httpClient}
	}
	client, err := azblob.NewClientWithNoCredential(sasURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return &AzureStorage{client: client, endpoint: ep.Name}, nil
}

func (s *AzureStorage) ListObjects(ctx context.Context, bucket string) ([]models.StorageObjectRecord, error) {
	var out []models.StorageObjectRecord
	pager := s.client.NewListBlobsFlatPager(bucket, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			rec := models.StorageObjectRecord{Bucket: bucket, Object: *item.Name, Size: "0"}
			if props := item.Properties; props != nil {
				if props.ContentLength != nil {
					rec.Size = strconv.FormatInt(*props.ContentLength, 10)
				}
				if props.LastModified != nil {
					rec.LastModifiedDate = props.LastModified.UTC().Format(time.RFC3339)
				}
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *AzureStorage) UploadObject(ctx context.Context, bucket, object string, body io.Reader, _ int64) error {
	contentType := utils.ContentType(object)
	_, err := s.client.UploadStream(ctx, bucket, object, body, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	return err
}

func (s *AzureStorage) CreateFolder(ctx context.Context, bucket, key string) error {
	_, err := s.client.UploadBuffer(ctx, bucket, folderMarkerKey(key), nil, nil)
	return err
}

func (s *AzureStorage) DeleteObjects(ctx context.Context, bucket string, objects []string) error {
	for _, key := range objects {
		if _, err := s.client.DeleteBlob(ctx, bucket, key, nil); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

func (s *AzureStorage) DownloadObject(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	resp, err := s.client.DownloadStream(ctx, bucket, object, nil)
	if err != nil {
		return nil, 0, err
	}
	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

func (s *AzureStorage) ListBuckets(ctx context.Context) ([]models.BucketInfo, error) {
	var out []models.BucketInfo
	pager := s.client.NewListContainersPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range page.ContainerItems {
			if c.Name != nil {
				out = append(out, models.BucketInfo{Name: *c.Name, Endpoint: s.endpoint})
			}
		}
	}
	return out, nil
}
