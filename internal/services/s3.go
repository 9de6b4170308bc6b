package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/damacus/datalab-buckets/internal/models"
	"github.com/damacus/datalab-buckets/internal/utils"
)

// deleteBatch is the S3 limit for one DeleteObjects call.
const deleteBatch = 1000

// S3Storage serves a bucket endpoint through the AWS S3 API.
type S3Storage struct {
	client   *s3.Client
	endpoint string
}

func NewS3Storage(ctx context.Context, ep Endpoint, httpClient *http.Client) (*S3Storage, error) {
	region := ep.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if httpClient != nil {
		opts = append(opts, config.WithHTTPClient(httpClient))
	}
	if ep.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(ep.AccessKey, ep.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if ep.URL != "" {
			o.BaseEndpoint = aws.String(ep.URL)
		}
		o.UsePathStyle = ep.PathStyle
	})
	return &S3Storage{client: client, endpoint: ep.Name}, nil
}

func (s *S3Storage) ListObjects(ctx context.Context, bucket string) ([]models.StorageObjectRecord, error) {
	var out []models.StorageObjectRecord
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			out = append(out, models.StorageObjectRecord{
				Bucket:           bucket,
				Object:           aws.ToString(obj.Key),
				Size:             strconv.FormatInt(aws.ToInt64(obj.Size), 10),
				LastModifiedDate: aws.ToTime(obj.LastModified).UTC().Format(time.RFC3339),
			})
		}
	}
	return out, nil
}

// UploadObject streams the body with an unsigned payload, so it need not
// be seekable.
func (s *S3Storage) UploadObject(ctx context.Context, bucket, object string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(object),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(utils.ContentType(object)),
	}, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	return err
}

func (s *S3Storage) CreateFolder(ctx context.Context, bucket, key string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(folderMarkerKey(key)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	return err
}

func (s *S3Storage) DeleteObjects(ctx context.Context, bucket string, objects []string) error {
	for start := 0; start < len(objects); start += deleteBatch {
		end := start + deleteBatch
		if end > len(objects) {
			end = len(objects)
		}
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range objects[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(key)})
		}
		resp, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(resp.Errors) > 0 {
			e := resp.Errors[0]
			return fmt.Errorf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

func (s *S3Storage) DownloadObject(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), nil
}

func (s *S3Storage) ListBuckets(ctx context.Context) ([]models.BucketInfo, error) {
	resp, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, err
	}
	out := make([]models.BucketInfo, 0, len(resp.Buckets))
	for _, b := range resp.Buckets {
		out = append(out, models.BucketInfo{Name: aws.ToString(b.Name), Endpoint: s.endpoint})
	}
	return out, nil
}
