package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/damacus/datalab-buckets/internal/models"
)

// DataLabStorage talks to the DataLab bucket REST API.
//
//	GET    {base}/{bucket}/endpoint/{endpoint}                          list
//	POST   {base}/upload                                                multipart upload
//	POST   {base}/delete                                                batch delete
//	GET    {base}/{bucket}/object/{path}/endpoint/{endpoint}/download   download
type DataLabStorage struct {
	base      string
	endpoint  string
	client    *http.Client
	streaming *http.Client
	bearer    BearerSource
	log       zerolog.Logger
}

func NewDataLabStorage(ep Endpoint, client, streaming *http.Client, bearer BearerSource, log zerolog.Logger) *DataLabStorage {
	if client == nil {
		client = http.DefaultClient
	}
	if streaming == nil {
		streaming = client
	}
	return &DataLabStorage{
		base:      strings.TrimSuffix(ep.URL, "/"),
		endpoint:  ep.Name,
		client:    client,
		streaming: streaming,
		bearer:    bearer,
		log:       log.With().Str("component", "datalab").Str("endpoint", ep.Name).Logger(),
	}
}

type deleteRequest struct {
	Bucket   string   `json:"bucket"`
	Endpoint string   `json:"endpoint"`
	Objects  []string `json:"objects"`
}

func (s *DataLabStorage) ListObjects(ctx context.Context, bucket string) ([]models.StorageObjectRecord, error) {
	u := s.base + "/" + url.PathEscape(bucket) + "/endpoint/" + url.PathEscape(s.endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(ctx, s.client, req)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, err)
	}
	defer resp.Body.Close()

	var records []models.StorageObjectRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode listing of %s: %w", bucket, err)
	}
	for i := range records {
		if records[i].Bucket == "" {
			records[i].Bucket = bucket
		}
	}
	return records, nil
}

// UploadObject streams a multipart form with the size, object, bucket,
// endpoint and file fields.
func (s *DataLabStorage) UploadObject(ctx context.Context, bucket, object string, body io.Reader, size int64) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeUploadForm(mw, bucket, s.endpoint, object, body, size)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/upload", pr)
	if err != nil {
		_ = pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.do(ctx, s.streaming, req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return fmt.Errorf("upload %s: %w", object, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func writeUploadForm(mw *multipart.Writer, bucket, endpoint, object string, body io.Reader, size int64) error {
	fields := [][2]string{
		{"size", strconv.FormatInt(size, 10)},
		{"object", object},
		{"bucket", bucket},
		{"endpoint", endpoint},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", path.Base(strings.TrimSuffix(object, "/")))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, body)
	return err
}

// CreateFolder uploads an empty folder marker.
func (s *DataLabStorage) CreateFolder(ctx context.Context, bucket, key string) error {
	return s.UploadObject(ctx, bucket, folderMarkerKey(key), bytes.NewReader(nil), 0)
}

func (s *DataLabStorage) DeleteObjects(ctx context.Context, bucket string, objects []string) error {
	payload, err := json.Marshal(deleteRequest{Bucket: bucket, Endpoint: s.endpoint, Objects: objects})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/delete", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.do(ctx, s.client, req)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", bucket, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (s *DataLabStorage) DownloadObject(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
	u := s.base + "/" + url.PathEscape(bucket) + "/object/" + url.PathEscape(object) +
		"/endpoint/" + url.PathEscape(s.endpoint) + "/download"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.do(ctx, s.streaming, req)
	if err != nil {
		return nil, 0, fmt.Errorf("download %s: %w", object, err)
	}
	return resp.Body, resp.ContentLength, nil
}

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func (s *DataLabStorage) do(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	if s.bearer != nil {
		token, err := s.bearer.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := ""
	for _, p := range []string{"message", "error", "detail"} {
		if v := gjson.GetBytes(data, p); v.Exists() && v.String() != "" {
			msg = v.String()
			break
		}
	}
	if msg == "" {
		msg = "Request failed"
	}
	s.log.Debug().Int("status", resp.StatusCode).Str("url", req.URL.Path).Msg(msg)
	return nil, &StatusError{Code: resp.StatusCode, Message: msg}
}
