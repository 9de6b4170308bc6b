package handlers

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/damacus/datalab-buckets/internal/browser"
	"github.com/damacus/datalab-buckets/internal/models"
	"github.com/damacus/datalab-buckets/internal/upload"
	"github.com/damacus/datalab-buckets/internal/utils"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type BucketsHandler struct {
	registry *browser.Registry
	log      zerolog.Logger
}

func NewBucketsHandler(registry *browser.Registry, log zerolog.Logger) *BucketsHandler {
	return &BucketsHandler{registry: registry, log: log.With().Str("handler", "buckets").Logger()}
}

// session resolves the bucket session named by the route for the logged-in
// user, opening and loading it on first use.
func (h *BucketsHandler) session(c echo.Context) (*browser.Session, error) {
	sess, err := GetSession(c)
	if err != nil {
		return nil, err
	}
	s, err := h.registry.Open(c.Request().Context(), sess.User, SessionTokens(sess), c.Param("bucket"), c.Param("endpoint"))
	if err != nil {
		return nil, httpError(err, "Failed to open bucket")
	}
	return s, nil
}

// ListBuckets lists buckets on one endpoint, or on every endpoint that can
// enumerate them
func (h *BucketsHandler) ListBuckets(c echo.Context) error {
	sess, err := GetSession(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	tokens := SessionTokens(sess)

	if name := c.QueryParam("endpoint"); name != "" {
		buckets, err := h.registry.Buckets(ctx, sess.User, tokens, name)
		if err != nil {
			return httpError(err, "Failed to list buckets")
		}
		return c.JSON(http.StatusOK, buckets)
	}

	out := []models.BucketInfo{}
	for _, ep := range h.registry.Endpoints() {
		buckets, err := h.registry.Buckets(ctx, sess.User, tokens, ep.Name)
		if errors.Is(err, browser.ErrBucketListing) {
			continue
		}
		if err != nil {
			h.log.Warn().Err(err).Str("endpoint", ep.Name).Msg("bucket listing failed")
			continue
		}
		out = append(out, buckets...)
	}
	return c.JSON(http.StatusOK, out)
}

// BrowseBucket returns the navigator view, refreshing the listing first
// unless refresh=0
func (h *BucketsHandler) BrowseBucket(c echo.Context) error {
	sess, err := GetSession(c)
	if err != nil {
		return err
	}
	bucket, endpoint := c.Param("bucket"), c.Param("endpoint")

	s, existed := h.registry.Lookup(sess.User, bucket, endpoint)
	if !existed {
		if s, err = h.session(c); err != nil {
			return err
		}
	} else if c.QueryParam("refresh") != "0" {
		if _, err := s.Refresh(c.Request().Context()); err != nil {
			return httpError(err, "Failed to list objects")
		}
	}
	return c.JSON(http.StatusOK, s.View())
}

type keyRequest struct {
	Key string `json:"key" form:"key" query:"key"`
}

// Select shows a node: its ancestors expand and its folder becomes current
func (h *BucketsHandler) Select(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req keyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request")
	}
	view, err := s.Select(req.Key)
	if err != nil {
		return httpError(err, "Failed to select item")
	}
	return c.JSON(http.StatusOK, view)
}

type expandRequest struct {
	Key      string `json:"key" form:"key"`
	Expanded bool   `json:"expanded" form:"expanded"`
}

// Expand opens or collapses a folder row
func (h *BucketsHandler) Expand(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req expandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request")
	}
	if err := s.Navigator().Expand(req.Key, req.Expanded); err != nil {
		return httpError(err, "Failed to expand folder")
	}
	return c.JSON(http.StatusOK, s.View())
}

type folderRequest struct {
	Parent      string `json:"parent" form:"parent"`
	Placeholder string `json:"placeholder" form:"placeholder"`
	Name        string `json:"name" form:"name"`
}

type folderResponse struct {
	Key  string       `json:"key"`
	View browser.View `json:"view"`
}

// AddPlaceholder inserts an unnamed folder under parent for the user to name
func (h *BucketsHandler) AddPlaceholder(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req folderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request")
	}
	key, err := s.Navigator().AddNewItem(req.Parent, "", false, nil)
	if err != nil {
		return httpError(err, "Failed to add folder")
	}
	return c.JSON(http.StatusCreated, folderResponse{Key: key, View: s.View()})
}

// CancelPlaceholder discards an unsaved folder
func (h *BucketsHandler) CancelPlaceholder(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	if err := s.Navigator().CancelNewItem(c.QueryParam("key")); err != nil {
		return httpError(err, "Failed to cancel folder")
	}
	return c.JSON(http.StatusOK, s.View())
}

// CreateFolder names a placeholder and creates the folder on the endpoint.
// Without a placeholder one is added under parent first and discarded if
// the creation fails.
func (h *BucketsHandler) CreateFolder(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req folderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request")
	}
	req.Name = strings.TrimSpace(req.Name)

	nav := s.Navigator()
	placeholder := req.Placeholder
	direct := placeholder == ""
	if direct {
		if placeholder, err = nav.AddNewItem(req.Parent, "", false, nil); err != nil {
			return httpError(err, "Failed to add folder")
		}
	}

	key, err := nav.SaveNode(c.Request().Context(), placeholder, req.Name)
	if err != nil {
		if direct && key == "" {
			_ = nav.CancelNewItem(placeholder)
		}
		if key == "" {
			return httpError(err, "Failed to create folder")
		}
		h.log.Warn().Err(err).Str("folder", key).Msg("folder created but refresh failed")
	}
	h.log.Info().Str("bucket", s.Bucket()).Str("folder", key).Msg("folder created")
	return c.JSON(http.StatusCreated, folderResponse{Key: key, View: s.View()})
}

// spooledFile holds an accepted upload on local disk until its item leaves
// the queue.
type spooledFile string

func (f spooledFile) Open() (io.ReadCloser, error) { return os.Open(string(f)) }

func (f spooledFile) Release() error { return os.Remove(string(f)) }

type multipartSource struct {
	header *multipart.FileHeader
}

func (m multipartSource) Open() (io.ReadCloser, error) { return m.header.Open() }

func spool(f upload.File) (spooledFile, error) {
	src, err := f.Source.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp("", "datalab-upload-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return spooledFile(tmp.Name()), nil
}

// prompterFromForm reads the answers a client sends with an upload:
// acceptLimits, replace and skip name lists, and all=replace|skip.
func prompterFromForm(form *multipart.Form) (upload.PresetPrompter, error) {
	var p upload.PresetPrompter
	value := func(name string) string {
		if v := form.Value[name]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	if v := value("acceptLimits"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			return p, fmt.Errorf("acceptLimits: %w", err)
		}
		p.AcceptLimits = &ok
	}
	p.Decisions = make(map[string]upload.Decision)
	for _, name := range form.Value["replace"] {
		p.Decisions[name] = upload.Decision{Action: upload.Replace}
	}
	for _, name := range form.Value["skip"] {
		p.Decisions[name] = upload.Decision{Action: upload.Skip}
	}
	if v := value("all"); v != "" {
		action, err := upload.ParseAction(v)
		if err != nil {
			return p, err
		}
		p.All = &upload.Decision{Action: action, ApplyToAll: true}
	}
	return p, nil
}

type decisionResponse struct {
	Message       string        `json:"message"`
	Conflicts     []string      `json:"conflicts"`
	Limits        upload.Limits `json:"limits"`
	LimitsMessage string        `json:"limitsMessage,omitempty"`
}

type uploadResponse struct {
	Queued   []upload.Item `json:"queued"`
	Replaced []string      `json:"replaced"`
	Skipped  []string      `json:"skipped"`
	Limits   upload.Limits `json:"limits"`
}

// uploadName keeps the last path element of a client file name. Names
// that would address the folder itself or its parent are refused.
func uploadName(filename string) (string, bool) {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return "", false
	}
	return name, true
}

// UploadObjects queues the "file" parts into the selected folder. Limits
// and name conflicts need answers in the same form; without them nothing
// is queued and the questions come back as a 409.
func (h *BucketsHandler) UploadObjects(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "No file uploaded")
	}
	headers := form.File["file"]
	if len(headers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "No file uploaded")
	}
	prompter, err := prompterFromForm(form)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	files := make([]upload.File, 0, len(headers))
	for _, fh := range headers {
		name, ok := uploadName(fh.Filename)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid file name %q", fh.Filename))
		}
		files = append(files, upload.File{
			Name:   name,
			Size:   fh.Size,
			Source: multipartSource{header: fh},
		})
	}

	ctx := c.Request().Context()
	prefix, batch, err := s.PlanUpload(ctx, files, prompter)
	switch {
	case errors.Is(err, upload.ErrDecisionRequired):
		resp := decisionResponse{
			Message:   "A decision is required before uploading",
			Conflicts: upload.Conflicts(files, s.Navigator().CurrentFiles()),
			Limits:    batch.Limits,
		}
		if resp.Conflicts == nil {
			resp.Conflicts = []string{}
		}
		if batch.Limits.Hit() {
			resp.LimitsMessage = batch.Limits.Message()
		}
		return c.JSON(http.StatusConflict, resp)
	case errors.Is(err, upload.ErrBatchDeclined):
		return c.JSON(http.StatusOK, uploadResponse{Queued: []upload.Item{}, Limits: batch.Limits})
	case err != nil:
		return httpError(err, "Failed to plan upload")
	}

	accepted := make([]upload.File, 0, len(batch.Files))
	for _, f := range batch.Files {
		spooled, err := spool(f)
		if err != nil {
			for _, done := range accepted {
				_ = done.Source.(spooledFile).Release()
			}
			h.log.Error().Err(err).Str("file", f.Name).Msg("failed to spool upload")
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to receive upload")
		}
		f.Source = spooled
		accepted = append(accepted, f)
	}

	items := s.Uploads().Enqueue(prefix, accepted)
	h.log.Info().Str("bucket", s.Bucket()).Str("prefix", prefix).Int("queued", len(items)).Msg("uploads queued")
	return c.JSON(http.StatusAccepted, uploadResponse{
		Queued:   items,
		Replaced: batch.Replaced,
		Skipped:  batch.Skipped,
		Limits:   batch.Limits,
	})
}

type uploadsResponse struct {
	Items      []upload.Item `json:"items"`
	State      string        `json:"state"`
	Uploading  bool          `json:"uploading"`
	QueueFull  bool          `json:"queueFull"`
	Refreshing bool          `json:"tokenRefreshing"`
}

func uploadsView(m *upload.Manager) uploadsResponse {
	return uploadsResponse{
		Items:      m.Items(),
		State:      m.State().String(),
		Uploading:  m.IsUploading(),
		QueueFull:  m.IsQueueFull(),
		Refreshing: m.IsTokenRefreshing(),
	}
}

// ListUploads reports the upload queue
func (h *BucketsHandler) ListUploads(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, uploadsView(s.Uploads()))
}

// RemoveUpload dismisses an upload, cancelling it if it is running
func (h *BucketsHandler) RemoveUpload(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	if err := s.Uploads().Remove(c.Param("id")); err != nil {
		return httpError(err, "Failed to remove upload")
	}
	return c.JSON(http.StatusOK, uploadsView(s.Uploads()))
}

// RetryUpload requeues a failed upload
func (h *BucketsHandler) RetryUpload(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	item, err := s.Uploads().Retry(c.Param("id"))
	if err != nil {
		return httpError(err, "Failed to retry upload")
	}
	return c.JSON(http.StatusOK, item)
}

// ClearUploads drops finished uploads from the list
func (h *BucketsHandler) ClearUploads(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	n := s.Uploads().ClearFinished()
	return c.JSON(http.StatusOK, map[string]int{"cleared": n})
}

type deleteRequest struct {
	Keys []string `json:"keys" form:"keys"`
}

// DeleteObjects removes files, and folders with everything below them
func (h *BucketsHandler) DeleteObjects(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	var req deleteRequest
	if err := c.Bind(&req); err != nil || len(req.Keys) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "No keys to delete")
	}
	n, err := s.Delete(c.Request().Context(), req.Keys)
	if err != nil && n == 0 {
		return httpError(err, "Failed to delete objects")
	}
	if err != nil {
		h.log.Warn().Err(err).Msg("refresh after delete failed")
	}
	h.log.Info().Str("bucket", s.Bucket()).Int("deleted", n).Msg("objects deleted")
	return c.JSON(http.StatusOK, map[string]interface{}{"deleted": n, "view": s.View()})
}

// DownloadObject streams one object
func (h *BucketsHandler) DownloadObject(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	objectName := c.QueryParam("key")
	if objectName == "" || strings.HasSuffix(objectName, "/") {
		return echo.NewHTTPError(http.StatusBadRequest, "Not a file")
	}

	obj, size, err := s.Storage().DownloadObject(c.Request().Context(), s.Bucket(), objectName)
	if err != nil {
		return httpError(err, "Failed to get object")
	}
	defer func() { _ = obj.Close() }()

	contentType := utils.ContentType(objectName)
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", path.Base(objectName)))
	if size >= 0 {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(size, 10))
	}
	return c.Stream(http.StatusOK, contentType, obj)
}

// DownloadZip streams every file at or below key as one archive
func (h *BucketsHandler) DownloadZip(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	key := c.QueryParam("key")
	files, err := s.Files(key)
	if err != nil {
		return httpError(err, "Failed to list objects")
	}
	if len(files) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "No files to download")
	}

	// Determine ZIP filename from the folder or bucket name
	zipName := s.Bucket() + ".zip"
	if key != "" {
		zipName = path.Base(strings.TrimSuffix(key, "/")) + ".zip"
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/zip")
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", zipName))
	c.Response().WriteHeader(http.StatusOK)

	zipWriter := zip.NewWriter(c.Response().Writer)
	defer func() { _ = zipWriter.Close() }()

	ctx := c.Request().Context()
	for _, object := range files {
		reader, _, err := s.Storage().DownloadObject(ctx, s.Bucket(), object)
		if err != nil {
			h.log.Warn().Err(err).Str("object", object).Msg("skipping object in archive")
			continue
		}

		// Paths in the archive are relative to the selected folder
		relativePath := strings.TrimPrefix(object, key)
		if relativePath == "" {
			relativePath = path.Base(object)
		}
		writer, err := zipWriter.Create(relativePath)
		if err != nil {
			_ = reader.Close()
			return err
		}
		_, err = io.Copy(writer, reader)
		_ = reader.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
