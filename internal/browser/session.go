// Package browser ties one bucket view together: listing, tree, navigator
// and upload queue.
package browser

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/damacus/datalab-buckets/internal/models"
	"github.com/damacus/datalab-buckets/internal/navigator"
	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/damacus/datalab-buckets/internal/tree"
	"github.com/damacus/datalab-buckets/internal/upload"
	"github.com/damacus/datalab-buckets/internal/utils"
)

// refreshTimeout bounds refreshes triggered by completed uploads.
const refreshTimeout = 2 * time.Minute

// Options configure a Session.
type Options struct {
	Bucket   string
	Endpoint string
	Storage  services.ObjectStorage
	// Gate is consulted before uploads are dispatched. May be nil.
	Gate   upload.TokenGate
	Upload upload.Options
}

// Session is the server-side state of one user browsing one bucket on one
// endpoint. Refresh is the only path that publishes authoritative trees.
type Session struct {
	bucket   string
	endpoint string
	storage  services.ObjectStorage

	builder *tree.Builder
	nav     *navigator.Navigator
	uploads *upload.Manager
	log     zerolog.Logger

	refreshMu sync.Mutex
	shadowed  []string
	loaded    bool

	refreshKick chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// bucketStorage binds a bucket to the storage for the navigator and the
// upload manager.
type bucketStorage struct {
	storage services.ObjectStorage
	bucket  string
}

func (b bucketStorage) CreateFolder(ctx context.Context, key string) error {
	return b.storage.CreateFolder(ctx, b.bucket, key)
}

func (b bucketStorage) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	return b.storage.UploadObject(ctx, b.bucket, key, body, size)
}

// NewSession starts the navigator pump and the upload dispatcher. The tree
// is empty until the first Refresh.
func NewSession(opts Options, log zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		bucket:      opts.Bucket,
		endpoint:    opts.Endpoint,
		storage:     opts.Storage,
		log:         log.With().Str("bucket", opts.Bucket).Str("endpoint", opts.Endpoint).Logger(),
		refreshKick: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	bound := bucketStorage{storage: opts.Storage, bucket: opts.Bucket}

	s.builder = tree.NewBuilder(opts.Bucket, s.log)
	s.nav = navigator.New(s.builder, bound, s, s.log)

	uploadOpts := opts.Upload
	onComplete := uploadOpts.OnComplete
	uploadOpts.OnComplete = func(item upload.Item) {
		if onComplete != nil {
			onComplete(item)
		}
		s.requestRefresh()
	}
	s.uploads = upload.NewManager(bound, opts.Gate, uploadOpts, s.log)

	snapshots, unsubscribe := s.builder.Feed().Subscribe()
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.nav.Run(ctx, snapshots)
	}()
	go s.refreshLoop()
	return s
}

// Bucket returns the bucket name.
func (s *Session) Bucket() string { return s.bucket }

// Endpoint returns the endpoint name.
func (s *Session) Endpoint() string { return s.endpoint }

// Navigator exposes the flattened tree.
func (s *Session) Navigator() *navigator.Navigator { return s.nav }

// Uploads exposes the upload queue.
func (s *Session) Uploads() *upload.Manager { return s.uploads }

// Storage exposes the endpoint storage.
func (s *Session) Storage() services.ObjectStorage { return s.storage }

// Refresh re-lists the bucket and publishes a new authoritative tree. Calls
// are serialized. It returns once the navigator has applied the tree; the
// first successful load selects the bucket root.
func (s *Session) Refresh(ctx context.Context) (tree.Snapshot, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	records, err := s.storage.ListObjects(ctx, s.bucket)
	if err != nil {
		return tree.Snapshot{}, fmt.Errorf("list %s: %w", s.bucket, err)
	}
	snap := s.builder.Rebuild(records)
	s.shadowed = snap.Shadowed

	if err := s.nav.Await(ctx, snap.Version); err != nil {
		return snap, err
	}
	if !s.loaded {
		s.loaded = true
		if _, err := s.nav.ShowItem(snap.Root.Key); err != nil {
			return snap, err
		}
	}
	s.log.Debug().Int("objects", len(records)).Uint64("version", snap.Version).Msg("bucket refreshed")
	return snap, nil
}

func (s *Session) requestRefresh() {
	select {
	case s.refreshKick <- struct{}{}:
	default:
	}
}

// refreshLoop coalesces refreshes requested by completed uploads.
func (s *Session) refreshLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.refreshKick:
			ctx, cancel := context.WithTimeout(s.ctx, refreshTimeout)
			if _, err := s.Refresh(ctx); err != nil && s.ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("refresh after upload failed")
			}
			cancel()
		}
	}
}

// Select shows a node and returns the resulting view.
func (s *Session) Select(key string) (View, error) {
	if _, err := s.nav.ShowItem(key); err != nil {
		return View{}, err
	}
	return s.View(), nil
}

// PlanUpload checks a batch against the selected folder. It returns the
// key prefix of that folder and what the prompter let through.
func (s *Session) PlanUpload(ctx context.Context, files []upload.File, p upload.Prompter) (string, upload.Batch, error) {
	prefix, ok := s.nav.SelectedFolderKey()
	if !ok {
		return "", upload.Batch{}, fmt.Errorf("upload to %s: %w", s.bucket, navigator.ErrUnknownNode)
	}
	batch, err := upload.Plan(ctx, files, s.nav.CurrentFiles(), p)
	return prefix, batch, err
}

// Upload plans a batch and queues what the prompter lets through.
func (s *Session) Upload(ctx context.Context, files []upload.File, p upload.Prompter) (upload.Batch, []upload.Item, error) {
	prefix, batch, err := s.PlanUpload(ctx, files, p)
	if err != nil {
		return batch, nil, err
	}
	items := s.uploads.Enqueue(prefix, batch.Files)
	s.log.Info().Int("queued", len(items)).Int("skipped", len(batch.Skipped)).Str("prefix", prefix).Msg("upload batch planned")
	return batch, items, nil
}

// Delete removes objects, then refreshes. Folder keys delete every object
// below them.
func (s *Session) Delete(ctx context.Context, keys []string) (int, error) {
	var objects []string
	nodes := s.nodesByKey()
	for _, key := range keys {
		node, ok := nodes[key]
		if !ok {
			return 0, fmt.Errorf("%q: %w", key, navigator.ErrUnknownNode)
		}
		if node.IsFolder() {
			objects = append(objects, folderObjects(node)...)
			continue
		}
		objects = append(objects, node.Object.Object)
	}
	if len(objects) == 0 {
		return 0, nil
	}
	if err := s.storage.DeleteObjects(ctx, s.bucket, objects); err != nil {
		return 0, err
	}
	if _, err := s.Refresh(ctx); err != nil {
		return len(objects), err
	}
	return len(objects), nil
}

// Files returns the keys of every file at or below key.
func (s *Session) Files(key string) ([]string, error) {
	node, ok := s.nodesByKey()[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, navigator.ErrUnknownNode)
	}
	var out []string
	for _, obj := range folderObjects(node) {
		if !strings.HasSuffix(obj, "/") {
			out = append(out, obj)
		}
	}
	if !node.IsFolder() {
		out = []string{node.Object.Object}
	}
	return out, nil
}

func (s *Session) nodesByKey() map[string]*tree.TreeNode {
	out := make(map[string]*tree.TreeNode)
	snap, ok := s.builder.Feed().Latest()
	if !ok {
		return out
	}
	snap.Root.Walk(func(node *tree.TreeNode, _ int) {
		out[node.Key] = node
	})
	return out
}

// folderObjects lists the stored keys below a folder: files and any
// folder markers, skipping the bucket root and placeholders.
func folderObjects(folder *tree.TreeNode) []string {
	var out []string
	folder.Walk(func(node *tree.TreeNode, _ int) {
		if node.IsPlaceholder() || node.Key == "" {
			return
		}
		if node.IsFolder() {
			out = append(out, strings.TrimSuffix(node.Key, "/")+"/")
			return
		}
		out = append(out, node.Object.Object)
	})
	return out
}

// Close stops the pump, the refresh loop and all uploads.
func (s *Session) Close() {
	s.cancel()
	s.uploads.Shutdown()
	s.builder.Close()
	s.wg.Wait()
}

// View is the JSON projection of a session.
type View struct {
	Bucket      string               `json:"bucket"`
	Endpoint    string               `json:"endpoint"`
	State       string               `json:"state"`
	Nodes       []navigator.FlatNode `json:"nodes"`
	Selection   *navigator.Selection `json:"selection,omitempty"`
	Breadcrumbs []models.Breadcrumb  `json:"breadcrumbs"`
	Folders     []models.FolderInfo  `json:"folders"`
	Files       []models.ObjectInfo  `json:"files"`
	Uploads     []upload.Item        `json:"uploads"`
	UploadState string               `json:"uploadState"`
	Uploading   bool                 `json:"uploading"`
	QueueFull   bool                 `json:"queueFull"`
	Refreshing  bool                 `json:"tokenRefreshing"`
	Shadowed    []string             `json:"shadowed,omitempty"`
}

// View renders the visible tree, the selected folder contents and the
// upload queue.
func (s *Session) View() View {
	v := View{
		Bucket:      s.bucket,
		Endpoint:    s.endpoint,
		State:       s.nav.State().String(),
		Nodes:       s.nav.Visible(),
		Breadcrumbs: []models.Breadcrumb{},
		Folders:     []models.FolderInfo{},
		Files:       []models.ObjectInfo{},
		Uploads:     s.uploads.Items(),
		UploadState: s.uploads.State().String(),
		Uploading:   s.uploads.IsUploading(),
		QueueFull:   s.uploads.IsQueueFull(),
		Refreshing:  s.uploads.IsTokenRefreshing(),
	}
	s.refreshMu.Lock()
	v.Shadowed = s.shadowed
	s.refreshMu.Unlock()

	sel, ok := s.nav.Selection()
	if !ok {
		return v
	}
	v.Selection = &sel
	for i, p := range sel.PathObjects {
		v.Breadcrumbs = append(v.Breadcrumbs, models.Breadcrumb{Name: p.Item, Path: p.Key, Level: i})
	}

	folder := sel.Nested
	if folder != nil && !folder.IsFolder() {
		if parentKey, ok := s.nav.SelectedFolderKey(); ok {
			folder = s.nodesByKey()[parentKey]
		}
	}
	if folder == nil {
		return v
	}
	for _, child := range folder.Children {
		if child.IsFolder() {
			v.Folders = append(v.Folders, models.FolderInfo{Name: child.Item, Prefix: child.Key})
			continue
		}
		v.Files = append(v.Files, objectInfo(child))
	}
	return v
}

func objectInfo(node *tree.TreeNode) models.ObjectInfo {
	size := utils.ParseSize(node.Object.Size)
	contentType := utils.ContentType(node.Item)
	return models.ObjectInfo{
		Key:           node.Object.Object,
		DisplayName:   path.Base(node.Object.Object),
		Size:          size,
		FormattedSize: utils.FormatFileSize(size),
		LastModified:  node.Object.LastModifiedDate,
		ContentType:   contentType,
		IsImage:       utils.IsImageType(contentType),
		IsText:        utils.IsTextType(contentType),
		IsArchive:     utils.IsArchiveType(contentType, node.Item),
	}
}
