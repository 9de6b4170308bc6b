package tree

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/damacus/datalab-buckets/internal/models"
)

var (
	ErrNodeNotFound = errors.New("tree node not found")
	ErrNotAFolder   = errors.New("tree node is not a folder")
	ErrInvalidName  = errors.New("invalid item name")
	ErrDuplicate    = errors.New("an item with this name already exists")
)

// Builder owns the bucket tree and is the only publisher on its Feed.
// Rebuild publishes authoritative snapshots; InsertItem, UpdateItem and
// RemoveItem patch the current tree in place and publish speculative ones.
type Builder struct {
	mu          sync.Mutex
	bucket      string
	root        *TreeNode
	version     uint64
	speculative map[string]bool
	// emptyFolder is the key of the pending unnamed folder, if any.
	emptyFolder string
	feed        *Feed
	log         zerolog.Logger
}

// NewBuilder creates a builder for one bucket.
func NewBuilder(bucket string, log zerolog.Logger) *Builder {
	return &Builder{
		bucket:      bucket,
		speculative: make(map[string]bool),
		feed:        newFeed(),
		log:         log.With().Str("component", "tree").Str("bucket", bucket).Logger(),
	}
}

// Feed returns the builder's publish channel.
func (b *Builder) Feed() *Feed {
	return b.feed
}

// Close stops publishing and closes all subscriptions.
func (b *Builder) Close() {
	b.feed.close()
}

// Rebuild replaces the tree with one built from a fresh listing. The result
// has exactly one top-level node named after the bucket. A pending
// placeholder whose parent still exists is carried over until it is saved
// or cancelled; every other speculative node is dropped.
func (b *Builder) Rebuild(records []models.StorageObjectRecord) Snapshot {
	trie := ConvertToFolderTree(records)
	root := &TreeNode{
		Item:     b.bucket,
		Key:      "",
		Children: BuildFileTree(trie),
		Object:   syntheticObject(),
	}
	shadowed := trie.Shadowed()
	if len(shadowed) > 0 {
		b.log.Warn().Strs("keys", shadowed).Msg("objects shadowed by folders of the same name")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.speculative = make(map[string]bool)
	if b.emptyFolder != "" {
		parentKey := strings.TrimSuffix(b.emptyFolder, "/")
		if parent := root.Find(parentKey); parent != nil && parent.IsFolder() {
			parent.Children = append([]*TreeNode{newPlaceholder(parentKey)}, parent.Children...)
			b.speculative[b.emptyFolder] = true
		} else {
			b.emptyFolder = ""
		}
	}
	b.root = root
	return b.publishLocked(true, shadowed)
}

// InsertItem prepends a node under the folder parentKey and returns its key.
// Files take the prebuilt file node. Named folders get a folder-marker
// descriptor. An empty name inserts the unnamed placeholder, replacing any
// previous one.
func (b *Builder) InsertItem(parentKey, name string, isFile bool, file *TreeNode) (string, Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	parent := b.root.Find(parentKey)
	if parent == nil {
		return "", Snapshot{}, fmt.Errorf("insert under %q: %w", parentKey, ErrNodeNotFound)
	}
	if !parent.IsFolder() {
		return "", Snapshot{}, fmt.Errorf("insert under %q: %w", parentKey, ErrNotAFolder)
	}
	if strings.Contains(name, "/") {
		return "", Snapshot{}, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}

	var node *TreeNode
	switch {
	case isFile:
		if file == nil || name == "" {
			return "", Snapshot{}, fmt.Errorf("insert file under %q: %w", parentKey, ErrInvalidName)
		}
		node = file.Clone()
		node.Item = name
		node.Key = parentKey + name
		node.Children = nil
		if node.Object == nil {
			node.Object = &models.StorageObjectRecord{Bucket: b.bucket, Object: node.Key}
		}
	case name == "":
		b.removePlaceholderLocked()
		node = newPlaceholder(parentKey)
		b.emptyFolder = node.Key
	default:
		node = &TreeNode{
			Item:     name,
			Key:      parentKey + name + "/",
			Children: []*TreeNode{},
			Object: &models.StorageObjectRecord{
				Bucket: b.bucket,
				Object: parentKey + name + "/",
			},
		}
	}

	for i, child := range parent.Children {
		if child.Key != node.Key {
			continue
		}
		if !isFile {
			return "", Snapshot{}, fmt.Errorf("insert %q: %w", node.Key, ErrDuplicate)
		}
		parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
		break
	}
	parent.Children = append([]*TreeNode{node}, parent.Children...)
	b.speculative[node.Key] = true
	return node.Key, b.publishLocked(false, nil), nil
}

// UpdateItem renames a node in place. Keys below it are rewritten so they
// keep matching the node's path. A sibling already holding the new key is
// ErrDuplicate.
func (b *Builder) UpdateItem(key, name string) (string, Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" || strings.Contains(name, "/") {
		return "", Snapshot{}, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	node := b.root.Find(key)
	if node == nil || node == b.root {
		return "", Snapshot{}, fmt.Errorf("rename %q: %w", key, ErrNodeNotFound)
	}

	parentKey := parentKeyOf(node)
	newKey := parentKey + name
	if node.IsFolder() {
		newKey += "/"
	}
	if parent := b.root.Find(parentKey); parent != nil {
		for _, sibling := range parent.Children {
			if sibling != node && sibling.Key == newKey {
				return "", Snapshot{}, fmt.Errorf("rename %q to %q: %w", key, newKey, ErrDuplicate)
			}
		}
	}
	oldKey := node.Key
	node.Item = name
	node.Walk(func(n *TreeNode, _ int) {
		wasSpeculative := b.speculative[n.Key]
		delete(b.speculative, n.Key)
		n.Key = newKey + strings.TrimPrefix(n.Key, oldKey)
		if n.Object != nil && (n.Object.Object != "" || n == node) {
			n.Object.Bucket = b.bucket
			n.Object.Object = n.Key
		}
		if wasSpeculative {
			b.speculative[n.Key] = true
		}
	})
	if b.emptyFolder == oldKey {
		b.emptyFolder = ""
	}
	return newKey, b.publishLocked(false, nil), nil
}

// RemoveItem splices the child out of the parent folder.
func (b *Builder) RemoveItem(parentKey, childKey string) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	parent := b.root.Find(parentKey)
	if parent == nil || !parent.IsFolder() {
		return Snapshot{}, fmt.Errorf("remove from %q: %w", parentKey, ErrNodeNotFound)
	}
	idx := -1
	for i, child := range parent.Children {
		if child.Key == childKey {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Snapshot{}, fmt.Errorf("remove %q: %w", childKey, ErrNodeNotFound)
	}
	parent.Children = append(parent.Children[:idx], parent.Children[idx+1:]...)
	delete(b.speculative, childKey)
	if b.emptyFolder == childKey {
		b.emptyFolder = ""
	}
	return b.publishLocked(false, nil), nil
}

// EmptyFolder returns the key of the pending placeholder, if any.
func (b *Builder) EmptyFolder() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emptyFolder, b.emptyFolder != ""
}

// ForgetEmptyFolder stops carrying the placeholder across rebuilds.
func (b *Builder) ForgetEmptyFolder() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emptyFolder = ""
}

func (b *Builder) removePlaceholderLocked() {
	if b.emptyFolder == "" {
		return
	}
	parent := b.root.Find(strings.TrimSuffix(b.emptyFolder, "/"))
	if parent != nil {
		for i, child := range parent.Children {
			if child.Key == b.emptyFolder {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
	}
	delete(b.speculative, b.emptyFolder)
	b.emptyFolder = ""
}

func (b *Builder) publishLocked(authoritative bool, shadowed []string) Snapshot {
	b.version++
	spec := make([]string, 0, len(b.speculative))
	for key := range b.speculative {
		spec = append(spec, key)
	}
	sort.Strings(spec)
	s := Snapshot{
		Version:       b.version,
		Bucket:        b.bucket,
		Root:          b.root.Clone(),
		Authoritative: authoritative,
		Speculative:   spec,
		Shadowed:      shadowed,
	}
	b.feed.publish(s)
	return s
}

func newPlaceholder(parentKey string) *TreeNode {
	return &TreeNode{
		Item:     "",
		Key:      PlaceholderKey(parentKey),
		Children: []*TreeNode{},
		Object:   syntheticObject(),
	}
}

// parentKeyOf derives the parent folder key from a node key.
func parentKeyOf(n *TreeNode) string {
	key := n.Key
	if n.IsPlaceholder() {
		return strings.TrimSuffix(key, "/")
	}
	key = strings.TrimSuffix(key, "/")
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[:i+1]
	}
	return ""
}
