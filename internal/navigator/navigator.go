// Package navigator keeps the flattened, expandable projection of a bucket
// tree together with the current selection.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/damacus/datalab-buckets/internal/tree"
)

var (
	ErrDuplicateName  = errors.New("a folder with this name already exists")
	ErrUnknownNode    = errors.New("unknown tree node")
	ErrNotPlaceholder = errors.New("node is not a new folder")
	ErrSaveInProgress = errors.New("folder creation already in progress")
)

// State is the navigator lifecycle state.
type State int

const (
	StateEmpty State = iota
	StateLoaded
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoaded:
		return "loaded"
	case StateSelected:
		return "selected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// FlatNode is one row of the flattened tree.
type FlatNode struct {
	Key         string `json:"key"`
	Item        string `json:"item"`
	Level       int    `json:"level"`
	Expandable  bool   `json:"expandable"`
	Expanded    bool   `json:"expanded"`
	Speculative bool   `json:"speculative,omitempty"`
}

// Selection describes the selected node and its ancestor path.
type Selection struct {
	Flat        FlatNode       `json:"flat"`
	Nested      *tree.TreeNode `json:"-"`
	JoinedPath  string         `json:"joinedPath"`
	PathObjects []FlatNode     `json:"pathObjects"`
}

// Reconciliation reports how speculative nodes fared against an authoritative snapshot.
type Reconciliation struct {
	Confirmed []string
	Dropped   []string
}

// TreeEditor is the part of the tree builder the navigator mutates through.
type TreeEditor interface {
	InsertItem(parentKey, name string, isFile bool, file *tree.TreeNode) (string, tree.Snapshot, error)
	UpdateItem(key, name string) (string, tree.Snapshot, error)
	RemoveItem(parentKey, childKey string) (tree.Snapshot, error)
	ForgetEmptyFolder()
}

// FolderCreator persists a folder marker.
type FolderCreator interface {
	CreateFolder(ctx context.Context, key string) error
}

// Refresher reloads the listing and publishes an authoritative snapshot.
type Refresher interface {
	Refresh(ctx context.Context) (tree.Snapshot, error)
}

// Navigator projects snapshots into a flat list. Flat nodes and their
// expansion state are indexed by node key, so they survive rebuilds.
type Navigator struct {
	mu sync.RWMutex

	editor    TreeEditor
	folders   FolderCreator
	refresher Refresher
	log       zerolog.Logger

	state       State
	version     uint64
	root        *tree.TreeNode
	flat        []*FlatNode
	index       map[string]int
	byKey       map[string]*FlatNode
	nested      map[string]*tree.TreeNode
	expanded    map[string]bool
	speculative map[string]bool
	selected    string
	selection   *Selection
	saving      string

	applied chan struct{}
}

// New creates an empty navigator.
func New(editor TreeEditor, folders FolderCreator, refresher Refresher, log zerolog.Logger) *Navigator {
	return &Navigator{
		editor:      editor,
		folders:     folders,
		refresher:   refresher,
		log:         log.With().Str("component", "navigator").Logger(),
		index:       make(map[string]int),
		byKey:       make(map[string]*FlatNode),
		nested:      make(map[string]*tree.TreeNode),
		expanded:    make(map[string]bool),
		speculative: make(map[string]bool),
		applied:     make(chan struct{}),
	}
}

// Transform maps a tree node to its flat row. A folder with no children is
// still expandable.
func Transform(node *tree.TreeNode, level int) *FlatNode {
	return &FlatNode{
		Key:        node.Key,
		Item:       node.Item,
		Level:      level,
		Expandable: node.Children != nil,
	}
}

// Run applies snapshots from the feed until it closes or ctx ends.
func (n *Navigator) Run(ctx context.Context, snapshots <-chan tree.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snapshots:
			if !ok {
				return
			}
			n.Apply(s)
		}
	}
}

// Apply re-flattens the tree. Older versions than the one already applied
// are ignored.
func (n *Navigator) Apply(s tree.Snapshot) Reconciliation {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s.Root == nil || (n.version != 0 && s.Version <= n.version) {
		return Reconciliation{}
	}

	flat := make([]*FlatNode, 0, len(n.flat))
	index := make(map[string]int, len(n.index))
	byKey := make(map[string]*FlatNode, len(n.byKey))
	nested := make(map[string]*tree.TreeNode, len(n.nested))

	s.Root.Walk(func(node *tree.TreeNode, level int) {
		fn, ok := n.byKey[node.Key]
		if ok {
			fn.Item = node.Item
			fn.Level = level
			fn.Expandable = node.Children != nil
		} else {
			fn = Transform(node, level)
		}
		index[node.Key] = len(flat)
		flat = append(flat, fn)
		byKey[node.Key] = fn
		nested[node.Key] = node
	})

	var rec Reconciliation
	if s.Authoritative {
		rec = n.reconcileLocked(byKey, s.Speculative)
	}
	n.speculative = make(map[string]bool, len(s.Speculative))
	for _, key := range s.Speculative {
		n.speculative[key] = true
	}
	for key, fn := range byKey {
		fn.Speculative = n.speculative[key]
		fn.Expanded = fn.Expandable && n.expanded[key]
	}

	previous := n.byKey[n.selected]
	n.flat, n.index, n.byKey, n.nested = flat, index, byKey, nested
	n.root = s.Root
	n.version = s.Version
	if n.state == StateEmpty {
		n.state = StateLoaded
	}

	if n.state == StateSelected {
		n.reselectLocked(previous)
	}

	close(n.applied)
	n.applied = make(chan struct{})
	return rec
}

// reconcileLocked settles speculative nodes once a listing is known:
// confirmed ones become ordinary nodes; missing ones lose their state.
func (n *Navigator) reconcileLocked(byKey map[string]*FlatNode, stillSpeculative []string) Reconciliation {
	carried := make(map[string]bool, len(stillSpeculative))
	for _, key := range stillSpeculative {
		carried[key] = true
	}

	var rec Reconciliation
	for key := range n.speculative {
		if carried[key] {
			continue
		}
		if _, ok := byKey[key]; ok {
			rec.Confirmed = append(rec.Confirmed, key)
			continue
		}
		rec.Dropped = append(rec.Dropped, key)
		delete(n.expanded, key)
	}
	for key := range n.expanded {
		if _, ok := byKey[key]; !ok {
			delete(n.expanded, key)
		}
	}
	if len(rec.Confirmed) > 0 || len(rec.Dropped) > 0 {
		n.log.Debug().Strs("confirmed", rec.Confirmed).Strs("dropped", rec.Dropped).Msg("reconciled speculative nodes")
	}
	return rec
}

// reselectLocked restores the selection after a rebuild: same key first,
// then the same item text at the same level, then the first node.
func (n *Navigator) reselectLocked(previous *FlatNode) {
	if _, ok := n.byKey[n.selected]; ok {
		n.showLocked(n.selected)
		return
	}
	if previous != nil {
		for _, fn := range n.flat {
			if fn.Item == previous.Item && fn.Level == previous.Level {
				n.showLocked(fn.Key)
				return
			}
		}
	}
	if len(n.flat) > 0 {
		n.showLocked(n.flat[0].Key)
	}
}

// Await blocks until a snapshot with at least the given version is applied.
func (n *Navigator) Await(ctx context.Context, version uint64) error {
	for {
		n.mu.RLock()
		done := n.version >= version
		ch := n.applied
		n.mu.RUnlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// State returns the lifecycle state.
func (n *Navigator) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Version returns the last applied snapshot version.
func (n *Navigator) Version() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.version
}

// Nodes returns a copy of the complete flattened tree in pre-order.
func (n *Navigator) Nodes() []FlatNode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]FlatNode, len(n.flat))
	for i, fn := range n.flat {
		out[i] = *fn
	}
	return out
}

// Visible returns the rows whose ancestors are all expanded.
func (n *Navigator) Visible() []FlatNode {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var out []FlatNode
	hiddenBelow := -1
	for _, fn := range n.flat {
		if hiddenBelow >= 0 {
			if fn.Level > hiddenBelow {
				continue
			}
			hiddenBelow = -1
		}
		out = append(out, *fn)
		if fn.Expandable && !fn.Expanded {
			hiddenBelow = fn.Level
		}
	}
	return out
}

// Node returns the flat row for key.
func (n *Navigator) Node(key string) (FlatNode, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	fn, ok := n.byKey[key]
	if !ok {
		return FlatNode{}, false
	}
	return *fn, true
}

// ParentNode returns the closest preceding row with a smaller level, or
// false for a root row.
func (n *Navigator) ParentNode(key string) (FlatNode, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	parent := n.parentLocked(key)
	if parent == nil {
		return FlatNode{}, false
	}
	return *parent, true
}

func (n *Navigator) parentLocked(key string) *FlatNode {
	i, ok := n.index[key]
	if !ok {
		return nil
	}
	level := n.flat[i].Level
	if level == 0 {
		return nil
	}
	for j := i - 1; j >= 0; j-- {
		if n.flat[j].Level < level {
			return n.flat[j]
		}
	}
	return nil
}

// Expand sets the expansion state of a folder row.
func (n *Navigator) Expand(key string, expanded bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn, ok := n.byKey[key]
	if !ok {
		return fmt.Errorf("%q: %w", key, ErrUnknownNode)
	}
	if !fn.Expandable {
		return nil
	}
	n.expanded[key] = expanded
	fn.Expanded = expanded
	return nil
}

// ShowItem selects a row, expands it and all its ancestors, and returns
// the selection with its path from the root.
func (n *Navigator) ShowItem(key string) (Selection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.byKey[key]; !ok {
		return Selection{}, fmt.Errorf("%q: %w", key, ErrUnknownNode)
	}
	return n.showLocked(key), nil
}

func (n *Navigator) showLocked(key string) Selection {
	fn := n.byKey[key]
	path := []*FlatNode{fn}
	for p := n.parentLocked(key); p != nil; p = n.parentLocked(p.Key) {
		path = append(path, p)
	}

	sel := Selection{Nested: n.nested[key]}
	items := make([]string, 0, len(path))
	for i := len(path) - 1; i >= 0; i-- {
		node := path[i]
		if node.Expandable {
			n.expanded[node.Key] = true
			node.Expanded = true
		}
		sel.PathObjects = append(sel.PathObjects, *node)
		items = append(items, node.Item)
	}
	sel.Flat = *fn
	sel.JoinedPath = strings.Join(items, "/")

	n.selected = key
	n.selection = &sel
	n.state = StateSelected
	return sel
}

// Selection returns the current selection.
func (n *Navigator) Selection() (Selection, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.selection == nil {
		return Selection{}, false
	}
	return *n.selection, true
}

// SelectedFolderKey returns the key of the folder uploads should target:
// the selection itself, or the folder holding a selected file.
func (n *Navigator) SelectedFolderKey() (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	fn, ok := n.byKey[n.selected]
	if !ok || n.state != StateSelected {
		return "", false
	}
	if fn.Expandable {
		return fn.Key, true
	}
	if parent := n.parentLocked(fn.Key); parent != nil {
		return parent.Key, true
	}
	return "", true
}

// CurrentFiles lists the file names in the selected folder.
func (n *Navigator) CurrentFiles() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentFilesLocked()
}

func (n *Navigator) currentFilesLocked() []string {
	folder := n.nested[n.selected]
	if folder == nil {
		return nil
	}
	if !folder.IsFolder() {
		if parent := n.parentLocked(n.selected); parent != nil {
			folder = n.nested[parent.Key]
		}
	}
	var names []string
	for _, child := range folder.Children {
		if !child.IsFolder() {
			names = append(names, child.Item)
		}
	}
	return names
}

// AddNewItem inserts a child under target through the tree builder and
// expands target. An empty name on a folder inserts the unnamed placeholder.
func (n *Navigator) AddNewItem(targetKey, name string, isFile bool, file *tree.TreeNode) (string, error) {
	n.mu.RLock()
	_, ok := n.byKey[targetKey]
	n.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%q: %w", targetKey, ErrUnknownNode)
	}

	key, snap, err := n.editor.InsertItem(targetKey, name, isFile, file)
	if err != nil {
		return "", err
	}

	n.mu.Lock()
	n.expanded[targetKey] = true
	if fn, ok := n.byKey[targetKey]; ok {
		fn.Expanded = fn.Expandable
	}
	n.mu.Unlock()

	n.Apply(snap)
	return key, nil
}

// CancelNewItem removes an unsaved placeholder.
func (n *Navigator) CancelNewItem(placeholderKey string) error {
	n.mu.RLock()
	node := n.nested[placeholderKey]
	parent := n.parentLocked(placeholderKey)
	n.mu.RUnlock()
	if node == nil || !node.IsPlaceholder() || parent == nil {
		return fmt.Errorf("%q: %w", placeholderKey, ErrNotPlaceholder)
	}
	snap, err := n.editor.RemoveItem(parent.Key, placeholderKey)
	if err != nil {
		return err
	}
	n.Apply(snap)
	return nil
}

// SaveNode creates the folder typed into a placeholder. Names are checked
// against siblings (case-sensitive) before anything is sent. On success the
// placeholder becomes the named folder and a refresh confirms it; on
// failure the placeholder stays so the name can be edited and saved again.
func (n *Navigator) SaveNode(ctx context.Context, placeholderKey, name string) (string, error) {
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("%q: %w", name, tree.ErrInvalidName)
	}

	n.mu.Lock()
	node := n.nested[placeholderKey]
	parent := n.parentLocked(placeholderKey)
	if node == nil || !node.IsPlaceholder() || parent == nil {
		n.mu.Unlock()
		return "", fmt.Errorf("%q: %w", placeholderKey, ErrNotPlaceholder)
	}
	if n.saving != "" {
		n.mu.Unlock()
		return "", ErrSaveInProgress
	}
	for _, sibling := range n.nested[parent.Key].Children {
		if sibling.Key != placeholderKey && sibling.Item == name {
			n.mu.Unlock()
			return "", fmt.Errorf("%q: %w", name, ErrDuplicateName)
		}
	}
	n.saving = placeholderKey
	parentKey := parent.Key
	n.mu.Unlock()

	folderKey := parentKey + name + "/"
	err := n.folders.CreateFolder(ctx, folderKey)

	n.mu.Lock()
	n.saving = ""
	n.mu.Unlock()

	if err != nil {
		n.log.Error().Err(err).Str("folder", folderKey).Msg("folder creation failed")
		return "", fmt.Errorf("create folder %q: %w", folderKey, err)
	}

	newKey, snap, err := n.editor.UpdateItem(placeholderKey, name)
	if errors.Is(err, tree.ErrDuplicate) {
		// a refresh already brought the folder in
		newKey = folderKey
		snap, err = n.editor.RemoveItem(parentKey, placeholderKey)
	}
	if err != nil {
		return "", err
	}
	n.editor.ForgetEmptyFolder()
	n.Apply(snap)

	snap, err = n.refresher.Refresh(ctx)
	if err != nil {
		return newKey, fmt.Errorf("refresh after creating %q: %w", folderKey, err)
	}
	n.Apply(snap)
	return newKey, nil
}

// Saving reports the placeholder whose creation is in flight.
func (n *Navigator) Saving() (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.saving, n.saving != ""
}
