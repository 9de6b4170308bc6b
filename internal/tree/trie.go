// Package tree turns flat object listings into a nested folder tree.
package tree

import (
	"sort"
	"strings"

	"github.com/damacus/datalab-buckets/internal/models"
)

// PathTrie is the intermediate segment trie built from a flat listing.
// Nodes without a file record are folders.
type PathTrie struct {
	children map[string]*PathTrie
	file     *models.StorageObjectRecord
	marker   *models.StorageObjectRecord
	shadowed []string
}

func newTrie() *PathTrie {
	return &PathTrie{children: make(map[string]*PathTrie)}
}

// ConvertToFolderTree threads every record's key segments into a trie and
// attaches the record at its terminal segment. It returns nil for an empty
// listing; callers must handle that case instead of treating it as a tree.
//
// Empty segments (leading, doubled or trailing slashes) are skip markers:
// "a/b/" attaches its folder-marker record to the "b" folder itself.
func ConvertToFolderTree(records []models.StorageObjectRecord) *PathTrie {
	if len(records) == 0 {
		return nil
	}

	root := newTrie()
	for i := range records {
		rec := records[i]
		node := root
		for _, segment := range strings.Split(rec.Object, "/") {
			if segment == "" {
				continue
			}
			child, ok := node.children[segment]
			if !ok {
				child = newTrie()
				node.children[segment] = child
			}
			node = child
		}
		if node == root {
			continue
		}
		if rec.IsFolderMarker() {
			node.marker = &rec
		} else {
			node.file = &rec
		}
	}

	root.shadowed = shadowedKeys(root, "")
	return root
}

// Shadowed lists keys that exist both as a file and as a folder prefix.
// Such keys are coerced to folders; the file record is not shown.
func (t *PathTrie) Shadowed() []string {
	if t == nil {
		return nil
	}
	return t.shadowed
}

func shadowedKeys(n *PathTrie, prefix string) []string {
	var keys []string
	for _, name := range sortedKeys(n.children) {
		child := n.children[name]
		if child.file != nil && child.isFolder() {
			keys = append(keys, prefix+name)
		}
		keys = append(keys, shadowedKeys(child, prefix+name+"/")...)
	}
	return keys
}

func (t *PathTrie) isFolder() bool {
	return len(t.children) > 0 || t.marker != nil || t.file == nil
}

// BuildFileTree walks the trie and produces sorted TreeNodes: folders first,
// then files, each group ordered by name. Folders without a marker record
// carry an empty synthetic descriptor.
func BuildFileTree(trie *PathTrie) []*TreeNode {
	if trie == nil {
		return []*TreeNode{}
	}
	return buildLevel(trie, "")
}

func buildLevel(trie *PathTrie, prefix string) []*TreeNode {
	nodes := make([]*TreeNode, 0, len(trie.children))
	for name, child := range trie.children {
		if name == "" {
			continue
		}
		if child.isFolder() {
			key := prefix + name + "/"
			folder := &TreeNode{
				Item:     name,
				Key:      key,
				Children: buildLevel(child, key),
				Object:   syntheticObject(),
			}
			if child.marker != nil {
				rec := *child.marker
				folder.Object = &rec
			}
			nodes = append(nodes, folder)
			continue
		}
		rec := *child.file
		nodes = append(nodes, &TreeNode{
			Item:   name,
			Key:    prefix + name,
			Object: &rec,
		})
	}
	SortChildren(nodes)
	return nodes
}

// SortChildren orders siblings folders-first, then by name.
func SortChildren(nodes []*TreeNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].IsFolder() != nodes[j].IsFolder() {
			return nodes[i].IsFolder()
		}
		return nodes[i].Item < nodes[j].Item
	})
}

func syntheticObject() *models.StorageObjectRecord {
	return &models.StorageObjectRecord{}
}

func sortedKeys(m map[string]*PathTrie) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
