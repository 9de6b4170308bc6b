package tree

import (
	"strings"

	"github.com/damacus/datalab-buckets/internal/models"
)

// TreeNode is one position of the nested bucket tree.
//
// Children is non-nil iff the node is a folder; an empty folder and the
// unnamed placeholder both carry an empty, non-nil slice. Key is the
// bucket-relative path of the node (folders end in "/", the bucket root
// is "") and is the node's stable identity across rebuilds.
type TreeNode struct {
	Item     string                      `json:"item"`
	Key      string                      `json:"key"`
	Children []*TreeNode                 `json:"children"`
	Object   *models.StorageObjectRecord `json:"object,omitempty"`
}

// IsFolder reports whether the node is a folder.
func (n *TreeNode) IsFolder() bool {
	return n.Children != nil
}

// IsPlaceholder reports whether the node is the unnamed folder being created.
func (n *TreeNode) IsPlaceholder() bool {
	return n.IsFolder() && n.Item == ""
}

// Clone returns a deep copy of the subtree.
func (n *TreeNode) Clone() *TreeNode {
	if n == nil {
		return nil
	}
	c := &TreeNode{Item: n.Item, Key: n.Key}
	if n.Object != nil {
		obj := *n.Object
		c.Object = &obj
	}
	if n.Children != nil {
		c.Children = make([]*TreeNode, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.Clone()
		}
	}
	return c
}

// Find returns the node with the given key in the subtree, or nil.
func (n *TreeNode) Find(key string) *TreeNode {
	if n == nil {
		return nil
	}
	if n.Key == key {
		return n
	}
	if n.Children == nil || !strings.HasPrefix(key, n.Key) {
		return nil
	}
	for _, child := range n.Children {
		if found := child.Find(key); found != nil {
			return found
		}
	}
	return nil
}

// Walk visits the subtree in pre-order.
func (n *TreeNode) Walk(fn func(node *TreeNode, level int)) {
	n.walk(fn, 0)
}

func (n *TreeNode) walk(fn func(node *TreeNode, level int), level int) {
	if n == nil {
		return
	}
	fn(n, level)
	for _, child := range n.Children {
		child.walk(fn, level+1)
	}
}

// PlaceholderKey is the key given to the unnamed folder placeholder under parentKey.
func PlaceholderKey(parentKey string) string {
	return parentKey + "/"
}
