package core

import (
	"fmt"
	"sort"

	"lakevault/pkg/types"
)

type NodeKind string

const (
	NodeFile NodeKind = "file"
	NodeDir  NodeKind = "dir"
)

// TreeNode 是 Tree 中的一个子节点引用
// file 指向 Entry 对象，dir 指向子 Tree 对象。
type TreeNode struct {
	Name string       `cbor:"n"`
	Kind NodeKind     `cbor:"k"`
	Ref  Link         `cbor:"r"`
	Size int64        `cbor:"s"`
	Blob types.Digest `cbor:"b,omitempty"` // 冗余记录叶子的 Blob 摘要，读路径不必多取一次 Entry
}

// Tree 是不可变的目录快照
// Entries 按 Name 排序密封，保证确定性。
// 两棵只差一个路径的 Tree 会共享所有无关子树的哈希，结构共享由此而来。
type Tree struct {
	digest   types.Digest `cbor:"-"`
	rawBytes []byte       `cbor:"-"`

	TypeVal ObjectType `cbor:"t"`
	Nodes   []TreeNode `cbor:"e"`
}

// NewTree 创建并密封一个目录树节点
// 入参顺序不限，内部会按名字排序后再计算哈希。
func NewTree(nodes []TreeNode) (*Tree, error) {
	sorted := make([]TreeNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return nil, fmt.Errorf("duplicate tree node name: %q", sorted[i].Name)
		}
	}

	t := &Tree{
		TypeVal: TypeTree,
		Nodes:   sorted,
	}
	d, b, err := SealObject(t)
	if err != nil {
		return nil, err
	}
	t.digest = d
	t.rawBytes = b
	return t, nil
}

// EmptyTree 返回空目录 (根提交的起点)
func EmptyTree() (*Tree, error) {
	return NewTree(nil)
}

// DecodeTree 从存储字节还原并重新密封 Tree
func DecodeTree(data []byte) (*Tree, error) {
	var t Tree
	if err := DecodeObject(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode tree: %w", err)
	}
	if t.TypeVal != TypeTree {
		return nil, fmt.Errorf("object is not a tree: %s", t.TypeVal)
	}
	d, b, err := SealObject(&t)
	if err != nil {
		return nil, err
	}
	t.digest = d
	t.rawBytes = b
	return &t, nil
}

// Find 在当前层查找子节点
func (t *Tree) Find(name string) (TreeNode, bool) {
	// Nodes 有序，二分即可
	i := sort.Search(len(t.Nodes), func(i int) bool { return t.Nodes[i].Name >= name })
	if i < len(t.Nodes) && t.Nodes[i].Name == name {
		return t.Nodes[i], true
	}
	return TreeNode{}, false
}

func (t *Tree) Type() ObjectType { return TypeTree }
func (t *Tree) ID() types.Digest { return t.digest }
func (t *Tree) Bytes() []byte    { return t.rawBytes }
