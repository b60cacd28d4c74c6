package treebuilder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"lakevault/pkg/core"
	"lakevault/pkg/storage"
	"lakevault/pkg/types"
)

var (
	ErrPathNotFound   = errors.New("path does not exist in parent tree")
	ErrNotADirectory  = errors.New("path component is not a directory")
	ErrPathIsDir      = errors.New("path refers to a directory")
	ErrConflictingOps = errors.New("conflicting operations on the same path")
)

// Builder 负责把“父树 + 变更集”转换为新的根树
// 核心性质：只重写被触达路径的脊柱 (spine)，未触达的子树按哈希原样引用；
// 提交成本正比于变更路径数，而不是仓库大小。
type Builder struct {
	store storage.Store
}

func NewBuilder(store storage.Store) *Builder {
	return &Builder{store: store}
}

// Apply 从 parentRoot 出发应用变更，返回新根树的摘要
// parentRoot 为零值表示从空树开始 (根提交)。
// puts 中的 Entry 会被持久化；新生成的中间 Tree 同样落存储。
func (b *Builder) Apply(ctx context.Context, parentRoot types.Digest, puts map[types.RepoPath]*core.Entry, deletes []types.RepoPath) (types.Digest, error) {
	patch, err := buildPatch(puts, deletes)
	if err != nil {
		return "", err
	}

	rootDigest, err := b.applyNode(ctx, parentRoot, patch)
	if err != nil {
		return "", err
	}

	// 整棵树被删空：落一个空树对象，保持“每个提交都有树”的不变式
	if rootDigest.IsZero() {
		empty, err := core.EmptyTree()
		if err != nil {
			return "", err
		}
		if err := b.store.PutObject(ctx, empty); err != nil {
			return "", err
		}
		return empty.ID(), nil
	}
	return rootDigest, nil
}

// -----------------------------------------------------------------------------
// 变更 Trie
// -----------------------------------------------------------------------------

// patchNode 是变更集的内存 Trie 表示
// 只包含被触达的路径；它的形状就是将被重写的脊柱。
type patchNode struct {
	children map[string]*patchNode
	put      *core.Entry // 叶子：写入
	del      bool        // 叶子：删除
}

func newPatchNode() *patchNode {
	return &patchNode{children: make(map[string]*patchNode)}
}

func (n *patchNode) isLeaf() bool { return n.put != nil || n.del }

func buildPatch(puts map[types.RepoPath]*core.Entry, deletes []types.RepoPath) (*patchNode, error) {
	root := newPatchNode()

	insert := func(path types.RepoPath) (*patchNode, error) {
		parts := strings.Split(string(path), "/")
		current := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := current.children[part]
			if !ok {
				child = newPatchNode()
				current.children[part] = child
			}
			if child.isLeaf() {
				// 例如同时 put "a" 和 "a/b"
				return nil, fmt.Errorf("%w: %s", ErrConflictingOps, path)
			}
			current = child
		}

		leafName := parts[len(parts)-1]
		leaf, ok := current.children[leafName]
		if !ok {
			leaf = newPatchNode()
			current.children[leafName] = leaf
		}
		if leaf.isLeaf() || len(leaf.children) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrConflictingOps, path)
		}
		return leaf, nil
	}

	for path, entry := range puts {
		leaf, err := insert(path)
		if err != nil {
			return nil, err
		}
		leaf.put = entry
	}
	for _, path := range deletes {
		leaf, err := insert(path)
		if err != nil {
			return nil, err
		}
		leaf.del = true
	}
	return root, nil
}

// -----------------------------------------------------------------------------
// 递归应用
// -----------------------------------------------------------------------------

// applyNode 对一个目录层应用 patch，自底向上密封新 Tree
// 返回零值摘要表示该目录在变更后为空 (上层应当删除这个子节点)。
func (b *Builder) applyNode(ctx context.Context, parentDigest types.Digest, patch *patchNode) (types.Digest, error) {
	// 1. 载入父目录 (只有被触达的脊柱才会走到这里)
	existing := make(map[string]core.TreeNode)
	var order []string
	if !parentDigest.IsZero() {
		parent, err := b.loadTree(ctx, parentDigest)
		if err != nil {
			return "", err
		}
		for _, n := range parent.Nodes {
			existing[n.Name] = n
			order = append(order, n.Name)
		}
	}

	// 2. 逐个应用 patch 子节点
	for name, child := range patch.children {
		prev, had := existing[name]

		switch {
		case child.put != nil:
			if had && prev.Kind == core.NodeDir {
				return "", fmt.Errorf("%w: %s", ErrPathIsDir, name)
			}
			entry := child.put
			if err := b.store.PutObject(ctx, entry); err != nil {
				return "", fmt.Errorf("failed to store entry: %w", err)
			}
			if !had {
				order = append(order, name)
			}
			existing[name] = core.TreeNode{
				Name: name,
				Kind: core.NodeFile,
				Ref:  core.NewLink(entry.ID()),
				Size: entry.Size,
				Blob: entry.Content.Digest,
			}

		case child.del:
			if !had {
				return "", fmt.Errorf("%w: %s", ErrPathNotFound, name)
			}
			if prev.Kind == core.NodeDir {
				return "", fmt.Errorf("%w: %s", ErrPathIsDir, name)
			}
			delete(existing, name)

		default:
			// 中间目录：递归
			var childDigest types.Digest
			if had {
				if prev.Kind != core.NodeDir {
					return "", fmt.Errorf("%w: %s", ErrNotADirectory, name)
				}
				childDigest = prev.Ref.Digest
			}
			newDigest, err := b.applyNode(ctx, childDigest, child)
			if err != nil {
				return "", err
			}
			if newDigest.IsZero() {
				// 子目录被删空，连带剪掉
				delete(existing, name)
				continue
			}
			if !had {
				order = append(order, name)
			}
			existing[name] = core.TreeNode{
				Name: name,
				Kind: core.NodeDir,
				Ref:  core.NewLink(newDigest),
			}
		}
	}

	// 3. 目录空了：让上层剪枝
	if len(existing) == 0 {
		return "", nil
	}

	// 4. 密封新 Tree (未触达的子节点原样引用，即结构共享)
	nodes := make([]core.TreeNode, 0, len(existing))
	for _, name := range order {
		if n, ok := existing[name]; ok {
			nodes = append(nodes, n)
		}
	}
	tree, err := core.NewTree(nodes)
	if err != nil {
		return "", err
	}
	if err := b.store.PutObject(ctx, tree); err != nil {
		return "", fmt.Errorf("failed to store tree: %w", err)
	}
	return tree.ID(), nil
}

// StoreObject 持久化任意已密封对象
// 提交引擎用它落 Commit，免得再挂一个存储依赖。
func (b *Builder) StoreObject(ctx context.Context, obj core.Object) error {
	return b.store.PutObject(ctx, obj)
}

// loadTree 从存储读取并解码一个 Tree 对象
func (b *Builder) loadTree(ctx context.Context, d types.Digest) (*core.Tree, error) {
	rc, err := b.store.GetObject(ctx, d)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("tree object missing from store: %s", d)
		}
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return core.DecodeTree(data)
}
