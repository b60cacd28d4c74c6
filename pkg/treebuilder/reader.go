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

// Reader 提供对已密封树的只读遍历
type Reader struct {
	store storage.Store
}

func NewReader(store storage.Store) *Reader {
	return &Reader{store: store}
}

// ResolveNode 沿路径逐层下探，返回命中的树节点
// 空路径视为非法；根目录请用 ListDir("")。
func (r *Reader) ResolveNode(ctx context.Context, root types.Digest, path types.RepoPath) (core.TreeNode, error) {
	if path == "" {
		return core.TreeNode{}, types.ErrEmptyPath
	}

	parts := strings.Split(string(path), "/")
	current := root
	for i, part := range parts {
		tree, err := r.loadTree(ctx, current)
		if err != nil {
			return core.TreeNode{}, err
		}
		node, ok := tree.Find(part)
		if !ok {
			return core.TreeNode{}, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		if i == len(parts)-1 {
			return node, nil
		}
		if node.Kind != core.NodeDir {
			return core.TreeNode{}, fmt.Errorf("%w: %s", ErrNotADirectory, path)
		}
		current = node.Ref.Digest
	}
	// strings.Split 至少返回一个元素，走不到这里
	return core.TreeNode{}, fmt.Errorf("%w: %s", ErrPathNotFound, path)
}

// ResolveEntry 解析路径指向的文件 Entry
func (r *Reader) ResolveEntry(ctx context.Context, root types.Digest, path types.RepoPath) (*core.Entry, error) {
	node, err := r.ResolveNode(ctx, root, path)
	if err != nil {
		return nil, err
	}
	if node.Kind != core.NodeFile {
		return nil, fmt.Errorf("%w: %s", ErrPathIsDir, path)
	}

	rc, err := r.store.GetObject(ctx, node.Ref.Digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return core.DecodeEntry(data)
}

// Exists 判断路径是否存在且为文件
func (r *Reader) Exists(ctx context.Context, root types.Digest, path types.RepoPath) (bool, error) {
	node, err := r.ResolveNode(ctx, root, path)
	if err != nil {
		if errors.Is(err, ErrPathNotFound) || errors.Is(err, ErrNotADirectory) {
			return false, nil
		}
		return false, err
	}
	return node.Kind == core.NodeFile, nil
}

// ListDir 列出一个目录层的全部子节点
// dir 为空串表示根目录。
func (r *Reader) ListDir(ctx context.Context, root types.Digest, dir types.RepoPath) ([]core.TreeNode, error) {
	current := root
	if dir != "" {
		node, err := r.ResolveNode(ctx, root, dir)
		if err != nil {
			return nil, err
		}
		if node.Kind != core.NodeDir {
			return nil, fmt.Errorf("%w: %s", ErrNotADirectory, dir)
		}
		current = node.Ref.Digest
	}

	tree, err := r.loadTree(ctx, current)
	if err != nil {
		return nil, err
	}
	out := make([]core.TreeNode, len(tree.Nodes))
	copy(out, tree.Nodes)
	return out, nil
}

// WalkFunc 收到文件的完整路径与节点；返回错误即中止遍历
type WalkFunc func(path types.RepoPath, node core.TreeNode) error

// Walk 深度优先遍历整棵树的全部文件 (按名字序)
func (r *Reader) Walk(ctx context.Context, root types.Digest, fn WalkFunc) error {
	return r.walkTree(ctx, root, "", fn)
}

func (r *Reader) walkTree(ctx context.Context, d types.Digest, prefix string, fn WalkFunc) error {
	tree, err := r.loadTree(ctx, d)
	if err != nil {
		return err
	}
	for _, node := range tree.Nodes {
		full := node.Name
		if prefix != "" {
			full = prefix + "/" + node.Name
		}
		switch node.Kind {
		case core.NodeDir:
			if err := r.walkTree(ctx, node.Ref.Digest, full, fn); err != nil {
				return err
			}
		case core.NodeFile:
			if err := fn(types.RepoPath(full), node); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reader) loadTree(ctx context.Context, d types.Digest) (*core.Tree, error) {
	rc, err := r.store.GetObject(ctx, d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return core.DecodeTree(data)
}
