package treebuilder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lakevault/pkg/core"
	"lakevault/pkg/storage/disk"
	"lakevault/pkg/types"
)

func setupBuilder(t *testing.T) (*Builder, *Reader) {
	t.Helper()
	adapter, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)
	return NewBuilder(adapter), NewReader(adapter)
}

func mockDigest(seed string) types.Digest {
	sum := sha256.Sum256([]byte(seed))
	return types.Digest(hex.EncodeToString(sum[:]))
}

func mustEntry(t *testing.T, seed string) *core.Entry {
	t.Helper()
	e, err := core.NewEntry(mockDigest(seed), int64(len(seed)), "application/octet-stream", []byte(`{"name":"`+seed+`"}`), "tester")
	require.NoError(t, err)
	return e
}

func TestBuilder_ApplyFromEmpty(t *testing.T) {
	builder, reader := setupBuilder(t)
	ctx := context.Background()

	puts := map[types.RepoPath]*core.Entry{
		"models/resnet/weights.bin": mustEntry(t, "weights"),
		"models/resnet/config.json": mustEntry(t, "config"),
		"README.md":                 mustEntry(t, "readme"),
	}

	root, err := builder.Apply(ctx, "", puts, nil)
	require.NoError(t, err)
	require.True(t, root.IsValid())

	// 每条路径都能解析回同一个 Entry
	for path, want := range puts {
		got, err := reader.ResolveEntry(ctx, root, path)
		require.NoError(t, err, "path %s", path)
		assert.Equal(t, want.ID(), got.ID())
		assert.Equal(t, want.Content.Digest, got.Content.Digest)
	}

	// 中间层是目录
	node, err := reader.ResolveNode(ctx, root, "models/resnet")
	require.NoError(t, err)
	assert.Equal(t, core.NodeDir, node.Kind)
}

func TestBuilder_StructuralSharing(t *testing.T) {
	builder, reader := setupBuilder(t)
	ctx := context.Background()

	root1, err := builder.Apply(ctx, "", map[types.RepoPath]*core.Entry{
		"datasets/train/part-0": mustEntry(t, "train-0"),
		"datasets/train/part-1": mustEntry(t, "train-1"),
		"models/latest.bin":     mustEntry(t, "model-v1"),
	}, nil)
	require.NoError(t, err)

	// 只动 models 分支
	root2, err := builder.Apply(ctx, root1, map[types.RepoPath]*core.Entry{
		"models/latest.bin": mustEntry(t, "model-v2"),
	}, nil)
	require.NoError(t, err)
	require.NotEqual(t, root1, root2)

	// datasets 子树按哈希原样共享
	before, err := reader.ResolveNode(ctx, root1, "datasets")
	require.NoError(t, err)
	after, err := reader.ResolveNode(ctx, root2, "datasets")
	require.NoError(t, err)
	assert.Equal(t, before.Ref.Digest, after.Ref.Digest)

	// models 脊柱被重写
	m1, err := reader.ResolveNode(ctx, root1, "models")
	require.NoError(t, err)
	m2, err := reader.ResolveNode(ctx, root2, "models")
	require.NoError(t, err)
	assert.NotEqual(t, m1.Ref.Digest, m2.Ref.Digest)
}

func TestBuilder_DeterministicDigest(t *testing.T) {
	builder, _ := setupBuilder(t)
	ctx := context.Background()

	a := mustEntry(t, "alpha")
	b := mustEntry(t, "beta")

	root1, err := builder.Apply(ctx, "", map[types.RepoPath]*core.Entry{
		"dir/a.txt": a,
		"dir/b.txt": b,
	}, nil)
	require.NoError(t, err)

	// 分两次提交到达同一内容，根摘要必须一致
	step, err := builder.Apply(ctx, "", map[types.RepoPath]*core.Entry{"dir/b.txt": b}, nil)
	require.NoError(t, err)
	root2, err := builder.Apply(ctx, step, map[types.RepoPath]*core.Entry{"dir/a.txt": a}, nil)
	require.NoError(t, err)

	assert.Equal(t, root1, root2)
}

func TestBuilder_DeletePrunesEmptyDirs(t *testing.T) {
	builder, reader := setupBuilder(t)
	ctx := context.Background()

	root, err := builder.Apply(ctx, "", map[types.RepoPath]*core.Entry{
		"a/b/c/file.txt": mustEntry(t, "deep"),
		"keep.txt":       mustEntry(t, "keep"),
	}, nil)
	require.NoError(t, err)

	root2, err := builder.Apply(ctx, root, nil, []types.RepoPath{"a/b/c/file.txt"})
	require.NoError(t, err)

	// 空目录链整条被剪掉
	exists, err := reader.Exists(ctx, root2, "a/b/c/file.txt")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = reader.ResolveNode(ctx, root2, "a")
	assert.ErrorIs(t, err, ErrPathNotFound)

	exists, err = reader.Exists(ctx, root2, "keep.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBuilder_DeleteMissingPath(t *testing.T) {
	builder, _ := setupBuilder(t)
	ctx := context.Background()

	root, err := builder.Apply(ctx, "", map[types.RepoPath]*core.Entry{
		"exists.txt": mustEntry(t, "x"),
	}, nil)
	require.NoError(t, err)

	_, err = builder.Apply(ctx, root, nil, []types.RepoPath{"missing.txt"})
	assert.ErrorIs(t, err, ErrPathNotFound)
}

func TestBuilder_DeleteAllYieldsEmptyTree(t *testing.T) {
	builder, _ := setupBuilder(t)
	ctx := context.Background()

	root, err := builder.Apply(ctx, "", map[types.RepoPath]*core.Entry{
		"only.txt": mustEntry(t, "only"),
	}, nil)
	require.NoError(t, err)

	root2, err := builder.Apply(ctx, root, nil, []types.RepoPath{"only.txt"})
	require.NoError(t, err)

	empty, err := core.EmptyTree()
	require.NoError(t, err)
	assert.Equal(t, empty.ID(), root2)
}

func TestBuilder_PathKindConflicts(t *testing.T) {
	builder, _ := setupBuilder(t)
	ctx := context.Background()

	root, err := builder.Apply(ctx, "", map[types.RepoPath]*core.Entry{
		"data/file.txt": mustEntry(t, "f"),
	}, nil)
	require.NoError(t, err)

	// 往目录路径上写文件
	_, err = builder.Apply(ctx, root, map[types.RepoPath]*core.Entry{
		"data": mustEntry(t, "clobber"),
	}, nil)
	assert.ErrorIs(t, err, ErrPathIsDir)

	// 把既有文件当目录穿过去
	_, err = builder.Apply(ctx, root, map[types.RepoPath]*core.Entry{
		"data/file.txt/nested": mustEntry(t, "nested"),
	}, nil)
	assert.ErrorIs(t, err, ErrNotADirectory)

	// 删除目录路径
	_, err = builder.Apply(ctx, root, nil, []types.RepoPath{"data"})
	assert.ErrorIs(t, err, ErrPathIsDir)
}

func TestBuilder_ConflictingChangeSet(t *testing.T) {
	builder, _ := setupBuilder(t)
	ctx := context.Background()

	// 同一变更集内 "a" 既是文件又是目录
	_, err := builder.Apply(ctx, "", map[types.RepoPath]*core.Entry{
		"a":   mustEntry(t, "file"),
		"a/b": mustEntry(t, "child"),
	}, nil)
	assert.ErrorIs(t, err, ErrConflictingOps)
}

func TestReader_Walk(t *testing.T) {
	builder, reader := setupBuilder(t)
	ctx := context.Background()

	root, err := builder.Apply(ctx, "", map[types.RepoPath]*core.Entry{
		"b/two.txt": mustEntry(t, "2"),
		"a/one.txt": mustEntry(t, "1"),
		"zzz.txt":   mustEntry(t, "3"),
	}, nil)
	require.NoError(t, err)

	var visited []types.RepoPath
	err = reader.Walk(ctx, root, func(path types.RepoPath, node core.TreeNode) error {
		visited = append(visited, path)
		return nil
	})
	require.NoError(t, err)
	// 深度优先 + 名字序
	assert.Equal(t, []types.RepoPath{"a/one.txt", "b/two.txt", "zzz.txt"}, visited)
}

func TestReader_ListDir(t *testing.T) {
	builder, reader := setupBuilder(t)
	ctx := context.Background()

	root, err := builder.Apply(ctx, "", map[types.RepoPath]*core.Entry{
		"dir/x.txt": mustEntry(t, "x"),
		"dir/y.txt": mustEntry(t, "y"),
	}, nil)
	require.NoError(t, err)

	nodes, err := reader.ListDir(ctx, root, "dir")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "x.txt", nodes[0].Name)
	assert.Equal(t, "y.txt", nodes[1].Name)

	rootNodes, err := reader.ListDir(ctx, root, "")
	require.NoError(t, err)
	require.Len(t, rootNodes, 1)
	assert.Equal(t, "dir", rootNodes[0].Name)
}
