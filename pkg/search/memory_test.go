package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(id string, version int64) Document {
	return Document{
		ID:      id,
		RepoID:  "repo-1",
		Path:    "models/a.bin",
		Meta:    []byte(`{"name":"resnet"}`),
		Version: version,
	}
}

func TestMemoryIndex_VersionOrdering(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, doc("d", 1)))
	require.NoError(t, idx.Upsert(ctx, doc("d", 3)))

	// 迟到的低版本被拒
	err := idx.Upsert(ctx, doc("d", 2))
	assert.ErrorIs(t, err, ErrVersionConflict)

	// 等版本重放同样被拒 (内容一致，无需重写)
	err = idx.Upsert(ctx, doc("d", 3))
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := idx.Get(ctx, "d")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Version)
}

func TestMemoryIndex_DeleteTombstone(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, doc("d", 1)))
	require.NoError(t, idx.Delete(ctx, "d", 2))

	_, err := idx.Get(ctx, "d")
	assert.ErrorIs(t, err, ErrDocNotFound)

	// 墓碑挡住迟到的低版本写入，文档不复活
	err = idx.Upsert(ctx, doc("d", 1))
	assert.ErrorIs(t, err, ErrVersionConflict)

	// 低版本的删除同样多余
	err = idx.Delete(ctx, "d", 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// 更高版本的重建是合法的
	require.NoError(t, idx.Upsert(ctx, doc("d", 3)))
	got, err := idx.Get(ctx, "d")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Version)
}

func TestMemoryIndex_Search(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, Document{
		ID: "r1:models/resnet.bin", RepoID: "r1", Path: "models/resnet.bin",
		Meta: []byte(`{"name":"resnet","tags":["vision"]}`), Version: 1,
	}))
	require.NoError(t, idx.Upsert(ctx, Document{
		ID: "r1:data/train.csv", RepoID: "r1", Path: "data/train.csv",
		Meta: []byte(`{"name":"training set"}`), Version: 1,
	}))
	require.NoError(t, idx.Upsert(ctx, Document{
		ID: "r2:models/bert.bin", RepoID: "r2", Path: "models/bert.bin",
		Meta: []byte(`{"name":"bert"}`), Version: 1,
	}))

	// 仓库过滤
	out, err := idx.Search(ctx, Query{RepoID: "r1"})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	// 路径子串
	out, err = idx.Search(ctx, Query{Text: "models"})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	// 元数据子串
	out, err = idx.Search(ctx, Query{Text: "vision"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "r1:models/resnet.bin", out[0].ID)

	out, err = idx.Search(ctx, Query{Text: "no-such-thing"})
	require.NoError(t, err)
	assert.Empty(t, out)
}
