package exporter

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"lakevault/pkg/blob"
	"lakevault/pkg/core"
	"lakevault/pkg/meta"
	"lakevault/pkg/storage/disk"
	"lakevault/pkg/treebuilder"
	"lakevault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type exportEnv struct {
	exporter *Exporter
	builder  *treebuilder.Builder
	blobs    *blob.Service
}

func setupExporter(t *testing.T) *exportEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	metaDB := meta.NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(meta.AllModels()...))

	store, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)

	blobs := blob.NewService(meta.NewRepository(metaDB), store, 15*time.Minute)
	reader := treebuilder.NewReader(store)
	return &exportEnv{
		exporter: NewExporter(reader, blobs),
		builder:  treebuilder.NewBuilder(store),
		blobs:    blobs,
	}
}

// uploadBytes 走完整握手把内容放进 Blob 层
func uploadBytes(t *testing.T, blobs *blob.Service, data []byte) types.Digest {
	t.Helper()
	sum := sha256.Sum256(data)
	claimed := types.Digest(hex.EncodeToString(sum[:]))

	handle, err := blobs.BeginUpload(context.Background(), "r1", int64(len(data)), claimed, "text/plain")
	require.NoError(t, err)
	if handle.Existing {
		return handle.Digest
	}
	require.NoError(t, os.WriteFile(handle.LocalPath, data, 0644))
	d, err := blobs.CompleteUpload(context.Background(), handle.Token)
	require.NoError(t, err)
	return d
}

// buildSnapshot 上传全部内容并搭出一棵树，返回根摘要
func buildSnapshot(t *testing.T, env *exportEnv, files map[string][]byte) types.Digest {
	t.Helper()
	ctx := context.Background()

	puts := make(map[types.RepoPath]*core.Entry, len(files))
	for path, data := range files {
		d := uploadBytes(t, env.blobs, data)
		entry, err := core.NewEntry(d, int64(len(data)), "text/plain", []byte(`{"name":"x"}`), "tester")
		require.NoError(t, err)
		puts[types.RepoPath(path)] = entry
	}
	root, err := env.builder.Apply(ctx, "", puts, nil)
	require.NoError(t, err)
	return root
}

func TestExporter_ExportFile(t *testing.T) {
	env := setupExporter(t)
	content := []byte("epoch,loss\n1,0.52\n2,0.31\n")
	root := buildSnapshot(t, env, map[string][]byte{"metrics/train.csv": content})

	var buf bytes.Buffer
	require.NoError(t, env.exporter.ExportFile(context.Background(), root, "metrics/train.csv", &buf))
	assert.Equal(t, content, buf.Bytes())

	err := env.exporter.ExportFile(context.Background(), root, "metrics/missing.csv", &buf)
	assert.Error(t, err)
}

func TestExporter_ExportTar(t *testing.T) {
	env := setupExporter(t)
	files := map[string][]byte{
		"datasets/a.csv": []byte("1,2,3\n"),
		"models/m.bin":   {0x01, 0x02, 0x03},
		"readme.md":      []byte("# demo\n"),
	}
	root := buildSnapshot(t, env, files)

	var buf bytes.Buffer
	require.NoError(t, env.exporter.ExportTar(context.Background(), root, &buf))

	tr := tar.NewReader(&buf)
	var order []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		order = append(order, hdr.Name)

		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		assert.Equal(t, files[hdr.Name], data, "content mismatch for %s", hdr.Name)
		assert.Equal(t, int64(len(files[hdr.Name])), hdr.Size)
	}
	// Walk 按层级和名字输出，归档顺序确定
	assert.Equal(t, []string{"datasets/a.csv", "models/m.bin", "readme.md"}, order)
}

func TestExporter_TarIsReproducible(t *testing.T) {
	env := setupExporter(t)
	root := buildSnapshot(t, env, map[string][]byte{"a.txt": []byte("same bytes")})

	var first, second bytes.Buffer
	require.NoError(t, env.exporter.ExportTar(context.Background(), root, &first))
	require.NoError(t, env.exporter.ExportTar(context.Background(), root, &second))
	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestPrintStructure(t *testing.T) {
	entry, err := core.NewEntry(mockDigest("blob"), 42, "text/csv", []byte(`{"name":"train"}`), "alice")
	require.NoError(t, err)

	tree, err := core.NewTree([]core.TreeNode{
		{Name: "train.csv", Kind: core.NodeFile, Ref: core.NewLink(entry.ID()), Size: 42, Blob: mockDigest("blob")},
	})
	require.NoError(t, err)

	commit, err := core.NewCommit(tree.ID(), "", "alice", "initial import")
	require.NoError(t, err)

	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"commit", commit.Bytes(), "Author:  alice"},
		{"tree", tree.Bytes(), "train.csv"},
		{"entry", entry.Bytes(), "MediaType: text/csv"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		ok, err := PrintStructure(tc.data, &buf)
		require.NoError(t, err, tc.name)
		assert.True(t, ok, tc.name)
		assert.Contains(t, buf.String(), tc.want, tc.name)
	}

	// 原始字节不是 DAG 对象
	var buf bytes.Buffer
	ok, err := PrintStructure([]byte("just,raw,csv\n"), &buf)
	require.NoError(t, err)
	assert.False(t, ok)
}

func mockDigest(input string) types.Digest {
	sum := sha256.Sum256([]byte(input))
	return types.Digest(hex.EncodeToString(sum[:]))
}
