package core

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"lakevault/pkg/types"

	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 辅助工具
// -----------------------------------------------------------------------------

// mockDigest 生成一个合法的 32 字节 Hex 字符串 (64 字符)
func mockDigest(input string) types.Digest {
	sum := sha256.Sum256([]byte(input))
	return types.Digest(hex.EncodeToString(sum[:]))
}

// mustNewEntry 创建 Entry，失败直接终止测试
func mustNewEntry(t *testing.T, content types.Digest, size int64, meta string) *Entry {
	t.Helper()
	e, err := NewEntry(content, size, "application/octet-stream", []byte(meta), "alice@example.org")
	require.NoError(t, err)
	return e
}

// mustNewTree 创建 Tree，失败直接终止测试
func mustNewTree(t *testing.T, nodes []TreeNode) *Tree {
	t.Helper()
	tree, err := NewTree(nodes)
	require.NoError(t, err)
	return tree
}

func fileNode(name string, entry *Entry, blob types.Digest, size int64) TreeNode {
	return TreeNode{
		Name: name,
		Kind: NodeFile,
		Ref:  NewLink(entry.ID()),
		Size: size,
		Blob: blob,
	}
}
