package meta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"lakevault/pkg/core"
	"lakevault/pkg/types"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// -----------------------------------------------------------------------------
// 通用辅助函数 (Helpers)
// -----------------------------------------------------------------------------

// setupTestRepo 构建隔离的测试环境 (sqlite in-memory)
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	metaDB := NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(AllModels()...))

	return NewRepository(metaDB)
}

// mockDigest 生成合法的测试用摘要
func mockDigest(input string) types.Digest {
	sum := sha256.Sum256([]byte(input))
	return types.Digest(hex.EncodeToString(sum[:]))
}

// mustCreateRepo 创建仓库，失败直接终止
func mustCreateRepo(t *testing.T, r *Repository, name string) *RepoModel {
	t.Helper()
	repo, err := r.CreateRepo(context.Background(), name, "tester@example.org")
	require.NoError(t, err)
	return repo
}

// mustNewCommit 创建 Commit 对象，失败直接终止
func mustNewCommit(t *testing.T, tree, parent types.Digest, author, msg string) *core.Commit {
	t.Helper()
	c, err := core.NewCommit(tree, parent, author, msg)
	require.NoError(t, err)
	return c
}

// mustIndexCommit 强制索引 Commit，失败则终止
func mustIndexCommit(t *testing.T, r *Repository, repoID string, c *core.Commit, height int64) {
	t.Helper()
	require.NoError(t, r.IndexCommit(context.Background(), types.RepoID(repoID), c, height))
}

// mustAdvanceRef 适用于 Happy Path (预期 CAS 成功)
func mustAdvanceRef(t *testing.T, r *Repository, repoID, name string, newHash types.Digest, height, oldVersion int64) {
	t.Helper()
	err := r.AdvanceRef(context.Background(), types.RepoID(repoID), name, newHash, height, oldVersion)
	require.NoError(t, err)
}
