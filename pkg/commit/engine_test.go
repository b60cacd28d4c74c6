package commit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lakevault/pkg/blob"
	"lakevault/pkg/meta"
	"lakevault/pkg/schema"
	"lakevault/pkg/storage/disk"
	"lakevault/pkg/treebuilder"
	"lakevault/pkg/types"
)

type testEnv struct {
	engine *Engine
	repo   *meta.Repository
	blobs  *blob.Service
	reader *treebuilder.Reader
	repoID types.RepoID
}

func setupEngine(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	db := meta.NewWithConn(conn)
	require.NoError(t, db.AutoMigrate(meta.AllModels()...))
	repo := meta.NewRepository(db)

	adapter, err := disk.NewAdapter(t.TempDir())
	require.NoError(t, err)

	blobs := blob.NewService(repo, adapter, time.Minute)
	builder := treebuilder.NewBuilder(adapter)
	reader := treebuilder.NewReader(adapter)
	validator := schema.NewValidator(schema.DefaultRegistry())

	model, err := repo.CreateRepo(context.Background(), "test-repo", "tester")
	require.NoError(t, err)

	return &testEnv{
		engine: NewEngine(repo, blobs, builder, reader, validator),
		repo:   repo,
		blobs:  blobs,
		reader: reader,
		repoID: types.RepoID(model.ID),
	}
}

// uploadBytes 走完整握手把字节注册进 Blob 层
func (env *testEnv) uploadBytes(t *testing.T, content string) types.Digest {
	t.Helper()
	ctx := context.Background()

	handle, err := env.blobs.BeginUpload(ctx, env.repoID, int64(len(content)), "", "application/octet-stream")
	require.NoError(t, err)
	if handle.Existing {
		return handle.Digest
	}
	require.NoError(t, os.WriteFile(handle.LocalPath, []byte(content), 0644))
	d, err := env.blobs.CompleteUpload(ctx, handle.Token)
	require.NoError(t, err)
	return d
}

func putChange(path types.RepoPath, digest types.Digest) Change {
	return Change{
		Path:       path,
		Op:         types.OpPut,
		BlobDigest: digest,
		Meta:       []byte(`{"name":"` + string(path) + `"}`),
	}
}

func TestEngine_RootCommit(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	d := env.uploadBytes(t, "model weights v1")
	res, err := env.engine.Commit(ctx, &Request{
		RepoID:  env.repoID,
		Ref:     "main",
		Author:  "alice",
		Message: "initial import",
		Changes: []Change{putChange("models/weights.bin", d)},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Height)
	assert.False(t, res.Replayed)
	require.True(t, res.CommitID.IsValid())

	// Ref 推进到位
	ref, err := env.repo.GetRef(ctx, env.repoID, "main")
	require.NoError(t, err)
	assert.Equal(t, string(res.CommitID), ref.CommitHash)
	assert.EqualValues(t, 1, ref.Height)

	// 提交投影
	cm, err := env.repo.GetCommit(ctx, res.CommitID)
	require.NoError(t, err)
	assert.Equal(t, "alice", cm.Author)
	assert.Empty(t, cm.ParentHash)

	// 路径变更投影
	changes, err := env.repo.ListCommitChanges(ctx, res.CommitID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "models/weights.bin", changes[0].Path)
	assert.Equal(t, string(types.OpPut), changes[0].Op)
	assert.Equal(t, string(d), changes[0].BlobDigest)

	// 树上能解析回 Entry
	entry, err := env.reader.ResolveEntry(ctx, res.TreeID, "models/weights.bin")
	require.NoError(t, err)
	assert.Equal(t, d, entry.Content.Digest)
	assert.Equal(t, "alice", entry.CreatedBy)
}

func TestEngine_SequentialCommitsAndHistory(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	d1 := env.uploadBytes(t, "v1")
	res1, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "v1",
		Changes: []Change{putChange("data/file.txt", d1)},
	})
	require.NoError(t, err)

	d2 := env.uploadBytes(t, "v2")
	res2, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "bob", Message: "v2",
		Changes: []Change{putChange("data/file.txt", d2)},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res2.Height)

	// 提交链 head -> root
	chain, err := env.repo.CommitChain(ctx, res2.CommitID, 10)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, string(res2.CommitID), chain[0].Hash)
	assert.Equal(t, string(res1.CommitID), chain[1].Hash)
	assert.Equal(t, string(res1.CommitID), chain[0].ParentHash)

	// 路径历史按高度升序
	history, err := env.repo.PathHistory(ctx, env.repoID, "data/file.txt", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, string(d1), history[0].BlobDigest)
	assert.Equal(t, string(d2), history[1].BlobDigest)
}

func TestEngine_ValidationFailureIsAtomic(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	good := env.uploadBytes(t, "good content")
	bad1 := env.uploadBytes(t, "bad content 1")
	bad2 := env.uploadBytes(t, "bad content 2")

	_, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "mixed",
		Changes: []Change{
			putChange("ok.txt", good),
			{Path: "bad1.txt", Op: types.OpPut, BlobDigest: bad1, Meta: []byte(`{}`)},
			{Path: "bad2.txt", Op: types.OpPut, BlobDigest: bad2, Meta: []byte(`{"name":123}`)},
		},
	})
	require.Error(t, err)

	// 两个坏条目都要在同一份报告里
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Violations, types.RepoPath("bad1.txt"))
	assert.Contains(t, verr.Violations, types.RepoPath("bad2.txt"))
	assert.NotContains(t, verr.Violations, types.RepoPath("ok.txt"))

	// 零副作用：Ref 不存在，投影为空
	_, err = env.repo.GetRef(ctx, env.repoID, "main")
	assert.ErrorIs(t, err, meta.ErrRefNotFound)
}

func TestEngine_UnresolvedBlob(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	sum := sha256.Sum256([]byte("never uploaded"))
	ghost := types.Digest(hex.EncodeToString(sum[:]))

	_, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "ghost",
		Changes: []Change{putChange("ghost.bin", ghost)},
	})
	var uerr *UnresolvedBlobError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ghost, uerr.Missing["ghost.bin"])

	_, err = env.repo.GetRef(ctx, env.repoID, "main")
	assert.ErrorIs(t, err, meta.ErrRefNotFound)
}

func TestEngine_IdempotentReplay(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	d := env.uploadBytes(t, "stable content")
	ch := putChange("stable.txt", d)

	res1, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "first",
		Changes: []Change{ch},
	})
	require.NoError(t, err)

	// 相同变更重放：头提交的树不变，不产生新版本
	res2, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "retry",
		Changes: []Change{ch},
	})
	require.NoError(t, err)
	assert.True(t, res2.Replayed)
	assert.Equal(t, res1.CommitID, res2.CommitID)
	assert.Equal(t, res1.Height, res2.Height)

	// Ref 版本没有被重放推动
	ref, err := env.repo.GetRef(ctx, env.repoID, "main")
	require.NoError(t, err)
	assert.EqualValues(t, 1, ref.Version)
	assert.EqualValues(t, 1, ref.Height)
}

func TestEngine_RefConflict(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	d1 := env.uploadBytes(t, "base")
	_, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "base",
		Changes: []Change{putChange("base.txt", d1)},
	})
	require.NoError(t, err)

	// Hook 在 CAS 之前抢先推进 Ref，模拟并发提交者获胜
	sum := sha256.Sum256([]byte("interloper"))
	interloper := types.Digest(hex.EncodeToString(sum[:]))
	fired := false
	env.engine.AddHook(func(ctx context.Context, _ *Request, ref *meta.Ref) error {
		if !fired {
			fired = true
			return env.repo.AdvanceRef(ctx, env.repoID, "main", interloper, ref.Height+1, ref.Version)
		}
		return nil
	})

	d2 := env.uploadBytes(t, "loser")
	_, err = env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "bob", Message: "loses the race",
		Changes: []Change{putChange("loser.txt", d2)},
	})
	assert.ErrorIs(t, err, ErrRefConflict)

	// 胜者的状态完好
	ref, err := env.repo.GetRef(ctx, env.repoID, "main")
	require.NoError(t, err)
	assert.Equal(t, string(interloper), ref.CommitHash)
	assert.EqualValues(t, 2, ref.Height)
}

func TestEngine_StaleParentRejected(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	base := env.uploadBytes(t, "shared v0")
	res0, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "base",
		Changes: []Change{putChange("shared.txt", base)},
	})
	require.NoError(t, err)

	// 两个客户端都在 res0 上暂存了对 shared.txt 的修改，alice 先到
	dAlice := env.uploadBytes(t, "alice's edit")
	resA, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "alice wins",
		Parent:  res0.CommitID,
		Changes: []Change{putChange("shared.txt", dAlice)},
	})
	require.NoError(t, err)
	assert.False(t, resA.Replayed)

	// bob 声明的父已经过时：拒绝，不做自动变基
	dBob := env.uploadBytes(t, "bob's edit")
	_, err = env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "bob", Message: "bob is stale",
		Parent:  res0.CommitID,
		Changes: []Change{putChange("shared.txt", dBob)},
	})
	assert.ErrorIs(t, err, ErrRefConflict)

	// alice 的写入完好无损
	ref, err := env.repo.GetRef(ctx, env.repoID, "main")
	require.NoError(t, err)
	assert.Equal(t, string(resA.CommitID), ref.CommitHash)
	entry, err := env.reader.ResolveEntry(ctx, resA.TreeID, "shared.txt")
	require.NoError(t, err)
	assert.Equal(t, dAlice, entry.Content.Digest)

	// 声明的父根本不在链上：同样拒绝
	_, err = env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "bob", Message: "claims root",
		Parent:  types.Digest("0000000000000000000000000000000000000000000000000000000000000000"),
		Changes: []Change{putChange("shared.txt", dBob)},
	})
	assert.ErrorIs(t, err, ErrRefConflict)
}

func TestEngine_StatedParentRetry(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	base := env.uploadBytes(t, "retry base")
	res0, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "base",
		Changes: []Change{putChange("doc.txt", base)},
	})
	require.NoError(t, err)

	d := env.uploadBytes(t, "retried edit")
	req := &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "edit",
		Parent:  res0.CommitID,
		Changes: []Change{putChange("doc.txt", d)},
	}
	res1, err := env.engine.Commit(ctx, req)
	require.NoError(t, err)

	// 应答丢失后原样重发：头就是上次的结果，按重放回执返回
	res2, err := env.engine.Commit(ctx, req)
	require.NoError(t, err)
	assert.True(t, res2.Replayed)
	assert.Equal(t, res1.CommitID, res2.CommitID)
	assert.Equal(t, res1.Height, res2.Height)

	// 同样的过时父、不同的内容：不是重发，是冲突
	other := env.uploadBytes(t, "a different edit")
	_, err = env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "not a retry",
		Parent:  res0.CommitID,
		Changes: []Change{putChange("doc.txt", other)},
	})
	assert.ErrorIs(t, err, ErrRefConflict)
}

func TestEngine_ProtectedRef(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	d := env.uploadBytes(t, "release")
	res, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "release", Author: "alice", Message: "cut release",
		Changes: []Change{putChange("release.txt", d)},
	})
	require.NoError(t, err)
	require.NoError(t, env.repo.SetRefProtected(ctx, env.repoID, "release", true))

	d2 := env.uploadBytes(t, "hotfix")
	_, err = env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "release", Author: "bob", Message: "sneaky write",
		Changes: []Change{putChange("hotfix.txt", d2)},
	})
	assert.ErrorIs(t, err, ErrRefProtected)

	// Ref 保持原位
	ref, err := env.repo.GetRef(ctx, env.repoID, "release")
	require.NoError(t, err)
	assert.Equal(t, string(res.CommitID), ref.CommitHash)
}

func TestEngine_DeleteFlow(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	d := env.uploadBytes(t, "temporary")
	_, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "add",
		Changes: []Change{putChange("tmp/scratch.txt", d)},
	})
	require.NoError(t, err)

	res, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "remove",
		Changes: []Change{{Path: "tmp/scratch.txt", Op: types.OpDelete}},
	})
	require.NoError(t, err)

	exists, err := env.reader.Exists(ctx, res.TreeID, "tmp/scratch.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	changes, err := env.repo.ListCommitChanges(ctx, res.CommitID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, string(types.OpDelete), changes[0].Op)
	assert.Empty(t, changes[0].BlobDigest)

	// 删除不存在的路径被拒绝
	_, err = env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "double remove",
		Changes: []Change{{Path: "tmp/scratch.txt", Op: types.OpDelete}},
	})
	assert.ErrorIs(t, err, treebuilder.ErrPathNotFound)
}

func TestEngine_ListenerReceivesEvent(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	var events []Event
	env.engine.Subscribe(func(_ context.Context, ev Event) {
		events = append(events, ev)
	})

	d := env.uploadBytes(t, "observed")
	res, err := env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "watched",
		Changes: []Change{putChange("watched.txt", d)},
	})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, res.CommitID, events[0].CommitID)
	assert.Equal(t, "main", events[0].Ref)
	assert.EqualValues(t, 1, events[0].Height)
	require.Len(t, events[0].Changes, 1)
	assert.Equal(t, types.RepoPath("watched.txt"), events[0].Changes[0].Path)

	// 重放不广播
	_, err = env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "alice", Message: "replay",
		Changes: []Change{putChange("watched.txt", d)},
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEngine_RequestValidation(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	_, err := env.engine.Commit(ctx, &Request{RepoID: env.repoID, Ref: "main", Author: "a"})
	assert.ErrorIs(t, err, ErrEmptyChangeSet)

	d := env.uploadBytes(t, "dup")
	_, err = env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "a", Message: "dup paths",
		Changes: []Change{putChange("same.txt", d), putChange("/same.txt", d)},
	})
	assert.ErrorIs(t, err, ErrDuplicatePath)

	_, err = env.engine.Commit(ctx, &Request{
		RepoID: env.repoID, Ref: "main", Author: "a", Message: "escape",
		Changes: []Change{putChange("../escape.txt", d)},
	})
	assert.ErrorIs(t, err, types.ErrPathTraversal)
}
