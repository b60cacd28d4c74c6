package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"lakevault/pkg/meta"
	"lakevault/pkg/storage/disk"
	"lakevault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupService 构建磁盘后端 + sqlite 元数据的隔离环境
func setupService(t *testing.T) *Service {
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

	return NewService(meta.NewRepository(metaDB), store, 15*time.Minute)
}

func digestOf(data []byte) types.Digest {
	sum := sha256.Sum256(data)
	return types.Digest(hex.EncodeToString(sum[:]))
}

// uploadBytes 执行完整握手：Begin -> 直写暂存位置 -> Complete
func uploadBytes(t *testing.T, s *Service, data []byte, claimed types.Digest) (types.Digest, error) {
	t.Helper()
	handle, err := s.BeginUpload(context.Background(), "r1", int64(len(data)), claimed, "application/octet-stream")
	require.NoError(t, err)
	if handle.Existing {
		return handle.Digest, nil
	}
	require.NoError(t, os.WriteFile(handle.LocalPath, data, 0644))
	return s.CompleteUpload(context.Background(), handle.Token)
}

func TestService_UploadAndResolve(t *testing.T) {
	s := setupService(t)
	ctx := context.Background()
	data := []byte("col1,col2\n1,2\n")

	// 上传前不可解析
	_, err := s.Resolve(ctx, digestOf(data))
	assert.ErrorIs(t, err, ErrNotFound)

	d, err := uploadBytes(t, s, data, "")
	require.NoError(t, err)
	assert.Equal(t, digestOf(data), d)

	ref, err := s.Resolve(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), ref.Size)
	assert.Equal(t, "application/octet-stream", ref.MediaType)

	rc, err := s.Open(ctx, d)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, data, got)
}

func TestService_DedupIdempotence(t *testing.T) {
	s := setupService(t)
	data := []byte("identical bytes")

	d1, err := uploadBytes(t, s, data, "")
	require.NoError(t, err)

	// 第二次完整上传相同内容：相同摘要，且无报错
	d2, err := uploadBytes(t, s, data, "")
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	// 声明摘要的 BeginUpload 直接去重命中，不需要再传字节
	handle, err := s.BeginUpload(context.Background(), "r1", int64(len(data)), d1, "")
	require.NoError(t, err)
	assert.True(t, handle.Existing)
	assert.Equal(t, d1, handle.Digest)
}

func TestService_DigestMismatch(t *testing.T) {
	s := setupService(t)
	ctx := context.Background()

	claimed := digestOf([]byte("what the caller promised"))
	actual := []byte("what actually got uploaded")

	handle, err := s.BeginUpload(ctx, "r1", int64(len(actual)), claimed, "")
	require.NoError(t, err)
	require.False(t, handle.Existing)
	require.NoError(t, os.WriteFile(handle.LocalPath, actual, 0644))

	_, err = s.CompleteUpload(ctx, handle.Token)
	assert.ErrorIs(t, err, ErrDigestMismatch)

	// 对象不得被链接：声明摘要与实际摘要都不可解析
	_, err = s.Resolve(ctx, claimed)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Resolve(ctx, digestOf(actual))
	assert.ErrorIs(t, err, ErrNotFound)

	// 句柄已一次性消费
	_, err = s.CompleteUpload(ctx, handle.Token)
	assert.Error(t, err)
}

func TestService_SizeMismatch(t *testing.T) {
	s := setupService(t)
	ctx := context.Background()

	handle, err := s.BeginUpload(ctx, "r1", 999, "", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(handle.LocalPath, []byte("short"), 0644))

	_, err = s.CompleteUpload(ctx, handle.Token)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestService_ExpiredHandle(t *testing.T) {
	s := setupService(t)
	s.ttl = -1 * time.Second // 立即过期

	ctx := context.Background()
	handle, err := s.BeginUpload(ctx, "r1", 0, "", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(handle.LocalPath, []byte("late"), 0644))

	_, err = s.CompleteUpload(ctx, handle.Token)
	assert.ErrorIs(t, err, ErrHandleExpired)
}

func TestService_CompleteWithoutBytes(t *testing.T) {
	s := setupService(t)
	ctx := context.Background()

	handle, err := s.BeginUpload(ctx, "r1", 0, "", "")
	require.NoError(t, err)

	_, err = s.CompleteUpload(ctx, handle.Token)
	assert.Error(t, err)
}
