package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"lakevault/pkg/meta"
	"lakevault/pkg/storage"
	"lakevault/pkg/types"

	"github.com/google/uuid"
)

var (
	// ErrDigestMismatch: 上传内容的实际摘要与声明不符 (损坏或错误的上传)
	// 对象不会被链接进任何 Tree，调用方必须重新上传。
	ErrDigestMismatch = errors.New("uploaded content does not match claimed digest")

	// ErrHandleExpired: 上传句柄超出有效窗口
	ErrHandleExpired = errors.New("upload handle expired")

	// ErrNotFound: Resolve 未命中
	ErrNotFound = errors.New("blob not found")

	// ErrSizeMismatch: 实际字节数与握手声明不符
	ErrSizeMismatch = errors.New("uploaded size does not match declared size")
)

// UploadHandle 是 BeginUpload 返回的一次性写入凭证
type UploadHandle struct {
	Token string

	// URL: S3 模式下的预签名直传地址
	URL string
	// LocalPath: 磁盘/嵌入式模式下的暂存文件路径
	LocalPath string

	ExpiresAt time.Time

	// Existing 为 true 表示声明的摘要已可解析：
	// 内容去重命中，调用方无需再传任何字节。
	Existing bool
	Digest   types.Digest
}

// BlobRef 是 Resolve 的结果：摘要到持久位置的映射
type BlobRef struct {
	Digest     types.Digest
	Size       int64
	MediaType  string
	StorageKey string
}

// Service 实现内容寻址 Blob 层
// 引擎从不代理大负载：字节由调用方直写暂存位置 (预签名 URL / 本地路径)，
// Service 只负责握手、摘要校验、去重与晋升。
type Service struct {
	repo  *meta.Repository
	store storage.Backend
	ttl   time.Duration
	log   *slog.Logger
}

func NewService(repo *meta.Repository, store storage.Backend, handleTTL time.Duration) *Service {
	if handleTTL <= 0 {
		handleTTL = 15 * time.Minute
	}
	return &Service{
		repo:  repo,
		store: store,
		ttl:   handleTTL,
		log:   slog.With("component", "blob"),
	}
}

// BeginUpload 发起上传握手
// claimed 可选；提供且已可解析时直接返回去重命中，免去整个上传。
func (s *Service) BeginUpload(ctx context.Context, repoID types.RepoID, size int64, claimed types.Digest, mediaType string) (*UploadHandle, error) {
	if !claimed.IsZero() {
		if !claimed.IsValid() {
			return nil, fmt.Errorf("invalid claimed digest: %q", claimed)
		}
		if ref, err := s.Resolve(ctx, claimed); err == nil {
			s.log.Debug("upload dedup hit", "digest", claimed)
			return &UploadHandle{Existing: true, Digest: ref.Digest}, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	token := uuid.NewString()
	target, err := s.store.StageBegin(ctx, token, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to stage upload: %w", err)
	}

	up := &meta.UploadModel{
		Token:         token,
		RepoID:        string(repoID),
		ClaimedDigest: string(claimed),
		Size:          size,
		MediaType:     mediaType,
		State:         meta.UploadPending,
		ExpiresAt:     target.ExpiresAt,
		CreatedAt:     time.Now(),
	}
	if err := s.repo.CreateUpload(ctx, up); err != nil {
		return nil, fmt.Errorf("failed to persist upload handle: %w", err)
	}

	return &UploadHandle{
		Token:     token,
		URL:       target.URL,
		LocalPath: target.LocalPath,
		ExpiresAt: target.ExpiresAt,
		Digest:    claimed,
	}, nil
}

// CompleteUpload 在调用方写完字节后收尾：
// 读回暂存对象 -> 流式计算摘要 -> 校验声明 -> 晋升 -> 持久注册。
// 注册先于可见性：RegisterBlob 成功之前 Resolve 看不到该 Blob。
func (s *Service) CompleteUpload(ctx context.Context, token string) (types.Digest, error) {
	up, err := s.repo.GetUpload(ctx, token)
	if err != nil {
		return "", err
	}
	if up.State != meta.UploadPending {
		return "", fmt.Errorf("upload handle already %s", up.State)
	}
	if time.Now().After(up.ExpiresAt) {
		// 过期句柄：丢弃暂存，拒绝收尾
		_ = s.store.StageDiscard(ctx, token)
		_ = s.repo.SetUploadState(ctx, token, meta.UploadPending, meta.UploadDiscarded)
		return "", ErrHandleExpired
	}

	rc, err := s.store.StageOpen(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("no staged content for token %s (was the upload performed?)", token)
		}
		return "", err
	}
	defer rc.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, rc)
	if err != nil {
		return "", fmt.Errorf("failed to read staged content: %w", err)
	}
	actual := types.Digest(hex.EncodeToString(hasher.Sum(nil)))

	if up.Size > 0 && n != up.Size {
		s.discard(ctx, token)
		return "", fmt.Errorf("%w: declared %d, got %d", ErrSizeMismatch, up.Size, n)
	}
	if up.ClaimedDigest != "" && up.ClaimedDigest != string(actual) {
		s.discard(ctx, token)
		return "", fmt.Errorf("%w: claimed %s, got %s", ErrDigestMismatch, up.ClaimedDigest, actual)
	}

	// 去重：相同内容的并发/重复上传都是安全的 no-op
	if _, err := s.repo.GetBlobRecord(ctx, actual); err == nil {
		_ = s.store.StageDiscard(ctx, token)
		_ = s.repo.SetUploadState(ctx, token, meta.UploadPending, meta.UploadCompleted)
		s.log.Debug("complete-upload dedup hit", "digest", actual)
		return actual, nil
	} else if !errors.Is(err, meta.ErrBlobNotFound) {
		return "", err
	}

	if err := s.store.Promote(ctx, token, actual); err != nil {
		return "", fmt.Errorf("failed to promote blob: %w", err)
	}

	// 先落持久映射，Resolve 才会看到
	if err := s.repo.RegisterBlob(ctx, actual, n, up.MediaType, "blobs/"+storage.ShardKey(actual)); err != nil {
		return "", err
	}
	if err := s.repo.SetUploadState(ctx, token, meta.UploadPending, meta.UploadCompleted); err != nil {
		// token 竞争消费：Blob 已注册，结果仍然正确
		s.log.Warn("upload state transition lost a race", "token", token, "err", err)
	}

	s.log.Info("blob uploaded", "digest", actual, "size", n)
	return actual, nil
}

// Resolve 按摘要查找 Blob
// 事实源是关系型注册表：只有注册过的 Blob 才算存在。
func (s *Service) Resolve(ctx context.Context, d types.Digest) (*BlobRef, error) {
	rec, err := s.repo.GetBlobRecord(ctx, d)
	if errors.Is(err, meta.ErrBlobNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	if err != nil {
		return nil, err
	}
	return &BlobRef{
		Digest:     types.Digest(rec.Digest),
		Size:       rec.Size,
		MediaType:  rec.MediaType,
		StorageKey: rec.StorageKey,
	}, nil
}

// Open 读取已注册 Blob 的内容
func (s *Service) Open(ctx context.Context, d types.Digest) (io.ReadCloser, error) {
	if _, err := s.Resolve(ctx, d); err != nil {
		return nil, err
	}
	return s.store.OpenBlob(ctx, d)
}

// discard 清理失败上传的暂存对象与句柄
func (s *Service) discard(ctx context.Context, token string) {
	if err := s.store.StageDiscard(ctx, token); err != nil {
		s.log.Warn("failed to discard staged upload", "token", token, "err", err)
	}
	_ = s.repo.SetUploadState(ctx, token, meta.UploadPending, meta.UploadDiscarded)
}
