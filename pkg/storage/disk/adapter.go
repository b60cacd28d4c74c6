package disk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"lakevault/pkg/core"
	"lakevault/pkg/storage"
	"lakevault/pkg/types"
)

// Adapter 实现了 storage.Backend 接口 (本地磁盘模式)
// 目录布局:
//
//	root/objects/aa/bbcc...   DAG 对象
//	root/blobs/aa/bbcc...     已晋升的 Blob
//	root/staging/<token>      进行中的上传
type Adapter struct {
	rootPath string
}

func NewAdapter(root string) (*Adapter, error) {
	for _, sub := range []string{"objects", "blobs", "staging"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir: %w", err)
		}
	}
	return &Adapter{rootPath: root}, nil
}

func (s *Adapter) objectPath(d types.Digest) string {
	return filepath.Join(s.rootPath, "objects", filepath.FromSlash(storage.ShardKey(d)))
}

func (s *Adapter) blobPath(d types.Digest) string {
	return filepath.Join(s.rootPath, "blobs", filepath.FromSlash(storage.ShardKey(d)))
}

func (s *Adapter) stagePath(token string) string {
	return filepath.Join(s.rootPath, "staging", token)
}

// writeAtomic 先写临时文件再 Rename
// 保证目标路径要么不存在，要么是完整文件。
func writeAtomic(target string, r io.Reader) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// -----------------------------------------------------------------------------
// storage.Store
// -----------------------------------------------------------------------------

func (s *Adapter) PutObject(ctx context.Context, obj core.Object) error {
	target := s.objectPath(obj.ID())

	// 幂等：内容寻址下相同 ID 就是相同内容
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	if err := writeAtomic(target, bytes.NewReader(obj.Bytes())); err != nil {
		return fmt.Errorf("disk put failed: %w", err)
	}
	return nil
}

func (s *Adapter) GetObject(ctx context.Context, d types.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.objectPath(d))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Adapter) HasObject(ctx context.Context, d types.Digest) (bool, error) {
	return exists(s.objectPath(d))
}

// -----------------------------------------------------------------------------
// storage.BlobStore
// -----------------------------------------------------------------------------

func (s *Adapter) StageBegin(ctx context.Context, token string, expiry time.Duration) (*storage.StageTarget, error) {
	return &storage.StageTarget{
		LocalPath: s.stagePath(token),
		ExpiresAt: time.Now().Add(expiry),
	}, nil
}

func (s *Adapter) StageOpen(ctx context.Context, token string) (io.ReadCloser, error) {
	f, err := os.Open(s.stagePath(token))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	return f, err
}

func (s *Adapter) StageDiscard(ctx context.Context, token string) error {
	err := os.Remove(s.stagePath(token))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *Adapter) Promote(ctx context.Context, token string, d types.Digest) error {
	target := s.blobPath(d)

	// 目标已存在：去重命中，丢弃暂存即可
	if ok, err := exists(target); err != nil {
		return err
	} else if ok {
		return s.StageDiscard(ctx, token)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if err := os.Rename(s.stagePath(token), target); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("disk promote failed: %w", err)
	}
	return nil
}

func (s *Adapter) HasBlob(ctx context.Context, d types.Digest) (bool, error) {
	return exists(s.blobPath(d))
}

func (s *Adapter) OpenBlob(ctx context.Context, d types.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(d))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	return f, err
}

// -----------------------------------------------------------------------------
// 小工具
// -----------------------------------------------------------------------------

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
