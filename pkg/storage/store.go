package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"lakevault/pkg/core"
	"lakevault/pkg/types"
)

var (
	ErrNotFound = errors.New("object not found")

	// ErrStageExpired 表示上传句柄已超出有效窗口
	ErrStageExpired = errors.New("staged upload expired")
)

// Store 定义 DAG 对象 (Entry/Tree/Commit) 的存储后端
// 实现可以是本地磁盘、S3 或带缓存的装饰器。
type Store interface {
	// PutObject 持久化一个已密封的对象 (幂等：同 ID 重复写入为 no-op)
	PutObject(ctx context.Context, obj core.Object) error

	// GetObject 根据摘要读取规范序列化字节
	// 返回 io.ReadCloser 以支持流式读取大对象
	GetObject(ctx context.Context, d types.Digest) (io.ReadCloser, error)

	// HasObject 检查对象是否存在 (去重逻辑依赖它)
	HasObject(ctx context.Context, d types.Digest) (bool, error)
}

// StageTarget 是一次预签名上传握手的写入位置
// S3 后端返回时间受限的直传 URL；磁盘后端返回本地暂存路径。
type StageTarget struct {
	// URL 非空时，客户端对它发起 HTTP PUT
	URL string

	// LocalPath 非空时 (嵌入式/磁盘模式)，客户端直接写该文件
	LocalPath string

	ExpiresAt time.Time
}

// BlobStore 定义原始内容 (Blob) 的暂存与晋升
// 引擎从不代理大负载：字节由调用方直写暂存位置，
// 引擎只负责校验摘要并把暂存对象晋升为内容寻址对象。
type BlobStore interface {
	// StageBegin 为 token 分配一个一次性写入位置
	StageBegin(ctx context.Context, token string, expiry time.Duration) (*StageTarget, error)

	// StageOpen 读取暂存字节 (用于摘要校验)
	StageOpen(ctx context.Context, token string) (io.ReadCloser, error)

	// StageDiscard 丢弃暂存对象 (校验失败或晋升完成后的清理)
	StageDiscard(ctx context.Context, token string) error

	// Promote 将暂存对象移动到其内容寻址位置
	// 幂等：目标已存在时直接清理暂存并成功返回。
	Promote(ctx context.Context, token string, d types.Digest) error

	// HasBlob 检查内容寻址位置上是否已有该摘要
	HasBlob(ctx context.Context, d types.Digest) (bool, error)

	// OpenBlob 读取已晋升的 Blob 内容
	OpenBlob(ctx context.Context, d types.Digest) (io.ReadCloser, error)
}

// Backend 是完整的存储后端：对象存储 + Blob 暂存
type Backend interface {
	Store
	BlobStore
}

// ShardKey 把摘要转换为分片后的相对键
// Logic: "aabbcc..." -> "aa/bbcc..."
func ShardKey(d types.Digest) string {
	s := string(d)
	if len(s) < 2 {
		return s
	}
	return s[:2] + "/" + s[2:]
}
