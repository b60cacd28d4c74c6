package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"lakevault/pkg/core"
	"lakevault/pkg/storage"
	"lakevault/pkg/types"

	"github.com/redis/go-redis/v9"
)

// CachedBackend 是一个装饰器：为底层 storage.Backend 添加 Redis 存在性缓存
// 只缓存 Existence (对象/Blob 是否存在)，不缓存内容；
// Blob 可能很大，Redis 内存宝贵，存在性缓存的性价比最高。
// 去重判定 (Resolve/HasBlob) 是提交热路径，这一层直接决定提交吞吐。
type CachedBackend struct {
	backend storage.Backend
	client  *redis.Client
	ttl     time.Duration
}

type Config struct {
	RedisURL string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 缓存过期时间 (例如 24h)
}

func NewCachedBackend(backend storage.Backend, cfg Config) (*CachedBackend, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CachedBackend{
		backend: backend,
		client:  client,
		ttl:     cfg.TTL,
	}, nil
}

func objKey(d types.Digest) string  { return "lv:obj:" + string(d) }
func blobKey(d types.Digest) string { return "lv:blob:" + string(d) }

// cachedHas 通用的 "查缓存 -> 穿透 -> 异步回填" 逻辑
func (s *CachedBackend) cachedHas(ctx context.Context, key string, probe func(context.Context) (bool, error)) (bool, error) {
	val, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		// 缓存故障降级：Redis 挂了就退化为无缓存模式，直接查底层存储
		slog.Warn("redis existence check failed, falling through", "err", err)
	} else if val > 0 {
		return true, nil
	}

	found, err := probe(ctx)
	if err != nil {
		return false, err
	}

	if found {
		// 异步回填，不阻塞主流程；用独立 context 保证上层取消后回填仍能完成
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.client.Set(fillCtx, key, "1", s.ttl)
		}()
	}
	return found, nil
}

// -----------------------------------------------------------------------------
// storage.Store
// -----------------------------------------------------------------------------

func (s *CachedBackend) PutObject(ctx context.Context, obj core.Object) error {
	exists, err := s.HasObject(ctx, obj.ID())
	if err != nil {
		return err
	}
	if exists {
		return nil // 幂等：已存在
	}

	if err := s.backend.PutObject(ctx, obj); err != nil {
		return err
	}

	// 只有底层写入成功才写缓存；Set 的错误不影响主流程
	s.client.Set(ctx, objKey(obj.ID()), "1", s.ttl)
	return nil
}

// GetObject 透传，不缓存内容
func (s *CachedBackend) GetObject(ctx context.Context, d types.Digest) (io.ReadCloser, error) {
	return s.backend.GetObject(ctx, d)
}

func (s *CachedBackend) HasObject(ctx context.Context, d types.Digest) (bool, error) {
	return s.cachedHas(ctx, objKey(d), func(ctx context.Context) (bool, error) {
		return s.backend.HasObject(ctx, d)
	})
}

// -----------------------------------------------------------------------------
// storage.BlobStore
// -----------------------------------------------------------------------------

// 暂存操作与缓存无关，全部透传

func (s *CachedBackend) StageBegin(ctx context.Context, token string, expiry time.Duration) (*storage.StageTarget, error) {
	return s.backend.StageBegin(ctx, token, expiry)
}

func (s *CachedBackend) StageOpen(ctx context.Context, token string) (io.ReadCloser, error) {
	return s.backend.StageOpen(ctx, token)
}

func (s *CachedBackend) StageDiscard(ctx context.Context, token string) error {
	return s.backend.StageDiscard(ctx, token)
}

func (s *CachedBackend) Promote(ctx context.Context, token string, d types.Digest) error {
	if err := s.backend.Promote(ctx, token, d); err != nil {
		return err
	}
	s.client.Set(ctx, blobKey(d), "1", s.ttl)
	return nil
}

func (s *CachedBackend) HasBlob(ctx context.Context, d types.Digest) (bool, error) {
	return s.cachedHas(ctx, blobKey(d), func(ctx context.Context) (bool, error) {
		return s.backend.HasBlob(ctx, d)
	})
}

func (s *CachedBackend) OpenBlob(ctx context.Context, d types.Digest) (io.ReadCloser, error) {
	return s.backend.OpenBlob(ctx, d)
}
