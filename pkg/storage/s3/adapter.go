package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"lakevault/pkg/core"
	"lakevault/pkg/storage"
	"lakevault/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Adapter 实现了 storage.Backend 接口 (S3 / MinIO)
type Adapter struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// Config 用于初始化 Adapter
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewAdapter 初始化 S3 客户端 (AWS SDK v2)
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO 必须使用 Path Style: http://host:9000/bucket/key
		o.UsePathStyle = true
	})

	// Bucket 不存在时尝试创建；失败不阻塞 (生产环境建议手动管理 Bucket)
	if _, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &cfg.Bucket}); err != nil {
		if _, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &cfg.Bucket}); err != nil {
			fmt.Printf("Warning: failed to ensure bucket exists: %v\n", err)
		}
	}

	return &Adapter{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

func objectKey(d types.Digest) string { return "objects/" + storage.ShardKey(d) }
func blobKey(d types.Digest) string   { return "blobs/" + storage.ShardKey(d) }
func stageKey(token string) string    { return "staging/" + token }

// -----------------------------------------------------------------------------
// storage.Store
// -----------------------------------------------------------------------------

func (s *Adapter) PutObject(ctx context.Context, obj core.Object) error {
	// 对于 S3，Head 比 Put 便宜且快；已存在直接跳过 (幂等)
	exists, err := s.head(ctx, objectKey(obj.ID()))
	if err != nil {
		return fmt.Errorf("s3 put existence check failed: %w", err)
	}
	if exists {
		return nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(obj.ID())),
		Body:        bytes.NewReader(obj.Bytes()),
		ContentType: aws.String("application/cbor"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

func (s *Adapter) GetObject(ctx context.Context, d types.Digest) (io.ReadCloser, error) {
	return s.get(ctx, objectKey(d))
}

func (s *Adapter) HasObject(ctx context.Context, d types.Digest) (bool, error) {
	return s.head(ctx, objectKey(d))
}

// -----------------------------------------------------------------------------
// storage.BlobStore
// -----------------------------------------------------------------------------

// StageBegin 生成时间受限的预签名 PUT URL
// 引擎从不代理字节：客户端拿到 URL 后直写对象存储。
func (s *Adapter) StageBegin(ctx context.Context, token string, expiry time.Duration) (*storage.StageTarget, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(stageKey(token)),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return nil, fmt.Errorf("s3 presign failed: %w", err)
	}

	return &storage.StageTarget{
		URL:       req.URL,
		ExpiresAt: time.Now().Add(expiry),
	}, nil
}

func (s *Adapter) StageOpen(ctx context.Context, token string) (io.ReadCloser, error) {
	return s.get(ctx, stageKey(token))
}

func (s *Adapter) StageDiscard(ctx context.Context, token string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(stageKey(token)),
	})
	return err
}

// Promote 服务端 Copy，避免字节回流经过引擎
func (s *Adapter) Promote(ctx context.Context, token string, d types.Digest) error {
	target := blobKey(d)

	// 去重命中：目标已存在只需清理暂存
	if exists, err := s.head(ctx, target); err != nil {
		return err
	} else if exists {
		return s.StageDiscard(ctx, token)
	}

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + stageKey(token)),
		Key:        aws.String(target),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("s3 promote failed: %w", err)
	}

	// 晋升成功后的暂存清理是尽力而为
	if err := s.StageDiscard(ctx, token); err != nil {
		fmt.Printf("Warning: failed to remove staged object %s: %v\n", token, err)
	}
	return nil
}

func (s *Adapter) HasBlob(ctx context.Context, d types.Digest) (bool, error) {
	return s.head(ctx, blobKey(d))
}

func (s *Adapter) OpenBlob(ctx context.Context, d types.Digest) (io.ReadCloser, error) {
	return s.get(ctx, blobKey(d))
}

// -----------------------------------------------------------------------------
// 底层请求
// -----------------------------------------------------------------------------

func (s *Adapter) get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// 将 AWS 的 NoSuchKey 映射为我们自己的 ErrNotFound
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	return resp.Body, nil
}

func (s *Adapter) head(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return false, nil
	}
	// 兼容性：某些 S3 实现返回 generic 404 error string
	if strings.Contains(err.Error(), "404") {
		return false, nil
	}
	return false, err
}
