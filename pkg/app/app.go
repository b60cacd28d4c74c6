package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lakevault/pkg/blob"
	"lakevault/pkg/commit"
	"lakevault/pkg/dispatch"
	"lakevault/pkg/exporter"
	"lakevault/pkg/jobs"
	"lakevault/pkg/meta"
	"lakevault/pkg/schema"
	"lakevault/pkg/search"
	"lakevault/pkg/storage"
	"lakevault/pkg/storage/cache"
	"lakevault/pkg/storage/disk"
	"lakevault/pkg/storage/s3"
	"lakevault/pkg/treebuilder"
)

// App 是整个引擎的依赖容器
// 它持有所有单例服务，组装顺序即依赖顺序。
type App struct {
	DB    *meta.DB
	Repo  *meta.Repository
	Store storage.Backend

	Schemas *schema.Registry
	Blobs   *blob.Service
	Builder *treebuilder.Builder
	Reader  *treebuilder.Reader
	Engine  *commit.Engine
	Export  *exporter.Exporter

	Queue      *jobs.Queue
	Dispatcher *dispatch.Dispatcher
	Index      search.Index
	Syncer     *search.Syncer
}

// NewApp 按 Viper 配置组装全部服务
func NewApp(ctx context.Context) (*App, error) {
	// 1. 元数据库
	db, err := openDatabase(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init metadata db: %w", err)
	}
	if err := db.AutoMigrate(append(meta.AllModels(), jobs.Models()...)...); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	repo := meta.NewRepository(db)

	// 2. 对象/Blob 存储 (可选 Redis 存在性缓存)
	store, err := openStorage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}

	// 3. Schema 注册表
	registry := schema.DefaultRegistry()
	if dir := viper.GetString("schema.dir"); dir != "" {
		if err := registry.LoadDir(dir); err != nil {
			return nil, fmt.Errorf("failed to load schemas from %s: %w", dir, err)
		}
	}

	// 4. 核心服务
	handleTTL := time.Duration(viper.GetInt("blob.handle_ttl")) * time.Second
	blobs := blob.NewService(repo, store, handleTTL)
	builder := treebuilder.NewBuilder(store)
	reader := treebuilder.NewReader(store)
	engine := commit.NewEngine(repo, blobs, builder, reader, schema.NewValidator(registry))

	// 5. 任务管线：提交事件 -> 队列 -> 搜索同步
	queue := jobs.NewQueue(db)
	dispatcher := dispatch.NewDispatcher(queue)
	engine.Subscribe(dispatcher.Listener())

	index, err := openSearchIndex()
	if err != nil {
		return nil, err
	}

	return &App{
		DB:         db,
		Repo:       repo,
		Store:      store,
		Schemas:    registry,
		Blobs:      blobs,
		Builder:    builder,
		Reader:     reader,
		Engine:     engine,
		Export:     exporter.NewExporter(reader, blobs),
		Queue:      queue,
		Dispatcher: dispatcher,
		Index:      index,
		Syncer:     search.NewSyncer(index),
	}, nil
}

// NewWorkerPool 构建已注册好处理函数的 Worker 池
func (a *App) NewWorkerPool() *jobs.Pool {
	pool := jobs.NewPool(a.Queue, jobs.PoolConfig{
		Concurrency: viper.GetInt("workers.concurrency"),
		Visibility:  time.Duration(viper.GetInt("workers.visibility_sec")) * time.Second,
	})
	pool.Register(dispatch.JobTypeIndex, a.Syncer.Handler())
	return pool
}

func openDatabase(ctx context.Context) (*meta.DB, error) {
	switch driver := viper.GetString("database.driver"); driver {
	case "postgres":
		return meta.NewDB(ctx, meta.Config{
			Host:     viper.GetString("database.host"),
			Port:     viper.GetInt("database.port"),
			User:     viper.GetString("database.user"),
			Password: viper.GetString("database.password"),
			DBName:   viper.GetString("database.name"),
			SSLMode:  viper.GetString("database.sslmode"),
		})
	case "sqlite":
		// 嵌入式模式：元数据落在存储目录旁
		path := viper.GetString("database.path")
		if path == "" {
			path = filepath.Join(filepath.Dir(viper.GetString("storage.path")), "meta.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		conn, err := gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err != nil {
			return nil, err
		}
		return meta.NewWithConn(conn), nil
	default:
		return nil, fmt.Errorf("unknown database driver: %q", driver)
	}
}

func openStorage(ctx context.Context) (storage.Backend, error) {
	var backend storage.Backend
	var err error

	switch kind := viper.GetString("storage.type"); kind {
	case "disk":
		backend, err = disk.NewAdapter(viper.GetString("storage.path"))
	case "s3":
		backend, err = s3.NewAdapter(ctx, s3.Config{
			Endpoint:        viper.GetString("storage.s3.endpoint"),
			Region:          viper.GetString("storage.s3.region"),
			Bucket:          viper.GetString("storage.s3.bucket"),
			AccessKeyID:     viper.GetString("storage.s3.access_key"),
			SecretAccessKey: viper.GetString("storage.s3.secret_key"),
		})
	default:
		return nil, fmt.Errorf("unknown storage type: %q", kind)
	}
	if err != nil {
		return nil, err
	}

	// Redis 存在性缓存是装饰器，配了 URL 才挂
	if redisURL := viper.GetString("redis.url"); redisURL != "" {
		cached, err := cache.NewCachedBackend(backend, cache.Config{
			RedisURL: redisURL,
			TTL:      24 * time.Hour,
		})
		if err != nil {
			return nil, err
		}
		backend = cached
	}
	return backend, nil
}

func openSearchIndex() (search.Index, error) {
	switch kind := viper.GetString("search.type"); kind {
	case "memory":
		return search.NewMemoryIndex(), nil
	case "solr":
		return search.NewSolrIndex(search.SolrConfig{
			BaseURL:      viper.GetString("search.solr.url"),
			Core:         viper.GetString("search.solr.core"),
			CommitWithin: viper.GetInt("search.solr.commit_within_ms"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown search backend: %q", kind)
	}
}
