package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Load 初始化 Viper 配置
// cfgFile 可选，显式指定时跳过搜索路径。
// 环境变量前缀 LV_ (LV_DATABASE_HOST 等) 覆盖文件配置。
func Load(cfgFile string) error {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		// 搜索顺序：当前目录 -> ./.lakevault -> ~/.lakevault
		viper.AddConfigPath(".")
		viper.AddConfigPath(".lakevault")
		viper.AddConfigPath(filepath.Join(home, ".lakevault"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("LV")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// 纯环境变量/默认值运行是合法的 (嵌入式模式)
			slog.Info("no config file found, using defaults and env vars")
		} else {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	} else {
		slog.Info("using config file", "path", viper.ConfigFileUsed())
	}

	return nil
}

func setDefaults() {
	// 元数据库：不配置 DSN 时回落到嵌入式 sqlite
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "lakevault")
	viper.SetDefault("database.sslmode", "disable")

	// 对象/Blob 存储
	wd, _ := os.Getwd()
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.path", filepath.Join(wd, ".lakevault", "store"))
	viper.SetDefault("storage.s3.region", "us-east-1")
	viper.SetDefault("storage.s3.bucket", "lakevault")

	// Redis 存在性缓存：url 为空即关闭
	viper.SetDefault("redis.url", "")

	// 上传握手有效期 (秒)
	viper.SetDefault("blob.handle_ttl", 900)

	// 搜索后端: memory / solr
	viper.SetDefault("search.type", "memory")
	viper.SetDefault("search.solr.url", "http://localhost:8983")
	viper.SetDefault("search.solr.core", "lakevault")
	viper.SetDefault("search.solr.commit_within_ms", 5000)
	viper.SetDefault("search.solr.hard_commit_sec", 60)

	// Schema 目录：为空时只用内置默认 Schema
	viper.SetDefault("schema.dir", "")

	// Worker 池
	viper.SetDefault("workers.concurrency", 4)
	viper.SetDefault("workers.visibility_sec", 120)

	// 服务端监听
	viper.SetDefault("server.grpc_addr", ":8080")
	viper.SetDefault("server.http_addr", ":8081")
}
