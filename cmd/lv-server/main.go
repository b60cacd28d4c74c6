package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"lakevault/pkg/app"
	"lakevault/pkg/config"
	"lakevault/pkg/search"
	"lakevault/pkg/server"
)

func main() {
	// 1. Load Config
	cfgFile := flag.String("config", "", "config file (default is $HOME/.lakevault/config.yaml)")
	flag.Parse()

	if err := config.Load(*cfgFile); err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}

	// 2. Init Core Application
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.NewApp(ctx)
	if err != nil {
		log.Fatalf("❌ Failed to initialize app: %v", err)
	}
	fmt.Println("✅ LakeVault Core initialized.")

	// 3. Worker 池与任务状态 Hub
	pool := application.NewWorkerPool()
	go func() {
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("worker pool stopped: %v", err)
		}
	}()

	hub := server.NewHub(application.Queue)
	go hub.Run(ctx, time.Second)

	// Solr 软提交之外的周期性硬提交
	if solr, ok := application.Index.(*search.SolrIndex); ok {
		interval := time.Duration(viper.GetInt("search.solr.hard_commit_sec")) * time.Second
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := solr.HardCommit(ctx); err != nil {
						log.Printf("solr hard commit failed: %v", err)
					}
				}
			}
		}()
	}

	// 4. HTTP API
	srv := &server.Server{
		Repo:   application.Repo,
		Engine: application.Engine,
		Blobs:  application.Blobs,
		Queue:  application.Queue,
		Index:  application.Index,
		Reader: application.Reader,
		Export: application.Export,
		Store:  application.Store,
		Hub:    hub,
	}
	httpAddr := viper.GetString("server.http_addr")
	httpSrv := &http.Server{Addr: httpAddr, Handler: srv.Router()}
	go func() {
		fmt.Printf("🚀 HTTP API listening on %s...\n", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ HTTP serve failed: %v", err)
		}
	}()

	// 5. gRPC 运维面 (健康检查 + 反射)
	grpcAddr := viper.GetString("server.grpc_addr")
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("❌ Failed to listen on %s: %v", grpcAddr, err)
	}
	grpcServer, healthSrv := server.NewOpsServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	go func() {
		fmt.Printf("🚀 gRPC ops listening on %s...\n", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("❌ gRPC serve failed: %v", err)
		}
	}()

	// 6. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("\n⚠️  Shutting down server...")
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	grpcServer.GracefulStop()
	fmt.Println("👋 Server stopped.")
}
