package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"guardlink-ingest/internal/config"
	"guardlink-ingest/internal/logger"
	"guardlink-ingest/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "guardlink-ingest")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建服务
	ingestService, err := service.NewIngestService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create ingest service",
			zap.Error(err),
		)
	}

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 启动服务
	serviceErrChan := make(chan error, 1)
	go func() {
		if err := ingestService.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
	case err := <-serviceErrChan:
		log.Error("Service error, shutting down",
			zap.Error(err),
		)
	}

	if err := ingestService.Stop(); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
	}

	log.Info("Ingest service stopped")
}
