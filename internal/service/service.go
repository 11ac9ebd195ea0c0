package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"guardlink-ingest/internal/batch"
	"guardlink-ingest/internal/cluster"
	"guardlink-ingest/internal/config"
	"guardlink-ingest/internal/gateway"
	"guardlink-ingest/internal/geofence"
	"guardlink-ingest/internal/metrics"
	"guardlink-ingest/internal/models"
	"guardlink-ingest/internal/mqtt"
	"guardlink-ingest/internal/notifier"
	"guardlink-ingest/internal/repository"
	"guardlink-ingest/internal/worker"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// IngestService 采集报警服务（整合各层）
type IngestService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	// 各层组件
	metrics     *metrics.Metrics
	pool        *worker.Pool
	accumulator *batch.Accumulator
	geofence    *geofence.Engine
	clusterer   *cluster.Clusterer
	dispatcher  *notifier.Dispatcher
	gateway     *gateway.Gateway

	sweeperStop chan struct{}
}

// NewIngestService 创建采集报警服务
func NewIngestService(cfg *config.Config, logger *zap.Logger) (*IngestService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdle)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := mqtt.NewClient(&mqtt.Config{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect MQTT: %w", err)
	}

	// 4. 指标
	m := metrics.New(logger)

	// 5. Repository 层
	telemetryRepo := repository.NewTelemetryRepository(db, logger)
	gpsRepo := repository.NewGpsRepository(db, logger)
	sensorRepo := repository.NewSensorRepository(db, logger)
	alertRepo := repository.NewAlertRepository(db, logger)
	geofenceRepo := repository.NewGeofenceRepository(db, logger)

	// 6. 批量累积器
	accumulator := batch.NewAccumulator(
		batch.Config{
			BatchSize:     cfg.Batch.Size,
			FlushInterval: cfg.Batch.FlushInterval,
			StopTimeout:   cfg.Batch.StopTimeout,
		},
		telemetryRepo,
		gpsRepo,
		sensorRepo,
		m,
		logger,
	)

	// 7. 围栏引擎
	geofenceEngine := geofence.NewEngine(geofenceRepo, cfg.Geofence.CacheTTL, logger)

	// 8. 聚类器
	clusterer := cluster.NewClusterer(cluster.Config{
		JoinThreshold:     cfg.Cluster.JoinThreshold,
		SuppressThreshold: cfg.Cluster.SuppressThreshold,
		InactiveAfter:     cfg.Cluster.InactiveAfter,
	}, m, logger)

	// 9. 通知分发器
	smsProvider := notifier.NewSMSProvider(
		cfg.Notify.SMS.GatewayURL, cfg.Notify.SMS.APIKey, cfg.Notify.SMS.From, cfg.Notify.ProviderTimeout)
	emailProvider := notifier.NewEmailProvider(
		cfg.Notify.SMTP.Host, cfg.Notify.SMTP.Port, cfg.Notify.SMTP.Username,
		cfg.Notify.SMTP.Password, cfg.Notify.SMTP.From, cfg.Notify.ProviderTimeout)
	pushProvider := notifier.NewPushProvider(
		cfg.Notify.Push.GatewayURL, cfg.Notify.Push.APIKey, cfg.Notify.ProviderTimeout)
	limiter := notifier.NewSMSRateLimiter(redisClient, cfg.Notify.SMS.RatePerMin)

	dispatcher := notifier.NewDispatcher(
		smsProvider, emailProvider, pushProvider, limiter,
		cfg.Notify.ProviderTimeout, m, logger)

	noc := notifier.NewNOCBroadcaster(redisClient, cfg.Notify.NOCStream, logger)

	// 10. 工作池
	pool := worker.NewPool(worker.Config{
		Workers:      cfg.Ingest.WorkerCount,
		QueueSize:    cfg.Ingest.QueueSize,
		RetryMax:     cfg.Ingest.RetryMax,
		RetryBackoff: cfg.Ingest.RetryBackoff,
	}, m, logger)

	// 11. 消息处理器与总线入口
	handler := NewIngestHandler(
		accumulator,
		geofenceEngine,
		clusterer,
		dispatcher,
		noc,
		alertRepo,
		notifier.Recipients{
			SMS:   cfg.Notify.Recipients.SMS,
			Email: cfg.Notify.Recipients.Email,
			Push:  cfg.Notify.Recipients.Push,
		},
		models.ParseSeverity(cfg.Geofence.ViolationSeverity),
		cfg.Telemetry.LowBatteryThreshold,
		m,
		logger,
	)

	gw := gateway.NewGateway(
		mqttClient, pool, handler,
		cfg.Ingest.MaxPayloadBytes, cfg.MQTT.ClientID,
		m, logger,
	)

	return &IngestService{
		config:      cfg,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		logger:      logger,
		metrics:     m,
		pool:        pool,
		accumulator: accumulator,
		geofence:    geofenceEngine,
		clusterer:   clusterer,
		dispatcher:  dispatcher,
		gateway:     gw,
		sweeperStop: make(chan struct{}),
	}, nil
}

// Start 启动服务
func (s *IngestService) Start(ctx context.Context) error {
	s.logger.Info("Starting ingest service",
		zap.String("broker", s.config.MQTT.Broker),
		zap.Int("workers", s.config.Ingest.WorkerCount),
		zap.Int("batch_size", s.config.Batch.Size),
	)

	// /metrics 监听
	go func() {
		if err := s.metrics.Serve(s.config.Metrics.ListenAddr); err != nil {
			s.logger.Error("Metrics listener failed", zap.Error(err))
		}
	}()

	// 聚类失活扫描
	s.clusterer.StartSweeper(s.sweeperStop, s.config.Cluster.SweepInterval)

	// 订阅总线（最后一步，组件就绪后才接收流量）
	if err := s.gateway.Subscribe(); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	return nil
}

// Stop 停止服务
// 顺序保证排空期间无新任务：退订 → 排空工作池 → 最终落库 → 断开连接
func (s *IngestService) Stop() error {
	s.logger.Info("Stopping ingest service")

	if err := s.gateway.Unsubscribe(); err != nil {
		s.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	s.pool.Stop(s.config.Ingest.DrainTimeout)

	s.accumulator.Stop()

	close(s.sweeperStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.metrics.Close(shutdownCtx); err != nil {
		s.logger.Error("Failed to close metrics listener", zap.Error(err))
	}

	s.mqttClient.Disconnect()

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}

	return nil
}
