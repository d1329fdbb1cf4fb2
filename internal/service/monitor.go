package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"cardiocare/internal/analyzer"
	"cardiocare/internal/config"
	"cardiocare/internal/dispatcher"
	"cardiocare/internal/httpapi"
	"cardiocare/internal/mqtt"
	"cardiocare/internal/notifier"
	"cardiocare/internal/pipeline"
	"cardiocare/internal/repository"
)

// MonitorService 健康监护服务（整合各层）
type MonitorService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	readingsRepo *repository.ReadingsRepository
	analysesRepo *repository.AnalysesRepository
	alertsRepo   *repository.AlertsRepository
	contactsRepo *repository.ContactsRepository
	attemptsRepo *repository.AttemptsRepository

	analyzerClient *analyzer.Client
	registry       *notifier.Registry
	dispatcher     *dispatcher.Dispatcher
	ingestor       *pipeline.Ingestor
	orchestrator   *pipeline.Orchestrator
	consumer       *pipeline.Consumer
	mqttSource     *mqtt.Source
	httpServer     *Server
}

// NewMonitorService 创建健康监护服务
func NewMonitorService(cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	// 1. 连接数据库
	db, err := repository.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. Repository 层
	readingsRepo := repository.NewReadingsRepository(db, logger)
	analysesRepo := repository.NewAnalysesRepository(db, logger)
	alertsRepo := repository.NewAlertsRepository(db, logger)
	contactsRepo := repository.NewContactsRepository(db, logger)
	attemptsRepo := repository.NewAttemptsRepository(db, logger)

	// 4. 外部客户端：风险分析 + 通知通道
	analyzerClient := analyzer.NewClient(&cfg.Analyzer, logger)
	registry := notifier.NewRegistryFromConfig(&cfg.Twilio, logger)
	if registry.Channels() == 0 {
		logger.Warn("no notification channels configured, dispatches will be skipped")
	}

	// 5. 分发器与管道
	disp := dispatcher.NewDispatcher(
		redisClient,
		registry,
		attemptsRepo,
		alertsRepo,
		cfg.Pipeline.DispatchLockTTL,
		cfg.Twilio.AttemptTimeout,
		logger,
	)

	ingestor := pipeline.NewIngestor(
		readingsRepo,
		redisClient,
		cfg.Pipeline.ReadingsStream,
		cfg.Pipeline.DispatchStream,
		logger,
	)

	orch := pipeline.NewOrchestrator(
		readingsRepo,
		analysesRepo,
		alertsRepo,
		contactsRepo,
		analyzerClient,
		disp,
		logger,
	)

	consumer := pipeline.NewConsumer(&cfg.Pipeline, redisClient, orch, logger)

	// 6. HTTP 层
	handler := httpapi.NewHealthHandler(
		ingestor,
		orch,
		alertsRepo,
		analysesRepo,
		contactsRepo,
		attemptsRepo,
		logger,
	)
	router := httpapi.NewRouter(logger)
	router.RegisterHealthRoutes(handler)
	httpServer := NewServer(cfg.HTTP.Addr, router, logger)

	s := &MonitorService{
		config:         cfg,
		db:             db,
		redisClient:    redisClient,
		logger:         logger,
		readingsRepo:   readingsRepo,
		analysesRepo:   analysesRepo,
		alertsRepo:     alertsRepo,
		contactsRepo:   contactsRepo,
		attemptsRepo:   attemptsRepo,
		analyzerClient: analyzerClient,
		registry:       registry,
		dispatcher:     disp,
		ingestor:       ingestor,
		orchestrator:   orch,
		consumer:       consumer,
		httpServer:     httpServer,
	}

	// 7. 可选的 MQTT 摄入源
	if cfg.MQTT.Enabled {
		source, err := mqtt.NewSource(&cfg.MQTT, s.submitFromWearable, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create MQTT source: %w", err)
		}
		s.mqttSource = source
	}

	return s, nil
}

// Start 启动后台 worker、可选 MQTT 源和 HTTP 服务器（阻塞直到服务器退出）
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting cardiocare monitor service")

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline consumer: %w", err)
	}

	if s.mqttSource != nil {
		if err := s.mqttSource.Start(ctx); err != nil {
			return fmt.Errorf("failed to start MQTT source: %w", err)
		}
	}

	return s.httpServer.Start()
}

// Stop 停止服务
func (s *MonitorService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping cardiocare monitor service")

	if err := s.httpServer.Stop(ctx); err != nil {
		s.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}

	if s.mqttSource != nil {
		s.mqttSource.Stop()
	}

	// 等待在途 worker 退出（ctx 应已取消）
	s.consumer.Wait()

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}

	return nil
}

// submitFromWearable MQTT 源的提交适配
func (s *MonitorService) submitFromWearable(ctx context.Context, userID string, waveform []float64, heartRate int, recordedAt time.Time) error {
	_, err := s.ingestor.Submit(ctx, userID, waveform, heartRate, recordedAt)
	return err
}
