package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
	commonmw "judgeflow/internal/common/http/middleware"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/engine"
	judgeService "judgeflow/internal/judge/service"
	problemRepo "judgeflow/internal/problem/repository"
	"judgeflow/internal/submit/controller"
	submitRepo "judgeflow/internal/submit/repository"
	"judgeflow/internal/submit/service"
	"judgeflow/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/submit_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "submit service exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	var publisher submitRepo.VerdictEventPublisher
	if len(appCfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka)
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() {
			_ = producer.Close()
		}()
		publisher = submitRepo.NewMQVerdictEventPublisher(producer, appCfg.Submit.VerdictTopic)
	} else {
		logger.Warn(context.Background(), "kafka brokers not configured, verdict events disabled")
	}

	var objStorage storage.ObjectStorage
	if appCfg.MinIO.Endpoint != "" {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		objStorage = minioStorage
	}

	policy := engine.NewPolicy(appCfg.Engine.Languages, appCfg.Engine.MaxSourceBytes)
	engineClient, err := engine.NewClient(appCfg.Engine.Client, policy)
	if err != nil {
		return fmt.Errorf("init engine client failed: %w", err)
	}
	orchestrator, err := judgeService.NewOrchestrator(judgeService.OrchestratorConfig{
		Gateway:      engineClient,
		Poller:       engine.NewPoller(engineClient, appCfg.Engine.Poller),
		Policy:       policy,
		UnitDeadline: appCfg.Engine.UnitDeadline,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator failed: %w", err)
	}

	submissionRepo := submitRepo.NewSubmissionRepositoryWithOptions(mysqlDB, redisCache, submitRepo.Options{
		TTL:          appCfg.Submit.SubmissionCacheTTL,
		EmptyTTL:     appCfg.Submit.SubmissionEmptyTTL,
		HistoryLimit: appCfg.Submit.HistoryLimit,
	})
	problems := problemRepo.NewProblemRepositoryWithTTL(mysqlDB, redisCache, appCfg.Submit.ProblemCacheTTL, appCfg.Submit.ProblemEmptyTTL)

	submitService, err := service.NewSubmitService(service.Config{
		SubmissionRepo:  submissionRepo,
		ProblemRepo:     problems,
		Judge:           orchestrator,
		Policy:          policy,
		Storage:         objStorage,
		Publisher:       publisher,
		Cache:           redisCache,
		SourceBucket:    appCfg.Submit.SourceBucket,
		SourceKeyPrefix: appCfg.Submit.SourceKeyPrefix,
		IdempotencyTTL:  appCfg.Submit.IdempotencyTTL,
		RateLimit:       appCfg.Submit.RateLimit,
		Timeouts:        appCfg.Submit.Timeouts,
	})
	if err != nil {
		return fmt.Errorf("init submit service failed: %w", err)
	}

	verifier := commonmw.NewTokenVerifier(appCfg.Auth.JWTSecret, appCfg.Auth.JWTIssuer)
	httpServer := buildHTTPServer(appCfg.Server, submitService, verifier)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "submit http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server stopped: %w", err)
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	return nil
}

func buildHTTPServer(cfg ServerConfig, submitService *service.SubmitService, verifier *commonmw.TokenVerifier) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	controller.NewSubmitController(submitService).RegisterRoutes(router.Group("/api/v1"), verifier)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
