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

	"codegrader/internal/attempt/catalog"
	"codegrader/internal/attempt/controller"
	"codegrader/internal/attempt/judge"
	"codegrader/internal/attempt/repository"
	"codegrader/internal/attempt/service"
	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	commonmw "codegrader/internal/common/http/middleware"
	"codegrader/internal/common/mq"
	"codegrader/internal/common/storage"
	"codegrader/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/attempt_service.yaml"
	defaultEnvPath    = ".env"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	envPath := flag.String("env", defaultEnvPath, "Path to .env file")
	flag.Parse()

	if err := loadEnvFile(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}
	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()
	ctx := context.Background()

	var cacheClient cache.Cache
	if appCfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			logger.Error(ctx, "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = redisCache.Close()
		}()
		cacheClient = redisCache
	} else {
		logger.Warn(ctx, "redis not configured; idempotency, rate limiting and early callback parking are disabled")
	}

	var objects storage.ObjectStorage
	if appCfg.MinIO.Endpoint != "" {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(ctx, "init minio failed", zap.Error(err))
			return
		}
		for _, bucket := range []string{appCfg.Attempt.SourceBucket, appCfg.Catalog.Bucket} {
			if err := minioStorage.EnsureBucket(ctx, bucket); err != nil {
				logger.Error(ctx, "ensure bucket failed", zap.String("bucket", bucket), zap.Error(err))
				return
			}
		}
		objects = minioStorage
	}

	var producer mq.Producer
	if len(appCfg.Kafka.Brokers) > 0 {
		kafkaProducer, err := mq.NewKafkaProducer(appCfg.Kafka)
		if err != nil {
			logger.Error(ctx, "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = kafkaProducer.Close()
		}()
		producer = kafkaProducer
	}

	var (
		store         repository.AttemptStore
		practices     catalog.PracticeCatalog
		participation catalog.ParticipationChecker
	)
	switch appCfg.Store.Driver {
	case storeDriverMemory:
		static, err := catalog.LoadFixtures(appCfg.Catalog.FixturesPath)
		if err != nil {
			logger.Error(ctx, "load catalog fixtures failed", zap.Error(err))
			return
		}
		store = repository.NewMemoryAttemptStore()
		practices, participation = static, static
		logger.Warn(ctx, "using in-memory attempt store; attempts are lost on restart")
	default:
		mysqlDB, err := db.NewMySQLWithConfig(&appCfg.MySQL)
		if err != nil {
			logger.Error(ctx, "init database failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mysqlDB.Close()
		}()
		if objects == nil {
			logger.Error(ctx, "minio is required by the mysql catalog")
			return
		}
		mysqlCatalog, err := catalog.NewMySQLCatalog(mysqlDB, cacheClient, objects, appCfg.Catalog)
		if err != nil {
			logger.Error(ctx, "init practice catalog failed", zap.Error(err))
			return
		}
		store = repository.NewMySQLAttemptStore(mysqlDB, cacheClient, appCfg.Attempt.CacheTTL)
		practices, participation = mysqlCatalog, mysqlCatalog
	}

	judgeClient, err := judge.NewClient(appCfg.Judge)
	if err != nil {
		logger.Error(ctx, "init judge client failed", zap.Error(err))
		return
	}

	attemptService, err := service.NewAttemptService(service.Config{
		Store:              store,
		Practices:          practices,
		Participation:      participation,
		Languages:          catalog.NewLanguages(appCfg.Languages),
		Judge:              judgeClient,
		StatusMapper:       judge.NewStatusMapper(appCfg.Judge.MemoryLimitStatus),
		Cache:              cacheClient,
		Storage:            objects,
		Producer:           producer,
		CallbackURL:        appCfg.Judge.CallbackURL,
		FinalizedTopic:     appCfg.Attempt.FinalizedTopic,
		SourceBucket:       appCfg.Attempt.SourceBucket,
		SourceKeyPrefix:    appCfg.Attempt.SourceKeyPrefix,
		MaxCodeBytes:       appCfg.Attempt.MaxCodeBytes,
		IdempotencyTTL:     appCfg.Attempt.IdempotencyTTL,
		PendingCallbackTTL: appCfg.Attempt.PendingCallbackTTL,
		RateLimit:          appCfg.Attempt.RateLimit,
		Timeouts:           appCfg.Attempt.Timeouts,
	})
	if err != nil {
		logger.Error(ctx, "init attempt service failed", zap.Error(err))
		return
	}

	var sweeper *service.Sweeper
	if appCfg.Sweeper.Enabled {
		sweeper, err = service.NewSweeper(attemptService, appCfg.Sweeper)
		if err != nil {
			logger.Error(ctx, "init sweeper failed", zap.Error(err))
			return
		}
		sweeper.Start()
	}

	httpServer := buildHTTPServer(appCfg.Server, attemptService)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "attempt http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("store", appCfg.Store.Driver),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	stopCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(stopCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if sweeper != nil {
		sweeper.Stop(stopCtx)
	}
}

func buildHTTPServer(cfg ServerConfig, attemptService *service.AttemptService) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := controller.NewRouter(attemptService, commonmw.TraceContextConfig{
		AllowUserIDHeader: cfg.TrustUserIDHeader,
	})
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
