package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"codegrader/internal/attempt/catalog"
	"codegrader/internal/attempt/judge"
	"codegrader/internal/attempt/model"
	"codegrader/internal/attempt/service"
	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	"codegrader/internal/common/mq"
	"codegrader/internal/common/storage"
	"codegrader/pkg/utils/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr    = "0.0.0.0:8090"
	defaultReadTimeout = 5 * time.Second
	// Added to the judge timeout so a slow dispatch still gets its response written.
	defaultWriteMargin     = 15 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	storeDriverMySQL  = "mysql"
	storeDriverMemory = "memory"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	// TrustUserIDHeader accepts X-User-Id set by the upstream gateway.
	TrustUserIDHeader bool `yaml:"trustUserIDHeader"`
}

// StoreConfig selects the attempt store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
}

// AttemptConfig holds attempt orchestration settings.
type AttemptConfig struct {
	MaxCodeBytes       int                     `yaml:"maxCodeBytes"`
	IdempotencyTTL     time.Duration           `yaml:"idempotencyTTL"`
	PendingCallbackTTL time.Duration           `yaml:"pendingCallbackTTL"`
	CacheTTL           time.Duration           `yaml:"cacheTTL"`
	FinalizedTopic     string                  `yaml:"finalizedTopic"`
	SourceBucket       string                  `yaml:"sourceBucket"`
	SourceKeyPrefix    string                  `yaml:"sourceKeyPrefix"`
	RateLimit          service.RateLimitConfig `yaml:"rateLimit"`
	Timeouts           service.TimeoutConfig   `yaml:"timeouts"`
}

// AppConfig holds attempt-service configuration.
type AppConfig struct {
	Server    ServerConfig          `yaml:"server"`
	Logger    logger.Config         `yaml:"logger"`
	Store     StoreConfig           `yaml:"store"`
	MySQL     db.MySQLConfig        `yaml:"mysql"`
	Redis     cache.RedisConfig     `yaml:"redis"`
	Kafka     mq.KafkaConfig        `yaml:"kafka"`
	MinIO     storage.MinIOConfig   `yaml:"minio"`
	Catalog   catalog.Config        `yaml:"catalog"`
	Judge     judge.Config          `yaml:"judge"`
	Languages []model.Language      `yaml:"languages"`
	Attempt   AttemptConfig         `yaml:"attempt"`
	Sweeper   service.SweeperConfig `yaml:"sweeper"`
}

// loadYAML reads path, expands ${VAR} references from the environment and decodes it into out.
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadEnvFile loads KEY=VALUE pairs into the environment. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = storeDriverMySQL
	}
	switch cfg.Store.Driver {
	case storeDriverMySQL:
		if cfg.MySQL.DSN == "" {
			return nil, fmt.Errorf("mysql dsn is required")
		}
	case storeDriverMemory:
		if cfg.Catalog.FixturesPath == "" {
			return nil, fmt.Errorf("catalog fixturesPath is required for the memory store")
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	brokers := cfg.Kafka.Brokers[:0]
	for _, b := range cfg.Kafka.Brokers {
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	cfg.Kafka.Brokers = brokers

	if cfg.Judge.BaseURL == "" {
		return nil, fmt.Errorf("judge baseURL is required")
	}
	if cfg.Judge.CallbackURL == "" {
		return nil, fmt.Errorf("judge callbackURL is required")
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = catalog.DefaultLanguages()
	}

	if cfg.Attempt.MaxCodeBytes == 0 {
		cfg.Attempt.MaxCodeBytes = 64 * 1024
	}
	if cfg.Attempt.IdempotencyTTL == 0 {
		cfg.Attempt.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.Attempt.PendingCallbackTTL == 0 {
		cfg.Attempt.PendingCallbackTTL = 10 * time.Minute
	}
	if cfg.Attempt.CacheTTL == 0 {
		cfg.Attempt.CacheTTL = 30 * time.Minute
	}
	if cfg.Attempt.FinalizedTopic == "" {
		cfg.Attempt.FinalizedTopic = "attempt.finalized"
	}
	if cfg.Attempt.SourceKeyPrefix == "" {
		cfg.Attempt.SourceKeyPrefix = "attempts"
	}
	if cfg.Attempt.RateLimit.Window == 0 {
		cfg.Attempt.RateLimit.Window = time.Minute
	}
	if cfg.Attempt.Timeouts.DB == 0 {
		cfg.Attempt.Timeouts.DB = 3 * time.Second
	}
	if cfg.Attempt.Timeouts.Cache == 0 {
		cfg.Attempt.Timeouts.Cache = 1 * time.Second
	}
	if cfg.Attempt.Timeouts.Storage == 0 {
		cfg.Attempt.Timeouts.Storage = 5 * time.Second
	}
	if cfg.Attempt.Timeouts.Judge == 0 {
		cfg.Attempt.Timeouts.Judge = 30 * time.Second
	}
	if cfg.Attempt.Timeouts.MQ == 0 {
		cfg.Attempt.Timeouts.MQ = 3 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = cfg.Attempt.Timeouts.Judge + defaultWriteMargin
	}
	if cfg.Server.WriteTimeout <= cfg.Attempt.Timeouts.Judge {
		return nil, fmt.Errorf("server writeTimeout %s must exceed the judge timeout %s",
			cfg.Server.WriteTimeout, cfg.Attempt.Timeouts.Judge)
	}
	if cfg.Catalog.Bucket == "" {
		cfg.Catalog.Bucket = "testcases"
	}
	if cfg.Attempt.SourceBucket == "" {
		cfg.Attempt.SourceBucket = "attempt-sources"
	}
	return &cfg, nil
}
