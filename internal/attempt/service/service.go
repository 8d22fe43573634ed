// Package service orchestrates attempts: dispatch to the judge, callback ingestion and reads.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codegrader/internal/attempt/catalog"
	"codegrader/internal/attempt/judge"
	"codegrader/internal/attempt/model"
	"codegrader/internal/attempt/repository"
	"codegrader/internal/common/cache"
	"codegrader/internal/common/metrics"
	"codegrader/internal/common/mq"
	"codegrader/internal/common/storage"
	"codegrader/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultSourcePrefix       = "attempts"
	defaultIdempotencyTTL     = 10 * time.Minute
	defaultPendingCallbackTTL = 10 * time.Minute
	defaultMaxCodeBytes       = 64 << 10
	finalizedEventType        = "attempt.finalized"
)

// Judge sends execution requests to the external judge.
type Judge interface {
	Dispatch(ctx context.Context, reqs []judge.ExecutionRequest) ([]judge.DispatchResult, error)
}

// RateLimitConfig holds throttling configuration.
type RateLimitConfig struct {
	UserMax int           `yaml:"userMax"`
	IPMax   int           `yaml:"ipMax"`
	Window  time.Duration `yaml:"window"`
}

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	DB      time.Duration `yaml:"db"`
	Cache   time.Duration `yaml:"cache"`
	Storage time.Duration `yaml:"storage"`
	Judge   time.Duration `yaml:"judge"`
	MQ      time.Duration `yaml:"mq"`
}

// Config holds attempt service dependencies and settings.
type Config struct {
	Store         repository.AttemptStore
	Practices     catalog.PracticeCatalog
	Participation catalog.ParticipationChecker
	Languages     *catalog.Languages
	Judge         Judge
	StatusMapper  judge.StatusMapper

	// Optional collaborators; nil disables the feature that needs them.
	Cache    cache.Cache
	Storage  storage.ObjectStorage
	Producer mq.Producer

	CallbackURL        string
	FinalizedTopic     string
	SourceBucket       string
	SourceKeyPrefix    string
	MaxCodeBytes       int
	IdempotencyTTL     time.Duration
	PendingCallbackTTL time.Duration
	RateLimit          RateLimitConfig
	Timeouts           TimeoutConfig
}

// AttemptService creates attempts, ingests judge callbacks and serves attempt reads.
type AttemptService struct {
	store         repository.AttemptStore
	practices     catalog.PracticeCatalog
	participation catalog.ParticipationChecker
	languages     *catalog.Languages
	judge         Judge
	statusMapper  judge.StatusMapper

	cache    cache.Cache
	storage  storage.ObjectStorage
	producer mq.Producer

	callbackURL        string
	finalizedTopic     string
	sourceBucket       string
	sourceKeyPrefix    string
	maxCodeBytes       int
	idempotencyTTL     time.Duration
	pendingCallbackTTL time.Duration
	rateLimit          RateLimitConfig
	timeouts           TimeoutConfig

	now func() time.Time
}

// NewAttemptService creates a new attempt service.
func NewAttemptService(cfg Config) (*AttemptService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("attempt store is required")
	}
	if cfg.Practices == nil {
		return nil, fmt.Errorf("practice catalog is required")
	}
	if cfg.Participation == nil {
		return nil, fmt.Errorf("participation checker is required")
	}
	if cfg.Judge == nil {
		return nil, fmt.Errorf("judge is required")
	}
	if cfg.Storage != nil && cfg.SourceBucket == "" {
		return nil, fmt.Errorf("source bucket is required")
	}
	if cfg.Producer != nil && cfg.FinalizedTopic == "" {
		return nil, fmt.Errorf("finalized topic is required")
	}
	if cfg.Languages == nil {
		cfg.Languages = catalog.NewLanguages(catalog.DefaultLanguages())
	}
	if cfg.SourceKeyPrefix == "" {
		cfg.SourceKeyPrefix = defaultSourcePrefix
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = defaultMaxCodeBytes
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.PendingCallbackTTL <= 0 {
		cfg.PendingCallbackTTL = defaultPendingCallbackTTL
	}
	return &AttemptService{
		store:              cfg.Store,
		practices:          cfg.Practices,
		participation:      cfg.Participation,
		languages:          cfg.Languages,
		judge:              cfg.Judge,
		statusMapper:       cfg.StatusMapper,
		cache:              cfg.Cache,
		storage:            cfg.Storage,
		producer:           cfg.Producer,
		callbackURL:        cfg.CallbackURL,
		finalizedTopic:     cfg.FinalizedTopic,
		sourceBucket:       cfg.SourceBucket,
		sourceKeyPrefix:    cfg.SourceKeyPrefix,
		maxCodeBytes:       cfg.MaxCodeBytes,
		idempotencyTTL:     cfg.IdempotencyTTL,
		pendingCallbackTTL: cfg.PendingCallbackTTL,
		rateLimit:          cfg.RateLimit,
		timeouts:           cfg.Timeouts,
		now:                time.Now,
	}, nil
}

// SetClock replaces the time source.
func (s *AttemptService) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Languages returns the language table.
func (s *AttemptService) Languages() []model.Language {
	return s.languages.List()
}

// publishFinalized announces a terminal attempt. Failures are logged only.
func (s *AttemptService) publishFinalized(ctx context.Context, attempt *model.Attempt, reason string) {
	metrics.VerdictsTotal.WithLabelValues(string(attempt.Status)).Inc()
	logger.Info(ctx, "attempt finalized",
		zap.String("attempt_id", attempt.ID),
		zap.String("status", string(attempt.Status)),
		zap.Int("tests_completed", attempt.TestsCompleted),
		zap.Int("tests_needed", attempt.TestsNeeded),
		zap.String("reason", reason),
	)
	if s.producer == nil {
		return
	}
	body, err := json.Marshal(model.NewAttemptEvent(attempt, reason))
	if err != nil {
		logger.Error(ctx, "encode attempt event failed", zap.String("attempt_id", attempt.ID), zap.Error(err))
		return
	}
	message := mq.NewMessage(body)
	message.ID = attempt.ID
	message.SetHeader("type", finalizedEventType)
	message.SetHeader("status", string(attempt.Status))

	ctxMQ := withTimeout(ctx, s.timeouts.MQ)
	defer ctxMQ.cancel()
	if err := s.producer.Publish(ctxMQ.ctx, s.finalizedTopic, message); err != nil {
		logger.Warn(ctx, "publish attempt event failed", zap.String("attempt_id", attempt.ID), zap.Error(err))
	}
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
