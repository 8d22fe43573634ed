package service

import (
	"context"
	"fmt"
	"time"

	"codegrader/internal/attempt/model"
	"codegrader/internal/attempt/repository"
	"codegrader/internal/common/metrics"
	"codegrader/pkg/utils/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultSweepSpec       = "@every 1m"
	defaultSweepStaleAfter = 30 * time.Minute
	defaultSweepReplayAge  = time.Minute
	defaultSweepBatchSize  = 100
	defaultSweepTimeout    = 30 * time.Second
)

// SweeperConfig controls the stale attempt sweep.
type SweeperConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Cron       string        `yaml:"cron"`
	StaleAfter time.Duration `yaml:"staleAfter"`
	// ReplayAfter is the minimum age of an in-flight attempt whose parked callbacks are re-applied.
	ReplayAfter time.Duration `yaml:"replayAfter"`
	// Expire finalizes stale attempts as SERVICE_ERROR; otherwise they are only reported.
	Expire    bool          `yaml:"expire"`
	BatchSize int           `yaml:"batchSize"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Replayed int
	Stale    int
	Expired  int
}

// ReplayParked re-applies parked callbacks of attempts IN_QUEUE for longer than olderThan.
// Results land there when the store failed while a callback was being applied.
func (s *AttemptService) ReplayParked(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	inFlight, err := s.store.ListStale(ctxDB.ctx, s.now().Add(-olderThan), limit)
	ctxDB.cancel()
	if err != nil {
		return 0, fmt.Errorf("list in-flight attempts failed: %w", err)
	}
	replayed := 0
	for _, a := range inFlight {
		ctxDB := withTimeout(ctx, s.timeouts.DB)
		subs, err := s.store.ListSubmissions(ctxDB.ctx, a.ID)
		ctxDB.cancel()
		if err != nil {
			logger.Warn(ctx, "list submissions for replay failed", zap.String("attempt_id", a.ID), zap.Error(err))
			continue
		}
		pending := subs[:0]
		for _, sub := range subs {
			if !sub.Judged {
				pending = append(pending, sub)
			}
		}
		replayed += s.replayParked(ctx, pending)
	}
	if replayed > 0 {
		logger.Info(ctx, "parked callbacks replayed", zap.Int("count", replayed))
	}
	return replayed, nil
}

// SweepStale finds attempts IN_QUEUE for longer than staleAfter and, when expire is set,
// finalizes them as SERVICE_ERROR. The status is re-checked under the attempt lock.
func (s *AttemptService) SweepStale(ctx context.Context, staleAfter time.Duration, limit int, expire bool) (SweepResult, error) {
	var res SweepResult
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	stale, err := s.store.ListStale(ctxDB.ctx, s.now().Add(-staleAfter), limit)
	ctxDB.cancel()
	if err != nil {
		return res, fmt.Errorf("list stale attempts failed: %w", err)
	}
	res.Stale = len(stale)
	metrics.StaleAttempts.Set(float64(len(stale)))
	if len(stale) > 0 {
		logger.Warn(ctx, "stale attempts found",
			zap.Int("count", len(stale)),
			zap.String("oldest_attempt_id", stale[0].ID),
			zap.Time("oldest_submitted_at", stale[0].SubmittedAt),
		)
	}
	if !expire {
		return res, nil
	}

	for _, a := range stale {
		expired, err := s.expireAttempt(ctx, a.ID)
		if err != nil {
			logger.Error(ctx, "expire stale attempt failed", zap.String("attempt_id", a.ID), zap.Error(err))
			continue
		}
		if expired != nil {
			res.Expired++
			s.publishFinalized(ctx, expired, "stale")
		}
	}
	return res, nil
}

func (s *AttemptService) expireAttempt(ctx context.Context, attemptID string) (*model.Attempt, error) {
	var expired *model.Attempt
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	err := s.store.UpdateAttemptLocked(ctxDB.ctx, attemptID, func(_ context.Context, locked *repository.LockedAttempt) error {
		if locked.Attempt.IsFinal() {
			return nil
		}
		locked.Attempt.Status = model.VerdictServiceError
		finished := s.now()
		locked.Attempt.FinishedAt = &finished
		expired = locked.Attempt.Clone()
		return nil
	})
	return expired, err
}

// Sweeper runs SweepStale on a cron schedule.
type Sweeper struct {
	svc  *AttemptService
	cfg  SweeperConfig
	cron *cron.Cron
}

// NewSweeper validates the schedule and prepares the cron runner.
func NewSweeper(svc *AttemptService, cfg SweeperConfig) (*Sweeper, error) {
	if svc == nil {
		return nil, fmt.Errorf("attempt service is required")
	}
	if cfg.Cron == "" {
		cfg.Cron = defaultSweepSpec
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultSweepStaleAfter
	}
	if cfg.ReplayAfter <= 0 {
		cfg.ReplayAfter = defaultSweepReplayAge
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSweepTimeout
	}
	sw := &Sweeper{
		svc:  svc,
		cfg:  cfg,
		cron: cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger))),
	}
	if _, err := sw.cron.AddFunc(cfg.Cron, sw.run); err != nil {
		return nil, fmt.Errorf("invalid sweeper cron expression: %w", err)
	}
	return sw, nil
}

// Start begins the schedule in the background.
func (sw *Sweeper) Start() {
	sw.cron.Start()
	logger.Info(context.Background(), "stale attempt sweeper started",
		zap.String("cron", sw.cfg.Cron),
		zap.Duration("stale_after", sw.cfg.StaleAfter),
		zap.Bool("expire", sw.cfg.Expire),
	)
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to end.
func (sw *Sweeper) Stop(ctx context.Context) {
	done := sw.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce replays parked callbacks, then sweeps stale attempts.
func (sw *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, sw.cfg.Timeout)
	defer cancel()
	replayed, err := sw.svc.ReplayParked(ctx, sw.cfg.ReplayAfter, sw.cfg.BatchSize)
	if err != nil {
		logger.Warn(ctx, "replay parked callbacks failed", zap.Error(err))
	}
	res, err := sw.svc.SweepStale(ctx, sw.cfg.StaleAfter, sw.cfg.BatchSize, sw.cfg.Expire)
	res.Replayed = replayed
	return res, err
}

func (sw *Sweeper) run() {
	ctx := context.Background()
	if _, err := sw.RunOnce(ctx); err != nil {
		logger.Error(ctx, "stale attempt sweep failed", zap.Error(err))
	}
}
