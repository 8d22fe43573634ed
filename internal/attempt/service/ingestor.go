package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"codegrader/internal/attempt/judge"
	"codegrader/internal/attempt/model"
	"codegrader/internal/attempt/repository"
	"codegrader/internal/attempt/verdict"
	"codegrader/internal/common/db"
	"codegrader/internal/common/metrics"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	pendingCallbackKeyPrefix = "judge:callback:pending:"
	callbackApplyAttempts    = 3
	callbackRetryBackoff     = 50 * time.Millisecond
)

// CallbackInput is one per-test result reported by the judge.
type CallbackInput struct {
	Token    string  `json:"token"`
	StatusID int     `json:"status_id"`
	TimeMs   float64 `json:"time_ms"`
	MemoryKB int64   `json:"memory_kb"`
}

// CallbackInputFromPayload converts a decoded judge callback.
func CallbackInputFromPayload(p *judge.CallbackPayload) CallbackInput {
	return CallbackInput{
		Token:    p.Token,
		StatusID: p.StatusID(),
		TimeMs:   p.TimeMs(),
		MemoryKB: p.MemoryKB(),
	}
}

type callbackOutcome struct {
	duplicate bool
	finalized *model.Attempt
}

// HandleCallback records one judge result and finalizes the attempt once every test has reported.
// The returned error is for logging only; the judge always receives a plain acknowledgement.
func (s *AttemptService) HandleCallback(ctx context.Context, in CallbackInput) error {
	if in.Token == "" {
		metrics.CallbacksTotal.WithLabelValues("invalid").Inc()
		return appErr.New(appErr.JudgeCallbackInvalid).WithMessage("callback token is empty")
	}

	outcome, err := s.applyWithRetry(ctx, in)
	if errors.Is(err, repository.ErrSubmissionNotFound) {
		metrics.CallbacksTotal.WithLabelValues("unknown_token").Inc()
		if !s.parkCallback(ctx, in) {
			logger.Warn(ctx, "callback for unknown token discarded", zap.String("token", in.Token))
			return nil
		}
		// The submission rows may have committed between the lookup and the park.
		outcome, err = s.applyWithRetry(ctx, in)
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			logger.Warn(ctx, "callback for unknown token parked", zap.String("token", in.Token))
			return nil
		}
		if err == nil {
			s.dropParked(ctx, in.Token)
		}
	}
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues("error").Inc()
		// The judge does not resend, so keep the result for the sweeper to replay.
		parked := s.parkCallback(ctx, in)
		logger.Error(ctx, "apply callback failed",
			zap.String("token", in.Token),
			zap.Bool("parked", parked),
			zap.Error(err),
		)
		return appErr.Wrapf(err, appErr.AttemptUpdateFailed, "apply callback failed")
	}
	s.afterCallback(ctx, in, outcome)
	return nil
}

func (s *AttemptService) afterCallback(ctx context.Context, in CallbackInput, outcome callbackOutcome) {
	if outcome.duplicate {
		metrics.CallbacksTotal.WithLabelValues("duplicate").Inc()
		logger.Debug(ctx, "duplicate callback", zap.String("token", in.Token))
	} else {
		metrics.CallbacksTotal.WithLabelValues("applied").Inc()
	}
	if outcome.finalized != nil {
		s.publishFinalized(ctx, outcome.finalized, "completed")
	}
}

// applyWithRetry retries applyCallback on lock contention and store timeouts.
func (s *AttemptService) applyWithRetry(ctx context.Context, in CallbackInput) (callbackOutcome, error) {
	var (
		outcome callbackOutcome
		err     error
	)
	for attempt := 1; ; attempt++ {
		outcome, err = s.applyCallback(ctx, in)
		if err == nil || !isTransient(err) || attempt >= callbackApplyAttempts || ctx.Err() != nil {
			return outcome, err
		}
		metrics.CallbacksTotal.WithLabelValues("retried").Inc()
		logger.Warn(ctx, "apply callback retrying",
			zap.String("token", in.Token),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		timer := time.NewTimer(time.Duration(attempt) * callbackRetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return outcome, err
		case <-timer.C:
		}
	}
}

func isTransient(err error) bool {
	return db.IsLockContention(err) || errors.Is(err, context.DeadlineExceeded)
}

// applyCallback runs the whole update under the attempt lock.
func (s *AttemptService) applyCallback(ctx context.Context, in CallbackInput) (callbackOutcome, error) {
	result := s.statusMapper.Map(in.StatusID)
	now := s.now()

	var outcome callbackOutcome
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	err := s.store.UpdateByToken(ctxDB.ctx, in.Token, func(_ context.Context, locked *repository.LockedAttempt) error {
		outcome = callbackOutcome{}
		target := locked.Target
		attempt := locked.Attempt

		if target.Judged {
			outcome.duplicate = true
		} else {
			target.Judged = true
			attempt.TestsCompleted++
		}
		target.Status = result
		target.TimeMs = in.TimeMs
		target.MemoryKB = in.MemoryKB
		target.UpdatedAt = now

		if attempt.Status == model.VerdictInQueue && attempt.TestsCompleted == attempt.TestsNeeded {
			attempt.Status = verdict.FromSubmissions(locked.Submissions)
			finished := now
			attempt.FinishedAt = &finished
			outcome.finalized = attempt.Clone()
		}
		return nil
	})
	return outcome, err
}

// parkCallback keeps a callback whose token is not persisted yet. It reports whether it was kept.
func (s *AttemptService) parkCallback(ctx context.Context, in CallbackInput) bool {
	if s.cache == nil {
		return false
	}
	body, err := json.Marshal(in)
	if err != nil {
		return false
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Set(ctxCache.ctx, pendingCallbackKeyPrefix+in.Token, string(body), s.pendingCallbackTTL); err != nil {
		logger.Warn(ctx, "park callback failed", zap.String("token", in.Token), zap.Error(err))
		return false
	}
	return true
}

func (s *AttemptService) dropParked(ctx context.Context, token string) {
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Del(ctxCache.ctx, pendingCallbackKeyPrefix+token); err != nil {
		logger.Warn(ctx, "drop parked callback failed", zap.String("token", token), zap.Error(err))
	}
}

// replayParked applies callbacks that arrived before their submissions were stored.
// Applying one twice is harmless because results are deduplicated by token.
func (s *AttemptService) replayParked(ctx context.Context, subs []*model.Submission) int {
	if s.cache == nil {
		return 0
	}
	replayed := 0
	for _, sub := range subs {
		ctxCache := withTimeout(ctx, s.timeouts.Cache)
		raw, err := s.cache.Get(ctxCache.ctx, pendingCallbackKeyPrefix+sub.Token)
		ctxCache.cancel()
		if err != nil {
			logger.Warn(ctx, "read parked callback failed", zap.String("token", sub.Token), zap.Error(err))
			continue
		}
		if raw == "" {
			continue
		}
		var in CallbackInput
		if err := json.Unmarshal([]byte(raw), &in); err != nil || in.Token != sub.Token {
			logger.Warn(ctx, "drop malformed parked callback", zap.String("token", sub.Token))
			s.dropParked(ctx, sub.Token)
			continue
		}
		outcome, err := s.applyWithRetry(ctx, in)
		if err != nil {
			logger.Error(ctx, "replay parked callback failed", zap.String("token", sub.Token), zap.Error(err))
			continue
		}
		s.dropParked(ctx, sub.Token)
		metrics.CallbacksTotal.WithLabelValues("replayed").Inc()
		s.afterCallback(ctx, in, outcome)
		replayed++
	}
	return replayed
}
