package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"codegrader/internal/attempt/catalog"
	"codegrader/internal/attempt/judge"
	"codegrader/internal/attempt/model"
	"codegrader/internal/common/metrics"
	appErr "codegrader/pkg/errors"
	"codegrader/pkg/utils/contextkey"
	"codegrader/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	idempotencyKeyPrefix = "attempt:idempotency:"
	rateUserKeyPrefix    = "attempt:rate:user:"
	rateIPKeyPrefix      = "attempt:rate:ip:"
	processingMarker     = "processing"
)

// CreateAttemptInput describes one code submission against a practice.
type CreateAttemptInput struct {
	UserID         string
	PracticeID     int64
	LanguageID     int
	SourceCode     string
	Metadata       json.RawMessage
	IdempotencyKey string
	ClientIP       string
}

// dispatchPlan is everything resolved by the precondition checks.
type dispatchPlan struct {
	practice  *model.Practice
	language  model.Language
	testCases []model.TestCase
}

// CreateAttempt validates the request, persists an IN_QUEUE attempt and fans it out to the judge.
// Precondition failures return a coded error and leave nothing behind. Once the attempt exists,
// judge and persistence failures do not fail the call: the attempt is returned as SERVICE_ERROR.
func (s *AttemptService) CreateAttempt(ctx context.Context, input CreateAttemptInput) (*model.Attempt, error) {
	if err := s.validateInput(input); err != nil {
		return nil, err
	}
	plan, err := s.checkPreconditions(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := s.checkRateLimit(ctx, input.UserID, input.ClientIP); err != nil {
		return nil, err
	}

	idemKey := s.idempotencyKey(input.UserID, input.IdempotencyKey)
	acquired, existingID, err := s.acquireIdempotency(ctx, idemKey)
	if err != nil {
		return nil, err
	}
	if existingID != "" {
		logger.Info(ctx, "idempotent attempt replay", zap.String("attempt_id", existingID))
		return s.loadAttempt(ctx, existingID)
	}

	attemptID := uuid.NewString()
	ctx = context.WithValue(ctx, contextkey.AttemptID, attemptID)
	submittedAt := s.now()

	sourceKey, err := s.uploadSource(ctx, attemptID, input.SourceCode)
	if err != nil {
		s.releaseIdempotency(ctx, idemKey, acquired)
		metrics.AttemptsCreated.WithLabelValues("rejected").Inc()
		return nil, err
	}

	attempt := &model.Attempt{
		ID:          attemptID,
		UserID:      input.UserID,
		PracticeID:  input.PracticeID,
		LanguageID:  input.LanguageID,
		Metadata:    input.Metadata,
		SourceKey:   sourceKey,
		SubmittedAt: submittedAt,
		TestsNeeded: len(plan.testCases),
		Status:      model.VerdictInQueue,
	}
	if err := s.createAttempt(ctx, attempt); err != nil {
		s.removeSource(ctx, sourceKey)
		s.releaseIdempotency(ctx, idemKey, acquired)
		metrics.AttemptsCreated.WithLabelValues("rejected").Inc()
		return nil, err
	}
	s.finalizeIdempotency(ctx, idemKey, attemptID, acquired)

	requests := s.buildRequests(input.SourceCode, plan)
	start := time.Now()
	ctxJudge := withTimeout(ctx, s.timeouts.Judge)
	results, dispatchErr := s.judge.Dispatch(ctxJudge.ctx, requests)
	ctxJudge.cancel()
	if dispatchErr != nil {
		metrics.DispatchDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		logger.Error(ctx, "judge dispatch failed",
			zap.Int("tests", len(requests)),
			zap.Strings("leaked_tokens", issuedTokens(results)),
			zap.Error(dispatchErr),
		)
		return s.failDispatch(ctx, attempt, "dispatch_failed"), nil
	}
	metrics.DispatchDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	subs := make([]*model.Submission, 0, len(results))
	for i, r := range results {
		subs = append(subs, &model.Submission{
			Token:      r.Token,
			AttemptID:  attemptID,
			TestCaseID: plan.testCases[i].ID,
			Ordinal:    i,
			Status:     model.VerdictInQueue,
			UpdatedAt:  submittedAt,
		})
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	err = s.store.CreateSubmissions(ctxDB.ctx, attemptID, subs)
	ctxDB.cancel()
	if err != nil {
		// Without submission rows no callback can ever complete the attempt.
		logger.Error(ctx, "persist submissions failed",
			zap.Int("tests", len(subs)),
			zap.Strings("leaked_tokens", issuedTokens(results)),
			zap.Error(err),
		)
		return s.failDispatch(ctx, attempt, "persist_failed"), nil
	}

	metrics.AttemptsCreated.WithLabelValues("dispatched").Inc()
	logger.Info(ctx, "attempt dispatched",
		zap.Int64("practice_id", input.PracticeID),
		zap.Int("language_id", input.LanguageID),
		zap.Int("tests", len(subs)),
	)

	if s.replayParked(ctx, subs) > 0 {
		if latest, err := s.loadAttempt(ctx, attemptID); err == nil {
			return latest, nil
		}
	}
	return attempt, nil
}

func (s *AttemptService) validateInput(input CreateAttemptInput) error {
	if strings.TrimSpace(input.UserID) == "" {
		return appErr.ValidationError("user_id", "required")
	}
	if input.PracticeID <= 0 {
		return appErr.ValidationError("practice_id", "required")
	}
	if input.LanguageID <= 0 {
		return appErr.ValidationError("language_id", "required")
	}
	if strings.TrimSpace(input.SourceCode) == "" {
		return appErr.ValidationError("source_code", "required")
	}
	if len(input.SourceCode) > s.maxCodeBytes {
		return appErr.New(appErr.CodeTooLarge).WithMessage("source code too large").
			WithDetail("max_bytes", s.maxCodeBytes)
	}
	if len(input.Metadata) > 0 && !json.Valid(input.Metadata) {
		return appErr.ValidationError("metadata", "invalid_json")
	}
	return nil
}

func (s *AttemptService) checkPreconditions(ctx context.Context, input CreateAttemptInput) (*dispatchPlan, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()

	practice, err := s.practices.GetPractice(ctxDB.ctx, input.PracticeID)
	if err != nil {
		if errors.Is(err, catalog.ErrPracticeNotFound) {
			return nil, appErr.New(appErr.PracticeNotFound).WithDetail("practice_id", input.PracticeID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load practice failed")
	}

	active, err := s.participation.IsActiveParticipant(ctxDB.ctx, input.UserID, practice.CourseID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "check participation failed")
	}
	if !active {
		return nil, appErr.New(appErr.NotParticipant).WithDetail("course_id", practice.CourseID)
	}

	language, known := s.languages.Lookup(input.LanguageID)
	if !known || !practice.AllowsLanguage(input.LanguageID) {
		return nil, appErr.New(appErr.LanguageNotSupported).WithDetail("language_id", input.LanguageID)
	}

	testCases, err := s.practices.ListTestCases(ctxDB.ctx, input.PracticeID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "load test cases failed")
	}
	if len(testCases) == 0 {
		return nil, appErr.New(appErr.TestCaseNotFound).WithMessage("practice has no test cases")
	}
	return &dispatchPlan{practice: practice, language: language, testCases: testCases}, nil
}

func (s *AttemptService) buildRequests(source string, plan *dispatchPlan) []judge.ExecutionRequest {
	reqs := make([]judge.ExecutionRequest, 0, len(plan.testCases))
	for _, tc := range plan.testCases {
		reqs = append(reqs, judge.ExecutionRequest{
			Source:         source,
			Language:       plan.language.JudgeID,
			Stdin:          tc.Input,
			ExpectedOutput: tc.Expected,
			MemoryLimitKB:  plan.practice.MemoryLimitKB,
			TimeLimitSec:   plan.practice.TimeLimitSec,
			ThreadLimit:    plan.practice.MaxThreads,
			NetworkAllowed: plan.practice.NetworkAllowed,
			CallbackURL:    s.callbackURL,
		})
	}
	return reqs
}

// issuedTokens lists tokens the judge accepted. They are never linked to a submission.
func issuedTokens(results []judge.DispatchResult) []string {
	tokens := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err == nil && r.Token != "" {
			tokens = append(tokens, r.Token)
		}
	}
	return tokens
}

// failDispatch short-circuits the attempt to SERVICE_ERROR and returns its latest state.
func (s *AttemptService) failDispatch(ctx context.Context, attempt *model.Attempt, reason string) *model.Attempt {
	metrics.AttemptsCreated.WithLabelValues(reason).Inc()
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	failed, changed, err := s.store.FailAttempt(ctxDB.ctx, attempt.ID, s.now())
	if err != nil {
		logger.Error(ctx, "mark attempt failed failed", zap.Error(err))
		out := attempt.Clone()
		out.Status = model.VerdictServiceError
		return out
	}
	if changed {
		s.publishFinalized(ctx, failed, reason)
	}
	return failed
}

func (s *AttemptService) createAttempt(ctx context.Context, attempt *model.Attempt) error {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	if err := s.store.CreateAttempt(ctxDB.ctx, attempt); err != nil {
		return appErr.Wrapf(err, appErr.AttemptCreateFailed, "create attempt failed")
	}
	return nil
}

func (s *AttemptService) loadAttempt(ctx context.Context, attemptID string) (*model.Attempt, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	attempt, err := s.store.GetAttempt(ctxDB.ctx, attemptID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return attempt, nil
}

func (s *AttemptService) uploadSource(ctx context.Context, attemptID, source string) (string, error) {
	if s.storage == nil {
		return "", nil
	}
	objectKey := fmt.Sprintf("%s/%s/source.code", s.sourceKeyPrefix, attemptID)
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	if err := s.storage.PutObject(ctxStorage.ctx, s.sourceBucket, objectKey, strings.NewReader(source), int64(len(source)), "text/plain; charset=utf-8"); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "upload source failed")
	}
	return objectKey, nil
}

// removeSource deletes an archived source that no attempt row refers to.
func (s *AttemptService) removeSource(ctx context.Context, objectKey string) {
	if s.storage == nil || objectKey == "" {
		return
	}
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	if err := s.storage.RemoveObject(ctxStorage.ctx, s.sourceBucket, objectKey); err != nil {
		logger.Warn(ctx, "remove orphaned source failed", zap.String("object_key", objectKey), zap.Error(err))
	}
}

func (s *AttemptService) idempotencyKey(userID, key string) string {
	key = strings.TrimSpace(key)
	if key == "" || s.cache == nil {
		return ""
	}
	return idempotencyKeyPrefix + userID + ":" + key
}

// acquireIdempotency reserves key. It reports the attempt id of an earlier request with the same key.
func (s *AttemptService) acquireIdempotency(ctx context.Context, key string) (bool, string, error) {
	if key == "" {
		return false, "", nil
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	ok, err := s.cache.SetNX(ctxCache.ctx, key, processingMarker, s.idempotencyTTL)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "reserve idempotency key failed")
	}
	if ok {
		return true, "", nil
	}
	existing, err := s.cache.Get(ctxCache.ctx, key)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}
	return false, "", appErr.New(appErr.AttemptInProgress)
}

func (s *AttemptService) finalizeIdempotency(ctx context.Context, key, attemptID string, acquired bool) {
	if !acquired {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Set(ctxCache.ctx, key, attemptID, s.idempotencyTTL); err != nil {
		logger.Warn(ctx, "update idempotency key failed", zap.Error(err))
	}
}

func (s *AttemptService) releaseIdempotency(ctx context.Context, key string, acquired bool) {
	if !acquired {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Del(ctxCache.ctx, key); err != nil {
		logger.Warn(ctx, "release idempotency key failed", zap.Error(err))
	}
}

func (s *AttemptService) checkRateLimit(ctx context.Context, userID, clientIP string) error {
	if s.cache == nil || s.rateLimit.Window <= 0 || (s.rateLimit.UserMax <= 0 && s.rateLimit.IPMax <= 0) {
		return nil
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	if s.rateLimit.UserMax > 0 {
		if err := s.checkRateCounter(ctxCache.ctx, rateUserKeyPrefix+userID, s.rateLimit.UserMax); err != nil {
			return err
		}
	}
	if s.rateLimit.IPMax > 0 && clientIP != "" {
		if err := s.checkRateCounter(ctxCache.ctx, rateIPKeyPrefix+clientIP, s.rateLimit.IPMax); err != nil {
			return err
		}
	}
	return nil
}

func (s *AttemptService) checkRateCounter(ctx context.Context, key string, max int) error {
	count, err := s.cache.IncrWindow(ctx, key, s.rateLimit.Window)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	if int(count) > max {
		return appErr.New(appErr.SubmitTooFrequently)
	}
	return nil
}
