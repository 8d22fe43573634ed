package service

import (
	"context"
	"errors"

	"codegrader/internal/attempt/model"
	"codegrader/internal/attempt/repository"
	appErr "codegrader/pkg/errors"
	baserepo "codegrader/pkg/repository"
)

// AttemptView is an attempt with its per-test results as shown to its owner.
type AttemptView struct {
	Attempt     *model.Attempt
	Submissions []*model.Submission
	PassedCount int
	TotalTests  int
}

// AttemptPage is one page of a user's attempts, newest first.
type AttemptPage struct {
	Attempts []*model.Attempt
	Total    int64
	Page     int
	PageSize int
}

// GetAttempt returns an attempt owned by userID.
func (s *AttemptService) GetAttempt(ctx context.Context, userID, attemptID string) (*AttemptView, error) {
	if attemptID == "" {
		return nil, appErr.ValidationError("attempt_id", "required")
	}
	attempt, err := s.loadAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.UserID != userID {
		return nil, appErr.PermissionError("attempt belongs to another user")
	}

	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	subs, err := s.store.ListSubmissions(ctxDB.ctx, attemptID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	view := &AttemptView{Attempt: attempt, Submissions: subs, TotalTests: attempt.TestsNeeded}
	for _, sub := range subs {
		if sub.Judged && sub.Status == model.VerdictAccepted {
			view.PassedCount++
		}
	}
	return view, nil
}

// ListAttempts pages through a user's attempts, optionally limited to one practice.
func (s *AttemptService) ListAttempts(ctx context.Context, userID string, practiceID int64, page, pageSize int) (*AttemptPage, error) {
	if userID == "" {
		return nil, appErr.ValidationError("user_id", "required")
	}
	filter := repository.AttemptFilter{UserID: userID, PracticeID: practiceID}
	filter.Options.SetPagination(page, pageSize)

	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	attempts, total, err := s.store.ListAttempts(ctxDB.ctx, filter)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return &AttemptPage{
		Attempts: attempts,
		Total:    total,
		Page:     filter.Options.Page(),
		PageSize: filter.Options.Limit,
	}, nil
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, repository.ErrAttemptNotFound):
		return appErr.New(appErr.AttemptNotFound)
	case errors.Is(err, repository.ErrSubmissionNotFound):
		return appErr.New(appErr.SubmissionNotFound)
	case baserepo.IsNotFoundError(err):
		return appErr.Wrap(err, appErr.NotFound)
	default:
		return appErr.Wrapf(err, appErr.DatabaseError, "attempt store failed")
	}
}
