package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codegrader/internal/attempt/model"
	baserepo "codegrader/pkg/repository"
)

var (
	ErrAttemptNotFound    = fmt.Errorf("attempt: %w", baserepo.ErrNotFound)
	ErrSubmissionNotFound = fmt.Errorf("submission: %w", baserepo.ErrNotFound)
	ErrDuplicateToken     = fmt.Errorf("submission token: %w", baserepo.ErrAlreadyExists)
	ErrDuplicateAttempt   = fmt.Errorf("attempt: %w", baserepo.ErrAlreadyExists)
	ErrSubmissionsExist   = fmt.Errorf("attempt already has submissions: %w", baserepo.ErrConflict)
)

// LockedAttempt is the state visible to an update function while the attempt lock is held.
// Changes made to Attempt and Target are persisted when the function returns nil.
type LockedAttempt struct {
	Attempt *model.Attempt
	// Submissions holds every sibling of the attempt ordered by ordinal.
	Submissions []*model.Submission
	// Target is the submission resolved by token, or nil for attempt-keyed updates.
	// It is one of the entries of Submissions.
	Target *model.Submission
}

// UpdateFunc mutates a locked attempt. Returning an error discards every change.
type UpdateFunc func(ctx context.Context, locked *LockedAttempt) error

// AttemptFilter selects attempts for listing.
type AttemptFilter struct {
	UserID     string
	PracticeID int64
	Options    baserepo.ListOptions
}

// AttemptStore persists attempts and their submissions and serializes updates per attempt.
type AttemptStore interface {
	// CreateAttempt inserts a new attempt.
	CreateAttempt(ctx context.Context, attempt *model.Attempt) error

	// CreateSubmissions inserts every submission of an attempt at once.
	CreateSubmissions(ctx context.Context, attemptID string, subs []*model.Submission) error

	// FailAttempt sets SERVICE_ERROR when the attempt is still IN_QUEUE.
	// The bool reports whether this call changed the status.
	FailAttempt(ctx context.Context, attemptID string, at time.Time) (*model.Attempt, bool, error)

	GetAttempt(ctx context.Context, attemptID string) (*model.Attempt, error)
	ListSubmissions(ctx context.Context, attemptID string) ([]*model.Submission, error)
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]*model.Attempt, int64, error)

	// ListStale returns IN_QUEUE attempts submitted before olderThan, oldest first.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*model.Attempt, error)

	// UpdateByToken locks the attempt owning token and applies fn atomically.
	UpdateByToken(ctx context.Context, token string, fn UpdateFunc) error

	// UpdateAttemptLocked locks attemptID and applies fn atomically.
	UpdateAttemptLocked(ctx context.Context, attemptID string, fn UpdateFunc) error
}

// failAttempt is the shared FailAttempt body for stores built on UpdateAttemptLocked.
func failAttempt(ctx context.Context, store AttemptStore, attemptID string, at time.Time) (*model.Attempt, bool, error) {
	var (
		out     *model.Attempt
		changed bool
	)
	err := store.UpdateAttemptLocked(ctx, attemptID, func(ctx context.Context, locked *LockedAttempt) error {
		if !locked.Attempt.IsFinal() {
			locked.Attempt.Status = model.VerdictServiceError
			finished := at
			locked.Attempt.FinishedAt = &finished
			changed = true
		}
		out = locked.Attempt.Clone()
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

func validateAttempt(a *model.Attempt) error {
	if a == nil {
		return errors.New("attempt is nil")
	}
	if a.ID == "" {
		return errors.New("attempt id is required")
	}
	if a.UserID == "" {
		return errors.New("user id is required")
	}
	if a.PracticeID <= 0 {
		return errors.New("practice id is required")
	}
	if a.TestsNeeded < 0 || a.TestsCompleted < 0 || a.TestsCompleted > a.TestsNeeded {
		return fmt.Errorf("invalid test counters %d/%d", a.TestsCompleted, a.TestsNeeded)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("invalid status %q", a.Status)
	}
	return nil
}

func validateSubmissions(attemptID string, subs []*model.Submission) error {
	if attemptID == "" {
		return errors.New("attempt id is required")
	}
	seen := make(map[string]struct{}, len(subs))
	for _, s := range subs {
		if s == nil || s.Token == "" {
			return errors.New("submission token is required")
		}
		if _, dup := seen[s.Token]; dup {
			return ErrDuplicateToken
		}
		seen[s.Token] = struct{}{}
	}
	return nil
}
