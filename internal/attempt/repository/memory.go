package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"codegrader/internal/attempt/model"
)

// MemoryAttemptStore keeps attempts in process memory.
// Updates to one attempt are serialized by a per-attempt mutex; different attempts never contend.
type MemoryAttemptStore struct {
	mu          sync.RWMutex
	attempts    map[string]*model.Attempt
	submissions map[string]*model.Submission
	byAttempt   map[string][]string
	locks       map[string]*sync.Mutex
}

// NewMemoryAttemptStore creates an empty in-memory store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		attempts:    make(map[string]*model.Attempt),
		submissions: make(map[string]*model.Submission),
		byAttempt:   make(map[string][]string),
		locks:       make(map[string]*sync.Mutex),
	}
}

func (s *MemoryAttemptStore) CreateAttempt(ctx context.Context, attempt *model.Attempt) error {
	if err := validateAttempt(attempt); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attempts[attempt.ID]; exists {
		return ErrDuplicateAttempt
	}
	s.attempts[attempt.ID] = attempt.Clone()
	s.locks[attempt.ID] = &sync.Mutex{}
	return nil
}

func (s *MemoryAttemptStore) CreateSubmissions(ctx context.Context, attemptID string, subs []*model.Submission) error {
	if err := validateSubmissions(attemptID, subs); err != nil {
		return err
	}
	lock, err := s.attemptLock(attemptID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.byAttempt[attemptID]) > 0 {
		return ErrSubmissionsExist
	}
	for _, sub := range subs {
		if _, exists := s.submissions[sub.Token]; exists {
			return ErrDuplicateToken
		}
	}
	tokens := make([]string, 0, len(subs))
	for _, sub := range subs {
		c := sub.Clone()
		c.AttemptID = attemptID
		s.submissions[c.Token] = c
		tokens = append(tokens, c.Token)
	}
	s.byAttempt[attemptID] = tokens
	return nil
}

func (s *MemoryAttemptStore) FailAttempt(ctx context.Context, attemptID string, at time.Time) (*model.Attempt, bool, error) {
	return failAttempt(ctx, s, attemptID, at)
}

func (s *MemoryAttemptStore) GetAttempt(ctx context.Context, attemptID string) (*model.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryAttemptStore) ListSubmissions(ctx context.Context, attemptID string) ([]*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.attempts[attemptID]; !ok {
		return nil, ErrAttemptNotFound
	}
	return s.siblingsLocked(attemptID), nil
}

func (s *MemoryAttemptStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]*model.Attempt, int64, error) {
	opts := filter.Options
	if err := opts.Validate(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	matched := make([]*model.Attempt, 0)
	for _, a := range s.attempts {
		if filter.UserID != "" && a.UserID != filter.UserID {
			continue
		}
		if filter.PracticeID > 0 && a.PracticeID != filter.PracticeID {
			continue
		}
		matched = append(matched, a.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
	})

	total := int64(len(matched))
	if opts.Offset >= len(matched) {
		return []*model.Attempt{}, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[opts.Offset:end], total, nil
}

func (s *MemoryAttemptStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*model.Attempt, error) {
	s.mu.RLock()
	stale := make([]*model.Attempt, 0)
	for _, a := range s.attempts {
		if a.Status == model.VerdictInQueue && a.SubmittedAt.Before(olderThan) {
			stale = append(stale, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].SubmittedAt.Before(stale[j].SubmittedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *MemoryAttemptStore) UpdateByToken(ctx context.Context, token string, fn UpdateFunc) error {
	s.mu.RLock()
	sub, ok := s.submissions[token]
	var attemptID string
	if ok {
		attemptID = sub.AttemptID
	}
	s.mu.RUnlock()
	if !ok {
		return ErrSubmissionNotFound
	}
	return s.update(ctx, attemptID, token, fn)
}

func (s *MemoryAttemptStore) UpdateAttemptLocked(ctx context.Context, attemptID string, fn UpdateFunc) error {
	return s.update(ctx, attemptID, "", fn)
}

func (s *MemoryAttemptStore) update(ctx context.Context, attemptID, token string, fn UpdateFunc) error {
	lock, err := s.attemptLock(attemptID)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	locked := &LockedAttempt{
		Attempt:     s.attempts[attemptID].Clone(),
		Submissions: s.siblingsLocked(attemptID),
	}
	s.mu.RUnlock()
	for _, sub := range locked.Submissions {
		if sub.Token == token {
			locked.Target = sub
		}
	}

	if err := fn(ctx, locked); err != nil {
		return err
	}
	if err := validateAttempt(locked.Attempt); err != nil {
		return err
	}

	s.mu.Lock()
	s.attempts[attemptID] = locked.Attempt.Clone()
	if locked.Target != nil {
		s.submissions[locked.Target.Token] = locked.Target.Clone()
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryAttemptStore) attemptLock(attemptID string) (*sync.Mutex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.locks[attemptID]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return lock, nil
}

// siblingsLocked returns copies of the attempt's submissions; s.mu must be held.
func (s *MemoryAttemptStore) siblingsLocked(attemptID string) []*model.Submission {
	tokens := s.byAttempt[attemptID]
	out := make([]*model.Submission, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, s.submissions[token].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

var _ AttemptStore = (*MemoryAttemptStore)(nil)
