package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"codegrader/internal/attempt/model"
	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	"codegrader/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultAttemptCacheTTL = 30 * time.Minute
	attemptCacheKeyPrefix  = "attempt:"
)

const attemptColumns = "id, user_id, practice_id, language_id, metadata, source_key, submitted_at, tests_needed, tests_completed, status, finished_at"

const submissionColumns = "token, attempt_id, test_case_id, ordinal, status, time_ms, memory_kb, judged, updated_at"

// MySQLAttemptStore implements AttemptStore with MySQL row locks.
// Every update locks the attempt row first, then its submissions, so two
// updates of the same attempt always queue on the same lock.
// Terminal attempts are cached in Redis; any write drops the cached copy.
type MySQLAttemptStore struct {
	db    db.Database
	cache cache.Cache
	ttl   time.Duration
}

// NewMySQLAttemptStore creates a MySQL-backed store. cacheClient may be nil.
func NewMySQLAttemptStore(database db.Database, cacheClient cache.Cache, ttl time.Duration) *MySQLAttemptStore {
	if ttl <= 0 {
		ttl = defaultAttemptCacheTTL
	}
	return &MySQLAttemptStore{db: database, cache: cacheClient, ttl: ttl}
}

func (r *MySQLAttemptStore) CreateAttempt(ctx context.Context, attempt *model.Attempt) error {
	if err := validateAttempt(attempt); err != nil {
		return err
	}
	query := `
		INSERT INTO attempts
		(id, user_id, practice_id, language_id, metadata, source_key, submitted_at, tests_needed, tests_completed, status, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(ctx, query,
		attempt.ID,
		attempt.UserID,
		attempt.PracticeID,
		attempt.LanguageID,
		nullableJSON(attempt.Metadata),
		attempt.SourceKey,
		attempt.SubmittedAt,
		attempt.TestsNeeded,
		attempt.TestsCompleted,
		string(attempt.Status),
		nullableTime(attempt.FinishedAt),
	)
	if err != nil {
		if _, dup := db.UniqueViolation(err); dup {
			return ErrDuplicateAttempt
		}
		return err
	}
	return nil
}

func (r *MySQLAttemptStore) CreateSubmissions(ctx context.Context, attemptID string, subs []*model.Submission) error {
	if err := validateSubmissions(attemptID, subs); err != nil {
		return err
	}
	return r.db.Transaction(ctx, func(tx db.Transaction) error {
		if _, err := lockAttempt(ctx, tx, attemptID); err != nil {
			return err
		}
		var existing int
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM attempt_submissions WHERE attempt_id = ?", attemptID).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return ErrSubmissionsExist
		}
		if len(subs) == 0 {
			return nil
		}

		values := make([]string, 0, len(subs))
		args := make([]interface{}, 0, len(subs)*9)
		for _, s := range subs {
			values = append(values, "("+db.Placeholders(9)+")")
			args = append(args,
				s.Token, attemptID, s.TestCaseID, s.Ordinal, string(s.Status),
				s.TimeMs, s.MemoryKB, s.Judged, s.UpdatedAt,
			)
		}
		query := "INSERT INTO attempt_submissions (" + submissionColumns + ") VALUES " + strings.Join(values, ", ")
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			if _, dup := db.UniqueViolation(err); dup {
				return ErrDuplicateToken
			}
			return err
		}
		return nil
	})
}

func (r *MySQLAttemptStore) FailAttempt(ctx context.Context, attemptID string, at time.Time) (*model.Attempt, bool, error) {
	return failAttempt(ctx, r, attemptID, at)
}

func (r *MySQLAttemptStore) GetAttempt(ctx context.Context, attemptID string) (*model.Attempt, error) {
	fetch := func(ctx context.Context) (*model.Attempt, error) {
		a, err := scanAttempt(r.db.QueryRow(ctx, "SELECT "+attemptColumns+" FROM attempts WHERE id = ?", attemptID))
		if err != nil {
			if db.IsNoRows(err) {
				return nil, ErrAttemptNotFound
			}
			return nil, err
		}
		return a, nil
	}
	// Only terminal attempts are cached; an IN_QUEUE attempt changes with every callback.
	return cache.GetWithCached(ctx, r.cache, attemptCacheKey(attemptID), r.ttl, 0, attemptCodec, fetch)
}

func (r *MySQLAttemptStore) ListSubmissions(ctx context.Context, attemptID string) ([]*model.Submission, error) {
	var exists int
	err := r.db.QueryRow(ctx, "SELECT 1 FROM attempts WHERE id = ?", attemptID).Scan(&exists)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return querySubmissions(ctx, r.db, "SELECT "+submissionColumns+" FROM attempt_submissions WHERE attempt_id = ? ORDER BY ordinal", attemptID)
}

func (r *MySQLAttemptStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]*model.Attempt, int64, error) {
	opts := filter.Options
	if err := opts.Validate(); err != nil {
		return nil, 0, err
	}

	var (
		conds []string
		args  []interface{}
	)
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.PracticeID > 0 {
		conds = append(conds, "practice_id = ?")
		args = append(args, filter.PracticeID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if !opts.NoCount {
		if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM attempts"+where, args...).Scan(&total); err != nil {
			return nil, 0, err
		}
	}

	query := "SELECT " + attemptColumns + " FROM attempts" + where + " ORDER BY submitted_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := r.db.Query(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]*model.Attempt, 0, opts.Limit)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if opts.NoCount {
		total = int64(len(out))
	}
	return out, total, nil
}

func (r *MySQLAttemptStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*model.Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + attemptColumns + " FROM attempts WHERE status = ? AND submitted_at < ? ORDER BY submitted_at LIMIT ?"
	rows, err := r.db.Query(ctx, query, string(model.VerdictInQueue), olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *MySQLAttemptStore) UpdateByToken(ctx context.Context, token string, fn UpdateFunc) error {
	var attemptID string
	err := r.db.QueryRow(ctx, "SELECT attempt_id FROM attempt_submissions WHERE token = ?", token).Scan(&attemptID)
	if err != nil {
		if db.IsNoRows(err) {
			return ErrSubmissionNotFound
		}
		return err
	}
	return r.update(ctx, attemptID, token, fn)
}

func (r *MySQLAttemptStore) UpdateAttemptLocked(ctx context.Context, attemptID string, fn UpdateFunc) error {
	return r.update(ctx, attemptID, "", fn)
}

func (r *MySQLAttemptStore) update(ctx context.Context, attemptID, token string, fn UpdateFunc) error {
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		attempt, err := lockAttempt(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		// Locking read: a plain SELECT would see the snapshot taken before the attempt lock was granted.
		subs, err := querySubmissions(ctx, tx, "SELECT "+submissionColumns+" FROM attempt_submissions WHERE attempt_id = ? ORDER BY ordinal FOR UPDATE", attemptID)
		if err != nil {
			return err
		}
		locked := &LockedAttempt{Attempt: attempt, Submissions: subs}
		for _, s := range subs {
			if s.Token == token {
				locked.Target = s
			}
		}
		if token != "" && locked.Target == nil {
			return ErrSubmissionNotFound
		}

		if err := fn(ctx, locked); err != nil {
			return err
		}
		if err := validateAttempt(locked.Attempt); err != nil {
			return err
		}

		a := locked.Attempt
		_, err = tx.Exec(ctx,
			"UPDATE attempts SET tests_completed = ?, status = ?, finished_at = ? WHERE id = ?",
			a.TestsCompleted, string(a.Status), nullableTime(a.FinishedAt), attemptID,
		)
		if err != nil {
			return err
		}
		if t := locked.Target; t != nil {
			_, err = tx.Exec(ctx,
				"UPDATE attempt_submissions SET status = ?, time_ms = ?, memory_kb = ?, judged = ?, updated_at = ? WHERE token = ?",
				string(t.Status), t.TimeMs, t.MemoryKB, t.Judged, t.UpdatedAt, t.Token,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.invalidate(ctx, attemptID)
	return nil
}

func (r *MySQLAttemptStore) invalidate(ctx context.Context, attemptID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, attemptCacheKey(attemptID)); err != nil {
		logger.Warn(ctx, "drop cached attempt failed", zap.String("attempt_id", attemptID), zap.Error(err))
	}
}

func lockAttempt(ctx context.Context, q db.Querier, attemptID string) (*model.Attempt, error) {
	a, err := scanAttempt(q.QueryRow(ctx, "SELECT "+attemptColumns+" FROM attempts WHERE id = ? FOR UPDATE", attemptID))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return a, nil
}

func querySubmissions(ctx context.Context, q db.Querier, query string, args ...interface{}) ([]*model.Submission, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.Submission, 0)
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanAttempt(scanner db.Row) (*model.Attempt, error) {
	var (
		a        model.Attempt
		metadata []byte
		status   string
		finished sql.NullTime
	)
	err := scanner.Scan(
		&a.ID,
		&a.UserID,
		&a.PracticeID,
		&a.LanguageID,
		&metadata,
		&a.SourceKey,
		&a.SubmittedAt,
		&a.TestsNeeded,
		&a.TestsCompleted,
		&status,
		&finished,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		a.Metadata = json.RawMessage(metadata)
	}
	a.Status, err = model.ParseVerdict(status)
	if err != nil {
		return nil, fmt.Errorf("attempt %s: %w", a.ID, err)
	}
	if finished.Valid {
		t := finished.Time
		a.FinishedAt = &t
	}
	return &a, nil
}

func scanSubmission(scanner db.Row) (*model.Submission, error) {
	var (
		s      model.Submission
		status string
	)
	err := scanner.Scan(
		&s.Token,
		&s.AttemptID,
		&s.TestCaseID,
		&s.Ordinal,
		&status,
		&s.TimeMs,
		&s.MemoryKB,
		&s.Judged,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status, err = model.ParseVerdict(status)
	if err != nil {
		return nil, fmt.Errorf("submission %s: %w", s.Token, err)
	}
	return &s, nil
}

var attemptCodec = cache.Codec[*model.Attempt]{
	IsEmpty: func(a *model.Attempt) bool { return a == nil || !a.IsFinal() },
	Marshal: func(a *model.Attempt) (string, error) {
		payload, err := json.Marshal(a)
		if err != nil {
			return "", err
		}
		return string(payload), nil
	},
	Unmarshal: func(data string) (*model.Attempt, error) {
		var a model.Attempt
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, err
		}
		if a.ID == "" {
			return nil, errors.New("cached attempt has no id")
		}
		return &a, nil
	},
}

func attemptCacheKey(attemptID string) string {
	return attemptCacheKeyPrefix + attemptID
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

var _ AttemptStore = (*MySQLAttemptStore)(nil)
