package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"codegrader/internal/attempt/model"
	"codegrader/internal/common/cache"
	"codegrader/internal/common/db"
	"codegrader/internal/common/storage"

	"golang.org/x/sync/errgroup"
)

const (
	defaultPracticeTTL         = 10 * time.Minute
	defaultPracticeEmptyTTL    = time.Minute
	defaultMaxTestCaseBytes    = 16 << 20
	defaultTestCaseConcurrency = 8
	practiceKeyPrefix          = "practice:"
)

// Config controls caching and test data loading.
type Config struct {
	Bucket              string        `yaml:"bucket"`
	PracticeTTL         time.Duration `yaml:"practiceTTL"`
	PracticeEmptyTTL    time.Duration `yaml:"practiceEmptyTTL"`
	MaxTestCaseBytes    int64         `yaml:"maxTestCaseBytes"`
	TestCaseConcurrency int           `yaml:"testCaseConcurrency"`
	// FixturesPath points at a YAML file read by the static catalog.
	FixturesPath string `yaml:"fixturesPath"`
}

// MySQLCatalog reads practices from MySQL and test data from object storage.
type MySQLCatalog struct {
	db      db.Database
	cache   cache.Cache
	storage storage.ObjectStorage
	cfg     Config
}

// NewMySQLCatalog creates a catalog. cacheClient may be nil.
func NewMySQLCatalog(database db.Database, cacheClient cache.Cache, objects storage.ObjectStorage, cfg Config) (*MySQLCatalog, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}
	if objects == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("test data bucket is required")
	}
	if cfg.PracticeTTL <= 0 {
		cfg.PracticeTTL = defaultPracticeTTL
	}
	if cfg.PracticeEmptyTTL <= 0 {
		cfg.PracticeEmptyTTL = defaultPracticeEmptyTTL
	}
	if cfg.MaxTestCaseBytes <= 0 {
		cfg.MaxTestCaseBytes = defaultMaxTestCaseBytes
	}
	if cfg.TestCaseConcurrency <= 0 {
		cfg.TestCaseConcurrency = defaultTestCaseConcurrency
	}
	return &MySQLCatalog{db: database, cache: cacheClient, storage: objects, cfg: cfg}, nil
}

func (c *MySQLCatalog) GetPractice(ctx context.Context, practiceID int64) (*model.Practice, error) {
	p, err := cache.GetWithCached(ctx, c.cache, practiceKey(practiceID), c.cfg.PracticeTTL, c.cfg.PracticeEmptyTTL, practiceCodec,
		func(ctx context.Context) (*model.Practice, error) {
			p, err := c.loadPractice(ctx, practiceID)
			if errors.Is(err, ErrPracticeNotFound) {
				return nil, nil
			}
			return p, err
		})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPracticeNotFound
	}
	return p, nil
}

func (c *MySQLCatalog) loadPractice(ctx context.Context, practiceID int64) (*model.Practice, error) {
	query := `
		SELECT id, course_id, title, memory_limit_kb, time_limit_sec, max_threads, network_allowed
		FROM practices
		WHERE id = ?`
	var p model.Practice
	err := c.db.QueryRow(ctx, query, practiceID).Scan(
		&p.ID,
		&p.CourseID,
		&p.Title,
		&p.MemoryLimitKB,
		&p.TimeLimitSec,
		&p.MaxThreads,
		&p.NetworkAllowed,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrPracticeNotFound
		}
		return nil, err
	}

	rows, err := c.db.Query(ctx, "SELECT language_id FROM practice_languages WHERE practice_id = ? ORDER BY language_id", practiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		p.Languages = append(p.Languages, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &p, nil
}

type testCaseRow struct {
	tc          model.TestCase
	inputKey    string
	expectedKey string
}

// ListTestCases reads the case list and fetches every body from object storage.
// A missing object fails the whole call so an attempt never runs against partial data.
func (c *MySQLCatalog) ListTestCases(ctx context.Context, practiceID int64) ([]model.TestCase, error) {
	query := `
		SELECT id, ordinal, input_key, expected_key, hidden
		FROM testcases
		WHERE practice_id = ?
		ORDER BY ordinal, id`
	rows, err := c.db.Query(ctx, query, practiceID)
	if err != nil {
		return nil, err
	}
	var list []testCaseRow
	for rows.Next() {
		var r testCaseRow
		if err := rows.Scan(&r.tc.ID, &r.tc.Ordinal, &r.inputKey, &r.expectedKey, &r.tc.Hidden); err != nil {
			_ = rows.Close()
			return nil, err
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	out := make([]model.TestCase, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.TestCaseConcurrency)
	for i := range list {
		g.Go(func() error {
			r := list[i]
			input, err := storage.ReadAll(gctx, c.storage, c.cfg.Bucket, r.inputKey, c.cfg.MaxTestCaseBytes)
			if err != nil {
				return fmt.Errorf("load input of test case %d: %w", r.tc.ID, err)
			}
			expected, err := storage.ReadAll(gctx, c.storage, c.cfg.Bucket, r.expectedKey, c.cfg.MaxTestCaseBytes)
			if err != nil {
				return fmt.Errorf("load expected output of test case %d: %w", r.tc.ID, err)
			}
			tc := r.tc
			tc.Input = string(input)
			tc.Expected = string(expected)
			out[i] = tc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsActiveParticipant treats a pending join request as not yet participating.
func (c *MySQLCatalog) IsActiveParticipant(ctx context.Context, userID string, courseID int64) (bool, error) {
	var isRequest bool
	err := c.db.QueryRow(ctx, "SELECT is_request FROM participations WHERE user_id = ? AND course_id = ?", userID, courseID).Scan(&isRequest)
	if err != nil {
		if db.IsNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return !isRequest, nil
}

var practiceCodec = cache.Codec[*model.Practice]{
	IsEmpty: func(p *model.Practice) bool { return p == nil },
	Marshal: func(p *model.Practice) (string, error) {
		payload, err := json.Marshal(p)
		if err != nil {
			return "", err
		}
		return string(payload), nil
	},
	Unmarshal: func(data string) (*model.Practice, error) {
		var p model.Practice
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, err
		}
		return &p, nil
	},
}

func practiceKey(practiceID int64) string {
	return practiceKeyPrefix + strconv.FormatInt(practiceID, 10)
}

var (
	_ PracticeCatalog      = (*MySQLCatalog)(nil)
	_ ParticipationChecker = (*MySQLCatalog)(nil)
)
