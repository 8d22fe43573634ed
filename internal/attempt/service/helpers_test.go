package service_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codegrader/internal/attempt/catalog"
	"codegrader/internal/attempt/judge"
	"codegrader/internal/attempt/model"
	"codegrader/internal/attempt/repository"
	"codegrader/internal/attempt/service"
	"codegrader/internal/common/cache"
	"codegrader/internal/common/mq"
	"codegrader/internal/testutil"
)

const (
	statusAccepted     = judge.StatusAccepted
	statusWrongAnswer  = judge.StatusWrongAnswer
	statusTimeLimit    = judge.StatusTimeLimitExceeded
	statusInternalFail = judge.StatusInternalError

	practiceID = int64(7)
	courseID   = int64(3)
	ownerID    = "u-1"
)

type fakeJudge struct {
	mu        sync.Mutex
	calls     [][]judge.ExecutionRequest
	failIndex int
	seq       atomic.Int64
	// onDispatch runs after tokens are issued and before Dispatch returns.
	onDispatch func(results []judge.DispatchResult)
}

func newFakeJudge() *fakeJudge {
	return &fakeJudge{failIndex: -1}
}

func (f *fakeJudge) Dispatch(ctx context.Context, reqs []judge.ExecutionRequest) ([]judge.DispatchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, reqs)
	f.mu.Unlock()

	results := make([]judge.DispatchResult, len(reqs))
	var dispatchErr error
	for i := range reqs {
		if i == f.failIndex {
			err := fmt.Errorf("judge unavailable")
			results[i] = judge.DispatchResult{Index: i, Err: err}
			if dispatchErr == nil {
				dispatchErr = &judge.DispatchError{Index: i, StatusCode: 503, Err: err}
			}
			continue
		}
		results[i] = judge.DispatchResult{Index: i, Token: fmt.Sprintf("tok-%d", f.seq.Add(1))}
	}
	if f.onDispatch != nil {
		f.onDispatch(results)
	}
	return results, dispatchErr
}

func (f *fakeJudge) lastCall() []judge.ExecutionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeJudge) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeProducer struct {
	mu       sync.Mutex
	topic    string
	messages []*mq.Message
	err      error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.messages = append(p.messages, message)
	return p.err
}

func (p *fakeProducer) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, m := range messages {
		if err := p.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type fixture struct {
	svc      *service.AttemptService
	store    *repository.MemoryAttemptStore
	catalog  *catalog.StaticCatalog
	judge    *fakeJudge
	producer *fakeProducer
	objects  *testutil.FakeObjectStorage
	now      time.Time
}

type fixtureOption func(*service.Config)

func withCache(c cache.Cache) fixtureOption {
	return func(cfg *service.Config) { cfg.Cache = c }
}

// withFlakyStore puts fs in front of the fixture's memory store.
func withFlakyStore(fs *flakyStore) fixtureOption {
	return func(cfg *service.Config) {
		fs.AttemptStore = cfg.Store
		cfg.Store = fs
	}
}

// flakyStore fails the next `failures` UpdateByToken calls with failErr.
type flakyStore struct {
	repository.AttemptStore
	mu       sync.Mutex
	failures int
	failErr  error
	calls    int
}

func (s *flakyStore) UpdateByToken(ctx context.Context, token string, fn repository.UpdateFunc) error {
	s.mu.Lock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return s.failErr
	}
	s.mu.Unlock()
	return s.AttemptStore.UpdateByToken(ctx, token, fn)
}

func (s *flakyStore) setFailures(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *flakyStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func withRateLimit(userMax int) fixtureOption {
	return func(cfg *service.Config) {
		cfg.RateLimit = service.RateLimitConfig{UserMax: userMax, Window: time.Minute}
	}
}

// newFixture builds a service over in-memory collaborators with a practice of `tests` cases.
func newFixture(t *testing.T, tests int, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    repository.NewMemoryAttemptStore(),
		catalog:  catalog.NewStaticCatalog(),
		judge:    newFakeJudge(),
		producer: &fakeProducer{},
		objects:  testutil.NewFakeObjectStorage(),
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cases := make([]model.TestCase, 0, tests)
	for i := 0; i < tests; i++ {
		cases = append(cases, model.TestCase{
			ID:       int64(100 + i),
			Ordinal:  i,
			Input:    fmt.Sprintf("in-%d", i),
			Expected: fmt.Sprintf("out-%d", i),
		})
	}
	f.catalog.PutPractice(model.Practice{
		ID:            practiceID,
		CourseID:      courseID,
		MemoryLimitKB: 65536,
		TimeLimitSec:  2,
		MaxThreads:    1,
		Languages:     []int{1},
	}, cases)
	f.catalog.SetParticipant(ownerID, courseID, true)
	f.catalog.SetParticipant("pending", courseID, false)

	cfg := service.Config{
		Store:          f.store,
		Practices:      f.catalog,
		Participation:  f.catalog,
		Languages:      catalog.NewLanguages(catalog.DefaultLanguages()),
		Judge:          f.judge,
		Storage:        f.objects,
		Producer:       f.producer,
		CallbackURL:    "http://grader.local/api/v1/judge/callback",
		FinalizedTopic: "attempt.finalized",
		SourceBucket:   "sources",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	svc, err := service.NewAttemptService(cfg)
	if err != nil {
		t.Fatalf("create attempt service failed: %v", err)
	}
	svc.SetClock(func() time.Time { return f.now })
	f.svc = svc
	return f
}

func (f *fixture) create(t *testing.T) *model.Attempt {
	t.Helper()
	a, err := f.svc.CreateAttempt(context.Background(), service.CreateAttemptInput{
		UserID:     ownerID,
		PracticeID: practiceID,
		LanguageID: 1,
		SourceCode: "print(input())",
	})
	if err != nil {
		t.Fatalf("create attempt failed: %v", err)
	}
	return a
}

func (f *fixture) tokens(t *testing.T, attemptID string) []string {
	t.Helper()
	subs, err := f.store.ListSubmissions(context.Background(), attemptID)
	testutil.AssertNoError(t, err)
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Token)
	}
	return out
}

func (f *fixture) callback(t *testing.T, token string, statusID int) {
	t.Helper()
	err := f.svc.HandleCallback(context.Background(), service.CallbackInput{Token: token, StatusID: statusID, TimeMs: 12.5, MemoryKB: 2048})
	testutil.AssertNoError(t, err)
}

func (f *fixture) attempt(t *testing.T, id string) *model.Attempt {
	t.Helper()
	a, err := f.store.GetAttempt(context.Background(), id)
	testutil.AssertNoError(t, err)
	return a
}
