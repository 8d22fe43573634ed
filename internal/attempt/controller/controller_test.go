package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"codegrader/internal/attempt/catalog"
	"codegrader/internal/attempt/controller"
	"codegrader/internal/attempt/judge"
	"codegrader/internal/attempt/model"
	"codegrader/internal/attempt/repository"
	"codegrader/internal/attempt/service"
	"codegrader/internal/common/http/middleware"
	"codegrader/internal/testutil"
	appErr "codegrader/pkg/errors"

	"github.com/gin-gonic/gin"
)

type stubJudge struct {
	mu  sync.Mutex
	seq int
}

func (j *stubJudge) Dispatch(ctx context.Context, reqs []judge.ExecutionRequest) ([]judge.DispatchResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]judge.DispatchResult, len(reqs))
	for i := range reqs {
		j.seq++
		out[i] = judge.DispatchResult{Index: i, Token: fmt.Sprintf("tok-%d", j.seq)}
	}
	return out, nil
}

type envelope struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
}

func newRouter(t *testing.T) (*gin.Engine, *repository.MemoryAttemptStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryAttemptStore()
	cat := catalog.NewStaticCatalog()
	cat.PutPractice(model.Practice{ID: 7, CourseID: 3, MemoryLimitKB: 65536, TimeLimitSec: 1, Languages: []int{1, 2}}, []model.TestCase{
		{ID: 1, Ordinal: 0, Input: "1", Expected: "1"},
		{ID: 2, Ordinal: 1, Input: "2", Expected: "2"},
	})
	cat.SetParticipant("u-1", 3, true)

	svc, err := service.NewAttemptService(service.Config{
		Store:         store,
		Practices:     cat,
		Participation: cat,
		Judge:         &stubJudge{},
		CallbackURL:   "http://grader.local/api/v1/judge/callback",
	})
	if err != nil {
		t.Fatalf("create attempt service failed: %v", err)
	}
	return controller.NewRouter(svc, middleware.TraceContextConfig{AllowUserIDHeader: true}), store
}

func do(t *testing.T, router http.Handler, method, path, userID string, body []byte) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(middleware.UserIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func createAttempt(t *testing.T, router http.Handler) controller.CreateAttemptResponse {
	t.Helper()
	body := testutil.MustMarshalJSON(t, map[string]interface{}{"language_id": 1, "source_code": "print(1)"})
	rec, env := do(t, router, http.MethodPost, "/api/v1/practices/7/attempts", "u-1", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("create attempt status %d: %s", rec.Code, rec.Body.String())
	}
	var out controller.CreateAttemptResponse
	testutil.MustUnmarshalJSON(t, env.Data, &out)
	return out
}

func TestCreateAndFinishAttemptOverHTTP(t *testing.T) {
	router, store := newRouter(t)
	created := createAttempt(t, router)
	testutil.AssertEqual(t, created.Status, "IN_QUEUE")
	testutil.AssertEqual(t, created.TestsNeeded, 2)

	subs, err := store.ListSubmissions(context.Background(), created.AttemptID)
	testutil.AssertNoError(t, err)
	for _, s := range subs {
		// Judge0 sends time as a string and the status as an object.
		body := []byte(fmt.Sprintf(`{"token":%q,"status":{"id":3,"description":"Accepted"},"time":"0.012","memory":1024}`, s.Token))
		rec, _ := do(t, router, http.MethodPut, "/api/v1/judge/callback", "", body)
		testutil.AssertEqual(t, rec.Code, http.StatusOK)
		testutil.AssertEqual(t, rec.Body.String(), "{}")
	}

	rec, env := do(t, router, http.MethodGet, "/api/v1/attempts/"+created.AttemptID, "u-1", nil)
	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	var got controller.AttemptResponse
	testutil.MustUnmarshalJSON(t, env.Data, &got)
	testutil.AssertEqual(t, got.Attempt.Status, "ACCEPTED")
	testutil.AssertEqual(t, got.PassedCount, 2)
	testutil.AssertEqual(t, len(got.Tests), 2)
	testutil.AssertEqual(t, got.Tests[0].TimeMs, 12.0)
	testutil.AssertTrue(t, got.Attempt.FinishedAt != "", "finished_at should be set")

	rec, env = do(t, router, http.MethodGet, "/api/v1/attempts/"+created.AttemptID, "u-2", nil)
	testutil.AssertEqual(t, rec.Code, http.StatusForbidden)
	testutil.AssertEqual(t, env.Code, appErr.PermissionDenied)
}

func TestMalformedCallbackGradesAsServiceError(t *testing.T) {
	router, store := newRouter(t)
	created := createAttempt(t, router)

	subs, err := store.ListSubmissions(context.Background(), created.AttemptID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(subs), 2)

	first := []byte(fmt.Sprintf(`{"token":%q,"status":{"id":3},"time":"0.010","memory":512}`, subs[0].Token))
	rec, _ := do(t, router, http.MethodPut, "/api/v1/judge/callback", "", first)
	testutil.AssertEqual(t, rec.Code, http.StatusOK)

	second := []byte(fmt.Sprintf(`{"token":%q,"status":{"id":4},"time":"n/a"}`, subs[1].Token))
	rec, _ = do(t, router, http.MethodPut, "/api/v1/judge/callback", "", second)
	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	testutil.AssertEqual(t, rec.Body.String(), "{}")

	attempt, err := store.GetAttempt(context.Background(), created.AttemptID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, attempt.TestsCompleted, 2)
	testutil.AssertEqual(t, attempt.Status, model.VerdictServiceError)

	subs, err = store.ListSubmissions(context.Background(), created.AttemptID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, subs[1].Status, model.VerdictServiceError)
	testutil.AssertEqual(t, subs[1].TimeMs, 0.0)
}

func TestCreateAttemptRequestErrors(t *testing.T) {
	router, _ := newRouter(t)
	valid := testutil.MustMarshalJSON(t, map[string]interface{}{"language_id": 1, "source_code": "x"})
	tests := []struct {
		name   string
		path   string
		userID string
		body   []byte
		status int
		code   appErr.ErrorCode
	}{
		{name: "missing user", path: "/api/v1/practices/7/attempts", body: valid, status: http.StatusUnauthorized, code: appErr.Unauthorized},
		{name: "bad practice id", path: "/api/v1/practices/abc/attempts", userID: "u-1", body: valid, status: http.StatusBadRequest, code: appErr.InvalidParams},
		{name: "bad body", path: "/api/v1/practices/7/attempts", userID: "u-1", body: []byte(`{"language_id":`), status: http.StatusBadRequest, code: appErr.InvalidParams},
		{name: "unknown practice", path: "/api/v1/practices/8/attempts", userID: "u-1", body: valid, status: http.StatusNotFound, code: appErr.PracticeNotFound},
		{name: "not a participant", path: "/api/v1/practices/7/attempts", userID: "u-9", body: valid, status: http.StatusForbidden, code: appErr.NotParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, router, http.MethodPost, tt.path, tt.userID, tt.body)
			testutil.AssertEqual(t, rec.Code, tt.status)
			testutil.AssertEqual(t, env.Code, tt.code)
		})
	}
}

func TestListAttemptsOverHTTP(t *testing.T) {
	router, _ := newRouter(t)
	for i := 0; i < 3; i++ {
		createAttempt(t, router)
	}
	rec, env := do(t, router, http.MethodGet, "/api/v1/practices/7/attempts?page=1&page_size=2", "u-1", nil)
	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	var page struct {
		Items      []controller.AttemptSummary `json:"items"`
		Total      int64                       `json:"total"`
		TotalPages int                         `json:"total_pages"`
	}
	testutil.MustUnmarshalJSON(t, env.Data, &page)
	testutil.AssertEqual(t, len(page.Items), 2)
	testutil.AssertEqual(t, page.Total, int64(3))
	testutil.AssertEqual(t, page.TotalPages, 2)
}

func TestCallbackAcknowledgesEverythingButNonJSON(t *testing.T) {
	router, _ := newRouter(t)
	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{name: "unknown token", method: http.MethodPut, body: `{"token":"nope","status":{"id":3}}`, status: http.StatusOK},
		{name: "null status", method: http.MethodPost, body: `{"token":"nope","status":null,"time":null}`, status: http.StatusOK},
		{name: "missing token", method: http.MethodPut, body: `{"status":{"id":3}}`, status: http.StatusOK},
		{name: "not json", method: http.MethodPut, body: `token=abc`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, router, tt.method, "/api/v1/judge/callback", "", []byte(tt.body))
			testutil.AssertEqual(t, rec.Code, tt.status)
			testutil.AssertEqual(t, rec.Body.String(), "{}")
		})
	}
}

func TestLanguagesHealthAndMetrics(t *testing.T) {
	router, _ := newRouter(t)
	rec, env := do(t, router, http.MethodGet, "/api/v1/languages", "", nil)
	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	var langs []model.Language
	testutil.MustUnmarshalJSON(t, env.Data, &langs)
	testutil.AssertEqual(t, len(langs), 2)
	testutil.AssertEqual(t, langs[0].JudgeID, 71)

	rec, _ = do(t, router, http.MethodGet, "/healthz", "", nil)
	testutil.AssertEqual(t, rec.Code, http.StatusOK)

	rec, _ = do(t, router, http.MethodGet, "/metrics", "", nil)
	testutil.AssertEqual(t, rec.Code, http.StatusOK)
	testutil.AssertTrue(t, bytes.Contains(rec.Body.Bytes(), []byte("http_requests_total")), "metrics should expose request counter")
}
