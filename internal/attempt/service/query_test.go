package service_test

import (
	"context"
	"testing"
	"time"

	"codegrader/internal/attempt/model"
	"codegrader/internal/testutil"
	appErr "codegrader/pkg/errors"
)

func TestGetAttemptOwnerOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 3)
	a := f.create(t)
	tokens := f.tokens(t, a.ID)
	f.callback(t, tokens[0], statusAccepted)
	f.callback(t, tokens[2], statusWrongAnswer)

	view, err := f.svc.GetAttempt(context.Background(), ownerID, a.ID)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, view.Attempt.ID, a.ID)
	testutil.AssertEqual(t, view.PassedCount, 1)
	testutil.AssertEqual(t, view.TotalTests, 3)
	testutil.AssertEqual(t, len(view.Submissions), 3)
	testutil.AssertEqual(t, view.Submissions[2].Status, model.VerdictWrongAnswer)

	_, err = f.svc.GetAttempt(context.Background(), "someone-else", a.ID)
	if !appErr.Is(err, appErr.PermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestGetAttemptNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	_, err := f.svc.GetAttempt(context.Background(), ownerID, "missing")
	if !appErr.Is(err, appErr.AttemptNotFound) {
		t.Fatalf("expected AttemptNotFound, got %v", err)
	}
	_, err = f.svc.GetAttempt(context.Background(), ownerID, "")
	if !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

func TestGetAttemptReadsThroughCache(t *testing.T) {
	t.Parallel()
	_, redisCache := testutil.NewRedisCache(t)
	f := newFixture(t, 1, withCache(redisCache))
	a := f.create(t)
	f.callback(t, f.tokens(t, a.ID)[0], statusAccepted)

	for i := 0; i < 2; i++ {
		view, err := f.svc.GetAttempt(context.Background(), ownerID, a.ID)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, view.Attempt.Status, model.VerdictAccepted)
		testutil.AssertEqual(t, view.PassedCount, 1)
	}
}

func TestListAttemptsPagination(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		f.now = f.now.Add(time.Minute)
		ids = append(ids, f.create(t).ID)
	}

	page, err := f.svc.ListAttempts(context.Background(), ownerID, practiceID, 1, 2)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, page.Total, int64(5))
	testutil.AssertEqual(t, page.Page, 1)
	testutil.AssertEqual(t, page.PageSize, 2)
	testutil.AssertEqual(t, len(page.Attempts), 2)
	testutil.AssertEqual(t, page.Attempts[0].ID, ids[4])
	testutil.AssertEqual(t, page.Attempts[1].ID, ids[3])

	page, err = f.svc.ListAttempts(context.Background(), ownerID, practiceID, 3, 2)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(page.Attempts), 1)
	testutil.AssertEqual(t, page.Attempts[0].ID, ids[0])

	page, err = f.svc.ListAttempts(context.Background(), ownerID, practiceID+1, 1, 10)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, page.Total, int64(0))

	_, err = f.svc.ListAttempts(context.Background(), "", 0, 1, 10)
	if !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}
