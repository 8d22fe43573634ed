package repository_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"codegrader/internal/attempt/model"
	"codegrader/internal/attempt/repository"
	"codegrader/internal/testutil"
)

var rowTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func attemptRow(id, status string, completed int, finished interface{}) []interface{} {
	return []interface{}{id, "u-1", int64(7), 1, nil, "attempts/" + id + "/source.code", rowTime, 2, completed, status, finished}
}

func submissionRow(token string, ordinal int, status string, judged bool) []interface{} {
	return []interface{}{token, "a-1", int64(100 + ordinal), ordinal, status, 0.0, int64(0), judged, rowTime}
}

// scriptAttempt routes the reads of one attempt with two submissions, the first already judged.
func scriptAttempt(fake *testutil.FakeDB, status string) {
	fake.OnQuery("SELECT attempt_id FROM attempt_submissions WHERE token", func(args []interface{}) ([][]interface{}, error) {
		if args[0] == "tok-1" || args[0] == "tok-2" {
			return [][]interface{}{{"a-1"}}, nil
		}
		return nil, nil
	})
	fake.OnQuery("FROM attempts WHERE id = ? FOR UPDATE", func(args []interface{}) ([][]interface{}, error) {
		return [][]interface{}{attemptRow("a-1", status, 1, nil)}, nil
	})
	fake.OnQuery("ORDER BY ordinal FOR UPDATE", func(args []interface{}) ([][]interface{}, error) {
		return [][]interface{}{
			submissionRow("tok-1", 0, "ACCEPTED", true),
			submissionRow("tok-2", 1, "IN_QUEUE", false),
		}, nil
	})
}

func TestMySQLUpdateByTokenLocksAttemptBeforeSubmissions(t *testing.T) {
	fake := testutil.NewFakeDB()
	scriptAttempt(fake, "IN_QUEUE")
	var attemptUpdate, submissionUpdate []interface{}
	fake.OnExec("UPDATE attempts SET", func(args []interface{}) (int64, error) {
		attemptUpdate = args
		return 1, nil
	})
	fake.OnExec("UPDATE attempt_submissions SET", func(args []interface{}) (int64, error) {
		submissionUpdate = args
		return 1, nil
	})
	store := repository.NewMySQLAttemptStore(fake, nil, 0)

	finished := rowTime.Add(time.Minute)
	err := store.UpdateByToken(context.Background(), "tok-2", func(_ context.Context, locked *repository.LockedAttempt) error {
		testutil.AssertEqual(t, len(locked.Submissions), 2)
		testutil.AssertEqual(t, locked.Target.Token, "tok-2")
		locked.Target.Judged = true
		locked.Target.Status = model.VerdictAccepted
		locked.Attempt.TestsCompleted++
		locked.Attempt.Status = model.VerdictAccepted
		locked.Attempt.FinishedAt = &finished
		return nil
	})
	testutil.AssertNoError(t, err)

	stmts := fake.Statements()
	want := []string{"SELECT attempt_id", "BEGIN", "FROM attempts WHERE id = ? FOR UPDATE", "ORDER BY ordinal FOR UPDATE", "UPDATE attempts SET", "UPDATE attempt_submissions SET", "COMMIT"}
	testutil.AssertEqual(t, len(stmts), len(want))
	for i, w := range want {
		if !strings.Contains(stmts[i], w) {
			t.Fatalf("statement %d: expected %q, got %q", i, w, stmts[i])
		}
	}
	testutil.AssertEqual(t, attemptUpdate[0], interface{}(2))
	testutil.AssertEqual(t, attemptUpdate[1], interface{}("ACCEPTED"))
	testutil.AssertEqual(t, submissionUpdate[3], interface{}(true))
	testutil.AssertEqual(t, submissionUpdate[5], interface{}("tok-2"))
}

func TestMySQLUpdateByTokenRollsBackOnError(t *testing.T) {
	fake := testutil.NewFakeDB()
	scriptAttempt(fake, "IN_QUEUE")
	store := repository.NewMySQLAttemptStore(fake, nil, 0)

	boom := errors.New("boom")
	err := store.UpdateByToken(context.Background(), "tok-2", func(context.Context, *repository.LockedAttempt) error {
		return boom
	})
	testutil.AssertErrorIs(t, err, boom)
	stmts := fake.Statements()
	testutil.AssertEqual(t, stmts[len(stmts)-1], "ROLLBACK")

	err = store.UpdateByToken(context.Background(), "tok-2", func(_ context.Context, locked *repository.LockedAttempt) error {
		locked.Attempt.TestsCompleted = 5
		return nil
	})
	if err == nil {
		t.Fatalf("expected counter overflow to be rejected")
	}
	stmts = fake.Statements()
	testutil.AssertEqual(t, stmts[len(stmts)-1], "ROLLBACK")
}

func TestMySQLUpdateByTokenUnknownToken(t *testing.T) {
	fake := testutil.NewFakeDB()
	scriptAttempt(fake, "IN_QUEUE")
	store := repository.NewMySQLAttemptStore(fake, nil, 0)

	err := store.UpdateByToken(context.Background(), "nope", func(context.Context, *repository.LockedAttempt) error {
		t.Fatalf("update should not run")
		return nil
	})
	testutil.AssertErrorIs(t, err, repository.ErrSubmissionNotFound)
}

func TestMySQLGetAttemptCachesOnlyFinalAttempts(t *testing.T) {
	mr, redisCache := testutil.NewRedisCache(t)
	fake := testutil.NewFakeDB()
	status := "IN_QUEUE"
	reads := 0
	fake.OnQuery("FROM attempts WHERE id = ? FOR UPDATE", func(args []interface{}) ([][]interface{}, error) {
		return [][]interface{}{attemptRow("a-1", status, 1, nil)}, nil
	})
	fake.OnQuery("ORDER BY ordinal FOR UPDATE", func(args []interface{}) ([][]interface{}, error) {
		return nil, nil
	})
	fake.OnQuery("FROM attempts WHERE id = ?", func(args []interface{}) ([][]interface{}, error) {
		reads++
		if status == "IN_QUEUE" {
			return [][]interface{}{attemptRow("a-1", status, 1, nil)}, nil
		}
		return [][]interface{}{attemptRow("a-1", status, 2, rowTime)}, nil
	})
	fake.OnExec("UPDATE attempts SET", func(args []interface{}) (int64, error) { return 1, nil })
	store := repository.NewMySQLAttemptStore(fake, redisCache, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		a, err := store.GetAttempt(ctx, "a-1")
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, a.Status, model.VerdictInQueue)
	}
	testutil.AssertEqual(t, reads, 2)
	testutil.AssertTrue(t, !mr.Exists("attempt:a-1"), "in-queue attempt should not be cached")

	status = "WRONG_ANSWER"
	for i := 0; i < 2; i++ {
		a, err := store.GetAttempt(ctx, "a-1")
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, a.Status, model.VerdictWrongAnswer)
		testutil.AssertTrue(t, a.FinishedAt != nil, "finished_at should be scanned")
	}
	testutil.AssertEqual(t, reads, 3)
	testutil.AssertTrue(t, mr.Exists("attempt:a-1"), "final attempt should be cached")

	err := store.UpdateAttemptLocked(ctx, "a-1", func(context.Context, *repository.LockedAttempt) error { return nil })
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, !mr.Exists("attempt:a-1"), "update should drop the cached attempt")
}

func TestMySQLGetAttemptNotFound(t *testing.T) {
	fake := testutil.NewFakeDB()
	fake.OnQuery("FROM attempts WHERE id = ?", func(args []interface{}) ([][]interface{}, error) {
		return nil, nil
	})
	store := repository.NewMySQLAttemptStore(fake, nil, 0)
	_, err := store.GetAttempt(context.Background(), "missing")
	testutil.AssertErrorIs(t, err, repository.ErrAttemptNotFound)
}

func TestMySQLCreateSubmissionsRejectsSecondBatch(t *testing.T) {
	fake := testutil.NewFakeDB()
	existing := 0
	fake.OnQuery("FROM attempts WHERE id = ? FOR UPDATE", func(args []interface{}) ([][]interface{}, error) {
		return [][]interface{}{attemptRow("a-1", "IN_QUEUE", 0, nil)}, nil
	})
	fake.OnQuery("SELECT COUNT(*) FROM attempt_submissions", func(args []interface{}) ([][]interface{}, error) {
		return [][]interface{}{{existing}}, nil
	})
	var inserted []interface{}
	fake.OnExec("INSERT INTO attempt_submissions", func(args []interface{}) (int64, error) {
		inserted = args
		return int64(len(args) / 9), nil
	})
	store := repository.NewMySQLAttemptStore(fake, nil, 0)

	subs := []*model.Submission{
		{Token: "tok-1", Ordinal: 0, TestCaseID: 100, Status: model.VerdictInQueue, UpdatedAt: rowTime},
		{Token: "tok-2", Ordinal: 1, TestCaseID: 101, Status: model.VerdictInQueue, UpdatedAt: rowTime},
	}
	testutil.AssertNoError(t, store.CreateSubmissions(context.Background(), "a-1", subs))
	testutil.AssertEqual(t, len(inserted), 18)
	testutil.AssertEqual(t, inserted[9], interface{}("tok-2"))
	testutil.AssertEqual(t, inserted[10], interface{}("a-1"))

	existing = 2
	err := store.CreateSubmissions(context.Background(), "a-1", subs)
	testutil.AssertErrorIs(t, err, repository.ErrSubmissionsExist)
}
