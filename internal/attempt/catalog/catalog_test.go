package catalog_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codegrader/internal/attempt/catalog"
	"codegrader/internal/attempt/model"
	"codegrader/internal/common/storage"
	"codegrader/internal/testutil"
)

func TestLanguagesLookupAndOrder(t *testing.T) {
	t.Parallel()
	langs := catalog.NewLanguages([]model.Language{
		{ID: 2, Name: "Bash", JudgeID: 46},
		{ID: 1, Name: "Python", JudgeID: 70},
		{ID: 1, Name: "Python 3.8", JudgeID: 71},
	})

	py, ok := langs.Lookup(1)
	testutil.AssertTrue(t, ok, "python should be known")
	testutil.AssertEqual(t, py.JudgeID, 71)
	_, ok = langs.Lookup(99)
	testutil.AssertTrue(t, !ok, "unknown id should miss")

	list := langs.List()
	testutil.AssertEqual(t, len(list), 2)
	testutil.AssertEqual(t, list[0].ID, 1)
	testutil.AssertEqual(t, list[1].ID, 2)
}

func TestDefaultLanguages(t *testing.T) {
	t.Parallel()
	langs := catalog.NewLanguages(catalog.DefaultLanguages())
	py, _ := langs.Lookup(1)
	bash, _ := langs.Lookup(2)
	testutil.AssertEqual(t, py.JudgeID, 71)
	testutil.AssertEqual(t, bash.JudgeID, 46)
}

func TestStaticCatalog(t *testing.T) {
	t.Parallel()
	c := catalog.NewStaticCatalog()
	ctx := context.Background()
	c.PutPractice(model.Practice{ID: 7, CourseID: 3, Languages: []int{1}}, []model.TestCase{
		{ID: 2, Ordinal: 1, Input: "b"},
		{ID: 1, Ordinal: 0, Input: "a"},
	})
	c.SetParticipant("u-1", 3, true)
	c.SetParticipant("u-2", 3, false)

	p, err := c.GetPractice(ctx, 7)
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, p.AllowsLanguage(1), "language 1 should be allowed")
	p.Languages[0] = 9
	again, _ := c.GetPractice(ctx, 7)
	testutil.AssertEqual(t, again.Languages[0], 1)

	cases, err := c.ListTestCases(ctx, 7)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, cases[0].Input, "a")

	_, err = c.GetPractice(ctx, 8)
	testutil.AssertErrorIs(t, err, catalog.ErrPracticeNotFound)

	for user, want := range map[string]bool{"u-1": true, "u-2": false, "u-3": false} {
		got, err := c.IsActiveParticipant(ctx, user, 3)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, got, want)
	}
}

func TestLoadFixtures(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	content := `
practices:
  - id: 7
    courseID: 3
    title: Sum
    memoryLimitKB: 65536
    timeLimitSec: 1.5
    languages: [1, 2]
    testCases:
      - input: "1 2\n"
        expected: "3\n"
      - input: "2 2\n"
        expected: "4\n"
        hidden: true
participants:
  - userID: u-1
    courseID: 3
  - userID: u-2
    courseID: 3
    pending: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixtures failed: %v", err)
	}

	c, err := catalog.LoadFixtures(path)
	testutil.AssertNoError(t, err)
	ctx := context.Background()

	p, err := c.GetPractice(ctx, 7)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, p.MemoryLimitKB, 65536)
	testutil.AssertEqual(t, p.TimeLimitSec, 1.5)
	testutil.AssertTrue(t, p.AllowsLanguage(2), "bash should be allowed")

	cases, _ := c.ListTestCases(ctx, 7)
	testutil.AssertEqual(t, len(cases), 2)
	testutil.AssertEqual(t, cases[1].Expected, "4\n")
	testutil.AssertTrue(t, cases[1].Hidden, "second case should be hidden")

	active, _ := c.IsActiveParticipant(ctx, "u-1", 3)
	pending, _ := c.IsActiveParticipant(ctx, "u-2", 3)
	testutil.AssertTrue(t, active, "u-1 should be active")
	testutil.AssertTrue(t, !pending, "u-2 has only requested to join")
}

func newMySQLCatalog(t *testing.T, fake *testutil.FakeDB, objects storage.ObjectStorage, withCache bool) *catalog.MySQLCatalog {
	t.Helper()
	var c *catalog.MySQLCatalog
	var err error
	if withCache {
		_, redisCache := testutil.NewRedisCache(t)
		c, err = catalog.NewMySQLCatalog(fake, redisCache, objects, catalog.Config{Bucket: "testdata"})
	} else {
		c, err = catalog.NewMySQLCatalog(fake, nil, objects, catalog.Config{Bucket: "testdata"})
	}
	if err != nil {
		t.Fatalf("create catalog failed: %v", err)
	}
	return c
}

func TestMySQLCatalogGetPracticeCachesRowsAndMisses(t *testing.T) {
	t.Parallel()
	fake := testutil.NewFakeDB()
	fake.OnQuery("FROM practices", func(args []interface{}) ([][]interface{}, error) {
		if args[0].(int64) != 7 {
			return nil, nil
		}
		return [][]interface{}{{int64(7), int64(3), "Sum", 65536, 2.0, 1, false}}, nil
	})
	fake.OnQuery("FROM practice_languages", func(args []interface{}) ([][]interface{}, error) {
		return [][]interface{}{{1}, {2}}, nil
	})
	c := newMySQLCatalog(t, fake, testutil.NewFakeObjectStorage(), true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := c.GetPractice(ctx, 7)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, p.CourseID, int64(3))
		testutil.AssertEqual(t, len(p.Languages), 2)
	}
	for i := 0; i < 2; i++ {
		_, err := c.GetPractice(ctx, 8)
		testutil.AssertErrorIs(t, err, catalog.ErrPracticeNotFound)
	}

	practiceReads := 0
	for _, stmt := range fake.Statements() {
		if strings.Contains(stmt, "FROM practices") {
			practiceReads++
		}
	}
	testutil.AssertEqual(t, practiceReads, 2)
}

func TestMySQLCatalogListTestCasesLoadsBodies(t *testing.T) {
	t.Parallel()
	fake := testutil.NewFakeDB()
	fake.OnQuery("FROM testcases", func(args []interface{}) ([][]interface{}, error) {
		return [][]interface{}{
			{int64(11), 0, "p7/1.in", "p7/1.out", false},
			{int64(12), 1, "p7/2.in", "p7/2.out", true},
		}, nil
	})
	objects := testutil.NewFakeObjectStorage()
	objects.Seed("testdata", "p7/1.in", []byte("1 2\n"))
	objects.Seed("testdata", "p7/1.out", []byte("3\n"))
	objects.Seed("testdata", "p7/2.in", []byte("2 2\n"))
	objects.Seed("testdata", "p7/2.out", []byte("4\n"))
	c := newMySQLCatalog(t, fake, objects, false)

	cases, err := c.ListTestCases(context.Background(), 7)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(cases), 2)
	testutil.AssertEqual(t, cases[0].ID, int64(11))
	testutil.AssertEqual(t, cases[0].Expected, "3\n")
	testutil.AssertEqual(t, cases[1].Input, "2 2\n")
	testutil.AssertTrue(t, cases[1].Hidden, "second case should be hidden")
}

func TestMySQLCatalogListTestCasesFailsOnMissingObject(t *testing.T) {
	t.Parallel()
	fake := testutil.NewFakeDB()
	fake.OnQuery("FROM testcases", func(args []interface{}) ([][]interface{}, error) {
		return [][]interface{}{{int64(11), 0, "p7/1.in", "p7/1.out", false}}, nil
	})
	objects := testutil.NewFakeObjectStorage()
	objects.Seed("testdata", "p7/1.in", []byte("1 2\n"))
	c := newMySQLCatalog(t, fake, objects, false)

	_, err := c.ListTestCases(context.Background(), 7)
	if !errors.Is(err, testutil.ErrObjectNotFound) {
		t.Fatalf("expected missing object error, got %v", err)
	}
}

func TestMySQLCatalogParticipation(t *testing.T) {
	t.Parallel()
	fake := testutil.NewFakeDB()
	fake.OnQuery("FROM participations", func(args []interface{}) ([][]interface{}, error) {
		switch args[0].(string) {
		case "member":
			return [][]interface{}{{false}}, nil
		case "pending":
			return [][]interface{}{{true}}, nil
		default:
			return nil, nil
		}
	})
	c := newMySQLCatalog(t, fake, testutil.NewFakeObjectStorage(), false)
	ctx := context.Background()

	cases := []struct {
		user string
		want bool
	}{
		{"member", true},
		{"pending", false},
		{"stranger", false},
	}
	for _, tc := range cases {
		got, err := c.IsActiveParticipant(ctx, tc.user, 3)
		testutil.AssertNoError(t, err)
		if got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.user, tc.want, got)
		}
	}
}
