// Package catalog resolves the practices, test cases and course participation an attempt depends on.
package catalog

import (
	"context"
	"errors"
	"sort"

	"codegrader/internal/attempt/model"
)

var ErrPracticeNotFound = errors.New("practice not found")

// PracticeCatalog loads practice settings and their test cases.
type PracticeCatalog interface {
	GetPractice(ctx context.Context, practiceID int64) (*model.Practice, error)

	// ListTestCases returns the practice's test cases with their bodies loaded, ordered by ordinal.
	ListTestCases(ctx context.Context, practiceID int64) ([]model.TestCase, error)
}

// ParticipationChecker reports whether a user may submit to a course.
type ParticipationChecker interface {
	IsActiveParticipant(ctx context.Context, userID string, courseID int64) (bool, error)
}

// Languages is the platform language table.
type Languages struct {
	byID  map[int]model.Language
	order []int
}

// DefaultLanguages returns the built-in table used when none is configured.
func DefaultLanguages() []model.Language {
	return []model.Language{
		{ID: 1, Name: "Python (3.8.1)", JudgeID: 71},
		{ID: 2, Name: "Bash (5.0.0)", JudgeID: 46},
	}
}

// NewLanguages builds a table; later entries replace earlier ones with the same id.
func NewLanguages(langs []model.Language) *Languages {
	t := &Languages{byID: make(map[int]model.Language, len(langs))}
	for _, l := range langs {
		if _, seen := t.byID[l.ID]; !seen {
			t.order = append(t.order, l.ID)
		}
		t.byID[l.ID] = l
	}
	sort.Ints(t.order)
	return t
}

// Lookup returns the language with the given platform id.
func (t *Languages) Lookup(id int) (model.Language, bool) {
	l, ok := t.byID[id]
	return l, ok
}

// List returns every language ordered by id.
func (t *Languages) List() []model.Language {
	out := make([]model.Language, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}
