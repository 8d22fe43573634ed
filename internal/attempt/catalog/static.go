package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"codegrader/internal/attempt/model"

	"gopkg.in/yaml.v3"
)

// StaticCatalog serves practices held in memory, for the memory store driver and tests.
type StaticCatalog struct {
	mu           sync.RWMutex
	practices    map[int64]*model.Practice
	testCases    map[int64][]model.TestCase
	participants map[int64]map[string]bool
}

// NewStaticCatalog creates an empty catalog.
func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{
		practices:    make(map[int64]*model.Practice),
		testCases:    make(map[int64][]model.TestCase),
		participants: make(map[int64]map[string]bool),
	}
}

// PutPractice adds or replaces a practice and its test cases.
func (c *StaticCatalog) PutPractice(p model.Practice, cases []model.TestCase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := p
	stored.Languages = append([]int(nil), p.Languages...)
	c.practices[p.ID] = &stored
	list := append([]model.TestCase(nil), cases...)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Ordinal < list[j].Ordinal })
	c.testCases[p.ID] = list
}

// SetParticipant records a user's membership; pending requests are not active.
func (c *StaticCatalog) SetParticipant(userID string, courseID int64, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.participants[courseID]
	if !ok {
		members = make(map[string]bool)
		c.participants[courseID] = members
	}
	members[userID] = active
}

func (c *StaticCatalog) GetPractice(ctx context.Context, practiceID int64) (*model.Practice, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.practices[practiceID]
	if !ok {
		return nil, ErrPracticeNotFound
	}
	out := *p
	out.Languages = append([]int(nil), p.Languages...)
	return &out, nil
}

func (c *StaticCatalog) ListTestCases(ctx context.Context, practiceID int64) ([]model.TestCase, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.practices[practiceID]; !ok {
		return nil, ErrPracticeNotFound
	}
	return append([]model.TestCase(nil), c.testCases[practiceID]...), nil
}

func (c *StaticCatalog) IsActiveParticipant(ctx context.Context, userID string, courseID int64) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participants[courseID][userID], nil
}

type fixtureFile struct {
	Practices []struct {
		model.Practice `yaml:",inline"`
		TestCases      []struct {
			Ordinal  int    `yaml:"ordinal"`
			Input    string `yaml:"input"`
			Expected string `yaml:"expected"`
			Hidden   bool   `yaml:"hidden"`
		} `yaml:"testCases"`
	} `yaml:"practices"`
	Participants []struct {
		UserID   string `yaml:"userID"`
		CourseID int64  `yaml:"courseID"`
		Pending  bool   `yaml:"pending"`
	} `yaml:"participants"`
}

// LoadFixtures fills a StaticCatalog from a YAML file.
func LoadFixtures(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures failed: %w", err)
	}
	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse fixtures failed: %w", err)
	}

	c := NewStaticCatalog()
	var nextCaseID int64
	for _, fp := range file.Practices {
		if fp.ID <= 0 {
			return nil, fmt.Errorf("fixture practice id must be positive")
		}
		cases := make([]model.TestCase, 0, len(fp.TestCases))
		for i, tc := range fp.TestCases {
			nextCaseID++
			ordinal := tc.Ordinal
			if ordinal == 0 {
				ordinal = i
			}
			cases = append(cases, model.TestCase{
				ID:       nextCaseID,
				Ordinal:  ordinal,
				Input:    tc.Input,
				Expected: tc.Expected,
				Hidden:   tc.Hidden,
			})
		}
		c.PutPractice(fp.Practice, cases)
	}
	for _, p := range file.Participants {
		c.SetParticipant(p.UserID, p.CourseID, !p.Pending)
	}
	return c, nil
}

var (
	_ PracticeCatalog      = (*StaticCatalog)(nil)
	_ ParticipationChecker = (*StaticCatalog)(nil)
)
