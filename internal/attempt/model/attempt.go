package model

import (
	"encoding/json"
	"time"
)

// Attempt is one student submission of source code against every test case of a practice.
// TestsNeeded is fixed at creation; TestsCompleted counts distinct tests with a result.
type Attempt struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	PracticeID     int64           `json:"practice_id"`
	LanguageID     int             `json:"language_id"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	SourceKey      string          `json:"source_key,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	TestsNeeded    int             `json:"tests_needed"`
	TestsCompleted int             `json:"tests_completed"`
	Status         Verdict         `json:"status"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// IsFinal reports whether the attempt has left IN_QUEUE.
func (a *Attempt) IsFinal() bool {
	return a.Status.IsTerminal()
}

// Clone returns a deep copy safe to hand out of a store.
func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	c := *a
	if a.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), a.Metadata...)
	}
	if a.FinishedAt != nil {
		t := *a.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Submission is the result slot of one test case within an attempt, keyed by the judge token.
type Submission struct {
	Token      string    `json:"token"`
	AttemptID  string    `json:"attempt_id"`
	TestCaseID int64     `json:"test_case_id"`
	Ordinal    int       `json:"ordinal"`
	Status     Verdict   `json:"status"`
	TimeMs     float64   `json:"time_ms"`
	MemoryKB   int64     `json:"memory_kb"`
	Judged     bool      `json:"judged"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a copy of s.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// AttemptEvent is published once an attempt reaches its final verdict.
type AttemptEvent struct {
	AttemptID      string    `json:"attempt_id"`
	UserID         string    `json:"user_id"`
	PracticeID     int64     `json:"practice_id"`
	Status         Verdict   `json:"status"`
	TestsNeeded    int       `json:"tests_needed"`
	TestsCompleted int       `json:"tests_completed"`
	FinishedAt     time.Time `json:"finished_at"`
	Reason         string    `json:"reason,omitempty"`
}

// NewAttemptEvent builds the finalization event for a.
func NewAttemptEvent(a *Attempt, reason string) AttemptEvent {
	ev := AttemptEvent{
		AttemptID:      a.ID,
		UserID:         a.UserID,
		PracticeID:     a.PracticeID,
		Status:         a.Status,
		TestsNeeded:    a.TestsNeeded,
		TestsCompleted: a.TestsCompleted,
		Reason:         reason,
	}
	if a.FinishedAt != nil {
		ev.FinishedAt = *a.FinishedAt
	}
	return ev
}
