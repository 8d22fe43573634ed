package model

import "fmt"

// Verdict is the grading outcome of one test or of a whole attempt.
type Verdict string

const (
	VerdictAccepted          Verdict = "ACCEPTED"
	VerdictWrongAnswer       Verdict = "WRONG_ANSWER"
	VerdictTimeLimitExceed   Verdict = "TIME_LIMIT_EXCEED"
	VerdictMemoryLimitExceed Verdict = "MEMORY_LIMIT_EXCEED"
	VerdictCompilationError  Verdict = "COMPILATION_ERROR"
	VerdictRuntimeError      Verdict = "RUNTIME_ERROR"
	VerdictServiceError      Verdict = "SERVICE_ERROR"

	// VerdictInQueue marks work that has not been graded yet.
	VerdictInQueue Verdict = "IN_QUEUE"
)

// severityOrder lists terminal verdicts from most benign to most severe.
var severityOrder = []Verdict{
	VerdictAccepted,
	VerdictWrongAnswer,
	VerdictTimeLimitExceed,
	VerdictMemoryLimitExceed,
	VerdictCompilationError,
	VerdictRuntimeError,
	VerdictServiceError,
}

var severityIndex = func() map[Verdict]int {
	m := make(map[Verdict]int, len(severityOrder))
	for i, v := range severityOrder {
		m[v] = i
	}
	return m
}()

// TerminalVerdicts returns the terminal verdicts ordered by severity.
func TerminalVerdicts() []Verdict {
	out := make([]Verdict, len(severityOrder))
	copy(out, severityOrder)
	return out
}

// Severity ranks a terminal verdict; lower is more benign.
// Non-terminal or unknown values rank as SERVICE_ERROR.
func (v Verdict) Severity() int {
	if idx, ok := severityIndex[v]; ok {
		return idx
	}
	return severityIndex[VerdictServiceError]
}

// IsTerminal reports whether v is a final grading outcome.
func (v Verdict) IsTerminal() bool {
	_, ok := severityIndex[v]
	return ok
}

// Valid reports whether v is a known verdict, terminal or not.
func (v Verdict) Valid() bool {
	return v == VerdictInQueue || v.IsTerminal()
}

func (v Verdict) String() string {
	return string(v)
}

// ParseVerdict converts a stored string back into a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown verdict %q", s)
	}
	return v, nil
}
