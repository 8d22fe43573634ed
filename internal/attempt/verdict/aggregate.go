// Package verdict folds per-test results into the verdict of an attempt.
package verdict

import "codegrader/internal/attempt/model"

// Aggregate returns the attempt verdict for the given per-test verdicts.
//
// Any SERVICE_ERROR dominates. When every test is ACCEPTED the attempt is
// ACCEPTED. Otherwise the most frequent failing verdict wins, and ties go to
// the more benign verdict. The result does not depend on input order.
// Empty input and non-terminal entries count as SERVICE_ERROR.
func Aggregate(results []model.Verdict) model.Verdict {
	if len(results) == 0 {
		return model.VerdictServiceError
	}

	counts := make(map[model.Verdict]int, len(results))
	for _, v := range results {
		if !v.IsTerminal() {
			v = model.VerdictServiceError
		}
		if v == model.VerdictServiceError {
			return model.VerdictServiceError
		}
		counts[v]++
	}

	if counts[model.VerdictAccepted] == len(results) {
		return model.VerdictAccepted
	}

	best := model.VerdictServiceError
	bestCount := 0
	// Severity order makes the first maximum the most benign one.
	for _, v := range model.TerminalVerdicts() {
		if v == model.VerdictAccepted {
			continue
		}
		if n := counts[v]; n > bestCount {
			best, bestCount = v, n
		}
	}
	return best
}

// FromSubmissions aggregates the statuses of an attempt's submissions.
func FromSubmissions(subs []*model.Submission) model.Verdict {
	results := make([]model.Verdict, 0, len(subs))
	for _, s := range subs {
		results = append(results, s.Status)
	}
	return Aggregate(results)
}
