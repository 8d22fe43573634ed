package judge

import "codegrader/internal/attempt/model"

// Judge0 status ids.
const (
	StatusInQueue           = 1
	StatusProcessing        = 2
	StatusAccepted          = 3
	StatusWrongAnswer       = 4
	StatusTimeLimitExceeded = 5
	StatusCompilationError  = 6
	StatusRuntimeErrorFirst = 7  // SIGSEGV
	StatusRuntimeErrorLast  = 12 // Other runtime error
	StatusInternalError     = 13
	StatusExecFormatError   = 14
)

// StatusMapper converts judge status ids into verdicts.
// The zero value applies the default table.
type StatusMapper struct {
	memoryLimit map[int]struct{}
}

// NewStatusMapper returns a mapper that additionally reports the given ids as MEMORY_LIMIT_EXCEED.
// Judge0 has no such status, so deployments with a patched judge may opt in.
func NewStatusMapper(memoryLimitIDs []int) StatusMapper {
	m := StatusMapper{}
	if len(memoryLimitIDs) > 0 {
		m.memoryLimit = make(map[int]struct{}, len(memoryLimitIDs))
		for _, id := range memoryLimitIDs {
			m.memoryLimit[id] = struct{}{}
		}
	}
	return m
}

// Map returns the verdict for statusID. Every id maps to a terminal verdict;
// anything unrecognized, including the in-progress ids, is SERVICE_ERROR.
func (m StatusMapper) Map(statusID int) model.Verdict {
	if _, ok := m.memoryLimit[statusID]; ok {
		return model.VerdictMemoryLimitExceed
	}
	return MapStatus(statusID)
}

// MapStatus applies the default Judge0 status table.
func MapStatus(statusID int) model.Verdict {
	switch {
	case statusID == StatusAccepted:
		return model.VerdictAccepted
	case statusID == StatusWrongAnswer:
		return model.VerdictWrongAnswer
	case statusID == StatusTimeLimitExceeded:
		return model.VerdictTimeLimitExceed
	case statusID == StatusCompilationError:
		return model.VerdictCompilationError
	case statusID >= StatusRuntimeErrorFirst && statusID <= StatusRuntimeErrorLast:
		return model.VerdictRuntimeError
	default:
		return model.VerdictServiceError
	}
}
