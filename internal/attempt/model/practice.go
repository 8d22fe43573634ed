package model

// Practice holds the execution limits and allowed languages of an exercise.
type Practice struct {
	ID             int64   `json:"id" yaml:"id"`
	CourseID       int64   `json:"course_id" yaml:"courseID"`
	Title          string  `json:"title" yaml:"title"`
	MemoryLimitKB  int     `json:"memory_limit_kb" yaml:"memoryLimitKB"`
	TimeLimitSec   float64 `json:"time_limit_sec" yaml:"timeLimitSec"`
	MaxThreads     int     `json:"max_threads" yaml:"maxThreads"`
	NetworkAllowed bool    `json:"network_allowed" yaml:"networkAllowed"`
	Languages      []int   `json:"languages" yaml:"languages"`
}

// AllowsLanguage reports whether languageID may be used for this practice.
func (p *Practice) AllowsLanguage(languageID int) bool {
	for _, id := range p.Languages {
		if id == languageID {
			return true
		}
	}
	return false
}

// TestCase is one input/expected-output pair of a practice.
type TestCase struct {
	ID       int64  `json:"id"`
	Ordinal  int    `json:"ordinal"`
	Input    string `json:"-"`
	Expected string `json:"-"`
	Hidden   bool   `json:"hidden"`
}

// Language maps a platform language id onto the judge's language id.
type Language struct {
	ID      int    `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	JudgeID int    `json:"judge_id" yaml:"judgeID"`
}
