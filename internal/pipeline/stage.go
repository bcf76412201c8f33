package pipeline

import "fmt"

// Stage identifies one step of the job pipeline. Stages carry an explicit
// total order; resume logic compares them numerically, never by name, so a
// misspelled stage label can fail loudly in ParseStage instead of silently
// mis-resuming a job.
type Stage int

const (
	StageFetch Stage = iota
	StagePreprocess
	StageDedup
	StageGenre
	StageSelect
	StageDispatch
	StagePersist
)

var stageNames = [...]string{
	StageFetch:      "fetch",
	StagePreprocess: "preprocess",
	StageDedup:      "dedup",
	StageGenre:      "genre",
	StageSelect:     "select",
	StageDispatch:   "dispatch",
	StagePersist:    "persist",
}

// Stages returns every stage in execution order.
func Stages() []Stage {
	all := make([]Stage, len(stageNames))
	for i := range stageNames {
		all[i] = Stage(i)
	}
	return all
}

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	return s >= 0 && int(s) < len(stageNames)
}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// ParseStage maps a persisted stage label back to its Stage. Unknown labels
// are an error, never a silent default.
func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown pipeline stage %q", name)
}
