// Package pipeline defines the processing stages, their dependency
// graph, and the durable per-project artifact store.
package pipeline

// Stage is one step in the fixed processing pipeline. Stages form a
// total order: each stage consumes the output of the one before it.
type Stage string

const (
	StageDocuments  Stage = "documents"
	StageExtraction Stage = "extraction"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageIndex      Stage = "index"
	StageSource     Stage = "source"
	StageAgent      Stage = "agent"
)

// Order lists every stage in pipeline order.
var Order = []Stage{
	StageDocuments,
	StageExtraction,
	StageChunking,
	StageEmbedding,
	StageIndex,
	StageSource,
	StageAgent,
}

// Runnable lists the stages that can be executed. Documents is the
// input stage: files are uploaded into it, never produced by a run.
var Runnable = []Stage{
	StageExtraction,
	StageChunking,
	StageEmbedding,
	StageIndex,
	StageSource,
	StageAgent,
}

// Valid reports whether s names a known stage.
func Valid(s Stage) bool {
	return indexOf(s) >= 0
}

// IsRunnable reports whether s can be executed by the engine.
func IsRunnable(s Stage) bool {
	return Valid(s) && s != StageDocuments
}

// IsRemote reports whether s is backed by a remote search-service
// resource rather than local artifact files.
func IsRemote(s Stage) bool {
	return s == StageIndex || s == StageSource || s == StageAgent
}

func indexOf(s Stage) int {
	for i, st := range Order {
		if st == s {
			return i
		}
	}
	return -1
}

// Prerequisites returns the stages that must exist before s can run,
// in pipeline order. The documents stage has none.
func Prerequisites(s Stage) []Stage {
	i := indexOf(s)
	if i <= 0 {
		return nil
	}
	return append([]Stage(nil), Order[:i]...)
}

// Prerequisite returns the immediate prerequisite of s, or "" for the
// first stage.
func Prerequisite(s Stage) Stage {
	i := indexOf(s)
	if i <= 0 {
		return ""
	}
	return Order[i-1]
}

// Dependents returns every stage that transitively depends on s, in
// pipeline order. Rolling back s cascades over exactly this set.
func Dependents(s Stage) []Stage {
	i := indexOf(s)
	if i < 0 || i == len(Order)-1 {
		return nil
	}
	return append([]Stage(nil), Order[i+1:]...)
}

// CascadeSet returns s plus its dependents when cascade is true, or
// just s otherwise, in pipeline order.
func CascadeSet(s Stage, cascade bool) []Stage {
	set := []Stage{s}
	if cascade {
		set = append(set, Dependents(s)...)
	}
	return set
}

// after returns whether a comes strictly later than b in the pipeline.
func after(a, b Stage) bool {
	return indexOf(a) > indexOf(b)
}
