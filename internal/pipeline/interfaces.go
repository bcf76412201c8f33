package pipeline

import (
	"context"

	"winnow/internal/core"
	"winnow/internal/graph"
)

// ArticleSupplier provides the deduplicated article pool for a job, with
// coarse classification signals already attached.
type ArticleSupplier interface {
	// ArticlesForJob returns every article the job should process.
	ArticlesForJob(ctx context.Context, jobID string) ([]core.SourceArticle, error)
}

// GraphProvider yields the current tag-label graph snapshot. Implementations
// may refresh internally; a stale snapshot is acceptable, a blocked pipeline
// is not.
type GraphProvider interface {
	Snapshot(ctx context.Context) (*graph.Snapshot, error)
}

// Dispatcher runs clustering fan-out and batched summarization for a job.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *core.Job, bundle *core.EvidenceBundle) (*core.DispatchResult, error)
}

// CheckpointStore persists per-stage completion markers and stage output for
// resumable jobs.
type CheckpointStore interface {
	// LastCompletedStage returns the most advanced completed stage for the
	// job, and false when the job has no checkpoints yet.
	LastCompletedStage(ctx context.Context, jobID string) (Stage, bool, error)

	// StageOutput returns the persisted output of a completed stage, and
	// false when none was recorded.
	StageOutput(ctx context.Context, jobID string, stage Stage) ([]byte, bool, error)

	// MarkStageComplete records a stage as done together with its output.
	MarkStageComplete(ctx context.Context, jobID string, stage Stage, output []byte) error
}

// ResultSink durably persists the final dispatch result.
type ResultSink interface {
	SaveDispatchResult(ctx context.Context, result *core.DispatchResult) error
}
