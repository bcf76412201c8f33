// Package pipeline sequences the named stages of one job run: fetch,
// preprocess, dedup, genre, select, dispatch, persist. Every completed stage
// checkpoints its output, so a failed job resumes instead of recomputing.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"winnow/internal/core"
	"winnow/internal/evidence"
	"winnow/internal/logger"
	"winnow/internal/preprocess"
	"winnow/internal/refine"
)

// Config holds runner configuration.
type Config struct {
	Topics              []string      // Topics configured for new jobs
	GraphRefreshTimeout time.Duration // Deadline for the pre-pipeline graph refresh
	RefineMode          refine.Mode   // Tag handling mode for the genre stage
}

// DefaultConfig returns sensible runner defaults.
func DefaultConfig() Config {
	return Config{
		GraphRefreshTimeout: 10 * time.Second,
		RefineMode:          refine.ModeDefault,
	}
}

// Runner coordinates all pipeline collaborators for one job at a time.
type Runner struct {
	supplier    ArticleSupplier
	graphs      GraphProvider
	engine      *refine.Engine
	builder     *evidence.Builder
	dispatcher  Dispatcher
	checkpoints CheckpointStore
	sink        ResultSink
	config      Config
	log         *slog.Logger
}

// NewRunner creates a runner with all dependencies.
func NewRunner(
	supplier ArticleSupplier,
	graphs GraphProvider,
	engine *refine.Engine,
	builder *evidence.Builder,
	dispatcher Dispatcher,
	checkpoints CheckpointStore,
	sink ResultSink,
	config Config,
) *Runner {
	if config.GraphRefreshTimeout <= 0 {
		config.GraphRefreshTimeout = DefaultConfig().GraphRefreshTimeout
	}

	return &Runner{
		supplier:    supplier,
		graphs:      graphs,
		engine:      engine,
		builder:     builder,
		dispatcher:  dispatcher,
		checkpoints: checkpoints,
		sink:        sink,
		config:      config,
		log:         logger.Get(),
	}
}

// state carries intermediate stage outputs through one run.
type state struct {
	job         *core.Job
	articles    []core.SourceArticle
	assignments []core.Assignment
	bundle      *core.EvidenceBundle
	result      *core.DispatchResult
}

// Run executes the pipeline for one job, resuming from checkpoints when they
// exist. Stages strictly before the last completed one are skipped and their
// persisted output reloaded; the dispatch stage is never re-entered once it
// was marked complete.
func (r *Runner) Run(ctx context.Context, job *core.Job) (*core.DispatchResult, error) {
	if len(job.Topics) == 0 {
		job.Topics = append([]string(nil), r.config.Topics...)
	}

	last, hasCheckpoint, err := r.checkpoints.LastCompletedStage(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints for job %s: %w", job.ID, err)
	}
	if hasCheckpoint {
		r.log.Info("Resuming job from checkpoint", "job_id", job.ID, "last_completed", last.String())
	}

	r.refreshGraph(ctx)

	st := &state{job: job}
	stages := Stages()
	for i, stage := range stages {
		skip := hasCheckpoint && (stage < last || (stage == StageDispatch && last >= StageDispatch))
		if skip {
			if err := r.reloadStage(ctx, job.ID, stage, st); err != nil {
				return nil, err
			}
			r.log.Debug("Stage skipped on resume", "job_id", job.ID, "stage", stage.String())
			continue
		}

		r.log.Info(fmt.Sprintf("Stage %d/%d: %s", i+1, len(stages), stage.String()), "job_id", job.ID)
		output, err := r.runStage(ctx, stage, st)
		if err != nil {
			return nil, fmt.Errorf("stage %s failed for job %s: %w", stage, job.ID, err)
		}
		if err := r.checkpoints.MarkStageComplete(ctx, job.ID, stage, output); err != nil {
			return nil, fmt.Errorf("failed to checkpoint stage %s for job %s: %w", stage, job.ID, err)
		}
	}

	return st.result, nil
}

// refreshGraph warms the tag-label graph under its own deadline. On failure
// or expiry the pipeline proceeds with the last-known-good cached snapshot.
func (r *Runner) refreshGraph(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, r.config.GraphRefreshTimeout)
	defer cancel()

	if _, err := r.graphs.Snapshot(rctx); err != nil {
		r.log.Warn("Graph refresh failed before pipeline start, proceeding with cached graph", "error", err.Error())
	}
}

func (r *Runner) runStage(ctx context.Context, stage Stage, st *state) ([]byte, error) {
	switch stage {
	case StageFetch:
		articles, err := r.supplier.ArticlesForJob(ctx, st.job.ID)
		if err != nil {
			return nil, err
		}
		if len(articles) == 0 {
			return nil, fmt.Errorf("no articles available for job")
		}
		st.articles = articles
		return json.Marshal(st.articles)

	case StagePreprocess:
		kept := make([]core.SourceArticle, 0, len(st.articles))
		for i := range st.articles {
			if err := preprocess.Process(&st.articles[i]); err != nil {
				r.log.Warn("Dropping article that failed preprocessing",
					"article_id", st.articles[i].ID,
					"error", err.Error())
				continue
			}
			kept = append(kept, st.articles[i])
		}
		if len(kept) == 0 {
			return nil, fmt.Errorf("no articles survived preprocessing")
		}
		st.articles = kept
		return json.Marshal(st.articles)

	case StageDedup:
		st.articles = dedupeArticles(st.articles)
		return json.Marshal(st.articles)

	case StageGenre:
		snap, err := r.graphs.Snapshot(ctx)
		if err != nil {
			// Refinement degrades gracefully without graph boosts.
			r.log.Warn("No graph snapshot available for genre refinement", "error", err.Error())
			snap = nil
		}
		st.assignments = make([]core.Assignment, 0, len(st.articles))
		for _, article := range st.articles {
			profile := article.Tags
			if profile.Entropy == 0 && len(profile.TopTags) > 0 {
				// Upstream extractors do not always fill entropy.
				profile.Entropy = core.TagEntropy(profile.TopTags)
			}
			outcome := r.engine.Refine(article.Candidates, profile, r.config.RefineMode, snap)
			st.assignments = append(st.assignments, core.Assignment{Article: article, Outcome: outcome})
		}
		return json.Marshal(st.assignments)

	case StageSelect:
		bundle := r.builder.Build(st.job.ID, st.assignments)
		st.bundle = &bundle
		return json.Marshal(st.bundle)

	case StageDispatch:
		result, err := r.dispatcher.Dispatch(ctx, st.job, st.bundle)
		if err != nil {
			return nil, err
		}
		st.result = result
		return json.Marshal(st.result)

	case StagePersist:
		if st.result == nil {
			return nil, fmt.Errorf("no dispatch result to persist")
		}
		if err := r.sink.SaveDispatchResult(ctx, st.result); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown stage %s", stage)
	}
}

// reloadStage restores a skipped stage's persisted output into the run state.
func (r *Runner) reloadStage(ctx context.Context, jobID string, stage Stage, st *state) error {
	output, ok, err := r.checkpoints.StageOutput(ctx, jobID, stage)
	if err != nil {
		return fmt.Errorf("failed to reload stage %s for job %s: %w", stage, jobID, err)
	}
	if !ok || len(output) == 0 {
		// The persist stage records no output; nothing to restore.
		return nil
	}

	switch stage {
	case StageFetch, StagePreprocess, StageDedup:
		return json.Unmarshal(output, &st.articles)
	case StageGenre:
		return json.Unmarshal(output, &st.assignments)
	case StageSelect:
		return json.Unmarshal(output, &st.bundle)
	case StageDispatch:
		return json.Unmarshal(output, &st.result)
	default:
		return nil
	}
}

// dedupeArticles removes exact source-URL and exact title duplicates from
// the pool, keeping the first occurrence. Embedding-level dedup happens later
// per topic in the evidence builder.
func dedupeArticles(articles []core.SourceArticle) []core.SourceArticle {
	seenURL := make(map[string]bool, len(articles))
	seenTitle := make(map[string]bool, len(articles))
	kept := make([]core.SourceArticle, 0, len(articles))

	for _, article := range articles {
		if article.SourceURL != "" && seenURL[article.SourceURL] {
			continue
		}
		if article.Title != "" && seenTitle[article.Title] {
			continue
		}
		if article.SourceURL != "" {
			seenURL[article.SourceURL] = true
		}
		if article.Title != "" {
			seenTitle[article.Title] = true
		}
		kept = append(kept, article)
	}
	return kept
}
