package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"winnow/internal/clustersvc"
	"winnow/internal/config"
	"winnow/internal/core"
	"winnow/internal/dispatch"
	"winnow/internal/evidence"
	"winnow/internal/logger"
	"winnow/internal/pipeline"
	"winnow/internal/refine"
	"winnow/internal/store"
	"winnow/internal/summarysvc"
	"winnow/internal/taxonomy"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewRunCmd creates the pipeline run command
func NewRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dispatch pipeline",
		Long: `Run the full pipeline for a job: fetch its claimed articles, preprocess,
dedup, refine genres, select per-topic evidence corpora, dispatch them to the
clustering and summarization services, and persist the outcome.

Without --job a new job is created and claims every unassigned ingested
article. With --job an existing job resumes from its last completed stage, so
a run interrupted after an expensive dispatch does not pay for it twice.

Examples:
  winnow run
  winnow run --topics tech,business,science
  winnow run --job 2f6b41c8-90f3-4b57-9e1a-7d3c0a8b6f21
  winnow run --mode tags_required`,
		Run: func(cmd *cobra.Command, args []string) {
			jobID, _ := cmd.Flags().GetString("job")
			topicsFlag, _ := cmd.Flags().GetString("topics")
			modeFlag, _ := cmd.Flags().GetString("mode")

			if err := runPipeline(cmd.Context(), jobID, topicsFlag, modeFlag); err != nil {
				logger.Error("Pipeline run failed", err)
				os.Exit(1)
			}
		},
	}

	runCmd.Flags().String("job", "", "Resume an existing job by ID")
	runCmd.Flags().String("topics", "", "Comma-separated topics for a new job (default: taxonomy topics)")
	runCmd.Flags().String("mode", string(refine.ModeDefault), "Refinement mode: default or tags_required")

	return runCmd
}

func runPipeline(ctx context.Context, jobID, topicsFlag, modeFlag string) error {
	mode, err := parseMode(modeFlag)
	if err != nil {
		return err
	}

	cfg := config.Get()

	st, err := store.NewStore(cfg.Storage.Directory)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	taxo, err := loadTaxonomy(cfg)
	if err != nil {
		return err
	}

	job, err := resolveJob(ctx, st, taxo, jobID, topicsFlag)
	if err != nil {
		return err
	}

	runner, err := buildRunner(ctx, cfg, st, taxo, mode)
	if err != nil {
		return err
	}

	fmt.Printf("🔎 Running job %s\n", job.ID)
	result, err := runner.Run(ctx, job)
	if err != nil {
		return err
	}

	printDispatchResult(result)
	return nil
}

func parseMode(modeFlag string) (refine.Mode, error) {
	switch refine.Mode(modeFlag) {
	case refine.ModeDefault, refine.ModeTagsRequired:
		return refine.Mode(modeFlag), nil
	default:
		return "", fmt.Errorf("unknown refinement mode %q (expected %q or %q)",
			modeFlag, refine.ModeDefault, refine.ModeTagsRequired)
	}
}

// loadTaxonomy falls back to the built-in topics when no taxonomy file is
// configured or the configured file does not exist yet.
func loadTaxonomy(cfg *config.Config) (*taxonomy.Taxonomy, error) {
	if cfg.Taxonomy.Path == "" {
		return taxonomy.Default(), nil
	}

	taxo, err := taxonomy.Load(cfg.Taxonomy.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("Taxonomy file not found, using built-in topics", "path", cfg.Taxonomy.Path)
			return taxonomy.Default(), nil
		}
		return nil, err
	}
	return taxo, nil
}

func resolveJob(ctx context.Context, st *store.Store, taxo *taxonomy.Taxonomy, jobID, topicsFlag string) (*core.Job, error) {
	if jobID != "" {
		job, err := st.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up job: %w", err)
		}
		if job == nil {
			return nil, fmt.Errorf("no job with ID %s", jobID)
		}
		fmt.Printf("📋 Resuming job %s (%d topics)\n", job.ID, len(job.Topics))
		return job, nil
	}

	topics := taxo.Names()
	if topicsFlag != "" {
		topics = splitTopics(topicsFlag)
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics to dispatch; pass --topics or configure a taxonomy")
	}

	job := &core.Job{ID: uuid.NewString(), Topics: topics}
	if err := st.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	fmt.Printf("📋 Created job %s (topics: %s)\n", job.ID, strings.Join(topics, ", "))
	return job, nil
}

func splitTopics(flag string) []string {
	var topics []string
	for _, topic := range strings.Split(flag, ",") {
		if topic = strings.TrimSpace(topic); topic != "" {
			topics = append(topics, topic)
		}
	}
	return topics
}

func buildRunner(ctx context.Context, cfg *config.Config, st *store.Store, taxo *taxonomy.Taxonomy, mode refine.Mode) (*pipeline.Runner, error) {
	summarizer, err := buildSummarizer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	clusterer := clustersvc.NewClient(cfg.Services.Clustering.BaseURL, cfg.Services.Clustering.APIKey, clustersvc.Options{
		Timeout:         config.Duration(cfg.Services.Clustering.Timeout, 20*time.Second),
		PollInterval:    config.Duration(cfg.Services.Clustering.PollInterval, 500*time.Millisecond),
		PollMaxInterval: config.Duration(cfg.Services.Clustering.PollMaxInterval, 8*time.Second),
		PollMaxAttempts: cfg.Services.Clustering.PollMaxAttempts,
	})

	orchestrator := dispatch.NewOrchestrator(clusterer, summarizer, taxo, dispatch.Options{
		Parallelism:    cfg.Dispatch.Parallelism,
		TopicTimeout:   config.Duration(cfg.Dispatch.TopicTimeout, 30*time.Second),
		ChunkSize:      cfg.Dispatch.ChunkSize,
		SentenceBudget: cfg.Dispatch.SentenceBudget,
		MinViableDocs:  cfg.Evidence.MinViableDocs,
	})

	engine := refine.NewEngine(refine.Params{
		TagConfidenceGate:      cfg.Refine.TagConfidenceGate,
		GraphMargin:            cfg.Refine.GraphMargin,
		WeightedTieBreakMargin: cfg.Refine.WeightedTieBreakMargin,
		FallbackGenre:          cfg.Refine.FallbackGenre,
		LogSampleEvery:         cfg.Refine.LogSampleEvery,
	})

	return pipeline.NewBuilder().
		WithSupplier(st).
		WithGraphs(newGraphCache(cfg, st)).
		WithEngine(engine).
		WithEvidenceBuilder(evidence.NewBuilder()).
		WithDispatcher(orchestrator).
		WithCheckpoints(st).
		WithSink(st).
		WithConfig(pipeline.Config{
			Topics:              taxo.Names(),
			GraphRefreshTimeout: config.Duration(cfg.Graph.RefreshTimeout, 10*time.Second),
			RefineMode:          mode,
		}).
		Build()
}

func buildSummarizer(ctx context.Context, cfg *config.Config) (summarysvc.Summarizer, error) {
	switch cfg.Services.Summarization.Backend {
	case "gemini":
		return summarysvc.NewGeminiSummarizer(ctx, cfg.Services.Gemini.APIKey, cfg.Services.Gemini.Model)
	case "", "http":
		return summarysvc.NewHTTPClient(
			cfg.Services.Summarization.BaseURL,
			cfg.Services.Summarization.APIKey,
			config.Duration(cfg.Services.Summarization.Timeout, 60*time.Second),
		), nil
	default:
		return nil, fmt.Errorf("unknown summarization backend %q (expected http or gemini)", cfg.Services.Summarization.Backend)
	}
}

func printDispatchResult(result *core.DispatchResult) {
	topics := make([]string, 0, len(result.Results))
	for topic := range result.Results {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	fmt.Printf("\n📊 Job %s: %d succeeded, %d failed\n", result.JobID, result.SuccessCount(), result.FailureCount())
	fmt.Println("==================")
	for _, topic := range topics {
		genreResult := result.Results[topic]
		if genreResult.Failed() {
			fmt.Printf("❌ %-16s %v\n", topic, genreResult.Err)
			continue
		}

		clusters := 0
		if genreResult.Clusters != nil {
			clusters = len(genreResult.Clusters.Clusters)
			if genreResult.Clusters.Synthetic {
				fmt.Printf("⚠️  %-16s %d clusters (synthetic) - %s\n", topic, clusters, summaryLine(genreResult.Summary))
				continue
			}
		}
		fmt.Printf("✅ %-16s %d clusters - %s\n", topic, clusters, summaryLine(genreResult.Summary))
	}
	fmt.Printf("\nCompleted in %s\n", result.CompletedAt.Sub(result.StartedAt).Round(time.Millisecond))
}

func summaryLine(summary *core.TopicSummary) string {
	if summary == nil {
		return "(no summary)"
	}
	line := summary.Headline
	if line == "" {
		line = summary.Text
	}
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if len(line) > 72 {
		line = line[:69] + "..."
	}
	return line
}
