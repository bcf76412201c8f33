package handlers

import (
	"context"
	"fmt"
	"os"
	"sort"

	"winnow/internal/config"
	"winnow/internal/core"
	"winnow/internal/logger"
	"winnow/internal/store"

	"github.com/spf13/cobra"
)

// NewJobsCmd creates the job inspection command
func NewJobsCmd() *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs and their pipeline progress",
		Long: `List known jobs, newest first, with article counts and the last completed
pipeline stage. Use 'jobs show' to print a finished job's dispatch outcome.`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := runJobsList(cmd.Context()); err != nil {
				logger.Error("Failed to list jobs", err)
				os.Exit(1)
			}
		},
	}

	jobsCmd.AddCommand(newJobsShowCmd())

	return jobsCmd
}

func newJobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job's persisted dispatch result",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runJobsShow(cmd.Context(), args[0]); err != nil {
				logger.Error("Failed to show job", err)
				os.Exit(1)
			}
		},
	}
}

func runJobsList(ctx context.Context) error {
	st, err := store.NewStore(config.Get().Storage.Directory)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	statuses, err := st.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Println("No jobs yet. Ingest articles, then start one with 'winnow run'.")
		return nil
	}

	fmt.Printf("%-38s %-20s %-9s %s\n", "JOB", "CREATED", "ARTICLES", "LAST STAGE")
	for _, status := range statuses {
		stage := "-"
		if status.HasStages {
			stage = status.LastStage.String()
		}
		fmt.Printf("%-38s %-20s %-9d %s\n",
			status.Job.ID,
			status.Job.CreatedAt.Format("2006-01-02 15:04:05"),
			status.ArticleCount,
			stage,
		)
	}
	return nil
}

func runJobsShow(ctx context.Context, jobID string) error {
	st, err := store.NewStore(config.Get().Storage.Directory)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to look up job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("no job with ID %s", jobID)
	}

	result, err := st.GetDispatchResult(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load dispatch result: %w", err)
	}
	if result == nil {
		fmt.Printf("Job %s has no persisted result yet. Resume it with 'winnow run --job %s'.\n", jobID, jobID)
		return nil
	}

	printDispatchResult(result)
	printClusterRuns(ctx, st, result)
	return nil
}

// printClusterRuns reads each topic's persisted run back from the store and
// prints the cluster breakdown. Topics without a durable run are skipped.
func printClusterRuns(ctx context.Context, st *store.Store, result *core.DispatchResult) {
	topics := make([]string, 0, len(result.Results))
	for topic := range result.Results {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	printed := false
	for _, topic := range topics {
		genreResult := result.Results[topic]
		if genreResult.Clusters == nil || !genreResult.Clusters.RunID.Persisted() {
			continue
		}

		set, err := st.LoadClusterRun(ctx, genreResult.Clusters.RunID)
		if err != nil {
			logger.Error("Failed to load cluster run", err, "topic", topic)
			continue
		}
		if set == nil {
			continue
		}

		if !printed {
			fmt.Println("\n🧩 Cluster runs")
			fmt.Println("==================")
			printed = true
		}

		label := topic
		if set.Synthetic {
			label += " (synthetic)"
		}
		fmt.Printf("%s - run %s\n", label, set.RunID)
		for _, cluster := range set.Clusters {
			fmt.Printf("   %-24s %d docs\n", cluster.Label, cluster.Size)
		}
	}
}
