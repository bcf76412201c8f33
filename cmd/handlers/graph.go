package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"winnow/internal/config"
	"winnow/internal/graph"
	"winnow/internal/logger"
	"winnow/internal/store"

	"github.com/spf13/cobra"
)

// NewGraphCmd creates the co-occurrence graph management command
func NewGraphCmd() *cobra.Command {
	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Manage the tag-topic co-occurrence graph",
		Long:  `Inspect and refresh the cached tag-topic co-occurrence graph that boosts genre refinement.`,
	}

	// Add subcommands
	graphCmd.AddCommand(newGraphStatsCmd())
	graphCmd.AddCommand(newGraphRefreshCmd())
	graphCmd.AddCommand(newGraphLoadCmd())

	return graphCmd
}

func newGraphStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show graph snapshot statistics",
		Long:  `Display the configured window's edge, topic, and tag counts along with snapshot freshness.`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := runGraphStats(cmd.Context()); err != nil {
				logger.Error("Failed to get graph stats", err)
				os.Exit(1)
			}
		},
	}
}

func newGraphRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Force a graph snapshot rebuild from the store",
		Long:  `Reload the configured window's edges from the durable store and rebuild the snapshot, ignoring the TTL.`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := runGraphRefresh(cmd.Context()); err != nil {
				logger.Error("Failed to refresh graph", err)
				os.Exit(1)
			}
		},
	}
}

func newGraphLoadCmd() *cobra.Command {
	var window string

	loadCmd := &cobra.Command{
		Use:   "load <edges.jsonl>",
		Short: "Replace a window's edges with rows from a file",
		Long: `Read co-occurrence edges from a JSON Lines file (one edge object per line)
and store them, replacing whatever the window held before. Edges are produced
by the upstream aggregation over historical runs; this command is how its
exports reach the local store.

Example:
  winnow graph load edges.jsonl --window 7d`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runGraphLoad(cmd.Context(), args[0], window); err != nil {
				logger.Error("Failed to load graph edges", err)
				os.Exit(1)
			}
		},
	}

	loadCmd.Flags().StringVar(&window, "window", "", "Target window label (defaults to the configured window)")

	return loadCmd
}

func runGraphStats(ctx context.Context) error {
	fmt.Println("📊 Graph Statistics")
	fmt.Println("==================")

	cfg := config.Get()
	st, err := store.NewStore(cfg.Storage.Directory)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Failed to close store", err)
		}
	}()

	cache := newGraphCache(cfg, st)
	if _, err := cache.Snapshot(ctx); err != nil {
		return fmt.Errorf("failed to load graph snapshot: %w", err)
	}
	stats := cache.Stats()

	storeStats, err := st.GetStats()
	if err != nil {
		return fmt.Errorf("failed to get store statistics: %w", err)
	}

	fmt.Printf("🪟 Window: %s\n", cfg.Graph.Window)
	fmt.Printf("🔗 Edges: %d (of %d persisted across all windows)\n", stats.EdgeCount, storeStats.EdgeCount)
	fmt.Printf("📚 Topics: %d\n", stats.TopicCount)
	fmt.Printf("🏷️  Tags: %d\n", stats.TagCount)
	fmt.Printf("📅 Fetched: %s (age %s)\n", stats.FetchedAt.Format("2006-01-02 15:04:05"), stats.Age.Round(time.Second))

	return nil
}

func runGraphRefresh(ctx context.Context) error {
	cfg := config.Get()
	st, err := store.NewStore(cfg.Storage.Directory)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Failed to close store", err)
		}
	}()

	fmt.Printf("🔄 Refreshing graph window %s...\n", cfg.Graph.Window)

	cache := newGraphCache(cfg, st)
	snap, err := cache.ForceRefresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh graph: %w", err)
	}

	fmt.Printf("✅ Snapshot rebuilt: %d edges, %d topics, %d tags\n", snap.EdgeCount(), snap.TopicCount(), snap.TagCount())
	return nil
}

func runGraphLoad(ctx context.Context, path, window string) error {
	cfg := config.Get()
	if window == "" {
		window = cfg.Graph.Window
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer func() { _ = file.Close() }()

	edges, err := readEdges(file)
	if err != nil {
		return err
	}
	if len(edges) == 0 {
		fmt.Println("⚠️  No edges found in input file")
		return nil
	}

	st, err := store.NewStore(cfg.Storage.Directory)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.UpsertGraphEdges(ctx, window, edges); err != nil {
		return fmt.Errorf("failed to store graph edges: %w", err)
	}

	fmt.Printf("✅ Loaded %d edges into window %s\n", len(edges), window)
	return nil
}

// readEdges decodes one edge per non-empty line.
func readEdges(r io.Reader) ([]graph.Edge, error) {
	scanner := bufio.NewScanner(r)

	var edges []graph.Edge
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var edge graph.Edge
		if err := json.Unmarshal([]byte(text), &edge); err != nil {
			return nil, fmt.Errorf("invalid edge on line %d: %w", line, err)
		}
		edges = append(edges, edge)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return edges, nil
}

func newGraphCache(cfg *config.Config, st *store.Store) *graph.Cache {
	return graph.NewCache(
		st.EdgeSource(cfg.Graph.Window),
		config.Duration(cfg.Graph.TTL, 15*time.Minute),
		config.Duration(cfg.Graph.RefreshTimeout, 10*time.Second),
	)
}
