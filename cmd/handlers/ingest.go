package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"winnow/internal/config"
	"winnow/internal/core"
	"winnow/internal/logger"
	"winnow/internal/store"

	"github.com/spf13/cobra"
)

// NewIngestCmd creates the article ingest command
func NewIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file.jsonl>",
		Short: "Load upstream articles into the unassigned pool",
		Long: `Read articles from a JSON Lines file (one article object per line) and add
them to the unassigned pool. Each article carries the coarse genre candidates
and tag signals produced upstream; sentences may be pre-split or left to the
pipeline's preprocess stage to extract from raw HTML.

Ingested articles stay unassigned until the next 'winnow run' claims them
for a job.

Example:
  winnow ingest articles.jsonl`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runIngest(cmd.Context(), args[0]); err != nil {
				logger.Error("Ingest failed", err)
				os.Exit(1)
			}
		},
	}
}

func runIngest(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer func() { _ = file.Close() }()

	articles, err := readArticles(file)
	if err != nil {
		return err
	}
	if len(articles) == 0 {
		fmt.Println("⚠️  No articles found in input file")
		return nil
	}

	st, err := store.NewStore(config.Get().Storage.Directory)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	count, err := st.InsertArticles(ctx, articles)
	if err != nil {
		return fmt.Errorf("failed to store articles: %w", err)
	}

	fmt.Printf("✅ Ingested %d articles\n", count)
	return nil
}

// readArticles decodes one article per non-empty line.
func readArticles(r io.Reader) ([]core.SourceArticle, error) {
	scanner := bufio.NewScanner(r)
	// Lines carrying raw HTML can be far larger than the scanner default.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var articles []core.SourceArticle
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var article core.SourceArticle
		if err := json.Unmarshal([]byte(text), &article); err != nil {
			return nil, fmt.Errorf("invalid article on line %d: %w", line, err)
		}
		articles = append(articles, article)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return articles, nil
}
