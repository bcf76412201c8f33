// Package summarysvc provides batch summarization backends. The HTTP client
// talks to the external batch endpoint; the Gemini client is a drop-in
// fallback for local and development use. Both satisfy Summarizer.
package summarysvc

import (
	"context"

	"winnow/internal/core"
)

// Request asks for one topic's summary, built from the representative
// sentences its clusters produced.
type Request struct {
	Topic     string   `json:"topic"`
	Sentences []string `json:"sentences"`
}

// BatchResult partitions one batch call's outcome by topic. A topic appears
// in at most one of the two maps; dispatch treats absence from both as a
// missing response.
type BatchResult struct {
	Summaries map[string]core.TopicSummary
	Errors    map[string]error
}

// Summarizer produces summaries for a batch of per-topic requests. A non-nil
// error means the whole batch failed; per-topic failures go in BatchResult.
type Summarizer interface {
	SummarizeBatch(ctx context.Context, requests []Request) (*BatchResult, error)
}

func newBatchResult() *BatchResult {
	return &BatchResult{
		Summaries: make(map[string]core.TopicSummary),
		Errors:    make(map[string]error),
	}
}
