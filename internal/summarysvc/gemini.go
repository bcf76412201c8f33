package summarysvc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"winnow/internal/core"
	"winnow/internal/logger"
)

const (
	// DefaultModel is the Gemini model used when config leaves it unset.
	DefaultModel = "gemini-2.5-flash-preview-05-20"

	// topicSummaryPromptTemplate asks for a headline line followed by a blank
	// line and the summary paragraph, which parseSummaryText relies on.
	topicSummaryPromptTemplate = `Summarize the following representative sentences for the news topic "%s". First line: a headline under 12 words. Then a blank line, then one summary paragraph leading with the most important development. Write only the headline and summary, no meta-commentary.

Sentences:
%s`
)

// GeminiSummarizer satisfies Summarizer by calling Gemini once per request.
// It exists so local and development runs work without the batch service.
type GeminiSummarizer struct {
	gClient   *genai.Client
	modelName string
}

var _ Summarizer = (*GeminiSummarizer)(nil)

// NewGeminiSummarizer creates a Gemini-backed summarizer.
func NewGeminiSummarizer(ctx context.Context, apiKey, modelName string) (*GeminiSummarizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required. Set GEMINI_API_KEY or services.gemini.api_key in config")
	}
	if modelName == "" {
		modelName = DefaultModel
	}

	gClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiSummarizer{
		gClient:   gClient,
		modelName: modelName,
	}, nil
}

// SummarizeBatch summarizes requests one by one. Per-request failures land in
// the result's error map; only context cancellation fails the whole batch.
func (g *GeminiSummarizer) SummarizeBatch(ctx context.Context, requests []Request) (*BatchResult, error) {
	result := newBatchResult()
	log := logger.Get()

	for _, req := range requests {
		if err := ctx.Err(); err != nil {
			return nil, &core.UpstreamError{Service: "summarization", Err: err}
		}

		text, err := g.generateContent(ctx, fmt.Sprintf(topicSummaryPromptTemplate, req.Topic, strings.Join(req.Sentences, "\n")))
		if err != nil {
			log.Warn("Gemini summarization failed", "topic", req.Topic, "error", err.Error())
			result.Errors[req.Topic] = &core.UpstreamError{Service: "summarization", Err: err}
			continue
		}

		headline, body := parseSummaryText(text)
		result.Summaries[req.Topic] = core.TopicSummary{
			Topic:       req.Topic,
			Headline:    headline,
			Text:        body,
			Model:       g.modelName,
			GeneratedAt: time.Now().UTC(),
		}
	}

	return result, nil
}

func (g *GeminiSummarizer) generateContent(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: prompt}},
		Role:  "user",
	}}

	resp, err := g.gClient.Models.GenerateContent(ctx, g.modelName, contents, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty response from model")
	}

	return text, nil
}

// parseSummaryText splits a model response into headline and body. The first
// non-empty line is the headline; everything after it is the body. A
// single-line response becomes a body with no headline.
func parseSummaryText(text string) (string, string) {
	lines := strings.Split(strings.TrimSpace(text), "\n")

	headlineIdx := -1
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			headlineIdx = i
			break
		}
	}
	if headlineIdx == -1 {
		return "", ""
	}

	headline := strings.TrimSpace(lines[headlineIdx])
	body := strings.TrimSpace(strings.Join(lines[headlineIdx+1:], "\n"))
	if body == "" {
		return "", headline
	}
	return headline, body
}
