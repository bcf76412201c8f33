package summarysvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"winnow/internal/core"
)

// HTTPClient talks to the batch summarization service.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Summarizer = (*HTTPClient)(nil)

// NewHTTPClient creates a reusable batch summarization client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type batchRequest struct {
	Requests []Request `json:"requests"`
}

type batchResponse struct {
	Summaries []wireSummary `json:"summaries"`
	Errors    []wireError   `json:"errors"`
}

type wireSummary struct {
	Topic    string `json:"topic"`
	Headline string `json:"headline"`
	Summary  string `json:"summary"`
	Model    string `json:"model"`
}

type wireError struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// SummarizeBatch submits one chunk of requests. Transport and status
// failures fail the whole chunk; per-topic failures come back in the result.
func (c *HTTPClient) SummarizeBatch(ctx context.Context, requests []Request) (*BatchResult, error) {
	reqBody, err := json.Marshal(batchRequest{Requests: requests})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/summarize/batch", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &core.UpstreamError{Service: "summarization", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.UpstreamError{Service: "summarization", Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &core.UpstreamError{
			Service: "summarization",
			Status:  resp.StatusCode,
			Err:     fmt.Errorf("%s", strings.TrimSpace(string(respBody))),
		}
	}

	var parsed batchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &core.SchemaError{Service: "summarization", Detail: fmt.Sprintf("unparseable body: %v", err)}
	}

	return c.toResult(&parsed)
}

func (c *HTTPClient) toResult(resp *batchResponse) (*BatchResult, error) {
	result := newBatchResult()
	now := time.Now().UTC()

	for i, s := range resp.Summaries {
		if s.Topic == "" {
			return nil, &core.SchemaError{
				Service: "summarization",
				Detail:  fmt.Sprintf("summary %d has no topic key", i),
			}
		}
		if strings.TrimSpace(s.Summary) == "" {
			result.Errors[s.Topic] = &core.SchemaError{
				Service: "summarization",
				Detail:  fmt.Sprintf("empty summary text for topic %q", s.Topic),
			}
			continue
		}
		result.Summaries[s.Topic] = core.TopicSummary{
			Topic:       s.Topic,
			Headline:    s.Headline,
			Text:        s.Summary,
			Model:       s.Model,
			GeneratedAt: now,
		}
	}

	for i, e := range resp.Errors {
		if e.Topic == "" {
			return nil, &core.SchemaError{
				Service: "summarization",
				Detail:  fmt.Sprintf("error %d has no topic key", i),
			}
		}
		msg := e.Message
		if msg == "" {
			msg = "unspecified summarization failure"
		}
		result.Errors[e.Topic] = &core.UpstreamError{Service: "summarization", Err: errors.New(msg)}
	}

	return result, nil
}
