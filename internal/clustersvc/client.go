// Package clustersvc implements the HTTP client for the external clustering
// service. Runs may complete synchronously or return an async handle that the
// client polls with exponential backoff.
package clustersvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"winnow/internal/core"
	"winnow/internal/taxonomy"
)

// Clusterer submits one topic's evidence corpus for clustering.
type Clusterer interface {
	Cluster(ctx context.Context, corpus *core.EvidenceCorpus, params taxonomy.ClusterParams) (*core.ClusterSet, error)
}

// Document is one unit of clustering input: a paragraph assembled from an
// article's sentences, tagged with the article it came from.
type Document struct {
	ID   string `json:"id"`   // Source article ID
	Text string `json:"text"` // Paragraph text
}

// ClusterRequest is the payload sent to the clustering service.
type ClusterRequest struct {
	Topic     string                 `json:"topic"`
	Documents []Document             `json:"documents"`
	Params    taxonomy.ClusterParams `json:"params"`
}

// clusterResponse is the service reply, either a finished run or an async
// handle to poll.
type clusterResponse struct {
	Status   string        `json:"status"` // "completed", "pending" or "failed"
	RunID    string        `json:"run_id,omitempty"`
	Clusters []wireCluster `json:"clusters,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type wireCluster struct {
	Label           string   `json:"label"`
	DocumentIDs     []string `json:"document_ids"`
	Representatives []string `json:"representatives"`
	Size            int      `json:"size"`
}

const (
	statusCompleted = "completed"
	statusPending   = "pending"
	statusFailed    = "failed"

	// Paragraphs shorter than this are merged with the following sentences
	// so the clustering service never sees near-empty documents.
	minDocumentChars = 50
)

// Options controls timeouts and async-run polling.
type Options struct {
	Timeout         time.Duration // Per-request HTTP timeout
	PollInterval    time.Duration // Initial poll delay for async runs
	PollMaxInterval time.Duration // Cap on the poll delay
	PollMaxAttempts int           // Give up after this many polls
}

// DefaultOptions returns the polling defaults used when config leaves them
// unset.
func DefaultOptions() Options {
	return Options{
		Timeout:         20 * time.Second,
		PollInterval:    500 * time.Millisecond,
		PollMaxInterval: 8 * time.Second,
		PollMaxAttempts: 10,
	}
}

// Client talks to the clustering service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	opts       Options
}

var _ Clusterer = (*Client)(nil)

// NewClient creates a reusable clustering client.
func NewClient(baseURL, apiKey string, opts Options) *Client {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.PollMaxInterval <= 0 {
		opts.PollMaxInterval = def.PollMaxInterval
	}
	if opts.PollMaxAttempts <= 0 {
		opts.PollMaxAttempts = def.PollMaxAttempts
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: opts.Timeout},
		opts:       opts,
	}
}

// Cluster submits one topic's evidence corpus and returns the resulting
// cluster set. The returned set carries a pending run ID; persistence assigns
// the durable one.
func (c *Client) Cluster(ctx context.Context, corpus *core.EvidenceCorpus, params taxonomy.ClusterParams) (*core.ClusterSet, error) {
	request := ClusterRequest{
		Topic:     corpus.Topic,
		Documents: BuildDocuments(corpus),
		Params:    params,
	}

	resp, err := c.submit(ctx, request)
	if err != nil {
		return nil, err
	}

	if resp.Status == statusPending {
		resp, err = c.pollRun(ctx, resp.RunID)
		if err != nil {
			return nil, err
		}
	}

	return c.toClusterSet(corpus.Topic, resp)
}

func (c *Client) submit(ctx context.Context, request ClusterRequest) (*clusterResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/cluster", request)
	if err != nil {
		return nil, err
	}
	return c.validate(resp)
}

// pollRun polls an async run handle with exponential backoff until it leaves
// the pending state or attempts run out.
func (c *Client) pollRun(ctx context.Context, runID string) (*clusterResponse, error) {
	if runID == "" {
		return nil, &core.SchemaError{Service: "clustering", Detail: "pending run without run_id"}
	}

	delay := c.opts.PollInterval
	for attempt := 1; attempt <= c.opts.PollMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, &core.UpstreamError{Service: "clustering", Err: ctx.Err()}
		case <-time.After(delay):
		}

		resp, err := c.do(ctx, http.MethodGet, "/runs/"+runID, nil)
		if err != nil {
			return nil, err
		}
		validated, err := c.validate(resp)
		if err != nil {
			return nil, err
		}
		if validated.Status != statusPending {
			return validated, nil
		}

		delay *= 2
		if delay > c.opts.PollMaxInterval {
			delay = c.opts.PollMaxInterval
		}
	}

	return nil, &core.UpstreamError{
		Service: "clustering",
		Err:     fmt.Errorf("run %s still pending after %d polls", runID, c.opts.PollMaxAttempts),
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (*clusterResponse, error) {
	var body io.Reader
	if payload != nil {
		reqBody, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &core.UpstreamError{Service: "clustering", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.UpstreamError{Service: "clustering", Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &core.UpstreamError{
			Service: "clustering",
			Status:  resp.StatusCode,
			Err:     fmt.Errorf("%s", strings.TrimSpace(string(respBody))),
		}
	}

	var parsed clusterResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &core.SchemaError{Service: "clustering", Detail: fmt.Sprintf("unparseable body: %v", err)}
	}

	return &parsed, nil
}

// validate enforces the structural contract on a decoded response.
func (c *Client) validate(resp *clusterResponse) (*clusterResponse, error) {
	switch resp.Status {
	case statusCompleted:
		for i, cl := range resp.Clusters {
			if len(cl.DocumentIDs) == 0 {
				return nil, &core.SchemaError{
					Service: "clustering",
					Detail:  fmt.Sprintf("cluster %d has no document_ids", i),
				}
			}
		}
		return resp, nil
	case statusPending:
		if resp.RunID == "" {
			return nil, &core.SchemaError{Service: "clustering", Detail: "pending run without run_id"}
		}
		return resp, nil
	case statusFailed:
		return nil, &core.UpstreamError{
			Service: "clustering",
			Err:     fmt.Errorf("run failed: %s", resp.Error),
		}
	default:
		return nil, &core.SchemaError{
			Service: "clustering",
			Detail:  fmt.Sprintf("unknown status %q", resp.Status),
		}
	}
}

func (c *Client) toClusterSet(topic string, resp *clusterResponse) (*core.ClusterSet, error) {
	set := &core.ClusterSet{
		Topic:    topic,
		RunID:    core.PendingRunID(),
		Clusters: make([]core.Cluster, 0, len(resp.Clusters)),
	}

	for _, cl := range resp.Clusters {
		size := cl.Size
		if size == 0 {
			size = len(cl.DocumentIDs)
		}
		set.Clusters = append(set.Clusters, core.Cluster{
			Label:           cl.Label,
			ArticleIDs:      dedupeIDs(cl.DocumentIDs),
			Representatives: cl.Representatives,
			Size:            size,
		})
	}

	return set, nil
}

// BuildDocuments turns each article's sentences into paragraph documents.
// Consecutive sentences are merged until a paragraph reaches the minimum
// length; a short tail is folded into the previous paragraph.
func BuildDocuments(corpus *core.EvidenceCorpus) []Document {
	var docs []Document
	for _, article := range corpus.Articles {
		start := len(docs)
		var b strings.Builder
		for _, sentence := range article.Sentences {
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			b.WriteString(sentence)
			if b.Len() >= minDocumentChars {
				docs = append(docs, Document{ID: article.ID, Text: b.String()})
				b.Reset()
			}
		}
		if b.Len() > 0 {
			if len(docs) > start {
				last := &docs[len(docs)-1]
				last.Text = last.Text + " " + b.String()
			} else {
				docs = append(docs, Document{ID: article.ID, Text: b.String()})
			}
		}
	}
	return docs
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
