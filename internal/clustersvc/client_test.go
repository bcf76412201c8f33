package clustersvc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"winnow/internal/core"
	"winnow/internal/taxonomy"
)

func fastOptions() Options {
	return Options{
		Timeout:         time.Second,
		PollInterval:    time.Millisecond,
		PollMaxInterval: 4 * time.Millisecond,
		PollMaxAttempts: 5,
	}
}

func testCorpus() *core.EvidenceCorpus {
	return &core.EvidenceCorpus{
		Topic: "tech",
		Articles: []core.EvidenceArticle{
			{
				ID:        "a1",
				Title:     "Fab expansion",
				Sentences: []string{"The fabrication plant expanded capacity by forty percent this quarter."},
			},
			{
				ID:        "a2",
				Title:     "Chip supply",
				Sentences: []string{"Chip supply constraints eased as new production lines came online."},
			},
		},
	}
}

func TestClusterSynchronousCompletion(t *testing.T) {
	var gotRequest ClusterRequest
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotRequest); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"status": "completed",
			"clusters": [
				{"label": "supply", "document_ids": ["a1", "a2", "a1"], "representatives": ["Chip supply constraints eased as new production lines came online."]}
			]
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", fastOptions())
	params := taxonomy.ClusterParams{Algorithm: "hdbscan", MinClusterSize: 2}

	set, err := client.Cluster(context.Background(), testCorpus(), params)
	if err != nil {
		t.Fatalf("Cluster failed: %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("Expected bearer auth header, got '%s'", gotAuth)
	}
	if gotRequest.Topic != "tech" {
		t.Errorf("Expected request topic 'tech', got '%s'", gotRequest.Topic)
	}
	if gotRequest.Params.Algorithm != "hdbscan" {
		t.Errorf("Expected algorithm 'hdbscan', got '%s'", gotRequest.Params.Algorithm)
	}
	if len(gotRequest.Documents) == 0 {
		t.Fatal("Expected documents in the request")
	}

	if set.Topic != "tech" {
		t.Errorf("Expected topic 'tech', got '%s'", set.Topic)
	}
	if set.RunID.Persisted() {
		t.Error("Expected a pending run ID before persistence")
	}
	if set.Synthetic {
		t.Error("Expected a service-produced set, not synthetic")
	}
	if len(set.Clusters) != 1 {
		t.Fatalf("Expected 1 cluster, got %d", len(set.Clusters))
	}

	cluster := set.Clusters[0]
	if cluster.Label != "supply" {
		t.Errorf("Expected label 'supply', got '%s'", cluster.Label)
	}
	if len(cluster.ArticleIDs) != 2 {
		t.Errorf("Expected duplicate document IDs collapsed to 2, got %v", cluster.ArticleIDs)
	}
	if cluster.Size != 3 {
		t.Errorf("Expected declared size 3, got %d", cluster.Size)
	}
}

func TestClusterAsyncPolling(t *testing.T) {
	var mu sync.Mutex
	polls := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"status": "pending", "run_id": "r42"}`))
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/runs/r42") {
			t.Errorf("Unexpected poll path %s", r.URL.Path)
		}
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n < 2 {
			_, _ = w.Write([]byte(`{"status": "pending", "run_id": "r42"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status": "completed", "clusters": [{"label": "c0", "document_ids": ["a1"], "representatives": ["rep"], "size": 1}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", fastOptions())

	set, err := client.Cluster(context.Background(), testCorpus(), taxonomy.ClusterParams{})
	if err != nil {
		t.Fatalf("Cluster failed: %v", err)
	}
	if len(set.Clusters) != 1 {
		t.Fatalf("Expected 1 cluster after polling, got %d", len(set.Clusters))
	}

	mu.Lock()
	defer mu.Unlock()
	if polls != 2 {
		t.Errorf("Expected 2 polls, got %d", polls)
	}
}

func TestClusterPollExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status": "pending", "run_id": "r7"}`))
	}))
	defer server.Close()

	opts := fastOptions()
	opts.PollMaxAttempts = 3
	client := NewClient(server.URL, "", opts)

	_, err := client.Cluster(context.Background(), testCorpus(), taxonomy.ClusterParams{})
	if err == nil {
		t.Fatal("Expected error when polling never completes")
	}
	var uerr *core.UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("Expected UpstreamError, got %T", err)
	}
	if !strings.Contains(uerr.Error(), "still pending") {
		t.Errorf("Expected exhaustion message, got '%s'", uerr.Error())
	}
}

func TestClusterFailedRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status": "failed", "error": "not enough documents"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", fastOptions())

	_, err := client.Cluster(context.Background(), testCorpus(), taxonomy.ClusterParams{})
	var uerr *core.UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("Expected UpstreamError, got %v", err)
	}
	if !strings.Contains(uerr.Error(), "not enough documents") {
		t.Errorf("Expected service error message preserved, got '%s'", uerr.Error())
	}
}

func TestClusterSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown status", body: `{"status": "sideways"}`},
		{name: "pending without run id", body: `{"status": "pending"}`},
		{name: "cluster without document ids", body: `{"status": "completed", "clusters": [{"label": "x", "representatives": ["r"]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(server.URL, "", fastOptions())
			_, err := client.Cluster(context.Background(), testCorpus(), taxonomy.ClusterParams{})
			var serr *core.SchemaError
			if !errors.As(err, &serr) {
				t.Fatalf("Expected SchemaError, got %v", err)
			}
		})
	}
}

func TestClusterHTTPStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`overloaded`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", fastOptions())

	_, err := client.Cluster(context.Background(), testCorpus(), taxonomy.ClusterParams{})
	var uerr *core.UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("Expected UpstreamError, got %v", err)
	}
	if uerr.Status != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", uerr.Status)
	}
}

func TestClusterPollCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status": "pending", "run_id": "r9"}`))
	}))
	defer server.Close()

	opts := fastOptions()
	opts.PollInterval = time.Minute
	client := NewClient(server.URL, "", opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.Cluster(ctx, testCorpus(), taxonomy.ClusterParams{})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		var uerr *core.UpstreamError
		if !errors.As(err, &uerr) {
			t.Fatalf("Expected UpstreamError after cancellation, got %v", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected wrapped context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cluster did not return after context cancellation")
	}
}

func TestBuildDocuments(t *testing.T) {
	corpus := &core.EvidenceCorpus{
		Topic: "tech",
		Articles: []core.EvidenceArticle{
			{
				ID: "a1",
				Sentences: []string{
					"Short one.",
					"Another brief line here.",
					"This sentence pushes the paragraph over the minimum length.",
				},
			},
			{
				ID: "a2",
				Sentences: []string{
					"A single sufficiently long sentence that stands alone as one document.",
					"Tail.",
				},
			},
			{
				ID:        "a3",
				Sentences: []string{"Tiny."},
			},
		},
	}

	docs := BuildDocuments(corpus)
	if len(docs) != 3 {
		t.Fatalf("Expected 3 documents, got %d: %v", len(docs), docs)
	}

	if docs[0].ID != "a1" {
		t.Errorf("Expected first document from a1, got '%s'", docs[0].ID)
	}
	if !strings.Contains(docs[0].Text, "Short one. Another brief line here.") {
		t.Errorf("Expected short sentences merged, got '%s'", docs[0].Text)
	}

	if docs[1].ID != "a2" {
		t.Errorf("Expected second document from a2, got '%s'", docs[1].ID)
	}
	if !strings.HasSuffix(docs[1].Text, "Tail.") {
		t.Errorf("Expected short tail folded into previous paragraph, got '%s'", docs[1].Text)
	}

	if docs[2].ID != "a3" || docs[2].Text != "Tiny." {
		t.Errorf("Expected lone short article kept as its own document, got %+v", docs[2])
	}
}
