package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"winnow/internal/core"
	"winnow/internal/summarysvc"
	"winnow/internal/taxonomy"
)

type fakeClusterer struct {
	mu           sync.Mutex
	calls        []string
	delays       map[string]time.Duration
	errs         map[string]error
	zeroClusters map[string]bool
	panicTopics  map[string]bool
}

func (f *fakeClusterer) Cluster(ctx context.Context, corpus *core.EvidenceCorpus, params taxonomy.ClusterParams) (*core.ClusterSet, error) {
	f.mu.Lock()
	f.calls = append(f.calls, corpus.Topic)
	f.mu.Unlock()

	if f.panicTopics[corpus.Topic] {
		panic("fake clusterer exploded")
	}

	if delay := f.delays[corpus.Topic]; delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &core.UpstreamError{Service: "clustering", Err: ctx.Err()}
		}
	}

	if err := f.errs[corpus.Topic]; err != nil {
		return nil, err
	}

	if f.zeroClusters[corpus.Topic] {
		return &core.ClusterSet{Topic: corpus.Topic, RunID: core.PendingRunID()}, nil
	}

	ids := make([]string, 0, len(corpus.Articles))
	var reps []string
	for _, a := range corpus.Articles {
		ids = append(ids, a.ID)
		reps = append(reps, a.Sentences...)
	}
	return &core.ClusterSet{
		Topic: corpus.Topic,
		RunID: core.PendingRunID(),
		Clusters: []core.Cluster{
			{Label: corpus.Topic + "-0", ArticleIDs: ids, Representatives: reps, Size: len(ids)},
		},
	}, nil
}

func (f *fakeClusterer) calledTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSummarizer struct {
	mu         sync.Mutex
	chunks     [][]summarysvc.Request
	failChunks map[int]error
	topicErrs  map[string]error
	omitTopics map[string]bool
}

func (f *fakeSummarizer) SummarizeBatch(ctx context.Context, requests []summarysvc.Request) (*summarysvc.BatchResult, error) {
	f.mu.Lock()
	idx := len(f.chunks)
	f.chunks = append(f.chunks, append([]summarysvc.Request(nil), requests...))
	f.mu.Unlock()

	if err := f.failChunks[idx]; err != nil {
		return nil, err
	}

	result := &summarysvc.BatchResult{
		Summaries: make(map[string]core.TopicSummary),
		Errors:    make(map[string]error),
	}
	for _, req := range requests {
		if f.omitTopics[req.Topic] {
			continue
		}
		if err := f.topicErrs[req.Topic]; err != nil {
			result.Errors[req.Topic] = err
			continue
		}
		result.Summaries[req.Topic] = core.TopicSummary{
			Topic:       req.Topic,
			Text:        "summary of " + req.Topic,
			Model:       "fake",
			GeneratedAt: time.Now(),
		}
	}
	return result, nil
}

func (f *fakeSummarizer) chunkTopicCounts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make([]int, len(f.chunks))
	for i, chunk := range f.chunks {
		counts[i] = len(chunk)
	}
	return counts
}

func corpusFor(topic string, n int) core.EvidenceCorpus {
	articles := make([]core.EvidenceArticle, n)
	for i := range articles {
		articles[i] = core.EvidenceArticle{
			ID:        fmt.Sprintf("%s-%d", topic, i),
			Title:     fmt.Sprintf("%s article %d", topic, i),
			Sentences: []string{fmt.Sprintf("Representative sentence %d covering developments in %s.", i, topic)},
		}
	}
	return core.EvidenceCorpus{Topic: topic, Articles: articles, TotalSentences: n}
}

func testOptions() Options {
	return Options{
		Parallelism:    4,
		TopicTimeout:   50 * time.Millisecond,
		ChunkSize:      2,
		SentenceBudget: 3,
		MinViableDocs:  2,
	}
}

func newTestOrchestrator(fc *fakeClusterer, fs *fakeSummarizer, opts Options) *Orchestrator {
	return NewOrchestrator(fc, fs, taxonomy.Default(), opts)
}

func TestDispatchTimeoutIsolatedToOneTopic(t *testing.T) {
	fc := &fakeClusterer{delays: map[string]time.Duration{"tech": 500 * time.Millisecond}}
	fs := &fakeSummarizer{}
	o := newTestOrchestrator(fc, fs, testOptions())

	job := &core.Job{ID: "job-1", Topics: []string{"tech", "business"}}
	bundle := &core.EvidenceBundle{
		JobID: "job-1",
		Corpora: map[string]core.EvidenceCorpus{
			"tech":     corpusFor("tech", 4),
			"business": corpusFor("business", 4),
		},
	}

	result, err := o.Dispatch(context.Background(), job, bundle)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	techResult := result.Results["tech"]
	if !techResult.Failed() {
		t.Fatal("Expected tech to fail with a timeout")
	}
	var terr *core.TimeoutError
	if !errors.As(techResult.Err, &terr) {
		t.Errorf("Expected TimeoutError for tech, got %v", techResult.Err)
	}
	if techResult.Summary != nil {
		t.Error("Expected no summary for the timed-out topic")
	}

	bizResult := result.Results["business"]
	if bizResult.Failed() {
		t.Fatalf("Expected business to succeed, got error: %v", bizResult.Err)
	}
	if bizResult.Summary == nil || bizResult.Summary.Text != "summary of business" {
		t.Errorf("Expected business summary, got %+v", bizResult.Summary)
	}

	if result.SuccessCount() != 1 {
		t.Errorf("Expected success_count 1, got %d", result.SuccessCount())
	}
	if result.FailureCount() != 1 {
		t.Errorf("Expected failure_count 1, got %d", result.FailureCount())
	}
}

func TestDispatchCompleteTopicMap(t *testing.T) {
	fc := &fakeClusterer{}
	fs := &fakeSummarizer{}
	o := newTestOrchestrator(fc, fs, testOptions())

	// science is configured but has no evidence; sports has evidence but is
	// not configured. Both must appear in the result.
	job := &core.Job{ID: "job-2", Topics: []string{"tech", "business", "science"}}
	bundle := &core.EvidenceBundle{
		JobID: "job-2",
		Corpora: map[string]core.EvidenceCorpus{
			"tech":   corpusFor("tech", 3),
			"sports": corpusFor("sports", 3),
		},
	}

	result, err := o.Dispatch(context.Background(), job, bundle)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	for _, topic := range []string{"tech", "business", "science", "sports"} {
		if _, ok := result.Results[topic]; !ok {
			t.Errorf("Expected topic '%s' in the result map", topic)
		}
	}
	if len(result.Results) != 4 {
		t.Errorf("Expected exactly 4 topics, got %d", len(result.Results))
	}

	var ierr *core.InsufficientEvidenceError
	if !errors.As(result.Results["science"].Err, &ierr) {
		t.Errorf("Expected InsufficientEvidenceError for science, got %v", result.Results["science"].Err)
	}
	if ierr != nil && ierr.Topic != "science" {
		t.Errorf("Expected error scoped to science, got '%s'", ierr.Topic)
	}
	if result.Results["sports"].Summary == nil {
		t.Error("Expected the unconfigured evidence topic to be processed")
	}
}

func TestDispatchSyntheticFallbackOnZeroClusters(t *testing.T) {
	fc := &fakeClusterer{zeroClusters: map[string]bool{"tech": true}}
	fs := &fakeSummarizer{}
	o := newTestOrchestrator(fc, fs, testOptions())

	job := &core.Job{ID: "job-3", Topics: []string{"tech"}}
	bundle := &core.EvidenceBundle{
		JobID:   "job-3",
		Corpora: map[string]core.EvidenceCorpus{"tech": corpusFor("tech", 4)},
	}

	result, err := o.Dispatch(context.Background(), job, bundle)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	techResult := result.Results["tech"]
	if techResult.Failed() {
		t.Fatalf("Expected fallback success, got error: %v", techResult.Err)
	}
	set := techResult.Clusters
	if set == nil || !set.Synthetic {
		t.Fatalf("Expected a synthetic cluster set, got %+v", set)
	}
	if len(set.Clusters) != 1 {
		t.Fatalf("Expected exactly 1 synthetic cluster, got %d", len(set.Clusters))
	}
	if set.Clusters[0].Label != "tech-fallback" {
		t.Errorf("Expected label 'tech-fallback', got '%s'", set.Clusters[0].Label)
	}
	if len(set.Clusters[0].ArticleIDs) != 4 {
		t.Errorf("Expected all 4 articles in the fallback cluster, got %d", len(set.Clusters[0].ArticleIDs))
	}
	if set.RunID.Persisted() {
		t.Error("Expected the synthetic set to carry a pending run ID")
	}
	if techResult.Summary == nil {
		t.Error("Expected summarization to run on the synthetic cluster")
	}
}

func TestDispatchSkipsServiceBelowMinViableDocs(t *testing.T) {
	fc := &fakeClusterer{}
	fs := &fakeSummarizer{}
	opts := testOptions()
	opts.MinViableDocs = 3
	o := newTestOrchestrator(fc, fs, opts)

	job := &core.Job{ID: "job-4", Topics: []string{"tech"}}
	bundle := &core.EvidenceBundle{
		JobID:   "job-4",
		Corpora: map[string]core.EvidenceCorpus{"tech": corpusFor("tech", 2)},
	}

	result, err := o.Dispatch(context.Background(), job, bundle)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if calls := fc.calledTopics(); len(calls) != 0 {
		t.Errorf("Expected no clustering calls for an undersized corpus, got %v", calls)
	}
	techResult := result.Results["tech"]
	if techResult.Clusters == nil || !techResult.Clusters.Synthetic {
		t.Error("Expected a synthetic set instead of a service call")
	}
	if techResult.Summary == nil {
		t.Error("Expected the undersized topic to still get a summary")
	}
}

func TestDispatchPanicIsolation(t *testing.T) {
	fc := &fakeClusterer{panicTopics: map[string]bool{"tech": true}}
	fs := &fakeSummarizer{}
	o := newTestOrchestrator(fc, fs, testOptions())

	job := &core.Job{ID: "job-5", Topics: []string{"tech", "business"}}
	bundle := &core.EvidenceBundle{
		JobID: "job-5",
		Corpora: map[string]core.EvidenceCorpus{
			"tech":     corpusFor("tech", 4),
			"business": corpusFor("business", 4),
		},
	}

	result, err := o.Dispatch(context.Background(), job, bundle)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	techResult := result.Results["tech"]
	if !techResult.Failed() {
		t.Fatal("Expected the panicked unit to fail its topic")
	}
	if !strings.Contains(techResult.Err.Error(), "panicked") {
		t.Errorf("Expected panic converted to error, got '%v'", techResult.Err)
	}
	if result.Results["business"].Failed() {
		t.Errorf("Expected the sibling topic to survive, got error: %v", result.Results["business"].Err)
	}
}

func TestDispatchChunkFailureIsolation(t *testing.T) {
	fc := &fakeClusterer{}
	fs := &fakeSummarizer{
		failChunks: map[int]error{1: &core.UpstreamError{Service: "summarization", Err: errors.New("chunk transport down")}},
	}
	o := newTestOrchestrator(fc, fs, testOptions())

	// Five topics with ChunkSize 2 produce chunks of 2, 2 and 1; the second
	// chunk fails wholesale.
	topics := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	corpora := make(map[string]core.EvidenceCorpus, len(topics))
	for _, topic := range topics {
		corpora[topic] = corpusFor(topic, 3)
	}
	job := &core.Job{ID: "job-6", Topics: topics}
	bundle := &core.EvidenceBundle{JobID: "job-6", Corpora: corpora}

	result, err := o.Dispatch(context.Background(), job, bundle)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	counts := fs.chunkTopicCounts()
	if len(counts) != 3 || counts[0] != 2 || counts[1] != 2 || counts[2] != 1 {
		t.Errorf("Expected chunk sizes [2 2 1], got %v", counts)
	}

	failed := 0
	for _, topic := range topics {
		if result.Results[topic].Failed() {
			failed++
			var uerr *core.UpstreamError
			if !errors.As(result.Results[topic].Err, &uerr) {
				t.Errorf("Expected UpstreamError for topic '%s', got %v", topic, result.Results[topic].Err)
			}
		}
	}
	if failed != 2 {
		t.Errorf("Expected exactly the 2 topics of the failed chunk to error, got %d", failed)
	}
	if result.SuccessCount() != 3 {
		t.Errorf("Expected 3 successes, got %d", result.SuccessCount())
	}
}

func TestDispatchMissingFromBatchResponse(t *testing.T) {
	fc := &fakeClusterer{}
	fs := &fakeSummarizer{omitTopics: map[string]bool{"tech": true}}
	o := newTestOrchestrator(fc, fs, testOptions())

	job := &core.Job{ID: "job-7", Topics: []string{"tech", "business"}}
	bundle := &core.EvidenceBundle{
		JobID: "job-7",
		Corpora: map[string]core.EvidenceCorpus{
			"tech":     corpusFor("tech", 3),
			"business": corpusFor("business", 3),
		},
	}

	result, err := o.Dispatch(context.Background(), job, bundle)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	techResult := result.Results["tech"]
	var serr *core.SchemaError
	if !errors.As(techResult.Err, &serr) {
		t.Fatalf("Expected SchemaError for the omitted topic, got %v", techResult.Err)
	}
	if !strings.Contains(serr.Error(), "missing from batch response") {
		t.Errorf("Expected missing-from-batch message, got '%s'", serr.Error())
	}
	if result.Results["business"].Summary == nil {
		t.Error("Expected the present topic to succeed")
	}
}

func TestDispatchSummaryErrorKeepsClusters(t *testing.T) {
	fc := &fakeClusterer{}
	fs := &fakeSummarizer{
		topicErrs: map[string]error{"tech": &core.UpstreamError{Service: "summarization", Err: errors.New("model refused")}},
	}
	o := newTestOrchestrator(fc, fs, testOptions())

	job := &core.Job{ID: "job-8", Topics: []string{"tech"}}
	bundle := &core.EvidenceBundle{
		JobID:   "job-8",
		Corpora: map[string]core.EvidenceCorpus{"tech": corpusFor("tech", 3)},
	}

	result, err := o.Dispatch(context.Background(), job, bundle)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	techResult := result.Results["tech"]
	if techResult.Clusters == nil {
		t.Error("Expected the clustering payload to survive a summarization failure")
	}
	if techResult.Summary != nil {
		t.Error("Expected no summary when summarization failed")
	}
	if !techResult.Failed() {
		t.Error("Expected the topic to be marked failed")
	}
}

func TestDispatchSentenceBudgetApplied(t *testing.T) {
	fc := &fakeClusterer{}
	fs := &fakeSummarizer{}
	opts := testOptions()
	opts.SentenceBudget = 2
	o := newTestOrchestrator(fc, fs, opts)

	job := &core.Job{ID: "job-9", Topics: []string{"tech"}}
	bundle := &core.EvidenceBundle{
		JobID:   "job-9",
		Corpora: map[string]core.EvidenceCorpus{"tech": corpusFor("tech", 5)},
	}

	if _, err := o.Dispatch(context.Background(), job, bundle); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.chunks) != 1 || len(fs.chunks[0]) != 1 {
		t.Fatalf("Expected one request in one chunk, got %v", fs.chunks)
	}
	// The single cluster carried 5 representatives; the budget keeps 2.
	if got := len(fs.chunks[0][0].Sentences); got != 2 {
		t.Errorf("Expected 2 sentences under the budget, got %d", got)
	}
}

func TestDispatchEmptyBundleAborts(t *testing.T) {
	o := newTestOrchestrator(&fakeClusterer{}, &fakeSummarizer{}, testOptions())

	job := &core.Job{ID: "job-10", Topics: []string{"tech"}}

	_, err := o.Dispatch(context.Background(), job, &core.EvidenceBundle{JobID: "job-10"})
	var ierr *core.InsufficientEvidenceError
	if !errors.As(err, &ierr) {
		t.Fatalf("Expected InsufficientEvidenceError for an empty bundle, got %v", err)
	}

	if _, err := o.Dispatch(context.Background(), job, nil); err == nil {
		t.Error("Expected error for a nil bundle")
	}
}

func TestTopicUniverseOrdering(t *testing.T) {
	job := &core.Job{Topics: []string{"tech", "business", "tech"}}
	bundle := &core.EvidenceBundle{
		Corpora: map[string]core.EvidenceCorpus{
			"zeta":     {},
			"alpha":    {},
			"business": {},
		},
	}

	got := topicUniverse(job, bundle)
	want := []string{"tech", "business", "alpha", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected '%s', got '%s'", i, want[i], got[i])
		}
	}
}
