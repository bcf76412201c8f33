// Package dispatch fans evidence corpora out to the clustering service under
// bounded concurrency, then drives chunked batch summarization, reconciling
// every outcome back into one complete topic map. Failures stay scoped to
// their topic; no topic is ever silently absent from the result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"winnow/internal/clustersvc"
	"winnow/internal/core"
	"winnow/internal/logger"
	"winnow/internal/summarysvc"
	"winnow/internal/taxonomy"
)

// Options tunes the orchestrator. Zero values fall back to sane defaults.
type Options struct {
	Parallelism    int           // Concurrent clustering calls; 0 uses GOMAXPROCS
	TopicTimeout   time.Duration // Per-topic clustering deadline
	ChunkSize      int           // Topics per summarization batch call
	SentenceBudget int           // Representative sentences taken per cluster
	MinViableDocs  int           // Below this, synthesize instead of calling the service
}

// DefaultOptions returns the dispatch defaults used when config leaves them
// unset.
func DefaultOptions() Options {
	return Options{
		Parallelism:    runtime.GOMAXPROCS(0),
		TopicTimeout:   30 * time.Second,
		ChunkSize:      50,
		SentenceBudget: 12,
		MinViableDocs:  2,
	}
}

// Orchestrator coordinates the two dispatch phases for one job.
type Orchestrator struct {
	clusterer  clustersvc.Clusterer
	summarizer summarysvc.Summarizer
	taxo       *taxonomy.Taxonomy
	opts       Options
	log        *slog.Logger
}

// NewOrchestrator wires the two service clients and the configured taxonomy.
func NewOrchestrator(clusterer clustersvc.Clusterer, summarizer summarysvc.Summarizer, taxo *taxonomy.Taxonomy, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.Parallelism <= 0 {
		opts.Parallelism = def.Parallelism
	}
	if opts.TopicTimeout <= 0 {
		opts.TopicTimeout = def.TopicTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.SentenceBudget <= 0 {
		opts.SentenceBudget = def.SentenceBudget
	}
	if opts.MinViableDocs <= 0 {
		opts.MinViableDocs = def.MinViableDocs
	}

	return &Orchestrator{
		clusterer:  clusterer,
		summarizer: summarizer,
		taxo:       taxo,
		opts:       opts,
		log:        logger.Get(),
	}
}

// Dispatch runs clustering fan-out and batched summarization for one job.
// The returned result covers the union of the job's configured topics and
// every topic with evidence; per-topic failures never abort siblings. Only a
// bundle with no evidence at all fails the call.
func (o *Orchestrator) Dispatch(ctx context.Context, job *core.Job, bundle *core.EvidenceBundle) (*core.DispatchResult, error) {
	if bundle == nil || len(bundle.Corpora) == 0 {
		return nil, &core.InsufficientEvidenceError{Topic: "", Have: 0, Min: 1}
	}

	started := time.Now().UTC()
	topics := topicUniverse(job, bundle)

	o.log.Info("Dispatch started",
		"job_id", job.ID,
		"topics", len(topics),
		"with_evidence", len(bundle.Corpora),
		"parallelism", o.opts.Parallelism)

	clusterSets, clusterErrs := o.runClusterPhase(ctx, topics, bundle)
	summaries, summaryErrs := o.runSummaryPhase(ctx, topics, clusterSets)

	results := make(map[string]core.GenreResult, len(topics))
	for _, topic := range topics {
		gr := core.GenreResult{Topic: topic}
		switch {
		case clusterErrs[topic] != nil:
			gr.Err = clusterErrs[topic]
		case clusterSets[topic] != nil:
			gr.Clusters = clusterSets[topic]
			if summary, ok := summaries[topic]; ok {
				gr.Summary = &summary
			} else {
				gr.Err = summaryErrs[topic]
			}
		default:
			gr.Err = &core.InsufficientEvidenceError{Topic: topic, Have: 0, Min: o.opts.MinViableDocs}
		}
		results[topic] = gr
	}

	result := &core.DispatchResult{
		JobID:       job.ID,
		Results:     results,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
	}

	o.log.Info("Dispatch completed",
		"job_id", job.ID,
		"success", result.SuccessCount(),
		"failure", result.FailureCount())

	return result, nil
}

// runClusterPhase fans out one clustering task per topic with evidence,
// bounded by the configured parallelism. Task errors land in the per-topic
// error map, never in the group error.
func (o *Orchestrator) runClusterPhase(ctx context.Context, topics []string, bundle *core.EvidenceBundle) (map[string]*core.ClusterSet, map[string]error) {
	clusterSets := make(map[string]*core.ClusterSet)
	clusterErrs := make(map[string]error)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.opts.Parallelism)
	for _, topic := range topics {
		corpus, ok := bundle.Corpora[topic]
		if !ok || len(corpus.Articles) == 0 {
			continue
		}
		g.Go(func() error {
			set, err := o.clusterTopic(ctx, &corpus)
			mu.Lock()
			if err != nil {
				clusterErrs[corpus.Topic] = err
			} else {
				clusterSets[corpus.Topic] = set
			}
			mu.Unlock()
			return nil // errors captured per topic
		})
	}
	_ = g.Wait()

	return clusterSets, clusterErrs
}

// clusterTopic runs one fan-out unit: call the service under the per-topic
// deadline, fall back to a synthetic cluster when the corpus is too small or
// the service returns none. A panic in the unit is converted into this
// topic's error and never reaches siblings.
func (o *Orchestrator) clusterTopic(ctx context.Context, corpus *core.EvidenceCorpus) (set *core.ClusterSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			set = nil
			err = fmt.Errorf("clustering task for topic %q panicked: %v", corpus.Topic, r)
			o.log.Error("Recovered panicked clustering task", "topic", corpus.Topic, "panic", fmt.Sprint(r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, &core.UpstreamError{Service: "clustering", Err: err}
	}

	if len(corpus.Articles) < o.opts.MinViableDocs {
		o.log.Warn("Corpus below minimum viable size, synthesizing fallback cluster",
			"topic", corpus.Topic,
			"have", len(corpus.Articles),
			"min", o.opts.MinViableDocs)
		return synthesizeFallback(corpus), nil
	}

	tctx, cancel := context.WithTimeout(ctx, o.opts.TopicTimeout)
	defer cancel()

	set, cerr := o.clusterer.Cluster(tctx, corpus, o.taxo.Params(corpus.Topic))
	if cerr != nil {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return nil, &core.TimeoutError{
				Op:    fmt.Sprintf("cluster topic %s", corpus.Topic),
				Limit: o.opts.TopicTimeout,
				Err:   cerr,
			}
		}
		return nil, cerr
	}

	if len(set.Clusters) == 0 {
		o.log.Warn("Clustering returned zero clusters for non-empty corpus, synthesizing fallback",
			"topic", corpus.Topic,
			"articles", len(corpus.Articles))
		return synthesizeFallback(corpus), nil
	}

	return set, nil
}

// runSummaryPhase builds one request per clustered topic, submits them in
// fixed-size chunks, and reconciles responses by topic key. A whole-chunk
// failure marks only that chunk's topics; a topic absent from both response
// maps gets an explicit missing-from-batch error.
func (o *Orchestrator) runSummaryPhase(ctx context.Context, topics []string, clusterSets map[string]*core.ClusterSet) (map[string]core.TopicSummary, map[string]error) {
	var requests []summarysvc.Request
	for _, topic := range topics {
		set, ok := clusterSets[topic]
		if !ok {
			continue
		}
		requests = append(requests, o.buildRequest(set))
	}

	summaries := make(map[string]core.TopicSummary)
	summaryErrs := make(map[string]error)

	for start := 0; start < len(requests); start += o.opts.ChunkSize {
		end := start + o.opts.ChunkSize
		if end > len(requests) {
			end = len(requests)
		}
		chunk := requests[start:end]

		result, err := o.summarizeChunk(ctx, chunk)
		if err != nil {
			o.log.Warn("Summarization chunk failed",
				"chunk_topics", len(chunk),
				"error", err.Error())
			for _, req := range chunk {
				summaryErrs[req.Topic] = err
			}
			continue
		}

		for _, req := range chunk {
			if summary, ok := result.Summaries[req.Topic]; ok {
				summaries[req.Topic] = summary
				continue
			}
			if topicErr, ok := result.Errors[req.Topic]; ok {
				summaryErrs[req.Topic] = topicErr
				continue
			}
			summaryErrs[req.Topic] = &core.SchemaError{
				Service: "summarization",
				Detail:  fmt.Sprintf("topic %q missing from batch response", req.Topic),
			}
		}
	}

	return summaries, summaryErrs
}

func (o *Orchestrator) summarizeChunk(ctx context.Context, chunk []summarysvc.Request) (result *summarysvc.BatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("summarization chunk panicked: %v", r)
			o.log.Error("Recovered panicked summarization chunk", "panic", fmt.Sprint(r))
		}
	}()
	return o.summarizer.SummarizeBatch(ctx, chunk)
}

// buildRequest selects representative sentences under the per-cluster budget.
func (o *Orchestrator) buildRequest(set *core.ClusterSet) summarysvc.Request {
	var sentences []string
	for _, cluster := range set.Clusters {
		reps := cluster.Representatives
		if len(reps) > o.opts.SentenceBudget {
			reps = reps[:o.opts.SentenceBudget]
		}
		sentences = append(sentences, reps...)
	}
	return summarysvc.Request{Topic: set.Topic, Sentences: sentences}
}

// synthesizeFallback builds a single-cluster stand-in directly from the
// evidence so summarization still has input when the service produced no
// structure. The set starts with a pending run ID; persistence must mint the
// durable one before any child record references it.
func synthesizeFallback(corpus *core.EvidenceCorpus) *core.ClusterSet {
	ids := make([]string, 0, len(corpus.Articles))
	var representatives []string
	for _, article := range corpus.Articles {
		ids = append(ids, article.ID)
		if len(article.Sentences) > 0 {
			representatives = append(representatives, article.Sentences[0])
		}
	}

	return &core.ClusterSet{
		Topic:     corpus.Topic,
		RunID:     core.PendingRunID(),
		Synthetic: true,
		Clusters: []core.Cluster{{
			Label:           corpus.Topic + "-fallback",
			ArticleIDs:      ids,
			Representatives: representatives,
			Size:            len(ids),
		}},
	}
}

// topicUniverse returns the union of the job's configured topics and the
// bundle's evidence topics: configured order first, extras sorted after.
func topicUniverse(job *core.Job, bundle *core.EvidenceBundle) []string {
	seen := make(map[string]bool, len(job.Topics))
	topics := make([]string, 0, len(job.Topics))
	for _, topic := range job.Topics {
		if seen[topic] {
			continue
		}
		seen[topic] = true
		topics = append(topics, topic)
	}

	var extra []string
	for topic := range bundle.Corpora {
		if !seen[topic] {
			extra = append(extra, topic)
		}
	}
	sort.Strings(extra)

	return append(topics, extra...)
}
