package core

import (
	"encoding/json"
	"errors"
	"math"
	"time"
)

// GenreCandidate represents one topic hypothesis for an article, produced by
// the upstream coarse classifier.
type GenreCandidate struct {
	Name                 string  `json:"name"`                  // Topic name (non-empty)
	Score                float64 `json:"score"`                 // Coarse classifier score
	KeywordSupport       int     `json:"keyword_support"`       // Number of topic keywords found in the article
	ClassifierConfidence float64 `json:"classifier_confidence"` // Classifier confidence in [0,1]
}

// TagSignal represents one extracted tag with provenance.
type TagSignal struct {
	Label      string    `json:"label"`       // Tag label as extracted
	Confidence float64   `json:"confidence"`  // Extraction confidence in [0,1]
	Source     string    `json:"source"`      // Extractor that produced the tag (e.g., "ner", "keyword")
	SourceTime time.Time `json:"source_time"` // When the tag was extracted
}

// TagProfile holds all tag signals for one article.
type TagProfile struct {
	TopTags []TagSignal `json:"top_tags"` // Ordered by descending confidence
	Entropy float64     `json:"entropy"`  // Shannon entropy of tag confidences, in bits (0 if no tags)
}

// TagEntropy computes the Shannon entropy (in bits) of the tag confidence
// distribution. Returns 0 for an empty tag list.
func TagEntropy(tags []TagSignal) float64 {
	var total float64
	for _, t := range tags {
		if t.Confidence > 0 {
			total += t.Confidence
		}
	}
	if total == 0 {
		return 0
	}
	var entropy float64
	for _, t := range tags {
		if t.Confidence <= 0 {
			continue
		}
		p := t.Confidence / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Strategy identifies which refinement strategy produced a final genre
// decision.
type Strategy string

const (
	StrategyCoarseOnly     Strategy = "coarse_only"     // Top coarse candidate taken as-is
	StrategyTagConsistency Strategy = "tag_consistency" // A single high-confidence tag matched a candidate name
	StrategyGraphBoost     Strategy = "graph_boost"     // Tag-label graph boost separated the top candidates
	StrategyWeightedScore  Strategy = "weighted_score"  // Composite tie-break between near-equal candidates
	StrategyFallbackOther  Strategy = "fallback_other"  // No candidates at all; fallback topic assigned
)

// RefineOutcome represents the final topic decision for one article.
type RefineOutcome struct {
	FinalGenre  string             `json:"final_genre"`  // Chosen topic name
	Confidence  float64            `json:"confidence"`   // Decision confidence, always clamped to [0,1]
	Strategy    Strategy           `json:"strategy"`     // Strategy that produced the decision
	GraphBoosts map[string]float64 `json:"graph_boosts"` // Per-candidate raw graph boost (diagnostic)
}

// SourceArticle represents one deduplicated article as supplied by the
// upstream pipeline, together with its coarse classification signals.
type SourceArticle struct {
	ID          string           `json:"id"`           // Unique identifier for the article
	Title       string           `json:"title"`        // Article title
	SourceURL   string           `json:"source_url"`   // Canonical source URL
	RawHTML     string           `json:"raw_html"`     // Raw HTML when sentences were not pre-split (can be empty)
	Sentences   []string         `json:"sentences"`    // Sentence-split body text
	Language    string           `json:"language"`     // ISO language code (e.g., "en", "ja")
	TokenCount  int              `json:"token_count"`  // Approximate token count of the body
	Embedding   []float64        `json:"embedding"`    // Optional vector embedding (nil if unavailable)
	PublishedAt time.Time        `json:"published_at"` // Publication time (zero value if unknown)
	IngestedAt  time.Time        `json:"ingested_at"`  // When the article entered the store
	Candidates  []GenreCandidate `json:"candidates"`   // Coarse topic hypotheses, ordered by score
	Tags        TagProfile       `json:"tags"`         // Extracted tag signals
}

// Assignment pairs an article with its refined topic decision. The evidence
// builder consumes one Assignment per article per job.
type Assignment struct {
	Article SourceArticle `json:"article"` // The article being assigned
	Outcome RefineOutcome `json:"outcome"` // Refined decision for the article
}

// EvidenceArticle represents one article inside a topic's evidence corpus.
// Every sentence it carries has at least 20 non-whitespace characters.
type EvidenceArticle struct {
	ID             string             `json:"id"`              // Article identifier
	Title          string             `json:"title"`           // Article title
	SourceURL      string             `json:"source_url"`      // Canonical source URL
	Language       string             `json:"language"`        // ISO language code
	Sentences      []string           `json:"sentences"`       // Length-filtered evidence sentences
	Score          float64            `json:"score"`           // Evidence score for this topic (≥0)
	Confidence     float64            `json:"confidence"`      // Genre confidence used in scoring
	TopicScores    map[string]float64 `json:"topic_scores"`    // Evidence score per candidate topic
	KeywordSupport int                `json:"keyword_support"` // Keyword support for this topic
	TagOverlap     int                `json:"tag_overlap"`     // Tags overlapping this topic
	Freshness      float64            `json:"freshness"`       // Recency factor in (0,1]
}

// CorpusMetadata summarizes an evidence corpus for logging and persistence.
type CorpusMetadata struct {
	ArticleCount     int            `json:"article_count"`     // Articles kept after dedup/quota/filtering
	SentenceCount    int            `json:"sentence_count"`    // Total surviving sentences
	CharCount        int            `json:"char_count"`        // Total characters across surviving sentences
	LanguageCounts   map[string]int `json:"language_counts"`   // Articles per language
	MajorityLanguage string         `json:"majority_language"` // Most common language in the corpus
	AvgConfidence    float64        `json:"avg_confidence"`    // Mean genre confidence of kept articles
	MaxConfidence    float64        `json:"max_confidence"`    // Highest genre confidence
	MinConfidence    float64        `json:"min_confidence"`    // Lowest genre confidence
	CoverageRatio    float64        `json:"coverage_ratio"`    // Fraction of kept articles with nonzero keyword support
}

// EvidenceCorpus holds all evidence for one topic, deduplicated,
// quota-limited and sorted by descending score.
type EvidenceCorpus struct {
	Topic          string            `json:"topic"`           // Topic name
	Articles       []EvidenceArticle `json:"articles"`        // Kept articles, best first
	TotalSentences int               `json:"total_sentences"` // Sum of sentence counts across articles
	Metadata       CorpusMetadata    `json:"metadata"`        // Corpus-level statistics
}

// EvidenceBundle holds all corpora for one job. Topics with zero surviving
// articles are absent from Corpora, never present as empty corpora.
type EvidenceBundle struct {
	JobID   string                    `json:"job_id"`  // Job the bundle belongs to
	Corpora map[string]EvidenceCorpus `json:"corpora"` // Topic → corpus
}

// Cluster represents one cluster returned by (or synthesized for) a topic.
type Cluster struct {
	Label           string   `json:"label"`           // Cluster label from the service (or "fallback")
	ArticleIDs      []string `json:"article_ids"`     // Articles assigned to this cluster
	Representatives []string `json:"representatives"` // Representative sentences for summarization
	Size            int      `json:"size"`            // Number of documents in the cluster
}

// ClusterSet represents the clustering outcome for one topic.
type ClusterSet struct {
	Topic     string    `json:"topic"`     // Topic name
	RunID     RunID     `json:"run_id"`    // Persisted run identity; pending until stored
	Clusters  []Cluster `json:"clusters"`  // Clusters, at least one
	Synthetic bool      `json:"synthetic"` // True when locally synthesized from evidence
}

// TopicSummary represents the summarization outcome for one topic.
type TopicSummary struct {
	Topic       string    `json:"topic"`        // Topic name
	Headline    string    `json:"headline"`     // Short headline (can be empty)
	Text        string    `json:"text"`         // Generated summary text
	Model       string    `json:"model"`        // Model or service that produced the summary
	GeneratedAt time.Time `json:"generated_at"` // When the summary was produced
}

// GenreResult represents the dispatch outcome for one topic. Unless the topic
// had no evidence at all, exactly one of Summary and Err is set.
type GenreResult struct {
	Topic    string        `json:"topic"`    // Topic name
	Clusters *ClusterSet   `json:"clusters"` // Clustering payload (nil if clustering failed or no evidence)
	Summary  *TopicSummary `json:"summary"`  // Summary payload (nil on failure)
	Err      error         `json:"-"`        // Topic-scoped error (nil on success)
}

// Failed reports whether the topic ended in an error state.
func (r GenreResult) Failed() bool { return r.Err != nil }

// MarshalJSON serializes the topic error as a plain string so persisted
// results keep their failure information.
func (r GenreResult) MarshalJSON() ([]byte, error) {
	type alias GenreResult
	out := struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias: alias(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a persisted result. The error comes back as an
// opaque string error; the original type is not reconstructed.
func (r *GenreResult) UnmarshalJSON(data []byte) error {
	type alias GenreResult
	aux := struct {
		*alias
		Error string `json:"error,omitempty"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Error != "" {
		r.Err = errors.New(aux.Error)
	}
	return nil
}

// DispatchResult is the whole-job dispatch outcome: one GenreResult per
// configured topic plus every topic that contributed evidence.
type DispatchResult struct {
	JobID       string                 `json:"job_id"`       // Job this result belongs to
	Results     map[string]GenreResult `json:"results"`      // Topic → outcome, no omissions
	StartedAt   time.Time              `json:"started_at"`   // Dispatch start time
	CompletedAt time.Time              `json:"completed_at"` // Dispatch completion time
}

// SuccessCount derives the number of succeeded topics from the result map.
// Counts are never tracked separately from the map, so they cannot drift.
func (d DispatchResult) SuccessCount() int {
	n := 0
	for _, r := range d.Results {
		if !r.Failed() {
			n++
		}
	}
	return n
}

// FailureCount derives the number of failed topics from the result map.
func (d DispatchResult) FailureCount() int {
	return len(d.Results) - d.SuccessCount()
}

// Job represents one pipeline run over the article pool.
type Job struct {
	ID        string    `json:"id"`         // Unique job identifier
	Topics    []string  `json:"topics"`     // Configured topics for this job
	CreatedAt time.Time `json:"created_at"` // When the job was created
}
