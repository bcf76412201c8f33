// Package evidence builds per-topic evidence corpora from refined article
// assignments: scoring, deduplication, dynamic quotas and sentence filtering.
package evidence

import (
	"log/slog"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"winnow/internal/core"
	"winnow/internal/graph"
	"winnow/internal/logger"
)

// Scoring and selection constants. The three score weights sum to 1.
const (
	weightConfidence = 0.5
	weightInfo       = 0.3
	weightFreshness  = 0.2

	diversityPenalty     = 0.2 // Applied when a source domain dominates a topic group
	diversityDomainLimit = 3   // Occurrences beyond this trigger the penalty

	tagOverlapFactor = 0.1    // Each overlapping tag contributes this much to info score
	infoTokenCap     = 2000.0 // Token count saturates here

	freshnessDecayDays = 7.0 // e^(-age/7) decay constant
	unknownFreshness   = 0.5 // Freshness when the publish date is unknown

	embeddingDupThreshold = 0.9 // Cosine similarity above this is a duplicate

	// MinSentenceChars is the minimum number of non-whitespace characters a
	// sentence needs to survive filtering.
	MinSentenceChars = 20

	quotaRatio = 0.2
	quotaMin   = 3
	quotaMax   = 20

	otherTopic = "other"
	otherQuota = 5
)

// Builder assembles evidence bundles. The zero value is not usable; call
// NewBuilder.
type Builder struct {
	now func() time.Time
	log *slog.Logger
}

// NewBuilder creates a Builder using the wall clock for freshness.
func NewBuilder() *Builder {
	return &Builder{
		now: time.Now,
		log: logger.Get(),
	}
}

// scoredArticle carries one article's per-topic scoring signals.
type scoredArticle struct {
	article        core.SourceArticle
	confidence     float64
	keywordSupport int
	tagOverlap     int
	freshness      float64
	score          float64
}

// Build groups assignments by every topic each article was associated with,
// then scores, deduplicates, quota-limits and sentence-filters each group.
// Topics with zero surviving articles are absent from the returned bundle.
func (b *Builder) Build(jobID string, assignments []core.Assignment) core.EvidenceBundle {
	groups := groupByTopic(assignments)

	// Score every group first so articles can report their score in every
	// topic they were grouped into.
	scoredGroups := make(map[string][]scoredArticle, len(groups))
	topicScores := make(map[string]map[string]float64)
	for topic, group := range groups {
		entries := b.scoreGroup(topic, group)
		scoredGroups[topic] = entries
		for _, e := range entries {
			if topicScores[e.article.ID] == nil {
				topicScores[e.article.ID] = make(map[string]float64)
			}
			topicScores[e.article.ID][topic] = e.score
		}
	}

	corpora := make(map[string]core.EvidenceCorpus)
	for topic, entries := range scoredGroups {
		corpus, ok := b.assembleCorpus(topic, entries, topicScores)
		if !ok {
			continue
		}
		corpora[topic] = corpus
	}

	b.log.Info("Built evidence bundle",
		"job_id", jobID, "topics", len(corpora), "assignments", len(assignments))
	return core.EvidenceBundle{JobID: jobID, Corpora: corpora}
}

// groupByTopic associates each assignment with every candidate topic plus its
// refined final genre. Articles with a fallback decision still reach the
// fallback topic's group this way.
func groupByTopic(assignments []core.Assignment) map[string][]core.Assignment {
	groups := make(map[string][]core.Assignment)
	for _, a := range assignments {
		seen := make(map[string]bool, len(a.Article.Candidates)+1)
		for _, c := range a.Article.Candidates {
			if c.Name == "" || seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			groups[c.Name] = append(groups[c.Name], a)
		}
		if g := a.Outcome.FinalGenre; g != "" && !seen[g] {
			groups[g] = append(groups[g], a)
		}
	}
	return groups
}

// scoreGroup computes evidence scores for one topic group. The diversity
// penalty depends on domain counts within this group only.
func (b *Builder) scoreGroup(topic string, group []core.Assignment) []scoredArticle {
	domainCounts := make(map[string]int)
	for _, a := range group {
		if d := sourceDomain(a.Article.SourceURL); d != "" {
			domainCounts[d]++
		}
	}

	entries := make([]scoredArticle, 0, len(group))
	for _, a := range group {
		entry := scoredArticle{
			article:        a.Article,
			confidence:     topicConfidence(topic, a),
			keywordSupport: topicKeywordSupport(topic, a.Article.Candidates),
			tagOverlap:     tagOverlapCount(topic, a.Article.Tags.TopTags),
			freshness:      b.freshness(a.Article.PublishedAt),
		}

		info := midpoint(
			math.Min(float64(entry.tagOverlap)*tagOverlapFactor, 1),
			math.Min(float64(a.Article.TokenCount)/infoTokenCap, 1),
		)

		score := weightConfidence*entry.confidence + weightInfo*info + weightFreshness*entry.freshness
		if d := sourceDomain(a.Article.SourceURL); d != "" && domainCounts[d] > diversityDomainLimit {
			score -= diversityPenalty
		}
		entry.score = math.Max(score, 0)
		entries = append(entries, entry)
	}
	return entries
}

// assembleCorpus deduplicates, quota-limits and sentence-filters one scored
// group. Returns false when no article survives.
func (b *Builder) assembleCorpus(topic string, entries []scoredArticle, topicScores map[string]map[string]float64) (core.EvidenceCorpus, bool) {
	// Highest score first so dedup keeps the better article. Stable so equal
	// scores keep their upstream order.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].score > entries[j].score
	})

	deduped := dedupe(entries)

	quota := TopicQuota(topic, len(entries))
	if len(deduped) > quota {
		deduped = deduped[:quota]
	}

	articles := make([]core.EvidenceArticle, 0, len(deduped))
	totalSentences := 0
	for _, e := range deduped {
		sentences := FilterSentences(e.article.Sentences)
		if len(sentences) == 0 {
			continue
		}
		articles = append(articles, core.EvidenceArticle{
			ID:             e.article.ID,
			Title:          e.article.Title,
			SourceURL:      e.article.SourceURL,
			Language:       e.article.Language,
			Sentences:      sentences,
			Score:          e.score,
			Confidence:     e.confidence,
			TopicScores:    topicScores[e.article.ID],
			KeywordSupport: e.keywordSupport,
			TagOverlap:     e.tagOverlap,
			Freshness:      e.freshness,
		})
		totalSentences += len(sentences)
	}

	if len(articles) == 0 {
		return core.EvidenceCorpus{}, false
	}

	return core.EvidenceCorpus{
		Topic:          topic,
		Articles:       articles,
		TotalSentences: totalSentences,
		Metadata:       buildMetadata(articles),
	}, true
}

// dedupe drops duplicates in strict rule order: exact source URL, exact
// title, then embedding cosine similarity. The first matching rule drops the
// later (lower-scored) article; kept articles are never replaced.
func dedupe(entries []scoredArticle) []scoredArticle {
	kept := make([]scoredArticle, 0, len(entries))
	for _, e := range entries {
		if isDuplicate(e, kept) {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func isDuplicate(e scoredArticle, kept []scoredArticle) bool {
	// Rule 1: exact source URL.
	if e.article.SourceURL != "" {
		for _, k := range kept {
			if k.article.SourceURL == e.article.SourceURL {
				return true
			}
		}
	}
	// Rule 2: exact title.
	if e.article.Title != "" {
		for _, k := range kept {
			if k.article.Title == e.article.Title {
				return true
			}
		}
	}
	// Rule 3: near-identical embedding.
	if len(e.article.Embedding) > 0 {
		for _, k := range kept {
			if cosineSimilarity(e.article.Embedding, k.article.Embedding) > embeddingDupThreshold {
				return true
			}
		}
	}
	return false
}

// TopicQuota returns the article quota for one topic given its group size.
// The "other" topic has a fixed quota; all others scale with group size
// between quotaMin and quotaMax.
func TopicQuota(topic string, groupSize int) int {
	if topic == otherTopic {
		return otherQuota
	}
	quota := int(math.Ceil(quotaRatio * float64(groupSize)))
	if quota < quotaMin {
		quota = quotaMin
	}
	if quota > quotaMax {
		quota = quotaMax
	}
	return quota
}

// FilterSentences keeps sentences with at least MinSentenceChars
// non-whitespace characters, counted as Unicode characters rather than bytes.
func FilterSentences(sentences []string) []string {
	kept := make([]string, 0, len(sentences))
	for _, s := range sentences {
		if NonWhitespaceLen(s) >= MinSentenceChars {
			kept = append(kept, s)
		}
	}
	return kept
}

// NonWhitespaceLen counts the non-whitespace Unicode characters in s.
func NonWhitespaceLen(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func buildMetadata(articles []core.EvidenceArticle) core.CorpusMetadata {
	meta := core.CorpusMetadata{
		ArticleCount:   len(articles),
		LanguageCounts: make(map[string]int),
		MinConfidence:  math.Inf(1),
	}

	supported := 0
	var confidenceSum float64
	for _, a := range articles {
		meta.SentenceCount += len(a.Sentences)
		for _, s := range a.Sentences {
			meta.CharCount += utf8.RuneCountInString(s)
		}
		meta.LanguageCounts[a.Language]++
		confidenceSum += a.Confidence
		if a.Confidence > meta.MaxConfidence {
			meta.MaxConfidence = a.Confidence
		}
		if a.Confidence < meta.MinConfidence {
			meta.MinConfidence = a.Confidence
		}
		if a.KeywordSupport > 0 {
			supported++
		}
	}

	meta.AvgConfidence = confidenceSum / float64(len(articles))
	meta.CoverageRatio = float64(supported) / float64(len(articles))
	meta.MajorityLanguage = majorityLanguage(meta.LanguageCounts)
	return meta
}

// majorityLanguage picks the most common language, breaking ties
// lexicographically so the result is deterministic.
func majorityLanguage(counts map[string]int) string {
	best := ""
	bestCount := -1
	for lang, count := range counts {
		if count > bestCount || (count == bestCount && lang < best) {
			best = lang
			bestCount = count
		}
	}
	return best
}

// topicConfidence returns the refined confidence when the topic is the final
// genre, otherwise the coarse classifier confidence for that candidate.
func topicConfidence(topic string, a core.Assignment) float64 {
	if topic == a.Outcome.FinalGenre {
		return a.Outcome.Confidence
	}
	for _, c := range a.Article.Candidates {
		if c.Name == topic {
			return c.ClassifierConfidence
		}
	}
	return 0
}

func topicKeywordSupport(topic string, candidates []core.GenreCandidate) int {
	for _, c := range candidates {
		if c.Name == topic {
			return c.KeywordSupport
		}
	}
	return 0
}

// tagOverlapCount counts tags whose normalized label matches the topic name
// exactly or by substring containment either way.
func tagOverlapCount(topic string, tags []core.TagSignal) int {
	n := graph.Normalize(topic)
	if n == "" {
		return 0
	}
	count := 0
	for _, tag := range tags {
		label := graph.Normalize(tag.Label)
		if label == "" {
			continue
		}
		if label == n || strings.Contains(label, n) || strings.Contains(n, label) {
			count++
		}
	}
	return count
}

func (b *Builder) freshness(publishedAt time.Time) float64 {
	if publishedAt.IsZero() {
		return unknownFreshness
	}
	ageDays := b.now().Sub(publishedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / freshnessDecayDays)
}

func midpoint(a, b float64) float64 {
	return (a + b) / 2
}

// sourceDomain extracts a registrable-ish domain from a URL for the
// diversity penalty, stripping a leading "www.".
func sourceDomain(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
