// Package refine resolves ambiguous coarse topic assignments into one final
// genre decision per article, using tag signals and the tag-label graph.
package refine

import (
	"log/slog"
	"math"
	"sort"
	"strings"

	"winnow/internal/core"
	"winnow/internal/graph"
	"winnow/internal/logger"
	"winnow/internal/sampling"
)

// Mode controls how the engine treats articles without usable tags.
type Mode string

const (
	ModeDefault      Mode = "default"       // All strategies available
	ModeTagsRequired Mode = "tags_required" // No tags → fall back to the coarse decision
)

// Composite weight constants for the WeightedScore tie-break. The four
// weights sum to 1.
const (
	weightKeywordSupport = 0.25
	weightClassifier     = 0.30
	weightGraphBoost     = 0.25
	weightTagConsistency = 0.20

	keywordSupportCap = 10.0 // KeywordSupport saturates at this count
	partialMatchScore = 0.5  // Substring containment counts as half a match
)

// Params holds the engine thresholds.
type Params struct {
	TagConfidenceGate      float64 // Minimum tag confidence considered by strategies
	GraphMargin            float64 // Top-two boosted margin required for a GraphBoost decision
	WeightedTieBreakMargin float64 // Margin below which the weighted tie-break runs
	FallbackGenre          string  // Genre assigned when no candidates exist
	LogSampleEvery         uint64  // Per-strategy decision log sampling rate
}

// DefaultParams returns the stock thresholds.
func DefaultParams() Params {
	return Params{
		TagConfidenceGate:      0.6,
		GraphMargin:            0.15,
		WeightedTieBreakMargin: 0.05,
		FallbackGenre:          "other",
		LogSampleEvery:         100,
	}
}

// Engine refines coarse candidates into final genre decisions.
type Engine struct {
	params  Params
	sampler *sampling.Sampler
	log     *slog.Logger
}

// NewEngine creates a refinement engine with the given thresholds.
func NewEngine(params Params) *Engine {
	if params.FallbackGenre == "" {
		params.FallbackGenre = "other"
	}
	if params.LogSampleEvery == 0 {
		params.LogSampleEvery = 1
	}
	return &Engine{
		params:  params,
		sampler: sampling.NewSampler(params.LogSampleEvery),
		log:     logger.Get(),
	}
}

type boostedCandidate struct {
	cand  core.GenreCandidate
	boost float64 // Raw graph boost
	total float64 // Coarse score + boost
}

// Refine produces exactly one decision for an article. It never fails: with a
// nil graph snapshot every boost is zero, and with no candidates the fallback
// genre is assigned.
//
// The decision order is contractual. GraphBoost is always evaluated before
// the WeightedScore margin test, even when the configured margins overlap.
func (e *Engine) Refine(candidates []core.GenreCandidate, profile core.TagProfile, mode Mode, snap *graph.Snapshot) core.RefineOutcome {
	// 1. No candidates at all: assign the fallback genre.
	if len(candidates) == 0 {
		return e.logged(core.RefineOutcome{
			FinalGenre:  e.params.FallbackGenre,
			Confidence:  0,
			Strategy:    core.StrategyFallbackOther,
			GraphBoosts: map[string]float64{},
		})
	}

	// 1b. Tags required but absent: trust the coarse classifier.
	if mode == ModeTagsRequired && len(profile.TopTags) == 0 {
		top := topByScore(candidates)
		return e.logged(core.RefineOutcome{
			FinalGenre:  top.Name,
			Confidence:  clamp01(top.ClassifierConfidence),
			Strategy:    core.StrategyCoarseOnly,
			GraphBoosts: map[string]float64{},
		})
	}

	gated := gateTags(profile.TopTags, e.params.TagConfidenceGate)

	// 2. TagConsistency: exactly one candidate named by a high-confidence tag.
	if cand, conf, ok := tagConsistency(candidates, gated); ok {
		return e.logged(core.RefineOutcome{
			FinalGenre:  cand.Name,
			Confidence:  clamp01(conf),
			Strategy:    core.StrategyTagConsistency,
			GraphBoosts: map[string]float64{},
		})
	}

	// 3. GraphBoost: co-occurrence boosts separate the top candidates.
	boosted, boosts := e.boostCandidates(candidates, profile.TopTags, snap)
	margin := math.Inf(1)
	if len(boosted) > 1 {
		margin = boosted[0].total - boosted[1].total
	}

	if margin >= e.params.GraphMargin && boosted[0].boost > 0 {
		top := boosted[0]
		return e.logged(core.RefineOutcome{
			FinalGenre:  top.cand.Name,
			Confidence:  clamp01(top.cand.ClassifierConfidence + top.boost),
			Strategy:    core.StrategyGraphBoost,
			GraphBoosts: boosts,
		})
	}

	// 4. WeightedScore: composite tie-break for near-equal candidates.
	if math.Abs(margin) < e.params.WeightedTieBreakMargin {
		best, composite := e.weightedTieBreak(boosted, gated)
		return e.logged(core.RefineOutcome{
			FinalGenre:  best.Name,
			Confidence:  clamp01(composite),
			Strategy:    core.StrategyWeightedScore,
			GraphBoosts: boosts,
		})
	}

	// 5. Neither margin test fired: keep the boosted ordering.
	top := boosted[0]
	return e.logged(core.RefineOutcome{
		FinalGenre:  top.cand.Name,
		Confidence:  clamp01(top.cand.ClassifierConfidence),
		Strategy:    core.StrategyGraphBoost,
		GraphBoosts: boosts,
	})
}

// boostCandidates computes graph boosts for every candidate and returns them
// sorted by descending boosted score. The sort is stable so equal scores keep
// the upstream candidate order.
func (e *Engine) boostCandidates(candidates []core.GenreCandidate, tags []core.TagSignal, snap *graph.Snapshot) ([]boostedCandidate, map[string]float64) {
	boosted := make([]boostedCandidate, 0, len(candidates))
	boosts := make(map[string]float64, len(candidates))

	for _, c := range candidates {
		var boost float64
		for _, tag := range tags {
			boost += snap.Weight(c.Name, tag.Label) * tag.Confidence
		}
		boosts[c.Name] = boost
		boosted = append(boosted, boostedCandidate{cand: c, boost: boost, total: c.Score + boost})
	}

	sort.SliceStable(boosted, func(i, j int) bool {
		return boosted[i].total > boosted[j].total
	})
	return boosted, boosts
}

// weightedTieBreak scores every candidate with the composite formula and
// returns the argmax.
func (e *Engine) weightedTieBreak(boosted []boostedCandidate, gated []core.TagSignal) (core.GenreCandidate, float64) {
	best := boosted[0].cand
	bestScore := math.Inf(-1)

	for _, b := range boosted {
		composite := weightKeywordSupport*math.Min(float64(b.cand.KeywordSupport)/keywordSupportCap, 1) +
			weightClassifier*b.cand.ClassifierConfidence +
			weightGraphBoost*clamp01(b.boost) +
			weightTagConsistency*tagConsistencyScore(b.cand.Name, gated)
		if composite > bestScore {
			best = b.cand
			bestScore = composite
		}
	}
	return best, bestScore
}

// logged emits a sampled debug line for the decision and returns it.
func (e *Engine) logged(outcome core.RefineOutcome) core.RefineOutcome {
	key := string(outcome.Strategy)
	if e.sampler.Sample(key) {
		e.log.Debug("Refined article genre",
			"genre", outcome.FinalGenre,
			"strategy", outcome.Strategy,
			"confidence", outcome.Confidence,
			"decisions_so_far", e.sampler.Count(key))
	}
	return outcome
}

// gateTags keeps tags at or above the confidence gate.
func gateTags(tags []core.TagSignal, gate float64) []core.TagSignal {
	gated := make([]core.TagSignal, 0, len(tags))
	for _, t := range tags {
		if t.Confidence >= gate {
			gated = append(gated, t)
		}
	}
	return gated
}

// tagConsistency returns the single candidate whose name is exactly matched
// by a gated tag. Two or more distinct matching candidates disqualify the
// strategy.
func tagConsistency(candidates []core.GenreCandidate, gated []core.TagSignal) (core.GenreCandidate, float64, bool) {
	type match struct {
		cand       core.GenreCandidate
		maxTagConf float64
	}
	matches := make(map[string]*match)

	for _, tag := range gated {
		label := graph.Normalize(tag.Label)
		if label == "" {
			continue
		}
		for _, c := range candidates {
			if graph.Normalize(c.Name) != label {
				continue
			}
			m, ok := matches[c.Name]
			if !ok {
				m = &match{cand: c}
				matches[c.Name] = m
			}
			if tag.Confidence > m.maxTagConf {
				m.maxTagConf = tag.Confidence
			}
		}
	}

	if len(matches) != 1 {
		return core.GenreCandidate{}, 0, false
	}
	for _, m := range matches {
		return m.cand, math.Max(m.maxTagConf, m.cand.ClassifierConfidence), true
	}
	return core.GenreCandidate{}, 0, false
}

// tagConsistencyScore sums exact (1.0) and substring (0.5) matches between
// the candidate name and the gated tags, capped at 1.0.
func tagConsistencyScore(name string, gated []core.TagSignal) float64 {
	n := graph.Normalize(name)
	if n == "" {
		return 0
	}

	var score float64
	for _, tag := range gated {
		label := graph.Normalize(tag.Label)
		if label == "" {
			continue
		}
		switch {
		case label == n:
			score += 1.0
		case strings.Contains(label, n) || strings.Contains(n, label):
			score += partialMatchScore
		}
	}
	return math.Min(score, 1.0)
}

// topByScore returns the candidate with the highest coarse score, preferring
// earlier candidates on ties.
func topByScore(candidates []core.GenreCandidate) core.GenreCandidate {
	top := candidates[0]
	for _, c := range candidates[1:] {
		if c.Score > top.Score {
			top = c
		}
	}
	return top
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
