// Package graph provides the tag-label co-occurrence graph and its
// TTL-refreshed cache. Snapshots are immutable; the cache replaces them
// wholesale on refresh and serves stale data when a refresh fails.
package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"winnow/internal/logger"
)

// Edge is one (topic, tag) co-occurrence weight row from the durable store.
type Edge struct {
	Window string  `json:"window"` // Aggregation window label (e.g., "7d")
	Topic  string  `json:"topic"`  // Topic name
	Tag    string  `json:"tag"`    // Tag label
	Weight float64 `json:"weight"` // Co-occurrence weight
}

// Source supplies graph edges for a cache refresh.
type Source interface {
	Load(ctx context.Context) ([]Edge, error)
}

// StaticSource serves a fixed edge set. Used in tests and for seeding.
type StaticSource struct {
	Edges []Edge
	Err   error // Returned instead of edges when set
}

func (s StaticSource) Load(ctx context.Context) ([]Edge, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Edges, nil
}

// RefreshError indicates a refresh failed and no previous snapshot was
// available to serve instead.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("tag-label graph refresh failed with no cached snapshot: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

type edgeKey struct {
	topic string
	tag   string
}

// Snapshot is an immutable view of the tag-label graph.
type Snapshot struct {
	weights map[edgeKey]float64
	topics  map[string]bool
	tags    map[string]bool
	builtAt time.Time
}

// NewSnapshot builds a snapshot from edges, normalizing topic and tag keys.
// Duplicate (topic, tag) pairs keep the last weight seen.
func NewSnapshot(edges []Edge) *Snapshot {
	s := &Snapshot{
		weights: make(map[edgeKey]float64, len(edges)),
		topics:  make(map[string]bool),
		tags:    make(map[string]bool),
		builtAt: time.Now().UTC(),
	}
	for _, e := range edges {
		topic := Normalize(e.Topic)
		tag := Normalize(e.Tag)
		if topic == "" || tag == "" {
			continue
		}
		s.weights[edgeKey{topic: topic, tag: tag}] = e.Weight
		s.topics[topic] = true
		s.tags[tag] = true
	}
	return s
}

// Normalize trims whitespace and lowercases a topic or tag for lookup.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Weight returns the co-occurrence weight for a (topic, tag) pair after
// normalization, or 0 if the pair is absent. Safe on a nil snapshot, so
// callers can proceed with an all-zero graph when no snapshot exists.
func (s *Snapshot) Weight(topic, tag string) float64 {
	if s == nil {
		return 0
	}
	return s.weights[edgeKey{topic: Normalize(topic), tag: Normalize(tag)}]
}

// EdgeCount returns the number of distinct (topic, tag) pairs.
func (s *Snapshot) EdgeCount() int {
	if s == nil {
		return 0
	}
	return len(s.weights)
}

// TopicCount returns the number of distinct topics.
func (s *Snapshot) TopicCount() int {
	if s == nil {
		return 0
	}
	return len(s.topics)
}

// TagCount returns the number of distinct tags.
func (s *Snapshot) TagCount() int {
	if s == nil {
		return 0
	}
	return len(s.tags)
}

// BuiltAt returns when the snapshot was constructed.
func (s *Snapshot) BuiltAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.builtAt
}

// Stats summarizes the cached snapshot for CLI display.
type Stats struct {
	EdgeCount  int           `json:"edge_count"`
	TopicCount int           `json:"topic_count"`
	TagCount   int           `json:"tag_count"`
	FetchedAt  time.Time     `json:"fetched_at"`
	Age        time.Duration `json:"age"`
}

// Cache is a TTL-refreshed read-through cache over a Source. Reads are served
// under a read lock; refresh I/O runs outside it, so readers waiting on a
// fresh snapshot never block readers of the current one.
type Cache struct {
	source         Source
	ttl            time.Duration
	refreshTimeout time.Duration

	refreshMu sync.Mutex   // serializes refresh attempts
	mu        sync.RWMutex // guards snapshot and fetchedAt
	snapshot  *Snapshot
	fetchedAt time.Time
}

// NewCache creates a cache over source. A snapshot older than ttl triggers a
// refresh bounded by refreshTimeout on the next Snapshot call.
func NewCache(source Source, ttl, refreshTimeout time.Duration) *Cache {
	return &Cache{
		source:         source,
		ttl:            ttl,
		refreshTimeout: refreshTimeout,
	}
}

// Snapshot returns the current graph snapshot, refreshing it when stale.
// On refresh failure the previous snapshot is served stale; the error is only
// returned when no snapshot has ever been loaded.
func (c *Cache) Snapshot(ctx context.Context) (*Snapshot, error) {
	if snap := c.freshSnapshot(); snap != nil {
		return snap, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if snap := c.freshSnapshot(); snap != nil {
		return snap, nil
	}

	return c.refresh(ctx)
}

// ForceRefresh refreshes the snapshot regardless of age. Unlike Snapshot it
// does not fall back to stale data, so the caller learns about store issues.
func (c *Cache) ForceRefresh(ctx context.Context) (*Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
	defer cancel()

	edges, err := c.source.Load(rctx)
	if err != nil {
		return nil, &RefreshError{Err: err}
	}
	snap := NewSnapshot(edges)
	c.store(snap)
	return snap, nil
}

// Stats reports on the currently held snapshot without triggering a refresh.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		EdgeCount:  c.snapshot.EdgeCount(),
		TopicCount: c.snapshot.TopicCount(),
		TagCount:   c.snapshot.TagCount(),
		FetchedAt:  c.fetchedAt,
	}
	if !c.fetchedAt.IsZero() {
		stats.Age = time.Since(c.fetchedAt)
	}
	return stats
}

func (c *Cache) freshSnapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot != nil && time.Since(c.fetchedAt) < c.ttl {
		return c.snapshot
	}
	return nil
}

func (c *Cache) staleSnapshot() (*Snapshot, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return nil, 0
	}
	return c.snapshot, time.Since(c.fetchedAt)
}

func (c *Cache) store(snap *Snapshot) {
	c.mu.Lock()
	c.snapshot = snap
	c.fetchedAt = time.Now()
	c.mu.Unlock()
}

// refresh is called with refreshMu held.
func (c *Cache) refresh(ctx context.Context) (*Snapshot, error) {
	rctx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
	defer cancel()

	edges, err := c.source.Load(rctx)
	if err != nil {
		if stale, age := c.staleSnapshot(); stale != nil {
			logger.Warn("Graph refresh failed, serving stale snapshot",
				"age", age.String(), "edges", stale.EdgeCount(), "error", err.Error())
			return stale, nil
		}
		return nil, &RefreshError{Err: err}
	}

	snap := NewSnapshot(edges)
	c.store(snap)
	logger.Debug("Graph snapshot refreshed", "edges", snap.EdgeCount(), "topics", snap.TopicCount(), "tags", snap.TagCount())
	return snap, nil
}
