package graph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingSource counts Load calls and can be switched to fail.
type countingSource struct {
	mu    sync.Mutex
	loads int
	edges []Edge
	err   error
}

func (s *countingSource) Load(ctx context.Context) ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.err != nil {
		return nil, s.err
	}
	return s.edges, nil
}

func (s *countingSource) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func (s *countingSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func testEdges() []Edge {
	return []Edge{
		{Window: "7d", Topic: "tech", Tag: "半導体", Weight: 0.5},
		{Window: "7d", Topic: "business", Tag: "半導体", Weight: 0.1},
		{Window: "7d", Topic: "tech", Tag: "ai", Weight: 0.8},
	}
}

func TestSnapshotWeightNormalization(t *testing.T) {
	snap := NewSnapshot([]Edge{
		{Topic: " Tech ", Tag: " AI ", Weight: 0.8},
	})

	tests := []struct {
		topic string
		tag   string
		want  float64
	}{
		{"tech", "ai", 0.8},
		{"TECH", "AI", 0.8},
		{"  tech", "ai  ", 0.8},
		{"tech", "ml", 0},
		{"business", "ai", 0},
	}

	for _, tt := range tests {
		if got := snap.Weight(tt.topic, tt.tag); got != tt.want {
			t.Errorf("Weight(%q, %q) = %f, want %f", tt.topic, tt.tag, got, tt.want)
		}
	}
}

func TestNilSnapshotServesZeroWeights(t *testing.T) {
	var snap *Snapshot
	if got := snap.Weight("tech", "ai"); got != 0 {
		t.Errorf("Expected nil snapshot weight to be 0, got %f", got)
	}
	if snap.EdgeCount() != 0 {
		t.Errorf("Expected nil snapshot edge count to be 0, got %d", snap.EdgeCount())
	}
	if !snap.BuiltAt().IsZero() {
		t.Errorf("Expected nil snapshot BuiltAt to be zero")
	}
}

func TestSnapshotCounts(t *testing.T) {
	snap := NewSnapshot(testEdges())
	if snap.EdgeCount() != 3 {
		t.Errorf("Expected 3 edges, got %d", snap.EdgeCount())
	}
	if snap.TopicCount() != 2 {
		t.Errorf("Expected 2 topics, got %d", snap.TopicCount())
	}
	if snap.TagCount() != 2 {
		t.Errorf("Expected 2 tags, got %d", snap.TagCount())
	}
	if snap.BuiltAt().IsZero() {
		t.Errorf("Expected BuiltAt to be set on a built snapshot")
	}
}

func TestCacheServesFreshSnapshotWithoutReload(t *testing.T) {
	source := &countingSource{edges: testEdges()}
	cache := NewCache(source, time.Hour, time.Second)

	ctx := context.Background()
	first, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Failed to load first snapshot: %v", err)
	}

	second, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Failed to reuse snapshot: %v", err)
	}

	if first != second {
		t.Errorf("Expected the same snapshot instance within the TTL")
	}
	if source.loadCount() != 1 {
		t.Errorf("Expected exactly 1 load within the TTL, got %d", source.loadCount())
	}
}

func TestCacheRefreshesAfterTTL(t *testing.T) {
	source := &countingSource{edges: testEdges()}
	cache := NewCache(source, time.Nanosecond, time.Second)

	ctx := context.Background()
	if _, err := cache.Snapshot(ctx); err != nil {
		t.Fatalf("Failed to load first snapshot: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := cache.Snapshot(ctx); err != nil {
		t.Fatalf("Failed to refresh snapshot: %v", err)
	}

	if source.loadCount() != 2 {
		t.Errorf("Expected 2 loads after TTL expiry, got %d", source.loadCount())
	}
}

func TestCacheServesStaleOnRefreshFailure(t *testing.T) {
	source := &countingSource{edges: testEdges()}
	cache := NewCache(source, time.Nanosecond, time.Second)

	ctx := context.Background()
	first, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Failed to load first snapshot: %v", err)
	}

	source.fail(errors.New("store unavailable"))
	time.Sleep(time.Millisecond)

	stale, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Expected stale snapshot instead of error, got %v", err)
	}
	if stale != first {
		t.Errorf("Expected the stale snapshot to be the previous one")
	}
	if stale.Weight("tech", "半導体") != 0.5 {
		t.Errorf("Expected stale snapshot to keep its weights")
	}
}

func TestCacheFailsWhenNoSnapshotExists(t *testing.T) {
	source := StaticSource{Err: errors.New("store unavailable")}
	cache := NewCache(source, time.Hour, time.Second)

	_, err := cache.Snapshot(context.Background())
	if err == nil {
		t.Fatalf("Expected error when the first refresh fails")
	}

	var refreshErr *RefreshError
	if !errors.As(err, &refreshErr) {
		t.Errorf("Expected a RefreshError, got %T: %v", err, err)
	}
}

func TestForceRefreshDoesNotServeStale(t *testing.T) {
	source := &countingSource{edges: testEdges()}
	cache := NewCache(source, time.Hour, time.Second)

	ctx := context.Background()
	if _, err := cache.ForceRefresh(ctx); err != nil {
		t.Fatalf("Failed to force refresh: %v", err)
	}

	source.fail(errors.New("store unavailable"))
	if _, err := cache.ForceRefresh(ctx); err == nil {
		t.Errorf("Expected ForceRefresh to surface the store error")
	}

	// The regular path still serves the earlier snapshot.
	if _, err := cache.Snapshot(ctx); err != nil {
		t.Errorf("Expected Snapshot to keep serving the cached graph, got %v", err)
	}
}

func TestCacheStats(t *testing.T) {
	source := StaticSource{Edges: testEdges()}
	cache := NewCache(source, time.Hour, time.Second)

	empty := cache.Stats()
	if empty.EdgeCount != 0 || !empty.FetchedAt.IsZero() {
		t.Errorf("Expected empty stats before the first load, got %+v", empty)
	}

	if _, err := cache.Snapshot(context.Background()); err != nil {
		t.Fatalf("Failed to load snapshot: %v", err)
	}

	stats := cache.Stats()
	if stats.EdgeCount != 3 {
		t.Errorf("Expected 3 edges in stats, got %d", stats.EdgeCount)
	}
	if stats.TopicCount != 2 || stats.TagCount != 2 {
		t.Errorf("Expected 2 topics and 2 tags, got %d and %d", stats.TopicCount, stats.TagCount)
	}
	if stats.FetchedAt.IsZero() {
		t.Errorf("Expected FetchedAt to be set after a load")
	}
}

func TestCacheConcurrentReaders(t *testing.T) {
	source := &countingSource{edges: testEdges()}
	cache := NewCache(source, time.Hour, time.Second)

	var failures atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := cache.Snapshot(context.Background())
			if err != nil || snap.Weight("tech", "ai") != 0.8 {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Errorf("Expected all concurrent readers to succeed, got %d failures", failures.Load())
	}
	if source.loadCount() != 1 {
		t.Errorf("Expected a single load under concurrent access, got %d", source.loadCount())
	}
}
