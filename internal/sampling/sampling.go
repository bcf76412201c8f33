// Package sampling provides atomic counters used to throttle log verbosity on
// hot per-article paths. Counts are non-authoritative: they may be read
// mid-update and must never feed classification or dispatch decisions.
package sampling

import (
	"sync"
	"sync/atomic"
)

// Counter is a lock-free event counter.
type Counter struct {
	n atomic.Uint64
}

// Incr adds one and returns the new count.
func (c *Counter) Incr() uint64 {
	return c.n.Add(1)
}

// Count returns the current count.
func (c *Counter) Count() uint64 {
	return c.n.Load()
}

// Sampler decides whether an event should be logged, letting through the
// first occurrence and then every Nth one per key.
type Sampler struct {
	every    uint64
	counters sync.Map // key → *Counter
}

// NewSampler returns a Sampler that passes one event in every n per key.
// n < 1 is treated as 1 (every event passes).
func NewSampler(n uint64) *Sampler {
	if n < 1 {
		n = 1
	}
	return &Sampler{every: n}
}

// Sample records one occurrence of key and reports whether this occurrence
// should be logged.
func (s *Sampler) Sample(key string) bool {
	v, _ := s.counters.LoadOrStore(key, &Counter{})
	count := v.(*Counter).Incr()
	return (count-1)%s.every == 0
}

// Count returns how many occurrences of key have been recorded.
func (s *Sampler) Count(key string) uint64 {
	v, ok := s.counters.Load(key)
	if !ok {
		return 0
	}
	return v.(*Counter).Count()
}
