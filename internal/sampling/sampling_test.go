package sampling

import (
	"sync"
	"testing"
)

func TestCounterIncr(t *testing.T) {
	var c Counter
	for i := 1; i <= 5; i++ {
		if got := c.Incr(); got != uint64(i) {
			t.Errorf("Expected count to be %d, got %d", i, got)
		}
	}
	if c.Count() != 5 {
		t.Errorf("Expected final count to be 5, got %d", c.Count())
	}
}

func TestCounterConcurrent(t *testing.T) {
	var c Counter
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Incr()
			}
		}()
	}
	wg.Wait()

	if c.Count() != 5000 {
		t.Errorf("Expected count to be 5000, got %d", c.Count())
	}
}

func TestSamplerEveryN(t *testing.T) {
	s := NewSampler(10)

	passed := 0
	for i := 0; i < 25; i++ {
		if s.Sample("refine") {
			passed++
		}
	}
	// Occurrences 1, 11 and 21 pass.
	if passed != 3 {
		t.Errorf("Expected 3 sampled events out of 25, got %d", passed)
	}
	if s.Count("refine") != 25 {
		t.Errorf("Expected 25 recorded occurrences, got %d", s.Count("refine"))
	}
}

func TestSamplerFirstOccurrenceAlwaysPasses(t *testing.T) {
	s := NewSampler(100)
	if !s.Sample("topic-a") {
		t.Errorf("Expected first occurrence of a key to pass")
	}
	if !s.Sample("topic-b") {
		t.Errorf("Expected first occurrence of a new key to pass")
	}
	if s.Sample("topic-a") {
		t.Errorf("Expected second occurrence to be suppressed")
	}
}

func TestSamplerKeysIndependent(t *testing.T) {
	s := NewSampler(2)
	seqA := []bool{s.Sample("a"), s.Sample("a"), s.Sample("a")}
	if !seqA[0] || seqA[1] || !seqA[2] {
		t.Errorf("Expected pattern pass/suppress/pass for key a, got %v", seqA)
	}
	if s.Count("b") != 0 {
		t.Errorf("Expected untouched key to have zero count, got %d", s.Count("b"))
	}
}

func TestSamplerZeroTreatedAsOne(t *testing.T) {
	s := NewSampler(0)
	for i := 0; i < 3; i++ {
		if !s.Sample("x") {
			t.Errorf("Expected every event to pass when n is 0")
		}
	}
}
