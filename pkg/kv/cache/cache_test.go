package cache

import (
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := New(Options{MaxSize: 10})
	defer c.Destroy()

	c.Set("a", 1, 0, 8)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}
	if !c.Has("a") {
		t.Fatalf("Has(a) = false; want true")
	}
}

func TestMissRecordsStats(t *testing.T) {
	c := New(Options{MaxSize: 10})
	defer c.Destroy()

	if _, ok := c.Get("missing"); ok {
		t.Fatalf("Get(missing) = true; want false")
	}
	stats := c.GetStats()
	if stats.Misses != 1 {
		t.Fatalf("Misses = %d; want 1", stats.Misses)
	}
}

func TestEvictsOldestOnOverflow(t *testing.T) {
	c := New(Options{MaxSize: 2})
	defer c.Destroy()

	c.Set("a", 1, 0, 1)
	c.Set("b", 2, 0, 1)
	c.Set("c", 3, 0, 1) // evicts "a"

	if c.Has("a") {
		t.Fatalf("expected a to be evicted")
	}
	if !c.Has("b") || !c.Has("c") {
		t.Fatalf("expected b and c to remain")
	}
	if c.GetStats().Evictions != 1 {
		t.Fatalf("Evictions = %d; want 1", c.GetStats().Evictions)
	}
}

func TestGetRefreshesRecency(t *testing.T) {
	c := New(Options{MaxSize: 2})
	defer c.Destroy()

	c.Set("a", 1, 0, 1)
	c.Set("b", 2, 0, 1)
	c.Get("a") // a is now most-recently-used
	c.Set("c", 3, 0, 1) // should evict b, not a

	if c.Has("b") {
		t.Fatalf("expected b to be evicted")
	}
	if !c.Has("a") {
		t.Fatalf("expected a to survive due to recent access")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(Options{MaxSize: 10})
	defer c.Destroy()

	c.Set("a", 1, time.Millisecond, 1)
	time.Sleep(5 * time.Millisecond)

	if c.Has("a") {
		t.Fatalf("expected a to have expired")
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected Get(a) to miss after expiry")
	}
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	c := New(Options{MaxSize: 10, DefaultTTL: time.Millisecond})
	defer c.Destroy()
	c.Set("a", 1, 0, 1)
	time.Sleep(5 * time.Millisecond)

	c.Sweep()

	c.mu.Lock()
	n := len(c.items)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected Sweep to evict expired entry, got %d remaining", n)
	}
}

func TestSweepInterval(t *testing.T) {
	if sweepInterval(0) != 60*time.Second {
		t.Fatalf("sweepInterval(0) should use the slowest cadence")
	}
	if sweepInterval(5*time.Millisecond) != time.Second {
		t.Fatalf("sweepInterval should clamp to a 1s floor")
	}
	if sweepInterval(10*time.Minute) != 60*time.Second {
		t.Fatalf("sweepInterval should clamp to a 60s ceiling")
	}
}

func TestClear(t *testing.T) {
	c := New(Options{MaxSize: 10})
	defer c.Destroy()
	c.Set("a", 1, 0, 1)
	c.Clear()
	if c.Has("a") {
		t.Fatalf("expected cache to be empty after Clear")
	}
}

func TestHitRate(t *testing.T) {
	s := Stats{Hits: 3, Misses: 1}
	if rate := s.HitRate(); rate != 0.75 {
		t.Fatalf("HitRate() = %v; want 0.75", rate)
	}
	if (Stats{}).HitRate() != 0 {
		t.Fatalf("HitRate() of empty stats should be 0")
	}
}
