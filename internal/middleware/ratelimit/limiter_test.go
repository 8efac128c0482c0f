package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucketCapacityThenReject(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(Config{Capacity: 5, RefillRate: 1, Now: clock.Now})
	defer tb.Close()

	for i := 0; i < 5; i++ {
		d := tb.Admit("client-a")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Remaining != 5-i-1 {
			t.Errorf("request %d: expected remaining %d, got %d", i, 5-i-1, d.Remaining)
		}
	}

	d := tb.Admit("client-a")
	if d.Allowed {
		t.Fatal("request beyond capacity should be rejected")
	}
	if d.RetryAfter != time.Second {
		t.Errorf("expected retry after 1s, got %v", d.RetryAfter)
	}
}

func TestTokenBucketRefill(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(Config{Capacity: 3, RefillRate: 2, Now: clock.Now})
	defer tb.Close()

	for i := 0; i < 3; i++ {
		tb.Admit("k")
	}
	if tb.Admit("k").Allowed {
		t.Fatal("expected rejection once drained")
	}

	clock.Advance(500 * time.Millisecond)
	if !tb.Admit("k").Allowed {
		t.Fatal("expected one token after 1/rate seconds")
	}
	if tb.Admit("k").Allowed {
		t.Fatal("expected rejection after consuming the refilled token")
	}
}

func TestTokenBucketRefillCapped(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(Config{Capacity: 4, RefillRate: 10, Now: clock.Now})
	defer tb.Close()

	tb.Admit("k")
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if tb.Admit("k").Allowed {
			allowed++
		}
	}
	if allowed != 4 {
		t.Errorf("expected refill capped at capacity 4, got %d admits", allowed)
	}
}

func TestTokenBucketKeysIndependent(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(Config{Capacity: 2, RefillRate: 1, Now: clock.Now})
	defer tb.Close()

	tb.Admit("key1")
	tb.Admit("key1")

	if !tb.Admit("key2").Allowed {
		t.Error("key2 should have tokens")
	}
	if tb.Admit("key1").Allowed {
		t.Error("key1 should be exhausted")
	}
}

func TestTokenBucketConcurrentAdmits(t *testing.T) {
	const (
		tokens     = 10
		goroutines = 200
	)
	clock := newFakeClock()
	tb := NewTokenBucket(Config{Capacity: tokens, RefillRate: 1, Now: clock.Now})
	defer tb.Close()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if tb.Admit("shared").Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := allowed.Load(); got != tokens {
		t.Errorf("expected exactly %d allowed, got %d", tokens, got)
	}
}

func TestTokenBucketSingleTokenRace(t *testing.T) {
	for round := 0; round < 50; round++ {
		clock := newFakeClock()
		tb := NewTokenBucket(Config{Capacity: 1, RefillRate: 1, Now: clock.Now})

		var allowed atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if tb.Admit("k").Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()
		tb.Close()

		if allowed.Load() != 1 {
			t.Fatalf("round %d: expected exactly one admit, got %d", round, allowed.Load())
		}
	}
}

func TestTokenBucketSweep(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(Config{Capacity: 2, RefillRate: 1, IdleTimeout: time.Minute, Now: clock.Now})
	defer tb.Close()

	var swept int
	tb.OnSweep(func(n int) { swept += n })

	tb.Admit("idle")
	tb.Admit("idle")
	clock.Advance(30 * time.Second)
	tb.Admit("active")

	clock.Advance(45 * time.Second)
	if n := tb.Sweep(); n != 1 {
		t.Fatalf("expected 1 bucket evicted, got %d", n)
	}
	if swept != 1 {
		t.Errorf("expected sweep callback with 1, got %d", swept)
	}
	if tb.Len() != 1 {
		t.Errorf("expected 1 live bucket, got %d", tb.Len())
	}

	// An evicted key starts over at full capacity.
	for i := 0; i < 2; i++ {
		if !tb.Admit("idle").Allowed {
			t.Errorf("evicted key admit %d should be allowed", i)
		}
	}
}

func TestTokenBucketSweeperRuns(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(Config{
		Capacity:      1,
		RefillRate:    1,
		IdleTimeout:   time.Second,
		SweepInterval: 5 * time.Millisecond,
		Now:           clock.Now,
	})
	defer tb.Close()

	for i := 0; i < 10; i++ {
		tb.Admit(fmt.Sprintf("client-%d", i))
	}
	clock.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for tb.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not evict idle buckets, %d left", tb.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTokenBucketCloseIdempotent(t *testing.T) {
	tb := NewTokenBucket(Config{Capacity: 1, RefillRate: 1, SweepInterval: time.Millisecond})
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tb.Close(); err != nil {
		t.Fatal(err)
	}

	noSweeper := NewTokenBucket(Config{Capacity: 1, RefillRate: 1})
	if err := noSweeper.Close(); err != nil {
		t.Fatal(err)
	}
}

func BenchmarkAdmitParallel(b *testing.B) {
	tb := NewTokenBucket(Config{Capacity: 1000, RefillRate: 1e6})
	defer tb.Close()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			tb.Admit(fmt.Sprintf("client-%d", i%512))
			i++
		}
	})
}
