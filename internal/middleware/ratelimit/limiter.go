package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Remaining is the whole number of tokens left after an allowed request.
	Remaining int
	// RetryAfter is the time until one token is available when rejected.
	RetryAfter time.Duration
}

// Config holds token bucket configuration
type Config struct {
	Capacity      int           // max tokens per bucket
	RefillRate    float64       // tokens per second
	IdleTimeout   time.Duration // buckets unseen this long are evicted
	SweepInterval time.Duration // 0 disables the background sweeper
	Now           func() time.Time
}

// TokenBucket keeps one bucket per client key. Refill and deduction for a
// key happen under that key's shard lock; there is no global lock.
type TokenBucket struct {
	limit    rate.Limit
	capacity int
	idle     time.Duration
	now      func() time.Time
	buckets  *shardedMap[*bucket]

	onSweep   func(removed int)
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucket creates a new token bucket rate limiter and starts its
// idle sweeper.
func NewTokenBucket(cfg Config) *TokenBucket {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = float64(cfg.Capacity)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	tb := &TokenBucket{
		limit:    rate.Limit(cfg.RefillRate),
		capacity: cfg.Capacity,
		idle:     cfg.IdleTimeout,
		now:      cfg.Now,
		buckets:  newShardedMap[*bucket](),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go tb.sweepLoop(cfg.SweepInterval)
	} else {
		close(tb.done)
	}

	return tb
}

// Admit refills the key's bucket for the elapsed time, capped at capacity,
// and takes one token if available. It never blocks on the bucket.
func (tb *TokenBucket) Admit(key string) Decision {
	now := tb.now()
	var d Decision

	tb.buckets.withLocked(key, func(items map[string]*bucket) {
		b, ok := items[key]
		if !ok {
			// A fresh rate.Limiter starts with a full bucket.
			b = &bucket{lim: rate.NewLimiter(tb.limit, tb.capacity)}
			items[key] = b
		}
		b.lastSeen = now

		d.Allowed = b.lim.AllowN(now, 1)
		tokens := b.lim.TokensAt(now)
		if d.Allowed {
			d.Remaining = int(tokens)
			return
		}
		d.RetryAfter = time.Duration((1 - tokens) / float64(tb.limit) * float64(time.Second))
	})

	return d
}

// Sweep evicts buckets idle longer than the idle timeout and returns how
// many were removed. An evicted key starts again with a full bucket.
func (tb *TokenBucket) Sweep() int {
	now := tb.now()
	removed := tb.buckets.deleteFunc(func(_ string, b *bucket) bool {
		return now.Sub(b.lastSeen) > tb.idle
	})
	if tb.onSweep != nil {
		tb.onSweep(removed)
	}
	return removed
}

// OnSweep registers a callback invoked after every sweep. Set it before the
// limiter is shared.
func (tb *TokenBucket) OnSweep(fn func(removed int)) {
	tb.onSweep = fn
}

// Len returns the number of live buckets.
func (tb *TokenBucket) Len() int {
	return tb.buckets.len()
}

// Capacity returns the bucket capacity.
func (tb *TokenBucket) Capacity() int {
	return tb.capacity
}

// Close stops the sweeper. It is safe to call more than once.
func (tb *TokenBucket) Close() error {
	tb.closeOnce.Do(func() {
		close(tb.stop)
	})
	<-tb.done
	return nil
}

func (tb *TokenBucket) sweepLoop(every time.Duration) {
	defer close(tb.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tb.Sweep()
		case <-tb.stop:
			return
		}
	}
}
