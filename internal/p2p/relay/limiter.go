package relay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bandwidthLimiter applies a byte token bucket per session and evicts idle
// buckets as it goes.
type bandwidthLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*bucket
	hits  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newBandwidthLimiter returns nil, meaning unlimited, when bytesPerSec <= 0.
func newBandwidthLimiter(bytesPerSec int64, idleTTL time.Duration) *bandwidthLimiter {
	if bytesPerSec <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	burst := int(bytesPerSec)
	if burst < maxFrameSize {
		burst = maxFrameSize
	}
	return &bandwidthLimiter{
		limit:   rate.Limit(bytesPerSec),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*bucket),
	}
}

// wait blocks until n bytes may be relayed for key, or until ctx ends. It
// fails at once when the wait would outlast ctx's deadline.
func (l *bandwidthLimiter) wait(ctx context.Context, key string, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	return l.bucketFor(key, time.Now()).WaitN(ctx, n)
}

func (l *bandwidthLimiter) bucketFor(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byKey[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = b
	}
	b.lastSeen = now

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return b.limiter
}

func (l *bandwidthLimiter) forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byKey, key)
}
