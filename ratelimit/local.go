package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localBuckets is the process-local fallback used when the shared store is
// unreachable. One token bucket per client+path at the minute rate; coarser
// granularities are not tracked locally, so the fallback is deliberately
// more permissive than the shared path.
type localBuckets struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newLocalBuckets() *localBuckets {
	return &localBuckets{buckets: make(map[string]*rate.Limiter)}
}

func (b *localBuckets) get(key string, cfg Config) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lim, ok := b.buckets[key]; ok {
		return lim
	}
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = DefaultConfig().RequestsPerMinute
	}
	burst := cfg.BurstLimit
	if burst <= 0 {
		burst = perMinute
	}
	lim := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	b.buckets[key] = lim
	return lim
}

// checkLocal makes a degraded admission decision without the shared store.
// Usage counts are approximate and RetryAfter is a coarse one-second hint.
func (l *Limiter) checkLocal(req Request, cfg Config) *Result {
	key := req.ClientID + ":" + sanitizePath(req.Path)
	lim := l.local.get(key, cfg)
	now := l.now()

	if lim.AllowN(now, 1) {
		return &Result{
			Allowed:   true,
			Remaining: int64(lim.TokensAt(now)),
			ResetTime: now.Add(time.Minute),
			LimitType: "minute",
			Degraded:  true,
		}
	}
	retry := time.Second
	return &Result{
		Allowed:    false,
		ResetTime:  now.Add(retry),
		RetryAfter: &retry,
		LimitType:  "minute",
		Degraded:   true,
	}
}
