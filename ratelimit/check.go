package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/callgrid/resilience/internal/metrics"
)

// slidingWindowScript trims expired timestamps, counts survivors, and records
// the new request only when under the limit. Returns {allowed, count, reset_ms}.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
    redis.call('ZADD', key, now, ARGV[1] .. '-' .. ARGV[4])
    allowed = 1
    count = count + 1
end
redis.call('PEXPIRE', key, window)

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
    reset = tonumber(oldest[2]) + window
end
return {allowed, count, reset}
`

// tokenBucketScript refills the bucket from elapsed time and withdraws one
// token in a single conditional read-modify-write, avoiding cross-process
// races. Returns {allowed, used, wait_ms}.
const tokenBucketScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil or ts == nil then
    tokens = capacity
    ts = now
end
local elapsed = now - ts
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end
redis.call('HSET', key, 'tokens', tokens, 'ts', now, 'cap', capacity)
redis.call('PEXPIRE', key, ttl)

local wait = 0
if allowed == 0 then
    wait = math.ceil((1 - tokens) / rate)
end
return {allowed, math.floor(capacity - tokens), wait}
`

// fixedWindowScript counts against the aligned window and rolls the increment
// straight back when over the limit, so the stored counter only ever reflects
// admitted requests and a partial increment cannot leak a slot.
// Returns {allowed, count}.
const fixedWindowScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local count = redis.call('INCR', key)
if count == 1 then
    redis.call('PEXPIRE', key, ttl)
end
local allowed = 1
if count > limit then
    redis.call('DECR', key)
    count = count - 1
    allowed = 0
end
return {allowed, count}
`

// decision is one granularity's verdict.
type decision struct {
	allowed bool
	current int64
	limit   int64
	reset   time.Time
}

// Check evaluates a request against the matched rule at every configured
// granularity. A request is admitted only if all granularities admit it;
// the deciding granularity names the result's LimitType and, on denial,
// supplies RetryAfter from its reset time.
//
// Shared-store failures degrade the decision to a process-local token bucket
// and are never surfaced to the caller.
func (l *Limiter) Check(ctx context.Context, req Request) (*Result, error) {
	if req.Trusted || req.ClientType == ClientTypeInternal {
		return &Result{
			Allowed:   true,
			LimitType: LimitTypeBypassInternal,
			ResetTime: l.now(),
		}, nil
	}

	cfg := l.match(req)
	if l.store == nil {
		return l.checkLocal(req, cfg), nil
	}

	tightest := decision{}
	tightestName := ""
	checked := false
	for _, g := range granularities {
		limit := cfg.limitFor(g)
		if limit <= 0 {
			continue
		}
		dec, err := l.checkGranularity(ctx, req, cfg, g, limit)
		if err != nil {
			l.degrade(err)
			return l.checkLocal(req, cfg), nil
		}
		l.recover()
		if !dec.allowed {
			retry := dec.reset.Sub(l.now())
			if retry < 0 {
				retry = 0
			}
			metrics.RateLimitDecisions.WithLabelValues(string(cfg.Algorithm), g.name, "false").Inc()
			return &Result{
				Allowed:      false,
				CurrentUsage: dec.current,
				Remaining:    0,
				ResetTime:    dec.reset,
				RetryAfter:   &retry,
				LimitType:    g.name,
			}, nil
		}
		if !checked || dec.limit-dec.current < tightest.limit-tightest.current {
			tightest = dec
			tightestName = g.name
		}
		checked = true
	}

	if !checked {
		// No granularity configured: nothing to enforce.
		return &Result{Allowed: true, LimitType: "unlimited", ResetTime: l.now()}, nil
	}

	metrics.RateLimitDecisions.WithLabelValues(string(cfg.Algorithm), tightestName, "true").Inc()
	remaining := tightest.limit - tightest.current
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:      true,
		CurrentUsage: tightest.current,
		Remaining:    remaining,
		ResetTime:    tightest.reset,
		LimitType:    tightestName,
	}, nil
}

func (l *Limiter) checkGranularity(ctx context.Context, req Request, cfg Config, g granularity, limit int) (decision, error) {
	switch cfg.Algorithm {
	case AlgorithmTokenBucket:
		return l.checkTokenBucket(ctx, req, cfg, g, limit)
	case AlgorithmFixedWindow:
		return l.checkFixedWindow(ctx, req, g, limit)
	default:
		return l.checkSlidingWindow(ctx, req, g, limit)
	}
}

func (l *Limiter) checkSlidingWindow(ctx context.Context, req Request, g granularity, limit int) (decision, error) {
	key := limitKey("sw", req, g.name)
	now := l.now()
	res, err := l.store.Eval(ctx, slidingWindowScript, []string{key},
		now.UnixMilli(), g.window.Milliseconds(), limit, l.nonce())
	if err != nil {
		return decision{}, err
	}
	vals, err := scriptInts(res, 3)
	if err != nil {
		return decision{}, err
	}
	return decision{
		allowed: vals[0] == 1,
		current: vals[1],
		limit:   int64(limit),
		reset:   time.UnixMilli(vals[2]),
	}, nil
}

func (l *Limiter) checkTokenBucket(ctx context.Context, req Request, cfg Config, g granularity, limit int) (decision, error) {
	key := limitKey("tb", req, g.name)
	now := l.now()

	// Refill at the granularity's sustained rate. The burst limit widens only
	// the minute bucket; longer windows cap at their own limit.
	capacity := limit
	if g.name == "minute" && cfg.BurstLimit > 0 {
		capacity = cfg.BurstLimit
	}
	ratePerMilli := float64(limit) / float64(g.window.Milliseconds())
	ttl := 2 * g.window.Milliseconds()

	res, err := l.store.Eval(ctx, tokenBucketScript, []string{key},
		now.UnixMilli(), fmt.Sprintf("%.12f", ratePerMilli), capacity, ttl)
	if err != nil {
		return decision{}, err
	}
	vals, err := scriptInts(res, 3)
	if err != nil {
		return decision{}, err
	}
	dec := decision{
		allowed: vals[0] == 1,
		current: vals[1],
		limit:   int64(capacity),
		reset:   now.Add(time.Duration(vals[2]) * time.Millisecond),
	}
	if dec.allowed {
		// Next token becomes available after 1/rate.
		dec.reset = now.Add(time.Duration(1/ratePerMilli) * time.Millisecond)
	}
	return dec, nil
}

func (l *Limiter) checkFixedWindow(ctx context.Context, req Request, g granularity, limit int) (decision, error) {
	now := l.now()
	windowStart := now.Truncate(g.window)
	key := limitKey("fw", req, g.name) + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	// The grace period past the boundary keeps the key readable for stats.
	ttl := (g.window + time.Minute).Milliseconds()
	res, err := l.store.Eval(ctx, fixedWindowScript, []string{key}, limit, ttl)
	if err != nil {
		return decision{}, err
	}
	vals, err := scriptInts(res, 2)
	if err != nil {
		return decision{}, err
	}
	return decision{
		allowed: vals[0] == 1,
		current: vals[1],
		limit:   int64(limit),
		reset:   windowStart.Add(g.window),
	}, nil
}

// limitKey builds "rl:<algo>:<client>:<path>:<granularity>".
func limitKey(algo string, req Request, gran string) string {
	return strings.Join([]string{"rl", algo, req.ClientID, sanitizePath(req.Path), gran}, ":")
}

func sanitizePath(p string) string {
	if p == "" {
		return "_"
	}
	p = strings.ReplaceAll(p, ":", "_")
	return strings.ReplaceAll(p, "/", "_")
}

// scriptInts converts a Lua script reply into n integers, tolerating the
// int64/string/float64 shapes go-redis may hand back.
func scriptInts(res any, n int) ([]int64, error) {
	slice, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from script: %T", res)
	}
	if len(slice) < n {
		return nil, fmt.Errorf("unexpected result length: got %d, want %d", len(slice), n)
	}
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		switch v := slice[i].(type) {
		case int64:
			out[i] = v
		case string:
			out[i], _ = strconv.ParseInt(v, 10, 64)
		case float64:
			out[i] = int64(v)
		default:
			out[i], _ = strconv.ParseInt(fmt.Sprintf("%v", v), 10, 64)
		}
	}
	return out, nil
}

func (l *Limiter) degrade(err error) {
	metrics.StoreErrors.WithLabelValues("ratelimit").Inc()
	if !l.degraded.Swap(true) {
		l.logger.Warn("state store unreachable, rate limiting degraded to local buckets", "error", err)
	}
}

func (l *Limiter) recover() {
	if l.degraded.Swap(false) {
		l.logger.Info("state store reachable again, rate limiting resynchronized")
	}
}
