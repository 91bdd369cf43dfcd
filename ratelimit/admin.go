package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// swUsageScript reports current sliding-window usage without admitting anything.
const swUsageScript = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, tonumber(ARGV[1]) - tonumber(ARGV[2]))
return redis.call('ZCARD', KEYS[1])
`

// ClientStats is an admin snapshot of one client's live counters.
type ClientStats struct {
	ClientID string `json:"client_id"`
	// Usage maps sanitized path -> granularity -> current count.
	Usage       map[string]map[string]int64 `json:"usage"`
	CollectedAt time.Time                   `json:"collected_at"`
}

// Stats reports the client's current usage across all tracked paths and
// granularities by scanning the client's live keys.
func (l *Limiter) Stats(ctx context.Context, clientID string) (*ClientStats, error) {
	if l.store == nil {
		return nil, fmt.Errorf("ratelimit: stats unavailable without a shared store")
	}
	keys, err := l.store.Scan(ctx, "rl:*:"+clientID+":*")
	if err != nil {
		return nil, fmt.Errorf("ratelimit: scan client keys: %w", err)
	}

	stats := &ClientStats{
		ClientID:    clientID,
		Usage:       make(map[string]map[string]int64),
		CollectedAt: l.now(),
	}
	for _, key := range keys {
		algo, pathKey, gran, ok := parseLimitKey(key, clientID)
		if !ok {
			continue
		}
		usage, err := l.keyUsage(ctx, key, algo, gran)
		if err != nil {
			l.logger.Warn("failed to read usage key", "key", key, "error", err)
			continue
		}
		if stats.Usage[pathKey] == nil {
			stats.Usage[pathKey] = make(map[string]int64)
		}
		// Fixed windows leave one key per window start; only the live
		// window's count matters, so keep the max.
		if usage > stats.Usage[pathKey][gran] {
			stats.Usage[pathKey][gran] = usage
		}
	}
	return stats, nil
}

// Reset deletes the client's counters. A non-empty path restricts the reset
// to that path's keys.
func (l *Limiter) Reset(ctx context.Context, clientID, pathFilter string) (int, error) {
	if l.store == nil {
		return 0, fmt.Errorf("ratelimit: reset unavailable without a shared store")
	}
	pattern := "rl:*:" + clientID + ":*"
	if pathFilter != "" {
		pattern = "rl:*:" + clientID + ":" + sanitizePath(pathFilter) + ":*"
	}
	keys, err := l.store.Scan(ctx, pattern)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: scan client keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := l.store.Del(ctx, keys...); err != nil {
		return 0, fmt.Errorf("ratelimit: delete client keys: %w", err)
	}
	l.logger.Info("reset rate limits", "client_id", clientID, "path", pathFilter, "keys", len(keys))
	return len(keys), nil
}

func (l *Limiter) keyUsage(ctx context.Context, key, algo, gran string) (int64, error) {
	window := time.Minute
	for _, g := range granularities {
		if g.name == gran {
			window = g.window
		}
	}
	switch algo {
	case "sw":
		res, err := l.store.Eval(ctx, swUsageScript, []string{key},
			l.now().UnixMilli(), window.Milliseconds())
		if err != nil {
			return 0, err
		}
		return toInt64(res), nil
	case "tb":
		fields, err := l.store.HGetAll(ctx, key)
		if err != nil {
			return 0, err
		}
		tokens, _ := strconv.ParseFloat(fields["tokens"], 64)
		capacity, _ := strconv.ParseFloat(fields["cap"], 64)
		used := int64(capacity - tokens)
		if used < 0 {
			used = 0
		}
		return used, nil
	case "fw":
		val, err := l.store.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		return strconv.ParseInt(val, 10, 64)
	}
	return 0, fmt.Errorf("unknown algorithm key prefix %q", algo)
}

// parseLimitKey splits "rl:<algo>:<client>:<path>:<gran>[:<window>]".
// Sanitized paths never contain ':' so the split is unambiguous.
func parseLimitKey(key, clientID string) (algo, pathKey, gran string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 5 || parts[0] != "rl" || parts[2] != clientID {
		return "", "", "", false
	}
	return parts[1], parts[3], parts[4], true
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case float64:
		return int64(t)
	}
	return 0
}
