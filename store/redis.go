package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript implements the conditional-update primitive. An empty expected
// value means the key must not exist yet. TTL is in milliseconds; 0 keeps
// the key without expiry.
const casScript = `
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
    if cur then return 0 end
else
    if not cur or cur ~= ARGV[1] then return 0 end
end
if tonumber(ARGV[3]) > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
    redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`

// RedisStore implements Store on top of a go-redis client. Lua scripts are
// wrapped in redis.Script so repeat executions use EVALSHA.
type RedisStore struct {
	client redis.UniversalClient

	mu      sync.Mutex
	scripts map[string]*redis.Script
	cas     *redis.Script
}

// Options configures the Redis connection for Dial.
type Options struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// NewRedis wraps an existing go-redis client.
func NewRedis(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client:  client,
		scripts: make(map[string]*redis.Script),
		cas:     redis.NewScript(casScript),
	}
}

// Dial creates a RedisStore from connection options. The connection is
// established lazily; use Ping to verify reachability.
func Dial(opts Options) *RedisStore {
	return NewRedis(redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		PoolSize:    opts.PoolSize,
		DialTimeout: opts.DialTimeout,
	}))
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key, prev, next string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	res, err := s.cas.Run(ctx, s.client, []string{key}, prev, next, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.client.IncrBy(ctx, key, delta).Result()
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.client.HSet(ctx, key, args...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *RedisStore) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	s.mu.Lock()
	sc, ok := s.scripts[script]
	if !ok {
		sc = redis.NewScript(script)
		s.scripts[script] = sc
	}
	s.mu.Unlock()
	return sc.Run(ctx, s.client, keys, args...).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
