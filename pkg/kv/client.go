package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/supportly/authz/pkg/config"
)

// setNXIndexedScript creates KEYS[1] if absent and, only when it did, adds
// ARGV[4] to the sorted set KEYS[2] with score ARGV[3]. A marker never
// exists without its index member.
var setNXIndexedScript = redis.NewScript(`
local ok
if tonumber(ARGV[2]) > 0 then
	ok = redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2], "NX")
else
	ok = redis.call("SET", KEYS[1], ARGV[1], "NX")
end
if not ok then
	return 0
end
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// compareAndDeleteIndexedScript deletes KEYS[1] only while it still holds
// ARGV[1], removing ARGV[2] from KEYS[2] in the same step.
var compareAndDeleteIndexedScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
return 1
`)

// claimMemberScript removes ARGV[1] from KEYS[1]. The caller that removed
// it also deletes KEYS[2] when that still holds a value containing ARGV[2].
var claimMemberScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
local v = redis.call("GET", KEYS[2])
if v and string.find(v, ARGV[2], 1, true) then
	redis.call("DEL", KEYS[2])
end
return 1
`)

// incrWindowScript increments KEYS[1] and starts its expiry on the first hit
// so the window is fixed rather than sliding with every request.
var incrWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Client is the shared-state port used by the permission cache, the threat
// engine, emergency tokens and the rate limiters. Every key is namespaced
// with a prefix so several deployments can share one Redis.
type Client struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewClient connects to Redis using the storage configuration
func NewClient(ctx context.Context, cfg config.StorageConfig, prefix string) (*Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB > 0 {
		opts.DB = cfg.RedisDB
	}
	if cfg.RedisMaxRetries > 0 {
		opts.MaxRetries = cfg.RedisMaxRetries
	}
	if cfg.RedisPoolSize > 0 {
		opts.PoolSize = cfg.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return New(rdb, prefix), nil
}

// New wraps an existing client
func New(rdb redis.UniversalClient, prefix string) *Client {
	return &Client{rdb: rdb, prefix: prefix}
}

// Redis exposes the underlying client for health checks
func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

// Close closes the underlying client
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(k string) string {
	return c.prefix + k
}

// Get returns the value at key and whether it existed
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	return v, true, nil
}

// GetJSON decodes the value at key into dst. Corrupt values are deleted and
// reported as an error.
func (c *Client) GetJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		c.rdb.Del(ctx, c.key(key))
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Set stores value with ttl (zero means no expiry)
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// SetJSON stores v encoded as JSON
func (c *Client) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// SetNX stores value only if key is absent. It reports whether this call
// created the key, which makes it the winner of any concurrent race.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// SetNXIndexed stores value at key only if absent and, in the same atomic
// step, indexes member in the sorted set index with score. It reports
// whether this call created the key.
func (c *Client) SetNXIndexed(ctx context.Context, key string, value []byte, ttl time.Duration, index string, score float64, member string) (bool, error) {
	n, err := setNXIndexedScript.Run(ctx, c.rdb, []string{c.key(key), c.key(index)},
		value, ttl.Milliseconds(), strconv.FormatFloat(score, 'f', -1, 64), member).Int64()
	if err != nil {
		return false, fmt.Errorf("redis indexed setnx failed: %w", err)
	}
	return n == 1, nil
}

// SetNXJSONIndexed is SetNXIndexed with a JSON-encoded value
func (c *Client) SetNXJSONIndexed(ctx context.Context, key string, v interface{}, ttl time.Duration, index string, score float64, member string) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return c.SetNXIndexed(ctx, key, data, ttl, index, score, member)
}

// GetDel atomically reads and removes key. Exactly one concurrent caller
// observes the value.
func (c *Client) GetDel(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.GetDel(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis getdel failed: %w", err)
	}
	return v, true, nil
}

// CompareAndDeleteIndexed removes key only if it still holds expected and
// drops member from index together with it. Exactly one concurrent caller
// holding the same expected value succeeds.
func (c *Client) CompareAndDeleteIndexed(ctx context.Context, key, expected, index, member string) (bool, error) {
	n, err := compareAndDeleteIndexedScript.Run(ctx, c.rdb, []string{c.key(key), c.key(index)}, expected, member).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete failed: %w", err)
	}
	return n == 1, nil
}

// Del removes keys and returns how many existed
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	n, err := c.rdb.Del(ctx, full...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del failed: %w", err)
	}
	return n, nil
}

// Exists reports whether key is present
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n == 1, nil
}

// Incr increments a counter without touching its expiry
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, c.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}
	return n, nil
}

// IncrWindow increments a fixed-window counter, starting the window on the
// first increment.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrWindowScript.Run(ctx, c.rdb, []string{c.key(key)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr window failed: %w", err)
	}
	return n, nil
}

// MGetInt64 reads several integer counters. Missing keys read as zero.
func (c *Client) MGetInt64(ctx context.Context, keys ...string) ([]int64, error) {
	out := make([]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	vals, err := c.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var n int64
		if _, err := fmt.Sscan(s, &n); err != nil {
			return nil, fmt.Errorf("counter %s is not an integer: %w", keys[i], err)
		}
		out[i] = n
	}
	return out, nil
}

// TTL returns the remaining time to live of key, or a negative duration
// when the key is missing or has no expiry.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.PTTL(ctx, c.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl failed: %w", err)
	}
	return d, nil
}

// ZRangeByMaxScore returns members whose score is at most max, lowest first
func (c *Client) ZRangeByMaxScore(ctx context.Context, key string, max float64) ([]string, error) {
	members, err := c.rdb.ZRangeByScore(ctx, c.key(key), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore failed: %w", err)
	}
	return members, nil
}

// ZMembers returns every member of the sorted set, lowest score first
func (c *Client) ZMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.ZRange(ctx, c.key(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange failed: %w", err)
	}
	return members, nil
}

// ClaimMember removes member from index and reports whether this call
// removed it. The claiming call also deletes key while its value contains
// token, so the member and the value it describes leave together.
func (c *Client) ClaimMember(ctx context.Context, index, member, key, token string) (bool, error) {
	n, err := claimMemberScript.Run(ctx, c.rdb, []string{c.key(index), c.key(key)}, member, token).Int64()
	if err != nil {
		return false, fmt.Errorf("redis claim member failed: %w", err)
	}
	return n == 1, nil
}
