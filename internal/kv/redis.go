package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces keys in a shared Redis.
const DefaultRedisPrefix = "sessionguard:"

// casScript swaps KEYS[1] when it matches the expected value.
// ARGV[1]: "1" when the key must be absent.
// ARGV[2]: expected current value.
// ARGV[3]: "1" to delete instead of set.
// ARGV[4]: value to set.
const casScript = `
local cur = redis.call("GET", KEYS[1])
if ARGV[1] == "1" then
  if cur then
    return 0
  end
else
  if not cur or cur ~= ARGV[2] then
    return 0
  end
end
if ARGV[3] == "1" then
  redis.call("DEL", KEYS[1])
else
  redis.call("SET", KEYS[1], ARGV[4])
end
return 1
`

var casLua = redis.NewScript(casScript)

// Redis is a Store backed by Redis. Compare-and-swap runs as a Lua script so
// the check and the write are a single atomic server-side operation.
type Redis struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// NewRedis wraps an existing client. The caller keeps ownership of client.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection. The returned store
// owns the client and closes it on Close.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Redis{client: client, prefix: prefix, owned: true}, nil
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// CompareAndSwap implements Store.
func (r *Redis) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	expectAbsent, del := "0", "0"
	if prev == nil {
		expectAbsent = "1"
	}
	if next == nil {
		del = "1"
	}

	res, err := casLua.Run(ctx, r.client, []string{r.key(key)}, expectAbsent, prev, del, next).Int64()
	if err != nil {
		return false, fmt.Errorf("redis cas %s: %w", key, err)
	}
	return res == 1, nil
}

// Close implements Store.
func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
