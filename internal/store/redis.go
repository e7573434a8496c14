package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// casScript performs the compare-and-swap server-side so the read and write
// cannot interleave with another instance. An empty ARGV[1] means the key
// must be absent. ARGV[3] is the TTL in milliseconds, 0 for no expiry.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
    if current then return 0 end
else
    if not current or current ~= ARGV[1] then return 0 end
end
if tonumber(ARGV[3]) > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
    redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// RedisStore implements AtomicStore against a shared Redis, making bucket,
// breaker, and budget state visible to every process instance.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error) {
	result, err := casScript.Run(ctx, r.client, []string{key},
		string(expected), string(next), strconv.FormatInt(ttl.Milliseconds(), 10)).Result()
	if err != nil {
		return false, err
	}
	return result == int64(1), nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
