package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// completeScript overwrites a record only while the key still exists, keeping
// its remaining TTL and the fingerprint it was reserved with.
var completeScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    return 0
end
local rec = cjson.decode(ARGV[1])
rec["fingerprint"] = cjson.decode(cur)["fingerprint"]
redis.call("SET", KEYS[1], cjson.encode(rec), "KEEPTTL")
return 1
`)

// RedisStore implements Store using Redis SET NX with a TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	clock  func() time.Time
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: "idempotency:", ttl: ttl, clock: time.Now}
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string) (*Record, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	rec := &Record{Key: key, Fingerprint: fingerprint, State: StateInProgress, CreatedAt: s.clock().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}

	ok, err := s.client.SetNX(ctx, s.prefix+key, raw, s.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis reserve: %w", err)
	}
	if ok {
		return rec, true, nil
	}

	existing, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var out Record
	if err := json.Unmarshal(existing, &out); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &out, false, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, statusCode int, response []byte) error {
	rec := Record{Key: key, State: StateCompleted, StatusCode: statusCode, Response: response, CreatedAt: s.clock().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	n, err := completeScript.Run(ctx, s.client, []string{s.prefix + key}, raw).Int()
	if err != nil {
		return fmt.Errorf("redis complete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}
