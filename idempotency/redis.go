package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a distributed idempotency cache backed by go-redis/v9,
// letting idempotency state survive a single process's crash and be
// shared across instances.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore wraps client. keyPrefix namespaces keys (e.g.
// "heromessaging:idem:") so the cache can share a Redis instance with
// other subsystems (e.g. this library's leader election).
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "idempotency:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) fullKey(key string) string {
	return s.keyPrefix + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.HGetAll(ctx, s.fullKey(key)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return decodeRecord(key, data), nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.fullKey(key)).Result()
	return n > 0, err
}

func (s *RedisStore) StoreSuccess(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	return s.storeHash(ctx, key, map[string]any{
		"success": "1",
		"result":  result,
	}, ttl)
}

func (s *RedisStore) StoreFailure(ctx context.Context, key string, failureMsg string, ttl time.Duration) error {
	return s.storeHash(ctx, key, map[string]any{
		"success":    "0",
		"failureMsg": failureMsg,
	}, ttl)
}

func (s *RedisStore) storeHash(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	fullKey := s.fullKey(key)
	fields["storedAt"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, fullKey, fields)
	if ttl > 0 {
		pipe.Expire(ctx, fullKey, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// CleanupExpired is a no-op: Redis' own TTL expiry already reaps keys,
// so there is nothing to sweep manually.
func (s *RedisStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func decodeRecord(key string, data map[string]string) *Record {
	rec := &Record{Key: key, Success: data["success"] == "1"}
	if result, ok := data["result"]; ok {
		rec.Result = []byte(result)
	}
	rec.FailureMsg = data["failureMsg"]
	if stored, ok := data["storedAt"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, stored); err == nil {
			rec.StoredAt = t
		}
	}
	return rec
}
