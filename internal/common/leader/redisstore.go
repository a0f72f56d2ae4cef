package leader

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using SET-NX-EX plus Lua
// check-and-extend scripts.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client for leader election.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

func (s *RedisStore) TryAcquire(ctx context.Context, lockName, instanceID string, ttl time.Duration) (bool, error) {
	ttlSeconds := int(ttl.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	ok, err := s.client.SetNX(ctx, lockName, instanceID, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	owner, err := s.client.Get(ctx, lockName).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	if owner != instanceID {
		return false, nil
	}

	result, err := refreshScript.Run(ctx, s.client, []string{lockName}, instanceID, ttlSeconds).Int()
	if err != nil {
		return false, err
	}
	return result != 0, nil
}

func (s *RedisStore) Release(ctx context.Context, lockName, instanceID string) error {
	_, err := releaseScript.Run(ctx, s.client, []string{lockName}, instanceID).Int()
	return err
}

func (s *RedisStore) CurrentHolder(ctx context.Context, lockName string) (string, error) {
	owner, err := s.client.Get(ctx, lockName).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}
