package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 3 * time.Second

// RedisStore keeps blobs in Redis so several app instances can share one
// local copy.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore builds a Redis-backed blob store.
func NewRedisStore(addr, password, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "kanjounikki:local"
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}
}

// Load reads and unmarshals the blob for a key. A missing key or a blob
// that does not parse both report ok=false.
func (s *RedisStore) Load(key string, into any) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	val, err := s.client.Get(ctx, s.prefix+":"+key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read local blob %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), into); err != nil {
		return false, nil
	}
	return true, nil
}

// Save overwrites the whole blob for a key. Blobs do not expire.
func (s *RedisStore) Save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal local blob %q: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := s.client.Set(ctx, s.prefix+":"+key, data, 0).Err(); err != nil {
		return fmt.Errorf("write local blob %q: %w", key, err)
	}
	return nil
}
