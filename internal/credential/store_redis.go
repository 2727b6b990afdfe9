package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"circulation/pkg/sentinel"
)

// RedisStore keeps credentials in Redis with TTLs matching their expiration.
// It fronts the durable store for site-wide vendor tokens, which are refetched
// often and shared across every request to a collection.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "credential"}
}

func (s *RedisStore) key(dataSource string, patronID int64) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, dataSource, patronID)
}

func (s *RedisStore) Get(ctx context.Context, dataSource string, patronID int64) (*Credential, error) {
	raw, err := s.client.Get(ctx, s.key(dataSource, patronID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("redis get credential: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode cached credential: %w", err)
	}
	return &c, nil
}

func (s *RedisStore) Put(ctx context.Context, c *Credential) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	var ttl time.Duration
	if c.Expires != nil {
		ttl = time.Until(*c.Expires)
		if ttl <= 0 {
			return nil
		}
	}
	if err := s.client.Set(ctx, s.key(c.DataSource, c.PatronID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis put credential: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, dataSource string, patronID int64) error {
	n, err := s.client.Del(ctx, s.key(dataSource, patronID)).Result()
	if err != nil {
		return fmt.Errorf("redis delete credential: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
