// ABOUTME: L2 tier: shared remote cache of conversation state backed by Redis
// ABOUTME: Entries are JSON documents under <prefix>:conversation:<id> with a TTL

package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-turns/internal/store"
)

// RemoteCache is the shared L2 tier. Get returns (nil, nil) on a miss.
type RemoteCache interface {
	Get(ctx context.Context, id string) (*store.ConversationState, error)
	Set(ctx context.Context, state *store.ConversationState) error
	Del(ctx context.Context, id string) error
}

// RedisCache implements RemoteCache on Redis.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ RemoteCache = (*RedisCache)(nil)

// NewRedisCache wraps a Redis client. A zero ttl stores entries without expiry.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "coven"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// DialRedis connects to the Redis server at addr and verifies it answers.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisCache) key(id string) string {
	return r.prefix + ":conversation:" + id
}

func (r *RedisCache) Get(ctx context.Context, id string) (*store.ConversationState, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var state store.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding cached state: %w", err)
	}
	return &state, nil
}

func (r *RedisCache) Set(ctx context.Context, state *store.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := r.client.Set(ctx, r.key(state.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisCache) Del(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// NoopCache is a RemoteCache that stores nothing. Used when no Redis is configured.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (*store.ConversationState, error) { return nil, nil }
func (NoopCache) Set(context.Context, *store.ConversationState) error          { return nil }
func (NoopCache) Del(context.Context, string) error                            { return nil }
