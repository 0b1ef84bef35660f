// Package graphcache caches social graph and settings answers in redis so the
// send path does not pay a remote round trip for every message.
package graphcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-chatgateway/internal/config"
	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultPrefix = "chat:graph"
	DefaultTTL    = 30 * time.Second
)

var ErrCacheMiss = errors.New("cache miss")

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrCacheMiss
		}
		return "", fmt.Errorf("failed to get from redis: %w", err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Cache decorates a social graph and a settings service. Store failures are
// logged and the wrapped service is asked instead.
type Cache struct {
	graph    services.SocialGraph
	settings services.Settings
	store    Store
	prefix   string
	ttl      time.Duration
	log      zerolog.Logger
}

func New(graph services.SocialGraph, settings services.Settings, store Store, prefix string, ttl time.Duration, l zerolog.Logger) *Cache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		graph:    graph,
		settings: settings,
		store:    store,
		prefix:   prefix,
		ttl:      ttl,
		log:      l,
	}
}

func (c *Cache) buildKey(kind string, parts ...string) string {
	key := c.prefix + ":" + kind
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func (c *Cache) IsFriend(ctx context.Context, userA, userB string) (bool, error) {
	// friendship is symmetric so both orders share one entry
	if userB < userA {
		userA, userB = userB, userA
	}
	return c.cached(ctx, c.buildKey("friend", userA, userB), func() (bool, error) {
		return c.graph.IsFriend(ctx, userA, userB)
	})
}

func (c *Cache) IsBlocked(ctx context.Context, blocker, blocked string) (bool, error) {
	return c.cached(ctx, c.buildKey("blocked", blocker, blocked), func() (bool, error) {
		return c.graph.IsBlocked(ctx, blocker, blocked)
	})
}

func (c *Cache) OnlyFriendsCanMessage(ctx context.Context, userId string) (bool, error) {
	return c.cached(ctx, c.buildKey("friends_only", userId), func() (bool, error) {
		return c.settings.OnlyFriendsCanMessage(ctx, userId)
	})
}

func (c *Cache) cached(ctx context.Context, key string, load func() (bool, error)) (bool, error) {
	v, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		return v == "1", nil
	case !errors.Is(err, ErrCacheMiss):
		c.log.Warn().Err(err).Str("key", key).Msg("graph cache read failed")
	}

	answer, err := load()
	if err != nil {
		return false, err
	}

	val := "0"
	if answer {
		val = "1"
	}
	if err := c.store.Set(ctx, key, val, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("graph cache write failed")
	}

	return answer, nil
}
