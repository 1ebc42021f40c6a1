package pnl

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/soyeahso/tradesim/internal/domain"
	"github.com/soyeahso/tradesim/internal/logging"
)

const summaryKey = "summary"

// Cache holds a recently computed Summary. Implementations must be safe for
// concurrent use and must treat backend errors as misses.
type Cache interface {
	Get(ctx context.Context) (domain.Summary, bool)
	Set(ctx context.Context, s domain.Summary)
	Invalidate(ctx context.Context)
}

// NoCache always misses.
type NoCache struct{}

func (NoCache) Get(context.Context) (domain.Summary, bool) { return domain.Summary{}, false }
func (NoCache) Set(context.Context, domain.Summary)        {}
func (NoCache) Invalidate(context.Context)                 {}

// MemoryCache keeps the summary in process with a TTL.
type MemoryCache struct {
	lru *expirable.LRU[string, domain.Summary]
}

// NewMemoryCache creates an in-process cache whose entry expires after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{lru: expirable.NewLRU[string, domain.Summary](1, nil, ttl)}
}

func (c *MemoryCache) Get(context.Context) (domain.Summary, bool) {
	s, ok := c.lru.Get(summaryKey)
	if !ok {
		return domain.Summary{}, false
	}
	return clone(s), true
}

func (c *MemoryCache) Set(_ context.Context, s domain.Summary) {
	c.lru.Add(summaryKey, clone(s))
}

func (c *MemoryCache) Invalidate(context.Context) {
	c.lru.Purge()
}

// RedisCache shares the summary between processes through Redis.
type RedisCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    *logging.Logger
}

// NewRedisCache connects to the Redis server at url (redis://host:port/db).
func NewRedisCache(url string, ttl time.Duration, log *logging.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisCacheFromClient(redis.NewClient(opts), ttl, log), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration, log *logging.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		key:    "tradesim:pnl:" + summaryKey,
		ttl:    ttl,
		log:    log.Sub("pnl-cache"),
	}
}

// Ping checks the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Get(ctx context.Context) (domain.Summary, bool) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Msg("redis get failed")
		}
		return domain.Summary{}, false
	}
	var s domain.Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		c.log.Warn().Err(err).Msg("discarding malformed cached summary")
		return domain.Summary{}, false
	}
	if s.PerAgent == nil {
		s.PerAgent = map[string]float64{}
	}
	return s, true
}

func (c *RedisCache) Set(ctx context.Context, s domain.Summary) {
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key, raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("redis set failed")
	}
}

func (c *RedisCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		c.log.Warn().Err(err).Msg("redis del failed")
	}
}

// Close releases the client's connections.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
