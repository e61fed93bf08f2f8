package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type TTL time.Duration

const (
	TTLShort    = TTL(300 * time.Second)
	TTLMedium   = TTL(1800 * time.Second)
	TTLLong     = TTL(3600 * time.Second)
	TTLVeryLong = TTL(86400 * time.Second)
)

const scanBatch = 200

// DefaultResettleDelay is how long after an invalidation the same patterns are
// invalidated again. It bounds how long a read that loaded before a write
// committed can keep its stale entry in the cache.
const DefaultResettleDelay = 500 * time.Millisecond

// Cache is an advisory read-through cache over Redis. It is never the system of
// record: backend failures are logged and behave like misses, and writes to the
// backend are best-effort.
type Cache struct {
	client   redis.UniversalClient
	recorder *Recorder
	logger   *slog.Logger
	requests metric.Int64Counter
	resettle time.Duration
}

func New(client redis.UniversalClient, recorder *Recorder, logger *slog.Logger) *Cache {
	requests, err := otel.Meter("orderflow/cache").Int64Counter("orderflow.cache.requests",
		metric.WithDescription("Cache lookups by key family and result"),
	)
	if err != nil {
		logger.Warn("failed to create cache request counter", "error", err)
	}
	return &Cache{
		client:   client,
		recorder: recorder,
		logger:   logger,
		requests: requests,
		resettle: DefaultResettleDelay,
	}
}

// SetResettleDelay changes the delay of the second invalidation pass. Zero
// disables it.
func (c *Cache) SetResettleDelay(d time.Duration) {
	c.resettle = d
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
}

func (c *Cache) Recorder() *Recorder {
	return c.recorder
}

// Get returns the cached bytes for key. Backend errors are reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	data, err := c.client.Get(ctx, key).Bytes()
	hit := err == nil
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("cache get failed", "error", err, "key", key)
	}
	c.observe(ctx, key, hit, time.Since(start))
	return data, hit
}

// Set stores value under key. Failures are logged and swallowed.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl TTL) {
	if err := c.client.Set(ctx, key, value, time.Duration(ttl)).Err(); err != nil {
		c.logger.Warn("cache set failed", "error", err, "key", key)
	}
}

// InvalidatePattern deletes every key matching the glob pattern and returns how
// many were removed. Errors are logged, never returned.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	if !hasGlob(pattern) {
		n, err := c.client.Unlink(ctx, pattern).Result()
		if err != nil {
			c.logger.Warn("cache invalidate failed", "error", err, "pattern", pattern)
			return 0
		}
		return int(n)
	}

	var deleted int
	batch := make([]string, 0, scanBatch)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		n, err := c.client.Unlink(ctx, batch...).Result()
		if err != nil {
			c.logger.Warn("cache invalidate failed", "error", err, "pattern", pattern)
			return false
		}
		deleted += int(n)
		batch = batch[:0]
		return true
	}

	iter := c.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch && !flush() {
			return deleted
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("cache scan failed", "error", err, "pattern", pattern)
		return deleted
	}
	flush()

	c.logger.Debug("cache invalidated", "pattern", pattern, "deleted", deleted)
	return deleted
}

// InvalidateAll runs InvalidatePattern for each pattern, then once more after the
// resettle delay. A GetOrSet whose loader read the old row before the caller's
// write committed may store its result after the first pass; the second pass
// removes it.
func (c *Cache) InvalidateAll(ctx context.Context, patterns ...string) {
	for _, p := range patterns {
		c.InvalidatePattern(ctx, p)
	}
	if c.resettle <= 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	time.AfterFunc(c.resettle, func() {
		for _, p := range patterns {
			c.InvalidatePattern(ctx, p)
		}
	})
}

func (c *Cache) observe(ctx context.Context, key string, hit bool, latency time.Duration) {
	family := Family(key)
	if c.recorder != nil {
		c.recorder.Record(family, key, hit, latency)
	}
	if c.requests != nil {
		result := "miss"
		if hit {
			result = "hit"
		}
		c.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("family", family),
			attribute.String("result", result),
		))
	}
}

// GetOrSet returns the cached value for key, or runs loader and caches its result.
// The loader runs whenever the cache cannot answer, including when Redis is down;
// only loader errors reach the caller.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl TTL, loader func(context.Context) (T, error)) (T, error) {
	if data, ok := c.Get(ctx, key); ok {
		var cached T
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
		c.logger.Warn("discarding undecodable cache entry", "key", key)
	}

	value, err := loader(ctx)
	if err != nil {
		return value, err
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("failed to encode cache entry", "error", err, "key", key)
		return value, nil
	}
	c.Set(ctx, key, data, ttl)
	return value, nil
}
