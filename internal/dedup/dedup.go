// Package dedup guards against double-processing of redelivered WhatsApp
// events. A claim on a message id succeeds at most once within the expiry
// window; callers release the claim when processing fails so a legitimate
// redelivery can be retried.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crm-wa/internal/cache"
)

// Cache is the claim set shared by all tenant event streams.
type Cache interface {
	// TryClaim atomically checks-and-inserts the message id. It returns
	// false when the id is already claimed and processing must be skipped.
	TryClaim(ctx context.Context, tenantID int64, messageID string) (bool, error)
	// Release drops an existing claim so the message can be processed again.
	Release(ctx context.Context, tenantID int64, messageID string) error
}

func claimKey(tenantID int64, messageID string) string {
	return fmt.Sprintf("dedup:%d:%s", tenantID, messageID)
}

// RedisCache implements Cache on top of Redis SET NX with a TTL.
type RedisCache struct {
	redis  *cache.Redis
	window time.Duration
	logger *slog.Logger
}

// NewRedis returns a Redis-backed claim cache.
func NewRedis(redis *cache.Redis, window time.Duration, logger *slog.Logger) *RedisCache {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisCache{
		redis:  redis,
		window: window,
		logger: logger.With("component", "dedup"),
	}
}

// TryClaim claims the message id for the expiry window.
func (c *RedisCache) TryClaim(ctx context.Context, tenantID int64, messageID string) (bool, error) {
	ok, err := c.redis.SetNX(ctx, claimKey(tenantID, messageID), "1", c.window)
	if err != nil {
		return false, fmt.Errorf("dedup claim: %w", err)
	}
	return ok, nil
}

// Release drops the claim immediately.
func (c *RedisCache) Release(ctx context.Context, tenantID int64, messageID string) error {
	return c.redis.Delete(ctx, claimKey(tenantID, messageID))
}

// MemoryCache is an in-process Cache used when Redis is not configured and in
// tests. Expired entries are pruned lazily on every claim.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration
	now     func() time.Time
}

// NewMemory returns an in-process claim cache.
func NewMemory(window time.Duration) *MemoryCache {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryCache{
		entries: make(map[string]time.Time),
		window:  window,
		now:     time.Now,
	}
}

// TryClaim claims the message id for the expiry window.
func (c *MemoryCache) TryClaim(_ context.Context, tenantID int64, messageID string) (bool, error) {
	key := claimKey(tenantID, messageID)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, expires := range c.entries {
		if now.After(expires) {
			delete(c.entries, k)
		}
	}

	if expires, ok := c.entries[key]; ok && now.Before(expires) {
		return false, nil
	}
	c.entries[key] = now.Add(c.window)
	return true, nil
}

// Release drops the claim immediately.
func (c *MemoryCache) Release(_ context.Context, tenantID int64, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, claimKey(tenantID, messageID))
	return nil
}
