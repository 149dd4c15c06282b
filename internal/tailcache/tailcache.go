// Package tailcache keeps a denormalized copy of each tenant's last sequence
// hash in redis. The cache is a derived, invalidatable value: it serves display
// reads, but chain extension always revalidates against the ledger's real tail
// before trusting it.
package tailcache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rksv:tail:"

// Cache wraps a redis client. A nil *Cache is valid and turns every operation
// into a no-op, so deployments without redis need no special casing.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	verbose bool
}

// New connects to redis at addr. Returns nil when addr is empty.
func New(addr, password string, db int, verbose bool) *Cache {
	if addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &Cache{
		client:  client,
		ttl:     24 * time.Hour,
		verbose: verbose,
	}
}

// retry executes a redis operation with exponential backoff, recovering
// gracefully when redis restarts or connections drop.
func retry[T any](ctx context.Context, operation func() (T, error)) (T, error) {
	const maxRetries = 3
	const initialBackoff = 100 * time.Millisecond

	var lastErr error
	var zero T

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(initialBackoff * time.Duration(1<<uint(attempt-1)))
		}

		result, err := operation()
		if err != nil {
			lastErr = err
			continue
		}

		return result, nil
	}

	return zero, fmt.Errorf("redis operation failed after %d retries: %v", maxRetries, lastErr)
}

// Get returns the cached tail hash for the tenant, if present.
func (c *Cache) Get(ctx context.Context, tenantID string) (string, bool) {
	if c == nil {
		return "", false
	}

	hash, err := retry(ctx, func() (string, error) {
		hash, err := c.client.Get(ctx, keyPrefix+tenantID).Result()
		if err == redis.Nil {
			// A miss is a valid answer, not a failure to retry.
			return "", nil
		}
		return hash, err
	})
	if err != nil || hash == "" {
		return "", false
	}

	return hash, true
}

// Set stores the tail hash after a successful append (write-through).
func (c *Cache) Set(ctx context.Context, tenantID, hash string) {
	if c == nil {
		return
	}

	if _, err := retry(ctx, func() (string, error) {
		return c.client.Set(ctx, keyPrefix+tenantID, hash, c.ttl).Result()
	}); err != nil && c.verbose {
		log.Printf("[TAILCACHE] Failed to update tail for tenant %s: %v", tenantID, err)
	}
}

// Invalidate drops the cached tail, forcing the next reader back to the ledger.
func (c *Cache) Invalidate(ctx context.Context, tenantID string) {
	if c == nil {
		return
	}

	if _, err := retry(ctx, func() (int64, error) {
		return c.client.Del(ctx, keyPrefix+tenantID).Result()
	}); err != nil && c.verbose {
		log.Printf("[TAILCACHE] Failed to invalidate tail for tenant %s: %v", tenantID, err)
	}
}

// Close releases the redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
