// Package cache provides atomic get-or-compute over Redis with per-key
// distributed locking, stale-while-revalidate, and a local breaker that
// bypasses a failing backend.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/brandowl/internal/telemetry"
)

const (
	// lockLease bounds how long one node may hold a key's compute lock.
	lockLease = 30 * time.Second
	// staleTTL is the minimum lifetime of the stale backup copy.
	staleTTL = 24 * time.Hour
	// lockWait bounds how long a non-holder polls for the holder's result.
	lockWait = time.Second

	breakerThreshold = 5
	breakerCooldown  = 60 * time.Second
)

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Cache is the shared process-wide cache handle. Safe for concurrent use.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu          sync.Mutex
	consecFails int
	openedAt    time.Time
}

// New creates a cache over the given Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger}
}

// Key derives a deterministic cache key from typed parts. Parts are length-
// prefixed before hashing so no concatenation of user strings can collide.
func Key(parts ...any) string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, part := range parts {
		var b []byte
		switch v := part.(type) {
		case nil:
			// A nil part is written as a length no byte string can have,
			// so it never collides with any string part.
			binary.BigEndian.PutUint64(lenBuf[:], ^uint64(0))
			h.Write(lenBuf[:])
			continue
		case string:
			b = []byte(v)
		case []byte:
			b = v
		default:
			b, _ = json.Marshal(v)
		}
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
		h.Write(lenBuf[:])
		h.Write(b)
	}
	return "cache:" + hex.EncodeToString(h.Sum(nil))
}

// GetOrCompute returns the JSON value stored under key, computing and
// storing it via factory on a miss. At most one node runs the factory per
// key while its lock is held; concurrent callers poll briefly, then fall
// back to the stale copy, then to a local compute.
//
// The result bytes are the canonical JSON of the factory's return value.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, factory func(ctx context.Context) (any, error)) ([]byte, error) {
	if c.breakerOpen() {
		return c.runFactory(ctx, factory)
	}

	lockKey := key + ":lock"
	staleKey := key + ":stale"

	// Fresh value first.
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		c.recordSuccess()
		telemetry.CacheHitsTotal.Inc()
		return val, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.recordFailure(err)
		return c.computeWithStaleFallback(ctx, staleKey, factory)
	}
	telemetry.CacheMissesTotal.Inc()

	// Try to become the computing node.
	token := uuid.New().String()
	acquired, err := c.rdb.SetNX(ctx, lockKey, token, lockLease).Result()
	if err != nil {
		c.recordFailure(err)
		return c.computeWithStaleFallback(ctx, staleKey, factory)
	}

	if acquired {
		defer func() {
			// Best-effort release; an expired lease is already someone
			// else's lock.
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(relCtx, c.rdb, []string{lockKey}, token).Err()
		}()

		// Double-check: another node may have populated the key while we
		// were acquiring.
		if val, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
			c.recordSuccess()
			return val, nil
		}

		out, err := c.runFactory(ctx, factory)
		if err != nil {
			return nil, err
		}

		pipe := c.rdb.Pipeline()
		pipe.Set(ctx, key, out, ttl)
		stale := staleTTL
		if ttl > stale {
			stale = ttl
		}
		pipe.Set(ctx, staleKey, out, stale)
		if _, err := pipe.Exec(ctx); err != nil {
			c.recordFailure(err)
			c.logger.Warn("cache write failed after compute", "key", key, "error", err)
		} else {
			c.recordSuccess()
		}
		return out, nil
	}

	// Another node is computing: poll for its result with jitter.
	deadline := time.Now().Add(lockWait)
	for time.Now().Before(deadline) {
		sleep := 50*time.Millisecond + time.Duration(rand.Int63n(int64(50*time.Millisecond)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		if val, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
			c.recordSuccess()
			return val, nil
		}
	}

	// Holder did not finish in time: serve stale if we have it.
	if val, err := c.rdb.Get(ctx, staleKey).Bytes(); err == nil {
		c.logger.Warn("serving stale cache value after lock wait", "key", key)
		return val, nil
	}

	// Last resort: compute locally. With a deterministic factory the
	// double-compute writes an equivalent value; divergence is a soft
	// warning, not an error.
	c.logger.Warn("cache lock timeout, computing locally", "key", key)
	return c.runFactory(ctx, factory)
}

// Invalidate removes a key and its stale backup.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, key)
	pipe.Del(ctx, key+":stale")
	if _, err := pipe.Exec(ctx); err != nil {
		c.recordFailure(err)
		return fmt.Errorf("invalidating %s: %w", key, err)
	}
	c.recordSuccess()
	return nil
}

// Get reads a raw value without computing. Returns redis.Nil on a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	return c.rdb.Get(ctx, key).Bytes()
}

// Set writes a raw value with TTL and refreshes the stale backup.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, key, value, ttl)
	stale := staleTTL
	if ttl > stale {
		stale = ttl
	}
	pipe.Set(ctx, key+":stale", value, stale)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Cache) computeWithStaleFallback(ctx context.Context, staleKey string, factory func(ctx context.Context) (any, error)) ([]byte, error) {
	if val, err := c.rdb.Get(ctx, staleKey).Bytes(); err == nil {
		c.logger.Warn("serving stale cache value after backend error", "key", staleKey)
		return val, nil
	}
	return c.runFactory(ctx, factory)
}

func (c *Cache) runFactory(ctx context.Context, factory func(ctx context.Context) (any, error)) ([]byte, error) {
	v, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling computed value: %w", err)
	}
	return out, nil
}

// breakerOpen reports whether the cache backend breaker is open, closing it
// after the cooldown when a ping succeeds.
func (c *Cache) breakerOpen() bool {
	c.mu.Lock()
	if c.consecFails < breakerThreshold {
		c.mu.Unlock()
		return false
	}
	if time.Since(c.openedAt) < breakerCooldown {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.mu.Lock()
		c.openedAt = time.Now()
		c.mu.Unlock()
		return true
	}

	c.mu.Lock()
	c.consecFails = 0
	c.mu.Unlock()
	c.logger.Info("cache backend recovered, breaker closed")
	return false
}

func (c *Cache) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecFails++
	if c.consecFails == breakerThreshold {
		c.openedAt = time.Now()
		c.logger.Error("cache backend breaker opened", "error", err)
	}
}

func (c *Cache) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consecFails > 0 && c.consecFails < breakerThreshold {
		c.consecFails = 0
	}
}
