// Package ratelimit implements a per-identifier, per-endpoint sliding-window
// rate limiter over Redis sorted sets.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	windowSeconds = 60
	// bucketTTL outlives the window slightly so idle buckets expire on
	// their own.
	bucketTTL = 70 * time.Second
	keyPrefix = "rate_limit"
)

// Result of a rate-limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter checks request rates against per-endpoint RPM limits.
type Limiter struct {
	rdb        *redis.Client
	logger     *slog.Logger
	defaultRPM int
	endpoints  map[string]int
}

// DefaultEndpointRPM is the house per-endpoint limit table.
func DefaultEndpointRPM() map[string]int {
	return map[string]int{
		"render":       30,
		"render-async": 20,
		"ingest":       50,
		"upload":       20,
		"critique":     60,
		"canon-derive": 40,
	}
}

// New creates a limiter. endpoints maps endpoint names to their RPM;
// unknown endpoints use defaultRPM.
func New(rdb *redis.Client, logger *slog.Logger, defaultRPM int, endpoints map[string]int) *Limiter {
	if defaultRPM <= 0 {
		defaultRPM = 100
	}
	if endpoints == nil {
		endpoints = DefaultEndpointRPM()
	}
	return &Limiter{rdb: rdb, logger: logger, defaultRPM: defaultRPM, endpoints: endpoints}
}

// RPMFor returns the limit for the named endpoint.
func (l *Limiter) RPMFor(endpoint string) int {
	if rpm, ok := l.endpoints[endpoint]; ok {
		return rpm
	}
	return l.defaultRPM
}

func bucketKey(identifier, endpoint string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, endpoint, identifier)
}

// Check applies the sliding-window algorithm. A rejected request does not
// consume capacity. On Redis failure the limiter fails open: availability
// beats strictness for this API, and the event is logged so operators can
// flip to fail-closed if abuse shows up.
func (l *Limiter) Check(ctx context.Context, identifier, endpoint string) Result {
	rpm := l.RPMFor(endpoint)
	key := bucketKey(identifier, endpoint)
	now := time.Now()
	windowStart := now.Add(-windowSeconds * time.Second)

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%f", float64(windowStart.UnixMicro())/1e6))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Error("rate limiter backend unavailable, failing open", "error", err)
		return Result{Allowed: true, Limit: rpm, Remaining: -1}
	}

	count := int(countCmd.Val())
	if count >= rpm {
		resetAt := now.Add(windowSeconds * time.Second)
		if oldest, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result(); err == nil && len(oldest) > 0 {
			resetAt = time.Unix(0, int64(oldest[0].Score*float64(time.Second))).Add(windowSeconds * time.Second)
		}
		return Result{Allowed: false, Limit: rpm, Remaining: 0, ResetAt: resetAt}
	}

	// Admit: record the request with a unique member so same-instant
	// requests do not collapse.
	score := float64(now.UnixMicro()) / 1e6
	member := fmt.Sprintf("%.6f:%s", score, uuid.New().String()[:8])
	pipe = l.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	pipe.Expire(ctx, key, bucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Error("rate limiter record failed, failing open", "error", err)
		return Result{Allowed: true, Limit: rpm, Remaining: -1}
	}

	return Result{
		Allowed:   true,
		Limit:     rpm,
		Remaining: rpm - count - 1,
		ResetAt:   now.Add(windowSeconds * time.Second),
	}
}

// Reset clears the bucket for an identifier and endpoint.
func (l *Limiter) Reset(ctx context.Context, identifier, endpoint string) error {
	return l.rdb.Del(ctx, bucketKey(identifier, endpoint)).Err()
}
