// Package ratelimit implements the three rate-limiting gates of the core:
// the per-organization client gate, the per-source outbound gate and the
// per-process gate for shared third-party AI APIs. The Redis-backed gates
// share one sliding-window primitive over a sorted set.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"airweave.ai/core/common"
)

// SlidingWindow is a Redis sorted-set sliding window. Scores are Unix
// timestamps in seconds (fractional); members are unique per admission.
type SlidingWindow struct {
	client *redis.Client
}

// NewSlidingWindow creates the shared window primitive.
func NewSlidingWindow(client *redis.Client) *SlidingWindow {
	return &SlidingWindow{client: client}
}

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Allow attempts to admit one operation under key with the given limit and
// window. The trim and the count run in one pipeline; the add runs in a
// second pipeline together with the TTL refresh, which leaves a benign race
// of at most one extra admission between concurrent callers.
func (w *SlidingWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (*Decision, error) {
	if limit <= 0 {
		// Non-positive limit means unlimited.
		return &Decision{Allowed: true, Limit: limit, Remaining: -1}, nil
	}

	now := time.Now()
	cutoff := now.Add(-window)

	pipe := w.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%f", float64(cutoff.UnixNano())/1e9))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("rate limit window read failed for %s: %w", key, err)
	}

	count := int(countCmd.Val())
	if count >= limit {
		retryAfter := window
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			oldestAt := time.Unix(0, int64(oldest[0].Score*1e9))
			retryAfter = window - now.Sub(oldestAt)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return &Decision{Allowed: false, Limit: limit, Remaining: 0, RetryAfter: retryAfter}, nil
	}

	addPipe := w.client.TxPipeline()
	addPipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()) / 1e9,
		Member: fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8]),
	})
	addPipe.Expire(ctx, key, 2*window)
	if _, err := addPipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("rate limit window write failed for %s: %w", key, err)
	}

	return &Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - count - 1,
	}, nil
}

// failOpen logs a Redis failure and returns an allow decision. Both the
// client and source gates degrade to open when Redis is unreachable; real
// upstream 429s remain the final safety net for sources.
func failOpen(logger *common.ContextLogger, key string, err error) *Decision {
	logger.WithError(err).WithField("key", key).Warn("Rate limit store unavailable, failing open")
	return &Decision{Allowed: true, Remaining: -1}
}
