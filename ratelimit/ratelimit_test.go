package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airweave.ai/core/common"
)

func testRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()

	t.Run("admits up to limit then rejects", func(t *testing.T) {
		_, client := testRedis(t)
		w := NewSlidingWindow(client)

		for i := 0; i < 5; i++ {
			d, err := w.Allow(ctx, "k", 5, time.Second)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "call %d should be admitted", i)
		}

		d, err := w.Allow(ctx, "k", 5, time.Second)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 5, d.Limit)
		assert.Equal(t, 0, d.Remaining)
		assert.Greater(t, d.RetryAfter, time.Duration(0))
		assert.LessOrEqual(t, d.RetryAfter, time.Second)
	})

	t.Run("window slides", func(t *testing.T) {
		mr, client := testRedis(t)
		w := NewSlidingWindow(client)

		for i := 0; i < 3; i++ {
			d, err := w.Allow(ctx, "k", 3, time.Second)
			require.NoError(t, err)
			require.True(t, d.Allowed)
		}
		d, err := w.Allow(ctx, "k", 3, time.Second)
		require.NoError(t, err)
		require.False(t, d.Allowed)

		// Entries age out of the window after it passes.
		mr.FastForward(2 * time.Second)
		time.Sleep(1100 * time.Millisecond) // scores are wall-clock based

		d, err = w.Allow(ctx, "k", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("non-positive limit is unlimited", func(t *testing.T) {
		_, client := testRedis(t)
		w := NewSlidingWindow(client)
		d, err := w.Allow(ctx, "k", 0, time.Second)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("sets ttl on the key", func(t *testing.T) {
		mr, client := testRedis(t)
		w := NewSlidingWindow(client)

		_, err := w.Allow(ctx, "k", 5, time.Second)
		require.NoError(t, err)
		assert.Greater(t, mr.TTL("k"), time.Duration(0))
		assert.LessOrEqual(t, mr.TTL("k"), 2*time.Second)
	})
}

func TestClientLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("plan limits", func(t *testing.T) {
		assert.Equal(t, 10, PlanLimit(PlanDeveloper))
		assert.Equal(t, 25, PlanLimit(PlanPro))
		assert.Equal(t, 50, PlanLimit(PlanTeam))
		assert.Equal(t, 0, PlanLimit(PlanEnterprise))
	})

	t.Run("rejects over plan budget with retry info", func(t *testing.T) {
		_, client := testRedis(t)
		l := NewClientLimiter(client, nil)

		for i := 0; i < 10; i++ {
			require.NoError(t, l.Check(ctx, "org-1", PlanDeveloper))
		}

		err := l.Check(ctx, "org-1", PlanDeveloper)
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindRateLimited))

		var rle *common.RateLimitError
		require.ErrorAs(t, err, &rle)
		assert.Equal(t, 10, rle.Limit)
		assert.Equal(t, "client", rle.Scope)
	})

	t.Run("organizations are isolated", func(t *testing.T) {
		_, client := testRedis(t)
		l := NewClientLimiter(client, nil)

		for i := 0; i < 10; i++ {
			require.NoError(t, l.Check(ctx, "org-1", PlanDeveloper))
		}
		assert.NoError(t, l.Check(ctx, "org-2", PlanDeveloper))
	})

	t.Run("enterprise is unlimited", func(t *testing.T) {
		_, client := testRedis(t)
		l := NewClientLimiter(client, nil)
		for i := 0; i < 100; i++ {
			require.NoError(t, l.Check(ctx, "org-ent", PlanEnterprise))
		}
	})

	t.Run("fails open when redis is down", func(t *testing.T) {
		mr, client := testRedis(t)
		l := NewClientLimiter(client, nil)
		mr.Close()

		assert.NoError(t, l.Check(ctx, "org-1", PlanDeveloper))
	})
}

type staticConfigProvider struct {
	cfg   *SourceLimitConfig
	calls int
}

func (p *staticConfigProvider) SourceRateLimit(ctx context.Context, orgID, shortName string) (*SourceLimitConfig, error) {
	p.calls++
	return p.cfg, nil
}

func TestSourceLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("enforces configured limit org-wide", func(t *testing.T) {
		_, client := testRedis(t)
		provider := &staticConfigProvider{cfg: &SourceLimitConfig{Limit: 3, Window: time.Minute}}
		l := NewSourceLimiter(client, provider, nil)

		for i := 0; i < 3; i++ {
			require.NoError(t, l.Check(ctx, "org-1", "github", "conn-a"))
		}

		// Org-scoped: a different connection shares the window.
		err := l.Check(ctx, "org-1", "github", "conn-b")
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindSourceRateLimited))
	})

	t.Run("per-connection scope isolates connections", func(t *testing.T) {
		_, client := testRedis(t)
		provider := &staticConfigProvider{cfg: &SourceLimitConfig{Limit: 2, Window: time.Minute, PerConnection: true}}
		l := NewSourceLimiter(client, provider, nil)

		require.NoError(t, l.Check(ctx, "org-1", "notion", "conn-a"))
		require.NoError(t, l.Check(ctx, "org-1", "notion", "conn-a"))
		require.Error(t, l.Check(ctx, "org-1", "notion", "conn-a"))

		assert.NoError(t, l.Check(ctx, "org-1", "notion", "conn-b"))
	})

	t.Run("missing config means unlimited", func(t *testing.T) {
		_, client := testRedis(t)
		l := NewSourceLimiter(client, &staticConfigProvider{}, nil)
		for i := 0; i < 50; i++ {
			require.NoError(t, l.Check(ctx, "org-1", "jira", "conn-a"))
		}
	})

	t.Run("config rows are cached", func(t *testing.T) {
		_, client := testRedis(t)
		provider := &staticConfigProvider{cfg: &SourceLimitConfig{Limit: 100, Window: time.Minute}}
		l := NewSourceLimiter(client, provider, nil)

		for i := 0; i < 5; i++ {
			require.NoError(t, l.Check(ctx, "org-1", "github", "conn-a"))
		}
		assert.Equal(t, 1, provider.calls)
	})

	t.Run("proxy gate key format", func(t *testing.T) {
		assert.Equal(t,
			"source_rate_limit:org-1:pipedream_proxy:org:org-1",
			ProxyKey("org-1"))
	})

	t.Run("key formats", func(t *testing.T) {
		assert.Equal(t, "rate_limit:org:org-1", ClientKey("org-1"))
		assert.Equal(t,
			"source_rate_limit:org-1:github:org:org-1",
			SourceKey("org-1", "github", false, "conn-a"))
		assert.Equal(t,
			"source_rate_limit:org-1:github:connection:conn-a",
			SourceKey("org-1", "github", true, "conn-a"))
		assert.Equal(t,
			"source_rate_limit_config:org-1:github",
			ConfigCacheKey("org-1", "github"))
	})
}

func TestLocalLimiter(t *testing.T) {
	t.Run("paces instead of failing", func(t *testing.T) {
		l := NewLocalLimiter("embeddings", 600) // 10/s

		ctx := context.Background()
		start := time.Now()
		for i := 0; i < 12; i++ {
			require.NoError(t, l.Acquire(ctx))
		}
		// Burst of 10 is immediate, the remaining 2 are paced at 10/s.
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("respects cancellation", func(t *testing.T) {
		l := NewLocalLimiter("slow", 1)
		ctx, cancel := context.WithCancel(context.Background())

		require.NoError(t, l.Acquire(ctx)) // consumes the single burst slot
		cancel()

		err := l.Acquire(ctx)
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindCancelled))
	})

	t.Run("shared limiter is a per-name singleton", func(t *testing.T) {
		a := SharedLimiter("per-pod-test", 60)
		b := SharedLimiter("per-pod-test", 6000)
		assert.Same(t, a, b)
	})
}
