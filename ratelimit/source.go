package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"airweave.ai/core/common"
)

// SourceLimitConfig is one row of per-source rate limit configuration.
type SourceLimitConfig struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`

	// PerConnection scopes the window to one connection instead of the
	// whole organization. Sources whose upstream quotas are issued per
	// OAuth grant set this in their registry metadata.
	PerConnection bool `json:"per_connection"`
}

// ConfigProvider resolves the configured limit for an organization and
// source. The metadata store implements this; results are cached in Redis.
type ConfigProvider interface {
	SourceRateLimit(ctx context.Context, organizationID, sourceShortName string) (*SourceLimitConfig, error)
}

// configCacheTTL bounds staleness of cached limit rows.
const configCacheTTL = 5 * time.Minute

// Pipedream proxy budget: 1000 calls per 5 minutes, org-wide.
const (
	proxyLimit  = 1000
	proxyWindow = 5 * time.Minute
)

// SourceKey is the Redis key for a source gate.
func SourceKey(organizationID, sourceShortName string, perConnection bool, connectionID string) string {
	if perConnection {
		return fmt.Sprintf("source_rate_limit:%s:%s:connection:%s", organizationID, sourceShortName, connectionID)
	}
	return fmt.Sprintf("source_rate_limit:%s:%s:org:%s", organizationID, sourceShortName, organizationID)
}

// ConfigCacheKey is the Redis key caching a source limit row.
func ConfigCacheKey(organizationID, sourceShortName string) string {
	return fmt.Sprintf("source_rate_limit_config:%s:%s", organizationID, sourceShortName)
}

// ProxyKey is the Redis key for the Pipedream proxy gate.
func ProxyKey(organizationID string) string {
	return fmt.Sprintf("source_rate_limit:%s:pipedream_proxy:org:%s", organizationID, organizationID)
}

// SourceLimiter gates outbound source API calls.
type SourceLimiter struct {
	client   *redis.Client
	window   *SlidingWindow
	provider ConfigProvider
	logger   *common.ContextLogger
}

// NewSourceLimiter creates the source gate.
func NewSourceLimiter(client *redis.Client, provider ConfigProvider, logger *common.ContextLogger) *SourceLimiter {
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{"component": "ratelimit"})
	}
	return &SourceLimiter{
		client:   client,
		window:   NewSlidingWindow(client),
		provider: provider,
		logger:   logger,
	}
}

// Check admits or rejects one outbound call for (organization, source,
// connection). A missing config row means the source is unlimited. Returns
// a KindSourceRateLimited error on overage; Redis failures log and allow.
func (l *SourceLimiter) Check(ctx context.Context, organizationID, sourceShortName, connectionID string) error {
	cfg, err := l.config(ctx, organizationID, sourceShortName)
	if err != nil {
		failOpen(l.logger, ConfigCacheKey(organizationID, sourceShortName), err)
		return nil
	}
	if cfg == nil || cfg.Limit <= 0 {
		return nil
	}

	key := SourceKey(organizationID, sourceShortName, cfg.PerConnection, connectionID)
	decision, err := l.window.Allow(ctx, key, cfg.Limit, cfg.Window)
	if err != nil {
		failOpen(l.logger, key, err)
		return nil
	}

	if !decision.Allowed {
		rle := &common.RateLimitError{
			Limit:      decision.Limit,
			Remaining:  decision.Remaining,
			RetryAfter: decision.RetryAfter,
			Scope:      "source",
		}
		return rle.Classified()
	}
	return nil
}

// CheckProxy admits or rejects one call through the Pipedream proxy, which
// carries its own org-wide budget on top of the per-source gate.
func (l *SourceLimiter) CheckProxy(ctx context.Context, organizationID string) error {
	key := ProxyKey(organizationID)
	decision, err := l.window.Allow(ctx, key, proxyLimit, proxyWindow)
	if err != nil {
		failOpen(l.logger, key, err)
		return nil
	}

	if !decision.Allowed {
		rle := &common.RateLimitError{
			Limit:      decision.Limit,
			Remaining:  decision.Remaining,
			RetryAfter: decision.RetryAfter,
			Scope:      "proxy",
		}
		return rle.Classified()
	}
	return nil
}

// config loads the limit row through the Redis cache.
func (l *SourceLimiter) config(ctx context.Context, organizationID, sourceShortName string) (*SourceLimitConfig, error) {
	cacheKey := ConfigCacheKey(organizationID, sourceShortName)

	data, err := l.client.Get(ctx, cacheKey).Bytes()
	if err == nil {
		var cfg SourceLimitConfig
		if err := json.Unmarshal(data, &cfg); err == nil {
			if cfg.Limit < 0 {
				return nil, nil // cached absence marker
			}
			return &cfg, nil
		}
	} else if err != redis.Nil {
		return nil, err
	}

	if l.provider == nil {
		return nil, nil
	}

	cfg, err := l.provider.SourceRateLimit(ctx, organizationID, sourceShortName)
	if err != nil {
		return nil, err
	}

	cached := cfg
	if cached == nil {
		cached = &SourceLimitConfig{Limit: -1}
	}
	if data, err := json.Marshal(cached); err == nil {
		if err := l.client.Set(ctx, cacheKey, data, configCacheTTL).Err(); err != nil {
			l.logger.WithError(err).WithField("key", cacheKey).Warn("Failed to cache source rate limit config")
		}
	}

	return cfg, nil
}
