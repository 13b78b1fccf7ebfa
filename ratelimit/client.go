package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"airweave.ai/core/common"
)

// Plan is an organization's billing plan, which determines its request
// budget.
type Plan string

const (
	PlanDeveloper  Plan = "developer"
	PlanPro        Plan = "pro"
	PlanTeam       Plan = "team"
	PlanEnterprise Plan = "enterprise"
)

// clientWindow is the evaluation window for the client gate.
const clientWindow = time.Second

// PlanLimit returns the requests-per-second budget for a plan. Enterprise
// is unlimited (0).
func PlanLimit(plan Plan) int {
	switch plan {
	case PlanDeveloper:
		return 10
	case PlanPro:
		return 25
	case PlanTeam:
		return 50
	case PlanEnterprise:
		return 0
	default:
		return 10
	}
}

// ClientKey is the Redis key for an organization's client gate.
func ClientKey(organizationID string) string {
	return fmt.Sprintf("rate_limit:org:%s", organizationID)
}

// ClientLimiter gates inbound client calls per organization.
type ClientLimiter struct {
	window *SlidingWindow
	logger *common.ContextLogger
}

// NewClientLimiter creates the client gate.
func NewClientLimiter(client *redis.Client, logger *common.ContextLogger) *ClientLimiter {
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{"component": "ratelimit"})
	}
	return &ClientLimiter{window: NewSlidingWindow(client), logger: logger}
}

// Check admits or rejects one client call for the organization. Returns a
// *common.RateLimitError (wrapped with KindRateLimited) on overage. Redis
// failures log and allow.
func (l *ClientLimiter) Check(ctx context.Context, organizationID string, plan Plan) error {
	limit := PlanLimit(plan)
	if limit == 0 {
		return nil
	}

	key := ClientKey(organizationID)
	decision, err := l.window.Allow(ctx, key, limit, clientWindow)
	if err != nil {
		failOpen(l.logger, key, err)
		return nil
	}

	if !decision.Allowed {
		rle := &common.RateLimitError{
			Limit:      decision.Limit,
			Remaining:  decision.Remaining,
			RetryAfter: decision.RetryAfter,
			Scope:      "client",
		}
		return rle.Classified()
	}
	return nil
}
