package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"airweave.ai/core/common"
)

// defaultAcquireTimeout bounds how long a pipeline task will wait on a
// shared API slot. Hour-scale on purpose: a sync paces rather than fails.
const defaultAcquireTimeout = time.Hour

// LocalLimiter is the per-process gate for calls to shared third-party
// AI/text-processing APIs. One organization's sync must not monopolize a
// pod's share of the upstream quota, so acquisition blocks instead of
// failing.
type LocalLimiter struct {
	name           string
	limiter        *rate.Limiter
	acquireTimeout time.Duration
}

// NewLocalLimiter creates a per-process limiter admitting requestsPerMinute
// with burst sized to one second's worth of traffic.
func NewLocalLimiter(name string, requestsPerMinute int) *LocalLimiter {
	burst := requestsPerMinute / 60
	if burst < 1 {
		burst = 1
	}
	return &LocalLimiter{
		name:           name,
		limiter:        rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst),
		acquireTimeout: defaultAcquireTimeout,
	}
}

// Acquire blocks until a slot is available, the context is cancelled, or
// the acquire timeout elapses.
func (l *LocalLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.acquireTimeout)
	defer cancel()

	if err := l.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return common.WrapError(common.KindCancelled,
				fmt.Sprintf("cancelled while acquiring %s API slot", l.name), err)
		}
		return common.WrapError(common.KindProviderTransient,
			fmt.Sprintf("timed out acquiring %s API slot", l.name), err)
	}
	return nil
}

// localRegistry keeps one limiter per shared API within the process.
type localRegistry struct {
	mu       sync.Mutex
	limiters map[string]*LocalLimiter
}

var locals = &localRegistry{limiters: make(map[string]*LocalLimiter)}

// SharedLimiter returns the process-wide limiter for the named API,
// creating it on first use with the given budget. Subsequent calls return
// the existing limiter regardless of the budget argument.
func SharedLimiter(name string, requestsPerMinute int) *LocalLimiter {
	locals.mu.Lock()
	defer locals.mu.Unlock()

	if l, ok := locals.limiters[name]; ok {
		return l
	}
	l := NewLocalLimiter(name, requestsPerMinute)
	locals.limiters[name] = l
	return l
}
