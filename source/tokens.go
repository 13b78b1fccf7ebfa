package source

import (
	"context"
	"sync"
	"time"

	"airweave.ai/core/common"
)

// TokenManager hands out a valid access token for each upstream call.
// OAuth sources call Token before every request instead of caching the
// credential themselves, so refresh happens in exactly one place.
type TokenManager interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken wraps a credential that never expires (API keys, PATs).
type StaticToken string

// Token returns the wrapped credential.
func (t StaticToken) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", common.NewError(common.KindUnauthorized, "no access token configured")
	}
	return string(t), nil
}

// RefreshFunc exchanges a refresh credential for a fresh access token and
// its lifetime. Implemented by the connection layer per OAuth provider.
type RefreshFunc func(ctx context.Context) (accessToken string, expiresIn time.Duration, err error)

// refreshSkew renews tokens this long before their reported expiry so a
// long upstream call never straddles the boundary.
const refreshSkew = 2 * time.Minute

// RefreshingToken manages an OAuth access token with proactive refresh.
// Safe for concurrent use; only one goroutine refreshes at a time.
type RefreshingToken struct {
	mu      sync.Mutex
	refresh RefreshFunc

	token     string
	expiresAt time.Time
}

// NewRefreshingToken creates a manager around the provider refresh call.
// The first Token invocation performs the initial exchange.
func NewRefreshingToken(refresh RefreshFunc) *RefreshingToken {
	return &RefreshingToken{refresh: refresh}
}

// Token returns the current access token, refreshing it when close to
// expiry.
func (t *RefreshingToken) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Until(t.expiresAt) > refreshSkew {
		return t.token, nil
	}

	token, expiresIn, err := t.refresh(ctx)
	if err != nil {
		return "", common.WrapError(common.KindUnauthorized, "token refresh failed", err)
	}
	t.token = token
	t.expiresAt = time.Now().Add(expiresIn)
	return t.token, nil
}
