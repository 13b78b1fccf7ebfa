package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"airweave.ai/core/common"
)

// SourceGate is the slice of the rate limiter the HTTP wrapper needs.
type SourceGate interface {
	Check(ctx context.Context, organizationID, sourceShortName, connectionID string) error
	CheckProxy(ctx context.Context, organizationID string) error
}

// HTTPClientConfig configures the rate-limited wrapper for one connection.
type HTTPClientConfig struct {
	OrganizationID  string
	SourceShortName string
	ConnectionID    string

	// ViaProxy marks connections routed through the Pipedream proxy,
	// which carries its own org-wide budget.
	ViaProxy bool

	// MaxRetries and BaseDelay tune the transient-failure backoff.
	// Zero values take the adapter defaults (3 retries, 1s base).
	MaxRetries int
	BaseDelay  time.Duration

	// RequestTimeout bounds each attempt. Defaults to 30s.
	RequestTimeout time.Duration
}

// HTTPClient is the outbound HTTP client injected into every source
// adapter. It enforces the internal source rate limit before each call and
// surfaces internal overage as a synthetic 429 response, so adapters have
// exactly one rate-limit code path for internal and upstream limits alike.
// Transient upstream failures (5xx, network errors) are retried with
// jittered exponential backoff.
type HTTPClient struct {
	base    *http.Client
	limiter SourceGate
	cfg     HTTPClientConfig
	logger  *common.ContextLogger
}

// NewHTTPClient builds the wrapper. limiter may be nil in tests.
func NewHTTPClient(limiter SourceGate, cfg HTTPClientConfig, logger *common.ContextLogger) *HTTPClient {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{
			"component": "source_http",
			"source":    cfg.SourceShortName,
		})
	}
	return &HTTPClient{
		base:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Do executes one request under the source gate.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if c.limiter != nil {
		if err := c.limiter.Check(ctx, c.cfg.OrganizationID, c.cfg.SourceShortName, c.cfg.ConnectionID); err != nil {
			if resp := synthetic429(req, err); resp != nil {
				return resp, nil
			}
			return nil, err
		}
		if c.cfg.ViaProxy {
			if err := c.limiter.CheckProxy(ctx, c.cfg.OrganizationID); err != nil {
				if resp := synthetic429(req, err); resp != nil {
					return resp, nil
				}
				return nil, err
			}
		}
	}

	// Buffer the body up front so every retry resends it in full; http.Do
	// consumes the reader on the first attempt.
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.cfg.BaseDelay, attempt)
			c.logger.WithFields(map[string]interface{}{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"url":      req.URL.Redacted(),
			}).Warn("Retrying source request")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, common.WrapError(common.KindCancelled, "request cancelled during backoff", ctx.Err())
			}
		}

		attemptReq := req.Clone(ctx)
		if body != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(body))
			attemptReq.ContentLength = int64(len(body))
			attemptReq.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
		}

		resp, err := c.base.Do(attemptReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, common.WrapError(common.KindCancelled, "request cancelled", ctx.Err())
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			resp.Body.Close()
			continue
		}

		// 429s and auth failures are returned to the adapter untouched;
		// it decides between waiting and classifying as permanent.
		return resp, nil
	}

	return nil, common.WrapError(common.KindProviderTransient,
		fmt.Sprintf("source request failed after %d attempts", c.cfg.MaxRetries+1), lastErr)
}

// Get is a convenience wrapper for GET requests.
func (c *HTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// synthetic429 converts an internal rate-limit error into an HTTP-429
// shaped response, mirroring what the upstream API would have returned.
func synthetic429(req *http.Request, err error) *http.Response {
	if !common.IsKind(err, common.KindSourceRateLimited) {
		return nil
	}
	retryAfter := 1
	var rle *common.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		retryAfter = int(math.Ceil(rle.RetryAfter.Seconds()))
	}

	header := make(http.Header)
	header.Set("Retry-After", strconv.Itoa(retryAfter))
	header.Set("X-RateLimit-Source", "internal")

	return &http.Response{
		Status:     "429 Too Many Requests",
		StatusCode: http.StatusTooManyRequests,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(nil)),
		Request:    req,
	}
}

// backoffDelay computes the jittered exponential delay for an attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt-1))
	jitter := 0.5 + rand.Float64() // 0.5x..1.5x
	return time.Duration(backoff * jitter)
}
