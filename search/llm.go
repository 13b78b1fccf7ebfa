package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"airweave.ai/core/common"
	"airweave.ai/core/ratelimit"
)

// LLM is the completion interface the search operations call. Tests swap in
// a scripted fake.
type LLM interface {
	Complete(ctx context.Context, prompt string, maxTokens int) (string, error)
}

const (
	defaultLLMModel      = "claude-3-5-haiku-20241022"
	llmMaxRetries        = 3
	llmInitialBackoff    = time.Second
	defaultLLMRatePerMin = 1000
)

// AnthropicConfig configures the completion client.
type AnthropicConfig struct {
	APIKey string
	Model  string

	// RequestsPerMinute gates calls through the shared per-pod limiter.
	RequestsPerMinute int
}

// Anthropic is the production LLM backed by the Messages API, with bounded
// retries on 429/5xx and the per-pod limiter in front of every call.
type Anthropic struct {
	client  anthropic.Client
	model   anthropic.Model
	limiter *ratelimit.LocalLimiter
}

// NewAnthropic builds the completion client.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, common.NewError(common.KindValidation, "anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultLLMModel
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultLLMRatePerMin
	}
	return &Anthropic{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   anthropic.Model(cfg.Model),
		limiter: ratelimit.SharedLimiter("anthropic_messages", cfg.RequestsPerMinute),
	}, nil
}

// Complete sends one user message and returns the text of the reply.
func (a *Anthropic) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if err := a.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= llmMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := llmInitialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", common.WrapError(common.KindCancelled, "completion cancelled", ctx.Err())
			}
		}

		message, err := a.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", common.NewError(common.KindProviderTransient, "completion returned no content")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", common.NewError(common.KindProviderTransient,
					fmt.Sprintf("completion returned a %s block instead of text", content.Type))
			}
			return content.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", common.WrapError(common.KindCancelled, "completion cancelled", ctx.Err())
		}
		if !llmRetryable(err) {
			return "", common.WrapError(common.KindProviderPermanent, "completion rejected", err)
		}
	}
	return "", common.WrapError(common.KindProviderTransient,
		fmt.Sprintf("completion failed after %d attempts", llmMaxRetries+1), lastErr)
}

func llmRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
