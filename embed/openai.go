package embed

import (
	"context"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"airweave.ai/core/common"
	"airweave.ai/core/ratelimit"
)

// OpenAIConfig configures the dense embedder. BaseURL overrides the API
// host for OpenAI-compatible providers.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int

	// RequestsPerMinute feeds the shared per-process limiter; all syncs on
	// this pod share the budget.
	RequestsPerMinute int
}

const (
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultDimensions     = 1536
	defaultEmbedRPM       = 3000
)

// OpenAI is the dense embedder over an OpenAI-compatible embeddings API,
// paced by the process-wide limiter so concurrent syncs share the quota.
type OpenAI struct {
	embedder   *embeddings.EmbedderImpl
	limiter    *ratelimit.LocalLimiter
	dimensions int
}

// NewOpenAI builds the embedder client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, common.NewError(common.KindValidation, "embedding api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultEmbeddingModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = defaultDimensions
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = defaultEmbedRPM
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, common.WrapError(common.KindProviderPermanent, "creating embedding client", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, common.WrapError(common.KindProviderPermanent, "creating embedder", err)
	}

	return &OpenAI{
		embedder:   embedder,
		limiter:    ratelimit.SharedLimiter("openai_embeddings", cfg.RequestsPerMinute),
		dimensions: cfg.Dimensions,
	}, nil
}

// Dimensions implements Embedder.
func (o *OpenAI) Dimensions() int { return o.dimensions }

// EmbedBatch implements Embedder.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := o.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	vectors, err := o.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, classifyProviderError("embedding batch", err)
	}
	if len(vectors) != len(texts) {
		return nil, common.NewError(common.KindProviderTransient, "embedding API returned a partial batch")
	}
	return vectors, nil
}

// EmbedQuery implements Embedder.
func (o *OpenAI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := o.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	vector, err := o.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, classifyProviderError("embedding query", err)
	}
	return vector, nil
}

// classifyProviderError separates permanent failures (bad key, exhausted
// quota, oversized input) from transient ones so the pipeline retries only
// what can succeed.
func classifyProviderError(operation string, err error) error {
	msg := strings.ToLower(err.Error())
	permanent := strings.Contains(msg, "401") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "incorrect api key") ||
		strings.Contains(msg, "insufficient_quota") ||
		strings.Contains(msg, "maximum context length")
	if permanent {
		return common.WrapError(common.KindProviderPermanent, operation+" failed", err)
	}
	return common.WrapError(common.KindProviderTransient, operation+" failed", err)
}
