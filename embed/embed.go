// Package embed produces the dense and sparse vectors destinations index.
// Dense embeddings come from an OpenAI-compatible API; the sparse encoder
// runs in-process so keyword vectors never cost an API call.
package embed

import (
	"context"
)

// Embedder converts text into dense vectors. Implementations must be safe
// for concurrent use by pipeline workers.
type Embedder interface {
	// EmbedBatch embeds texts in order; the result has one vector per input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimensions is the fixed vector width for the bound model.
	Dimensions() int
}
