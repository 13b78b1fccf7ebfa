// Package destination defines the uniform adapter contract for search
// backends and the registry through which adapters are constructed per
// collection. Adapters receive already-resolved batches from the dispatcher
// and never consult the metadata store themselves.
package destination

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"airweave.ai/core/entity"
)

// ProcessingRequirement declares what shape of data an adapter ingests.
type ProcessingRequirement string

const (
	// ChunksAndEmbeddings means the dispatcher chunks and embeds entities
	// before handing them over (vector engines).
	ChunksAndEmbeddings ProcessingRequirement = "chunks_and_embeddings"

	// RawEntities means the adapter receives parent entities untouched
	// (archival and document stores).
	RawEntities ProcessingRequirement = "raw_entities"
)

// RetrievalStrategy selects how Search combines indexes.
type RetrievalStrategy string

const (
	StrategyHybrid  RetrievalStrategy = "hybrid"
	StrategyNeural  RetrievalStrategy = "neural"
	StrategyKeyword RetrievalStrategy = "keyword"
)

// SparseVector is a keyword-index vector as sorted (index, value) pairs.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Record pairs an entity with the vectors computed for it. Raw-entity
// adapters ignore the vectors.
type Record struct {
	Entity *entity.Entity
	Dense  []float32
	Sparse *SparseVector
}

// SearchParams carries one retrieval request.
type SearchParams struct {
	CollectionID string
	Query        string
	Limit        int
	Offset       int
	Strategy     RetrievalStrategy
	Filter       *Filter
	Dense        []float32
	Sparse       *SparseVector
	Decay        *DecayConfig
}

// SearchResult is one scored hit with its stored payload.
type SearchResult struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// Destination is the uniform adapter interface. Implementations must
// tolerate concurrent bulk writes from multiple pipeline workers.
type Destination interface {
	// ShortName returns the registry short name, e.g. "qdrant".
	ShortName() string

	// BulkInsert writes a batch of records. Inserting a record whose point
	// already exists overwrites it.
	BulkInsert(ctx context.Context, records []*Record) error

	// BulkDelete removes all points for the given source entity ids within
	// one sync.
	BulkDelete(ctx context.Context, syncID string, sourceEntityIDs []string) error

	// BulkDeleteByParentIDs removes all chunk points whose parent is one of
	// the given source entity ids within one sync.
	BulkDeleteByParentIDs(ctx context.Context, syncID string, parentIDs []string) error

	// DeleteBySyncID removes every point the sync ever wrote.
	DeleteBySyncID(ctx context.Context, syncID string) error

	// DeleteByCollectionID drops the physical backing collection.
	DeleteByCollectionID(ctx context.Context, collectionID string) error

	// Search runs one retrieval request against the collection.
	Search(ctx context.Context, params SearchParams) ([]SearchResult, error)

	// ProcessingRequirement declares whether the dispatcher must chunk and
	// embed before BulkInsert.
	ProcessingRequirement() ProcessingRequirement

	// HasKeywordIndex reports whether sparse vectors are indexed, enabling
	// hybrid and keyword retrieval.
	HasKeywordIndex() bool
}

// Config is the adapter-specific connection configuration.
type Config map[string]interface{}

// Factory builds an adapter bound to a physical collection, creating or
// attaching the backing collection as needed.
type Factory func(ctx context.Context, credentials map[string]interface{}, config Config, collectionID string) (Destination, error)

// Registry maps short names to destination factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty destination registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a short name.
func (r *Registry) Register(shortName string, factory Factory) error {
	if shortName == "" || factory == nil {
		return fmt.Errorf("destination registration requires a short name and factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[shortName]; exists {
		return fmt.Errorf("destination %s already registered", shortName)
	}
	r.factories[shortName] = factory
	return nil
}

// MustRegister panics on registration conflict. Intended for init blocks.
func (r *Registry) MustRegister(shortName string, factory Factory) {
	if err := r.Register(shortName, factory); err != nil {
		panic(err)
	}
}

// Build constructs an adapter by short name.
func (r *Registry) Build(ctx context.Context, shortName string, credentials map[string]interface{}, config Config, collectionID string) (Destination, error) {
	r.mu.RLock()
	factory, ok := r.factories[shortName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown destination %q", shortName)
	}
	return factory(ctx, credentials, config, collectionID)
}

// List returns registered short names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Default is the process-wide registry that adapter files register into
// from their init blocks.
var Default = NewRegistry()
