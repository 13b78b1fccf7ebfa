// Package search runs retrieval requests through an operation graph: query
// expansion, filter interpretation, embedding, temporal weighting, retrieval,
// reranking and answer generation. Every LLM-backed operation is optional,
// independently time-budgeted, and falls back to the previous state when it
// fails; only embed and retrieval are load-bearing.
package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"airweave.ai/core/common"
	"airweave.ai/core/config"
	"airweave.ai/core/destination"
	"airweave.ai/core/embed"
)

const (
	maxQueryTokens   = 2048
	queryEncoding    = "cl100k_base"
	defaultOpBudget  = 10 * time.Second
	retrievalTimeout = 30 * time.Second
)

// Request is one search invocation. Nil optional fields fall back to the
// configured defaults.
type Request struct {
	Query             string                        `json:"query"`
	Limit             *int                          `json:"limit,omitempty"`
	Offset            *int                          `json:"offset,omitempty"`
	Strategy          destination.RetrievalStrategy `json:"retrieval_strategy,omitempty"`
	Filter            *destination.Filter           `json:"filter,omitempty"`
	TemporalRelevance *float64                      `json:"temporal_relevance,omitempty"`
	ExpandQuery       *bool                         `json:"expand_query,omitempty"`
	InterpretFilters  *bool                         `json:"interpret_filters,omitempty"`
	Rerank            *bool                         `json:"rerank,omitempty"`
	GenerateAnswer    *bool                         `json:"generate_answer,omitempty"`
}

// Response is the final state of the operation graph.
type Response struct {
	Results         []destination.SearchResult `json:"results"`
	Answer          string                     `json:"answer,omitempty"`
	ExpandedQueries []string                   `json:"expanded_queries,omitempty"`
	AppliedFilter   *destination.Filter        `json:"applied_filter,omitempty"`
}

// Event is one streamed progress notification. Op names the graph node,
// Type is started, done or skipped.
type Event struct {
	Op   string      `json:"op"`
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// EventSink receives streamed events; a nil sink disables streaming.
type EventSink func(Event)

// Pipeline executes search requests against one destination.
type Pipeline struct {
	dest     destination.Destination
	embedder embed.Embedder
	sparse   *embed.SparseEncoder
	llm      LLM
	defaults *config.SearchDefaults
	opBudget time.Duration
	logger   *common.ContextLogger

	collectionID string

	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
}

// NewPipeline assembles a search pipeline. llm may be nil, which disables
// the LLM-backed operations regardless of the defaults.
func NewPipeline(dest destination.Destination, collectionID string, embedder embed.Embedder,
	llm LLM, defaults *config.SearchDefaults, logger *common.ContextLogger) (*Pipeline, error) {
	if dest == nil {
		return nil, common.NewError(common.KindValidation, "search needs a destination")
	}
	if embedder == nil {
		return nil, common.NewError(common.KindValidation, "search needs an embedder")
	}
	if defaults == nil {
		return nil, common.NewError(common.KindValidation, "search needs loaded defaults")
	}
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{"component": "search"})
	}

	return &Pipeline{
		dest:         dest,
		embedder:     embedder,
		sparse:       embed.NewSparseEncoder(),
		llm:          llm,
		defaults:     defaults,
		opBudget:     defaultOpBudget,
		logger:       logger,
		collectionID: collectionID,
	}, nil
}

// Search executes the operation graph and returns the final response.
func (p *Pipeline) Search(ctx context.Context, req Request) (*Response, error) {
	return p.run(ctx, req, nil)
}

// SearchStream executes the graph, emitting an event as each operation
// starts and finishes.
func (p *Pipeline) SearchStream(ctx context.Context, req Request, sink EventSink) (*Response, error) {
	return p.run(ctx, req, sink)
}

func (p *Pipeline) run(ctx context.Context, req Request, sink EventSink) (*Response, error) {
	if err := p.validateQuery(req.Query); err != nil {
		return nil, err
	}

	limit := *p.defaults.Limit
	if req.Limit != nil {
		limit = *req.Limit
	}
	offset := *p.defaults.Offset
	if req.Offset != nil {
		offset = *req.Offset
	}
	strategy := destination.RetrievalStrategy(p.defaults.RetrievalStrategy)
	if req.Strategy != "" {
		strategy = req.Strategy
	}
	if (strategy == destination.StrategyHybrid || strategy == destination.StrategyKeyword) &&
		!p.dest.HasKeywordIndex() {
		strategy = destination.StrategyNeural
	}

	resp := &Response{}
	emit := func(e Event) {
		if sink != nil {
			sink(e)
		}
	}

	// Query expansion.
	queries := []string{req.Query}
	if p.llm != nil && p.enabled(req.ExpandQuery, p.defaults.ExpandQuery) {
		p.budgeted(ctx, "expand_query", emit, func(opCtx context.Context) error {
			expanded, err := expandQuery(opCtx, p.llm, req.Query)
			if err != nil {
				return err
			}
			queries = expanded
			resp.ExpandedQueries = expanded[1:]
			return nil
		})
	}

	// Filter interpretation, merged under the caller's filter.
	filter := req.Filter
	if p.llm != nil && p.enabled(req.InterpretFilters, p.defaults.InterpretFilters) {
		p.budgeted(ctx, "interpret_filters", emit, func(opCtx context.Context) error {
			interpreted, err := interpretFilters(opCtx, p.llm, req.Query)
			if err != nil {
				return err
			}
			filter = destination.And(filter, interpreted)
			return nil
		})
	}
	resp.AppliedFilter = filter

	// Temporal relevance.
	weight := *p.defaults.TemporalRelevance
	if req.TemporalRelevance != nil {
		weight = *req.TemporalRelevance
	}
	decay := temporalDecay(weight)

	// Embed + retrieval, once per query phrasing.
	emit(Event{Op: "retrieval", Type: "started"})
	batches := make([][]destination.SearchResult, 0, len(queries))
	fetch := limit + offset
	if len(queries) > 1 {
		// Over-fetch so fusion has candidates beyond the first page.
		fetch = 2 * (limit + offset)
	}
	for _, q := range queries {
		results, err := p.retrieve(ctx, q, strategy, filter, decay, fetch)
		if err != nil {
			return nil, err
		}
		batches = append(batches, results)
	}
	resp.Results = mergeResults(batches, limit, offset)
	emit(Event{Op: "retrieval", Type: "done", Data: len(resp.Results)})

	// Rerank keeps the retrieval order on failure.
	if p.llm != nil && p.enabled(req.Rerank, p.defaults.Rerank) {
		p.budgeted(ctx, "rerank", emit, func(opCtx context.Context) error {
			reranked, err := rerank(opCtx, p.llm, req.Query, resp.Results)
			if err != nil {
				return err
			}
			resp.Results = reranked
			return nil
		})
	}

	// Answer generation.
	if p.llm != nil && p.enabled(req.GenerateAnswer, p.defaults.GenerateAnswer) {
		p.budgeted(ctx, "generate_answer", emit, func(opCtx context.Context) error {
			generated, err := answer(opCtx, p.llm, req.Query, resp.Results)
			if err != nil {
				return err
			}
			resp.Answer = generated
			return nil
		})
	}

	return resp, nil
}

func (p *Pipeline) retrieve(ctx context.Context, query string, strategy destination.RetrievalStrategy,
	filter *destination.Filter, decay *destination.DecayConfig, limit int) ([]destination.SearchResult, error) {

	params := destination.SearchParams{
		CollectionID: p.collectionID,
		Query:        query,
		Limit:        limit,
		Strategy:     strategy,
		Filter:       filter,
		Decay:        decay,
	}

	if strategy != destination.StrategyKeyword {
		dense, err := p.embedder.EmbedQuery(ctx, query)
		if err != nil {
			return nil, err
		}
		params.Dense = dense
	}
	if strategy != destination.StrategyNeural && p.dest.HasKeywordIndex() {
		params.Sparse = p.sparse.EncodeOne(query)
	}

	opCtx, cancel := context.WithTimeout(ctx, retrievalTimeout)
	defer cancel()
	return p.dest.Search(opCtx, params)
}

// budgeted runs one optional operation under its time budget. Failure or
// timeout emits a skipped event and leaves the previous state in place.
func (p *Pipeline) budgeted(ctx context.Context, op string, emit EventSink, fn func(context.Context) error) {
	emit(Event{Op: op, Type: "started"})
	opCtx, cancel := context.WithTimeout(ctx, p.opBudget)
	defer cancel()

	if err := fn(opCtx); err != nil {
		p.logger.WithError(err).Warnf("Search operation %s failed, keeping previous state", op)
		emit(Event{Op: op, Type: "skipped", Data: err.Error()})
		return
	}
	emit(Event{Op: op, Type: "done"})
}

func (p *Pipeline) enabled(override *bool, fallback *bool) bool {
	if override != nil {
		return *override
	}
	return fallback != nil && *fallback
}

func (p *Pipeline) validateQuery(query string) error {
	if query == "" {
		return common.NewError(common.KindValidation, "query is required")
	}
	if tokens := p.countTokens(query); tokens > maxQueryTokens {
		return common.NewError(common.KindValidation,
			fmt.Sprintf("query is %d tokens, the maximum is %d", tokens, maxQueryTokens))
	}
	return nil
}

// countTokens measures the query with the BPE tokenizer. The encoding file
// is fetched on first use; when it is unavailable the cap is enforced on a
// characters/4 approximation instead of failing the request.
func (p *Pipeline) countTokens(query string) int {
	p.tokenizerOnce.Do(func() {
		tokenizer, err := tiktoken.GetEncoding(queryEncoding)
		if err != nil {
			p.logger.WithError(err).Warn("Query tokenizer unavailable, approximating token counts")
			return
		}
		p.tokenizer = tokenizer
	})
	if p.tokenizer == nil {
		return len(query) / 4
	}
	return len(p.tokenizer.Encode(query, nil, nil))
}
