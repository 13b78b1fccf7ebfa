package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"airweave.ai/core/common"
)

const (
	qdrantDenseName  = "dense"
	qdrantSparseName = "sparse"

	defaultVectorSize = 1536
)

// Qdrant talks to a Qdrant instance over its HTTP API. One instance is
// bound to one physical collection.
type Qdrant struct {
	baseURL    string
	apiKey     string
	collection string
	vectorSize int
	keyword    bool
	httpClient *http.Client
	logger     *common.ContextLogger
}

// QdrantConfig configures the adapter.
type QdrantConfig struct {
	URL        string
	APIKey     string
	VectorSize int
	// Keyword enables the sparse index alongside the dense one.
	Keyword bool
	Timeout time.Duration
}

// NewQdrant connects to Qdrant and creates the backing collection when it
// does not exist yet.
func NewQdrant(ctx context.Context, cfg QdrantConfig, collectionID string, logger *common.ContextLogger) (*Qdrant, error) {
	if cfg.URL == "" {
		return nil, common.NewError(common.KindValidation, "qdrant url is required")
	}
	if cfg.VectorSize == 0 {
		cfg.VectorSize = defaultVectorSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{
			"component":  "qdrant",
			"collection": collectionID,
		})
	}

	q := &Qdrant{
		baseURL:    cfg.URL,
		apiKey:     cfg.APIKey,
		collection: collectionID,
		vectorSize: cfg.VectorSize,
		keyword:    cfg.Keyword,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
	if err := q.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// ShortName implements Destination.
func (q *Qdrant) ShortName() string { return "qdrant" }

// ProcessingRequirement implements Destination.
func (q *Qdrant) ProcessingRequirement() ProcessingRequirement { return ChunksAndEmbeddings }

// HasKeywordIndex implements Destination.
func (q *Qdrant) HasKeywordIndex() bool { return q.keyword }

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	status, _, err := q.call(ctx, http.MethodGet, "/collections/"+q.collection, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			qdrantDenseName: map[string]interface{}{
				"size":     q.vectorSize,
				"distance": "Cosine",
			},
		},
	}
	if q.keyword {
		body["sparse_vectors"] = map[string]interface{}{
			qdrantSparseName: map[string]interface{}{},
		}
	}
	status, respBody, err := q.call(ctx, http.MethodPut, "/collections/"+q.collection, body)
	if err != nil {
		return err
	}
	// Conflict means a concurrent worker created it first.
	if status != http.StatusOK && status != http.StatusConflict {
		return qdrantError("create collection", status, respBody)
	}
	return nil
}

// BulkInsert implements Destination.
func (q *Qdrant) BulkInsert(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]map[string]interface{}, 0, len(records))
	for _, r := range records {
		vector := map[string]interface{}{}
		if len(r.Dense) > 0 {
			vector[qdrantDenseName] = r.Dense
		}
		if q.keyword && r.Sparse != nil {
			vector[qdrantSparseName] = map[string]interface{}{
				"indices": r.Sparse.Indices,
				"values":  r.Sparse.Values,
			}
		}
		points = append(points, map[string]interface{}{
			"id":      PointID(r.Entity),
			"vector":  vector,
			"payload": Payload(r.Entity),
		})
	}

	status, body, err := q.call(ctx, http.MethodPut,
		"/collections/"+q.collection+"/points?wait=true",
		map[string]interface{}{"points": points})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return qdrantError("upsert points", status, body)
	}
	return nil
}

// BulkDelete implements Destination.
func (q *Qdrant) BulkDelete(ctx context.Context, syncID string, sourceEntityIDs []string) error {
	if len(sourceEntityIDs) == 0 {
		return nil
	}
	return q.deleteByFilter(ctx, identityFilter(syncID, "source_entity_id", sourceEntityIDs))
}

// BulkDeleteByParentIDs implements Destination.
func (q *Qdrant) BulkDeleteByParentIDs(ctx context.Context, syncID string, parentIDs []string) error {
	if len(parentIDs) == 0 {
		return nil
	}
	return q.deleteByFilter(ctx, identityFilter(syncID, "parent_id", parentIDs))
}

// DeleteBySyncID implements Destination.
func (q *Qdrant) DeleteBySyncID(ctx context.Context, syncID string) error {
	return q.deleteByFilter(ctx, identityFilter(syncID, "", nil))
}

// DeleteByCollectionID implements Destination.
func (q *Qdrant) DeleteByCollectionID(ctx context.Context, collectionID string) error {
	status, body, err := q.call(ctx, http.MethodDelete, "/collections/"+collectionID, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return qdrantError("delete collection", status, body)
	}
	return nil
}

func (q *Qdrant) deleteByFilter(ctx context.Context, filter *Filter) error {
	status, body, err := q.call(ctx, http.MethodPost,
		"/collections/"+q.collection+"/points/delete?wait=true",
		map[string]interface{}{"filter": filter})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return qdrantError("delete points", status, body)
	}
	return nil
}

// Search implements Destination. Hybrid retrieval uses Qdrant's prefetch +
// RRF fusion; neural and keyword query a single index directly.
func (q *Qdrant) Search(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	body := map[string]interface{}{
		"limit":        params.Limit,
		"offset":       params.Offset,
		"with_payload": true,
	}
	if params.Filter != nil {
		body["filter"] = params.Filter
	}

	sparseQuery := func() map[string]interface{} {
		return map[string]interface{}{
			"indices": params.Sparse.Indices,
			"values":  params.Sparse.Values,
		}
	}

	switch params.Strategy {
	case StrategyKeyword:
		if !q.keyword || params.Sparse == nil {
			return nil, common.NewError(common.KindValidation, "keyword retrieval requires a sparse index")
		}
		body["query"] = sparseQuery()
		body["using"] = qdrantSparseName
	case StrategyHybrid:
		if q.keyword && params.Sparse != nil {
			prefetchLimit := (params.Limit + params.Offset) * 2
			body["prefetch"] = []map[string]interface{}{
				{"query": params.Dense, "using": qdrantDenseName, "limit": prefetchLimit},
				{"query": sparseQuery(), "using": qdrantSparseName, "limit": prefetchLimit},
			}
			body["query"] = map[string]interface{}{"fusion": "rrf"}
			break
		}
		fallthrough
	default: // neural
		body["query"] = params.Dense
		body["using"] = qdrantDenseName
	}

	status, respBody, err := q.call(ctx, http.MethodPost,
		"/collections/"+q.collection+"/points/query", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, qdrantError("query points", status, respBody)
	}

	var parsed struct {
		Result struct {
			Points []struct {
				ID      interface{}            `json:"id"`
				Score   float64                `json:"score"`
				Payload map[string]interface{} `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding qdrant query response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Result.Points))
	for _, p := range parsed.Result.Points {
		results = append(results, SearchResult{
			ID:      fmt.Sprintf("%v", p.ID),
			Score:   p.Score,
			Payload: p.Payload,
		})
	}
	return results, nil
}

func (q *Qdrant) call(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding qdrant request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return 0, nil, common.WrapError(common.KindProviderTransient, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, common.WrapError(common.KindProviderTransient, "reading qdrant response", err)
	}
	return resp.StatusCode, respBody, nil
}

func qdrantError(operation string, status int, body []byte) error {
	kind := common.KindProviderTransient
	if status >= 400 && status < 500 {
		kind = common.KindProviderPermanent
	}
	return common.NewError(kind, fmt.Sprintf("qdrant %s returned %d: %s", operation, status, truncateBody(body)))
}

func truncateBody(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

func init() {
	Default.MustRegister("qdrant", func(ctx context.Context, credentials map[string]interface{}, config Config, collectionID string) (Destination, error) {
		cfg := QdrantConfig{Keyword: true}
		if url, ok := config["url"].(string); ok {
			cfg.URL = url
		}
		if key, ok := credentials["api_key"].(string); ok {
			cfg.APIKey = key
		}
		if size, ok := config["vector_size"].(int); ok {
			cfg.VectorSize = size
		}
		if kw, ok := config["keyword"].(bool); ok {
			cfg.Keyword = kw
		}
		return NewQdrant(ctx, cfg, collectionID, nil)
	})
}
