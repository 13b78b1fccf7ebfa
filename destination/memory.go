package destination

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process adapter used by tests and dev runs. It mirrors
// the wire adapters' semantics: deterministic point ids, overwriting
// inserts, filter-driven deletes and the three retrieval strategies.
type Memory struct {
	mu         sync.RWMutex
	collection string
	points     map[string]memoryPoint

	processing ProcessingRequirement
	keyword    bool

	// FailWrites makes every write return the given error. Tests use it to
	// drive the dispatcher's failure paths.
	FailWrites error
}

type memoryPoint struct {
	id      string
	dense   []float32
	textual string
	payload map[string]interface{}
}

// NewMemory creates an in-memory adapter with chunk processing and a
// keyword index.
func NewMemory(collectionID string) *Memory {
	return &Memory{
		collection: collectionID,
		points:     make(map[string]memoryPoint),
		processing: ChunksAndEmbeddings,
		keyword:    true,
	}
}

// NewRawMemory creates an in-memory adapter that ingests raw entities.
func NewRawMemory(collectionID string) *Memory {
	m := NewMemory(collectionID)
	m.processing = RawEntities
	m.keyword = false
	return m
}

// ShortName implements Destination.
func (m *Memory) ShortName() string { return "memory" }

// ProcessingRequirement implements Destination.
func (m *Memory) ProcessingRequirement() ProcessingRequirement { return m.processing }

// HasKeywordIndex implements Destination.
func (m *Memory) HasKeywordIndex() bool { return m.keyword }

// Len reports how many points are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

// Payloads returns a snapshot of all stored payloads keyed by point id.
func (m *Memory) Payloads() map[string]map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(m.points))
	for id, p := range m.points {
		out[id] = p.payload
	}
	return out
}

// BulkInsert implements Destination.
func (m *Memory) BulkInsert(ctx context.Context, records []*Record) error {
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		id := PointID(r.Entity)
		m.points[id] = memoryPoint{
			id:      id,
			dense:   r.Dense,
			textual: r.Entity.Textual,
			payload: Payload(r.Entity),
		}
	}
	return nil
}

// BulkDelete implements Destination.
func (m *Memory) BulkDelete(ctx context.Context, syncID string, sourceEntityIDs []string) error {
	if m.FailWrites != nil {
		return m.FailWrites
	}
	return m.deleteWhere(identityFilter(syncID, "source_entity_id", sourceEntityIDs))
}

// BulkDeleteByParentIDs implements Destination.
func (m *Memory) BulkDeleteByParentIDs(ctx context.Context, syncID string, parentIDs []string) error {
	if m.FailWrites != nil {
		return m.FailWrites
	}
	return m.deleteWhere(identityFilter(syncID, "parent_id", parentIDs))
}

// DeleteBySyncID implements Destination.
func (m *Memory) DeleteBySyncID(ctx context.Context, syncID string) error {
	if m.FailWrites != nil {
		return m.FailWrites
	}
	return m.deleteWhere(identityFilter(syncID, "", nil))
}

// DeleteByCollectionID implements Destination.
func (m *Memory) DeleteByCollectionID(ctx context.Context, collectionID string) error {
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = make(map[string]memoryPoint)
	return nil
}

func (m *Memory) deleteWhere(filter *Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if filter.Matches(p.payload) {
			delete(m.points, id)
		}
	}
	return nil
}

// Search implements Destination.
func (m *Memory) Search(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	m.mu.RLock()
	candidates := make([]memoryPoint, 0, len(m.points))
	for _, p := range m.points {
		if params.Filter.Matches(p.payload) {
			candidates = append(candidates, p)
		}
	}
	m.mu.RUnlock()

	var results []SearchResult
	switch params.Strategy {
	case StrategyKeyword:
		results = m.keywordScores(candidates, params.Query)
	case StrategyHybrid:
		results = fuseRRF(
			m.denseScores(candidates, params.Dense),
			m.keywordScores(candidates, params.Query),
		)
	default:
		results = m.denseScores(candidates, params.Dense)
	}

	if params.Decay != nil {
		m.applyDecay(results, params.Decay)
		sortResults(results)
	}
	return page(results, params.Limit, params.Offset), nil
}

func (m *Memory) denseScores(candidates []memoryPoint, query []float32) []SearchResult {
	results := make([]SearchResult, 0, len(candidates))
	for _, p := range candidates {
		if len(p.dense) == 0 || len(query) == 0 {
			continue
		}
		results = append(results, SearchResult{
			ID:      p.id,
			Score:   cosine(query, p.dense),
			Payload: p.payload,
		})
	}
	sortResults(results)
	return results
}

func (m *Memory) keywordScores(candidates []memoryPoint, query string) []SearchResult {
	terms := strings.Fields(strings.ToLower(query))
	results := make([]SearchResult, 0, len(candidates))
	for _, p := range candidates {
		text := strings.ToLower(p.textual)
		score := 0.0
		for _, term := range terms {
			score += float64(strings.Count(text, term))
		}
		if score > 0 {
			results = append(results, SearchResult{ID: p.id, Score: score, Payload: p.payload})
		}
	}
	sortResults(results)
	return results
}

func (m *Memory) applyDecay(results []SearchResult, decay *DecayConfig) {
	for i, r := range results {
		raw, ok := r.Payload[decay.Field].(string)
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			continue
		}
		results[i].Score = r.Score * decay.Decay(ts)
	}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
