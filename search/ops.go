package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"airweave.ai/core/destination"
)

const (
	expansionCount     = 3
	interpretCutoff    = 0.7
	rerankCandidateCap = 1000
	answerContextCap   = 20
	snippetLimit       = 400
)

// expandQuery asks the LLM for alternate phrasings of the query. The
// original query always stays first in the returned slice.
func expandQuery(ctx context.Context, llm LLM, query string) ([]string, error) {
	prompt := fmt.Sprintf(`Generate %d alternate phrasings of the search query below.
Keep the meaning identical; vary wording and specificity.
Respond with a JSON array of strings and nothing else.

Query: %s`, expansionCount, query)

	raw, err := llm.Complete(ctx, prompt, 512)
	if err != nil {
		return nil, err
	}

	var phrasings []string
	if err := json.Unmarshal([]byte(extractJSON(raw)), &phrasings); err != nil {
		return nil, fmt.Errorf("parsing expansions: %w", err)
	}

	queries := []string{query}
	for _, p := range phrasings {
		p = strings.TrimSpace(p)
		if p != "" && p != query {
			queries = append(queries, p)
		}
		if len(queries) > expansionCount {
			break
		}
	}
	return queries, nil
}

// interpretedFilter is the LLM's structured reading of the query.
type interpretedFilter struct {
	Confidence float64             `json:"confidence"`
	Filter     *destination.Filter `json:"filter"`
}

// interpretFilters extracts structured filter fragments from the natural
// language query. Low-confidence extractions are discarded.
func interpretFilters(ctx context.Context, llm LLM, query string) (*destination.Filter, error) {
	prompt := fmt.Sprintf(`Extract structured search filters from the query below.
Filterable payload fields: entity_type, source_entity_id, parent_id, name,
created_at, updated_at.

Respond with JSON and nothing else:
{"confidence": <0..1>, "filter": {"must": [{"key": "<field>", "match": {"value": <value>}}]}}
Use an empty filter and low confidence when the query has no filterable intent.

Query: %s`, query)

	raw, err := llm.Complete(ctx, prompt, 512)
	if err != nil {
		return nil, err
	}

	var parsed interpretedFilter
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return nil, fmt.Errorf("parsing interpreted filter: %w", err)
	}
	if parsed.Confidence < interpretCutoff || parsed.Filter == nil {
		return nil, nil
	}
	return parsed.Filter, nil
}

// temporalDecay translates the scalar relevance weight into the decay
// configuration destinations understand. Weight zero disables decay.
func temporalDecay(weight float64) *destination.DecayConfig {
	if weight <= 0 {
		return nil
	}
	if weight > 1 {
		weight = 1
	}
	return &destination.DecayConfig{
		Field:  "updated_at",
		Target: time.Now().UTC(),
		Scale:  30 * 24 * time.Hour,
		Weight: weight,
	}
}

// rerank asks the LLM to reorder the top candidates. Any malformed or
// partial ordering keeps the retrieval order for unranked results.
func rerank(ctx context.Context, llm LLM, query string, results []destination.SearchResult) ([]destination.SearchResult, error) {
	if len(results) < 2 {
		return results, nil
	}
	candidates := results
	if len(candidates) > rerankCandidateCap {
		candidates = candidates[:rerankCandidateCap]
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Rank the documents below by relevance to the query.
Respond with a JSON array of document numbers, most relevant first, and nothing else.

Query: %s

`, query)
	for i, r := range candidates {
		fmt.Fprintf(&b, "[%d] %s\n", i, snippet(r))
	}

	raw, err := llm.Complete(ctx, b.String(), 1024)
	if err != nil {
		return nil, err
	}

	var order []int
	if err := json.Unmarshal([]byte(extractJSON(raw)), &order); err != nil {
		return nil, fmt.Errorf("parsing rerank order: %w", err)
	}

	reordered := make([]destination.SearchResult, 0, len(results))
	seen := make(map[int]bool, len(order))
	for _, idx := range order {
		if idx < 0 || idx >= len(candidates) || seen[idx] {
			continue
		}
		seen[idx] = true
		reordered = append(reordered, candidates[idx])
	}
	for i, r := range candidates {
		if !seen[i] {
			reordered = append(reordered, r)
		}
	}
	return append(reordered, results[len(candidates):]...), nil
}

// answer generates a grounded answer citing sources as [[entity_id]].
func answer(ctx context.Context, llm LLM, query string, results []destination.SearchResult) (string, error) {
	if len(results) == 0 {
		return "", nil
	}
	sources := results
	if len(sources) > answerContextCap {
		sources = sources[:answerContextCap]
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Answer the question using only the sources below.
Cite every claim inline as [[entity_id]] using the id shown with each source.
Say so plainly when the sources do not contain the answer.

Question: %s

Sources:
`, query)
	for _, r := range sources {
		fmt.Fprintf(&b, "id=%s\n%s\n\n", sourceEntityID(r), snippet(r))
	}

	return llm.Complete(ctx, b.String(), 2048)
}

// mergeResults fuses per-query retrievals, keeping the best score per point.
func mergeResults(batches [][]destination.SearchResult, limit, offset int) []destination.SearchResult {
	best := make(map[string]destination.SearchResult)
	for _, batch := range batches {
		for _, r := range batch {
			if cur, ok := best[r.ID]; !ok || r.Score > cur.Score {
				best[r.ID] = r
			}
		}
	}
	merged := make([]destination.SearchResult, 0, len(best))
	for _, r := range best {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})

	if offset >= len(merged) {
		return nil
	}
	merged = merged[offset:]
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func sourceEntityID(r destination.SearchResult) string {
	if id, ok := r.Payload["source_entity_id"].(string); ok && id != "" {
		return id
	}
	return r.ID
}

func snippet(r destination.SearchResult) string {
	text, _ := r.Payload["textual"].(string)
	if text == "" {
		text, _ = r.Payload["name"].(string)
	}
	if len(text) > snippetLimit {
		text = text[:snippetLimit]
	}
	return text
}

// extractJSON strips markdown fences and surrounding prose from a model
// reply, returning the first JSON value.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if end := strings.LastIndex(raw, "```"); end >= 0 {
			raw = raw[:end]
		}
		raw = strings.TrimSpace(raw)
	}
	start := strings.IndexAny(raw, "[{")
	if start < 0 {
		return raw
	}
	return raw[start:]
}
