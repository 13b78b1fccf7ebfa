package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"airweave.ai/core/common"
)

// PGVector stores points in Postgres with the pgvector extension. Dense
// similarity uses the cosine operator; keyword retrieval uses the built-in
// full-text index over the chunk text, so the adapter reports a keyword
// index without needing sparse vectors.
type PGVector struct {
	pool       *pgxpool.Pool
	collection string
	vectorSize int
	logger     *common.ContextLogger
}

// PGVectorConfig configures the adapter.
type PGVectorConfig struct {
	DSN        string
	VectorSize int
}

const pgvectorSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS vector_points (
	id UUID PRIMARY KEY,
	collection_id TEXT NOT NULL,
	sync_id TEXT NOT NULL,
	source_entity_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	entity_type TEXT NOT NULL,
	textual TEXT NOT NULL DEFAULT '',
	payload JSONB NOT NULL,
	embedding vector(%d),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS vector_points_collection_sync_idx
	ON vector_points (collection_id, sync_id);
CREATE INDEX IF NOT EXISTS vector_points_parent_idx
	ON vector_points (collection_id, sync_id, parent_id);
CREATE INDEX IF NOT EXISTS vector_points_textual_idx
	ON vector_points USING GIN (to_tsvector('english', textual));
`

// NewPGVector connects to Postgres and ensures the points table exists.
func NewPGVector(ctx context.Context, cfg PGVectorConfig, collectionID string, logger *common.ContextLogger) (*PGVector, error) {
	if cfg.DSN == "" {
		return nil, common.NewError(common.KindValidation, "pgvector dsn is required")
	}
	if cfg.VectorSize == 0 {
		cfg.VectorSize = defaultVectorSize
	}
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{
			"component":  "pgvector",
			"collection": collectionID,
		})
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(pgvectorSchema, cfg.VectorSize)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating vector_points schema: %w", err)
	}

	return &PGVector{pool: pool, collection: collectionID, vectorSize: cfg.VectorSize, logger: logger}, nil
}

// Close releases the connection pool.
func (p *PGVector) Close() { p.pool.Close() }

// ShortName implements Destination.
func (p *PGVector) ShortName() string { return "pgvector" }

// ProcessingRequirement implements Destination.
func (p *PGVector) ProcessingRequirement() ProcessingRequirement { return ChunksAndEmbeddings }

// HasKeywordIndex implements Destination.
func (p *PGVector) HasKeywordIndex() bool { return true }

// BulkInsert implements Destination.
func (p *PGVector) BulkInsert(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		e := r.Entity
		payload, err := json.Marshal(Payload(e))
		if err != nil {
			return fmt.Errorf("encoding payload for %s: %w", e.SourceEntityID, err)
		}
		batch.Queue(`
			INSERT INTO vector_points
				(id, collection_id, sync_id, source_entity_id, parent_id, entity_type, textual, payload, embedding, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector, now())
			ON CONFLICT (id) DO UPDATE SET
				textual = EXCLUDED.textual,
				payload = EXCLUDED.payload,
				embedding = EXCLUDED.embedding,
				updated_at = now()`,
			PointID(e), p.collection, e.SyncID, e.SourceEntityID, e.ParentID,
			e.TypeID, e.Textual, payload, encodeVector(r.Dense))
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upserting points: %w", err)
		}
	}
	return nil
}

// BulkDelete implements Destination.
func (p *PGVector) BulkDelete(ctx context.Context, syncID string, sourceEntityIDs []string) error {
	if len(sourceEntityIDs) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		DELETE FROM vector_points
		WHERE collection_id = $1 AND sync_id = $2 AND source_entity_id = ANY($3)`,
		p.collection, syncID, sourceEntityIDs)
	if err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// BulkDeleteByParentIDs implements Destination.
func (p *PGVector) BulkDeleteByParentIDs(ctx context.Context, syncID string, parentIDs []string) error {
	if len(parentIDs) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		DELETE FROM vector_points
		WHERE collection_id = $1 AND sync_id = $2 AND parent_id = ANY($3)`,
		p.collection, syncID, parentIDs)
	if err != nil {
		return fmt.Errorf("deleting points by parent: %w", err)
	}
	return nil
}

// DeleteBySyncID implements Destination.
func (p *PGVector) DeleteBySyncID(ctx context.Context, syncID string) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM vector_points WHERE collection_id = $1 AND sync_id = $2`,
		p.collection, syncID)
	if err != nil {
		return fmt.Errorf("deleting sync points: %w", err)
	}
	return nil
}

// DeleteByCollectionID implements Destination.
func (p *PGVector) DeleteByCollectionID(ctx context.Context, collectionID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM vector_points WHERE collection_id = $1`, collectionID)
	if err != nil {
		return fmt.Errorf("deleting collection points: %w", err)
	}
	return nil
}

// Search implements Destination. Hybrid runs the dense and keyword queries
// separately and fuses them with reciprocal rank fusion.
func (p *PGVector) Search(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	switch params.Strategy {
	case StrategyKeyword:
		return p.keywordSearch(ctx, params)
	case StrategyHybrid:
		dense, err := p.denseSearch(ctx, params, params.Limit+params.Offset)
		if err != nil {
			return nil, err
		}
		keyword, err := p.keywordSearchRaw(ctx, params, params.Limit+params.Offset)
		if err != nil {
			return nil, err
		}
		fused := fuseRRF(dense, keyword)
		return page(fused, params.Limit, params.Offset), nil
	default:
		results, err := p.denseSearch(ctx, params, params.Limit+params.Offset)
		if err != nil {
			return nil, err
		}
		return page(results, params.Limit, params.Offset), nil
	}
}

func (p *PGVector) denseSearch(ctx context.Context, params SearchParams, limit int) ([]SearchResult, error) {
	where, args := p.filterSQL(params.Filter, []interface{}{p.collection, encodeVector(params.Dense)})
	query := fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $2::vector) AS score, payload
		FROM vector_points
		WHERE collection_id = $1 AND embedding IS NOT NULL%s
		ORDER BY embedding <=> $2::vector
		LIMIT %d`, where, limit)
	return p.query(ctx, query, args)
}

func (p *PGVector) keywordSearch(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	results, err := p.keywordSearchRaw(ctx, params, params.Limit+params.Offset)
	if err != nil {
		return nil, err
	}
	return page(results, params.Limit, params.Offset), nil
}

func (p *PGVector) keywordSearchRaw(ctx context.Context, params SearchParams, limit int) ([]SearchResult, error) {
	where, args := p.filterSQL(params.Filter, []interface{}{p.collection, params.Query})
	query := fmt.Sprintf(`
		SELECT id, ts_rank(to_tsvector('english', textual), websearch_to_tsquery('english', $2)) AS score, payload
		FROM vector_points
		WHERE collection_id = $1
		  AND to_tsvector('english', textual) @@ websearch_to_tsquery('english', $2)%s
		ORDER BY score DESC
		LIMIT %d`, where, limit)
	return p.query(ctx, query, args)
}

func (p *PGVector) query(ctx context.Context, sql string, args []interface{}) ([]SearchResult, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying points: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var payload []byte
		if err := rows.Scan(&r.ID, &r.Score, &payload); err != nil {
			return nil, fmt.Errorf("scanning point row: %w", err)
		}
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, fmt.Errorf("decoding point payload: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// filterSQL translates the engine-neutral filter into payload JSONB
// predicates. Should-clauses are approximated as a disjunction.
func (p *PGVector) filterSQL(f *Filter, args []interface{}) (string, []interface{}) {
	if f == nil {
		return "", args
	}
	var clauses []string
	cond := func(c Condition, negate bool) {
		if c.Match != nil && c.Match.Value != nil {
			args = append(args, fmt.Sprintf("%v", c.Match.Value))
			op := "="
			if negate {
				op = "<>"
			}
			clauses = append(clauses, fmt.Sprintf("payload->>%s %s $%d", quoteLiteral(c.Key), op, len(args)))
		}
		if c.Match != nil && len(c.Match.Any) > 0 {
			values := make([]string, 0, len(c.Match.Any))
			for _, v := range c.Match.Any {
				values = append(values, fmt.Sprintf("%v", v))
			}
			args = append(args, values)
			op := "= ANY"
			if negate {
				op = "<> ALL"
			}
			clauses = append(clauses, fmt.Sprintf("payload->>%s %s($%d)", quoteLiteral(c.Key), op, len(args)))
		}
	}
	for _, c := range f.Must {
		cond(c, false)
	}
	for _, c := range f.MustNot {
		cond(c, true)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

func quoteLiteral(key string) string {
	return "'" + strings.ReplaceAll(key, "'", "''") + "'"
}

// encodeVector renders a dense vector in pgvector text syntax.
func encodeVector(v []float32) *string {
	if len(v) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	s := b.String()
	return &s
}

// fuseRRF merges ranked lists with reciprocal rank fusion (k=60).
func fuseRRF(lists ...[]SearchResult) []SearchResult {
	const k = 60
	scores := make(map[string]float64)
	payloads := make(map[string]map[string]interface{})
	for _, list := range lists {
		for rank, r := range list {
			scores[r.ID] += 1.0 / float64(k+rank+1)
			if _, ok := payloads[r.ID]; !ok {
				payloads[r.ID] = r.Payload
			}
		}
	}
	fused := make([]SearchResult, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, SearchResult{ID: id, Score: score, Payload: payloads[id]})
	}
	sortResults(fused)
	return fused
}

func sortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

func page(results []SearchResult, limit, offset int) []SearchResult {
	if offset >= len(results) {
		return nil
	}
	results = results[offset:]
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func init() {
	Default.MustRegister("pgvector", func(ctx context.Context, credentials map[string]interface{}, config Config, collectionID string) (Destination, error) {
		cfg := PGVectorConfig{}
		if dsn, ok := credentials["dsn"].(string); ok {
			cfg.DSN = dsn
		}
		if size, ok := config["vector_size"].(int); ok {
			cfg.VectorSize = size
		}
		return NewPGVector(ctx, cfg, collectionID, nil)
	})
}
