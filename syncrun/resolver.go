package syncrun

import (
	"context"
	"fmt"

	"airweave.ai/core/common"
	"airweave.ai/core/db"
	"airweave.ai/core/destination"
	"airweave.ai/core/entity"
)

// Action is the resolver's per-entity decision.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionKeep   Action = "keep"
	ActionDelete Action = "delete"
)

// ActionBatch is one resolved micro-batch on its way to the handlers.
// Inserts, Updates, Keeps and Deletes partition the input entities;
// ChunkRecords carries the embedded chunks derived from Inserts and Updates.
type ActionBatch struct {
	SyncID string

	Inserts []*entity.Entity
	Updates []*entity.Entity
	Keeps   []*entity.Entity
	Deletes []*entity.Entity

	ChunkRecords []*destination.Record

	// Skipped counts entities dropped by per-entity failures during
	// hashing, chunking or embedding.
	Skipped int
}

// Empty reports whether the batch carries no work for any handler.
func (b *ActionBatch) Empty() bool {
	return len(b.Inserts) == 0 && len(b.Updates) == 0 &&
		len(b.Keeps) == 0 && len(b.Deletes) == 0
}

// EntityRowReader is the slice of the metadata store the resolver needs.
type EntityRowReader interface {
	GetEntityRows(ctx context.Context, keys []entity.Key) (map[entity.Key]*db.EntityRow, error)
}

// Resolver decides, per entity, whether the stored state requires an
// insert, update, keep or delete.
type Resolver struct {
	store              EntityRowReader
	skipHashComparison bool
	logger             *common.ContextLogger
}

// NewResolver builds a resolver. A nil store is allowed only together with
// skipHashComparison, where no lookup ever happens.
func NewResolver(store EntityRowReader, skipHashComparison bool, logger *common.ContextLogger) *Resolver {
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{"component": "resolver"})
	}
	return &Resolver{store: store, skipHashComparison: skipHashComparison, logger: logger}
}

// Resolve partitions a batch of stream entities into actions.
//
// Deletion signals always resolve to DELETE. For the rest the content hash
// is computed here and compared against the stored row: no row is INSERT,
// same hash is KEEP, changed hash is UPDATE. With skip_hash_comparison
// every non-deletion is force-inserted without a lookup. Entities whose
// hash cannot be computed are skipped, not fatal.
func (r *Resolver) Resolve(ctx context.Context, batch []*entity.Entity) (*ActionBatch, error) {
	out := &ActionBatch{}
	if len(batch) == 0 {
		return out, nil
	}
	out.SyncID = batch[0].SyncID

	var live []*entity.Entity
	for _, e := range batch {
		if e.IsDeletion() {
			out.Deletes = append(out.Deletes, e)
			continue
		}
		if e.Hash == "" {
			hash, err := entity.ContentHash(e)
			if err != nil {
				r.logger.WithError(err).WithField("source_entity_id", e.SourceEntityID).
					Error("Hashing entity failed, skipping")
				out.Skipped++
				continue
			}
			e.Hash = hash
		}
		live = append(live, e)
	}

	if r.skipHashComparison {
		out.Inserts = live
		return out, nil
	}

	keys := make([]entity.Key, 0, len(live))
	for _, e := range live {
		keys = append(keys, e.IdentityKey())
	}
	stored, err := r.store.GetEntityRows(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("resolving actions: %w", err)
	}

	for _, e := range live {
		row, ok := stored[e.IdentityKey()]
		switch {
		case !ok:
			out.Inserts = append(out.Inserts, e)
		case row.Hash == e.Hash:
			out.Keeps = append(out.Keeps, e)
		default:
			out.Updates = append(out.Updates, e)
		}
	}
	return out, nil
}
