package syncrun

import (
	"context"
	"fmt"

	"airweave.ai/core/archive"
	"airweave.ai/core/common"
	"airweave.ai/core/db"
	"airweave.ai/core/destination"
	"airweave.ai/core/entity"
)

// Handler applies one concern of a resolved batch: destinations, archive,
// or metadata. Non-metadata handlers run concurrently per batch; the
// dispatcher runs the metadata handler only after all of them succeed.
type Handler interface {
	Name() string
	Handle(ctx context.Context, batch *ActionBatch) error
}

// VectorDBHandler writes a batch to every selected destination, grouped by
// processing requirement: chunks-and-embeddings destinations get the
// embedded chunk records, raw-entity destinations get the parent entities
// untouched.
type VectorDBHandler struct {
	destinations []destination.Destination
	logger       *common.ContextLogger
}

// NewVectorDBHandler builds the destination handler over the selected
// active and shadow destinations.
func NewVectorDBHandler(destinations []destination.Destination, logger *common.ContextLogger) *VectorDBHandler {
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{"component": "vectordb_handler"})
	}
	return &VectorDBHandler{destinations: destinations, logger: logger}
}

func (h *VectorDBHandler) Name() string { return "vectordb" }

// Handle applies deletes first, then replaces the chunks of updated
// parents, then inserts. Any destination error cancels the batch.
func (h *VectorDBHandler) Handle(ctx context.Context, batch *ActionBatch) error {
	deleteIDs := sourceIDs(batch.Deletes)
	updateIDs := sourceIDs(batch.Updates)

	for _, dest := range h.destinations {
		if len(deleteIDs) > 0 {
			if err := dest.BulkDelete(ctx, batch.SyncID, deleteIDs); err != nil {
				return fmt.Errorf("%s delete: %w", dest.ShortName(), err)
			}
		}

		switch dest.ProcessingRequirement() {
		case destination.ChunksAndEmbeddings:
			if len(updateIDs) > 0 {
				if err := dest.BulkDeleteByParentIDs(ctx, batch.SyncID, updateIDs); err != nil {
					return fmt.Errorf("%s delete chunks: %w", dest.ShortName(), err)
				}
			}
			if len(batch.ChunkRecords) > 0 {
				if err := dest.BulkInsert(ctx, batch.ChunkRecords); err != nil {
					return fmt.Errorf("%s insert: %w", dest.ShortName(), err)
				}
			}
		case destination.RawEntities:
			if len(updateIDs) > 0 {
				if err := dest.BulkDelete(ctx, batch.SyncID, updateIDs); err != nil {
					return fmt.Errorf("%s delete updated: %w", dest.ShortName(), err)
				}
			}
			records := rawRecords(batch.Inserts, batch.Updates)
			if len(records) > 0 {
				if err := dest.BulkInsert(ctx, records); err != nil {
					return fmt.Errorf("%s insert: %w", dest.ShortName(), err)
				}
			}
		}
	}
	return nil
}

// ArchiveHandler captures parent entities and their blobs into the
// per-sync archive. Writes are idempotent overwrites.
type ArchiveHandler struct {
	writer *archive.Writer
}

func NewArchiveHandler(writer *archive.Writer) *ArchiveHandler {
	return &ArchiveHandler{writer: writer}
}

func (h *ArchiveHandler) Name() string { return "archive" }

func (h *ArchiveHandler) Handle(ctx context.Context, batch *ActionBatch) error {
	for _, e := range batch.Inserts {
		if err := h.writer.WriteEntity(ctx, e); err != nil {
			return err
		}
	}
	for _, e := range batch.Updates {
		if err := h.writer.WriteEntity(ctx, e); err != nil {
			return err
		}
	}
	for _, e := range batch.Deletes {
		if err := h.writer.DeleteEntity(ctx, e.SourceEntityID); err != nil {
			return err
		}
	}
	return nil
}

// EntityRowWriter is the slice of the metadata store the metadata handler
// needs.
type EntityRowWriter interface {
	UpsertEntityRows(ctx context.Context, rows []*db.EntityRow) error
	DeleteEntityRows(ctx context.Context, syncID string, sourceEntityIDs []string) error
}

// MetadataHandler reflects the batch's decisions in the tracked entity
// rows. It always runs last so a row is never committed ahead of the
// destination-side write.
type MetadataHandler struct {
	store          EntityRowWriter
	organizationID string
}

func NewMetadataHandler(store EntityRowWriter, organizationID string) *MetadataHandler {
	return &MetadataHandler{store: store, organizationID: organizationID}
}

func (h *MetadataHandler) Name() string { return "metadata" }

func (h *MetadataHandler) Handle(ctx context.Context, batch *ActionBatch) error {
	rows := make([]*db.EntityRow, 0, len(batch.Inserts)+len(batch.Updates))
	for _, e := range append(append([]*entity.Entity{}, batch.Inserts...), batch.Updates...) {
		rows = append(rows, &db.EntityRow{
			SyncID:         e.SyncID,
			SourceEntityID: e.SourceEntityID,
			EntityTypeID:   e.TypeID,
			Hash:           e.Hash,
			OrganizationID: h.organizationID,
		})
	}
	if err := h.store.UpsertEntityRows(ctx, rows); err != nil {
		return err
	}
	if ids := sourceIDs(batch.Deletes); len(ids) > 0 {
		return h.store.DeleteEntityRows(ctx, batch.SyncID, ids)
	}
	return nil
}

func sourceIDs(entities []*entity.Entity) []string {
	if len(entities) == 0 {
		return nil
	}
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.SourceEntityID)
	}
	return ids
}

func rawRecords(lists ...[]*entity.Entity) []*destination.Record {
	var records []*destination.Record
	for _, list := range lists {
		for _, e := range list {
			records = append(records, &destination.Record{Entity: e})
		}
	}
	return records
}
