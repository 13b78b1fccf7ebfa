package syncrun

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airweave.ai/core/common"
	"airweave.ai/core/db"
	"airweave.ai/core/destination"
	"airweave.ai/core/entity"
)

func chunkOf(parent *entity.Entity, index int, text string) *destination.Record {
	idx := index
	return &destination.Record{
		Entity: &entity.Entity{
			SourceEntityID: parent.SourceEntityID,
			TypeID:         parent.TypeID,
			Kind:           entity.KindChunk,
			Textual:        text,
			ParentID:       parent.SourceEntityID,
			ChunkIndex:     &idx,
			SyncID:         parent.SyncID,
			CollectionID:   parent.CollectionID,
		},
		Dense: []float32{1, 0, 0, 0},
	}
}

func TestVectorDBHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("chunk destinations get chunk records", func(t *testing.T) {
		mem := destination.NewMemory("col")
		handler := NewVectorDBHandler([]destination.Destination{mem}, nil)

		parent := noteEntity("a", "body")
		parent.SyncID = "s1"
		batch := &ActionBatch{
			SyncID:       "s1",
			Inserts:      []*entity.Entity{parent},
			ChunkRecords: []*destination.Record{chunkOf(parent, 0, "body")},
		}
		require.NoError(t, handler.Handle(ctx, batch))
		assert.Equal(t, 1, mem.Len())
	})

	t.Run("update replaces chunks of the parent", func(t *testing.T) {
		mem := destination.NewMemory("col")
		handler := NewVectorDBHandler([]destination.Destination{mem}, nil)

		parent := noteEntity("a", "old")
		parent.SyncID = "s1"
		first := &ActionBatch{
			SyncID:  "s1",
			Inserts: []*entity.Entity{parent},
			ChunkRecords: []*destination.Record{
				chunkOf(parent, 0, "old part one"),
				chunkOf(parent, 1, "old part two"),
			},
		}
		require.NoError(t, handler.Handle(ctx, first))
		require.Equal(t, 2, mem.Len())

		second := &ActionBatch{
			SyncID:       "s1",
			Updates:      []*entity.Entity{parent},
			ChunkRecords: []*destination.Record{chunkOf(parent, 0, "new")},
		}
		require.NoError(t, handler.Handle(ctx, second))
		assert.Equal(t, 1, mem.Len())
	})

	t.Run("raw destinations get parents untouched", func(t *testing.T) {
		raw := destination.NewRawMemory("col")
		handler := NewVectorDBHandler([]destination.Destination{raw}, nil)

		parent := noteEntity("a", "body")
		parent.SyncID = "s1"
		batch := &ActionBatch{
			SyncID:       "s1",
			Inserts:      []*entity.Entity{parent},
			ChunkRecords: []*destination.Record{chunkOf(parent, 0, "body")},
		}
		require.NoError(t, handler.Handle(ctx, batch))
		assert.Equal(t, 1, raw.Len())
	})

	t.Run("deletes reach every destination", func(t *testing.T) {
		mem := destination.NewMemory("col")
		raw := destination.NewRawMemory("col")
		handler := NewVectorDBHandler([]destination.Destination{mem, raw}, nil)

		parent := noteEntity("a", "body")
		parent.SyncID = "s1"
		require.NoError(t, handler.Handle(ctx, &ActionBatch{
			SyncID:       "s1",
			Inserts:      []*entity.Entity{parent},
			ChunkRecords: []*destination.Record{chunkOf(parent, 0, "body")},
		}))

		del := deletionEntity("a")
		del.SyncID = "s1"
		require.NoError(t, handler.Handle(ctx, &ActionBatch{
			SyncID:  "s1",
			Deletes: []*entity.Entity{del},
		}))
		assert.Zero(t, mem.Len())
		assert.Zero(t, raw.Len())
	})
}

func TestMetadataHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("reflects inserts updates and deletes", func(t *testing.T) {
		store := newFakeStore()
		handler := NewMetadataHandler(store, "org-1")

		ins := noteEntity("a", "body")
		ins.SyncID = "s1"
		ins.Hash = "h-a"
		upd := noteEntity("b", "body")
		upd.SyncID = "s1"
		upd.Hash = "h-b"
		del := deletionEntity("c")
		del.SyncID = "s1"

		store.rows[entity.Key{SyncID: "s1", SourceEntityID: "c", TypeID: "note"}] = &db.EntityRow{
			SyncID: "s1", SourceEntityID: "c", EntityTypeID: "note", Hash: "h-c",
		}

		require.NoError(t, handler.Handle(ctx, &ActionBatch{
			SyncID:  "s1",
			Inserts: []*entity.Entity{ins},
			Updates: []*entity.Entity{upd},
			Deletes: []*entity.Entity{del},
		}))

		assert.Len(t, store.rows, 2)
		row := store.rows[entity.Key{SyncID: "s1", SourceEntityID: "a", TypeID: "note"}]
		require.NotNil(t, row)
		assert.Equal(t, "h-a", row.Hash)
		assert.Equal(t, "org-1", row.OrganizationID)
	})
}

func TestDispatcher(t *testing.T) {
	ctx := context.Background()

	parent := noteEntity("a", "body")
	parent.SyncID = "s1"
	parent.Hash = "h-a"
	batch := &ActionBatch{
		SyncID:       "s1",
		Inserts:      []*entity.Entity{parent},
		ChunkRecords: []*destination.Record{chunkOf(parent, 0, "body")},
	}

	t.Run("metadata runs after destinations succeed", func(t *testing.T) {
		mem := destination.NewMemory("col")
		store := newFakeStore()
		d := NewDispatcher(
			[]Handler{NewVectorDBHandler([]destination.Destination{mem}, nil)},
			NewMetadataHandler(store, "org-1"), nil)

		require.NoError(t, d.Dispatch(ctx, batch))
		assert.Equal(t, 1, mem.Len())
		assert.Len(t, store.rows, 1)
	})

	t.Run("destination failure blocks metadata", func(t *testing.T) {
		mem := destination.NewMemory("col")
		mem.FailWrites = errors.New("backend down")
		store := newFakeStore()
		d := NewDispatcher(
			[]Handler{NewVectorDBHandler([]destination.Destination{mem}, nil)},
			NewMetadataHandler(store, "org-1"), nil)

		err := d.Dispatch(ctx, batch)
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindSyncFailure))
		assert.Empty(t, store.rows)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		store := newFakeStore()
		d := NewDispatcher(nil, NewMetadataHandler(store, "org-1"), nil)
		require.NoError(t, d.Dispatch(ctx, &ActionBatch{SyncID: "s1"}))
		assert.Zero(t, store.rowWrites)
	})
}
