package syncrun

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airweave.ai/core/archive"
	"airweave.ai/core/common"
	"airweave.ai/core/db"
	"airweave.ai/core/destination"
	"airweave.ai/core/entity"
	"airweave.ai/core/storage"
)

func newRun(t *testing.T, store *fakeStore, src *fakeSource, dests ...destination.Destination) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(Options{
		Config:          Normal(),
		SyncID:          "11111111-1111-1111-1111-111111111111",
		OrganizationID:  "org-1",
		CollectionID:    "col-1",
		SourceShortName: src.ShortName(),
		Source:          src,
		Destinations:    dests,
		Store:           store,
		Embedder:        fakeEmbedder{},
	})
	require.NoError(t, err)
	return orch
}

func TestOrchestratorInsertOnly(t *testing.T) {
	store := newFakeStore()
	mem := destination.NewMemory("col-1")
	src := &fakeSource{entities: []*entity.Entity{
		noteEntity("a", "alpha"), noteEntity("b", "beta"), noteEntity("c", "gamma"),
	}}

	orch := newRun(t, store, src, mem)
	require.NoError(t, orch.Run(context.Background()))

	snap := orch.Progress()
	assert.Equal(t, int64(3), snap.Inserted)
	assert.Zero(t, snap.Updated)
	assert.Zero(t, snap.Kept)
	assert.Zero(t, snap.Deleted)
	assert.Equal(t, int64(3), snap.EntityCounts["note"])

	assert.Equal(t, 3, mem.Len())
	assert.Len(t, store.rows, 3)
	for _, row := range store.rows {
		assert.NotEmpty(t, row.Hash)
	}

	for _, job := range store.jobs {
		assert.Equal(t, db.JobCompleted, job.Status)
		assert.Equal(t, int64(3), job.Inserted)
	}
}

func TestOrchestratorUnchangedRunKeeps(t *testing.T) {
	store := newFakeStore()
	mem := destination.NewMemory("col-1")
	emit := func() []*entity.Entity {
		return []*entity.Entity{
			noteEntity("a", "alpha"), noteEntity("b", "beta"), noteEntity("c", "gamma"),
		}
	}

	require.NoError(t, newRun(t, store, &fakeSource{entities: emit()}, mem).Run(context.Background()))
	hashesBefore := map[entity.Key]string{}
	for key, row := range store.rows {
		hashesBefore[key] = row.Hash
	}

	second := newRun(t, store, &fakeSource{entities: emit()}, mem)
	require.NoError(t, second.Run(context.Background()))

	snap := second.Progress()
	assert.Zero(t, snap.Inserted)
	assert.Zero(t, snap.Updated)
	assert.Equal(t, int64(3), snap.Kept)

	assert.Equal(t, 3, mem.Len())
	require.Len(t, store.rows, 3)
	for key, row := range store.rows {
		assert.Equal(t, hashesBefore[key], row.Hash)
	}
}

func TestOrchestratorUpdateAndDelete(t *testing.T) {
	store := newFakeStore()
	mem := destination.NewMemory("col-1")

	first := &fakeSource{entities: []*entity.Entity{
		noteEntity("a", "alpha"), noteEntity("b", "beta"), noteEntity("c", "gamma"),
	}}
	require.NoError(t, newRun(t, store, first, mem).Run(context.Background()))

	second := &fakeSource{entities: []*entity.Entity{
		noteEntity("a", "alpha"),
		noteEntity("b", "beta but rewritten"),
		deletionEntity("c"),
	}}
	orch := newRun(t, store, second, mem)
	require.NoError(t, orch.Run(context.Background()))

	snap := orch.Progress()
	assert.Equal(t, int64(1), snap.Kept)
	assert.Equal(t, int64(1), snap.Updated)
	assert.Equal(t, int64(1), snap.Deleted)
	assert.Zero(t, snap.Inserted)

	assert.Equal(t, 2, mem.Len())
	for _, payload := range mem.Payloads() {
		assert.NotEqual(t, "c", payload["source_entity_id"])
	}
	assert.Len(t, store.rows, 2)
}

func TestOrchestratorForceFullSweep(t *testing.T) {
	seed := func() (*fakeStore, *destination.Memory) {
		store := newFakeStore()
		mem := destination.NewMemory("col-1")
		src := &fakeSource{entities: []*entity.Entity{
			noteEntity("a", "alpha"), noteEntity("b", "beta"), noteEntity("c", "gamma"),
		}}
		require.NoError(t, newRun(t, store, src, mem).Run(context.Background()))
		return store, mem
	}

	t.Run("orphans removed under force full", func(t *testing.T) {
		store, mem := seed()
		src := &fakeSource{entities: []*entity.Entity{
			noteEntity("a", "alpha"), noteEntity("b", "beta"),
		}}
		orch, err := NewOrchestrator(Options{
			Config:       SyncConfig{Behavior: BehaviorConfig{ForceFullSync: true}},
			SyncID:       "11111111-1111-1111-1111-111111111111",
			CollectionID: "col-1",
			Source:       src,
			Destinations: []destination.Destination{mem},
			Store:        store,
			Embedder:     fakeEmbedder{},
		})
		require.NoError(t, err)
		require.NoError(t, orch.Run(context.Background()))

		snap := orch.Progress()
		assert.Equal(t, int64(2), snap.Kept)
		assert.Equal(t, int64(1), snap.Deleted)
		assert.Equal(t, 2, mem.Len())
		assert.Len(t, store.rows, 2)
	})

	t.Run("orphans survive without force full", func(t *testing.T) {
		store, mem := seed()
		src := &fakeSource{entities: []*entity.Entity{
			noteEntity("a", "alpha"), noteEntity("b", "beta"),
		}}
		require.NoError(t, newRun(t, store, src, mem).Run(context.Background()))
		assert.Equal(t, 3, mem.Len())
		assert.Len(t, store.rows, 3)
	})
}

func TestOrchestratorReplayFromArchive(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	syncID := "11111111-1111-1111-1111-111111111111"

	// Capture run: archive only.
	captureStore := newFakeStore()
	src := &fakeSource{entities: []*entity.Entity{
		noteEntity("a", "alpha"), noteEntity("b", "beta"), noteEntity("c", "gamma"),
	}}
	capture, err := NewOrchestrator(Options{
		Config:          ArchiveOnly(),
		SyncID:          syncID,
		OrganizationID:  "org-1",
		CollectionID:    "col-1",
		SourceShortName: src.ShortName(),
		Source:          src,
		Store:           captureStore,
		Archive:         archive.NewWriter(backend, syncID, nil),
	})
	require.NoError(t, err)
	require.NoError(t, capture.Run(ctx))

	// Replay into a fresh destination; the real source stays silent and
	// tracked rows stay untouched.
	realSource := &fakeSource{}
	replayStore := newFakeStore()
	fresh := destination.NewMemory("col-1")

	replay, err := NewOrchestrator(Options{
		Config:          ReplayFromArchive(),
		SyncID:          syncID,
		OrganizationID:  "org-1",
		CollectionID:    "col-1",
		SourceShortName: "arf_replay",
		Source:          archive.NewReplaySource(backend, syncID, t.TempDir(), nil),
		Destinations:    []destination.Destination{fresh},
		Store:           replayStore,
		Embedder:        fakeEmbedder{},
	})
	require.NoError(t, err)
	require.NoError(t, replay.Run(ctx))

	snap := replay.Progress()
	assert.Equal(t, int64(3), snap.Inserted)
	assert.Equal(t, 3, fresh.Len())
	assert.False(t, realSource.called)
	assert.Empty(t, replayStore.rows)
	assert.Zero(t, replayStore.rowWrites)
}

func TestOrchestratorFailureModel(t *testing.T) {
	t.Run("source failure fails the job and skips cursor and sweep", func(t *testing.T) {
		store := newFakeStore()
		mem := destination.NewMemory("col-1")
		src := &failSource{
			entities: []*entity.Entity{noteEntity("a", "alpha")},
			err:      errors.New("api exploded"),
		}
		orch, err := NewOrchestrator(Options{
			Config:       Normal(),
			SyncID:       "s1",
			CollectionID: "col-1",
			Source:       src,
			Destinations: []destination.Destination{mem},
			Store:        store,
			Embedder:     fakeEmbedder{},
		})
		require.NoError(t, err)

		err = orch.Run(context.Background())
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindSyncFailure))

		for _, job := range store.jobs {
			assert.Equal(t, db.JobFailed, job.Status)
			assert.NotEmpty(t, job.Error)
		}
		assert.Empty(t, store.cursors)
	})

	t.Run("destination failure blocks metadata commit", func(t *testing.T) {
		store := newFakeStore()
		mem := destination.NewMemory("col-1")
		mem.FailWrites = errors.New("backend down")
		src := &fakeSource{entities: []*entity.Entity{noteEntity("a", "alpha")}}

		orch := newRun(t, store, src, mem)
		err := orch.Run(context.Background())
		require.Error(t, err)
		assert.Empty(t, store.rows)
	})

	t.Run("permanent provider error fails the sync", func(t *testing.T) {
		store := newFakeStore()
		mem := destination.NewMemory("col-1")
		src := &fakeSource{entities: []*entity.Entity{noteEntity("a", "alpha")}}

		orch, err := NewOrchestrator(Options{
			Config:       Normal(),
			SyncID:       "s1",
			CollectionID: "col-1",
			Source:       src,
			Destinations: []destination.Destination{mem},
			Store:        store,
			Embedder: failingEmbedder{
				err: common.NewError(common.KindProviderPermanent, "quota exhausted"),
			},
		})
		require.NoError(t, err)

		err = orch.Run(context.Background())
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindSyncFailure))
	})

	t.Run("transient embed error skips the entity", func(t *testing.T) {
		store := newFakeStore()
		mem := destination.NewMemory("col-1")
		src := &fakeSource{entities: []*entity.Entity{noteEntity("a", "alpha")}}

		orch, err := NewOrchestrator(Options{
			Config:       Normal(),
			SyncID:       "s1",
			CollectionID: "col-1",
			Source:       src,
			Destinations: []destination.Destination{mem},
			Store:        store,
			Embedder: failingEmbedder{
				err: common.NewError(common.KindProviderTransient, "upstream 503"),
			},
		})
		require.NoError(t, err)

		require.NoError(t, orch.Run(context.Background()))
		snap := orch.Progress()
		assert.Equal(t, int64(1), snap.Skipped)
		assert.Zero(t, snap.Inserted)
		assert.Zero(t, mem.Len())
		assert.Empty(t, store.rows)
	})

	t.Run("cancellation marks the job cancelled", func(t *testing.T) {
		store := newFakeStore()
		mem := destination.NewMemory("col-1")
		src := &fakeSource{entities: []*entity.Entity{noteEntity("a", "alpha")}}

		orch := newRun(t, store, src, mem)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := orch.Run(ctx)
		require.Error(t, err)
		for _, job := range store.jobs {
			assert.Equal(t, db.JobCancelled, job.Status)
		}
	})
}

func TestOrchestratorFileEntityWithoutBlob(t *testing.T) {
	store := newFakeStore()
	mem := destination.NewMemory("col-1")

	broken := noteEntity("f1", "doc body")
	broken.Kind = entity.KindFile
	broken.File = &entity.FileAttrs{URL: "https://example.com/doc.pdf"}
	src := &fakeSource{entities: []*entity.Entity{broken}}

	orch := newRun(t, store, src, mem)
	err := orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindSyncFailure))
}

func TestOrchestratorValidation(t *testing.T) {
	t.Run("overlapping target and exclude", func(t *testing.T) {
		_, err := NewOrchestrator(Options{
			Config: SyncConfig{
				TargetDestinations:  []string{"qdrant"},
				ExcludeDestinations: []string{"qdrant"},
			},
			SyncID: "s1",
			Source: &fakeSource{},
			Store:  newFakeStore(),
		})
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindValidation))
	})

	t.Run("chunk destination without embedder", func(t *testing.T) {
		_, err := NewOrchestrator(Options{
			Config:       Normal(),
			SyncID:       "s1",
			Source:       &fakeSource{},
			Destinations: []destination.Destination{destination.NewMemory("col-1")},
			Store:        newFakeStore(),
		})
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindValidation))
	})
}
