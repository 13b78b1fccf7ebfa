package syncrun

import (
	"context"
	"fmt"
	"sync"

	"airweave.ai/core/common"
	"airweave.ai/core/db"
	"airweave.ai/core/entity"

	"github.com/google/uuid"
)

// fakeStore is an in-memory MetadataStore and SlotStore.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[entity.Key]*db.EntityRow
	cursors   map[string]map[string]interface{}
	jobs      map[string]*db.SyncJob
	slots     []db.SyncConnection
	rowWrites int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:    make(map[entity.Key]*db.EntityRow),
		cursors: make(map[string]map[string]interface{}),
		jobs:    make(map[string]*db.SyncJob),
	}
}

func (s *fakeStore) GetEntityRows(ctx context.Context, keys []entity.Key) (map[entity.Key]*db.EntityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[entity.Key]*db.EntityRow)
	for _, k := range keys {
		if row, ok := s.rows[k]; ok {
			copied := *row
			result[k] = &copied
		}
	}
	return result, nil
}

func (s *fakeStore) UpsertEntityRows(ctx context.Context, rows []*db.EntityRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.rowWrites++
		key := entity.Key{SyncID: row.SyncID, SourceEntityID: row.SourceEntityID, TypeID: row.EntityTypeID}
		copied := *row
		s.rows[key] = &copied
	}
	return nil
}

func (s *fakeStore) DeleteEntityRows(ctx context.Context, syncID string, sourceEntityIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.rows {
		if key.SyncID != syncID {
			continue
		}
		for _, id := range sourceEntityIDs {
			if key.SourceEntityID == id {
				delete(s.rows, key)
			}
		}
	}
	return nil
}

func (s *fakeStore) ListEntityRows(ctx context.Context, syncID string) ([]db.EntityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []db.EntityRow
	for key, row := range s.rows {
		if key.SyncID == syncID {
			rows = append(rows, *row)
		}
	}
	return rows, nil
}

func (s *fakeStore) LoadCursor(ctx context.Context, syncID string) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[syncID], nil
}

func (s *fakeStore) SaveCursor(ctx context.Context, syncID string, data map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[syncID] = data
	return nil
}

func (s *fakeStore) CreateJob(ctx context.Context, syncID string) (*db.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &db.SyncJob{ID: uuid.NewString(), SyncID: syncID, Status: db.JobPending}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *fakeStore) StartJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.Status = db.JobRunning
	}
	return nil
}

func (s *fakeStore) FinishJob(ctx context.Context, jobID string, status db.JobStatus, counters map[string]int64, jobErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return common.NewError(common.KindNotFound, "job not found")
	}
	job.Status = status
	job.Inserted = counters["inserted"]
	job.Updated = counters["updated"]
	job.Deleted = counters["deleted"]
	job.Kept = counters["kept"]
	job.Skipped = counters["skipped"]
	if jobErr != nil {
		job.Error = jobErr.Error()
	}
	return nil
}

func (s *fakeStore) ListSlots(ctx context.Context, syncID string) ([]db.SyncConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rank := map[db.SlotRole]int{db.RoleActive: 0, db.RoleShadow: 1, db.RoleDeprecated: 2}
	var out []db.SyncConnection
	for _, slot := range s.slots {
		if slot.SyncID == syncID {
			out = append(out, slot)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if rank[out[j].Role] < rank[out[i].Role] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *fakeStore) CreateSlot(ctx context.Context, syncID, connectionID string, role db.SlotRole) (*db.SyncConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == db.RoleActive {
		for _, slot := range s.slots {
			if slot.SyncID == syncID && slot.Role == db.RoleActive {
				return nil, common.NewError(common.KindConflict, "sync already has an active slot")
			}
		}
	}
	slot := db.SyncConnection{ID: uuid.NewString(), SyncID: syncID, ConnectionID: connectionID, Role: role}
	s.slots = append(s.slots, slot)
	return &slot, nil
}

func (s *fakeStore) SwitchSlot(ctx context.Context, syncID, slotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := -1
	for i, slot := range s.slots {
		if slot.ID == slotID && slot.SyncID == syncID {
			found = i
		}
	}
	if found < 0 {
		return common.NewError(common.KindNotFound, "slot not found")
	}
	if s.slots[found].Role == db.RoleActive {
		return nil
	}
	for i, slot := range s.slots {
		if slot.SyncID == syncID && slot.Role == db.RoleActive {
			s.slots[i].Role = db.RoleDeprecated
		}
	}
	s.slots[found].Role = db.RoleActive
	return nil
}

// fakeSource replays a fixed entity list.
type fakeSource struct {
	entities []*entity.Entity
	called   bool
}

func (s *fakeSource) ShortName() string { return "fake" }

func (s *fakeSource) GenerateEntities(ctx context.Context, out chan<- *entity.Entity) error {
	s.called = true
	for _, e := range s.entities {
		select {
		case out <- e:
		case <-ctx.Done():
			return common.WrapError(common.KindCancelled, "stream cancelled", ctx.Err())
		}
	}
	return nil
}

// failSource fails mid-stream after emitting its entities.
type failSource struct {
	entities []*entity.Entity
	err      error
}

func (s *failSource) ShortName() string { return "failing" }

func (s *failSource) GenerateEntities(ctx context.Context, out chan<- *entity.Entity) error {
	for _, e := range s.entities {
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err
}

// fakeEmbedder returns a deterministic unit-ish vector per text.
type fakeEmbedder struct{}

func (fakeEmbedder) Dimensions() int { return 4 }

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		var sum float32
		for _, r := range text {
			sum += float32(r)
		}
		out[i] = []float32{1, sum / 1000, float32(len(text)) / 100, 0.5}
	}
	return out, nil
}

func (f fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// failingEmbedder always fails with the given error.
type failingEmbedder struct{ err error }

func (failingEmbedder) Dimensions() int { return 4 }

func (f failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, f.err
}

func (f failingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return nil, f.err
}

func noteEntity(id, text string) *entity.Entity {
	return &entity.Entity{
		SourceEntityID: id,
		TypeID:         "note",
		Kind:           entity.KindChunk,
		Name:           fmt.Sprintf("note %s", id),
		Textual:        text,
	}
}

func deletionEntity(id string) *entity.Entity {
	return &entity.Entity{
		SourceEntityID: id,
		TypeID:         "note",
		Kind:           entity.KindDeletion,
		Deletion:       &entity.DeletionAttrs{DeletesKind: entity.KindChunk},
	}
}
