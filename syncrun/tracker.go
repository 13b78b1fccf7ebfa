package syncrun

import "sync"

// Progress is a point-in-time snapshot of a job's counters.
type Progress struct {
	Inserted     int64            `json:"inserted"`
	Updated      int64            `json:"updated"`
	Deleted      int64            `json:"deleted"`
	Kept         int64            `json:"kept"`
	Skipped      int64            `json:"skipped"`
	EntityCounts map[string]int64 `json:"entity_counts"`
}

// Total is the number of entities accounted for so far.
func (p Progress) Total() int64 {
	return p.Inserted + p.Updated + p.Deleted + p.Kept + p.Skipped
}

// Tracker accumulates per-action and per-entity-type counters across
// workers. All methods are safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	progress Progress
}

func NewTracker() *Tracker {
	return &Tracker{progress: Progress{EntityCounts: make(map[string]int64)}}
}

// RecordBatch bumps counters for one successfully dispatched batch.
func (t *Tracker) RecordBatch(batch *ActionBatch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Inserted += int64(len(batch.Inserts))
	t.progress.Updated += int64(len(batch.Updates))
	t.progress.Deleted += int64(len(batch.Deletes))
	t.progress.Kept += int64(len(batch.Keeps))
	t.progress.Skipped += int64(batch.Skipped)
	for _, e := range batch.Inserts {
		t.progress.EntityCounts[e.TypeID]++
	}
	for _, e := range batch.Updates {
		t.progress.EntityCounts[e.TypeID]++
	}
	for _, e := range batch.Keeps {
		t.progress.EntityCounts[e.TypeID]++
	}
	for _, e := range batch.Deletes {
		t.progress.EntityCounts[e.TypeID]++
	}
}

// RecordSkipped counts entities dropped outside a dispatched batch.
func (t *Tracker) RecordSkipped(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Skipped += int64(n)
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.progress
	snap.EntityCounts = make(map[string]int64, len(t.progress.EntityCounts))
	for k, v := range t.progress.EntityCounts {
		snap.EntityCounts[k] = v
	}
	return snap
}

// Counters returns the action counters keyed by job record column.
func (t *Tracker) Counters() map[string]int64 {
	snap := t.Snapshot()
	return map[string]int64{
		"inserted": snap.Inserted,
		"updated":  snap.Updated,
		"deleted":  snap.Deleted,
		"kept":     snap.Kept,
		"skipped":  snap.Skipped,
	}
}
