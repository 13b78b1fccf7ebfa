// Package archive implements the raw archive format (ARF): a per-sync tree
// of entity JSON envelopes plus referenced file blobs, with a manifest at
// the root. Archives are written during syncs and replayed later to fill
// new destinations without touching the upstream source again.
package archive

import (
	"fmt"
	"path"
	"time"
)

// Reserved envelope keys. Every stored entity JSON carries the first three;
// __stored_file__ appears only for file-backed entities.
const (
	KeyEntityClass  = "__entity_class__"
	KeyEntityModule = "__entity_module__"
	KeyCapturedAt   = "__captured_at__"
	KeyStoredFile   = "__stored_file__"
)

// Manifest records the identity of an archived sync and the jobs that have
// written into it.
type Manifest struct {
	SyncID          string      `json:"sync_id"`
	SourceShortName string      `json:"source_short_name"`
	CollectionID    string      `json:"collection_id"`
	OrganizationID  string      `json:"organization_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Jobs            []JobRecord `json:"jobs"`
}

// JobRecord is one sync job that wrote into the archive.
type JobRecord struct {
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
}

// HasJob reports whether the job already appears in the manifest.
func (m *Manifest) HasJob(jobID string) bool {
	for _, j := range m.Jobs {
		if j.JobID == jobID {
			return true
		}
	}
	return false
}

// Paths within the storage backend.

func syncRoot(syncID string) string { return path.Join("raw", syncID) }

// ManifestPath locates a sync's manifest.
func ManifestPath(syncID string) string { return path.Join(syncRoot(syncID), "manifest.json") }

// EntityDir locates a sync's entity envelope directory.
func EntityDir(syncID string) string { return path.Join(syncRoot(syncID), "entities") }

// FileDir locates a sync's blob directory.
func FileDir(syncID string) string { return path.Join(syncRoot(syncID), "files") }

// EntityPath locates one entity's envelope by its sanitized id.
func EntityPath(syncID, safeEntityID string) string {
	return path.Join(EntityDir(syncID), safeEntityID+".json")
}

// FilePath locates one entity's blob.
func FilePath(syncID, safeEntityID, safeName, ext string) string {
	return path.Join(FileDir(syncID), fmt.Sprintf("%s_%s%s", safeEntityID, safeName, ext))
}
