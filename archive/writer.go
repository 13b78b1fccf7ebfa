package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"airweave.ai/core/common"
	"airweave.ai/core/entity"
	"airweave.ai/core/storage"
)

// Writer appends entities to one sync's archive. Writes are idempotent:
// the same entity id always lands on the same path, so re-processing an
// entity overwrites its previous capture.
type Writer struct {
	backend storage.Backend
	syncID  string
	logger  *common.ContextLogger
}

// NewWriter creates a writer for a sync's archive tree.
func NewWriter(backend storage.Backend, syncID string, logger *common.ContextLogger) *Writer {
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{
			"component": "archive",
			"sync_id":   syncID,
		})
	}
	return &Writer{backend: backend, syncID: syncID, logger: logger}
}

// EnsureManifest creates the manifest on first use and appends the job to
// its running job list exactly once.
func (w *Writer) EnsureManifest(ctx context.Context, sourceShortName, collectionID, organizationID, jobID string) error {
	manifest := &Manifest{}
	doc, err := w.backend.ReadJSON(ctx, ManifestPath(w.syncID))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		manifest = &Manifest{
			SyncID:          w.syncID,
			SourceShortName: sourceShortName,
			CollectionID:    collectionID,
			OrganizationID:  organizationID,
			CreatedAt:       time.Now().UTC(),
		}
	case err != nil:
		return fmt.Errorf("reading archive manifest: %w", err)
	default:
		if err := decodeDoc(doc, manifest); err != nil {
			return fmt.Errorf("decoding archive manifest: %w", err)
		}
	}

	if manifest.HasJob(jobID) {
		return nil
	}
	manifest.Jobs = append(manifest.Jobs, JobRecord{JobID: jobID, StartedAt: time.Now().UTC()})
	if err := w.backend.WriteJSON(ctx, ManifestPath(w.syncID), manifest); err != nil {
		return fmt.Errorf("writing archive manifest: %w", err)
	}
	return nil
}

// WriteEntity captures one entity as a JSON envelope, storing its blob
// alongside when the entity is file-backed and downloaded.
func (w *Writer) WriteEntity(ctx context.Context, e *entity.Entity) error {
	envelope, err := buildEnvelope(e)
	if err != nil {
		return err
	}

	if e.IsFileBacked() && e.File != nil && e.File.LocalPath != "" {
		storedPath, err := w.storeBlob(ctx, e)
		if err != nil {
			return err
		}
		envelope[KeyStoredFile] = storedPath
	}

	safeID := entity.SafeName(e.SourceEntityID)
	if err := w.backend.WriteJSON(ctx, EntityPath(w.syncID, safeID), envelope); err != nil {
		return fmt.Errorf("archiving entity %s: %w", e.SourceEntityID, err)
	}
	return nil
}

// DeleteEntity removes an entity's envelope and blobs, keeping the archive
// consistent with DELETE actions and orphan sweeps.
func (w *Writer) DeleteEntity(ctx context.Context, sourceEntityID string) error {
	safeID := entity.SafeName(sourceEntityID)
	if err := w.backend.DeletePath(ctx, EntityPath(w.syncID, safeID)); err != nil {
		return fmt.Errorf("removing archived entity %s: %w", sourceEntityID, err)
	}

	// Blobs share the safe id prefix.
	files, err := w.backend.ListFiles(ctx, FileDir(w.syncID))
	if err != nil {
		return fmt.Errorf("listing archived blobs: %w", err)
	}
	for _, f := range files {
		if strings.HasPrefix(filepath.Base(f), safeID+"_") {
			if err := w.backend.DeletePath(ctx, f); err != nil {
				return fmt.Errorf("removing archived blob %s: %w", f, err)
			}
		}
	}
	return nil
}

// DeleteSync removes a sync's entire archive tree. Called when the parent
// sync is deleted.
func DeleteSync(ctx context.Context, backend storage.Backend, syncID string) error {
	if err := backend.DeletePath(ctx, syncRoot(syncID)); err != nil {
		return fmt.Errorf("removing archive for sync %s: %w", syncID, err)
	}
	return nil
}

func (w *Writer) storeBlob(ctx context.Context, e *entity.Entity) (string, error) {
	f, err := os.Open(e.File.LocalPath)
	if err != nil {
		return "", fmt.Errorf("opening blob for %s: %w", e.SourceEntityID, err)
	}
	defer f.Close()

	safeID := entity.SafeName(e.SourceEntityID)
	ext := filepath.Ext(e.Name)
	safeName := entity.SafeName(strings.TrimSuffix(e.Name, ext))
	stored := FilePath(w.syncID, safeID, safeName, ext)

	if err := w.backend.WriteFile(ctx, stored, f); err != nil {
		return "", fmt.Errorf("archiving blob for %s: %w", e.SourceEntityID, err)
	}
	return stored, nil
}

// buildEnvelope renders the entity as a JSON object and stamps the reserved
// metadata keys.
func buildEnvelope(e *entity.Entity) (map[string]interface{}, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding entity %s: %w", e.SourceEntityID, err)
	}
	envelope := make(map[string]interface{})
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("shaping entity %s envelope: %w", e.SourceEntityID, err)
	}

	module := "core"
	if desc, ok := entity.DescriptorFor(e.TypeID); ok {
		module = desc.Module
	}
	envelope[KeyEntityClass] = e.TypeID
	envelope[KeyEntityModule] = module
	envelope[KeyCapturedAt] = time.Now().UTC().Format(time.RFC3339)
	return envelope, nil
}

// decodeDoc maps a generic JSON document onto a typed struct.
func decodeDoc(doc map[string]interface{}, target interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
