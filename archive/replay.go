package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"airweave.ai/core/common"
	"airweave.ai/core/entity"
	"airweave.ai/core/storage"
)

// Reader enumerates one sync's archive.
type Reader struct {
	backend storage.Backend
	syncID  string
}

// NewReader creates a reader over a sync's archive tree.
func NewReader(backend storage.Backend, syncID string) *Reader {
	return &Reader{backend: backend, syncID: syncID}
}

// Manifest loads the archive manifest.
func (r *Reader) Manifest(ctx context.Context) (*Manifest, error) {
	doc, err := r.backend.ReadJSON(ctx, ManifestPath(r.syncID))
	if err != nil {
		return nil, fmt.Errorf("reading archive manifest: %w", err)
	}
	manifest := &Manifest{}
	if err := decodeDoc(doc, manifest); err != nil {
		return nil, fmt.Errorf("decoding archive manifest: %w", err)
	}
	return manifest, nil
}

// EntityPaths lists all stored envelope paths, sorted for deterministic
// replay order.
func (r *Reader) EntityPaths(ctx context.Context) ([]string, error) {
	paths, err := r.backend.ListFiles(ctx, EntityDir(r.syncID))
	if err != nil {
		return nil, fmt.Errorf("listing archived entities: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadEnvelope loads one stored entity envelope.
func (r *Reader) ReadEnvelope(ctx context.Context, path string) (map[string]interface{}, error) {
	doc, err := r.backend.ReadJSON(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading archived entity %s: %w", path, err)
	}
	return doc, nil
}

// ReplaySource is a pseudo-source that streams a sync's archived entities
// through the standard pipeline, bypassing the upstream API entirely.
// Referenced blobs are restored into TempDir so file-backed entities arrive
// with a usable LocalPath.
type ReplaySource struct {
	reader  *Reader
	backend storage.Backend
	syncID  string
	tempDir string
	logger  *common.ContextLogger
}

// NewReplaySource creates a replay source over an archived sync.
func NewReplaySource(backend storage.Backend, syncID, tempDir string, logger *common.ContextLogger) *ReplaySource {
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{
			"component": "arf_replay",
			"sync_id":   syncID,
		})
	}
	return &ReplaySource{
		reader:  NewReader(backend, syncID),
		backend: backend,
		syncID:  syncID,
		tempDir: tempDir,
		logger:  logger,
	}
}

// ShortName implements the source contract.
func (s *ReplaySource) ShortName() string { return "arf_replay" }

// GenerateEntities implements the source contract. Envelopes that cannot be
// reconstructed fail the replay; the archive is expected to be internally
// consistent.
func (s *ReplaySource) GenerateEntities(ctx context.Context, out chan<- *entity.Entity) error {
	paths, err := s.reader.EntityPaths(ctx)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return common.NewError(common.KindNotFound,
			fmt.Sprintf("no archived entities for sync %s", s.syncID))
	}

	s.logger.WithField("entities", len(paths)).Info("Replaying archived sync")

	for _, path := range paths {
		envelope, err := s.reader.ReadEnvelope(ctx, path)
		if err != nil {
			return err
		}
		e, err := s.reconstruct(ctx, envelope)
		if err != nil {
			return fmt.Errorf("reconstructing %s: %w", path, err)
		}

		select {
		case out <- e:
		case <-ctx.Done():
			return common.WrapError(common.KindCancelled, "replay cancelled", ctx.Err())
		}
	}
	return nil
}

func (s *ReplaySource) reconstruct(ctx context.Context, envelope map[string]interface{}) (*entity.Entity, error) {
	class, _ := envelope[KeyEntityClass].(string)
	if class == "" {
		return nil, fmt.Errorf("envelope is missing %s", KeyEntityClass)
	}
	storedFile, _ := envelope[KeyStoredFile].(string)

	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	e := &entity.Entity{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(e); err != nil {
		return nil, err
	}
	if e.TypeID == "" {
		e.TypeID = class
	}

	if storedFile != "" {
		if e.File == nil {
			return nil, fmt.Errorf("envelope references a blob but has no file attributes")
		}
		localPath, err := s.restoreBlob(ctx, storedFile)
		if err != nil {
			return nil, err
		}
		e.File.LocalPath = localPath
	} else if e.IsFileBacked() && e.File != nil {
		// The blob was never captured; downstream must not trust the
		// original local path from the archiving pod.
		e.File.LocalPath = ""
	}
	return e, nil
}

func (s *ReplaySource) restoreBlob(ctx context.Context, storedFile string) (string, error) {
	content, err := s.backend.ReadFile(ctx, storedFile)
	if err != nil {
		return "", fmt.Errorf("reading archived blob %s: %w", storedFile, err)
	}

	target := filepath.Join(s.tempDir, filepath.Base(storedFile))
	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return "", fmt.Errorf("creating replay temp dir: %w", err)
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return "", fmt.Errorf("restoring blob to %s: %w", target, err)
	}
	return target, nil
}
