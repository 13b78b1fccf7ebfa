package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// TempDir manages downloaded-file scratch space. Every sync job gets its
// own subdirectory so end-of-job cleanup is a single tree removal.
type TempDir struct {
	root string
}

// NewTempDir creates the temp root if needed.
func NewTempDir(root string) (*TempDir, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "airweave")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp root %s: %w", root, err)
	}
	return &TempDir{root: root}, nil
}

// JobDir returns (and creates) the scratch directory for a sync job.
func (t *TempDir) JobDir(syncJobID string) (string, error) {
	dir := filepath.Join(t.root, syncJobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job temp dir %s: %w", dir, err)
	}
	return dir, nil
}

// CleanupJob removes a job's entire scratch tree.
func (t *TempDir) CleanupJob(syncJobID string) error {
	if syncJobID == "" {
		return fmt.Errorf("refusing to clean empty job id")
	}
	return os.RemoveAll(filepath.Join(t.root, syncJobID))
}
