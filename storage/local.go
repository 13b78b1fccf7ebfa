package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local is a filesystem-backed Backend rooted at a directory. Suitable for
// development, single-pod deployments and PVC mounts.
type Local struct {
	root string
}

// NewLocal creates a local backend, creating the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage requires a root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &Local{root: root}, nil
}

// Root returns the backend root directory.
func (l *Local) Root() string { return l.root }

func (l *Local) abs(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

// ReadJSON implements Backend.
func (l *Local) ReadJSON(ctx context.Context, path string) (map[string]interface{}, error) {
	data, err := l.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON at %s: %w", path, err)
	}
	return doc, nil
}

// WriteJSON implements Backend. The document is written atomically via a
// temp file rename so a crashed writer never leaves a torn JSON behind.
func (l *Local) WriteJSON(ctx context.Context, path string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON for %s: %w", path, err)
	}

	target := l.abs(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

// ReadFile implements Backend.
func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(l.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// WriteFile implements Backend.
func (l *Local) WriteFile(ctx context.Context, path string, content io.Reader) error {
	target := l.abs(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, content); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ListFiles implements Backend.
func (l *Local) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	rootDir := l.abs(prefix)

	info, err := os.Stat(rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", prefix, err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var paths []string
	err = filepath.Walk(rootDir, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return paths, nil
}

// DeletePath implements Backend. Directories are removed recursively.
func (l *Local) DeletePath(ctx context.Context, path string) error {
	target := l.abs(path)
	if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(l.root)) {
		return fmt.Errorf("path %s escapes storage root", path)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}
