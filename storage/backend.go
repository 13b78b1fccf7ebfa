// Package storage provides the archive storage abstraction: a minimal
// backend interface with a local filesystem implementation for development
// and single-pod deployments, and an S3 implementation for object stores
// (including MinIO-style endpoints).
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a path does not exist in the backend.
var ErrNotFound = errors.New("storage: path not found")

// Backend is the minimal interface the archive and cursor layers need.
// Paths are forward-slash separated and relative to the backend root.
type Backend interface {
	// ReadJSON reads and decodes a JSON document. Returns ErrNotFound if
	// the path does not exist.
	ReadJSON(ctx context.Context, path string) (map[string]interface{}, error)

	// WriteJSON encodes and writes a JSON document, overwriting any
	// existing content.
	WriteJSON(ctx context.Context, path string, value interface{}) error

	// ReadFile returns the raw contents at path. Returns ErrNotFound if
	// the path does not exist.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile streams content to path, overwriting any existing content.
	WriteFile(ctx context.Context, path string, content io.Reader) error

	// ListFiles returns every path under the given prefix.
	ListFiles(ctx context.Context, prefix string) ([]string, error)

	// DeletePath removes a file, or a whole subtree when path is a prefix.
	// Deleting a missing path is not an error.
	DeletePath(ctx context.Context, path string) error
}
