package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackend(t *testing.T) {
	ctx := context.Background()

	newBackend := func(t *testing.T) *Local {
		b, err := NewLocal(t.TempDir())
		require.NoError(t, err)
		return b
	}

	t.Run("json round trip", func(t *testing.T) {
		b := newBackend(t)

		doc := map[string]interface{}{"name": "report", "size": float64(42)}
		require.NoError(t, b.WriteJSON(ctx, "raw/sync-1/entities/e1.json", doc))

		got, err := b.ReadJSON(ctx, "raw/sync-1/entities/e1.json")
		require.NoError(t, err)
		assert.Equal(t, doc, got)
	})

	t.Run("read missing json returns ErrNotFound", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.ReadJSON(ctx, "raw/missing.json")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("file round trip", func(t *testing.T) {
		b := newBackend(t)

		require.NoError(t, b.WriteFile(ctx, "raw/sync-1/files/blob.bin", bytes.NewReader([]byte{1, 2, 3})))
		data, err := b.ReadFile(ctx, "raw/sync-1/files/blob.bin")
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, data)
	})

	t.Run("list files under prefix", func(t *testing.T) {
		b := newBackend(t)

		require.NoError(t, b.WriteJSON(ctx, "raw/s1/entities/a.json", map[string]interface{}{}))
		require.NoError(t, b.WriteJSON(ctx, "raw/s1/entities/b.json", map[string]interface{}{}))
		require.NoError(t, b.WriteJSON(ctx, "raw/s2/entities/c.json", map[string]interface{}{}))

		paths, err := b.ListFiles(ctx, "raw/s1")
		require.NoError(t, err)
		assert.Len(t, paths, 2)
		for _, p := range paths {
			assert.Contains(t, p, "raw/s1/entities/")
		}
	})

	t.Run("delete subtree", func(t *testing.T) {
		b := newBackend(t)

		require.NoError(t, b.WriteJSON(ctx, "raw/s1/entities/a.json", map[string]interface{}{}))
		require.NoError(t, b.DeletePath(ctx, "raw/s1"))

		paths, err := b.ListFiles(ctx, "raw/s1")
		require.NoError(t, err)
		assert.Empty(t, paths)
	})

	t.Run("delete missing path is not an error", func(t *testing.T) {
		b := newBackend(t)
		assert.NoError(t, b.DeletePath(ctx, "raw/never-existed"))
	})
}

func TestS3Backend(t *testing.T) {
	ctx := context.Background()

	newBackend := func(t *testing.T) (*S3, *MockS3Client) {
		mock := NewMockS3Client()
		mock.Buckets["archive"] = true
		return NewS3WithClient(mock, "archive"), mock
	}

	t.Run("json round trip", func(t *testing.T) {
		b, mock := newBackend(t)

		doc := map[string]interface{}{"name": "report"}
		require.NoError(t, b.WriteJSON(ctx, "raw/sync-1/entities/e1.json", doc))
		assert.True(t, mock.PutObjectCalled)

		got, err := b.ReadJSON(ctx, "raw/sync-1/entities/e1.json")
		require.NoError(t, err)
		assert.Equal(t, doc, got)
	})

	t.Run("read missing returns ErrNotFound", func(t *testing.T) {
		b, _ := newBackend(t)
		_, err := b.ReadFile(ctx, "raw/missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list and delete by prefix", func(t *testing.T) {
		b, mock := newBackend(t)

		require.NoError(t, b.WriteFile(ctx, "raw/s1/files/a", bytes.NewReader([]byte("a"))))
		require.NoError(t, b.WriteFile(ctx, "raw/s1/files/b", bytes.NewReader([]byte("b"))))
		require.NoError(t, b.WriteFile(ctx, "raw/s2/files/c", bytes.NewReader([]byte("c"))))

		paths, err := b.ListFiles(ctx, "raw/s1/")
		require.NoError(t, err)
		assert.Equal(t, []string{"raw/s1/files/a", "raw/s1/files/b"}, paths)

		require.NoError(t, b.DeletePath(ctx, "raw/s1/"))
		assert.True(t, mock.DeleteObjectCalled)

		paths, err = b.ListFiles(ctx, "raw/s1/")
		require.NoError(t, err)
		assert.Empty(t, paths)
	})
}

func TestTempDir(t *testing.T) {
	t.Run("job dirs are isolated and removable", func(t *testing.T) {
		td, err := NewTempDir(t.TempDir())
		require.NoError(t, err)

		dir, err := td.JobDir("job-1")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "download.bin"), []byte("x"), 0o644))

		require.NoError(t, td.CleanupJob("job-1"))
		_, statErr := os.Stat(dir)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("refuses empty job id", func(t *testing.T) {
		td, err := NewTempDir(t.TempDir())
		require.NoError(t, err)
		assert.Error(t, td.CleanupJob(""))
	})
}
