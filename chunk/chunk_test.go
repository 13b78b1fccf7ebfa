package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airweave.ai/core/entity"
)

func TestChunker(t *testing.T) {
	c := New(Config{ChunkSize: 120, ChunkOverlap: 20})

	t.Run("short text yields one chunk", func(t *testing.T) {
		e := &entity.Entity{
			SourceEntityID: "page-1",
			TypeID:         "notion.page",
			Kind:           entity.KindChunk,
			SyncID:         "s1",
			Textual:        "a short page",
		}
		chunks, err := c.Chunk(e)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "page-1", chunks[0].ParentID)
		assert.Equal(t, 0, *chunks[0].ChunkIndex)
		assert.Equal(t, entity.KindChunk, chunks[0].Kind)
		assert.Equal(t, "s1", chunks[0].SyncID)
	})

	t.Run("long text splits with sequential indexes", func(t *testing.T) {
		e := &entity.Entity{
			SourceEntityID: "page-2",
			TypeID:         "notion.page",
			SyncID:         "s1",
			Textual:        strings.Repeat("many words in a long running paragraph. ", 40),
		}
		chunks, err := c.Chunk(e)
		require.NoError(t, err)
		require.Greater(t, len(chunks), 1)
		for i, ch := range chunks {
			assert.Equal(t, i, *ch.ChunkIndex)
			assert.Equal(t, "page-2", ch.ParentID)
			assert.NotEmpty(t, ch.Textual)
		}
	})

	t.Run("deletion signals produce nothing", func(t *testing.T) {
		e := &entity.Entity{
			SourceEntityID: "gone",
			Kind:           entity.KindDeletion,
			Deletion:       &entity.DeletionAttrs{},
		}
		chunks, err := c.Chunk(e)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("empty text produces nothing", func(t *testing.T) {
		chunks, err := c.Chunk(&entity.Entity{SourceEntityID: "blank", Textual: "   "})
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("code files split on declarations", func(t *testing.T) {
		var b strings.Builder
		for i := 0; i < 12; i++ {
			b.WriteString("\nfunc handler")
			b.WriteString(strings.Repeat("x", 30))
			b.WriteString("() {\n\treturn\n}\n")
		}
		e := &entity.Entity{
			SourceEntityID: "main.go",
			Kind:           entity.KindCodeFile,
			SyncID:         "s1",
			Textual:        b.String(),
		}
		chunks, err := c.Chunk(e)
		require.NoError(t, err)
		assert.Greater(t, len(chunks), 1)
	})

	t.Run("chunk text is sanitized", func(t *testing.T) {
		e := &entity.Entity{
			SourceEntityID: "page-3",
			SyncID:         "s1",
			Textual:        "clean\x00 text\x07 here",
		}
		chunks, err := c.Chunk(e)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.NotContains(t, chunks[0].Textual, "\x00")
		assert.NotContains(t, chunks[0].Textual, "\x07")
	})
}
