package entity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	MustRegisterType(Descriptor{
		TypeID: "test_note",
		Kind:   KindChunk,
		Module: "testsrc",
		Fields: map[string]FieldFlags{
			"title":    FlagHashable | FlagEmbeddable,
			"body":     FlagHashable | FlagEmbeddable,
			"view_url": 0, // neither hashed nor embedded
		},
	})
}

func testNote(id, title, body string) *Entity {
	return &Entity{
		SourceEntityID: id,
		TypeID:         "test_note",
		Kind:           KindChunk,
		Name:           title,
		Payload: map[string]interface{}{
			"title":    title,
			"body":     body,
			"view_url": "https://example.com/" + id,
		},
		Textual: body,
	}
}

func TestContentHash(t *testing.T) {
	t.Run("deterministic across calls", func(t *testing.T) {
		e := testNote("n1", "Title", "Body text")

		h1, err := ContentHash(e)
		require.NoError(t, err)
		h2, err := ContentHash(e)
		require.NoError(t, err)

		assert.Equal(t, h1, h2)
		assert.Len(t, h1, 64)
	})

	t.Run("stable across JSON round trip", func(t *testing.T) {
		e := testNote("n1", "Title", "Body text")
		e.Payload["count"] = 42 // int becomes float64 after round trip

		h1, err := ContentHash(e)
		require.NoError(t, err)

		data, err := json.Marshal(e)
		require.NoError(t, err)

		var restored Entity
		require.NoError(t, json.Unmarshal(data, &restored))

		h2, err := ContentHash(&restored)
		require.NoError(t, err)
		assert.Equal(t, h1, h2)
	})

	t.Run("embeddable field change changes hash", func(t *testing.T) {
		a := testNote("n1", "Title", "Body text")
		b := testNote("n1", "Title", "Different body")

		ha, err := ContentHash(a)
		require.NoError(t, err)
		hb, err := ContentHash(b)
		require.NoError(t, err)

		assert.NotEqual(t, ha, hb)
	})

	t.Run("non-hashable field change keeps hash", func(t *testing.T) {
		a := testNote("n1", "Title", "Body text")
		b := testNote("n1", "Title", "Body text")
		b.Payload["view_url"] = "https://example.com/moved"

		ha, err := ContentHash(a)
		require.NoError(t, err)
		hb, err := ContentHash(b)
		require.NoError(t, err)

		assert.Equal(t, ha, hb)
	})

	t.Run("timestamps and breadcrumbs do not contribute", func(t *testing.T) {
		a := testNote("n1", "Title", "Body text")

		now := time.Now()
		b := testNote("n1", "Title", "Body text")
		b.UpdatedAt = &now
		b.Breadcrumbs = []Breadcrumb{{ID: "root", Name: "Root", Type: "folder"}}

		ha, err := ContentHash(a)
		require.NoError(t, err)
		hb, err := ContentHash(b)
		require.NoError(t, err)

		assert.Equal(t, ha, hb)
	})

	t.Run("file checksum contributes", func(t *testing.T) {
		a := &Entity{
			SourceEntityID: "f1",
			TypeID:         "test_file",
			Kind:           KindFile,
			File:           &FileAttrs{URL: "https://x/f1", Size: 10, MimeType: "text/plain", Checksum: "abc"},
		}
		b := &Entity{
			SourceEntityID: "f1",
			TypeID:         "test_file",
			Kind:           KindFile,
			File:           &FileAttrs{URL: "https://x/f1", Size: 10, MimeType: "text/plain", Checksum: "def"},
		}

		ha, err := ContentHash(a)
		require.NoError(t, err)
		hb, err := ContentHash(b)
		require.NoError(t, err)

		assert.NotEqual(t, ha, hb)
	})
}

func TestEmbeddableText(t *testing.T) {
	t.Run("includes embeddable fields only", func(t *testing.T) {
		e := testNote("n1", "My Note", "The body")
		text := EmbeddableText(e)

		assert.Contains(t, text, "My Note")
		assert.Contains(t, text, "body: The body")
		assert.NotContains(t, text, "view_url")
	})

	t.Run("strips control characters", func(t *testing.T) {
		e := testNote("n1", "My Note", "bad\x00byte\x1fhere")
		text := EmbeddableText(e)

		assert.NotContains(t, text, "\x00")
		assert.NotContains(t, text, "\x1f")
		assert.Contains(t, text, "badbytehere")
	})
}

func TestRegisterType(t *testing.T) {
	t.Run("duplicate registration fails", func(t *testing.T) {
		err := RegisterType(Descriptor{TypeID: "test_note", Kind: KindChunk})
		assert.Error(t, err)
	})

	t.Run("requires type id and kind", func(t *testing.T) {
		assert.Error(t, RegisterType(Descriptor{Kind: KindChunk}))
		assert.Error(t, RegisterType(Descriptor{TypeID: "kindless"}))
	})

	t.Run("lookup", func(t *testing.T) {
		d, ok := DescriptorFor("test_note")
		require.True(t, ok)
		assert.Equal(t, KindChunk, d.Kind)
		assert.Equal(t, []string{"body", "title"}, d.HashableFields())
	})
}
