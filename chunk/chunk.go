// Package chunk splits parent entities into chunk entities sized for
// embedding. Splitting is semantic where the content allows it: markdown
// keeps heading structure, code keeps declaration boundaries, everything
// else falls back to recursive character splitting.
package chunk

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"airweave.ai/core/entity"
)

// Config tunes chunk sizing. Counts are in characters.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
}

// DefaultConfig matches the embedding model's comfortable context share.
func DefaultConfig() Config {
	return Config{ChunkSize: 2000, ChunkOverlap: 200}
}

// Chunker turns one parent entity into its chunk entities.
type Chunker struct {
	cfg Config
}

// New creates a chunker; zero config fields take defaults.
func New(cfg Config) *Chunker {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = def.ChunkOverlap
	}
	return &Chunker{cfg: cfg}
}

// codeSeparators keeps splits on declaration and block boundaries across
// the common languages before degrading to blank lines.
var codeSeparators = []string{
	"\nfunc ", "\nclass ", "\ndef ", "\ntype ", "\nimpl ", "\npublic ",
	"\n\n", "\n", " ", "",
}

// Chunk splits the entity's embeddable text into chunk entities. Entities
// that fit in a single chunk still produce one chunk entity so every
// destination point has a uniform shape. Deletion signals produce nothing.
func (c *Chunker) Chunk(parent *entity.Entity) ([]*entity.Entity, error) {
	if parent.IsDeletion() {
		return nil, nil
	}

	text := entity.EmbeddableText(parent)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	pieces, err := c.split(parent, text)
	if err != nil {
		return nil, fmt.Errorf("splitting %s: %w", parent.SourceEntityID, err)
	}

	chunks := make([]*entity.Entity, 0, len(pieces))
	for i, piece := range pieces {
		piece = entity.SanitizeText(strings.TrimSpace(piece))
		if piece == "" {
			continue
		}
		idx := i
		chunks = append(chunks, &entity.Entity{
			SourceEntityID: parent.SourceEntityID,
			TypeID:         parent.TypeID,
			Kind:           entity.KindChunk,
			Name:           parent.Name,
			Breadcrumbs:    parent.Breadcrumbs,
			CreatedAt:      parent.CreatedAt,
			UpdatedAt:      parent.UpdatedAt,
			Payload:        parent.Payload,
			Textual:        piece,
			ParentID:       parent.SourceEntityID,
			ChunkIndex:     &idx,
			SyncID:         parent.SyncID,
			SyncJobID:      parent.SyncJobID,
			CollectionID:   parent.CollectionID,
		})
	}
	return chunks, nil
}

func (c *Chunker) split(parent *entity.Entity, text string) ([]string, error) {
	switch {
	case parent.Kind == entity.KindCodeFile:
		splitter := textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(c.cfg.ChunkSize),
			textsplitter.WithChunkOverlap(c.cfg.ChunkOverlap),
			textsplitter.WithSeparators(codeSeparators),
		)
		return splitter.SplitText(text)
	case looksLikeMarkdown(parent, text):
		splitter := textsplitter.NewMarkdownTextSplitter(
			textsplitter.WithChunkSize(c.cfg.ChunkSize),
			textsplitter.WithChunkOverlap(c.cfg.ChunkOverlap),
		)
		return splitter.SplitText(text)
	default:
		splitter := textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(c.cfg.ChunkSize),
			textsplitter.WithChunkOverlap(c.cfg.ChunkOverlap),
		)
		return splitter.SplitText(text)
	}
}

func looksLikeMarkdown(parent *entity.Entity, text string) bool {
	if parent.File != nil {
		mime := parent.File.MimeType
		if strings.Contains(mime, "markdown") {
			return true
		}
	}
	return strings.HasPrefix(text, "# ") || strings.Contains(text, "\n## ")
}
