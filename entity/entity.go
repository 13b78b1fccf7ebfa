// Package entity defines the uniform record model produced by source
// adapters and consumed by the sync pipeline. Source payloads of any shape
// are normalized into a tagged base record with per-variant attribute blocks
// (chunk, file, email, code file, deletion signal). Entities reference their
// parents by id strings only; there are no object pointers between records.
package entity

import "time"

// Kind is the discriminator for entity variants.
type Kind string

const (
	// KindChunk is the common case: a text-bearing record.
	KindChunk Kind = "chunk"
	// KindFile is a record backed by a downloadable blob.
	KindFile Kind = "file"
	// KindEmail is a chunk entity with canonical email headers.
	KindEmail Kind = "email"
	// KindCodeFile is a file entity with repository attributes.
	KindCodeFile Kind = "code_file"
	// KindDeletion is a deletion signal emitted by delta sources.
	KindDeletion Kind = "deletion"
)

// Breadcrumb is one step of an entity's ancestor path, used for UI
// navigation and search display.
type Breadcrumb struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// FileAttrs carries the blob attributes of file-backed entities.
// LocalPath is set only after a successful download; pipeline stages that
// need the blob treat an empty LocalPath as a programming error and fail
// the sync.
type FileAttrs struct {
	URL       string `json:"url"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	LocalPath string `json:"local_path,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
}

// EmailAttrs carries canonical email headers.
type EmailAttrs struct {
	MessageID string     `json:"message_id"`
	From      string     `json:"from"`
	To        []string   `json:"to,omitempty"`
	Cc        []string   `json:"cc,omitempty"`
	Subject   string     `json:"subject"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// CodeAttrs carries repository attributes for code file entities.
type CodeAttrs struct {
	RepoName  string `json:"repo_name"`
	RepoOwner string `json:"repo_owner,omitempty"`
	Path      string `json:"path"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Language  string `json:"language,omitempty"`
}

// DeletionAttrs identifies what a deletion signal removes. The parent entity
// and every chunk derived from it are deleted.
type DeletionAttrs struct {
	DeletesKind Kind `json:"deletes_kind"`
}

// Entity is the polymorphic record flowing through the pipeline.
//
// Identity within a sync is (SyncID, SourceEntityID, TypeID); SourceEntityID
// is opaque to the system. SyncID and DBID are assigned by the pipeline, not
// the source.
type Entity struct {
	// SourceEntityID is the source-assigned identifier, opaque to the core.
	SourceEntityID string `json:"source_entity_id"`

	// TypeID names the concrete entity type, e.g. "notion_page".
	TypeID string `json:"entity_type_id"`

	// Kind is the variant discriminator.
	Kind Kind `json:"kind"`

	// Name is the display name.
	Name string `json:"name,omitempty"`

	// Breadcrumbs is the ordered ancestor path, root first.
	Breadcrumbs []Breadcrumb `json:"breadcrumbs,omitempty"`

	// CreatedAt / UpdatedAt are source-reported timestamps, when available.
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`

	// Payload is the free-form per-type body. Which fields are hashed and
	// which are embedded is declared by the type's Descriptor.
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Textual is the textual representation used for chunking and embedding.
	Textual string `json:"textual_representation,omitempty"`

	// ParentID is set on derived chunks and points at the parent entity's
	// SourceEntityID.
	ParentID string `json:"parent_id,omitempty"`

	// ChunkIndex is set when the entity is one chunk of a split parent.
	ChunkIndex *int `json:"chunk_index,omitempty"`

	// Variant attribute blocks; exactly the block matching Kind is set.
	File     *FileAttrs     `json:"file,omitempty"`
	Email    *EmailAttrs    `json:"email,omitempty"`
	Code     *CodeAttrs     `json:"code,omitempty"`
	Deletion *DeletionAttrs `json:"deletion,omitempty"`

	// Hash is the content hash over embeddable fields, filled by the
	// pipeline before action resolution.
	Hash string `json:"hash,omitempty"`

	// SyncID and SyncJobID are stamped by the orchestrator.
	SyncID    string `json:"sync_id,omitempty"`
	SyncJobID string `json:"sync_job_id,omitempty"`

	// CollectionID is the tenant isolation field carried onto every stored
	// vector.
	CollectionID string `json:"collection_id,omitempty"`
}

// IsDeletion reports whether the entity is a deletion signal.
func (e *Entity) IsDeletion() bool { return e.Kind == KindDeletion }

// IsFileBacked reports whether the entity carries a blob.
func (e *Entity) IsFileBacked() bool { return e.Kind == KindFile || e.Kind == KindCodeFile }

// Key is the identity triple of an entity within a sync.
type Key struct {
	SyncID         string
	SourceEntityID string
	TypeID         string
}

// IdentityKey returns the identity triple for metadata store lookups.
func (e *Entity) IdentityKey() Key {
	return Key{SyncID: e.SyncID, SourceEntityID: e.SourceEntityID, TypeID: e.TypeID}
}
