// Package source defines the adapter contract every data source implements
// and the registry through which adapters are discovered by short name.
// Sources produce a lazy, finite stream of entities through a channel; they
// never write to destinations directly.
package source

import (
	"context"

	"airweave.ai/core/common"
	"airweave.ai/core/entity"
)

// Source is the uniform adapter interface.
//
// GenerateEntities publishes entities (including deletion signals) to out
// until the source is exhausted or ctx is cancelled. The channel is owned
// by the caller and must not be closed by the source; sending suspends when
// the pipeline applies backpressure. A non-nil return fails the sync.
type Source interface {
	// ShortName returns the registry short name, e.g. "github".
	ShortName() string

	// GenerateEntities streams all entities for the current cursor state.
	GenerateEntities(ctx context.Context, out chan<- *entity.Entity) error
}

// CursorAware is implemented by sources that support incremental syncs.
// The orchestrator restores the persisted cursor before streaming and reads
// the final state after the stream completes.
type CursorAware interface {
	// CursorSchema describes the typed fields of this source's cursor.
	CursorSchema() CursorSchema

	// RestoreCursor installs previously persisted cursor state.
	RestoreCursor(data map[string]interface{})

	// CursorState returns the cursor to persist. Sources may update their
	// state at any checkpoint while streaming.
	CursorState() map[string]interface{}
}

// Validator is implemented by sources that can verify credentials during
// connection creation.
type Validator interface {
	Validate(ctx context.Context) error
}

// CursorField describes one typed field of a cursor schema.
type CursorField struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "int", "timestamp"
	Description string `json:"description,omitempty"`
}

// CursorSchema is the declared shape of a source's cursor.
type CursorSchema struct {
	Fields []CursorField `json:"fields"`
}

// ValidateCursor checks persisted cursor data against the schema. Unknown
// keys are rejected so schema drift surfaces immediately.
func (s CursorSchema) ValidateCursor(data map[string]interface{}) error {
	if len(s.Fields) == 0 {
		return nil
	}
	known := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = true
	}
	for key := range data {
		if !known[key] {
			return common.NewError(common.KindValidation, "unknown cursor field "+key)
		}
	}
	return nil
}

// Credentials carries whatever the connection stored for authentication.
// The shape is adapter-specific; OAuth sources receive a TokenManager
// instead of raw tokens.
type Credentials map[string]interface{}

// Deps are the collaborators injected into every source at build time.
// The HTTP client is the rate-limited wrapper; adapters must route all
// upstream calls through it.
type Deps struct {
	HTTPClient   *HTTPClient
	TokenManager TokenManager
	Downloader   *FileDownloader
	Logger       *common.ContextLogger
}
