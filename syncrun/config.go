// Package syncrun is the sync engine: it resolves source entities into
// actions against the stored state, fans the actions out to destination,
// archive and metadata handlers, and tracks progress. One Orchestrator runs
// one sync job end to end.
package syncrun

import (
	"fmt"

	"airweave.ai/core/common"
)

// BehaviorConfig tunes action resolution.
type BehaviorConfig struct {
	// SkipHashComparison forces INSERT for every non-deletion, bypassing the
	// stored-hash lookup. Used for rebuilds into a fresh destination.
	SkipHashComparison bool `json:"skip_hash_comparison,omitempty"`

	// ForceFullSync runs the orphan sweep after a normally-completed stream:
	// stored rows not encountered during the run are deleted everywhere.
	ForceFullSync bool `json:"force_full_sync,omitempty"`
}

// CursorConfig tunes cursor handling.
type CursorConfig struct {
	// SkipLoad starts the stream from scratch instead of restoring the
	// persisted cursor.
	SkipLoad bool `json:"skip_load,omitempty"`

	// SkipUpdates leaves the persisted cursor untouched after the run.
	SkipUpdates bool `json:"skip_updates,omitempty"`
}

// SyncConfig selects which handlers and destinations a run writes to.
//
// TargetDestinations and ExcludeDestinations filter by destination short
// name; an empty target list means every selected slot's destination.
type SyncConfig struct {
	TargetDestinations  []string `json:"target_destinations,omitempty"`
	ExcludeDestinations []string `json:"exclude_destinations,omitempty"`

	// DisableVectorDB skips the destination handler entirely (archive-only
	// runs).
	DisableVectorDB bool `json:"disable_vector_db,omitempty"`

	// DisableArchive skips the archive handler.
	DisableArchive bool `json:"disable_archive,omitempty"`

	// DisableMetadata skips the metadata handler. Replay runs set this so a
	// rebuild never rewrites the tracked rows of the original sync.
	DisableMetadata bool `json:"disable_metadata,omitempty"`

	// ReplayFromArchive streams entities from the sync's archive instead of
	// the real source.
	ReplayFromArchive bool `json:"replay_from_archive,omitempty"`

	Behavior BehaviorConfig `json:"behavior,omitempty"`
	Cursor   CursorConfig   `json:"cursor,omitempty"`
}

// Normal is the default configuration: all slot destinations, archive and
// metadata handlers enabled, incremental cursor.
func Normal() SyncConfig { return SyncConfig{} }

// QdrantOnly writes to qdrant destinations only.
func QdrantOnly() SyncConfig {
	return SyncConfig{TargetDestinations: []string{"qdrant"}}
}

// VespaOnly writes to vespa destinations only.
func VespaOnly() SyncConfig {
	return SyncConfig{TargetDestinations: []string{"vespa"}}
}

// ArchiveOnly captures the stream into the archive without touching any
// search destination.
func ArchiveOnly() SyncConfig {
	return SyncConfig{DisableVectorDB: true}
}

// ReplayFromArchive rebuilds destinations from the archive. The real source
// is never called, the archive is not rewritten, metadata rows and the
// cursor stay untouched, and every entity is force-inserted.
func ReplayFromArchive() SyncConfig {
	return SyncConfig{
		ReplayFromArchive: true,
		DisableArchive:    true,
		DisableMetadata:   true,
		Behavior:          BehaviorConfig{SkipHashComparison: true},
		Cursor:            CursorConfig{SkipLoad: true, SkipUpdates: true},
	}
}

// Validate rejects configurations that can never make progress. A short
// name in both the target and exclude lists is an error rather than a
// silent exclusion.
func (c SyncConfig) Validate() error {
	excluded := make(map[string]bool, len(c.ExcludeDestinations))
	for _, name := range c.ExcludeDestinations {
		excluded[name] = true
	}
	for _, name := range c.TargetDestinations {
		if excluded[name] {
			return common.NewError(common.KindValidation,
				fmt.Sprintf("destination %q is both targeted and excluded", name))
		}
	}
	if c.DisableVectorDB && c.DisableArchive && c.DisableMetadata {
		return common.NewError(common.KindValidation, "all handlers are disabled")
	}
	return nil
}

// Includes reports whether a destination short name is selected by the
// target and exclude lists.
func (c SyncConfig) Includes(shortName string) bool {
	for _, name := range c.ExcludeDestinations {
		if name == shortName {
			return false
		}
	}
	if len(c.TargetDestinations) == 0 {
		return true
	}
	for _, name := range c.TargetDestinations {
		if name == shortName {
			return true
		}
	}
	return false
}
