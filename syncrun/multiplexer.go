package syncrun

import (
	"context"

	"airweave.ai/core/common"
	"airweave.ai/core/db"
)

// SlotStore is the slice of the metadata store the multiplexer needs.
// *db.Store satisfies it; the role invariants live in its transactions.
type SlotStore interface {
	ListSlots(ctx context.Context, syncID string) ([]db.SyncConnection, error)
	CreateSlot(ctx context.Context, syncID, connectionID string, role db.SlotRole) (*db.SyncConnection, error)
	SwitchSlot(ctx context.Context, syncID, slotID string) error
}

// ReplayFunc populates a freshly forked slot's destination from the
// archive. It runs synchronously inside Fork.
type ReplayFunc func(ctx context.Context, slot *db.SyncConnection) error

// ResyncFunc runs a full, cursor-skipping sync to refresh the archive.
type ResyncFunc func(ctx context.Context, syncID string) error

// Multiplexer manages a sync's destination slots: exactly one ACTIVE slot
// serves reads, SHADOW slots receive all writes alongside it, and
// DEPRECATED slots are never written again.
type Multiplexer struct {
	store  SlotStore
	resync ResyncFunc
	logger *common.ContextLogger
}

// NewMultiplexer builds a multiplexer. resync may be nil when resyncing
// from the source is not available (replay-only deployments).
func NewMultiplexer(store SlotStore, resync ResyncFunc, logger *common.ContextLogger) *Multiplexer {
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{"component": "multiplexer"})
	}
	return &Multiplexer{store: store, resync: resync, logger: logger}
}

// List returns the sync's slots ordered ACTIVE, SHADOW, DEPRECATED, then
// by creation time.
func (m *Multiplexer) List(ctx context.Context, syncID string) ([]db.SyncConnection, error) {
	return m.store.ListSlots(ctx, syncID)
}

// Fork adds a SHADOW slot for a destination connection. When replay is
// non-nil the new destination is populated from the archive before the
// slot is returned; the slot stays SHADOW either way until Switch.
func (m *Multiplexer) Fork(ctx context.Context, syncID, connectionID string, replay ReplayFunc) (*db.SyncConnection, error) {
	slot, err := m.store.CreateSlot(ctx, syncID, connectionID, db.RoleShadow)
	if err != nil {
		return nil, err
	}
	m.logger.WithFields(map[string]interface{}{
		"sync_id": syncID,
		"slot_id": slot.ID,
	}).Info("Forked shadow slot")

	if replay != nil {
		if err := replay(ctx, slot); err != nil {
			return slot, common.WrapError(common.KindSyncFailure, "replaying archive into forked slot", err)
		}
	}
	return slot, nil
}

// Switch promotes a slot to ACTIVE and demotes the current ACTIVE (if any)
// to DEPRECATED, atomically.
func (m *Multiplexer) Switch(ctx context.Context, syncID, slotID string) error {
	if err := m.store.SwitchSlot(ctx, syncID, slotID); err != nil {
		return err
	}
	m.logger.WithFields(map[string]interface{}{
		"sync_id": syncID,
		"slot_id": slotID,
	}).Info("Switched active slot")
	return nil
}

// ResyncFromSource refreshes the archive with a full cursor-skipping sync,
// so a subsequent Fork replays current data.
func (m *Multiplexer) ResyncFromSource(ctx context.Context, syncID string) error {
	if m.resync == nil {
		return common.NewError(common.KindValidation, "resync from source is not configured")
	}
	return m.resync(ctx, syncID)
}
