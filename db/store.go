package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"airweave.ai/core/common"
	"airweave.ai/core/entity"
	"airweave.ai/core/ratelimit"
)

// Store wraps the relational metadata database.
type Store struct {
	db     *gorm.DB
	logger *common.ContextLogger
}

// NewStore connects to Postgres and migrates the schema.
func NewStore(dsn string, logger *common.ContextLogger) (*Store, error) {
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{"component": "metadata_store"})
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to metadata store: %w", err)
	}

	if err := db.AutoMigrate(
		&EntityRow{}, &Sync{}, &SyncJob{}, &SyncConnection{},
		&SyncCursor{}, &SourceRateLimit{}, &Collection{}, &Connection{},
	); err != nil {
		return nil, fmt.Errorf("migrating metadata schema: %w", err)
	}

	logger.Info("Metadata store ready")
	return &Store{db: db, logger: logger}, nil
}

// NewStoreWithDB wraps an existing gorm handle. Used by tests.
func NewStoreWithDB(db *gorm.DB, logger *common.ContextLogger) (*Store, error) {
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{"component": "metadata_store"})
	}
	if err := db.AutoMigrate(
		&EntityRow{}, &Sync{}, &SyncJob{}, &SyncConnection{},
		&SyncCursor{}, &SourceRateLimit{}, &Collection{}, &Connection{},
	); err != nil {
		return nil, fmt.Errorf("migrating metadata schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// --- entity rows ---

// GetEntityRows fetches the stored rows for a batch of identity keys. Keys
// absent from the store are simply missing from the result map.
func (s *Store) GetEntityRows(ctx context.Context, keys []entity.Key) (map[entity.Key]*EntityRow, error) {
	result := make(map[entity.Key]*EntityRow, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	// All keys in a batch belong to one sync; fetch by source id and refine
	// on the type in memory.
	syncID := keys[0].SyncID
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.SourceEntityID)
	}

	var rows []EntityRow
	err := s.db.WithContext(ctx).
		Where("sync_id = ? AND source_entity_id IN ?", syncID, ids).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("loading entity rows: %w", err)
	}

	wanted := make(map[entity.Key]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}
	for i := range rows {
		key := entity.Key{SyncID: rows[i].SyncID, SourceEntityID: rows[i].SourceEntityID, TypeID: rows[i].EntityTypeID}
		if wanted[key] {
			result[key] = &rows[i]
		}
	}
	return result, nil
}

// UpsertEntityRows inserts or updates rows on the identity unique index.
func (s *Store) UpsertEntityRows(ctx context.Context, rows []*EntityRow) error {
	if len(rows) == 0 {
		return nil
	}
	for _, r := range rows {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "sync_id"}, {Name: "source_entity_id"}, {Name: "entity_type_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"hash", "updated_at"}),
	}).Create(rows).Error
	if err != nil {
		return fmt.Errorf("upserting entity rows: %w", err)
	}
	return nil
}

// DeleteEntityRows removes rows for the given source entity ids in a sync.
func (s *Store) DeleteEntityRows(ctx context.Context, syncID string, sourceEntityIDs []string) error {
	if len(sourceEntityIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("sync_id = ? AND source_entity_id IN ?", syncID, sourceEntityIDs).
		Delete(&EntityRow{}).Error
	if err != nil {
		return fmt.Errorf("deleting entity rows: %w", err)
	}
	return nil
}

// ListEntityRows returns every row tracked for a sync, for orphan sweeps.
func (s *Store) ListEntityRows(ctx context.Context, syncID string) ([]EntityRow, error) {
	var rows []EntityRow
	err := s.db.WithContext(ctx).Where("sync_id = ?", syncID).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing entity rows: %w", err)
	}
	return rows, nil
}

// --- cursor ---

// LoadCursor returns the persisted cursor data for a sync, or nil when none
// has been saved yet.
func (s *Store) LoadCursor(ctx context.Context, syncID string) (map[string]interface{}, error) {
	var row SyncCursor
	err := s.db.WithContext(ctx).First(&row, "sync_id = ?", syncID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading cursor: %w", err)
	}

	data := make(map[string]interface{})
	if err := json.Unmarshal(row.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding cursor: %w", err)
	}
	return data, nil
}

// SaveCursor persists cursor data for a sync.
func (s *Store) SaveCursor(ctx context.Context, syncID string, data map[string]interface{}) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding cursor: %w", err)
	}
	row := SyncCursor{SyncID: syncID, Data: encoded, UpdatedAt: time.Now().UTC()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sync_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}

// --- jobs ---

// CreateJob records a new pending job for a sync.
func (s *Store) CreateJob(ctx context.Context, syncID string) (*SyncJob, error) {
	job := &SyncJob{ID: uuid.NewString(), SyncID: syncID, Status: JobPending}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("creating sync job: %w", err)
	}
	return job, nil
}

// StartJob marks a job running.
func (s *Store) StartJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&SyncJob{}).Where("id = ?", jobID).
		Updates(map[string]interface{}{"status": JobRunning, "started_at": now}).Error
	if err != nil {
		return fmt.Errorf("starting sync job: %w", err)
	}
	return nil
}

// FinishJob records the terminal status, counters and optional error.
func (s *Store) FinishJob(ctx context.Context, jobID string, status JobStatus, counters map[string]int64, jobErr error) error {
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": time.Now().UTC(),
	}
	if jobErr != nil {
		updates["error"] = jobErr.Error()
	}
	for column, value := range counters {
		switch column {
		case "inserted", "updated", "deleted", "kept", "skipped":
			updates[column] = value
		}
	}
	err := s.db.WithContext(ctx).Model(&SyncJob{}).Where("id = ?", jobID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("finishing sync job: %w", err)
	}
	return nil
}

// GetJob fetches one job.
func (s *Store) GetJob(ctx context.Context, jobID string) (*SyncJob, error) {
	var job SyncJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.NewError(common.KindNotFound, "sync job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading sync job: %w", err)
	}
	return &job, nil
}

// --- destination slots ---

// ListSlots returns a sync's slots ordered ACTIVE, SHADOW, DEPRECATED, then
// by creation time.
func (s *Store) ListSlots(ctx context.Context, syncID string) ([]SyncConnection, error) {
	var slots []SyncConnection
	err := s.db.WithContext(ctx).
		Where("sync_id = ?", syncID).
		Order(`CASE role WHEN 'ACTIVE' THEN 0 WHEN 'SHADOW' THEN 1 ELSE 2 END, created_at`).
		Find(&slots).Error
	if err != nil {
		return nil, fmt.Errorf("listing slots: %w", err)
	}
	return slots, nil
}

// CreateSlot adds a slot. Creating a second ACTIVE slot is a conflict.
func (s *Store) CreateSlot(ctx context.Context, syncID, connectionID string, role SlotRole) (*SyncConnection, error) {
	slot := &SyncConnection{ID: uuid.NewString(), SyncID: syncID, ConnectionID: connectionID, Role: role}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if role == RoleActive {
			var count int64
			if err := tx.Model(&SyncConnection{}).
				Where("sync_id = ? AND role = ?", syncID, RoleActive).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return common.NewError(common.KindConflict, "sync already has an active slot")
			}
		}
		return tx.Create(slot).Error
	})
	if err != nil {
		if common.IsKind(err, common.KindConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("creating slot: %w", err)
	}
	return slot, nil
}

// SwitchSlot promotes the given slot to ACTIVE and demotes the current
// ACTIVE (if any) to DEPRECATED in one transaction.
func (s *Store) SwitchSlot(ctx context.Context, syncID, slotID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target SyncConnection
		if err := tx.First(&target, "id = ? AND sync_id = ?", slotID, syncID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return common.NewError(common.KindNotFound, "slot not found")
			}
			return err
		}
		if target.Role == RoleActive {
			return nil
		}

		if err := tx.Model(&SyncConnection{}).
			Where("sync_id = ? AND role = ? AND id <> ?", syncID, RoleActive, slotID).
			Update("role", RoleDeprecated).Error; err != nil {
			return err
		}
		return tx.Model(&SyncConnection{}).Where("id = ?", slotID).
			Update("role", RoleActive).Error
	})
	if err != nil {
		if common.IsKind(err, common.KindNotFound) {
			return err
		}
		return fmt.Errorf("switching slot: %w", err)
	}
	return nil
}

// --- rate limit config ---

// SourceRateLimit implements ratelimit.ConfigProvider against the
// source_rate_limit table. A missing row means unlimited.
func (s *Store) SourceRateLimit(ctx context.Context, organizationID, sourceShortName string) (*ratelimit.SourceLimitConfig, error) {
	var row SourceRateLimit
	err := s.db.WithContext(ctx).
		First(&row, "organization_id = ? AND source_short_name = ?", organizationID, sourceShortName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading source rate limit: %w", err)
	}
	return &ratelimit.SourceLimitConfig{
		Limit:         row.Limit,
		Window:        time.Duration(row.WindowSeconds) * time.Second,
		PerConnection: row.PerConnection,
	}, nil
}

var _ ratelimit.ConfigProvider = (*Store)(nil)
