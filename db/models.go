// Package db is the relational metadata store: entity rows for action
// resolution, sync and job records, destination slots, cursors, and source
// rate limit configuration.
package db

import "time"

// SlotRole is the multiplexer role of one destination slot.
type SlotRole string

const (
	RoleActive     SlotRole = "ACTIVE"
	RoleShadow     SlotRole = "SHADOW"
	RoleDeprecated SlotRole = "DEPRECATED"
)

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// EntityRow is one tracked entity: the last-seen content hash per identity
// triple within a sync.
type EntityRow struct {
	ID             string    `gorm:"type:uuid;primaryKey"`
	SyncID         string    `gorm:"type:uuid;not null;uniqueIndex:idx_entity_identity,priority:1;index"`
	SourceEntityID string    `gorm:"not null;uniqueIndex:idx_entity_identity,priority:2"`
	EntityTypeID   string    `gorm:"not null;uniqueIndex:idx_entity_identity,priority:3"`
	Hash           string    `gorm:"not null"`
	OrganizationID string    `gorm:"type:uuid;index"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// TableName keeps the table singular to match the rest of the schema.
func (EntityRow) TableName() string { return "entity" }

// Sync is one configured synchronization.
type Sync struct {
	ID                 string `gorm:"type:uuid;primaryKey"`
	Name               string `gorm:"not null"`
	OrganizationID     string `gorm:"type:uuid;not null;index"`
	SourceShortName    string `gorm:"not null"`
	SourceConnectionID string `gorm:"type:uuid;not null"`
	CollectionID       string `gorm:"type:uuid;not null;index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Sync) TableName() string { return "sync" }

// SyncJob is one run of a sync.
type SyncJob struct {
	ID          string    `gorm:"type:uuid;primaryKey"`
	SyncID      string    `gorm:"type:uuid;not null;index"`
	Status      JobStatus `gorm:"not null;default:pending"`
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Inserted    int64
	Updated     int64
	Deleted     int64
	Kept        int64
	Skipped     int64
	CreatedAt   time.Time
}

func (SyncJob) TableName() string { return "sync_job" }

// SyncConnection is one destination slot of a sync.
type SyncConnection struct {
	ID           string   `gorm:"type:uuid;primaryKey"`
	SyncID       string   `gorm:"type:uuid;not null;index"`
	ConnectionID string   `gorm:"type:uuid;not null"`
	Role         SlotRole `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (SyncConnection) TableName() string { return "sync_connection" }

// SyncCursor is the persisted incremental cursor of a sync.
type SyncCursor struct {
	SyncID    string `gorm:"type:uuid;primaryKey"`
	Data      []byte `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

func (SyncCursor) TableName() string { return "sync_cursor" }

// SourceRateLimit is the per-organization, per-source outbound budget row.
type SourceRateLimit struct {
	OrganizationID  string `gorm:"type:uuid;primaryKey"`
	SourceShortName string `gorm:"primaryKey"`
	Limit           int    `gorm:"column:limit_count;not null"`
	WindowSeconds   int    `gorm:"not null"`
	PerConnection   bool   `gorm:"not null;default:false"`
	UpdatedAt       time.Time
}

func (SourceRateLimit) TableName() string { return "source_rate_limit" }

// Collection is a logical index. Vector size and embedding model are fixed
// at creation.
type Collection struct {
	ID                 string `gorm:"type:uuid;primaryKey"`
	Name               string `gorm:"not null"`
	OrganizationID     string `gorm:"type:uuid;not null;index"`
	VectorSize         int    `gorm:"not null"`
	EmbeddingModelName string `gorm:"not null"`
	CreatedAt          time.Time
}

func (Collection) TableName() string { return "collection" }

// Connection is a stored connection to a source or destination system.
type Connection struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	OrganizationID string `gorm:"type:uuid;not null;index"`
	ShortName      string `gorm:"not null"`
	Config         []byte `gorm:"type:jsonb"`
	CreatedAt      time.Time
}

func (Connection) TableName() string { return "connection" }
