//go:build integration

package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"airweave.ai/core/common"
	"airweave.ai/core/entity"
)

// setupPostgresContainer starts a PostgreSQL container for testing
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return dsn, cleanup
}

func TestStore_Integration_EntityRows(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	ctx := context.Background()
	store, err := NewStore(dsn, nil)
	require.NoError(t, err)

	syncID := "11111111-1111-1111-1111-111111111111"
	orgID := "22222222-2222-2222-2222-222222222222"

	rows := []*EntityRow{
		{SyncID: syncID, SourceEntityID: "page-1", EntityTypeID: "notion.page", Hash: "h1", OrganizationID: orgID},
		{SyncID: syncID, SourceEntityID: "page-2", EntityTypeID: "notion.page", Hash: "h2", OrganizationID: orgID},
	}
	require.NoError(t, store.UpsertEntityRows(ctx, rows))

	t.Run("batched lookup by identity key", func(t *testing.T) {
		keys := []entity.Key{
			{SyncID: syncID, SourceEntityID: "page-1", TypeID: "notion.page"},
			{SyncID: syncID, SourceEntityID: "page-9", TypeID: "notion.page"},
		}
		found, err := store.GetEntityRows(ctx, keys)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "h1", found[keys[0]].Hash)
	})

	t.Run("upsert updates hash on identity conflict", func(t *testing.T) {
		update := []*EntityRow{
			{SyncID: syncID, SourceEntityID: "page-1", EntityTypeID: "notion.page", Hash: "h1-new", OrganizationID: orgID},
		}
		require.NoError(t, store.UpsertEntityRows(ctx, update))

		all, err := store.ListEntityRows(ctx, syncID)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		for _, row := range all {
			if row.SourceEntityID == "page-1" {
				assert.Equal(t, "h1-new", row.Hash)
			}
		}
	})

	t.Run("delete removes rows", func(t *testing.T) {
		require.NoError(t, store.DeleteEntityRows(ctx, syncID, []string{"page-2"}))
		all, err := store.ListEntityRows(ctx, syncID)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestStore_Integration_CursorAndJobs(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	ctx := context.Background()
	store, err := NewStore(dsn, nil)
	require.NoError(t, err)

	syncID := "11111111-1111-1111-1111-111111111111"

	t.Run("cursor roundtrip", func(t *testing.T) {
		data, err := store.LoadCursor(ctx, syncID)
		require.NoError(t, err)
		assert.Nil(t, data)

		require.NoError(t, store.SaveCursor(ctx, syncID, map[string]interface{}{"updated_after": "2026-01-01T00:00:00Z"}))
		require.NoError(t, store.SaveCursor(ctx, syncID, map[string]interface{}{"updated_after": "2026-02-01T00:00:00Z"}))

		data, err = store.LoadCursor(ctx, syncID)
		require.NoError(t, err)
		assert.Equal(t, "2026-02-01T00:00:00Z", data["updated_after"])
	})

	t.Run("job lifecycle", func(t *testing.T) {
		job, err := store.CreateJob(ctx, syncID)
		require.NoError(t, err)
		assert.Equal(t, JobPending, job.Status)

		require.NoError(t, store.StartJob(ctx, job.ID))
		require.NoError(t, store.FinishJob(ctx, job.ID, JobCompleted,
			map[string]int64{"inserted": 10, "kept": 5}, nil))

		loaded, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobCompleted, loaded.Status)
		assert.Equal(t, int64(10), loaded.Inserted)
		assert.Equal(t, int64(5), loaded.Kept)
		assert.NotNil(t, loaded.CompletedAt)
	})
}

func TestStore_Integration_Slots(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	ctx := context.Background()
	store, err := NewStore(dsn, nil)
	require.NoError(t, err)

	syncID := "11111111-1111-1111-1111-111111111111"
	connA := "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	connB := "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"

	active, err := store.CreateSlot(ctx, syncID, connA, RoleActive)
	require.NoError(t, err)
	shadow, err := store.CreateSlot(ctx, syncID, connB, RoleShadow)
	require.NoError(t, err)

	t.Run("second active slot conflicts", func(t *testing.T) {
		_, err := store.CreateSlot(ctx, syncID, connB, RoleActive)
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindConflict))
	})

	t.Run("switch promotes and demotes atomically", func(t *testing.T) {
		require.NoError(t, store.SwitchSlot(ctx, syncID, shadow.ID))

		slots, err := store.ListSlots(ctx, syncID)
		require.NoError(t, err)
		require.Len(t, slots, 2)
		assert.Equal(t, RoleActive, slots[0].Role)
		assert.Equal(t, shadow.ID, slots[0].ID)
		for _, s := range slots {
			if s.ID == active.ID {
				assert.Equal(t, RoleDeprecated, s.Role)
			}
		}
	})
}
