package syncrun

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airweave.ai/core/entity"
)

func TestTracker(t *testing.T) {
	t.Run("counts actions and entity types", func(t *testing.T) {
		tracker := NewTracker()
		tracker.RecordBatch(&ActionBatch{
			Inserts: []*entity.Entity{noteEntity("a", "x"), noteEntity("b", "y")},
			Keeps:   []*entity.Entity{noteEntity("c", "z")},
			Deletes: []*entity.Entity{deletionEntity("d")},
			Skipped: 1,
		})

		snap := tracker.Snapshot()
		assert.Equal(t, int64(2), snap.Inserted)
		assert.Equal(t, int64(1), snap.Kept)
		assert.Equal(t, int64(1), snap.Deleted)
		assert.Equal(t, int64(1), snap.Skipped)
		assert.Equal(t, int64(5), snap.Total())
		assert.Equal(t, int64(4), snap.EntityCounts["note"])
	})

	t.Run("safe under concurrent workers", func(t *testing.T) {
		tracker := NewTracker()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					tracker.RecordBatch(&ActionBatch{
						Inserts: []*entity.Entity{noteEntity("a", "x")},
					})
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(800), tracker.Snapshot().Inserted)
	})

	t.Run("counters keyed by job columns", func(t *testing.T) {
		tracker := NewTracker()
		tracker.RecordBatch(&ActionBatch{Inserts: []*entity.Entity{noteEntity("a", "x")}})
		counters := tracker.Counters()
		assert.Equal(t, int64(1), counters["inserted"])
		assert.Zero(t, counters["deleted"])
	})
}

func TestPublisher(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()

	subscribe := func(t *testing.T, channel string) <-chan *redis.Message {
		t.Helper()
		sub := client.Subscribe(ctx, channel)
		_, err := sub.Receive(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { sub.Close() })
		return sub.Channel()
	}

	receive := func(t *testing.T, ch <-chan *redis.Message) map[string]interface{} {
		t.Helper()
		select {
		case msg := <-ch:
			payload := map[string]interface{}{}
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &payload))
			return payload
		case <-time.After(2 * time.Second):
			t.Fatal("no message published")
			return nil
		}
	}

	t.Run("threshold gates snapshots", func(t *testing.T) {
		pub := NewPublisher(client, "s1", "job-1", 3, nil)
		progress := subscribe(t, "sync_job/job-1")

		pub.MaybePublish(ctx, Progress{Inserted: 2})
		pub.MaybePublish(ctx, Progress{Inserted: 4})

		payload := receive(t, progress)
		assert.Equal(t, float64(4), payload["inserted"])
		assert.NotContains(t, payload, "final_status")
		assert.NotEmpty(t, payload["last_update_timestamp"])
	})

	t.Run("terminal event carries final status and state", func(t *testing.T) {
		pub := NewPublisher(client, "s1", "job-2", 0, nil)
		progress := subscribe(t, "sync_job/job-2")
		state := subscribe(t, "sync_job_state/job-2")

		pub.PublishTerminal(ctx, Progress{
			Inserted:     3,
			Kept:         1,
			EntityCounts: map[string]int64{"note": 4},
		}, "completed")

		payload := receive(t, progress)
		assert.Equal(t, "completed", payload["final_status"])
		assert.Equal(t, float64(3), payload["inserted"])

		statePayload := receive(t, state)
		assert.Equal(t, "job-2", statePayload["job_id"])
		assert.Equal(t, "s1", statePayload["sync_id"])
		assert.Equal(t, "completed", statePayload["job_status"])
		assert.Equal(t, float64(4), statePayload["total_entities"])
	})

	t.Run("nil client is silent", func(t *testing.T) {
		pub := NewPublisher(nil, "s1", "job-3", 0, nil)
		pub.MaybePublish(ctx, Progress{Inserted: 100})
		pub.PublishTerminal(ctx, Progress{}, "failed")
	})
}
