// Package bolt provides a file-backed cursor store for single-pod dev runs
// where Postgres is not available.
package bolt

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const cursorBucket = "sync_cursor"

// CursorStore persists sync cursors in a local bbolt file.
type CursorStore struct {
	db *bolt.DB
}

// Open opens or creates the cursor database.
func Open(path string) (*CursorStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cursor database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cursorBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cursor bucket: %w", err)
	}
	return &CursorStore{db: db}, nil
}

// Close releases the database file.
func (s *CursorStore) Close() error { return s.db.Close() }

// Load returns the cursor for a sync, or nil when none has been saved.
func (s *CursorStore) Load(syncID string) (map[string]interface{}, error) {
	var data map[string]interface{}
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(cursorBucket)).Get([]byte(syncID))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &data)
	})
	if err != nil {
		return nil, fmt.Errorf("loading cursor for %s: %w", syncID, err)
	}
	return data, nil
}

// Save persists the cursor for a sync.
func (s *CursorStore) Save(syncID string, data map[string]interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding cursor for %s: %w", syncID, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(cursorBucket)).Put([]byte(syncID), raw)
	})
	if err != nil {
		return fmt.Errorf("saving cursor for %s: %w", syncID, err)
	}
	return nil
}

// Delete removes a sync's cursor.
func (s *CursorStore) Delete(syncID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(cursorBucket)).Delete([]byte(syncID))
	})
	if err != nil {
		return fmt.Errorf("deleting cursor for %s: %w", syncID, err)
	}
	return nil
}
