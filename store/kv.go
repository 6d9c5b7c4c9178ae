package store

import (
	"database/sql"
	"time"

	"github.com/loomnotes/loom/errors"
)

// Keys used in the kv table.
const (
	KeySearchIndex  = "search_index"   // serialized search index blob
	KeyLastSyncedAt = "last_synced_at" // RFC3339 timestamp of the last completed cycle
)

// KVStore is a small key-value table for engine bookkeeping: the serialized
// search index blob and the last-synced-at marker.
type KVStore struct {
	db *sql.DB
}

// NewKVStore creates a key-value store
func NewKVStore(db *sql.DB) *KVStore {
	return &KVStore{db: db}
}

// Get returns the value for a key, or errors.ErrNotFound.
func (s *KVStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "no value for key %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get key %s", key)
	}
	return value, nil
}

// Put upserts the value for a key.
func (s *KVStore) Put(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrapf(err, "failed to put key %s", key)
	}
	return nil
}

// Delete removes a key.
func (s *KVStore) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return errors.Wrapf(err, "failed to delete key %s", key)
	}
	return nil
}

// SetLastSyncedAt records the completion time of a reconciliation cycle.
func (s *KVStore) SetLastSyncedAt(t time.Time) error {
	return s.Put(KeyLastSyncedAt, []byte(t.UTC().Format(time.RFC3339)))
}

// LastSyncedAt returns the completion time of the last cycle, or zero time
// if no cycle has completed yet.
func (s *KVStore) LastSyncedAt() (time.Time, error) {
	raw, err := s.Get(KeyLastSyncedAt)
	if errors.IsNotFoundError(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, string(raw))
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to parse last-synced-at")
	}
	return t, nil
}
