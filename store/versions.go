// Package store provides the sqlite-backed persistence for the sync engine's
// owned schema: the version table, replicated document state blobs, the
// denormalized edge table, and a small key-value table.
//
// All writes are last-writer-wins upserts. Each document id's true state is
// independently converged, so no cross-document transactions are needed.
package store

import (
	"database/sql"
	"time"

	"github.com/loomnotes/loom/errors"
)

// VersionStore tracks the client's last-known-synced version per document.
// A row is written only after a successful, authenticated merge.
type VersionStore struct {
	db *sql.DB
}

// NewVersionStore creates a version store
func NewVersionStore(db *sql.DB) *VersionStore {
	return &VersionStore{db: db}
}

// Get returns the synced version for a document, or ok=false if none exists.
func (s *VersionStore) Get(docID string) (version int64, ok bool, err error) {
	err = s.db.QueryRow("SELECT version FROM doc_versions WHERE doc_id = ?", docID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to get version for %s", docID)
	}
	return version, true, nil
}

// Put upserts the synced version for a document.
func (s *VersionStore) Put(docID string, version int64) error {
	_, err := s.db.Exec(`
		INSERT INTO doc_versions (doc_id, version, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at
	`, docID, version, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrapf(err, "failed to put version for %s", docID)
	}
	return nil
}

// Delete removes the version record for a document.
func (s *VersionStore) Delete(docID string) error {
	if _, err := s.db.Exec("DELETE FROM doc_versions WHERE doc_id = ?", docID); err != nil {
		return errors.Wrapf(err, "failed to delete version for %s", docID)
	}
	return nil
}

// All returns every known (doc id, version) pair.
func (s *VersionStore) All() (map[string]int64, error) {
	rows, err := s.db.Query("SELECT doc_id, version FROM doc_versions")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list versions")
	}
	defer rows.Close()

	versions := make(map[string]int64)
	for rows.Next() {
		var id string
		var v int64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, errors.Wrap(err, "failed to scan version row")
		}
		versions[id] = v
	}
	return versions, rows.Err()
}
