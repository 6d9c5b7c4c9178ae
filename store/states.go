package store

import (
	"database/sql"
	"time"

	"github.com/loomnotes/loom/errors"
)

// StateStore persists replicated-document state blobs. The blob is the
// document's exported CRDT state; it is the hydration source for the next
// sync and is destroyed wholesale when the document is purged.
type StateStore struct {
	db *sql.DB
}

// NewStateStore creates a state store
func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// Get returns the persisted state blob and local-creation flag for a document.
// Returns errors.ErrNotFound if no state is persisted.
func (s *StateStore) Get(docID string) (state []byte, localCreated bool, err error) {
	var created int
	err = s.db.QueryRow(
		"SELECT state, local_created FROM doc_states WHERE doc_id = ?", docID,
	).Scan(&state, &created)
	if err == sql.ErrNoRows {
		return nil, false, errors.Wrapf(errors.ErrNotFound, "no state for %s", docID)
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to get state for %s", docID)
	}
	return state, created == 1, nil
}

// Put upserts the state blob for a document.
func (s *StateStore) Put(docID string, state []byte, localCreated bool) error {
	created := 0
	if localCreated {
		created = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO doc_states (doc_id, state, local_created, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			state = excluded.state,
			local_created = excluded.local_created,
			updated_at = excluded.updated_at
	`, docID, state, created, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrapf(err, "failed to put state for %s", docID)
	}
	return nil
}

// ClearLocalCreated drops the local-creation flag once the remote record
// exists, so later syncs skip the creation write.
func (s *StateStore) ClearLocalCreated(docID string) error {
	if _, err := s.db.Exec("UPDATE doc_states SET local_created = 0 WHERE doc_id = ?", docID); err != nil {
		return errors.Wrapf(err, "failed to clear local-created flag for %s", docID)
	}
	return nil
}

// Delete destroys the persisted state for a document.
func (s *StateStore) Delete(docID string) error {
	if _, err := s.db.Exec("DELETE FROM doc_states WHERE doc_id = ?", docID); err != nil {
		return errors.Wrapf(err, "failed to delete state for %s", docID)
	}
	return nil
}

// Has reports whether a state blob exists for the document.
func (s *StateStore) Has(docID string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM doc_states WHERE doc_id = ?", docID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check state for %s", docID)
	}
	return true, nil
}
