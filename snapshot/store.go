package snapshot

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/loomnotes/loom/db"
	"github.com/loomnotes/loom/errors"
)

// evictBatchSize is how many of the oldest snapshots are dropped when a
// write hits storage pressure, before the write is retried once.
const evictBatchSize = 10

// Store persists snapshots in the doc_snapshots table.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a snapshot store.
func NewStore(database *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: database, logger: logger}
}

// Get returns the persisted snapshot for a document.
// Returns errors.ErrNotFound if none exists.
func (s *Store) Get(docID string) (*Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT doc_id, title, created_at, updated_at, access, snapshot
		FROM doc_snapshots WHERE doc_id = ?
	`, docID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "no snapshot for %s", docID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get snapshot for %s", docID)
	}
	return snap, nil
}

// Put upserts a snapshot. On a storage-pressure error it evicts the oldest
// snapshots and retries once; snapshots are rebuildable so eviction only
// costs a future re-sync.
func (s *Store) Put(snap *Snapshot) error {
	err := s.put(snap)
	if err == nil {
		return nil
	}
	if !db.IsQuotaError(err) {
		return err
	}

	s.logger.Warnw("Snapshot write hit storage pressure, evicting oldest snapshots",
		"doc_id", snap.ID,
		"evict", evictBatchSize,
	)
	if evictErr := s.evictOldest(evictBatchSize, snap.ID); evictErr != nil {
		return errors.CombineErrors(err, evictErr)
	}
	return s.put(snap)
}

func (s *Store) put(snap *Snapshot) error {
	access, err := json.Marshal(snap.Access)
	if err != nil {
		return errors.Wrapf(err, "failed to encode access list for %s", snap.ID)
	}
	content, err := json.Marshal(snap.Content)
	if err != nil {
		return errors.Wrapf(err, "failed to encode snapshot for %s", snap.ID)
	}

	_, err = s.db.Exec(`
		INSERT INTO doc_snapshots (doc_id, title, created_at, updated_at, access, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			access = excluded.access,
			snapshot = excluded.snapshot
	`, snap.ID, snap.Title,
		snap.CreatedAt.UTC().Format(time.RFC3339),
		snap.UpdatedAt.UTC().Format(time.RFC3339),
		string(access), string(content))
	if err != nil {
		return errors.Wrapf(err, "failed to put snapshot for %s", snap.ID)
	}
	return nil
}

// evictOldest deletes the n least recently updated snapshots, sparing the
// one currently being written.
func (s *Store) evictOldest(n int, spareID string) error {
	_, err := s.db.Exec(`
		DELETE FROM doc_snapshots WHERE doc_id IN (
			SELECT doc_id FROM doc_snapshots
			WHERE doc_id != ?
			ORDER BY updated_at ASC
			LIMIT ?
		)
	`, spareID, n)
	if err != nil {
		return errors.Wrap(err, "failed to evict oldest snapshots")
	}
	return nil
}

// Delete removes the snapshot for a document.
func (s *Store) Delete(docID string) error {
	if _, err := s.db.Exec("DELETE FROM doc_snapshots WHERE doc_id = ?", docID); err != nil {
		return errors.Wrapf(err, "failed to delete snapshot for %s", docID)
	}
	return nil
}

// Has reports whether a snapshot exists for the document.
func (s *Store) Has(docID string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM doc_snapshots WHERE doc_id = ?", docID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check snapshot for %s", docID)
	}
	return true, nil
}

// IDs returns the set of document ids that have a persisted snapshot.
func (s *Store) IDs() (map[string]struct{}, error) {
	rows, err := s.db.Query("SELECT doc_id FROM doc_snapshots")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list snapshot ids")
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan snapshot id")
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// All returns every persisted snapshot, most recently updated first.
func (s *Store) All() ([]*Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT doc_id, title, created_at, updated_at, access, snapshot
		FROM doc_snapshots ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list snapshots")
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan snapshot")
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Count returns the number of persisted snapshots.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM doc_snapshots").Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count snapshots")
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var (
		snap               Snapshot
		createdAt, updated string
		access, content    string
	)
	if err := row.Scan(&snap.ID, &snap.Title, &createdAt, &updated, &access, &content); err != nil {
		return nil, err
	}

	var err error
	if snap.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "bad created_at for %s", snap.ID)
	}
	if snap.UpdatedAt, err = time.Parse(time.RFC3339, updated); err != nil {
		return nil, errors.Wrapf(err, "bad updated_at for %s", snap.ID)
	}
	if err := json.Unmarshal([]byte(access), &snap.Access); err != nil {
		return nil, errors.Wrapf(err, "bad access list for %s", snap.ID)
	}
	if err := json.Unmarshal([]byte(content), &snap.Content); err != nil {
		return nil, errors.Wrapf(err, "bad snapshot body for %s", snap.ID)
	}
	return &snap, nil
}
