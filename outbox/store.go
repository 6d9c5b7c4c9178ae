// Package outbox is the durable outbound mutation queue: writes attempted
// while offline are recorded here and replayed serially when connectivity
// returns. Delivery is at-least-once; server endpoints deduplicate by
// correlation id.
package outbox

import (
	"database/sql"
	"time"

	"github.com/loomnotes/loom/errors"
)

// Entry is one queued write. Kind plus CorrelationID carry enough metadata
// to run post-success local cleanup; Method, Path, and Payload reconstruct
// the original request.
type Entry struct {
	Seq           int64     `json:"seq"`
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	CorrelationID string    `json:"correlation_id"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	Payload       []byte    `json:"payload,omitempty"`
	Attempts      int       `json:"attempts"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// Store persists queue entries in the outbox table. seq preserves insertion
// order; a re-appended entry gets a fresh seq and keeps its original
// enqueued_at so retention is measured from first enqueue.
type Store struct {
	db *sql.DB
}

// NewStore creates an outbox store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append adds an entry at the tail of the queue.
func (s *Store) Append(e *Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO outbox (id, kind, correlation_id, method, path, payload, attempts, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Kind, e.CorrelationID, e.Method, e.Path, e.Payload,
		e.Attempts, e.EnqueuedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrapf(err, "failed to append outbox entry %s", e.ID)
	}
	return nil
}

// List returns all entries in insertion order.
func (s *Store) List() ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, kind, correlation_id, method, path, payload, attempts, enqueued_at
		FROM outbox ORDER BY seq ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list outbox entries")
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e          Entry
			enqueuedAt string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Kind, &e.CorrelationID,
			&e.Method, &e.Path, &e.Payload, &e.Attempts, &enqueuedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan outbox entry")
		}
		if e.EnqueuedAt, err = time.Parse(time.RFC3339, enqueuedAt); err != nil {
			return nil, errors.Wrapf(err, "bad enqueued_at on outbox entry %s", e.ID)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Delete removes one entry by its seq.
func (s *Store) Delete(seq int64) error {
	if _, err := s.db.Exec("DELETE FROM outbox WHERE seq = ?", seq); err != nil {
		return errors.Wrapf(err, "failed to delete outbox entry %d", seq)
	}
	return nil
}

// EvictOlderThan drops entries first enqueued before the cutoff and returns
// how many were dropped.
func (s *Store) EvictOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM outbox WHERE enqueued_at < ?",
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, errors.Wrap(err, "failed to evict expired outbox entries")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count evicted outbox entries")
	}
	return n, nil
}

// Count returns the number of queued entries.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM outbox").Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count outbox entries")
	}
	return n, nil
}
