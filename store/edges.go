package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"github.com/loomnotes/loom/errors"
)

// Edge is a denormalized reference between two documents. Edges are always
// derived from the server's edge list, never independently authored, and are
// fully replaced per reconciliation pass.
type Edge struct {
	ID            string `json:"id"`
	SourceID      string `json:"source_id"`
	SourceBlockID string `json:"source_block_id,omitempty"`
	TargetID      string `json:"target_id"`
	TargetBlockID string `json:"target_block_id,omitempty"`
	Label         string `json:"label"`
	Broken        bool   `json:"broken"`
}

// Key derives the edge's stable identity from its composite key.
func (e Edge) Key() string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		e.SourceID, e.SourceBlockID, e.TargetID, e.TargetBlockID, e.Label,
	}, "\x00")))
	return hex.EncodeToString(h[:16])
}

// Same reports whether two edges are identical in every field except ID.
func (e Edge) Same(other Edge) bool {
	return e.SourceID == other.SourceID &&
		e.SourceBlockID == other.SourceBlockID &&
		e.TargetID == other.TargetID &&
		e.TargetBlockID == other.TargetBlockID &&
		e.Label == other.Label &&
		e.Broken == other.Broken
}

// EdgeStore persists the derived edge set with secondary lookups by source
// and target document.
type EdgeStore struct {
	db *sql.DB
}

// NewEdgeStore creates an edge store
func NewEdgeStore(db *sql.DB) *EdgeStore {
	return &EdgeStore{db: db}
}

// All returns every stored edge keyed by id.
func (s *EdgeStore) All() (map[string]Edge, error) {
	rows, err := s.db.Query(`
		SELECT id, source_id, COALESCE(source_block_id, ''), target_id,
		       COALESCE(target_block_id, ''), label, broken
		FROM edges
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list edges")
	}
	defer rows.Close()

	edges := make(map[string]Edge)
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges[e.ID] = e
	}
	return edges, rows.Err()
}

// BySource returns all edges whose source is the given document.
func (s *EdgeStore) BySource(docID string) ([]Edge, error) {
	return s.query(`
		SELECT id, source_id, COALESCE(source_block_id, ''), target_id,
		       COALESCE(target_block_id, ''), label, broken
		FROM edges WHERE source_id = ?
	`, docID)
}

// ByTarget returns all edges whose target is the given document.
func (s *EdgeStore) ByTarget(docID string) ([]Edge, error) {
	return s.query(`
		SELECT id, source_id, COALESCE(source_block_id, ''), target_id,
		       COALESCE(target_block_id, ''), label, broken
		FROM edges WHERE target_id = ?
	`, docID)
}

// Upsert inserts or replaces an edge row.
func (s *EdgeStore) Upsert(e Edge) error {
	if e.ID == "" {
		e.ID = e.Key()
	}
	_, err := s.db.Exec(`
		INSERT INTO edges (id, source_id, source_block_id, target_id, target_block_id, label, broken)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_id = excluded.source_id,
			source_block_id = excluded.source_block_id,
			target_id = excluded.target_id,
			target_block_id = excluded.target_block_id,
			label = excluded.label,
			broken = excluded.broken
	`, e.ID, e.SourceID, nullable(e.SourceBlockID), e.TargetID, nullable(e.TargetBlockID), e.Label, boolInt(e.Broken))
	if err != nil {
		return errors.Wrapf(err, "failed to upsert edge %s", e.ID)
	}
	return nil
}

// Delete removes an edge row by id.
func (s *EdgeStore) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM edges WHERE id = ?", id); err != nil {
		return errors.Wrapf(err, "failed to delete edge %s", id)
	}
	return nil
}

func (s *EdgeStore) query(q string, args ...interface{}) ([]Edge, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query edges")
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func scanEdge(rows *sql.Rows) (Edge, error) {
	var e Edge
	var broken int
	if err := rows.Scan(&e.ID, &e.SourceID, &e.SourceBlockID, &e.TargetID, &e.TargetBlockID, &e.Label, &broken); err != nil {
		return Edge{}, errors.Wrap(err, "failed to scan edge row")
	}
	e.Broken = broken == 1
	return e, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
