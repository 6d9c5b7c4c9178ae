// Package snapshot maintains the read-optimized projection of replicated
// documents: a sqlite-backed store plus an in-memory reactive cache the UI
// reads from. Snapshots are never the source of truth; every one is
// rebuildable from its document.
package snapshot

import (
	"time"

	"github.com/loomnotes/loom/doc"
)

// Snapshot is the denormalized, read-optimized view of one document.
type Snapshot struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Access    []string    `json:"access"`
	Content   doc.Content `json:"content"`
}

// FromContent builds a snapshot from current document content, carrying
// forward the creation time of a previous snapshot when one exists.
func FromContent(docID string, c doc.Content, prev *Snapshot) *Snapshot {
	now := time.Now().UTC()
	s := &Snapshot{
		ID:        docID,
		Title:     c.Title,
		CreatedAt: now,
		UpdatedAt: now,
		Content:   c,
	}
	if prev != nil {
		s.CreatedAt = prev.CreatedAt
		s.Access = prev.Access
	}
	return s
}

// Equal reports whether two snapshots carry the same projected value.
// Timestamps are deliberately excluded: a refresh that changes nothing the
// reader can see should not count as a change.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.ID != o.ID || s.Title != o.Title {
		return false
	}
	if !equalStrings(s.Access, o.Access) {
		return false
	}
	if s.Content.Title != o.Content.Title || len(s.Content.Blocks) != len(o.Content.Blocks) {
		return false
	}
	for i, b := range s.Content.Blocks {
		if b != o.Content.Blocks[i] {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
