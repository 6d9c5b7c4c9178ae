package engine

import (
	"github.com/loomnotes/loom/search"
	"github.com/loomnotes/loom/snapshot"
	"github.com/loomnotes/loom/store"
)

// LocalStores adapts the derived stores to the reconciler's view of local
// state: a document is only "present" when every derived store has it.
type LocalStores struct {
	versions  *store.VersionStore
	snapshots *snapshot.Store
	index     *search.Index
}

// NewLocalStores wires the version table, snapshot store, and search index
// into a reconciler-facing view.
func NewLocalStores(versions *store.VersionStore, snapshots *snapshot.Store, index *search.Index) *LocalStores {
	return &LocalStores{versions: versions, snapshots: snapshots, index: index}
}

// Versions returns the last-known-synced version per document.
func (l *LocalStores) Versions() (map[string]int64, error) {
	return l.versions.All()
}

// SnapshotIDs returns the ids with a persisted snapshot.
func (l *LocalStores) SnapshotIDs() (map[string]struct{}, error) {
	return l.snapshots.IDs()
}

// SearchIDs returns the ids present in the search index.
func (l *LocalStores) SearchIDs() map[string]struct{} {
	return l.index.IDs()
}
