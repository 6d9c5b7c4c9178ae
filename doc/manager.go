package doc

import (
	"github.com/loomnotes/loom/errors"
	"github.com/loomnotes/loom/store"
)

// Manager opens, persists, and destroys replicated documents against the
// local state store. Documents are not kept resident: the orchestrator opens
// one per sync, merges, saves, and tears it down to bound memory.
type Manager struct {
	states *store.StateStore
	actor  string
}

// NewManager creates a document manager. actor attributes local mutations
// (typically the device id).
func NewManager(states *store.StateStore, actor string) *Manager {
	return &Manager{states: states, actor: actor}
}

// Open hydrates a document from the persisted state blob, or returns a fresh
// empty replica if none exists. localCreated reports whether the document
// was created on this device and has no remote counterpart yet.
func (m *Manager) Open(docID string) (d Document, localCreated bool, err error) {
	state, localCreated, err := m.states.Get(docID)
	if errors.IsNotFoundError(err) {
		return NewLWW(docID, m.actor), false, nil
	}
	if err != nil {
		return nil, false, err
	}

	hydrated, err := HydrateLWW(state, m.actor)
	if err != nil {
		// Corrupted local state falls back to an empty replica; the relay
		// merge rebuilds content from the remote copy. The stored creation
		// flag survives the reset, or a pending remote create would be lost.
		return NewLWW(docID, m.actor), localCreated, nil
	}
	return hydrated, localCreated, nil
}

// CreateLocal creates a new document on this device and persists it with the
// local-creation flag set, so the orchestrator issues the remote creation
// write before opening replication for it.
func (m *Manager) CreateLocal(docID, title string) (Document, error) {
	d := NewLWW(docID, m.actor)
	d.SetTitle(title)
	if err := m.Save(d, true); err != nil {
		return nil, err
	}
	return d, nil
}

// ClearLocalCreated drops the local-creation flag once the remote record
// exists.
func (m *Manager) ClearLocalCreated(docID string) error {
	return m.states.ClearLocalCreated(docID)
}

// Save persists the document's current state blob.
func (m *Manager) Save(d Document, localCreated bool) error {
	state, err := d.ExportState()
	if err != nil {
		return err
	}
	return m.states.Put(d.ID(), state, localCreated)
}

// Destroy removes the persisted state for a document.
func (m *Manager) Destroy(docID string) error {
	return m.states.Delete(docID)
}
