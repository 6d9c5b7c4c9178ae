package doc

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/loomnotes/loom/errors"
)

// register is one replicated cell: the title or a single block.
// Conflicts resolve by highest clock, with the actor id as a deterministic
// tiebreak so concurrent writes converge identically on every replica.
type register struct {
	Value   string `json:"value"`
	Deleted bool   `json:"deleted,omitempty"`
	Clock   int64  `json:"clock"`
	Actor   string `json:"actor"`
	Order   int64  `json:"order,omitempty"` // block position, assigned at first write
}

// wins reports whether r beats other under LWW ordering.
func (r register) wins(other register) bool {
	if r.Clock != other.Clock {
		return r.Clock > other.Clock
	}
	return r.Actor > other.Actor
}

// lwwState is the wire/persistence form of an LWW document.
type lwwState struct {
	DocID     string              `json:"doc_id"`
	Registers map[string]register `json:"registers"`
}

// LWWDocument is the reference Document implementation: a map of
// last-writer-wins registers keyed by block id (TitleKey for the title).
type LWWDocument struct {
	mu        sync.Mutex
	id        string
	actor     string
	registers map[string]register
	maxClock  int64
	listeners []func(changed []string)
}

// NewLWW creates an empty replica for the given document, attributing local
// mutations to the given actor (typically the device id).
func NewLWW(docID, actor string) *LWWDocument {
	return &LWWDocument{
		id:        docID,
		actor:     actor,
		registers: make(map[string]register),
	}
}

// HydrateLWW restores a replica from a persisted state blob.
func HydrateLWW(state []byte, actor string) (*LWWDocument, error) {
	var s lwwState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode document state")
	}
	d := NewLWW(s.DocID, actor)
	for k, r := range s.Registers {
		d.registers[k] = r
		if r.Clock > d.maxClock {
			d.maxClock = r.Clock
		}
	}
	return d, nil
}

// ID returns the document id.
func (d *LWWDocument) ID() string {
	return d.id
}

// Content materializes the current winning state: title plus live blocks in
// insertion order.
func (d *LWWDocument) Content() Content {
	d.mu.Lock()
	defer d.mu.Unlock()

	var c Content
	if title, ok := d.registers[TitleKey]; ok && !title.Deleted {
		c.Title = title.Value
	}

	type ordered struct {
		block Block
		order int64
	}
	var blocks []ordered
	for key, r := range d.registers {
		if key == TitleKey || r.Deleted {
			continue
		}
		blocks = append(blocks, ordered{Block{ID: key, Text: r.Value}, r.Order})
	}
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].order != blocks[j].order {
			return blocks[i].order < blocks[j].order
		}
		return blocks[i].block.ID < blocks[j].block.ID
	})
	for _, b := range blocks {
		c.Blocks = append(c.Blocks, b.block)
	}
	return c
}

// SetTitle replaces the document title.
func (d *LWWDocument) SetTitle(title string) {
	d.write(TitleKey, title, false)
}

// PutBlock inserts or replaces a block's text.
func (d *LWWDocument) PutBlock(blockID, text string) {
	d.write(blockID, text, false)
}

// RemoveBlock tombstones a block. The register survives as a tombstone so
// the deletion wins over concurrent slower edits.
func (d *LWWDocument) RemoveBlock(blockID string) {
	d.write(blockID, "", true)
}

// write applies a local mutation under a clock strictly above everything seen.
func (d *LWWDocument) write(key, value string, deleted bool) {
	d.mu.Lock()
	clock := time.Now().UnixNano()
	if clock <= d.maxClock {
		clock = d.maxClock + 1
	}
	d.maxClock = clock

	order := clock
	if prev, ok := d.registers[key]; ok && prev.Order != 0 {
		order = prev.Order
	}

	d.registers[key] = register{
		Value:   value,
		Deleted: deleted,
		Clock:   clock,
		Actor:   d.actor,
		Order:   order,
	}
	listeners := d.listeners
	d.mu.Unlock()

	for _, fn := range listeners {
		fn([]string{key})
	}
}

// ExportState serializes the full replica state. The engine persists this
// blob and ships it to the relay as its delta; register-wise merge makes a
// full state a valid (if verbose) delta.
func (d *LWWDocument) ExportState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := make(map[string]register, len(d.registers))
	for k, r := range d.registers {
		regs[k] = r
	}
	raw, err := json.Marshal(lwwState{DocID: d.id, Registers: regs})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode state for %s", d.id)
	}
	return raw, nil
}

// ApplyDelta merges a remote delta. Idempotent and commutative: replaying
// the same delta, or applying deltas in any order, converges to the same
// state. Returns the keys whose winning value changed.
func (d *LWWDocument) ApplyDelta(delta []byte) ([]string, error) {
	var s lwwState
	if err := json.Unmarshal(delta, &s); err != nil {
		return nil, errors.Wrapf(err, "failed to decode delta for %s", d.id)
	}

	d.mu.Lock()
	var changed []string
	for key, incoming := range s.Registers {
		if incoming.Clock > d.maxClock {
			d.maxClock = incoming.Clock
		}
		current, ok := d.registers[key]
		if ok && !incoming.wins(current) {
			continue
		}
		if !ok || current.Value != incoming.Value || current.Deleted != incoming.Deleted {
			changed = append(changed, key)
		}
		d.registers[key] = incoming
	}
	listeners := d.listeners
	d.mu.Unlock()

	if len(changed) > 0 {
		sort.Strings(changed)
		for _, fn := range listeners {
			fn(changed)
		}
	}
	return changed, nil
}

// OnChange registers a change listener. Listeners run synchronously on the
// mutating goroutine.
func (d *LWWDocument) OnChange(fn func(changed []string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}
