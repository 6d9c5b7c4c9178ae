// Package search maintains an incremental full-text index over document
// content. The index lives in memory and answers queries from memory only;
// a serialized copy is persisted (debounced) to the kv table purely for fast
// cold-start rehydration.
package search

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomnotes/loom/debounce"
	"github.com/loomnotes/loom/doc"
	"github.com/loomnotes/loom/errors"
	"github.com/loomnotes/loom/store"
)

// Result is one search hit. BlockID is doc.TitleKey when the title matched.
type Result struct {
	DocID   string `json:"doc_id"`
	BlockID string `json:"block_id"`
	Preview string `json:"preview"`
	Score   int    `json:"score"`
}

const previewLen = 120

// entry is one indexed unit: a block's text, or the title under
// the synthetic (docID, doc.TitleKey) key.
type entry struct {
	DocID   string `json:"doc_id"`
	BlockID string `json:"block_id"`
	Text    string `json:"text"`

	tokens []string
}

type entryKey struct {
	docID   string
	blockID string
}

// Index is the in-memory inverted index plus its debounced persistence.
type Index struct {
	kv     *store.KVStore
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	entries  map[entryKey]*entry
	inverted map[string]map[entryKey]struct{}
	limit    int

	persist *debounce.Trigger
}

// NewIndex creates an empty index that persists itself to kv with the given
// debounce delay and ceiling. resultLimit caps Search output.
func NewIndex(kv *store.KVStore, delay, ceiling time.Duration, resultLimit int, logger *zap.SugaredLogger) *Index {
	idx := &Index{
		kv:       kv,
		logger:   logger,
		entries:  make(map[entryKey]*entry),
		inverted: make(map[string]map[entryKey]struct{}),
		limit:    resultLimit,
	}
	idx.persist = debounce.New(delay, ceiling, idx.flush)
	return idx
}

// persistedIndex is the serialized form in the kv table. The inverted index
// is rebuilt on load, so only the entries travel.
type persistedIndex struct {
	Entries []*entry `json:"entries"`
}

// Load rehydrates the index from the persisted blob. A missing blob is a
// normal cold start; a corrupted blob is logged and discarded — the index
// starts empty and reconciliation reindexes everything, since Has() drives
// the sync set.
func (idx *Index) Load() error {
	raw, err := idx.kv.Get(store.KeySearchIndex)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to load search index")
	}

	var p persistedIndex
	if err := json.Unmarshal(raw, &p); err != nil {
		idx.logger.Warnw("Corrupted search index blob, starting empty",
			"error", err,
		)
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range p.Entries {
		e.tokens = tokenize(e.Text)
		idx.upsertLocked(e)
	}
	idx.logger.Debugw("Search index loaded", "entries", len(idx.entries))
	return nil
}

// IndexPartial updates the index for a document. changed lists the block ids
// whose content moved (doc.TitleKey for the title); nil means "unknown
// delta" — the document is fully unindexed and reindexed from content.
func (idx *Index) IndexPartial(docID string, c doc.Content, changed []string) {
	idx.mu.Lock()

	if changed == nil {
		idx.unindexLocked(docID)
		idx.upsertLocked(&entry{
			DocID: docID, BlockID: doc.TitleKey,
			Text: c.Title, tokens: tokenize(c.Title),
		})
		for _, b := range c.Blocks {
			idx.upsertLocked(&entry{
				DocID: docID, BlockID: b.ID,
				Text: b.Text, tokens: tokenize(b.Text),
			})
		}
		idx.mu.Unlock()
		idx.persist.Touch()
		return
	}

	for _, blockID := range changed {
		if blockID == doc.TitleKey {
			idx.upsertLocked(&entry{
				DocID: docID, BlockID: doc.TitleKey,
				Text: c.Title, tokens: tokenize(c.Title),
			})
			continue
		}
		text, ok := c.Block(blockID)
		if !ok {
			idx.removeLocked(entryKey{docID, blockID})
			continue
		}
		idx.upsertLocked(&entry{
			DocID: docID, BlockID: blockID,
			Text: text, tokens: tokenize(text),
		})
	}
	idx.mu.Unlock()
	idx.persist.Touch()
}

// Unindex removes every entry for a document.
func (idx *Index) Unindex(docID string) {
	idx.mu.Lock()
	idx.unindexLocked(docID)
	idx.mu.Unlock()
	idx.persist.Touch()
}

// Has reports whether the document has any index entry. The reconciler uses
// this as one of its staleness signals.
func (idx *Index) Has(docID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.entries[entryKey{docID, doc.TitleKey}]
	if ok {
		return true
	}
	for k := range idx.entries {
		if k.docID == docID {
			return true
		}
	}
	return false
}

// IDs returns the set of indexed document ids.
func (idx *Index) IDs() map[string]struct{} {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := make(map[string]struct{})
	for k := range idx.entries {
		ids[k.docID] = struct{}{}
	}
	return ids
}

// Flush persists the index immediately if a write is pending.
func (idx *Index) Flush() {
	idx.persist.Flush()
}

// Close flushes pending writes and stops the persistence timers.
func (idx *Index) Close() {
	idx.persist.Flush()
	idx.persist.Stop()
}

// flush serializes the index to the kv table. Runs on the debounce timer.
func (idx *Index) flush() {
	idx.mu.RLock()
	p := persistedIndex{Entries: make([]*entry, 0, len(idx.entries))}
	for _, e := range idx.entries {
		p.Entries = append(p.Entries, e)
	}
	idx.mu.RUnlock()

	sort.Slice(p.Entries, func(i, j int) bool {
		if p.Entries[i].DocID != p.Entries[j].DocID {
			return p.Entries[i].DocID < p.Entries[j].DocID
		}
		return p.Entries[i].BlockID < p.Entries[j].BlockID
	})

	raw, err := json.Marshal(p)
	if err != nil {
		idx.logger.Errorw("Failed to serialize search index", "error", err)
		return
	}
	if err := idx.kv.Put(store.KeySearchIndex, raw); err != nil {
		idx.logger.Errorw("Failed to persist search index", "error", err)
		return
	}
	idx.logger.Debugw("Search index persisted", "entries", len(p.Entries))
}

func (idx *Index) upsertLocked(e *entry) {
	key := entryKey{e.DocID, e.BlockID}
	idx.removeLocked(key)
	idx.entries[key] = e
	for _, tok := range e.tokens {
		if idx.inverted[tok] == nil {
			idx.inverted[tok] = make(map[entryKey]struct{})
		}
		idx.inverted[tok][key] = struct{}{}
	}
}

func (idx *Index) removeLocked(key entryKey) {
	e, ok := idx.entries[key]
	if !ok {
		return
	}
	for _, tok := range e.tokens {
		delete(idx.inverted[tok], key)
		if len(idx.inverted[tok]) == 0 {
			delete(idx.inverted, tok)
		}
	}
	delete(idx.entries, key)
}

func (idx *Index) unindexLocked(docID string) {
	for key := range idx.entries {
		if key.docID == docID {
			idx.removeLocked(key)
		}
	}
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})
	return fields
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r > 127
}
