package snapshot

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Wildcard subscribes a listener to every document's snapshot changes.
const Wildcard = "*"

// Listener observes snapshot changes. A nil snapshot means the document was
// removed from the cache.
type Listener func(docID string, snap *Snapshot)

// Cache is the in-memory reactive projection the UI reads. Refreshes are
// asynchronous, so each one captures an invalidation token at start; a
// result is applied only if its token is still the current one for that id.
// Out-of-order responses and results from a previous session are discarded
// without server-side sequence numbers.
type Cache struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	snaps   map[string]*Snapshot
	tokens  map[string]string
	subs    map[string]map[int]Listener
	nextSub int
}

// NewCache creates an empty snapshot cache.
func NewCache(logger *zap.SugaredLogger) *Cache {
	return &Cache{
		logger: logger,
		snaps:  make(map[string]*Snapshot),
		tokens: make(map[string]string),
		subs:   make(map[string]map[int]Listener),
	}
}

// Prime loads persisted snapshots into the cache for a fast cold start.
// No listeners fire; priming precedes subscription.
func (c *Cache) Prime(snaps []*Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range snaps {
		c.snaps[s.ID] = s
	}
}

// Get returns the cached snapshot for a document, if any.
func (c *Cache) Get(docID string) (*Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snaps[docID]
	return s, ok
}

// GetAll returns every cached snapshot ordered by document id.
func (c *Cache) GetAll() []*Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	all := make([]*Snapshot, 0, len(c.snaps))
	for _, s := range c.snaps {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Subscribe registers a listener for one document id, or Wildcard for all.
// The returned function unsubscribes.
func (c *Cache) Subscribe(docID string, fn Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs[docID] == nil {
		c.subs[docID] = make(map[int]Listener)
	}
	id := c.nextSub
	c.nextSub++
	c.subs[docID][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[docID], id)
	}
}

// BeginRefresh marks the start of an asynchronous refresh for a document and
// returns the token the result must present to Complete.
func (c *Cache) BeginRefresh(docID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := uuid.NewString()
	c.tokens[docID] = token
	return token
}

// Complete applies a refresh result if its token is still current. Returns
// false when the result is stale — superseded by a newer refresh or a
// session reset — in which case the cache is untouched.
//
// Listeners fire only when the snapshot's value actually changed.
func (c *Cache) Complete(docID, token string, snap *Snapshot) bool {
	c.mu.Lock()
	if c.tokens[docID] != token {
		c.mu.Unlock()
		c.logger.Debugw("Discarded stale snapshot refresh", "doc_id", docID)
		return false
	}
	delete(c.tokens, docID)

	prev := c.snaps[docID]
	c.snaps[docID] = snap
	changed := !snap.Equal(prev)
	listeners := c.listenersFor(docID)
	c.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(docID, snap)
		}
	}
	return true
}

// Set applies a snapshot unconditionally, for synchronous updates made under
// the caller's own ordering (sync settle writes). Listeners fire only on a
// value change.
func (c *Cache) Set(snap *Snapshot) {
	c.mu.Lock()
	// A direct write supersedes any refresh in flight for this id.
	delete(c.tokens, snap.ID)
	prev := c.snaps[snap.ID]
	c.snaps[snap.ID] = snap
	changed := !snap.Equal(prev)
	listeners := c.listenersFor(snap.ID)
	c.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(snap.ID, snap)
		}
	}
}

// Remove drops a document from the cache, notifying listeners with nil.
func (c *Cache) Remove(docID string) {
	c.mu.Lock()
	delete(c.tokens, docID)
	_, existed := c.snaps[docID]
	delete(c.snaps, docID)
	listeners := c.listenersFor(docID)
	c.mu.Unlock()

	if existed {
		for _, fn := range listeners {
			fn(docID, nil)
		}
	}
}

// ResetSession clears the cache and invalidates every outstanding refresh
// token at once. Call on sign-out/sign-in; in-flight responses issued under
// the old session can no longer land.
func (c *Cache) ResetSession() {
	c.mu.Lock()
	removed := make([]string, 0, len(c.snaps))
	for id := range c.snaps {
		removed = append(removed, id)
	}
	sort.Strings(removed)
	c.snaps = make(map[string]*Snapshot)
	c.tokens = make(map[string]string)
	c.mu.Unlock()

	c.logger.Infow("Snapshot cache session reset", "dropped", len(removed))
	for _, id := range removed {
		c.mu.Lock()
		listeners := c.listenersFor(id)
		c.mu.Unlock()
		for _, fn := range listeners {
			fn(id, nil)
		}
	}
}

// listenersFor collects per-id and wildcard listeners. Caller holds c.mu.
func (c *Cache) listenersFor(docID string) []Listener {
	var out []Listener
	for _, fn := range c.subs[docID] {
		out = append(out, fn)
	}
	for _, fn := range c.subs[Wildcard] {
		out = append(out, fn)
	}
	return out
}
