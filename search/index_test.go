package search

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomnotes/loom/doc"
	loomtest "github.com/loomnotes/loom/internal/testing"
	"github.com/loomnotes/loom/store"
)

func testIndex(t *testing.T) (*Index, *store.KVStore) {
	t.Helper()
	kv := store.NewKVStore(loomtest.CreateTestDB(t))
	idx := NewIndex(kv, 50*time.Millisecond, 200*time.Millisecond, 20, zap.NewNop().Sugar())
	t.Cleanup(idx.Close)
	return idx, kv
}

func content(title string, blocks ...doc.Block) doc.Content {
	return doc.Content{Title: title, Blocks: blocks}
}

func docIDs(results []Result) []string {
	seen := map[string]bool{}
	var ids []string
	for _, r := range results {
		if !seen[r.DocID] {
			seen[r.DocID] = true
			ids = append(ids, r.DocID)
		}
	}
	return ids
}

func TestIndex_ExactAndPrefixMatch(t *testing.T) {
	idx, _ := testIndex(t)
	idx.IndexPartial("d1", content("Meeting notes", doc.Block{ID: "b1", Text: "quarterly planning session"}), nil)
	idx.IndexPartial("d2", content("Groceries", doc.Block{ID: "b1", Text: "milk and eggs"}), nil)

	assert.Equal(t, []string{"d1"}, docIDs(idx.Search("planning")))
	assert.Equal(t, []string{"d1"}, docIDs(idx.Search("plan")), "prefix should match")
	assert.Equal(t, []string{"d2"}, docIDs(idx.Search("milk")))
	assert.Empty(t, idx.Search("absent"))
}

func TestIndex_FuzzyTypoMatch(t *testing.T) {
	idx, _ := testIndex(t)
	idx.IndexPartial("d1", content("Kubernetes runbook"), nil)

	assert.Equal(t, []string{"d1"}, docIDs(idx.Search("kubernets")))
}

func TestIndex_MultiwordRequiresAllTokens(t *testing.T) {
	idx, _ := testIndex(t)
	idx.IndexPartial("d1", content("", doc.Block{ID: "b1", Text: "sync engine design"}), nil)
	idx.IndexPartial("d2", content("", doc.Block{ID: "b1", Text: "engine overhaul"}), nil)

	assert.Equal(t, []string{"d1"}, docIDs(idx.Search("sync engine")))
}

func TestIndex_TitleIsSyntheticEntry(t *testing.T) {
	idx, _ := testIndex(t)
	idx.IndexPartial("d1", content("Roadmap", doc.Block{ID: "b1", Text: "details"}), nil)

	results := idx.Search("roadmap")
	require.Len(t, results, 1)
	assert.Equal(t, doc.TitleKey, results[0].BlockID)
}

func TestIndexPartial_IncrementalUpsertAndRemove(t *testing.T) {
	idx, _ := testIndex(t)
	idx.IndexPartial("d1", content("t",
		doc.Block{ID: "b1", Text: "alpha"},
		doc.Block{ID: "b2", Text: "beta"},
	), nil)

	// b1 edited, b2 deleted from the content tree.
	updated := content("t", doc.Block{ID: "b1", Text: "gamma"})
	idx.IndexPartial("d1", updated, []string{"b1", "b2"})

	assert.Empty(t, idx.Search("alpha"))
	assert.Empty(t, idx.Search("beta"))
	assert.Equal(t, []string{"d1"}, docIDs(idx.Search("gamma")))
}

func TestIndexPartial_TitleChange(t *testing.T) {
	idx, _ := testIndex(t)
	idx.IndexPartial("d1", content("old name"), nil)
	idx.IndexPartial("d1", content("new name"), []string{doc.TitleKey})

	assert.Empty(t, idx.Search("old"))
	assert.Equal(t, []string{"d1"}, docIDs(idx.Search("new")))
}

func TestIndexPartial_NilChangedFullyReindexes(t *testing.T) {
	idx, _ := testIndex(t)
	idx.IndexPartial("d1", content("t", doc.Block{ID: "b1", Text: "stale words"}), nil)
	idx.IndexPartial("d1", content("t", doc.Block{ID: "b2", Text: "fresh words"}), nil)

	assert.Empty(t, idx.Search("stale"))
	assert.Equal(t, []string{"d1"}, docIDs(idx.Search("fresh")))
}

func TestIndex_UnindexAndHas(t *testing.T) {
	idx, _ := testIndex(t)
	assert.False(t, idx.Has("d1"))

	idx.IndexPartial("d1", content("something"), nil)
	assert.True(t, idx.Has("d1"))

	idx.Unindex("d1")
	assert.False(t, idx.Has("d1"))
	assert.Empty(t, idx.Search("something"))
}

func TestIndex_PersistAndLoad(t *testing.T) {
	idx, kv := testIndex(t)
	idx.IndexPartial("d1", content("persisted title", doc.Block{ID: "b1", Text: "persisted body"}), nil)
	idx.Flush()

	reloaded := NewIndex(kv, time.Minute, time.Hour, 20, zap.NewNop().Sugar())
	t.Cleanup(reloaded.Close)
	require.NoError(t, reloaded.Load())

	assert.True(t, reloaded.Has("d1"))
	assert.Equal(t, []string{"d1"}, docIDs(reloaded.Search("persisted")))
}

func TestIndex_LoadCorruptBlobStartsEmpty(t *testing.T) {
	kv := store.NewKVStore(loomtest.CreateTestDB(t))
	require.NoError(t, kv.Put(store.KeySearchIndex, []byte("not json {")))

	idx := NewIndex(kv, time.Minute, time.Hour, 20, zap.NewNop().Sugar())
	t.Cleanup(idx.Close)
	require.NoError(t, idx.Load())
	assert.Empty(t, idx.IDs())
}

func TestIndex_CeilingBoundsPersistenceUnderContinuousEdits(t *testing.T) {
	idx, kv := testIndex(t)

	// Touch faster than the 50ms debounce for longer than the 200ms ceiling;
	// the ceiling must force a flush anyway.
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		idx.IndexPartial("d1", content("busy doc"), nil)
		time.Sleep(20 * time.Millisecond)
	}

	_, err := kv.Get(store.KeySearchIndex)
	assert.NoError(t, err, "index should have been persisted within the ceiling")
}

func TestIndex_ResultLimit(t *testing.T) {
	kv := store.NewKVStore(loomtest.CreateTestDB(t))
	idx := NewIndex(kv, time.Minute, time.Hour, 2, zap.NewNop().Sugar())
	t.Cleanup(idx.Close)

	idx.IndexPartial("d1", content("common word"), nil)
	idx.IndexPartial("d2", content("common word"), nil)
	idx.IndexPartial("d3", content("common word"), nil)

	assert.Len(t, idx.Search("common"), 2)
}

func TestPreview_CutsOnRuneBoundary(t *testing.T) {
	// A long run without spaces forces a byte-length cut; the cut must back
	// off to a rune boundary rather than emit a split multi-byte rune.
	long := "a" + strings.Repeat("語", 80)
	p := preview(long)
	assert.True(t, utf8.ValidString(p))
	assert.True(t, strings.HasSuffix(p, "…"))
	assert.Less(t, len(p), len(long))

	spaced := strings.Repeat("word ", 40)
	assert.True(t, utf8.ValidString(preview(spaced)))
	assert.True(t, strings.HasSuffix(preview(spaced), "…"))
}
