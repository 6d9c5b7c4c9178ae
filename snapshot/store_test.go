package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomnotes/loom/doc"
	"github.com/loomnotes/loom/errors"
	loomtest "github.com/loomnotes/loom/internal/testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(loomtest.CreateTestDB(t), zap.NewNop().Sugar())
}

func sample(id, title string) *Snapshot {
	now := time.Now().UTC().Truncate(time.Second)
	return &Snapshot{
		ID:        id,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Access:    []string{"owner@example.com"},
		Content: doc.Content{
			Title:  title,
			Blocks: []doc.Block{{ID: "b1", Text: "hello"}},
		},
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := testStore(t)
	want := sample("d1", "First note")
	require.NoError(t, s.Put(want))

	got, err := s.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, want.Title, got.Title)
	assert.Equal(t, want.Access, got.Access)
	assert.Equal(t, want.Content, got.Content)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

func TestStore_GetMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.Get("nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_PutReplacesExisting(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Put(sample("d1", "old title")))
	require.NoError(t, s.Put(sample("d1", "new title")))

	got, err := s.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, "new title", got.Title)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_DeleteAndHas(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Put(sample("d1", "t")))

	ok, err := s.Has("d1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete("d1"))

	ok, err = s.Has("d1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_IDs(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Put(sample("d1", "a")))
	require.NoError(t, s.Put(sample("d2", "b")))

	ids, err := s.IDs()
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, "d1")
	assert.Contains(t, ids, "d2")
}

func TestStore_EvictOldestSparesWriter(t *testing.T) {
	s := testStore(t)
	for _, snap := range []*Snapshot{sample("old1", "a"), sample("old2", "b"), sample("keep", "c")} {
		require.NoError(t, s.Put(snap))
	}
	// Make "keep" clearly the newest.
	newest := sample("keep", "c")
	newest.UpdatedAt = newest.UpdatedAt.Add(time.Hour)
	require.NoError(t, s.Put(newest))

	require.NoError(t, s.evictOldest(2, "keep"))

	ok, err := s.Has("keep")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
