package doc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loomtest "github.com/loomnotes/loom/internal/testing"
	"github.com/loomnotes/loom/store"
)

func newManager(t *testing.T) (*Manager, *store.StateStore) {
	t.Helper()
	db := loomtest.CreateTestDB(t)
	states := store.NewStateStore(db)
	return NewManager(states, "device-test"), states
}

func TestManager_OpenMissingReturnsEmpty(t *testing.T) {
	m, _ := newManager(t)

	d, localCreated, err := m.Open("doc-1")
	require.NoError(t, err)
	assert.False(t, localCreated)
	assert.Empty(t, d.Content().Blocks)
}

func TestManager_SaveAndReopen(t *testing.T) {
	m, _ := newManager(t)

	d, _, err := m.Open("doc-1")
	require.NoError(t, err)
	d.SetTitle("hello")
	d.PutBlock("b1", "world")
	require.NoError(t, m.Save(d, false))

	reopened, localCreated, err := m.Open("doc-1")
	require.NoError(t, err)
	assert.False(t, localCreated)
	assert.Equal(t, d.Content(), reopened.Content())
}

func TestManager_CreateLocalSetsFlag(t *testing.T) {
	m, states := newManager(t)

	_, err := m.CreateLocal("doc-new", "Fresh doc")
	require.NoError(t, err)

	_, localCreated, err := states.Get("doc-new")
	require.NoError(t, err)
	assert.True(t, localCreated, "locally created doc must carry the creation flag")

	_, localCreated, err = m.Open("doc-new")
	require.NoError(t, err)
	assert.True(t, localCreated)
}

func TestManager_CorruptStateFallsBackToEmpty(t *testing.T) {
	m, states := newManager(t)
	require.NoError(t, states.Put("doc-1", []byte("garbage"), false))

	d, _, err := m.Open("doc-1")
	require.NoError(t, err, "corrupt state should rebuild from source of truth, not error")
	assert.Empty(t, d.Content().Blocks)
}

func TestManager_CorruptStateKeepsCreationFlag(t *testing.T) {
	m, states := newManager(t)
	require.NoError(t, states.Put("doc-1", []byte("garbage"), true))

	d, localCreated, err := m.Open("doc-1")
	require.NoError(t, err)
	assert.Empty(t, d.Content().Blocks)
	assert.True(t, localCreated, "the pending creation write must survive a corrupt blob")
}

func TestManager_Destroy(t *testing.T) {
	m, states := newManager(t)
	_, err := m.CreateLocal("doc-1", "t")
	require.NoError(t, err)

	require.NoError(t, m.Destroy("doc-1"))
	has, err := states.Has("doc-1")
	require.NoError(t, err)
	assert.False(t, has)
}
