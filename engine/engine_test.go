package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomnotes/loom/config"
	"github.com/loomnotes/loom/doc"
	"github.com/loomnotes/loom/errors"
	"github.com/loomnotes/loom/internal/httpclient"
	loomtest "github.com/loomnotes/loom/internal/testing"
	"github.com/loomnotes/loom/manifest"
	"github.com/loomnotes/loom/outbox"
	"github.com/loomnotes/loom/relay"
	"github.com/loomnotes/loom/search"
	"github.com/loomnotes/loom/snapshot"
	"github.com/loomnotes/loom/store"
)

// fakeFetcher serves a scripted manifest.
type fakeFetcher struct {
	mu       sync.Mutex
	manifest *manifest.Manifest
	err      error
}

func (f *fakeFetcher) Fetch(ctx context.Context) (*manifest.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.manifest, nil
}

// fakeSession is a scripted relay session.
type fakeSession struct {
	deltas  chan []byte
	synced  chan struct{}
	revoked chan struct{}

	mu   sync.Mutex
	sent [][]byte
}

const (
	outcomeSynced  = "synced"
	outcomeRevoked = "revoked"
	outcomeSilent  = "silent"
)

func newFakeSession(outcome string, deltas ...[]byte) *fakeSession {
	s := &fakeSession{
		deltas:  make(chan []byte, len(deltas)+1),
		synced:  make(chan struct{}),
		revoked: make(chan struct{}),
	}
	for _, d := range deltas {
		s.deltas <- d
	}
	switch outcome {
	case outcomeSynced:
		close(s.synced)
	case outcomeRevoked:
		close(s.revoked)
	}
	return s
}

func (s *fakeSession) SendDelta(delta []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, delta)
	return nil
}

func (s *fakeSession) Deltas() <-chan []byte    { return s.deltas }
func (s *fakeSession) Synced() <-chan struct{}  { return s.synced }
func (s *fakeSession) Revoked() <-chan struct{} { return s.revoked }
func (s *fakeSession) Close() error             { return nil }

// fakeDialer hands out scripted sessions per document id.
type fakeDialer struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	dialErr  map[string]error
	closed   bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		sessions: make(map[string]*fakeSession),
		dialErr:  make(map[string]error),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, docID string) (relay.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dialErr[docID]; err != nil {
		return nil, err
	}
	s, ok := d.sessions[docID]
	if !ok {
		return nil, errors.Newf("no scripted session for %s", docID)
	}
	return s, nil
}

func (d *fakeDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// rig bundles a fully wired engine over an in-memory database.
type rig struct {
	engine    *Engine
	fetcher   *fakeFetcher
	dialer    *fakeDialer
	versions  *store.VersionStore
	states    *store.StateStore
	snapshots *snapshot.Store
	cache     *snapshot.Cache
	index     *search.Index
	kv        *store.KVStore
	queue     *outbox.Queue
	outbox    *outbox.Store
	manager   *doc.Manager
}

func testConfig() config.SyncConfig {
	return config.SyncConfig{
		BatchSize:            2,
		BatchDelayMS:         10,
		DocTimeoutSeconds:    1,
		CycleDeadlineMinutes: 1,
		IntervalMinutes:      5,
	}
}

func newRig(t *testing.T, apiSrv *httptest.Server) *rig {
	t.Helper()
	logger := zap.NewNop().Sugar()
	database := loomtest.CreateTestDB(t)

	r := &rig{
		fetcher:   &fakeFetcher{manifest: &manifest.Manifest{ArtifactVersions: map[string]int64{}}},
		dialer:    newFakeDialer(),
		versions:  store.NewVersionStore(database),
		states:    store.NewStateStore(database),
		snapshots: snapshot.NewStore(database, logger),
		cache:     snapshot.NewCache(logger),
		kv:        store.NewKVStore(database),
		outbox:    outbox.NewStore(database),
	}
	r.index = search.NewIndex(r.kv, time.Minute, time.Hour, 20, logger)
	t.Cleanup(r.index.Close)
	r.manager = doc.NewManager(r.states, "test-device")

	opts := outbox.QueueOptions{Retention: 30 * 24 * time.Hour, PerMinute: 6000}
	if apiSrv != nil {
		opts.BaseURL = apiSrv.URL
		opts.Client = httpclient.WrapClient(apiSrv.Client())
	} else {
		opts.BaseURL = "http://127.0.0.1:1"
		opts.Client = httpclient.WrapClient(&http.Client{Timeout: 200 * time.Millisecond})
	}
	r.queue = outbox.NewQueue(r.outbox, opts, logger)

	reconciler := manifest.NewReconciler(
		r.fetcher,
		NewLocalStores(r.versions, r.snapshots, r.index),
		store.NewEdgeStore(database),
		logger,
	)

	r.engine = New(testConfig(), Deps{
		Reconciler: reconciler,
		Manager:    r.manager,
		Versions:   r.versions,
		Snapshots:  r.snapshots,
		Cache:      r.cache,
		Index:      r.index,
		KV:         r.kv,
		Queue:      r.queue,
		Dial:       func() relay.Dialer { return r.dialer },
		Lock:       NewFlagLock(),
		Logger:     logger,
	})
	return r
}

// remoteDelta exports the state of a server-side replica as a merge delta.
func remoteDelta(t *testing.T, docID, title string, blocks ...doc.Block) []byte {
	t.Helper()
	d := doc.NewLWW(docID, "server")
	d.SetTitle(title)
	for _, b := range blocks {
		d.PutBlock(b.ID, b.Text)
	}
	state, err := d.ExportState()
	require.NoError(t, err)
	return state
}

func TestRunCycle_SyncsAbsentDocument(t *testing.T) {
	// Scenario A: manifest {a:1}, locally absent. After the cycle the version
	// record, snapshot, and index entry all exist.
	r := newRig(t, nil)
	r.fetcher.manifest = &manifest.Manifest{ArtifactVersions: map[string]int64{"a": 1}}
	r.dialer.sessions["a"] = newFakeSession(outcomeSynced,
		remoteDelta(t, "a", "Remote title", doc.Block{ID: "b1", Text: "remote body"}))

	res, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Zero(t, res.Failed)

	v, ok, err := r.versions.Get("a")
	require.NoError(t, err)
	require.True(t, ok, "version record must exist after a confirmed sync")
	assert.Equal(t, int64(1), v)

	snap, err := r.snapshots.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "Remote title", snap.Title)

	cached, ok := r.cache.Get("a")
	require.True(t, ok)
	assert.Equal(t, "Remote title", cached.Title)

	assert.True(t, r.index.Has("a"))
	assert.True(t, r.dialer.closed, "relay dialer must be torn down with the cycle")

	last, err := r.kv.LastSyncedAt()
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestRunCycle_PurgesVanishedDocument(t *testing.T) {
	// Scenario B: local state for "a" exists but the manifest is empty.
	r := newRig(t, nil)

	d, err := r.manager.CreateLocal("a", "doomed")
	require.NoError(t, err)
	require.NoError(t, r.versions.Put("a", 1))
	require.NoError(t, r.snapshots.Put(snapshot.FromContent("a", d.Content(), nil)))
	r.index.IndexPartial("a", d.Content(), nil)

	res, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)

	_, ok, err := r.versions.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)

	has, err := r.snapshots.Has("a")
	require.NoError(t, err)
	assert.False(t, has)

	assert.False(t, r.index.Has("a"))

	has, err = r.states.Has("a")
	require.NoError(t, err)
	assert.False(t, has, "persisted replica must be destroyed")
}

func TestRunCycle_TimeoutIsSoftFailure(t *testing.T) {
	// The relay never reports synced: the partial merge is kept, the
	// snapshot updates, but no version record is written — the document
	// stays in the sync set for the next cycle.
	r := newRig(t, nil)
	r.fetcher.manifest = &manifest.Manifest{ArtifactVersions: map[string]int64{"a": 3}}
	r.dialer.sessions["a"] = newFakeSession(outcomeSilent,
		remoteDelta(t, "a", "partial", doc.Block{ID: "b1", Text: "made it through"}))

	res, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Synced)
	assert.Equal(t, 1, res.Failed)

	_, ok, err := r.versions.Get("a")
	require.NoError(t, err)
	assert.False(t, ok, "timeout must not commit a version record")

	snap, err := r.snapshots.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "partial", snap.Title, "settle still updates the snapshot")
}

func TestRunCycle_RevokedLeavesNoVersionRecord(t *testing.T) {
	r := newRig(t, nil)
	r.fetcher.manifest = &manifest.Manifest{ArtifactVersions: map[string]int64{"a": 1}}
	r.dialer.sessions["a"] = newFakeSession(outcomeRevoked)

	revoked := false
	r.engine.OnAccessRevoked(func() { revoked = true })

	res, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, revoked, "revocation must surface as a scope change")

	_, ok, err := r.versions.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunCycle_HeldLockSkipsWithoutQueueing(t *testing.T) {
	r := newRig(t, nil)

	held, err := r.engine.lock.TryAcquire()
	require.NoError(t, err)
	require.True(t, held)

	start := time.Now()
	_, err = r.engine.RunCycle(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCycleHeld))
	assert.Less(t, time.Since(start), time.Second, "the second trigger must not wait")
}

func TestRunCycle_FailedFetchAbortsWithoutMutation(t *testing.T) {
	r := newRig(t, nil)
	require.NoError(t, r.versions.Put("a", 1))
	r.fetcher.err = errors.ErrServiceUnavailable

	_, err := r.engine.RunCycle(context.Background())
	require.Error(t, err)

	v, ok, verr := r.versions.Get("a")
	require.NoError(t, verr)
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)
}

func TestRunCycle_ConvergenceWithConcurrentEdits(t *testing.T) {
	// Local replica has its own edits; the remote delta carries others. After
	// the merge both sides' non-conflicting changes are present.
	r := newRig(t, nil)

	local := doc.NewLWW("a", "test-device")
	local.SetTitle("local title")
	local.PutBlock("local-block", "written offline")
	require.NoError(t, r.manager.Save(local, false))

	r.fetcher.manifest = &manifest.Manifest{ArtifactVersions: map[string]int64{"a": 2}}
	r.dialer.sessions["a"] = newFakeSession(outcomeSynced,
		remoteDelta(t, "a", "local title", doc.Block{ID: "remote-block", Text: "written elsewhere"}))

	_, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)

	snap, err := r.snapshots.Get("a")
	require.NoError(t, err)
	_, hasLocal := snap.Content.Block("local-block")
	_, hasRemote := snap.Content.Block("remote-block")
	assert.True(t, hasLocal, "merge must keep local edits")
	assert.True(t, hasRemote, "merge must apply remote edits")

	// Our state went to the relay for the server-side merge.
	sess := r.dialer.sessions["a"]
	sess.mu.Lock()
	defer sess.mu.Unlock()
	assert.NotEmpty(t, sess.sent, "local state must be sent to the relay")
}

func TestRunCycle_LocalCreationWriteBeforeDialing(t *testing.T) {
	var mu sync.Mutex
	var createdPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		createdPaths = append(createdPaths, req.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	r := newRig(t, srv)
	_, err := r.manager.CreateLocal("new-doc", "born offline")
	require.NoError(t, err)

	r.fetcher.manifest = &manifest.Manifest{ArtifactVersions: map[string]int64{"new-doc": 1}}
	r.dialer.sessions["new-doc"] = newFakeSession(outcomeSynced)

	_, err = r.engine.RunCycle(context.Background())
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"/api/docs"}, createdPaths)
	mu.Unlock()

	_, localCreated, err := r.states.Get("new-doc")
	require.NoError(t, err)
	assert.False(t, localCreated, "flag clears once the remote record exists")
}

func TestRunCycle_LocalCreationQueuedWhenOffline(t *testing.T) {
	r := newRig(t, nil) // API unreachable
	_, err := r.manager.CreateLocal("new-doc", "born offline")
	require.NoError(t, err)

	r.fetcher.manifest = &manifest.Manifest{ArtifactVersions: map[string]int64{"new-doc": 1}}
	r.dialer.sessions["new-doc"] = newFakeSession(outcomeSynced)

	_, err = r.engine.RunCycle(context.Background())
	require.NoError(t, err)

	n, err := r.outbox.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "creation write must be queued for replay")

	_, localCreated, err := r.states.Get("new-doc")
	require.NoError(t, err)
	assert.True(t, localCreated, "flag survives until the write is confirmed")
}

func TestRunCycle_BatchFailureDoesNotBlockOthers(t *testing.T) {
	r := newRig(t, nil)
	r.fetcher.manifest = &manifest.Manifest{ArtifactVersions: map[string]int64{
		"good": 1, "bad": 1,
	}}
	r.dialer.sessions["good"] = newFakeSession(outcomeSynced, remoteDelta(t, "good", "fine"))
	r.dialer.dialErr["bad"] = errors.ErrServiceUnavailable

	res, err := r.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Failed)

	_, ok, err := r.versions.Get("good")
	require.NoError(t, err)
	assert.True(t, ok)
}

// exportFailDoc wraps a real document but fails state export.
type exportFailDoc struct {
	doc.Document
}

func (exportFailDoc) ExportState() ([]byte, error) {
	return nil, errors.New("register map not serializable")
}

func TestSendLocalState_ExportFailureIsSoft(t *testing.T) {
	// A failed export must not abort the session: the sync continues
	// remote-only, and nothing partial is pushed to the relay.
	r := newRig(t, nil)
	sess := newFakeSession(outcomeSynced)
	state := newDocSync("a", r.engine.logger)

	d, _, err := r.manager.Open("a")
	require.NoError(t, err)

	require.NoError(t, r.engine.sendLocalState(state, sess, exportFailDoc{d}))
	assert.Empty(t, sess.sent)

	require.NoError(t, r.engine.sendLocalState(state, sess, d))
	assert.Len(t, sess.sent, 1, "a healthy replica pushes its state once")
}
