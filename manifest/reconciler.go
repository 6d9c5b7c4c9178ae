package manifest

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/loomnotes/loom/errors"
	"github.com/loomnotes/loom/store"
)

// SyncPlan is the reconciler's output: which documents are stale and must be
// re-synced, and which have vanished from the manifest and must be purged.
type SyncPlan struct {
	ToSync  []string
	ToPurge []string

	// Versions carries the manifest's version counter for every ToSync id;
	// the orchestrator commits it as the local version record after a
	// confirmed merge.
	Versions map[string]int64
}

// LocalState exposes the derived local stores the reconciler diffs against.
// A document is stale if its version diverges or if any derived store is
// missing it; a document known locally but absent from the manifest is purged.
type LocalState interface {
	Versions() (map[string]int64, error)
	SnapshotIDs() (map[string]struct{}, error)
	SearchIDs() map[string]struct{}
}

// EdgeSubscriber is notified with the document ids whose edge set changed
// during a reconciliation pass.
type EdgeSubscriber func(docIDs []string)

// Reconciler computes the sync plan from the server manifest and replaces
// the local edge set. A failed manifest fetch aborts the cycle without
// mutating local state; the next scheduled or triggered cycle retries.
type Reconciler struct {
	fetcher Fetcher
	local   LocalState
	edges   *store.EdgeStore
	logger  *zap.SugaredLogger

	mu   sync.Mutex
	subs []EdgeSubscriber
}

// NewReconciler creates a reconciler.
func NewReconciler(fetcher Fetcher, local LocalState, edges *store.EdgeStore, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		fetcher: fetcher,
		local:   local,
		edges:   edges,
		logger:  logger,
	}
}

// OnEdgesChanged registers a subscriber for edge-set changes.
func (r *Reconciler) OnEdgesChanged(fn EdgeSubscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Reconcile fetches the manifest and computes the sync plan. Edge
// reconciliation always runs, independent of the per-document plan.
func (r *Reconciler) Reconcile(ctx context.Context) (*SyncPlan, error) {
	m, err := r.fetcher.Fetch(ctx)
	if err != nil {
		// Fail closed: no local mutation on a failed fetch.
		return nil, errors.Wrap(err, "manifest fetch failed")
	}

	versions, err := r.local.Versions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read local versions")
	}
	snapshots, err := r.local.SnapshotIDs()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read local snapshot ids")
	}
	searchIDs := r.local.SearchIDs()

	plan := &SyncPlan{Versions: make(map[string]int64)}

	for id, remoteVersion := range m.ArtifactVersions {
		localVersion, haveVersion := versions[id]
		_, haveSnapshot := snapshots[id]
		_, haveSearch := searchIDs[id]

		if !haveVersion || localVersion != remoteVersion || !haveSnapshot || !haveSearch {
			plan.ToSync = append(plan.ToSync, id)
			plan.Versions[id] = remoteVersion
		}
	}

	// Anything known locally but gone from the manifest is purged.
	purge := make(map[string]struct{})
	for id := range versions {
		if _, ok := m.ArtifactVersions[id]; !ok {
			purge[id] = struct{}{}
		}
	}
	for id := range snapshots {
		if _, ok := m.ArtifactVersions[id]; !ok {
			purge[id] = struct{}{}
		}
	}
	for id := range searchIDs {
		if _, ok := m.ArtifactVersions[id]; !ok {
			purge[id] = struct{}{}
		}
	}
	for id := range purge {
		plan.ToPurge = append(plan.ToPurge, id)
	}

	sort.Strings(plan.ToSync)
	sort.Strings(plan.ToPurge)

	if err := r.reconcileEdges(m.Edges); err != nil {
		return nil, err
	}

	r.logger.Debugw("Reconciliation plan computed",
		"to_sync", len(plan.ToSync),
		"to_purge", len(plan.ToPurge),
		"manifest_size", len(m.ArtifactVersions),
	)

	return plan, nil
}

// reconcileEdges replaces the local edge set with the server's, computing
// add/update/remove by identity comparison. Only documents whose edge set
// actually changed are reported to subscribers.
func (r *Reconciler) reconcileEdges(remote []store.Edge) error {
	current, err := r.edges.All()
	if err != nil {
		return errors.Wrap(err, "failed to load local edges")
	}

	desired := make(map[string]store.Edge, len(remote))
	for _, e := range remote {
		if e.ID == "" {
			e.ID = e.Key()
		}
		desired[e.ID] = e
	}

	changedDocs := make(map[string]struct{})
	touch := func(e store.Edge) {
		changedDocs[e.SourceID] = struct{}{}
		changedDocs[e.TargetID] = struct{}{}
	}

	for id, e := range desired {
		existing, ok := current[id]
		if ok && existing.Same(e) {
			continue
		}
		if err := r.edges.Upsert(e); err != nil {
			return err
		}
		touch(e)
	}

	for id, e := range current {
		if _, ok := desired[id]; ok {
			continue
		}
		if err := r.edges.Delete(id); err != nil {
			return err
		}
		touch(e)
	}

	if len(changedDocs) == 0 {
		return nil
	}

	ids := make([]string, 0, len(changedDocs))
	for id := range changedDocs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	r.mu.Lock()
	subs := make([]EdgeSubscriber, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, fn := range subs {
		fn(ids)
	}
	return nil
}
