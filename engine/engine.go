// Package engine orchestrates the reconciliation cycle: manifest diff,
// purge, batched document sync over the relay, and derived-store updates.
// Cycles are serialized by a CycleLock and bounded by a global deadline; a
// document connection lives only for its sync.
package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomnotes/loom/config"
	"github.com/loomnotes/loom/doc"
	"github.com/loomnotes/loom/errors"
	"github.com/loomnotes/loom/manifest"
	"github.com/loomnotes/loom/outbox"
	"github.com/loomnotes/loom/relay"
	"github.com/loomnotes/loom/search"
	"github.com/loomnotes/loom/snapshot"
	"github.com/loomnotes/loom/store"
)

// KindCreateDoc is the outbox entry kind for remote document creation.
const KindCreateDoc = "create_doc"

// DialerFactory builds a fresh relay dialer for one cycle. The engine closes
// it when the cycle ends, so no relay socket outlives its cycle.
type DialerFactory func() relay.Dialer

// Deps wires the engine's collaborators.
type Deps struct {
	Reconciler *manifest.Reconciler
	Manager    *doc.Manager
	Versions   *store.VersionStore
	Snapshots  *snapshot.Store
	Cache      *snapshot.Cache
	Index      *search.Index
	KV         *store.KVStore
	Queue      *outbox.Queue
	Dial       DialerFactory
	Lock       CycleLock
	Logger     *zap.SugaredLogger
}

// Engine runs reconciliation cycles.
type Engine struct {
	reconciler *manifest.Reconciler
	manager    *doc.Manager
	versions   *store.VersionStore
	snapshots  *snapshot.Store
	cache      *snapshot.Cache
	index      *search.Index
	kv         *store.KVStore
	queue      *outbox.Queue
	dial       DialerFactory
	lock       CycleLock
	logger     *zap.SugaredLogger

	cfgMu sync.RWMutex
	cfg   config.SyncConfig

	hookMu   sync.Mutex
	onAccess []func()
}

// New creates an engine.
func New(cfg config.SyncConfig, deps Deps) *Engine {
	return &Engine{
		reconciler: deps.Reconciler,
		manager:    deps.Manager,
		versions:   deps.Versions,
		snapshots:  deps.Snapshots,
		cache:      deps.Cache,
		index:      deps.Index,
		kv:         deps.KV,
		queue:      deps.Queue,
		dial:       deps.Dial,
		lock:       deps.Lock,
		logger:     deps.Logger,
		cfg:        cfg,
	}
}

// UpdateConfig applies reloaded sync tunables to subsequent cycles.
func (e *Engine) UpdateConfig(cfg config.SyncConfig) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.logger.Infow("Sync configuration updated",
		"batch_size", cfg.BatchSize,
		"doc_timeout", cfg.DocTimeout().String(),
	)
}

func (e *Engine) config() config.SyncConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// OnAccessRevoked registers a hook that runs when the relay revokes access
// to a document mid-sync. The UI layer uses it to surface the scope change.
func (e *Engine) OnAccessRevoked(fn func()) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onAccess = append(e.onAccess, fn)
}

func (e *Engine) fireAccessRevoked() {
	e.hookMu.Lock()
	hooks := append([]func(){}, e.onAccess...)
	e.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	Synced   int
	Failed   int
	Purged   int
	Duration time.Duration
}

// RunCycle runs one full reconciliation cycle. A second caller while a cycle
// is running gets errors.ErrCycleHeld immediately; nothing queues behind the
// lock. Per-document failures are soft — logged, skipped, retried by a later
// cycle — only a failed manifest fetch aborts the whole cycle.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	ok, err := e.lock.TryAcquire()
	if err != nil {
		return nil, errors.Wrap(err, "failed to acquire cycle lock")
	}
	if !ok {
		e.logger.Debugw("Reconciliation cycle already running, skipping")
		return nil, errors.ErrCycleHeld
	}
	defer e.lock.Release()

	cfg := e.config()
	ctx, cancel := context.WithTimeout(ctx, cfg.CycleDeadline())
	defer cancel()

	start := time.Now()
	e.logger.Infow("Reconciliation cycle started")

	plan, err := e.reconciler.Reconcile(ctx)
	if err != nil {
		return nil, err
	}

	res := &CycleResult{}
	for _, id := range plan.ToPurge {
		if err := e.purge(id); err != nil {
			e.logger.Errorw("Purge failed", "doc_id", id, "error", err)
			continue
		}
		res.Purged++
	}

	if len(plan.ToSync) > 0 {
		dialer := e.dial()
		defer dialer.Close()
		e.syncBatches(ctx, cfg, dialer, plan, res)
	}

	if err := e.kv.SetLastSyncedAt(time.Now()); err != nil {
		e.logger.Errorw("Failed to record cycle completion", "error", err)
	}

	res.Duration = time.Since(start)
	e.logger.Infow("Reconciliation cycle finished",
		"synced", res.Synced,
		"failed", res.Failed,
		"purged", res.Purged,
		"duration", res.Duration.String(),
	)
	return res, nil
}

// syncBatches works through the sync set in fixed-size batches, concurrent
// within a batch, with a fixed delay between batches to keep relay and CPU
// pressure bounded.
func (e *Engine) syncBatches(ctx context.Context, cfg config.SyncConfig, dialer relay.Dialer, plan *manifest.SyncPlan, res *CycleResult) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	var resMu sync.Mutex
	for offset := 0; offset < len(plan.ToSync); offset += batchSize {
		if ctx.Err() != nil {
			e.logger.Warnw("Cycle deadline reached, abandoning remaining batches",
				"remaining", len(plan.ToSync)-offset,
			)
			return
		}

		end := offset + batchSize
		if end > len(plan.ToSync) {
			end = len(plan.ToSync)
		}
		batch := plan.ToSync[offset:end]

		var wg sync.WaitGroup
		for _, id := range batch {
			wg.Add(1)
			go func(docID string) {
				defer wg.Done()
				err := e.syncDoc(ctx, cfg, dialer, docID, plan.Versions[docID])
				resMu.Lock()
				if err != nil {
					res.Failed++
				} else {
					res.Synced++
				}
				resMu.Unlock()
			}(id)
		}
		wg.Wait()

		if end < len(plan.ToSync) {
			select {
			case <-time.After(cfg.BatchDelay()):
			case <-ctx.Done():
			}
		}
	}
}

// purge removes every trace of a document that left the manifest: version
// record, snapshot, search entries, and the persisted replica. Unconditional
// — the manifest is authoritative, no confirmation round-trip.
func (e *Engine) purge(docID string) error {
	e.logger.Infow("Purging document", "doc_id", docID)

	var errs error
	if err := e.versions.Delete(docID); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	if err := e.snapshots.Delete(docID); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	e.cache.Remove(docID)
	e.index.Unindex(docID)
	if err := e.manager.Destroy(docID); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}

// createDocRequest is the remote creation write for a locally created doc.
type createDocRequest struct {
	ID      string      `json:"id"`
	Content doc.Content `json:"content"`
}

// syncDoc drives one document through the sync state machine:
//
//	Idle → Hydrating → Replicating → (Synced | TimedOut) → Finalizing → Idle
//
// There is no terminal error state; every failure path returns to Idle and
// the document stays eligible for the next cycle. The version record is
// written only when the relay confirmed a synced, authenticated session.
func (e *Engine) syncDoc(ctx context.Context, cfg config.SyncConfig, dialer relay.Dialer, docID string, targetVersion int64) error {
	state := newDocSync(docID, e.logger)

	// Hydrating
	state.enter(phaseHydrating)
	d, localCreated, err := e.manager.Open(docID)
	if err != nil {
		return state.fail(err)
	}

	if localCreated {
		localCreated = !e.pushCreation(ctx, d)
	}

	// Unknown delta on first contact: the whole document gets reindexed.
	firstIndex := !e.index.Has(docID)

	session, err := dialer.Dial(ctx, docID)
	if err != nil {
		if errors.IsAccessError(err) {
			state.log.Warnw("Relay refused document sync", "error", err)
			return state.fail(err)
		}
		return state.fail(err)
	}
	defer session.Close()

	// Replicating
	state.enter(phaseReplicating)
	if err := e.sendLocalState(state, session, d); err != nil {
		return state.fail(err)
	}

	changed, settled := e.replicate(ctx, cfg, state, session, d)
	if errors.Is(settled, errors.ErrAccessRevoked) {
		e.fireAccessRevoked()
		return state.fail(settled)
	}

	// Finalizing: snapshot and index update happen on both settle paths;
	// the version commit is reserved for a confirmed synced session.
	synced := state.phase == phaseSynced
	state.enter(phaseFinalizing)

	if err := e.manager.Save(d, localCreated); err != nil {
		return state.fail(err)
	}
	e.updateDerived(docID, d, changed, firstIndex)

	if synced {
		if err := e.versions.Put(docID, targetVersion); err != nil {
			return state.fail(err)
		}
		state.done("synced", targetVersion)
		return nil
	}

	state.done("timed_out", 0)
	return errors.Wrapf(errors.ErrTimeout, "document %s did not settle", docID)
}

// sendLocalState pushes the local replica's state to the relay. An export
// failure is a soft failure: the session still converges from remote deltas,
// it just cannot carry local edits this cycle.
func (e *Engine) sendLocalState(state *docSync, session relay.Session, d doc.Document) error {
	exported, err := d.ExportState()
	if err != nil {
		state.log.Warnw("Failed to export local state, syncing remote-only", "error", err)
		return nil
	}
	return session.SendDelta(exported)
}

// replicate exchanges deltas until the relay reports synced, access is
// revoked, or the per-document timeout fires. Returns the changed block ids.
func (e *Engine) replicate(ctx context.Context, cfg config.SyncConfig, state *docSync, session relay.Session, d doc.Document) (changed []string, settled error) {
	timeout := time.NewTimer(cfg.DocTimeout())
	defer timeout.Stop()

	for {
		select {
		case delta, ok := <-session.Deltas():
			if !ok {
				// Relay hung up without a synced signal: soft failure.
				state.enter(phaseTimedOut)
				return changed, nil
			}
			ids, err := d.ApplyDelta(delta)
			if err != nil {
				state.log.Warnw("Dropped unmergeable delta", "error", err)
				continue
			}
			changed = append(changed, ids...)

		case <-session.Synced():
			changed = append(changed, drain(session, d, state)...)
			state.enter(phaseSynced)
			return changed, nil

		case <-session.Revoked():
			state.log.Warnw("Access revoked mid-session")
			return changed, errors.Wrapf(errors.ErrAccessRevoked, "document %s", state.id)

		case <-timeout.C:
			state.enter(phaseTimedOut)
			return changed, nil

		case <-ctx.Done():
			state.enter(phaseTimedOut)
			return changed, nil
		}
	}
}

// drain applies deltas that were already queued when the synced signal won
// the select race.
func drain(session relay.Session, d doc.Document, state *docSync) []string {
	var changed []string
	for {
		select {
		case delta, ok := <-session.Deltas():
			if !ok {
				return changed
			}
			ids, err := d.ApplyDelta(delta)
			if err != nil {
				state.log.Warnw("Dropped unmergeable delta", "error", err)
				continue
			}
			changed = append(changed, ids...)
		default:
			return changed
		}
	}
}

// pushCreation issues the remote creation write for a locally created
// document, through the outbox when offline. Returns true when the server
// confirmed the record exists (the flag can be cleared).
func (e *Engine) pushCreation(ctx context.Context, d doc.Document) bool {
	payload, err := json.Marshal(createDocRequest{ID: d.ID(), Content: d.Content()})
	if err != nil {
		e.logger.Errorw("Failed to encode creation write", "doc_id", d.ID(), "error", err)
		return false
	}

	delivered, err := e.queue.Send(ctx, KindCreateDoc, http.MethodPost, "/api/docs", payload)
	if err != nil {
		e.logger.Warnw("Creation write rejected", "doc_id", d.ID(), "error", err)
		return false
	}
	if !delivered {
		// Queued for replay; the flag stays until a pass confirms it.
		return false
	}
	if err := e.manager.ClearLocalCreated(d.ID()); err != nil {
		e.logger.Errorw("Failed to clear local-creation flag", "doc_id", d.ID(), "error", err)
	}
	return true
}

// updateDerived refreshes the snapshot and search index from the document's
// post-merge content.
func (e *Engine) updateDerived(docID string, d doc.Document, changed []string, firstIndex bool) {
	content := d.Content()

	prev, err := e.snapshots.Get(docID)
	if err != nil && !errors.IsNotFoundError(err) {
		e.logger.Errorw("Failed to read previous snapshot", "doc_id", docID, "error", err)
	}
	snap := snapshot.FromContent(docID, content, prev)
	if err := e.snapshots.Put(snap); err != nil {
		e.logger.Errorw("Failed to persist snapshot", "doc_id", docID, "error", err)
	}
	e.cache.Set(snap)

	if firstIndex {
		e.index.IndexPartial(docID, content, nil)
		return
	}
	if deduped := dedupe(changed); len(deduped) > 0 {
		e.index.IndexPartial(docID, content, deduped)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
