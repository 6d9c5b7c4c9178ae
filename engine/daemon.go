package engine

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/loomnotes/loom/config"
	"github.com/loomnotes/loom/debounce"
	"github.com/loomnotes/loom/errors"
	"github.com/loomnotes/loom/notify"
	"github.com/loomnotes/loom/outbox"
	"github.com/loomnotes/loom/snapshot"
)

// Daemon keeps the engine converged in the background: periodic jittered
// cycles, notification-triggered debounced cycles, targeted snapshot
// refreshes on remote changes, and outbox replay whenever the notification
// channel (re)connects — reconnecting is the signal the network is back.
type Daemon struct {
	engine    *Engine
	listener  *notify.Listener
	queue     *outbox.Queue
	cache     *snapshot.Cache
	snapshots *snapshot.Store
	logger    *zap.SugaredLogger

	interval        time.Duration
	triggerDebounce time.Duration
	triggerCeiling  time.Duration
}

// NewDaemon wires the daemon. The listener may be nil when no notification
// channel is configured; the daemon then runs on the periodic schedule only.
func NewDaemon(cfg *config.Config, eng *Engine, listener *notify.Listener, queue *outbox.Queue, cache *snapshot.Cache, snapshots *snapshot.Store, logger *zap.SugaredLogger) *Daemon {
	return &Daemon{
		engine:          eng,
		listener:        listener,
		queue:           queue,
		cache:           cache,
		snapshots:       snapshots,
		logger:          logger,
		interval:        cfg.Sync.Interval(),
		triggerDebounce: cfg.Notify.ReconcileDebounceDelay(),
		triggerCeiling:  cfg.Notify.ReconcileCeiling(),
	}
}

// Run blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	// A notification only schedules a cycle; the debounce coalesces bursts
	// of remote edits and the ceiling bounds staleness under a steady stream.
	trigger := debounce.New(d.triggerDebounce, d.triggerCeiling, func() {
		d.runCycle(ctx)
	})
	defer trigger.Stop()

	if d.listener != nil {
		d.listener.OnDocChanged(func(docID string) {
			d.refreshSnapshot(docID)
			trigger.Touch()
		})
		d.listener.OnAccessChanged(func() {
			d.logger.Infow("Access set changed, scheduling reconcile")
			trigger.Touch()
		})
		d.listener.OnConnect(func() {
			go func() {
				if _, err := d.queue.Replay(ctx); err != nil {
					d.logger.Errorw("Outbox replay failed", "error", err)
				}
			}()
		})
		go func() {
			if err := d.listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Errorw("Notification listener stopped", "error", err)
			}
		}()
	}

	// First cycle immediately, then the jittered schedule.
	d.runCycle(ctx)

	for {
		select {
		case <-time.After(jitter(d.interval)):
			d.runCycle(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Daemon) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := d.engine.RunCycle(ctx); err != nil {
		if errors.Is(err, errors.ErrCycleHeld) {
			return
		}
		d.logger.Errorw("Reconciliation cycle failed", "error", err)
	}
}

// refreshSnapshot reloads one document's cached snapshot from the store,
// guarded by an invalidation token so a slow reload cannot clobber a newer
// one. The authoritative content update follows via the scheduled cycle.
func (d *Daemon) refreshSnapshot(docID string) {
	token := d.cache.BeginRefresh(docID)
	go func() {
		snap, err := d.snapshots.Get(docID)
		if err != nil {
			if !errors.IsNotFoundError(err) {
				d.logger.Errorw("Snapshot refresh failed", "doc_id", docID, "error", err)
			}
			return
		}
		d.cache.Complete(docID, token, snap)
	}()
}

// jitter spreads periodic cycles by ±10% so multiple clients sharing a
// workspace don't thundering-herd the manifest endpoint.
func jitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	spread := int64(interval / 10)
	if spread == 0 {
		return interval
	}
	return interval + time.Duration(rand.Int63n(2*spread)-spread)
}
