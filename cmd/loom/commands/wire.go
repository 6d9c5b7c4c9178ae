package commands

import (
	"database/sql"
	"os"
	"time"

	"github.com/loomnotes/loom/config"
	"github.com/loomnotes/loom/db"
	"github.com/loomnotes/loom/doc"
	"github.com/loomnotes/loom/engine"
	"github.com/loomnotes/loom/errors"
	"github.com/loomnotes/loom/internal/httpclient"
	"github.com/loomnotes/loom/logger"
	"github.com/loomnotes/loom/manifest"
	"github.com/loomnotes/loom/outbox"
	"github.com/loomnotes/loom/relay"
	"github.com/loomnotes/loom/search"
	"github.com/loomnotes/loom/snapshot"
	"github.com/loomnotes/loom/store"
)

// timeRound trims durations for human output.
const timeRound = 10 * time.Millisecond

// app is the wired-up engine with everything it needs. Commands build one,
// use it, and Close it.
type app struct {
	cfg *config.Config
	db  *sql.DB

	versions  *store.VersionStore
	states    *store.StateStore
	kv        *store.KVStore
	snapshots *snapshot.Store
	cache     *snapshot.Cache
	index     *search.Index
	queue     *outbox.Queue
	outbox    *outbox.Store
	manager   *doc.Manager
	engine    *engine.Engine
}

// lockFactory picks the cycle lock once the configuration is known: the
// daemon uses an in-process flag, one-shot sync uses the advisory lock file
// next to the database so it cannot race a daemon.
type lockFactory func(cfg *config.Config) engine.CycleLock

func fileLock(cfg *config.Config) engine.CycleLock {
	return engine.NewFileLock(cfg.Database.Path+".cycle.lock", cfg.Sync.CycleDeadline())
}

func flagLock(*config.Config) engine.CycleLock {
	return engine.NewFlagLock()
}

// openApp loads config, opens and migrates the database, and wires the
// engine behind the factory's cycle lock.
func openApp(newLock lockFactory) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}

	log := logger.Logger
	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, log); err != nil {
		database.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		db:        database,
		versions:  store.NewVersionStore(database),
		states:    store.NewStateStore(database),
		kv:        store.NewKVStore(database),
		snapshots: snapshot.NewStore(database, log.Named("snapshot")),
		cache:     snapshot.NewCache(log.Named("snapshot")),
		outbox:    outbox.NewStore(database),
	}

	a.index = search.NewIndex(a.kv,
		cfg.Search.PersistDebounce(),
		cfg.Search.PersistCeiling(),
		cfg.Search.ResultLimit,
		log.Named("search"),
	)
	if err := a.index.Load(); err != nil {
		a.Close()
		return nil, err
	}

	if snaps, err := a.snapshots.All(); err == nil {
		a.cache.Prime(snaps)
	} else {
		log.Warnw("Failed to prime snapshot cache", "error", err)
	}

	a.manager = doc.NewManager(a.states, deviceActor())

	a.queue = outbox.NewQueue(a.outbox, outbox.QueueOptions{
		BaseURL:   cfg.API.BaseURL,
		Token:     cfg.API.Token,
		Retention: cfg.Outbox.Retention(),
		PerMinute: cfg.Outbox.ReplayPerMinute,
	}, log.Named("outbox"))

	httpClient := httpclient.NewSaferClient(30 * time.Second)
	reconciler := manifest.NewReconciler(
		manifest.NewClient(httpClient, cfg.API.BaseURL, cfg.API.Token),
		engine.NewLocalStores(a.versions, a.snapshots, a.index),
		store.NewEdgeStore(database),
		log.Named("manifest"),
	)

	a.engine = engine.New(cfg.Sync, engine.Deps{
		Reconciler: reconciler,
		Manager:    a.manager,
		Versions:   a.versions,
		Snapshots:  a.snapshots,
		Cache:      a.cache,
		Index:      a.index,
		KV:         a.kv,
		Queue:      a.queue,
		Dial: func() relay.Dialer {
			return relay.NewWSDialer(cfg.Relay.URL, cfg.Relay.Token, log.Named("relay"))
		},
		Lock:   newLock(cfg),
		Logger: log.Named("engine"),
	})
	return a, nil
}

// Close flushes the index and closes the database.
func (a *app) Close() {
	if a.index != nil {
		a.index.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// deviceActor attributes local mutations; the hostname is stable enough to
// tell replicas apart in a merge.
func deviceActor() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "local"
	}
	return host
}
