package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomnotes/loom/config"
	"github.com/loomnotes/loom/engine"
	"github.com/loomnotes/loom/errors"
	"github.com/loomnotes/loom/logger"
	"github.com/loomnotes/loom/notify"
)

// DaemonCmd runs the background sync daemon.
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon: periodic reconciliation cycles with jitter, live
change notifications driving debounced cycles and targeted snapshot
refreshes, and outbox replay whenever the notification channel reconnects.

Configuration changes in loom.toml apply without a restart.

Examples:
  loom daemon             # Run until interrupted`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := openApp(flagLock)
	if err != nil {
		return err
	}
	defer a.Close()

	log := logger.Logger.Named("daemon")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var listener *notify.Listener
	if a.cfg.Notify.URL != "" {
		listener = notify.NewListener(a.cfg.Notify.URL, a.cfg.API.Token, log.Named("notify"))
	} else {
		log.Warnw("No notification channel configured, running on the periodic schedule only")
	}

	// Hot-reload sync tunables while the daemon runs.
	if path := config.GetViper().ConfigFileUsed(); path != "" {
		watcher, err := config.NewConfigWatcher(path)
		if err != nil {
			log.Warnw("Config watcher unavailable", "error", err)
		} else {
			watcher.OnReload(func(cfg *config.Config) error {
				a.engine.UpdateConfig(cfg.Sync)
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	d := engine.NewDaemon(a.cfg, a.engine, listener, a.queue, a.cache, a.snapshots, log)

	log.Infow("Sync daemon started",
		"interval", a.cfg.Sync.Interval().String(),
		"batch_size", a.cfg.Sync.BatchSize,
	)
	err = d.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Infow("Sync daemon stopped")
		return nil
	}
	return err
}
