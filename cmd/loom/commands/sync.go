package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomnotes/loom/errors"
)

// SyncCmd runs one reconciliation cycle.
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation cycle",
	Long: `Run one full reconciliation cycle: fetch the server manifest, purge
documents that left it, and sync stale documents over the relay in bounded
batches. Exits cleanly if another cycle already holds the lock.

Examples:
  loom sync               # One cycle against the configured workspace`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := openApp(fileLock)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.RunCycle(cmd.Context())
	if errors.Is(err, errors.ErrCycleHeld) {
		fmt.Println("Another cycle is already running; nothing to do.")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Cycle complete in %s: %d synced, %d failed, %d purged\n",
		res.Duration.Round(timeRound), res.Synced, res.Failed, res.Purged)

	if res.Failed > 0 {
		fmt.Println("Failed documents stay in the sync set; the next cycle retries them.")
	}

	// Replay anything the offline queue accumulated while we had the network.
	if delivered, err := a.queue.Replay(context.Background()); err == nil && delivered > 0 {
		fmt.Printf("Replayed %d queued offline write(s)\n", delivered)
	}
	return nil
}
