package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomnotes/loom/cmd/loom/commands"
	"github.com/loomnotes/loom/config"
	"github.com/loomnotes/loom/logger"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - client-side document sync engine",
	Long: `Loom - offline-capable synchronization engine for collaborative documents.

Loom keeps a local replica of your workspace converged with the server:
it diffs the server manifest against local state, syncs stale documents
over the replication relay in bounded batches, maintains a local full-text
index and snapshot store, and queues writes made while offline.

Available commands:
  sync    - Run one reconciliation cycle
  daemon  - Run the background sync daemon
  search  - Query the local full-text index
  status  - Show sync status and staleness
  db      - Manage the local database
  outbox  - Inspect and replay queued offline writes

Examples:
  loom sync                # One cycle: reconcile, sync, purge
  loom daemon              # Periodic cycles + live notifications
  loom search "meeting"    # Search local index
  loom status              # When did we last converge?
  loom outbox ls           # What is waiting for the network?`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := logger.Initialize(cfg.Log.JSON); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.SyncCmd)
	rootCmd.AddCommand(commands.DaemonCmd)
	rootCmd.AddCommand(commands.SearchCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.OutboxCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
