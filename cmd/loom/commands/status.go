package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// StatusCmd shows sync status and staleness.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status and staleness",
	Long: `Show when the last reconciliation cycle completed and how much local
state is held. A stale last-synced-at means reads are served from
potentially outdated local data.

Examples:
  loom status`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(flagLock)
	if err != nil {
		return err
	}
	defer a.Close()

	last, err := a.kv.LastSyncedAt()
	if err != nil {
		return err
	}

	fmt.Println("Loom sync status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if last.IsZero() {
		fmt.Println("Last synced:   never (no completed cycle)")
	} else {
		fmt.Printf("Last synced:   %s (%s ago)\n",
			last.Local().Format(time.RFC3339),
			time.Since(last).Round(time.Second))
	}

	versions, err := a.versions.All()
	if err != nil {
		return err
	}
	snapCount, err := a.snapshots.Count()
	if err != nil {
		return err
	}
	pending, err := a.outbox.Count()
	if err != nil {
		return err
	}

	fmt.Printf("Documents:     %d synced, %d snapshot(s), %d indexed\n",
		len(versions), snapCount, len(a.index.IDs()))
	fmt.Printf("Outbox:        %d pending write(s)\n", pending)
	if pending > 0 {
		fmt.Println("               (replayed automatically when the network returns)")
	}
	return nil
}
