package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// OutboxCmd groups offline-write queue operations.
var OutboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and replay queued offline writes",
	Long: `Inspect the durable queue of writes that failed while offline, and
trigger a replay pass by hand. Replay is at-least-once: the server
deduplicates by correlation id, and an entry is removed only after a
2xx response.

Examples:
  loom outbox ls           # What is waiting for the network?
  loom outbox replay       # Reissue queued writes now`,
}

var outboxLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List queued writes in replay order",
	RunE:  runOutboxLs,
}

var outboxReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay queued writes now",
	RunE:  runOutboxReplay,
}

func init() {
	OutboxCmd.AddCommand(outboxLsCmd)
	OutboxCmd.AddCommand(outboxReplayCmd)
}

func runOutboxLs(cmd *cobra.Command, args []string) error {
	a, err := openApp(flagLock)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.queue.Pending()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Outbox is empty.")
		return nil
	}

	fmt.Printf("%d queued write(s), replayed in this order:\n\n", len(entries))
	for _, e := range entries {
		age := time.Since(e.EnqueuedAt).Round(time.Second)
		fmt.Printf("  [%d] %s %s %s\n", e.Seq, e.Kind, e.Method, e.Path)
		fmt.Printf("       enqueued %s ago, %d attempt(s), correlation %s\n",
			age, e.Attempts, e.CorrelationID)
	}
	return nil
}

func runOutboxReplay(cmd *cobra.Command, args []string) error {
	a, err := openApp(flagLock)
	if err != nil {
		return err
	}
	defer a.Close()

	before, err := a.outbox.Count()
	if err != nil {
		return err
	}
	if before == 0 {
		fmt.Println("Outbox is empty; nothing to replay.")
		return nil
	}

	delivered, err := a.queue.Replay(cmd.Context())
	if err != nil {
		return err
	}

	remaining, cerr := a.outbox.Count()
	if cerr != nil {
		return cerr
	}
	fmt.Printf("Replay finished: %d delivered, %d still queued\n", delivered, remaining)
	return nil
}
