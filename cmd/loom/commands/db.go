package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// DbCmd groups local database operations.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local database",
	Long: `Manage the local SQLite database holding replicated document state,
snapshots, edges, the outbox, and engine bookkeeping.

Examples:
  loom db stats            # Show table counts and database path`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	a, err := openApp(flagLock)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Println("Database statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Path:            %s\n\n", a.cfg.Database.Path)

	tables := []string{"doc_versions", "doc_states", "doc_snapshots", "edges", "outbox", "kv"}
	for _, table := range tables {
		var n int
		if err := a.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return fmt.Errorf("failed to count %s: %w", table, err)
		}
		fmt.Printf("%-16s %d\n", table+":", n)
	}

	var pageCount, pageSize int64
	if err := a.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := a.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err == nil {
			fmt.Printf("\nOn-disk size:    %.1f KiB\n", float64(pageCount*pageSize)/1024)
		}
	}
	return nil
}
