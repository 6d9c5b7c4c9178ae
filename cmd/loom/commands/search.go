package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomnotes/loom/doc"
)

// SearchCmd queries the local full-text index.
var SearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Query the local full-text index",
	Long: `Search the local index. Queries run entirely offline against the
in-memory index rehydrated from the last persisted copy; results are
ranked by match quality with typo tolerance.

Examples:
  loom search meeting          # Single token, prefix matched
  loom search "sync engine"    # Every token must match`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := openApp(flagLock)
	if err != nil {
		return err
	}
	defer a.Close()

	query := strings.Join(args, " ")
	results := a.index.Search(query)
	if len(results) == 0 {
		fmt.Printf("No matches for %q\n", query)
		return nil
	}

	fmt.Printf("%d match(es) for %q:\n\n", len(results), query)
	for _, r := range results {
		title := r.DocID
		if snap, ok := a.cache.Get(r.DocID); ok && snap.Title != "" {
			title = snap.Title
		}
		where := "title"
		if r.BlockID != doc.TitleKey {
			where = "block " + r.BlockID
		}
		fmt.Printf("  %s (%s)\n", title, where)
		if r.Preview != "" {
			fmt.Printf("    %s\n", r.Preview)
		}
	}
	return nil
}
