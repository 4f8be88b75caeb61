package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/store"
)

// newActivityCmd creates the `autoresponder activity` command printing
// the recent audit trail.
func newActivityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the most recent processing outcomes",
		Long: `Show the most recent processing outcomes, newest first.

Examples:
  autoresponder activity
  autoresponder activity --limit 100`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit < 1 {
				return fmt.Errorf("--limit must be positive")
			}
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Database, quietLogger())
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			recs, err := st.ListActivity(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No activity yet.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSENDER\tSTAGE\tSTATUS\tDETAIL")
			for _, r := range recs {
				detail := r.Reply
				if r.Error != "" {
					detail = r.Error
				} else if detail == "" {
					detail = r.Reason
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
					r.StartedAt.Local().Format(time.DateTime), r.DisplayName, r.Stage, r.Status, truncate(detail, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "number of records to show")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
