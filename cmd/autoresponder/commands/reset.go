package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/store"
)

// newResetCmd creates the `autoresponder reset` command.
func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget every conversation, transcript, example and reply mark",
		Long: `Reset the conversation state so that every sender starts again from
the welcome stage. The activity log is kept.

Examples:
  autoresponder reset --yes`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return errors.New("refusing to reset without --yes")
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

			res, err := st.Reset(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d conversations, %d turns, %d examples, %d reply marks.\n",
				res.Conversations, res.Turns, res.Examples, res.Marks)
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "confirm the reset")
	return cmd
}
