package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/spam"
)

// newSpamCmd creates the `autoresponder spam` command group.
func newSpamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spam",
		Short: "Spam classifier tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <text>",
		Short: "Score a message with the configured spam rules",
		Long: `Score a message with the configured spam rules.

Examples:
  autoresponder spam check "Is this still available?"
  autoresponder spam check "WIN FREE MONEY NOW!!!"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			c, err := spam.New(cfg.Spam)
			if err != nil {
				return err
			}
			res := c.Check(strings.Join(args, " "))

			verdict := "not spam"
			if res.IsSpam {
				verdict = "SPAM"
			}
			fmt.Printf("%s (score %d, threshold %d)\n", verdict, res.Score, c.Threshold())
			for _, r := range res.Reasons {
				fmt.Printf("  - %s\n", r)
			}
			return nil
		},
	})
	return cmd
}
