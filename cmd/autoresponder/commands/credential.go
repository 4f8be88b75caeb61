package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/config"
)

// newCredentialCmd creates the `autoresponder credential` command group
// managing the text-generation API key in the OS keyring.
func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the text-generation API key",
		Long: `Manage the API key used for AI replies. The key is kept in the OS
keyring; ` + config.EnvAPIKey + ` and the config file are consulted when
the keyring holds nothing.

Examples:
  autoresponder credential set
  autoresponder credential status
  autoresponder credential delete`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Store the API key in the OS keyring (read without echo)",
			RunE: func(_ *cobra.Command, _ []string) error {
				key, err := config.ReadSecret("API key: ")
				if err != nil {
					return err
				}
				if err := config.StoreAPIKey(key); err != nil {
					return err
				}
				fmt.Println("API key stored in the OS keyring.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the API key from the OS keyring",
			RunE: func(_ *cobra.Command, _ []string) error {
				if err := config.DeleteAPIKey(); err != nil {
					return err
				}
				fmt.Println("API key removed from the OS keyring.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show where the API key would be read from",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				src := config.ResolveAPIKey(cfg, quietLogger())
				fmt.Printf("keyring available: %t\n", config.KeyringAvailable())
				fmt.Printf("source:            %s\n", src)
				if src != config.SourceNone {
					fmt.Printf("key:               %s\n", config.MaskSecret(cfg.API.APIKey))
				}
				return nil
			},
		},
	)
	return cmd
}
