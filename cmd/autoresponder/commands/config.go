package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/config"
)

// newConfigCmd creates the `autoresponder config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
		Long: `Inspect the autoresponder configuration.

Examples:
  autoresponder config show
  autoresponder config validate --config ./config.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cfg.Clone()
			out.API.APIKey = maskUnlessReference(out.API.APIKey)
			out.Channels.Discord.Token = maskUnlessReference(out.Channels.Discord.Token)
			out.Channels.Bridge.Token = maskUnlessReference(out.Channels.Bridge.Token)
			out.Gateway.AuthToken = maskUnlessReference(out.Gateway.AuthToken)

			data, err := yaml.Marshal(out)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			if path == "" {
				fmt.Println("# no config file found, showing defaults")
			} else {
				fmt.Printf("# %s\n", path)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file for errors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			if path == "" {
				return fmt.Errorf("no configuration file found")
			}
			// Load validates.
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}
}

func maskUnlessReference(s string) string {
	if s == "" || config.IsEnvReference(s) {
		return s
	}
	return config.MaskSecret(s)
}
