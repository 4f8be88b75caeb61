// Package commands implements the autoresponder CLI using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/config"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autoresponder",
		Short: "Autoresponder - staged replies to marketplace messages",
		Long: `Autoresponder watches incoming message notifications and answers
each sender through a short scripted conversation (welcome, follow-up,
contact), using templates or a text-generation API.

Examples:
  autoresponder serve
  autoresponder setup
  autoresponder activity --limit 20
  autoresponder spam check "WIN FREE MONEY NOW!!!"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(version),
		newSetupCmd(),
		newConfigCmd(),
		newCredentialCmd(),
		newResetCmd(),
		newActivityCmd(),
		newSpamCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// configPath returns the --config flag or the first discovered file.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Root().PersistentFlags().GetString("config"); p != "" {
		return p
	}
	return config.Find()
}

// loadConfig loads the configuration named by --config or discovered in
// the standard locations. With no file the defaults are returned and the
// path is empty.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := configPath(cmd)
	if path == "" {
		return config.DefaultConfig(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cmd *cobra.Command, cfg config.LoggingConfig) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// quietLogger is used by one-shot commands that print their own output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
