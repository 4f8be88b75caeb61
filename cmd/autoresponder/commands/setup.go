package commands

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/config"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/reply"
)

// newSetupCmd creates the `autoresponder setup` interactive wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive configuration wizard",
		Long: `Walk through the main settings and write config.yaml.
An existing file is loaded first and kept as config.yaml.bak.

Examples:
  autoresponder setup
  autoresponder setup --config ~/.autoresponder/config.yaml`,
		RunE: runSetup,
	}
}

// setupAnswers holds the wizard fields as strings so huh can bind them.
type setupAnswers struct {
	aiEnabled  bool
	apiKey     string
	model      string
	tone       string
	delayMin   string
	delayMax   string
	spamFilter bool
	sources    []string
	gateway    string
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path := configPath(cmd)
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		path = "config.yaml"
	}

	a := setupAnswers{
		aiEnabled:  cfg.AutoReply.AIEnabled,
		model:      cfg.API.Model,
		tone:       string(cfg.AutoReply.Tone),
		delayMin:   strconv.Itoa(cfg.AutoReply.DelayMinSeconds),
		delayMax:   strconv.Itoa(cfg.AutoReply.DelayMaxSeconds),
		spamFilter: cfg.AutoReply.SpamFilter,
		gateway:    cfg.Gateway.Address,
	}
	if cfg.Channels.Bridge.Enabled {
		a.sources = append(a.sources, "bridge")
	}
	if cfg.Channels.WhatsApp.Enabled {
		a.sources = append(a.sources, "whatsapp")
	}
	if cfg.Channels.Discord.Enabled {
		a.sources = append(a.sources, "discord")
	}

	toneOptions := make([]huh.Option[string], 0, len(reply.Tones))
	for _, t := range reply.Tones {
		toneOptions = append(toneOptions, huh.NewOption(string(t), string(t)))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Generate replies with AI?").
				Description("When off, replies are picked from the template pools.").
				Value(&a.aiEnabled),
			huh.NewSelect[string]().
				Title("Reply tone").
				Options(toneOptions...).
				Value(&a.tone),
			huh.NewConfirm().
				Title("Enable the spam filter?").
				Value(&a.spamFilter),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Model").
				Value(&a.model),
			huh.NewInput().
				Title("API key").
				Description("Stored in the OS keyring. Leave empty to keep the current one.").
				EchoMode(huh.EchoModePassword).
				Value(&a.apiKey),
		).WithHideFunc(func() bool { return !a.aiEnabled }),
		huh.NewGroup(
			huh.NewInput().
				Title("Minimum delay before replying (seconds)").
				Validate(positiveInt).
				Value(&a.delayMin),
			huh.NewInput().
				Title("Maximum delay before replying (seconds)").
				Validate(positiveInt).
				Value(&a.delayMax),
		),
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Notification sources").
				Options(huh.NewOptions("bridge", "whatsapp", "discord")...).
				Value(&a.sources),
			huh.NewInput().
				Title("Operator API address").
				Description("Empty disables the HTTP API.").
				Value(&a.gateway),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return fmt.Errorf("setup form: %w", err)
	}

	if err := applyAnswers(cfg, a); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if a.apiKey != "" {
		if err := config.StoreAPIKey(a.apiKey); err != nil {
			fmt.Fprintf(os.Stderr, "Keyring unavailable (%v); export %s instead.\n", err, config.EnvAPIKey)
		} else {
			fmt.Println("API key stored in the OS keyring.")
		}
	}

	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", path)
	if cfg.Channels.Bridge.Enabled && cfg.Channels.Bridge.Token != "" {
		fmt.Printf("Bridge device token: %s\n", cfg.Channels.Bridge.Token)
	}
	return nil
}

// applyAnswers copies the wizard answers into cfg.
func applyAnswers(cfg *config.Config, a setupAnswers) error {
	minDelay, err := strconv.Atoi(strings.TrimSpace(a.delayMin))
	if err != nil {
		return fmt.Errorf("minimum delay: %w", err)
	}
	maxDelay, err := strconv.Atoi(strings.TrimSpace(a.delayMax))
	if err != nil {
		return fmt.Errorf("maximum delay: %w", err)
	}

	cfg.AutoReply.AIEnabled = a.aiEnabled
	cfg.AutoReply.Tone = reply.Tone(a.tone)
	cfg.AutoReply.SpamFilter = a.spamFilter
	cfg.AutoReply.DelayMinSeconds = minDelay
	cfg.AutoReply.DelayMaxSeconds = maxDelay
	if m := strings.TrimSpace(a.model); m != "" {
		cfg.API.Model = m
	}

	cfg.Channels.Bridge.Enabled = slices.Contains(a.sources, "bridge")
	cfg.Channels.WhatsApp.Enabled = slices.Contains(a.sources, "whatsapp")
	cfg.Channels.Discord.Enabled = slices.Contains(a.sources, "discord")
	if cfg.Channels.Bridge.Enabled && cfg.Channels.Bridge.Token == "" {
		tok, err := randomToken()
		if err != nil {
			return err
		}
		cfg.Channels.Bridge.Token = tok
	}

	addr := strings.TrimSpace(a.gateway)
	cfg.Gateway.Enabled = addr != ""
	if addr != "" {
		cfg.Gateway.Address = addr
	}
	return nil
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return errors.New("enter a whole number of seconds, at least 1")
	}
	return nil
}

func randomToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
