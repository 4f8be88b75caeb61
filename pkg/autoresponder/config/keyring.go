// Package config – keyring.go stores the API credential in the operating
// system keyring (Secret Service, Keychain or Credential Manager).
//
// Resolution order for the credential:
//  1. OS keyring
//  2. AUTORESPONDER_API_KEY / OPENAI_API_KEY (including .env files)
//  3. literal config value
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// KeyringService is the service name used in the OS keyring.
	KeyringService = "autoresponder"

	// keyringAPIKey is the entry holding the API credential.
	keyringAPIKey = "api_key"
)

// StoreAPIKey saves the credential in the OS keyring.
func StoreAPIKey(value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("empty API key")
	}
	if err := keyring.Set(KeyringService, keyringAPIKey, value); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	return nil
}

// KeyringAPIKey returns the stored credential, or "" when there is none.
func KeyringAPIKey() string {
	v, err := keyring.Get(KeyringService, keyringAPIKey)
	if err != nil {
		return ""
	}
	return v
}

// DeleteAPIKey removes the stored credential. Deleting a missing entry is
// not an error.
func DeleteAPIKey() error {
	err := keyring.Delete(KeyringService, keyringAPIKey)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting from keyring: %w", err)
	}
	return nil
}

// KeyringAvailable reports whether the OS keyring accepts writes.
func KeyringAvailable() bool {
	const probe = "__autoresponder_probe__"
	if err := keyring.Set(KeyringService, probe, "x"); err != nil {
		return false
	}
	_ = keyring.Delete(KeyringService, probe)
	return true
}

// CredentialSource names where ResolveAPIKey found the credential.
type CredentialSource string

const (
	SourceNone    CredentialSource = "none"
	SourceKeyring CredentialSource = "keyring"
	SourceEnv     CredentialSource = "env"
	SourceConfig  CredentialSource = "config"
)

// ResolveAPIKey settles cfg.API.APIKey using the resolution order above
// and reports where the value came from. An unexpanded reference is
// cleared so that callers see an absent credential.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) CredentialSource {
	if logger == nil {
		logger = slog.Default()
	}
	if v := KeyringAPIKey(); v != "" {
		cfg.API.APIKey = v
		logger.Debug("config: API key loaded from OS keyring")
		return SourceKeyring
	}
	for _, name := range []string{EnvAPIKey, "OPENAI_API_KEY"} {
		if v := os.Getenv(name); v != "" && (cfg.API.APIKey == "" || IsEnvReference(cfg.API.APIKey) || cfg.API.APIKey == v) {
			cfg.API.APIKey = v
			logger.Debug("config: API key loaded from environment", "var", name)
			return SourceEnv
		}
	}
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) {
		return SourceConfig
	}
	cfg.API.APIKey = ""
	return SourceNone
}

// ReadSecret prompts on the terminal without echo. When stdin is not a
// terminal a single line is read instead.
func ReadSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(line), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// MaskSecret shows only the edges of a secret.
func MaskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
