package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvAPIKey is the environment variable holding the API credential.
const EnvAPIKey = "AUTORESPONDER_API_KEY"

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?error}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// Load reads, expands, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	resolvePaths(cfg, path)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands environment references in data and overlays it on the
// defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	resolveSecrets(cfg)
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions, keeping a .bak copy
// of the previous file. A literal API key is replaced by an environment
// reference so that it never lands on disk.
func Save(cfg *Config, path string) error {
	out := cfg.Clone()
	if out.API.APIKey != "" && !IsEnvReference(out.API.APIKey) {
		out.API.APIKey = "${" + EnvAPIKey + "}"
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("refusing to write unparseable config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Find returns the first existing config file among the standard
// locations, or "" when none exists.
func Find() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		filepath.Join("configs", "config.yaml"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".autoresponder", "config.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsEnvReference reports whether s is an unexpanded ${VAR} reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}")
}

// AuditSecrets warns about credentials written literally in the file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	if raw := cfg.API.APIKey; raw != "" && !IsEnvReference(raw) && os.Getenv(EnvAPIKey) != raw {
		logger.Warn("config: API key appears to be hardcoded",
			"hint", "use 'api_key: ${"+EnvAPIKey+"}' or 'autoresponder credential set'")
	}
	if cfg.Gateway.Enabled && cfg.Gateway.AuthToken == "" {
		logger.Warn("config: gateway has no auth token")
	}
}

// loadEnvFiles loads .env files next to the config and in the working
// directory. Existing variables are never overridden.
func loadEnvFiles(dir string) {
	seen := map[string]bool{}
	for _, f := range []string{filepath.Join(dir, ".env"), ".env", ".env.local"} {
		if seen[f] {
			continue
		}
		seen[f] = true
		_ = godotenv.Load(f)
	}
}

// ReloadEnvFiles re-reads .env files, overriding existing variables.
// It returns how many variables were set.
func ReloadEnvFiles(dir string) (int, error) {
	loaded := 0
	for _, f := range []string{filepath.Join(dir, ".env"), ".env.local"} {
		data, err := os.ReadFile(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return loaded, fmt.Errorf("reading %s: %w", f, err)
		}
		env, err := godotenv.Parse(bytes.NewReader(data))
		if err != nil {
			return loaded, fmt.Errorf("parsing %s: %w", f, err)
		}
		for k, v := range env {
			if err := os.Setenv(k, v); err != nil {
				return loaded, fmt.Errorf("setting %s: %w", k, err)
			}
			loaded++
		}
	}
	return loaded, nil
}

// expandEnv replaces environment references. Unset ${VAR} references are
// kept verbatim, ${VAR:-x} falls back to x and ${VAR:?msg} is an error.
func expandEnv(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, mod, val := sub[1], sub[2], sub[3]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch mod {
		case "-":
			return val
		case "?":
			if val == "" {
				val = "required environment variable not set"
			}
			missing = append(missing, name+": "+val)
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// resolveSecrets fills the API key from the environment when the file
// leaves it empty or unexpanded.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) {
		return
	}
	for _, name := range []string{EnvAPIKey, "OPENAI_API_KEY"} {
		if v := os.Getenv(name); v != "" {
			cfg.API.APIKey = v
			return
		}
	}
}

// resolvePaths makes relative data paths relative to the config file.
func resolvePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	resolve := func(p string) string {
		if p == "" || p == ":memory:" || filepath.IsAbs(p) {
			return p
		}
		if strings.HasPrefix(p, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				return filepath.Join(home, p[2:])
			}
		}
		return filepath.Join(dir, p)
	}
	cfg.Database.Path = resolve(cfg.Database.Path)
	cfg.Channels.WhatsApp.SessionDir = resolve(cfg.Channels.WhatsApp.SessionDir)
	cfg.Channels.WhatsApp.DatabasePath = resolve(cfg.Channels.WhatsApp.DatabasePath)
}
