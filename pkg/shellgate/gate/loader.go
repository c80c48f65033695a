// Package gate – loader.go loads YAML configuration with environment
// variable expansion and .env support. Values may reference variables as
// ${VAR}, ${VAR:-default} or ${VAR:?error message}; bare $VAR also works for
// upper-case names.
package gate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file. .env files
// are loaded first (never overriding real environment variables), variables
// are expanded, and relative paths are resolved against the config location.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)
	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, starting from defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// loadEnvFiles loads .env from the working directory and the user config
// directory. godotenv does not overwrite existing environment variables.
func loadEnvFiles() {
	candidates := []string{".env"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".shellgate", ".env"))
	}
	for _, f := range candidates {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes environment variable references. A ${VAR:?msg}
// reference with VAR unset returns an error carrying msg.
func expandEnvVars(data string) (string, error) {
	var expandErr error
	out := envVarPattern.ReplaceAllStringFunc(data, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)

		name := groups[1]
		if name == "" {
			name = groups[4] // bare $VAR form
		}
		value, set := os.LookupEnv(name)

		switch groups[2] {
		case "-":
			if !set || value == "" {
				return groups[3]
			}
		case "?":
			if !set || value == "" {
				msg := groups[3]
				if msg == "" {
					msg = "required variable " + name + " is not set"
				}
				if expandErr == nil {
					expandErr = fmt.Errorf("%s", msg)
				}
				return ""
			}
		}
		return value
	})
	return out, expandErr
}

// resolveRelativePaths anchors relative paths at the config file's directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	base := filepath.Dir(configPath)
	if cfg.DataDir != "" && !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(base, cfg.DataDir)
	}
	if cfg.AuditDBPath != "" && !filepath.IsAbs(cfg.AuditDBPath) {
		cfg.AuditDBPath = filepath.Join(base, cfg.AuditDBPath)
	}
}

// checkFilePermissions warns when the config file is readable by others,
// since it may contain tokens.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o004 != 0 {
		slog.Warn("config file is world-readable, consider chmod 600",
			"path", path, "perm", fmt.Sprintf("%o", perm))
	}
}

// SaveConfigToFile writes the config as YAML, replacing secrets with
// environment references so tokens never land on disk in plaintext.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	if sanitized.Sandbox.APIKey != "" {
		sanitized.Sandbox.APIKey = "${SHELLGATE_SANDBOX_API_KEY}"
	}
	if sanitized.Gateway.AuthToken != "" {
		sanitized.Gateway.AuthToken = "${SHELLGATE_GATEWAY_TOKEN}"
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Back up the existing file before overwriting.
	if _, err := os.Stat(path); err == nil {
		backup := path + ".bak"
		if data, rerr := os.ReadFile(path); rerr == nil {
			_ = os.WriteFile(backup, data, 0o600)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// DefaultConfigPath returns the standard config location.
func DefaultConfigPath() string {
	if env := strings.TrimSpace(os.Getenv("SHELLGATE_CONFIG")); env != "" {
		return env
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".shellgate", "config.yaml")
	}
	return "config.yaml"
}
