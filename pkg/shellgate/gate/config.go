// Package gate assembles the full pipeline: it loads configuration, resolves
// credentials, builds every component and registers the security hooks. All
// shared components are explicit objects owned by the Gate and passed into
// hooks at registration time; there are no package-level singletons.
package gate

import (
	"time"

	"github.com/jholhewres/shellgate/pkg/shellgate/gateway"
	"github.com/jholhewres/shellgate/pkg/shellgate/security"
)

// Config is the process configuration, loaded from YAML with environment
// expansion.
type Config struct {
	// DataDir is the root for persisted state (cron jobs, audit db).
	DataDir string `yaml:"data_dir"`

	// AuditDBPath enables the SQLite audit sink when non-empty.
	AuditDBPath string `yaml:"audit_db"`

	Sandbox   SandboxConfig            `yaml:"sandbox"`
	RateLimit RateLimitSection         `yaml:"rate_limit"`
	Approval  ApprovalConfig           `yaml:"approval"`
	Cron      CronConfig               `yaml:"cron"`
	Secrets   security.DetectionConfig `yaml:"secrets"`
	Injection InjectionConfig          `yaml:"injection"`
	Gateway   gateway.Config           `yaml:"gateway"`
	Patterns  PatternsConfig           `yaml:"patterns"`
}

// SandboxConfig configures the sandbox manager.
type SandboxConfig struct {
	// IdleTimeoutMinutes before an active sandbox hibernates. Default: 50.
	IdleTimeoutMinutes int `yaml:"idle_timeout_minutes"`

	// APIKey for the sandbox provider. Usually left empty here and resolved
	// from the keyring or SHELLGATE_SANDBOX_API_KEY.
	APIKey string `yaml:"api_key"`
}

// RateLimitSection wraps the limiter config with an enable switch.
type RateLimitSection struct {
	Enabled     bool `yaml:"enabled"`
	WindowMS    int  `yaml:"window_ms"`
	MaxRequests int  `yaml:"max_requests"`
	PerChannel  bool `yaml:"per_channel"`
}

// ApprovalConfig configures the approval waiter.
type ApprovalConfig struct {
	// TimeoutSeconds for a pending approval. Default: 300.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// CronConfig configures the scheduler's execution policy.
type CronConfig struct {
	MaxConcurrent          int `yaml:"max_concurrent"`
	ExecutionTimeoutSecond int `yaml:"execution_timeout_seconds"`
	MaxRetries             int `yaml:"max_retries"`
	RetryBackoffSeconds    int `yaml:"retry_backoff_seconds"`
}

// InjectionConfig configures the injection detector.
type InjectionConfig struct {
	// Sensitivity is low, medium or high. Default: medium.
	Sensitivity string `yaml:"sensitivity"`
}

// PatternsConfig optionally replaces the built-in pattern lists.
type PatternsConfig struct {
	Block []string `yaml:"block,omitempty"`
	Ask   []string `yaml:"ask,omitempty"`
	Allow []string `yaml:"allow,omitempty"`
}

// DefaultConfig returns the defaults applied before the YAML overlays them.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Sandbox: SandboxConfig{
			IdleTimeoutMinutes: 50,
		},
		RateLimit: RateLimitSection{
			Enabled:     true,
			WindowMS:    60_000,
			MaxRequests: 30,
		},
		Approval: ApprovalConfig{
			TimeoutSeconds: 300,
		},
		Cron: CronConfig{
			MaxConcurrent:          5,
			ExecutionTimeoutSecond: 300,
			MaxRetries:             3,
			RetryBackoffSeconds:    30,
		},
		Secrets:   security.DefaultDetectionConfig(),
		Injection: InjectionConfig{Sensitivity: "medium"},
		Gateway:   gateway.Config{Address: "127.0.0.1:8090"},
	}
}

// ApprovalTimeout returns the configured approval timeout as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	if c.Approval.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Approval.TimeoutSeconds) * time.Second
}

// IdleTimeout returns the sandbox idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	if c.Sandbox.IdleTimeoutMinutes <= 0 {
		return 50 * time.Minute
	}
	return time.Duration(c.Sandbox.IdleTimeoutMinutes) * time.Minute
}
