// Package sandbox manages per-user isolated execution environments. The
// provider behind it is abstract: the manager only needs create, run, pause
// and kill. Sandboxes are created lazily, hibernated after an idle interval
// and terminated on demand.
package sandbox

import (
	"context"
	"time"
)

// Provider creates sandboxes. Implementations wrap a cloud sandbox service;
// the manager supplies the API key from config or environment.
type Provider interface {
	// Create provisions a new sandbox for the user.
	Create(ctx context.Context, userID string) (Instance, error)
}

// Instance is an opaque handle to one live sandbox.
type Instance interface {
	// ID returns the provider's identifier for this sandbox.
	ID() string

	// Run executes a command and returns its output. The timeout bounds the
	// whole execution.
	Run(ctx context.Context, command string, timeout time.Duration) (RunResult, error)

	// Pause hibernates the sandbox, releasing compute while keeping state.
	Pause(ctx context.Context) error

	// Kill destroys the sandbox.
	Kill(ctx context.Context) error
}

// RunResult is the raw output of one command execution.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Config holds the manager's tunables.
type Config struct {
	// IdleTimeout is the no-activity interval after which an active sandbox
	// is hibernated. Default: 50 minutes.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ExecTimeout bounds a single command execution. Default: 30 seconds.
	ExecTimeout time.Duration `yaml:"exec_timeout"`

	// APIKey authenticates against the sandbox provider. Resolved from the
	// keyring, environment or config file at startup.
	APIKey string `yaml:"api_key"`
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout: 50 * time.Minute,
		ExecTimeout: 30 * time.Second,
	}
}

// ExecResult is the structured outcome of Manager.Execute. Errors surface
// here as Success=false, never as a Go error.
type ExecResult struct {
	Success      bool   `json:"success"`
	Output       string `json:"output,omitempty"`
	ExitCode     int    `json:"exit_code"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Status is a snapshot of one user's sandbox state.
type Status struct {
	Active         bool       `json:"active"`
	SandboxID      string     `json:"sandbox_id,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	UptimeMS       int64      `json:"uptime_ms,omitempty"`
}
