// Package gate – gate.go builds the pipeline from configuration and owns
// every shared component. Hooks mutate audit entries only through the audit
// store by id, so nothing holds cross-component references.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jholhewres/shellgate/pkg/shellgate/gateway"
	"github.com/jholhewres/shellgate/pkg/shellgate/hooks"
	"github.com/jholhewres/shellgate/pkg/shellgate/sandbox"
	"github.com/jholhewres/shellgate/pkg/shellgate/scheduler"
	"github.com/jholhewres/shellgate/pkg/shellgate/security"
)

// Gate is the root object owning all pipeline components.
type Gate struct {
	Config *Config

	Patterns     *security.PatternStore
	Classifier   *security.Classifier
	Secrets      *security.Scanner
	Injection    *security.InjectionDetector
	RateLimit    *security.RateLimiter
	Anomaly      *security.AnomalyDetector
	Audit        *security.AuditLog
	AuditSink    *security.SQLiteAuditSink
	Approvals    *security.ApprovalWaiter
	Orchestrator *security.Orchestrator
	Hooks        *hooks.Pipeline
	Sandboxes    *sandbox.Manager
	Scheduler    *scheduler.Scheduler
	Jobs         scheduler.JobStore

	rules  security.RulesProvider
	logger *slog.Logger
}

// Options carries the external collaborators the gate cannot build itself.
type Options struct {
	// Provider creates sandboxes. Required for Execute; Status and the
	// policy pipeline work without it.
	Provider sandbox.Provider

	// Authorize checks platform user permission. Defaults to allow-all when
	// nil (single-operator deployments).
	Authorize security.Authorizer

	// Rules returns per-caller custom rule sets. Optional.
	Rules security.RulesProvider

	// LLM is the optional LLM-backed classifier for the gateway.
	LLM gateway.LLMClassifier

	// AgentRunner executes agent: cron commands. Optional.
	AgentRunner scheduler.AgentRunner
}

// New builds every component from the config and registers the security
// hooks on the pipeline.
func New(cfg *Config, opts Options, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gate{Config: cfg, rules: opts.Rules, logger: logger}

	// Pattern store: built-in catalog unless the config replaces lists.
	g.Patterns = security.NewDefaultPatternStore(logger)
	if len(cfg.Patterns.Block) > 0 {
		g.Patterns.Replace(security.ListBlock, cfg.Patterns.Block)
	}
	if len(cfg.Patterns.Ask) > 0 {
		g.Patterns.Replace(security.ListAsk, cfg.Patterns.Ask)
	}
	if len(cfg.Patterns.Allow) > 0 {
		g.Patterns.Replace(security.ListAllow, cfg.Patterns.Allow)
	}

	g.Classifier = security.NewClassifier(g.Patterns, logger)
	g.Secrets = security.NewScanner(cfg.Secrets, logger)
	g.Injection = security.NewInjectionDetector(security.Sensitivity(cfg.Injection.Sensitivity), logger)
	g.Anomaly = security.NewAnomalyDetector(logger)
	g.Approvals = security.NewApprovalWaiter(cfg.ApprovalTimeout(), logger)

	if cfg.RateLimit.Enabled {
		g.RateLimit = security.NewRateLimiter(security.RateLimitConfig{
			WindowMS:    cfg.RateLimit.WindowMS,
			MaxRequests: cfg.RateLimit.MaxRequests,
			PerChannel:  cfg.RateLimit.PerChannel,
		}, logger)
	}

	if cfg.AuditDBPath != "" {
		sink, err := security.OpenSQLiteAuditSink(cfg.AuditDBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("opening audit sink: %w", err)
		}
		g.AuditSink = sink
		g.Audit = security.NewAuditLog(sink, logger)
	} else {
		g.Audit = security.NewAuditLog(nil, logger)
	}

	authorize := opts.Authorize
	if authorize == nil {
		authorize = func(context.Context, string, string, string) (bool, error) { return true, nil }
	}

	g.Orchestrator = security.NewOrchestrator(
		g.Classifier, g.Injection, g.RateLimit, g.Anomaly,
		g.Audit, g.Secrets, authorize, opts.Rules, logger,
	)

	g.Hooks = hooks.NewPipeline(logger)
	if err := g.Orchestrator.RegisterHooks(g.Hooks); err != nil {
		return nil, fmt.Errorf("registering security hooks: %w", err)
	}

	g.Sandboxes = sandbox.NewManager(opts.Provider, sandbox.Config{
		IdleTimeout: cfg.IdleTimeout(),
		APIKey:      ResolveSandboxAPIKey(cfg),
	}, logger)

	jobs, err := scheduler.NewFileJobStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	g.Jobs = jobs
	g.Scheduler = scheduler.New(jobs, scheduler.Config{
		MaxConcurrent:    cfg.Cron.MaxConcurrent,
		ExecutionTimeout: time.Duration(cfg.Cron.ExecutionTimeoutSecond) * time.Second,
		MaxRetries:       cfg.Cron.MaxRetries,
		RetryBackoff:     time.Duration(cfg.Cron.RetryBackoffSeconds) * time.Second,
	}, logger)
	if opts.AgentRunner != nil {
		g.Scheduler.SetAgentRunner(opts.AgentRunner)
	}

	return g, nil
}

// GatewayDeps returns the dependency set for the RPC gateway.
func (g *Gate) GatewayDeps(llm gateway.LLMClassifier) gateway.Deps {
	return gateway.Deps{
		Classifier: g.Classifier,
		Rules:      g.rules,
		Audit:      g.Audit,
		Approvals:  g.Approvals,
		RateLimit:  g.RateLimit,
		Anomaly:    g.Anomaly,
		Secrets:    g.Secrets,
		Injection:  g.Injection,
		Sandboxes:  g.Sandboxes,
		Scheduler:  g.Scheduler,
		Jobs:       g.Jobs,
		LLM:        llm,
	}
}

// RunShell drives one shell tool call through the full pipeline: before
// hooks, sandbox execution, after hooks. The host runtime calls this for
// every agent shell invocation.
func (g *Gate) RunShell(ctx context.Context, command string, callCtx hooks.Context) ShellResult {
	event := &hooks.ToolEvent{
		ToolName: security.ShellToolName,
		Params:   map[string]any{"command": command},
	}

	pre := g.Hooks.DispatchBefore(ctx, event, callCtx)
	if pre.Blocked {
		return ShellResult{Blocked: true, BlockReason: pre.Reason}
	}
	if pre.Params != nil {
		event.Params = pre.Params
	}

	finalCommand, _ := event.Params["command"].(string)
	start := time.Now()
	exec := g.Sandboxes.Execute(ctx, callCtx.UserID, finalCommand)
	event.DurationMS = time.Since(start).Milliseconds()
	event.Result = exec.Output
	if !exec.Success && exec.ErrorMessage != "" {
		event.Err = fmt.Errorf("%s", exec.ErrorMessage)
	}

	post := g.Hooks.DispatchAfter(ctx, event, callCtx)
	if post.Blocked {
		return ShellResult{Blocked: true, BlockReason: post.Reason}
	}

	return ShellResult{
		Success:  exec.Success,
		Output:   exec.Output,
		ExitCode: exec.ExitCode,
	}
}

// ShellResult is the outcome of RunShell as seen by the agent.
type ShellResult struct {
	Success     bool   `json:"success"`
	Output      string `json:"output,omitempty"`
	ExitCode    int    `json:"exit_code"`
	Blocked     bool   `json:"blocked,omitempty"`
	BlockReason string `json:"block_reason,omitempty"`
}

// Start brings up the scheduler.
func (g *Gate) Start() error {
	return g.Scheduler.Start()
}

// Shutdown stops the scheduler, terminates every sandbox and closes the
// audit sink.
func (g *Gate) Shutdown(ctx context.Context) {
	g.Scheduler.Stop()
	g.Sandboxes.TerminateAll(ctx)
	if g.AuditSink != nil {
		if err := g.AuditSink.Close(); err != nil {
			g.logger.Warn("closing audit sink", "error", err)
		}
	}
	g.logger.Info("gate shut down")
}

// AuditDBDefaultPath returns the conventional audit db location under the
// data dir.
func AuditDBDefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "audit.db")
}
