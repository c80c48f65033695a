// Package gateway exposes the dashboard RPC surface over HTTP. One POST
// endpoint per method, JSON request and response, errors as {code, message}.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jholhewres/shellgate/pkg/shellgate/sandbox"
	"github.com/jholhewres/shellgate/pkg/shellgate/scheduler"
	"github.com/jholhewres/shellgate/pkg/shellgate/security"
)

// Config holds the gateway's HTTP settings.
type Config struct {
	// Address is the bind address. Default: 127.0.0.1:8090.
	Address string `yaml:"address"`

	// AuthToken enables Bearer auth when non-empty. /health stays public.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins; empty disables CORS headers.
	CORSOrigins []string `yaml:"cors_origins"`
}

// LLMClassifier produces an LLM-backed second opinion for a command. The
// backend is external; when nil, classifyWithLLM falls back to the rule
// classifier.
type LLMClassifier func(ctx context.Context, command string) (security.Classification, error)

// Deps are the pipeline components the gateway fronts.
type Deps struct {
	Classifier *security.Classifier
	Rules      security.RulesProvider
	Audit      *security.AuditLog
	Approvals  *security.ApprovalWaiter
	RateLimit  *security.RateLimiter
	Anomaly    *security.AnomalyDetector
	Secrets    *security.Scanner
	Injection  *security.InjectionDetector
	Sandboxes  *sandbox.Manager
	Scheduler  *scheduler.Scheduler
	Jobs       scheduler.JobStore
	LLM        LLMClassifier
}

// Gateway is the HTTP server over the RPC surface.
type Gateway struct {
	deps      Deps
	config    Config
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway.
func New(deps Deps, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8090"
	}
	return &Gateway{
		deps:   deps,
		config: cfg,
		logger: logger.With("component", "gateway"),
	}
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (g *Gateway) Start() error {
	g.startedAt = time.Now()
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)

	// Security pipeline.
	mux.HandleFunc("/rpc/security.classify", g.handleClassify)
	mux.HandleFunc("/rpc/security.classifyWithLLM", g.handleClassifyWithLLM)
	mux.HandleFunc("/rpc/security.rateLimit.status", g.handleRateLimitStatus)
	mux.HandleFunc("/rpc/security.rateLimit.reset", g.handleRateLimitReset)
	mux.HandleFunc("/rpc/security.anomaly.analyze", g.handleAnomalyAnalyze)
	mux.HandleFunc("/rpc/security.anomaly.updateBaseline", g.handleAnomalyUpdateBaseline)
	mux.HandleFunc("/rpc/security.anomaly.getBaseline", g.handleAnomalyGetBaseline)
	mux.HandleFunc("/rpc/security.secrets.scan", g.handleSecretsScan)
	mux.HandleFunc("/rpc/security.secrets.redact", g.handleSecretsRedact)
	mux.HandleFunc("/rpc/security.secrets.configure", g.handleSecretsConfigure)
	mux.HandleFunc("/rpc/security.secrets.getConfig", g.handleSecretsGetConfig)
	mux.HandleFunc("/rpc/security.injection.detect", g.handleInjectionDetect)
	mux.HandleFunc("/rpc/security.injection.sanitize", g.handleInjectionSanitize)

	// Audit.
	mux.HandleFunc("/rpc/audit.logs", g.handleAuditLogs)
	mux.HandleFunc("/rpc/audit.stats", g.handleAuditStats)

	// Approvals.
	mux.HandleFunc("/rpc/approvals.pending", g.handleApprovalsPending)
	mux.HandleFunc("/rpc/approvals.approve", g.handleApprovalsApprove)
	mux.HandleFunc("/rpc/approvals.reject", g.handleApprovalsReject)
	mux.HandleFunc("/rpc/approvals.request", g.handleApprovalsRequest)

	// Sandboxes.
	mux.HandleFunc("/rpc/sandbox.status", g.handleSandboxStatus)
	mux.HandleFunc("/rpc/sandbox.create", g.handleSandboxCreate)
	mux.HandleFunc("/rpc/sandbox.kill", g.handleSandboxKill)
	mux.HandleFunc("/rpc/sandbox.hibernate", g.handleSandboxHibernate)

	// Cron.
	mux.HandleFunc("/rpc/cron.list", g.handleCronList)
	mux.HandleFunc("/rpc/cron.get", g.handleCronGet)
	mux.HandleFunc("/rpc/cron.create", g.handleCronCreate)
	mux.HandleFunc("/rpc/cron.update", g.handleCronUpdate)
	mux.HandleFunc("/rpc/cron.delete", g.handleCronDelete)
	mux.HandleFunc("/rpc/cron.stats", g.handleCronStats)

	handler := g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
	g.server = &http.Server{
		Addr:              g.config.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.logger.Info("gateway listening", "address", g.config.Address)
	err := g.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime_ms": time.Since(g.startedAt).Milliseconds(),
	})
}
