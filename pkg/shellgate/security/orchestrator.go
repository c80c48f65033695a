// Package security – orchestrator.go sequences the pipeline for each shell
// tool call: authorize, injection scan, rate limit, classify, anomaly
// escalation, audit, then the allow/ask/block branch. It hangs off the hook
// pipeline; the host runtime owns the actual execution and the approval UI.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/shellgate/pkg/shellgate/hooks"
)

// ShellToolName is the tool the orchestrator intercepts.
const ShellToolName = "Shell"

// Param keys the orchestrator injects for downstream hooks and the after
// phase.
const (
	ParamAuditID = "_audit_id"
	ParamTier    = "_tier"
	ParamReason  = "_reason"
)

// Stable user-facing messages. Dashboards match on these strings.
const (
	msgNotAuthorized  = "You are not authorized to execute commands"
	msgAuthFailed     = "Authorization check failed"
	msgBlockedPrefix  = "Command blocked for security: "
	msgSecurityPrefix = "Security blocked: "
	msgOutputBlocked  = "[OUTPUT BLOCKED - Secrets detected]"
)

// injectionBlockConfidence is the hard confidence above which a command is
// blocked regardless of the detector's configured sensitivity.
const injectionBlockConfidence = 0.5

// Authorizer checks whether a platform user may execute commands. Errors
// fail safe: the command is blocked.
type Authorizer func(ctx context.Context, userID, channelID, platformUserID string) (bool, error)

// RulesProvider returns the custom rule set for a caller, or nil for none.
type RulesProvider func(userID string) *CustomRules

// Orchestrator wires the pipeline components together.
type Orchestrator struct {
	classifier *Classifier
	injection  *InjectionDetector
	rateLimit  *RateLimiter // nil disables rate limiting
	anomaly    *AnomalyDetector
	audit      *AuditLog
	secrets    *Scanner
	authorize  Authorizer
	rules      RulesProvider
	logger     *slog.Logger

	// now is replaceable for tests.
	now func() time.Time
}

// NewOrchestrator builds the orchestrator. rateLimit and rules may be nil.
func NewOrchestrator(
	classifier *Classifier,
	injection *InjectionDetector,
	rateLimit *RateLimiter,
	anomaly *AnomalyDetector,
	audit *AuditLog,
	secrets *Scanner,
	authorize Authorizer,
	rules RulesProvider,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		classifier: classifier,
		injection:  injection,
		rateLimit:  rateLimit,
		anomaly:    anomaly,
		audit:      audit,
		secrets:    secrets,
		authorize:  authorize,
		rules:      rules,
		logger:     logger.With("component", "security_orchestrator"),
		now:        time.Now,
	}
}

// RegisterHooks subscribes the orchestrator on the pipeline. The before hook
// runs at high priority so it precedes host hooks; the after hook runs last
// so it scrubs whatever earlier hooks produced.
func (o *Orchestrator) RegisterHooks(pipeline *hooks.Pipeline) error {
	if err := pipeline.Register(hooks.BeforeToolCall, &hooks.Subscriber{
		Name:     "security-gate",
		Priority: 100,
		Handler:  o.BeforeToolCall,
	}); err != nil {
		return err
	}
	return pipeline.Register(hooks.AfterToolCall, &hooks.Subscriber{
		Name:     "secrets-scrub",
		Priority: -100,
		Handler:  o.AfterToolCall,
	})
}

// BeforeToolCall gates a shell command before execution.
func (o *Orchestrator) BeforeToolCall(ctx context.Context, event *hooks.ToolEvent, callCtx hooks.Context) (hooks.Result, error) {
	if event.ToolName != ShellToolName {
		return hooks.Pass(), nil
	}

	command, _ := event.Params["command"].(string)
	userID := orDefault(callCtx.UserID)
	channelID := orDefault(callCtx.ChannelID)
	platformUserID := orDefault(callCtx.PlatformUserID)

	// 1. Authorize; backend errors fail safe.
	authorized, err := o.authorize(ctx, userID, channelID, platformUserID)
	if err != nil {
		o.logger.Error("authorization check failed", "user", userID, "error", err)
		o.audit.Create(command, TierRed, ActionBlock, msgAuthFailed, userID, channelID)
		return hooks.Block(msgAuthFailed), nil
	}
	if !authorized {
		o.audit.Create(command, TierRed, ActionBlock, "User not authorized", userID, channelID)
		return hooks.Block(msgNotAuthorized), nil
	}

	// 2. Injection scan.
	detection := o.injection.Detect(command)
	if detection.Confidence > injectionBlockConfidence {
		o.audit.Create(command, TierRed, ActionBlock, detection.Reason, userID, channelID)
		return hooks.Block(msgSecurityPrefix + detection.Reason), nil
	}

	// 3. Rate limit. Denials block without an audit entry.
	if o.rateLimit != nil {
		if res := o.rateLimit.Check(userID, channelID); !res.Allowed {
			return hooks.Block(fmt.Sprintf(
				"Rate limit exceeded. Try again in %d seconds.",
				(res.RetryAfterMS+999)/1000,
			)), nil
		}
	}

	// 4. Classify.
	var rules *CustomRules
	if o.rules != nil {
		rules = o.rules(userID)
	}
	cls := o.classifier.Classify(command, rules)

	// 5. Anomaly escalation.
	anomaly := o.anomaly.Analyze(userID, command)
	if cls.Tier == TierGreen && anomaly.IsAnomaly {
		cls.Tier = TierYellow
		cls.Action = ActionAsk
		cls.RequiresApproval = true
		cls.Reason = fmt.Sprintf("%s (anomaly: %s)", cls.Reason, joinFactors(anomaly.Factors))
	} else if cls.Tier == TierYellow && anomaly.Score >= anomalyBlockScore {
		cls.Tier = TierRed
		cls.Action = ActionBlock
		cls.Reason = fmt.Sprintf("%s (anomaly: %s)", cls.Reason, joinFactors(anomaly.Factors))
	}

	// 6. Audit with the final decision.
	entry := o.audit.Create(command, cls.Tier, cls.Action, cls.Reason, userID, channelID)

	// 7. Branch.
	switch cls.Action {
	case ActionBlock:
		return hooks.Block(msgBlockedPrefix + cls.Reason), nil

	case ActionAsk:
		params := cloneParams(event.Params)
		params[ParamAuditID] = entry.ID
		params[ParamTier] = string(cls.Tier)
		params[ParamReason] = cls.Reason
		return hooks.Params(params), nil

	default:
		params := cloneParams(event.Params)
		params[ParamAuditID] = entry.ID
		return hooks.Params(params), nil
	}
}

// AfterToolCall scrubs shell output for secrets and records the outcome on
// the audit entry created in the before phase.
func (o *Orchestrator) AfterToolCall(_ context.Context, event *hooks.ToolEvent, _ hooks.Context) (hooks.Result, error) {
	if event.ToolName != ShellToolName {
		return hooks.Pass(), nil
	}
	auditID, _ := event.Params[ParamAuditID].(string)
	if auditID == "" {
		return hooks.Pass(), nil
	}

	output := coerceString(event.Result)
	executedAt := o.now()
	scan := o.secrets.ScanOutput(output)
	mode := o.secrets.Config().Mode

	if scan.HasSecrets && mode == ModeBlock {
		blocked := msgOutputBlocked
		redacted := true
		if _, err := o.audit.Update(auditID, AuditPatch{
			ExecutedAt:      &executedAt,
			Output:          &blocked,
			SecretsFound:    scan.Matches,
			SecretsRedacted: &redacted,
		}); err != nil {
			o.logger.Error("audit update failed", "audit_id", auditID, "error", err)
		}
		return hooks.Block(fmt.Sprintf(
			"Output blocked: %d secret(s) detected", scan.Count)), nil
	}

	patch := AuditPatch{ExecutedAt: &executedAt}
	if scan.HasSecrets && mode == ModeRedact {
		patch.Output = &scan.RedactedText
		patch.SecretsFound = scan.Matches
		redacted := true
		patch.SecretsRedacted = &redacted
	} else {
		patch.Output = &output
		if scan.HasSecrets {
			// Warn mode: findings are recorded but nothing was replaced.
			patch.SecretsFound = scan.Matches
		}
	}
	if event.Err != nil {
		patch.Error = event.Err.Error()
	}
	if _, err := o.audit.Update(auditID, patch); err != nil {
		o.logger.Error("audit update failed", "audit_id", auditID, "error", err)
	}
	return hooks.Pass(), nil
}

// ---------- Helpers ----------

func orDefault(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+3)
	for k, v := range params {
		out[k] = v
	}
	return out
}

func coerceString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func joinFactors(factors []string) string {
	if len(factors) == 0 {
		return "behavioral anomaly"
	}
	out := factors[0]
	for _, f := range factors[1:] {
		out += ", " + f
	}
	return out
}
