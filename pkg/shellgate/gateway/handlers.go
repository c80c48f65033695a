// Package gateway – handlers.go implements the RPC methods. Every handler
// takes a POST JSON body and writes a JSON response; failures use the stable
// {code, message} taxonomy.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/shellgate/pkg/shellgate/scheduler"
	"github.com/jholhewres/shellgate/pkg/shellgate/security"
)

// errorBody is the wire shape of every RPC failure.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// writeTaxonomyError maps a pipeline error to its wire code and HTTP status.
func writeTaxonomyError(w http.ResponseWriter, err error) {
	code := security.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "invalid_params":
		status = http.StatusBadRequest
	case "unauthorized":
		status = http.StatusForbidden
	case "rate_limited":
		status = http.StatusTooManyRequests
	case "not_found":
		status = http.StatusNotFound
	case "approval_timeout":
		status = http.StatusRequestTimeout
	case "approval_rejected", "blocked_by_policy":
		status = http.StatusConflict
	case "sandbox_unavailable":
		status = http.StatusBadGateway
	}
	writeError(w, status, code, err.Error())
}

// decode parses the request body into v. Only POST is accepted.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_params", "POST required")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// ---------- security.* ----------

func (g *Gateway) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
		UserID  string `json:"user_id,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	var rules *security.CustomRules
	if g.deps.Rules != nil {
		rules = g.deps.Rules(req.UserID)
	}
	writeJSON(w, http.StatusOK, g.deps.Classifier.Classify(req.Command, rules))
}

func (g *Gateway) handleClassifyWithLLM(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if !decode(w, r, &req) {
		return
	}
	if g.deps.LLM == nil {
		g.logger.Warn("LLM classifier unavailable, using rule classifier")
		writeJSON(w, http.StatusOK, g.deps.Classifier.Classify(req.Command, nil))
		return
	}
	cls, err := g.deps.LLM(r.Context(), req.Command)
	if err != nil {
		g.logger.Error("LLM classification failed", "error", err)
		writeJSON(w, http.StatusOK, g.deps.Classifier.Classify(req.Command, nil))
		return
	}
	writeJSON(w, http.StatusOK, cls)
}

func (g *Gateway) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id"`
		ChannelID string `json:"channel_id,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if g.deps.RateLimit == nil {
		writeError(w, http.StatusNotFound, "not_found", "rate limiting is not configured")
		return
	}
	writeJSON(w, http.StatusOK, g.deps.RateLimit.Status(req.UserID, req.ChannelID))
}

func (g *Gateway) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if g.deps.RateLimit == nil {
		writeError(w, http.StatusNotFound, "not_found", "rate limiting is not configured")
		return
	}
	g.deps.RateLimit.Reset(req.UserID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (g *Gateway) handleAnomalyAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"user_id"`
		Command string `json:"command"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, g.deps.Anomaly.Analyze(req.UserID, req.Command))
}

func (g *Gateway) handleAnomalyUpdateBaseline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	baseline := g.deps.Anomaly.UpdateBaseline(req.UserID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  baseline != nil,
		"baseline": baseline,
	})
}

func (g *Gateway) handleAnomalyGetBaseline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"baseline": g.deps.Anomaly.Baseline(req.UserID),
	})
}

func (g *Gateway) handleSecretsScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, g.deps.Secrets.ScanOutput(req.Text))
}

func (g *Gateway) handleSecretsRedact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	matches := g.deps.Secrets.Scan(req.Text)
	writeJSON(w, http.StatusOK, map[string]any{
		"redacted": g.deps.Secrets.Redact(req.Text),
		"found":    len(matches),
		"matches":  matches,
	})
}

func (g *Gateway) handleSecretsConfigure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode              string `json:"mode,omitempty"`
		EnableLineNumbers *bool  `json:"enable_line_numbers,omitempty"`
		MaxPerType        int    `json:"max_per_type,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	switch security.DetectionMode(req.Mode) {
	case "", security.ModeWarn, security.ModeRedact, security.ModeBlock:
	default:
		writeError(w, http.StatusBadRequest, "invalid_params", "mode must be warn, redact or block")
		return
	}
	cfg := g.deps.Secrets.Configure(security.DetectionMode(req.Mode), req.EnableLineNumbers, req.MaxPerType)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "config": cfg})
}

func (g *Gateway) handleSecretsGetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_params", "GET or POST required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"config": g.deps.Secrets.Config()})
}

func (g *Gateway) handleInjectionDetect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text        string `json:"text"`
		Sensitivity string `json:"sensitivity,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK,
		g.deps.Injection.DetectWithSensitivity(req.Text, security.Sensitivity(req.Sensitivity)))
}

func (g *Gateway) handleInjectionSanitize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	sanitized, modified := g.deps.Injection.Sanitize(req.Text)
	writeJSON(w, http.StatusOK, map[string]any{
		"original":  req.Text,
		"sanitized": sanitized,
		"modified":  modified,
	})
}

// ---------- audit.* ----------

func (g *Gateway) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Limit  int    `json:"limit,omitempty"`
		Offset int    `json:"offset,omitempty"`
		Tier   string `json:"tier,omitempty"`
		Action string `json:"action,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	entries := g.deps.Audit.Query(req.UserID, security.AuditQuery{
		Tier:   security.Tier(req.Tier),
		Action: security.Action(req.Action),
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   g.deps.Audit.Count(req.UserID),
	})
}

func (g *Gateway) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Days   int    `json:"days,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, g.deps.Audit.Stats(req.UserID, req.Days))
}

// ---------- approvals.* ----------

func (g *Gateway) handleApprovalsPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_params", "GET or POST required")
		return
	}
	requests := g.deps.Approvals.ListPending()
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": requests,
		"count":    len(requests),
	})
}

func (g *Gateway) handleApprovalsApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string `json:"id"`
		ApprovedBy string `json:"approved_by"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := g.deps.Approvals.Approve(req.ID, req.ApprovedBy); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (g *Gateway) handleApprovalsReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		Reason string `json:"reason,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := g.deps.Approvals.Reject(req.ID, req.Reason); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleApprovalsRequest blocks until the request resolves or times out, per
// the waiter contract. Long-poll by design.
func (g *Gateway) handleApprovalsRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command        string `json:"command"`
		Tier           string `json:"tier"`
		Reason         string `json:"reason,omitempty"`
		RequesterID    string `json:"requester_id,omitempty"`
		TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	tier := security.Tier(req.Tier)
	if tier != security.TierYellow && tier != security.TierRed {
		writeError(w, http.StatusBadRequest, "invalid_params", "tier must be yellow or red")
		return
	}
	decision, err := g.deps.Approvals.Request(
		req.Command, tier, req.Reason, req.RequesterID,
		time.Duration(req.TimeoutSeconds)*time.Second,
	)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// ---------- sandbox.* ----------

func (g *Gateway) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, g.deps.Sandboxes.Status(req.UserID))
}

func (g *Gateway) handleSandboxCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if _, err := g.deps.Sandboxes.GetOrCreate(r.Context(), req.UserID); err != nil {
		writeError(w, http.StatusBadGateway, "sandbox_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, g.deps.Sandboxes.Status(req.UserID))
}

func (g *Gateway) handleSandboxKill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	g.deps.Sandboxes.Terminate(r.Context(), req.UserID)
	writeJSON(w, http.StatusOK, g.deps.Sandboxes.Status(req.UserID))
}

func (g *Gateway) handleSandboxHibernate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	g.deps.Sandboxes.Hibernate(r.Context(), req.UserID)
	writeJSON(w, http.StatusOK, g.deps.Sandboxes.Status(req.UserID))
}

// ---------- cron.* ----------

func (g *Gateway) handleCronList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	jobs, err := g.deps.Jobs.LoadAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if req.UserID != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.UserID == req.UserID {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (g *Gateway) handleCronGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decode(w, r, &req) {
		return
	}
	job, err := g.deps.Jobs.Load(req.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (g *Gateway) handleCronCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID         string `json:"user_id"`
		Name           string `json:"name"`
		Description    string `json:"description,omitempty"`
		CronExpression string `json:"cron_expression"`
		Command        string `json:"command"`
		ChannelID      string `json:"channel_id,omitempty"`
		Enabled        *bool  `json:"enabled,omitempty"`
		Timezone       string `json:"timezone,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	now := time.Now()
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	job := &scheduler.Job{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		Name:           req.Name,
		Description:    req.Description,
		CronExpression: req.CronExpression,
		Command:        req.Command,
		ChannelID:      req.ChannelID,
		Enabled:        enabled,
		CreatedAt:      now,
		UpdatedAt:      now,
		Timezone:       req.Timezone,
	}
	if err := job.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	if err := g.deps.Jobs.Save(job); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	g.deps.Scheduler.Schedule(job)
	writeJSON(w, http.StatusOK, job)
}

func (g *Gateway) handleCronUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID             string  `json:"id"`
		Name           *string `json:"name,omitempty"`
		Description    *string `json:"description,omitempty"`
		CronExpression *string `json:"cron_expression,omitempty"`
		Command        *string `json:"command,omitempty"`
		Enabled        *bool   `json:"enabled,omitempty"`
		Timezone       *string `json:"timezone,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	job, err := g.deps.Jobs.Load(req.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if req.Name != nil {
		job.Name = *req.Name
	}
	if req.Description != nil {
		job.Description = *req.Description
	}
	if req.CronExpression != nil {
		job.CronExpression = *req.CronExpression
	}
	if req.Command != nil {
		job.Command = *req.Command
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.Timezone != nil {
		job.Timezone = *req.Timezone
	}
	job.UpdatedAt = time.Now()
	if err := g.deps.Jobs.Save(job); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if job.Enabled {
		g.deps.Scheduler.Schedule(job)
	} else {
		g.deps.Scheduler.Unschedule(job.ID)
	}
	writeJSON(w, http.StatusOK, job)
}

func (g *Gateway) handleCronDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if _, err := g.deps.Jobs.Load(req.ID); err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	g.deps.Scheduler.Unschedule(req.ID)
	if err := g.deps.Jobs.Delete(req.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (g *Gateway) handleCronStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_params", "GET or POST required")
		return
	}
	jobs, err := g.deps.Jobs.LoadAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	enabled, executions, failures := 0, 0, 0
	for _, j := range jobs {
		if j.Enabled {
			enabled++
		}
		executions += j.ExecutionCount
		failures += j.FailureCount
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":             len(jobs),
		"enabled":           enabled,
		"scheduled":         g.deps.Scheduler.ScheduledCount(),
		"active_executions": g.deps.Scheduler.ActiveExecutions(),
		"total_executions":  executions,
		"total_failures":    failures,
	})
}
