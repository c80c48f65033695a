package gateway

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/shellgate/pkg/shellgate/sandbox"
	"github.com/jholhewres/shellgate/pkg/shellgate/scheduler"
	"github.com/jholhewres/shellgate/pkg/shellgate/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	logger := testLogger()

	store, err := scheduler.NewFileJobStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	patterns := security.NewDefaultPatternStore(logger)
	deps := Deps{
		Classifier: security.NewClassifier(patterns, logger),
		Audit:      security.NewAuditLog(nil, logger),
		Approvals:  security.NewApprovalWaiter(time.Minute, logger),
		RateLimit:  security.NewRateLimiter(security.DefaultRateLimitConfig(), logger),
		Anomaly:    security.NewAnomalyDetector(logger),
		Secrets:    security.NewScanner(security.DefaultDetectionConfig(), logger),
		Injection:  security.NewInjectionDetector(security.SensitivityMedium, logger),
		Sandboxes:  sandbox.NewManager(nil, sandbox.DefaultConfig(), logger),
		Scheduler:  scheduler.New(store, scheduler.DefaultConfig(), logger),
		Jobs:       store,
	}
	return New(deps, Config{}, logger)
}

func rpc(t *testing.T, g *Gateway, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/rpc/x", bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleClassify(t *testing.T) {
	g := newTestGateway(t)

	rec := rpc(t, g, g.handleClassify, map[string]string{"command": "rm -rf /"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var cls security.Classification
	if err := json.Unmarshal(rec.Body.Bytes(), &cls); err != nil {
		t.Fatal(err)
	}
	if cls.Tier != security.TierRed || cls.Action != security.ActionBlock {
		t.Errorf("classification = %s/%s", cls.Tier, cls.Action)
	}
}

func TestHandleClassify_RejectsGet(t *testing.T) {
	g := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/rpc/security.classify", nil)
	rec := httptest.NewRecorder()
	g.handleClassify(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid_params") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandleClassifyWithLLM_FallsBack(t *testing.T) {
	g := newTestGateway(t)

	rec := rpc(t, g, g.handleClassifyWithLLM, map[string]string{"command": "ls"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var cls security.Classification
	if err := json.Unmarshal(rec.Body.Bytes(), &cls); err != nil {
		t.Fatal(err)
	}
	if cls.Tier != security.TierGreen {
		t.Errorf("fallback classification tier = %s", cls.Tier)
	}
}

func TestHandleSecretsRedact(t *testing.T) {
	g := newTestGateway(t)

	token := "ghp_" + strings.Repeat("A", 36)
	rec := rpc(t, g, g.handleSecretsRedact, map[string]string{"text": "t=" + token})
	var res struct {
		Redacted string `json:"redacted"`
		Found    int    `json:"found"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Found != 1 || strings.Contains(res.Redacted, token) {
		t.Errorf("unexpected redact result: %+v", res)
	}
}

func TestHandleSecretsConfigure_InvalidMode(t *testing.T) {
	g := newTestGateway(t)

	rec := rpc(t, g, g.handleSecretsConfigure, map[string]string{"mode": "shout"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleApprovals_NotFound(t *testing.T) {
	g := newTestGateway(t)

	rec := rpc(t, g, g.handleApprovalsApprove, map[string]string{"id": "missing", "approved_by": "x"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var e errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != "not_found" {
		t.Errorf("code = %q", e.Code)
	}
}

func TestHandleApprovalsLifecycle(t *testing.T) {
	g := newTestGateway(t)

	req := g.deps.Approvals.Create("sudo x", security.TierYellow, "approval", "u1", time.Minute)

	rec := rpc(t, g, g.handleApprovalsPending, map[string]string{})
	var pending struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil {
		t.Fatal(err)
	}
	if pending.Count != 1 {
		t.Fatalf("pending count = %d", pending.Count)
	}

	rec = rpc(t, g, g.handleApprovalsApprove, map[string]string{"id": req.ID, "approved_by": "admin"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d: %s", rec.Code, rec.Body.String())
	}

	// Resolving again fails with not_found: approve and reject are exclusive.
	rec = rpc(t, g, g.handleApprovalsReject, map[string]string{"id": req.ID})
	if rec.Code != http.StatusNotFound {
		t.Errorf("second resolution status = %d, want 404", rec.Code)
	}
}

func TestHandleCronCreateAndDelete(t *testing.T) {
	g := newTestGateway(t)
	defer g.deps.Scheduler.Stop()

	rec := rpc(t, g, g.handleCronCreate, map[string]any{
		"user_id":         "u1",
		"name":            "heartbeat",
		"cron_expression": "*/5 * * * *",
		"command":         "echo alive",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var job scheduler.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.ID == "" || !job.Enabled {
		t.Errorf("unexpected job: %+v", job)
	}

	rec = rpc(t, g, g.handleCronDelete, map[string]string{"id": job.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = rpc(t, g, g.handleCronGet, map[string]string{"id": job.ID})
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
}

func TestHandleCronCreate_MissingFields(t *testing.T) {
	g := newTestGateway(t)

	rec := rpc(t, g, g.handleCronCreate, map[string]string{"name": "incomplete"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	g := newTestGateway(t)
	g.config.AuthToken = "secret-token"

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := g.authMiddleware(inner)

	req := httptest.NewRequest(http.MethodPost, "/rpc/security.classify", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/rpc/security.classify", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/rpc/security.classify", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", rec.Code)
	}

	// Health is always public.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}
