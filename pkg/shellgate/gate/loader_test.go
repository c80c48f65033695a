package gate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sandbox.IdleTimeoutMinutes != 50 {
		t.Errorf("idle timeout = %d, want 50", cfg.Sandbox.IdleTimeoutMinutes)
	}
	if cfg.Cron.MaxConcurrent != 5 {
		t.Errorf("max concurrent = %d, want 5", cfg.Cron.MaxConcurrent)
	}
	if cfg.Approval.TimeoutSeconds != 300 {
		t.Errorf("approval timeout = %d, want 300", cfg.Approval.TimeoutSeconds)
	}
}

func TestParseConfig_Overlay(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
sandbox:
  idle_timeout_minutes: 10
rate_limit:
  enabled: true
  max_requests: 5
secrets:
  mode: block
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sandbox.IdleTimeoutMinutes != 10 {
		t.Errorf("idle timeout = %d, want 10", cfg.Sandbox.IdleTimeoutMinutes)
	}
	if cfg.RateLimit.MaxRequests != 5 {
		t.Errorf("max requests = %d, want 5", cfg.RateLimit.MaxRequests)
	}
	if string(cfg.Secrets.Mode) != "block" {
		t.Errorf("secrets mode = %s, want block", cfg.Secrets.Mode)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SG_TEST_TOKEN", "tok-123")
	os.Unsetenv("SG_TEST_MISSING")

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"simple", "token: ${SG_TEST_TOKEN}", "token: tok-123", false},
		{"bare", "token: $SG_TEST_TOKEN", "token: tok-123", false},
		{"default used", "addr: ${SG_TEST_MISSING:-localhost}", "addr: localhost", false},
		{"default ignored", "addr: ${SG_TEST_TOKEN:-other}", "addr: tok-123", false},
		{"required missing", "key: ${SG_TEST_MISSING:?key is required}", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnvVars(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("expand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "data_dir: state\ngateway:\n  address: 127.0.0.1:9999\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Address != "127.0.0.1:9999" {
		t.Errorf("address = %s", cfg.Gateway.Address)
	}
	if cfg.DataDir != filepath.Join(dir, "state") {
		t.Errorf("relative data_dir must resolve against the config location, got %s", cfg.DataDir)
	}
}

func TestSaveConfigToFile_SanitizesSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Sandbox.APIKey = "sk-very-secret-value-123456"
	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("config not written")
	}
	if strings.Contains(string(data), "sk-very-secret-value") {
		t.Error("plaintext secret must not be written to disk")
	}
	if !strings.Contains(string(data), "${SHELLGATE_SANDBOX_API_KEY}") {
		t.Error("secret must be replaced by an environment reference")
	}
}
