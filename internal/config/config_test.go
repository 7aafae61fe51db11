package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SANDBOX_SHARED_SECRET", "sandbox-secret")
	t.Setenv("INTERNAL_API_TOKEN", "internal-token")
	t.Setenv("CLIENT_TOKEN_SECRET", "client-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8787 {
		t.Fatalf("Port = %d, want 8787", cfg.Port)
	}
	if cfg.SubscribeTimeout != 30*time.Second {
		t.Fatalf("SubscribeTimeout = %v, want 30s", cfg.SubscribeTimeout)
	}
	if cfg.HistoryMessageLimit != 100 || cfg.HistoryEventLimit != 500 {
		t.Fatalf("history limits = %d/%d, want 100/500", cfg.HistoryMessageLimit, cfg.HistoryEventLimit)
	}
	if cfg.EvictionSchedule != "@every 1m" {
		t.Fatalf("EvictionSchedule = %q", cfg.EvictionSchedule)
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{name: "sandbox secret", unset: "SANDBOX_SHARED_SECRET"},
		{name: "internal token", unset: "INTERNAL_API_TOKEN"},
		{name: "client verifier", unset: "CLIENT_TOKEN_SECRET"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.unset, "")
			if _, err := Load(); err == nil {
				t.Fatalf("expected error when %s is empty", tc.unset)
			}
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("COORDINATOR_PORT", "9000")
	t.Setenv("HISTORY_MESSAGE_LIMIT", "25")
	t.Setenv("SUBSCRIBE_TIMEOUT", "5s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.HistoryMessageLimit != 25 {
		t.Fatalf("HistoryMessageLimit = %d, want 25", cfg.HistoryMessageLimit)
	}
	if cfg.SubscribeTimeout != 5*time.Second {
		t.Fatalf("SubscribeTimeout = %v, want 5s", cfg.SubscribeTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if !cfg.OTelEnabled {
		t.Fatal("OTelEnabled = false, want true")
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	content := []byte("port: 7000\nhistory_event_limit: 50\ndata_dir: /tmp/sessions\ninternal_api_token: from-file\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SANDBOX_SHARED_SECRET", "sandbox-secret")
	t.Setenv("CLIENT_TOKEN_SECRET", "client-secret")
	t.Setenv("INTERNAL_API_TOKEN", "")
	t.Setenv("COORDINATOR_PORT", "7100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7100 {
		t.Fatalf("env should override file: Port = %d", cfg.Port)
	}
	if cfg.HistoryEventLimit != 50 {
		t.Fatalf("HistoryEventLimit = %d, want 50", cfg.HistoryEventLimit)
	}
	if cfg.DataDir != "/tmp/sessions" {
		t.Fatalf("DataDir = %q", cfg.DataDir)
	}
	if cfg.InternalAPIToken != "from-file" {
		t.Fatalf("InternalAPIToken = %q, want from-file", cfg.InternalAPIToken)
	}
	// Keys missing from the file keep their defaults.
	if cfg.HistoryMessageLimit != 100 {
		t.Fatalf("HistoryMessageLimit = %d, want default 100", cfg.HistoryMessageLimit)
	}
}

func TestGetEnvStringSlice(t *testing.T) {
	t.Setenv("TEST_SLICE", " a, ,b ")
	got := getEnvStringSlice("TEST_SLICE", nil)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("getEnvStringSlice = %v", got)
	}
	t.Setenv("TEST_SLICE", " , ")
	if got := getEnvStringSlice("TEST_SLICE", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Fatalf("expected default for empty list, got %v", got)
	}
}
