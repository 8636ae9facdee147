package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("KV_BACKEND", "")
	t.Setenv("KV_URL", "redis://localhost:6379")
	t.Setenv("KV_TOKEN", "kv-token")
	t.Setenv("BLOB_READ_WRITE_TOKEN", "vercel_blob_rw_store_secret")
	t.Setenv("CRM_API_KEY", "crm-key")
	t.Setenv("CRM_LOCATION_ID", "loc-1")
}

func TestLoad_AllVarsSet(t *testing.T) {
	setRequired(t)
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")
	t.Setenv("OPENAI_TIMEOUT", "1500")
	t.Setenv("REDIRECT_BASE_URL", "https://app.example.com/")
	t.Setenv("AFFILIATE_DASHBOARD_ENABLED", "true")
	t.Setenv("IDENTITY_VERIFICATION_ENABLED", "false")
	t.Setenv("CRON_SECRET", "s3cret")
	t.Setenv("RATE_LIMIT_RPS", "0.5")
	t.Setenv("RATE_LIMIT_BURST", "3")
	t.Setenv("WORKER_INTERVAL", "1m")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CORS_ORIGINS", "https://a.com, https://b.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.OpenAIModel != "gpt-4o-mini" {
		t.Errorf("OpenAIModel = %q, want gpt-4o-mini", cfg.OpenAIModel)
	}
	if cfg.OpenAITimeout != 1500*time.Millisecond {
		t.Errorf("OpenAITimeout = %v, want 1.5s", cfg.OpenAITimeout)
	}
	if cfg.RedirectBaseURL != "https://app.example.com" {
		t.Errorf("RedirectBaseURL = %q, want trailing slash trimmed", cfg.RedirectBaseURL)
	}
	if !cfg.AffiliateEnabled {
		t.Error("AffiliateEnabled = false, want true")
	}
	if cfg.IdentityVerification {
		t.Error("IdentityVerification = true, want false")
	}
	if cfg.CronSecret != "s3cret" {
		t.Errorf("CronSecret = %q", cfg.CronSecret)
	}
	if cfg.RateLimitRPS != 0.5 || cfg.RateLimitBurst != 3 {
		t.Errorf("rate limit = %v/%d, want 0.5/3", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.WorkerInterval != time.Minute {
		t.Errorf("WorkerInterval = %v, want 1m", cfg.WorkerInterval)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.com" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if got := cfg.CallbackURL(); got != "https://app.example.com/blob-upload" {
		t.Errorf("CallbackURL = %q", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	for _, k := range []string{"LISTEN_ADDR", "OPENAI_MODEL", "OPENAI_TIMEOUT", "IDENTITY_VERIFICATION_ENABLED",
		"AFFILIATE_DASHBOARD_ENABLED", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "WORKER_INTERVAL", "LOG_LEVEL", "PUBLIC_URL"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error with defaults, got: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.KVBackend != BackendRedis {
		t.Errorf("KVBackend = %q, want redis", cfg.KVBackend)
	}
	if cfg.OpenAIModel != "gpt-4o" {
		t.Errorf("OpenAIModel = %q, want gpt-4o", cfg.OpenAIModel)
	}
	if cfg.OpenAITimeout != 90*time.Second {
		t.Errorf("OpenAITimeout = %v, want 90s", cfg.OpenAITimeout)
	}
	if !cfg.IdentityVerification {
		t.Error("IdentityVerification should default to true")
	}
	if cfg.AffiliateEnabled {
		t.Error("AffiliateEnabled should default to false")
	}
	if cfg.RateLimitRPS != 2 || cfg.RateLimitBurst != 5 {
		t.Errorf("rate limit = %v/%d, want 2/5", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.WorkerInterval != 0 {
		t.Errorf("WorkerInterval = %v, want 0", cfg.WorkerInterval)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("CRM_LOCATION_ID", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when required variables are empty, got nil")
	}
	for _, key := range []string{"OPENAI_API_KEY", "CRM_LOCATION_ID"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q should name %s", err, key)
		}
	}
}

func TestLoad_SQLiteBackendSkipsRedisSettings(t *testing.T) {
	setRequired(t)
	t.Setenv("KV_BACKEND", "sqlite")
	t.Setenv("KV_URL", "")
	t.Setenv("KV_TOKEN", "")
	t.Setenv("KV_SQLITE_PATH", "/tmp/fundgate-test.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.KVBackend != BackendSQLite || cfg.KVSQLitePath != "/tmp/fundgate-test.db" {
		t.Errorf("backend = %q path = %q", cfg.KVBackend, cfg.KVSQLitePath)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown backend", "KV_BACKEND", "memcached"},
		{"non-numeric timeout", "OPENAI_TIMEOUT", "soon"},
		{"zero timeout", "OPENAI_TIMEOUT", "0"},
		{"bad bool", "IDENTITY_VERIFICATION_ENABLED", "maybe"},
		{"bad duration", "WORKER_INTERVAL", "every minute"},
		{"bad level", "LOG_LEVEL", "loud"},
		{"negative burst", "RATE_LIMIT_BURST", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q, got nil", tt.key, tt.val)
			}
		})
	}
}

func TestLoadKV_IgnoresServiceKeys(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("BLOB_READ_WRITE_TOKEN", "")
	t.Setenv("KV_BACKEND", "redis")
	t.Setenv("KV_URL", "redis://localhost:6379")
	t.Setenv("KV_TOKEN", "")

	if _, err := LoadKV(); err == nil || !strings.Contains(err.Error(), "KV_TOKEN") {
		t.Fatalf("expected missing KV_TOKEN error, got %v", err)
	}

	t.Setenv("KV_TOKEN", "tok")
	cfg, err := LoadKV()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.KVURL != "redis://localhost:6379" || cfg.KVToken != "tok" {
		t.Errorf("kv settings = %q %q", cfg.KVURL, cfg.KVToken)
	}
}
