package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var configEnvKeys = []string{
	"OFFBOARD_ENV", "ENV", "LOG_LEVEL", "OPS_ADDR", "PROFILING_ENABLED",
	"DATABASE_URL", "REDIS_URL", "NATS_URL",
	"PROVIDER_MODE", "PROVIDER_BASE_URL", "PROVIDER_TOKEN",
	"PROVIDER_REQUESTS_PER_SECOND", "PROVIDER_REQUEST_TIMEOUT",
	"HR_BASE_URL", "HR_API_KEY", "HR_API_SECRET",
	"HR_FALLBACK_BASE_URL", "HR_FALLBACK_API_KEY", "HR_FALLBACK_API_SECRET", "HR_PAGE_SIZE",
	"ARCHIVE_BUCKET", "ARCHIVE_PREFIX", "ARCHIVE_REGION", "ARCHIVE_ENDPOINT",
	"ARCHIVE_ACCESS_KEY_ID", "ARCHIVE_SECRET_ACCESS_KEY",
	"SCHEDULER_TICK", "SCHEDULER_BACKGROUND_SCAN", "SCHEDULER_REMEDIATION_CHECK",
	"SCHEDULER_DAILY_SCAN", "SCHEDULER_NOTIFICATIONS", "SCHEDULER_TASK_TIMEOUT",
	"TRACING_ENABLED", "TRACING_EXPORTER", "TRACING_ENDPOINT", "TRACING_SAMPLING_RATE", "TRACING_INSECURE",
	"SETTINGS_ALERT_RECIPIENT", "SETTINGS_AUTO_REMEDIATE",
}

// clearEnv blanks every variable Load reads; empty values count as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, errs := Load("")
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cfg.Env != DefaultEnv {
		t.Errorf("Env = %q, want %q", cfg.Env, DefaultEnv)
	}
	if cfg.OpsAddr != DefaultOpsAddr {
		t.Errorf("OpsAddr = %q, want %q", cfg.OpsAddr, DefaultOpsAddr)
	}
	if cfg.Provider.Mode != ProviderModeNone {
		t.Errorf("Provider.Mode = %q, want empty", cfg.Provider.Mode)
	}
	if cfg.Provider.BaseURL != DefaultProviderBaseURL {
		t.Errorf("Provider.BaseURL = %q", cfg.Provider.BaseURL)
	}
	if cfg.HR.PageSize != DefaultHRPageSize {
		t.Errorf("HR.PageSize = %d, want %d", cfg.HR.PageSize, DefaultHRPageSize)
	}
	if cfg.Tracing.SamplingRate != DefaultTracingSamplingRate {
		t.Errorf("Tracing.SamplingRate = %v", cfg.Tracing.SamplingRate)
	}
	if cfg.Scheduler.Tick != 0 || cfg.Scheduler.DailyScan != 0 {
		t.Errorf("scheduler intervals should default to zero, got %+v", cfg.Scheduler)
	}
	if cfg.HasArchive() {
		t.Error("HasArchive() = true with no bucket")
	}
}

func TestLoad_EnvValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "staging")
	t.Setenv("DATABASE_URL", "postgres://offboard:pw@db:5432/offboard?sslmode=disable")
	t.Setenv("PROVIDER_MODE", "GRAPH")
	t.Setenv("PROVIDER_TOKEN", "token-123456")
	t.Setenv("PROVIDER_REQUESTS_PER_SECOND", "12.5")
	t.Setenv("PROVIDER_REQUEST_TIMEOUT", "20s")
	t.Setenv("SCHEDULER_BACKGROUND_SCAN", "30m")
	t.Setenv("SETTINGS_AUTO_REMEDIATE", "true")

	cfg, errs := Load("")
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cfg.Env != "staging" {
		t.Errorf("Env = %q", cfg.Env)
	}
	if cfg.Provider.Mode != ProviderModeGraph {
		t.Errorf("Provider.Mode = %q, want graph", cfg.Provider.Mode)
	}
	if cfg.Provider.RequestsPerSecond != 12.5 {
		t.Errorf("RequestsPerSecond = %v", cfg.Provider.RequestsPerSecond)
	}
	if cfg.Provider.RequestTimeout != 20*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Provider.RequestTimeout)
	}
	if cfg.Scheduler.BackgroundScan != 30*time.Minute {
		t.Errorf("BackgroundScan = %v", cfg.Scheduler.BackgroundScan)
	}
	if !cfg.Settings.AutoRemediate {
		t.Error("AutoRemediate = false, want true")
	}
}

func TestLoad_FileWithEnvOverride(t *testing.T) {
	clearEnv(t)

	content := `env: production
ops_addr: ":9191"
redis_url: redis://redis:6379/0
provider:
  mode: memory
hr:
  base_url: https://hr.example.com
  api_key: file-key
  api_secret: file-secret
scheduler:
  daily_scan: 12h
settings:
  alert_recipient: secops@example.com
`
	path := filepath.Join(t.TempDir(), "offboard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HR_API_KEY", "env-key")
	t.Setenv("SCHEDULER_DAILY_SCAN", "6h")

	cfg, errs := Load(path)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if cfg.Env != "production" || cfg.OpsAddr != ":9191" {
		t.Errorf("Env/OpsAddr = %q/%q", cfg.Env, cfg.OpsAddr)
	}
	if cfg.HR.APIKey != "env-key" {
		t.Errorf("HR.APIKey = %q, env should win", cfg.HR.APIKey)
	}
	if cfg.HR.APISecret != "file-secret" {
		t.Errorf("HR.APISecret = %q", cfg.HR.APISecret)
	}
	if cfg.Scheduler.DailyScan != 6*time.Hour {
		t.Errorf("DailyScan = %v, want 6h", cfg.Scheduler.DailyScan)
	}
	if cfg.Settings.AlertRecipient != "secops@example.com" {
		t.Errorf("AlertRecipient = %q", cfg.Settings.AlertRecipient)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	cfg, errs := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg != nil || len(errs) != 1 {
		t.Fatalf("Load() = %v, %v; want nil config and one error", cfg, errs)
	}
}

func TestLoad_InvalidNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("HR_PAGE_SIZE", "lots")
	t.Setenv("SCHEDULER_TICK", "soon")

	_, errs := Load("")
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrInvalidNumber) {
			t.Errorf("error %v is not ErrInvalidNumber", err)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{Env: "development", Tracing: TracingConfig{SamplingRate: 0.5}}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad env", mutate: func(c *Config) { c.Env = "prod" }, wantErr: ErrInvalidEnv},
		{name: "bad provider mode", mutate: func(c *Config) { c.Provider.Mode = "ldap" }, wantErr: ErrInvalidProviderMode},
		{name: "graph without token", mutate: func(c *Config) {
			c.Provider.Mode = ProviderModeGraph
			c.Provider.BaseURL = DefaultProviderBaseURL
		}, wantErr: ErrMissingProviderToken},
		{name: "hr without credentials", mutate: func(c *Config) { c.HR.BaseURL = "https://hr.example.com" }, wantErr: ErrMissingHRCredentials},
		{name: "fallback without primary", mutate: func(c *Config) {
			c.HR.FallbackBaseURL = "https://backup.example.com"
			c.HR.FallbackAPIKey = "k"
			c.HR.FallbackAPISecret = "s"
		}, wantErr: ErrFallbackWithoutPrimary},
		{name: "fallback without credentials", mutate: func(c *Config) {
			c.HR.BaseURL = "https://hr.example.com"
			c.HR.APIKey = "k"
			c.HR.APISecret = "s"
			c.HR.FallbackBaseURL = "https://backup.example.com"
		}, wantErr: ErrMissingHRFallbackCreds},
		{name: "archive without bucket", mutate: func(c *Config) { c.Archive.Region = "us-east-1" }, wantErr: ErrMissingArchiveBucket},
		{name: "archive without region", mutate: func(c *Config) { c.Archive.Bucket = "audit" }, wantErr: ErrMissingArchiveRegion},
		{name: "negative interval", mutate: func(c *Config) { c.Scheduler.Notifications = -time.Minute }, wantErr: ErrNegativeInterval},
		{name: "sampling rate too high", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: ErrInvalidSamplingRate},
		{name: "bad alert recipient", mutate: func(c *Config) { c.Settings.AlertRecipient = "secops" }, wantErr: ErrInvalidAlertRecipient},
		{name: "profiling in production", mutate: func(c *Config) {
			c.Env = "production"
			c.ProfilingEnabled = true
		}, wantErr: ErrProfilingInProduction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			errs := cfg.Validate()
			if tt.wantErr == nil {
				if len(errs) != 0 {
					t.Errorf("unexpected errors: %v", errs)
				}
				return
			}
			found := false
			for _, err := range errs {
				if errors.Is(err, tt.wantErr) {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v do not include %v", errs, tt.wantErr)
			}
		})
	}
}

func TestValidate_URLSchemes(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "postgres", mutate: func(c *Config) { c.DatabaseURL = "postgres://db/offboard" }},
		{name: "mysql rejected", mutate: func(c *Config) { c.DatabaseURL = "mysql://db/offboard" }, wantErr: true},
		{name: "rediss", mutate: func(c *Config) { c.RedisURL = "rediss://cache:6380/0" }},
		{name: "nats", mutate: func(c *Config) { c.NATSURL = "nats://bus:4222" }},
		{name: "nats over http rejected", mutate: func(c *Config) { c.NATSURL = "http://bus:4222" }, wantErr: true},
		{name: "plain http hr in production", mutate: func(c *Config) {
			c.Env = "production"
			c.HR = HRConfig{BaseURL: "http://hr.example.com", APIKey: "k", APISecret: "s"}
		}, wantErr: true},
		{name: "plain http hr in development", mutate: func(c *Config) {
			c.HR = HRConfig{BaseURL: "http://localhost:8081", APIKey: "k", APISecret: "s"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Env: "development"}
			tt.mutate(&cfg)
			errs := cfg.Validate()
			if (len(errs) > 0) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", errs, tt.wantErr)
			}
		})
	}
}

func TestLogSummary_MasksSecrets(t *testing.T) {
	cfg := Config{
		DatabaseURL: "postgres://offboard:hunter2@db:5432/offboard",
		RedisURL:    "redis://:cachepass@redis:6379/0",
		Provider:    ProviderConfig{Token: "eyJhbGciOiJSUzI1NiJ9.payload"},
		HR:          HRConfig{APIKey: "short", APISecret: "supersecretvalue"},
	}
	summary := cfg.LogSummary()

	for key, val := range summary {
		for _, secret := range []string{"hunter2", "cachepass", "payload", "supersecretvalue"} {
			if strings.Contains(val, secret) {
				t.Errorf("%s leaks secret: %q", key, val)
			}
		}
	}
	if got := summary["database_url"]; got != "postgres://offboard:****@db:5432/offboard" {
		t.Errorf("database_url = %q", got)
	}
	if got := summary["hr_api_key"]; got != "****" {
		t.Errorf("hr_api_key = %q", got)
	}
	if got := summary["hr_api_secret"]; got != "supe****" {
		t.Errorf("hr_api_secret = %q", got)
	}
	if got := summary["nats_url"]; got != "<not set>" {
		t.Errorf("nats_url = %q", got)
	}
}

func TestMaskURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "<not set>"},
		{"nats://bus:4222", "nats://bus:4222"},
		{"redis://:pw@cache:6379", "redis://:****@cache:6379"},
		{"postgres://user@db/offboard", "postgres://user@db/offboard"},
		{"not-a-url-secret", "not-****"},
	}
	for _, tt := range tests {
		if got := maskURL(tt.in); got != tt.want {
			t.Errorf("maskURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
