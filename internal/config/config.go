// Package config provides configuration loading and validation for the
// offboarding daemon. It uses koanf to merge environment variables with an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/offboard/internal/validate"
)

// Identity provider modes.
const (
	ProviderModeNone   = ""
	ProviderModeMemory = "memory"
	ProviderModeGraph  = "graph"
)

// Config holds all configuration values for the daemon.
type Config struct {
	Env      string `koanf:"env"`
	LogLevel string `koanf:"log_level"`
	// OpsAddr serves /health, /ready and /metrics.
	OpsAddr          string `koanf:"ops_addr"`
	ProfilingEnabled bool   `koanf:"profiling_enabled"`

	// DatabaseURL selects the Postgres store. Empty means in-memory.
	DatabaseURL string `koanf:"database_url"`
	// RedisURL enables shared scheduler state and the scheduler lock.
	RedisURL string `koanf:"redis_url"`
	// NATSURL enables publishing alerts and reminders.
	NATSURL string `koanf:"nats_url"`

	Provider  ProviderConfig  `koanf:"provider"`
	HR        HRConfig        `koanf:"hr"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Settings  SettingsConfig  `koanf:"settings"`
}

// ProviderConfig configures the identity provider client.
type ProviderConfig struct {
	Mode              string        `koanf:"mode"`
	BaseURL           string        `koanf:"base_url"`
	Token             string        `koanf:"token"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
}

// HRConfig configures the HR directory and its optional fallback.
type HRConfig struct {
	BaseURL           string `koanf:"base_url"`
	APIKey            string `koanf:"api_key"`
	APISecret         string `koanf:"api_secret"`
	FallbackBaseURL   string `koanf:"fallback_base_url"`
	FallbackAPIKey    string `koanf:"fallback_api_key"`
	FallbackAPISecret string `koanf:"fallback_api_secret"`
	PageSize          int    `koanf:"page_size"`
}

// ArchiveConfig configures S3 archival of audit exports.
type ArchiveConfig struct {
	Bucket          string `koanf:"bucket"`
	Prefix          string `koanf:"prefix"`
	Region          string `koanf:"region"`
	Endpoint        string `koanf:"endpoint"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
}

// SchedulerConfig holds task intervals. Zero values use the scheduler defaults.
type SchedulerConfig struct {
	Tick             time.Duration `koanf:"tick"`
	BackgroundScan   time.Duration `koanf:"background_scan"`
	RemediationCheck time.Duration `koanf:"remediation_check"`
	DailyScan        time.Duration `koanf:"daily_scan"`
	Notifications    time.Duration `koanf:"notifications"`
	TaskTimeout      time.Duration `koanf:"task_timeout"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ExporterType string  `koanf:"exporter"`
	Endpoint     string  `koanf:"endpoint"`
	SamplingRate float64 `koanf:"sampling_rate"`
	Insecure     bool    `koanf:"insecure"`
}

// SettingsConfig seeds operator settings on first start. Stored settings
// always win over these values.
type SettingsConfig struct {
	AlertRecipient string `koanf:"alert_recipient"`
	AutoRemediate  bool   `koanf:"auto_remediate"`
}

// Configuration validation errors.
var (
	ErrInvalidEnv             = errors.New("ENV must be development, staging or production")
	ErrInvalidProviderMode    = errors.New("PROVIDER_MODE must be empty, memory or graph")
	ErrMissingProviderToken   = errors.New("PROVIDER_TOKEN is required in graph mode")
	ErrMissingHRCredentials   = errors.New("HR_API_KEY and HR_API_SECRET are required when HR_BASE_URL is set")
	ErrMissingHRFallbackCreds = errors.New("HR_FALLBACK_API_KEY and HR_FALLBACK_API_SECRET are required when HR_FALLBACK_BASE_URL is set")
	ErrFallbackWithoutPrimary = errors.New("HR_FALLBACK_BASE_URL requires HR_BASE_URL")
	ErrMissingArchiveBucket   = errors.New("ARCHIVE_BUCKET is required when archive settings are given")
	ErrMissingArchiveRegion   = errors.New("ARCHIVE_REGION is required when archive settings are given")
	ErrNegativeInterval       = errors.New("scheduler intervals must not be negative")
	ErrInvalidSamplingRate    = errors.New("TRACING_SAMPLING_RATE must be between 0 and 1")
	ErrInvalidNumber          = errors.New("value must be a valid number")
	ErrInvalidAlertRecipient  = errors.New("SETTINGS_ALERT_RECIPIENT must be a valid email")
	ErrProfilingInProduction  = errors.New("PROFILING_ENABLED is not allowed in production")
)

// Default values for non-secret configuration.
const (
	DefaultEnv                 = "development"
	DefaultOpsAddr             = ":9090"
	DefaultProviderBaseURL     = "https://graph.microsoft.com/v1.0"
	DefaultTracingExporter     = "otlp-http"
	DefaultTracingSamplingRate = 0.1
	DefaultArchivePrefix       = "audit"
	DefaultHRPageSize          = 100
)

// Load reads configuration from an optional YAML file and the environment.
// Environment variables take precedence over file values. It returns the
// config together with every load and validation error found.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	cfg := &Config{
		Env:              getEnvOrDefaultMulti([]string{"OFFBOARD_ENV", "ENV"}, k.String("env"), DefaultEnv),
		LogLevel:         getEnvOrKoanf("LOG_LEVEL", k, "log_level"),
		OpsAddr:          getEnvOrDefault("OPS_ADDR", k.String("ops_addr"), DefaultOpsAddr),
		ProfilingEnabled: getEnvBool("PROFILING_ENABLED", k, "profiling_enabled"),
		DatabaseURL:      getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:         getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		NATSURL:          getEnvOrKoanf("NATS_URL", k, "nats_url"),
		Provider: ProviderConfig{
			Mode:    strings.ToLower(getEnvOrKoanf("PROVIDER_MODE", k, "provider.mode")),
			BaseURL: getEnvOrDefault("PROVIDER_BASE_URL", k.String("provider.base_url"), DefaultProviderBaseURL),
			Token:   getEnvOrKoanf("PROVIDER_TOKEN", k, "provider.token"),
		},
		HR: HRConfig{
			BaseURL:           getEnvOrKoanf("HR_BASE_URL", k, "hr.base_url"),
			APIKey:            getEnvOrKoanf("HR_API_KEY", k, "hr.api_key"),
			APISecret:         getEnvOrKoanf("HR_API_SECRET", k, "hr.api_secret"),
			FallbackBaseURL:   getEnvOrKoanf("HR_FALLBACK_BASE_URL", k, "hr.fallback_base_url"),
			FallbackAPIKey:    getEnvOrKoanf("HR_FALLBACK_API_KEY", k, "hr.fallback_api_key"),
			FallbackAPISecret: getEnvOrKoanf("HR_FALLBACK_API_SECRET", k, "hr.fallback_api_secret"),
		},
		Archive: ArchiveConfig{
			Bucket:          getEnvOrKoanf("ARCHIVE_BUCKET", k, "archive.bucket"),
			Prefix:          getEnvOrDefault("ARCHIVE_PREFIX", k.String("archive.prefix"), DefaultArchivePrefix),
			Region:          getEnvOrKoanf("ARCHIVE_REGION", k, "archive.region"),
			Endpoint:        getEnvOrKoanf("ARCHIVE_ENDPOINT", k, "archive.endpoint"),
			AccessKeyID:     getEnvOrKoanf("ARCHIVE_ACCESS_KEY_ID", k, "archive.access_key_id"),
			SecretAccessKey: getEnvOrKoanf("ARCHIVE_SECRET_ACCESS_KEY", k, "archive.secret_access_key"),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("TRACING_ENABLED", k, "tracing.enabled"),
			ExporterType: getEnvOrDefault("TRACING_EXPORTER", k.String("tracing.exporter"), DefaultTracingExporter),
			Endpoint:     getEnvOrKoanf("TRACING_ENDPOINT", k, "tracing.endpoint"),
			Insecure:     getEnvBool("TRACING_INSECURE", k, "tracing.insecure"),
		},
		Settings: SettingsConfig{
			AlertRecipient: getEnvOrKoanf("SETTINGS_ALERT_RECIPIENT", k, "settings.alert_recipient"),
			AutoRemediate:  getEnvBool("SETTINGS_AUTO_REMEDIATE", k, "settings.auto_remediate"),
		},
	}

	var err error
	cfg.Provider.RequestsPerSecond, err = getEnvFloatOrDefault("PROVIDER_REQUESTS_PER_SECOND", k.Float64("provider.requests_per_second"), 0)
	collect(err)
	cfg.Provider.RequestTimeout, err = getEnvDurationOrDefault("PROVIDER_REQUEST_TIMEOUT", k, "provider.request_timeout")
	collect(err)
	cfg.HR.PageSize, err = getEnvIntOrDefault("HR_PAGE_SIZE", k.Int("hr.page_size"), DefaultHRPageSize)
	collect(err)
	cfg.Tracing.SamplingRate, err = getEnvFloatOrDefault("TRACING_SAMPLING_RATE", k.Float64("tracing.sampling_rate"), DefaultTracingSamplingRate)
	collect(err)

	intervals := []struct {
		dst      *time.Duration
		envKey   string
		koanfKey string
	}{
		{&cfg.Scheduler.Tick, "SCHEDULER_TICK", "scheduler.tick"},
		{&cfg.Scheduler.BackgroundScan, "SCHEDULER_BACKGROUND_SCAN", "scheduler.background_scan"},
		{&cfg.Scheduler.RemediationCheck, "SCHEDULER_REMEDIATION_CHECK", "scheduler.remediation_check"},
		{&cfg.Scheduler.DailyScan, "SCHEDULER_DAILY_SCAN", "scheduler.daily_scan"},
		{&cfg.Scheduler.Notifications, "SCHEDULER_NOTIFICATIONS", "scheduler.notifications"},
		{&cfg.Scheduler.TaskTimeout, "SCHEDULER_TASK_TIMEOUT", "scheduler.task_timeout"},
	}
	for _, iv := range intervals {
		*iv.dst, err = getEnvDurationOrDefault(iv.envKey, k, iv.koanfKey)
		collect(err)
	}

	errs := append(loadErrs, cfg.Validate()...)
	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvBool reads a boolean flag. Unrecognised env values leave the file value in place.
func getEnvBool(envKey string, k *koanf.Koanf, koanfKey string) bool {
	v := k.Bool(koanfKey)
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		v = true
	case "false", "0", "no", "off":
		v = false
	}
	return v
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidNumber)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses a Go duration ("15m") from the environment
// or the file. Unset yields zero so the consumer applies its own default.
func getEnvDurationOrDefault(envKey string, k *koanf.Koanf, koanfKey string) (time.Duration, error) {
	raw := getEnvOrKoanf(envKey, k, koanfKey)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration such as 15m: %w", envKey, ErrInvalidNumber)
	}
	return d, nil
}

// Validate checks required values and cross-field rules.
func (c *Config) Validate() []error {
	var errs []error

	switch c.Env {
	case "development", "staging", "production":
	default:
		errs = append(errs, ErrInvalidEnv)
	}
	if c.ProfilingEnabled && c.Env == "production" {
		errs = append(errs, ErrProfilingInProduction)
	}

	endpoint := validate.DevHTTPEndpoint
	if c.Env == "production" {
		endpoint = validate.HTTPSEndpoint
	}
	checkURL := func(name, raw string, cons validate.URLConstraints) {
		if raw == "" {
			return
		}
		if _, err := validate.URL(raw, cons); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	checkURL("DATABASE_URL", c.DatabaseURL, validate.DatabaseURL)
	checkURL("REDIS_URL", c.RedisURL, validate.RedisURL)
	checkURL("NATS_URL", c.NATSURL, validate.NATSURL)

	switch c.Provider.Mode {
	case ProviderModeNone, ProviderModeMemory:
	case ProviderModeGraph:
		if c.Provider.Token == "" {
			errs = append(errs, ErrMissingProviderToken)
		}
		checkURL("PROVIDER_BASE_URL", c.Provider.BaseURL, endpoint)
	default:
		errs = append(errs, ErrInvalidProviderMode)
	}

	if c.HR.BaseURL != "" {
		checkURL("HR_BASE_URL", c.HR.BaseURL, endpoint)
		if c.HR.APIKey == "" || c.HR.APISecret == "" {
			errs = append(errs, ErrMissingHRCredentials)
		}
	}
	if c.HR.FallbackBaseURL != "" {
		if c.HR.BaseURL == "" {
			errs = append(errs, ErrFallbackWithoutPrimary)
		}
		checkURL("HR_FALLBACK_BASE_URL", c.HR.FallbackBaseURL, endpoint)
		if c.HR.FallbackAPIKey == "" || c.HR.FallbackAPISecret == "" {
			errs = append(errs, ErrMissingHRFallbackCreds)
		}
	}

	// Archive configuration is optional. Only validate fields if any value is set.
	if c.Archive.Bucket != "" || c.Archive.Region != "" || c.Archive.AccessKeyID != "" || c.Archive.Endpoint != "" {
		if c.Archive.Bucket == "" {
			errs = append(errs, ErrMissingArchiveBucket)
		}
		if c.Archive.Region == "" {
			errs = append(errs, ErrMissingArchiveRegion)
		}
		checkURL("ARCHIVE_ENDPOINT", c.Archive.Endpoint, validate.DevHTTPEndpoint)
	}

	s := c.Scheduler
	if s.Tick < 0 || s.BackgroundScan < 0 || s.RemediationCheck < 0 || s.DailyScan < 0 || s.Notifications < 0 || s.TaskTimeout < 0 {
		errs = append(errs, ErrNegativeInterval)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, ErrInvalidSamplingRate)
	}
	if c.Settings.AlertRecipient != "" {
		if _, err := validate.Email(c.Settings.AlertRecipient); err != nil {
			errs = append(errs, ErrInvalidAlertRecipient)
		}
	}

	return errs
}

// HasArchive reports whether S3 archival is configured.
func (c *Config) HasArchive() bool {
	return c.Archive.Bucket != ""
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"env":                      c.Env,
		"log_level":                c.LogLevel,
		"ops_addr":                 c.OpsAddr,
		"profiling_enabled":        strconv.FormatBool(c.ProfilingEnabled),
		"database_url":             maskURL(c.DatabaseURL),
		"redis_url":                maskURL(c.RedisURL),
		"nats_url":                 maskURL(c.NATSURL),
		"provider_mode":            c.Provider.Mode,
		"provider_base_url":        c.Provider.BaseURL,
		"provider_token":           maskSecret(c.Provider.Token),
		"hr_base_url":              c.HR.BaseURL,
		"hr_api_key":               maskSecret(c.HR.APIKey),
		"hr_api_secret":            maskSecret(c.HR.APISecret),
		"hr_fallback_base_url":     c.HR.FallbackBaseURL,
		"hr_fallback_api_secret":   maskSecret(c.HR.FallbackAPISecret),
		"archive_bucket":           c.Archive.Bucket,
		"archive_region":           c.Archive.Region,
		"archive_access_key_id":    maskSecret(c.Archive.AccessKeyID),
		"archive_secret_key":       maskSecret(c.Archive.SecretAccessKey),
		"scheduler_tick":           c.Scheduler.Tick.String(),
		"tracing_enabled":          strconv.FormatBool(c.Tracing.Enabled),
		"tracing_exporter":         c.Tracing.ExporterType,
		"settings_alert_recipient": c.Settings.AlertRecipient,
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****.
// Secrets shorter than 8 characters are fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskURL masks the password in a connection URL (postgres, redis, nats).
func maskURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s
	}
	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s
	}
	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
