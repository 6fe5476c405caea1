package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/supportly/authz/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Cache         CacheConfig
	Threat        ThreatConfig
	Emergency     EmergencyConfig
	Sweeper       SweeperConfig
	Notify        NotifyConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// RequestsPerMinute caps admin API calls per client IP; zero disables it
	RequestsPerMinute int
}

// StorageConfig holds Postgres and Redis connection settings
type StorageConfig struct {
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration
	RunMigrations    bool

	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// AuditFallbackPath receives JSON lines for audit rows that could not
	// be written to Postgres. Empty disables the fallback sink.
	AuditFallbackPath string
}

// CacheConfig holds permission cache settings
type CacheConfig struct {
	Enabled   bool
	KeyPrefix string
	// SafetyTTL bounds how long an entry may live if an invalidation is lost.
	SafetyTTL time.Duration
}

// ThreatConfig holds automatic IP blocking settings
type ThreatConfig struct {
	BlockTTL           time.Duration
	NotifyWindow       time.Duration
	QualifyingEvents   []string
	TrustedCIDRs       []string
	AuditEnabled       bool
	EmailAlertsEnabled bool
	// PolicyFile optionally overrides the toggles above and is reloaded on change.
	PolicyFile string
}

// EmergencyConfig holds break-glass access settings
type EmergencyConfig struct {
	IssueLimit   int
	IssueWindow  time.Duration
	RedeemLimit  int
	RedeemWindow time.Duration
	MaxDuration  time.Duration
}

// SweeperConfig holds cron schedules for housekeeping jobs
type SweeperConfig struct {
	TemporalSchedule  string
	EmergencySchedule string
	UnblockSchedule   string
}

// NotifyConfig holds user notification delivery settings. With no webhook
// URL, notifications are only logged.
type NotifyConfig struct {
	WebhookURL     string
	WebhookSecret  string
	MaxAttempts    int
	InitialBackoff time.Duration
	Workers        int
	QueueSize      int
	Timeout        time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// DefaultQualifyingEvents is the closed set of security events that trigger blocking
var DefaultQualifyingEvents = []string{
	"auth_failure",
	"suspicious_activity",
	"webauthn_failure",
	"two_factor_failure",
	"account_lockout",
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Cache:         loadCacheConfig(),
		Threat:        loadThreatConfig(),
		Emergency:     loadEmergencyConfig(),
		Sweeper:       loadSweeperConfig(),
		Notify:        loadNotifyConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:              getEnv("AUTHZ_HOST", "0.0.0.0"),
		Port:              getEnv("AUTHZ_PORT", "8080"),
		ReadTimeout:       getEnvDuration("AUTHZ_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      getEnvDuration("AUTHZ_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       getEnvDuration("AUTHZ_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   getEnvDuration("AUTHZ_SHUTDOWN_TIMEOUT", 30*time.Second),
		RequestsPerMinute: getEnvInt("AUTHZ_REQUESTS_PER_MINUTE", 600),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		PostgresURL:       getEnv("AUTHZ_POSTGRES_URL", ""),
		PostgresMaxConns:  getEnvInt("AUTHZ_POSTGRES_MAX_CONNS", 20),
		PostgresMinConns:  getEnvInt("AUTHZ_POSTGRES_MIN_CONNS", 2),
		PostgresTimeout:   getEnvDuration("AUTHZ_POSTGRES_TIMEOUT", 5*time.Second),
		RunMigrations:     getEnvBool("AUTHZ_RUN_MIGRATIONS", true),
		RedisURL:          getEnv("AUTHZ_REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword:     getEnv("AUTHZ_REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("AUTHZ_REDIS_DB", 0),
		RedisMaxRetries:   getEnvInt("AUTHZ_REDIS_MAX_RETRIES", 3),
		RedisPoolSize:     getEnvInt("AUTHZ_REDIS_POOL_SIZE", 10),
		AuditFallbackPath: getEnv("AUTHZ_AUDIT_FALLBACK_PATH", ""),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:   getEnvBool("AUTHZ_CACHE_ENABLED", true),
		KeyPrefix: getEnv("AUTHZ_CACHE_PREFIX", "authz:"),
		SafetyTTL: getEnvDuration("AUTHZ_CACHE_SAFETY_TTL", time.Hour),
	}
}

func loadThreatConfig() ThreatConfig {
	return ThreatConfig{
		BlockTTL:           getEnvDuration("AUTHZ_THREAT_BLOCK_TTL", 1800*time.Second),
		NotifyWindow:       getEnvDuration("AUTHZ_THREAT_NOTIFY_WINDOW", 3600*time.Second),
		QualifyingEvents:   getEnvList("AUTHZ_THREAT_EVENTS", DefaultQualifyingEvents),
		TrustedCIDRs:       getEnvList("AUTHZ_THREAT_TRUSTED_CIDRS", nil),
		AuditEnabled:       getEnvBool("AUTHZ_THREAT_AUDIT_ENABLED", true),
		EmailAlertsEnabled: getEnvBool("AUTHZ_THREAT_EMAIL_ALERTS", true),
		PolicyFile:         getEnv("AUTHZ_THREAT_POLICY_FILE", ""),
	}
}

func loadEmergencyConfig() EmergencyConfig {
	return EmergencyConfig{
		IssueLimit:   getEnvInt("AUTHZ_EMERGENCY_ISSUE_LIMIT", 3),
		IssueWindow:  getEnvDuration("AUTHZ_EMERGENCY_ISSUE_WINDOW", time.Hour),
		RedeemLimit:  getEnvInt("AUTHZ_EMERGENCY_REDEEM_LIMIT", 5),
		RedeemWindow: getEnvDuration("AUTHZ_EMERGENCY_REDEEM_WINDOW", 15*time.Minute),
		MaxDuration:  getEnvDuration("AUTHZ_EMERGENCY_MAX_DURATION", 4*time.Hour),
	}
}

func loadSweeperConfig() SweeperConfig {
	return SweeperConfig{
		TemporalSchedule:  getEnv("AUTHZ_SWEEP_TEMPORAL_SCHEDULE", "@every 1m"),
		EmergencySchedule: getEnv("AUTHZ_SWEEP_EMERGENCY_SCHEDULE", "@every 1m"),
		UnblockSchedule:   getEnv("AUTHZ_SWEEP_UNBLOCK_SCHEDULE", "@every 30s"),
	}
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		WebhookURL:     getEnv("AUTHZ_NOTIFY_WEBHOOK_URL", ""),
		WebhookSecret:  getEnv("AUTHZ_NOTIFY_WEBHOOK_SECRET", ""),
		MaxAttempts:    getEnvInt("AUTHZ_NOTIFY_MAX_ATTEMPTS", 3),
		InitialBackoff: getEnvDuration("AUTHZ_NOTIFY_INITIAL_BACKOFF", 500*time.Millisecond),
		Workers:        getEnvInt("AUTHZ_NOTIFY_WORKERS", 4),
		QueueSize:      getEnvInt("AUTHZ_NOTIFY_QUEUE_SIZE", 256),
		Timeout:        getEnvDuration("AUTHZ_NOTIFY_TIMEOUT", 10*time.Second),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(strings.ToLower(getEnv("AUTHZ_LOG_LEVEL", "info"))),
		MetricsEnabled:     getEnvBool("AUTHZ_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("AUTHZ_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("AUTHZ_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("AUTHZ_OTEL_SERVICE_NAME", "authzd"),
		OTelServiceVersion: getEnv("AUTHZ_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("AUTHZ_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("AUTHZ_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}
	if c.Cache.SafetyTTL < 0 {
		return fmt.Errorf("cache safety TTL must not be negative")
	}

	if c.Threat.BlockTTL <= 0 {
		return fmt.Errorf("threat block TTL must be positive")
	}
	if c.Threat.NotifyWindow <= 0 {
		return fmt.Errorf("threat notify window must be positive")
	}
	if len(c.Threat.QualifyingEvents) == 0 {
		return fmt.Errorf("at least one threat-qualifying event type is required")
	}
	if _, err := ParsePrefixes(c.Threat.TrustedCIDRs); err != nil {
		return err
	}

	if c.Emergency.IssueLimit <= 0 || c.Emergency.RedeemLimit <= 0 {
		return fmt.Errorf("emergency rate limits must be positive")
	}
	if c.Emergency.IssueWindow <= 0 || c.Emergency.RedeemWindow <= 0 {
		return fmt.Errorf("emergency rate limit windows must be positive")
	}
	if c.Emergency.MaxDuration <= 0 {
		return fmt.Errorf("emergency max duration must be positive")
	}

	if c.Notify.WebhookURL != "" {
		u, err := url.Parse(c.Notify.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("notify webhook URL must be an absolute http(s) URL")
		}
	}
	if c.Notify.Workers <= 0 || c.Notify.QueueSize <= 0 {
		return fmt.Errorf("notify workers and queue size must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// ParsePrefixes parses CIDRs or bare addresses into prefixes
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted CIDR %q: %w", v, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted address %q: %w", v, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
