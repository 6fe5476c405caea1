package config

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportly/authz/pkg/observability"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("AUTHZ_TEST_STR", "custom")
	t.Setenv("AUTHZ_TEST_BOOL", "1")
	t.Setenv("AUTHZ_TEST_INT", "42")
	t.Setenv("AUTHZ_TEST_BAD_INT", "forty")
	t.Setenv("AUTHZ_TEST_DUR", "90s")
	t.Setenv("AUTHZ_TEST_LIST", " a, ,b ")

	assert.Equal(t, "custom", getEnv("AUTHZ_TEST_STR", "default"))
	assert.Equal(t, "default", getEnv("AUTHZ_TEST_UNSET", "default"))
	assert.True(t, getEnvBool("AUTHZ_TEST_BOOL", false))
	assert.Equal(t, 42, getEnvInt("AUTHZ_TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("AUTHZ_TEST_BAD_INT", 7))
	assert.Equal(t, 90*time.Second, getEnvDuration("AUTHZ_TEST_DUR", 0))
	assert.Equal(t, []string{"a", "b"}, getEnvList("AUTHZ_TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, getEnvList("AUTHZ_TEST_UNSET", []string{"x"}))
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("AUTHZ_POSTGRES_URL", "postgres://localhost/authz?sslmode=disable")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 1800*time.Second, cfg.Threat.BlockTTL)
	assert.Equal(t, 3600*time.Second, cfg.Threat.NotifyWindow)
	assert.Equal(t, DefaultQualifyingEvents, cfg.Threat.QualifyingEvents)
	assert.Equal(t, 3, cfg.Emergency.IssueLimit)
	assert.Equal(t, 5, cfg.Emergency.RedeemLimit)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.Empty(t, cfg.Notify.WebhookURL)
	assert.Equal(t, 3, cfg.Notify.MaxAttempts)
}

func TestLoadConfig_RequiresPostgres(t *testing.T) {
	t.Setenv("AUTHZ_POSTGRES_URL", "")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres URL is required")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:  loadServerConfig(),
			Storage: StorageConfig{PostgresURL: "postgres://x", RedisURL: "redis://x"},
			Cache:   CacheConfig{SafetyTTL: time.Minute},
			Threat: ThreatConfig{
				BlockTTL:         time.Minute,
				NotifyWindow:     time.Hour,
				QualifyingEvents: DefaultQualifyingEvents,
			},
			Emergency: EmergencyConfig{
				IssueLimit: 3, IssueWindow: time.Hour,
				RedeemLimit: 5, RedeemWindow: time.Hour,
				MaxDuration: time.Hour,
			},
			Notify: loadNotifyConfig(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero block ttl", func(c *Config) { c.Threat.BlockTTL = 0 }, "block TTL"},
		{"no events", func(c *Config) { c.Threat.QualifyingEvents = nil }, "threat-qualifying"},
		{"bad cidr", func(c *Config) { c.Threat.TrustedCIDRs = []string{"10.0.0.0/99"} }, "invalid trusted CIDR"},
		{"zero redeem limit", func(c *Config) { c.Emergency.RedeemLimit = 0 }, "rate limits"},
		{"relative webhook url", func(c *Config) { c.Notify.WebhookURL = "/hooks/security" }, "webhook URL"},
		{"no notify workers", func(c *Config) { c.Notify.Workers = 0 }, "notify workers"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelServiceName = "authzd"
		}, "endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParsePrefixes(t *testing.T) {
	prefixes, err := ParsePrefixes([]string{"10.0.0.0/8", "192.168.1.7", "", "2001:db8::/32"})
	require.NoError(t, err)
	require.Len(t, prefixes, 3)

	policy := ThreatPolicy{TrustedPrefixes: prefixes}
	assert.True(t, policy.IsTrusted(netip.MustParseAddr("10.20.30.40")))
	assert.True(t, policy.IsTrusted(netip.MustParseAddr("192.168.1.7")))
	assert.True(t, policy.IsTrusted(netip.MustParseAddr("::ffff:10.1.1.1")))
	assert.False(t, policy.IsTrusted(netip.MustParseAddr("203.0.113.99")))
}

func baseThreat() ThreatConfig {
	return ThreatConfig{
		BlockTTL:           1800 * time.Second,
		NotifyWindow:       3600 * time.Second,
		AuditEnabled:       true,
		EmailAlertsEnabled: true,
		TrustedCIDRs:       []string{"127.0.0.1"},
	}
}

func TestPolicyStore_LoadFile(t *testing.T) {
	store, err := NewPolicyStore(baseThreat())
	require.NoError(t, err)

	p := store.ThreatPolicy()
	assert.True(t, p.AuditEnabled)
	assert.True(t, p.IsTrusted(netip.MustParseAddr("127.0.0.1")))

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
threat:
  email_alerts_enabled: false
  block_ttl_seconds: 60
`), 0o600))

	require.NoError(t, store.LoadFile(path))
	p = store.ThreatPolicy()
	assert.True(t, p.AuditEnabled, "absent keys keep the base value")
	assert.False(t, p.EmailAlertsEnabled)
	assert.Equal(t, time.Minute, p.BlockTTL)
	assert.Equal(t, 3600*time.Second, p.NotifyWindow)
	assert.True(t, p.IsTrusted(netip.MustParseAddr("127.0.0.1")))
}

func TestPolicyStore_InvalidFileKeepsPrevious(t *testing.T) {
	store, err := NewPolicyStore(baseThreat())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("threat:\n  block_ttl_seconds: -5\n"), 0o600))

	require.Error(t, store.LoadFile(path))
	assert.Equal(t, 1800*time.Second, store.ThreatPolicy().BlockTTL)
}

func TestPolicyWatcher_ReloadsOnWrite(t *testing.T) {
	store, err := NewPolicyStore(baseThreat())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("threat:\n  audit_enabled: true\n"), 0o600))

	watcher, err := NewPolicyWatcher(store, path, observability.NopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("threat:\n  audit_enabled: false\n"), 0o600))

	assert.Eventually(t, func() bool {
		return !store.ThreatPolicy().AuditEnabled
	}, 2*time.Second, 20*time.Millisecond)
}
