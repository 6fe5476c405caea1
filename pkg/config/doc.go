// Package config loads the service configuration from AUTHZ_* environment
// variables and serves the hot-reloadable threat policy.
//
// LoadConfig validates everything up front:
//
//	cfg, err := config.LoadConfig()
//
// The threat toggles (audit logging, email alerts, block TTL, notify window,
// trusted CIDRs) can be overridden by a YAML file watched with fsnotify:
//
//	threat:
//	  audit_enabled: true
//	  email_alerts_enabled: false
//	  block_ttl_seconds: 1800
//	  trusted_cidrs: ["10.0.0.0/8"]
//
// Readers always get a consistent snapshot through PolicyStore.ThreatPolicy.
package config
