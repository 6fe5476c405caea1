package config

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/supportly/authz/pkg/observability"
)

// ThreatPolicy is the resolved, immutable view of the threat toggles.
// Readers hold a snapshot for the duration of one event.
type ThreatPolicy struct {
	AuditEnabled       bool
	EmailAlertsEnabled bool
	BlockTTL           time.Duration
	NotifyWindow       time.Duration
	TrustedPrefixes    []netip.Prefix
}

// IsTrusted reports whether addr falls inside a trusted prefix
func (p ThreatPolicy) IsTrusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range p.TrustedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// policyFile is the on-disk YAML shape. Absent keys keep the env value.
type policyFile struct {
	Threat struct {
		AuditEnabled        *bool    `yaml:"audit_enabled"`
		EmailAlertsEnabled  *bool    `yaml:"email_alerts_enabled"`
		BlockTTLSeconds     *int     `yaml:"block_ttl_seconds"`
		NotifyWindowSeconds *int     `yaml:"notify_window_seconds"`
		TrustedCIDRs        []string `yaml:"trusted_cidrs"`
	} `yaml:"threat"`
}

// PolicyStore serves the current ThreatPolicy through an atomic pointer
type PolicyStore struct {
	base    ThreatConfig
	current atomic.Pointer[ThreatPolicy]
}

// NewPolicyStore builds a store seeded from the environment configuration
func NewPolicyStore(base ThreatConfig) (*PolicyStore, error) {
	prefixes, err := ParsePrefixes(base.TrustedCIDRs)
	if err != nil {
		return nil, err
	}
	s := &PolicyStore{base: base}
	s.current.Store(&ThreatPolicy{
		AuditEnabled:       base.AuditEnabled,
		EmailAlertsEnabled: base.EmailAlertsEnabled,
		BlockTTL:           base.BlockTTL,
		NotifyWindow:       base.NotifyWindow,
		TrustedPrefixes:    prefixes,
	})
	return s, nil
}

// ThreatPolicy returns the current snapshot
func (s *PolicyStore) ThreatPolicy() ThreatPolicy {
	return *s.current.Load()
}

// Set replaces the current snapshot
func (s *PolicyStore) Set(p ThreatPolicy) {
	s.current.Store(&p)
}

// LoadFile parses path and swaps in the merged policy. On error the previous
// snapshot stays in place.
func (s *PolicyStore) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	next, err := s.merge(pf)
	if err != nil {
		return err
	}
	s.current.Store(next)
	return nil
}

func (s *PolicyStore) merge(pf policyFile) (*ThreatPolicy, error) {
	t := pf.Threat
	p := &ThreatPolicy{
		AuditEnabled:       s.base.AuditEnabled,
		EmailAlertsEnabled: s.base.EmailAlertsEnabled,
		BlockTTL:           s.base.BlockTTL,
		NotifyWindow:       s.base.NotifyWindow,
	}
	if t.AuditEnabled != nil {
		p.AuditEnabled = *t.AuditEnabled
	}
	if t.EmailAlertsEnabled != nil {
		p.EmailAlertsEnabled = *t.EmailAlertsEnabled
	}
	if t.BlockTTLSeconds != nil {
		if *t.BlockTTLSeconds <= 0 {
			return nil, fmt.Errorf("block_ttl_seconds must be positive")
		}
		p.BlockTTL = time.Duration(*t.BlockTTLSeconds) * time.Second
	}
	if t.NotifyWindowSeconds != nil {
		if *t.NotifyWindowSeconds <= 0 {
			return nil, fmt.Errorf("notify_window_seconds must be positive")
		}
		p.NotifyWindow = time.Duration(*t.NotifyWindowSeconds) * time.Second
	}

	cidrs := s.base.TrustedCIDRs
	if t.TrustedCIDRs != nil {
		cidrs = t.TrustedCIDRs
	}
	prefixes, err := ParsePrefixes(cidrs)
	if err != nil {
		return nil, err
	}
	p.TrustedPrefixes = prefixes
	return p, nil
}

// PolicyWatcher reloads a policy file into a PolicyStore whenever it changes
type PolicyWatcher struct {
	store   *PolicyStore
	path    string
	logger  *observability.Logger
	watcher *fsnotify.Watcher
}

// NewPolicyWatcher loads path once and prepares a watcher on its directory.
// Watching the directory catches editors that replace the file by rename.
func NewPolicyWatcher(store *PolicyStore, path string, logger *observability.Logger) (*PolicyWatcher, error) {
	logger = observability.OrDefault(logger)

	if err := store.LoadFile(path); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch policy directory: %w", err)
	}

	return &PolicyWatcher{
		store:   store,
		path:    filepath.Clean(path),
		logger:  logger.WithField("policy_file", path),
		watcher: w,
	}, nil
}

// Run processes file events until ctx is cancelled
func (pw *PolicyWatcher) Run(ctx context.Context) {
	defer pw.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != pw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := pw.store.LoadFile(pw.path); err != nil {
				pw.logger.WithError(err).Warn("Policy reload failed, keeping previous policy")
				continue
			}
			p := pw.store.ThreatPolicy()
			pw.logger.WithFields(map[string]interface{}{
				"audit_enabled":        p.AuditEnabled,
				"email_alerts_enabled": p.EmailAlertsEnabled,
			}).Info("Threat policy reloaded")
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.WithError(err).Warn("Policy watcher error")
		}
	}
}
