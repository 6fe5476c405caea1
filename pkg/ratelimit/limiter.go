package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/supportly/authz/pkg/kv"
	"github.com/supportly/authz/pkg/observability"
)

// Config describes one fixed window
type Config struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a Redis-backed fixed-window limiter shared by every worker.
// Unlike a generic HTTP limiter it fails closed: it guards brute-forceable
// endpoints, so a Redis outage refuses the request instead of opening it.
type Limiter struct {
	store   *kv.Client
	name    string
	config  Config
	metrics *observability.Metrics
}

// New creates a limiter whose keys live under ratelimit:<name>:
func New(store *kv.Client, name string, cfg Config, metrics *observability.Metrics) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		store:   store,
		name:    name,
		config:  cfg,
		metrics: observability.OrNop(metrics),
	}
}

func (l *Limiter) key(subject string) string {
	return fmt.Sprintf("ratelimit:%s:%s", l.name, subject)
}

// Allow counts one request for subject and reports whether it fits the window
func (l *Limiter) Allow(ctx context.Context, subject string) (Decision, error) {
	key := l.key(subject)

	count, err := l.store.IncrWindow(ctx, key, l.config.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limiter %s: %w", l.name, err)
	}

	d := Decision{
		Allowed:   count <= int64(l.config.Limit),
		Remaining: l.config.Limit - int(count),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	if !d.Allowed {
		l.metrics.RateLimitDenialsTotal.WithLabelValues(l.name).Inc()
		if ttl, err := l.store.TTL(ctx, key); err == nil && ttl > 0 {
			d.RetryAfter = ttl
		} else {
			d.RetryAfter = l.config.Window
		}
	}

	return d, nil
}

// Reset clears the counter for subject
func (l *Limiter) Reset(ctx context.Context, subject string) error {
	_, err := l.store.Del(ctx, l.key(subject))
	return err
}
