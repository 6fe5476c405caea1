package audit

import (
	"context"
	"time"

	"github.com/supportly/authz/pkg/observability"
)

// Writer persists a single entry
type Writer interface {
	Write(ctx context.Context, entry *Entry) error
}

// Log is the append-only audit trail. Record never returns an error: a
// failed write is logged, counted, and copied to the fallback sink, while the
// operation that produced the entry keeps its effect.
type Log struct {
	primary  Writer
	fallback Writer
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option configures a Log
type Option func(*Log)

// WithFallback sets a secondary writer used only when the primary fails
func WithFallback(w Writer) Option {
	return func(l *Log) { l.fallback = w }
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// NewLog creates an audit log writing to primary
func NewLog(primary Writer, logger *observability.Logger, metrics *observability.Metrics, opts ...Option) *Log {
	l := &Log{
		primary: primary,
		logger:  observability.OrDefault(logger).WithField("component", "audit"),
		metrics: observability.OrNop(metrics),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record stamps and writes entry. Request info stored on ctx fills blank
// IPAddress/UserAgent fields.
func (l *Log) Record(ctx context.Context, entry *Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	if info, ok := RequestInfoFromContext(ctx); ok {
		if entry.IPAddress == "" {
			entry.IPAddress = info.IPAddress
		}
		if entry.UserAgent == "" {
			entry.UserAgent = info.UserAgent
		}
	}

	if !entry.Action.Valid() {
		l.logger.WithField("action", string(entry.Action)).Error("Refusing to write audit row with unknown action")
		l.metrics.AuditFailuresTotal.Inc()
		return
	}

	err := l.primary.Write(ctx, entry)
	if err == nil {
		l.metrics.AuditWritesTotal.WithLabelValues(string(entry.Action)).Inc()
		return
	}

	l.metrics.AuditFailuresTotal.Inc()
	fields := map[string]interface{}{"action": string(entry.Action)}
	if entry.UserID != nil {
		fields["user_id"] = *entry.UserID
	}
	if entry.RoleID != nil {
		fields["role_id"] = *entry.RoleID
	}
	if entry.IPAddress != "" {
		fields["ip"] = entry.IPAddress
	}
	l.logger.WithFields(fields).WithError(err).Error("Failed to persist audit entry")

	if l.fallback == nil {
		return
	}
	if ferr := l.fallback.Write(context.WithoutCancel(ctx), entry); ferr != nil {
		l.logger.WithFields(fields).WithError(ferr).Error("Audit fallback sink failed")
	}
}

// RequestInfo is the client metadata copied onto audit rows
type RequestInfo struct {
	IPAddress string
	UserAgent string
}

type requestInfoKey struct{}

// WithRequestInfo stores client metadata for later audit rows
func WithRequestInfo(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, RequestInfo{IPAddress: ip, UserAgent: userAgent})
}

// RequestInfoFromContext returns the metadata stored by WithRequestInfo
func RequestInfoFromContext(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}
