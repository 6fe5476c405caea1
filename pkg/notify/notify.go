package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/supportly/authz/pkg/observability"
)

// Kind classifies a notification
type Kind string

const (
	// KindIPBlocked tells a user their sign-in address was blocked
	KindIPBlocked Kind = "security.ip_blocked"
)

// Notification is one message to a user. Delivery channel (mail, in-app)
// is the Notifier's concern.
type Notification struct {
	ID        string            `json:"id"`
	UserID    int64             `json:"user_id"`
	Kind      Kind              `json:"kind"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// New builds a notification with a fresh id
func New(userID int64, kind Kind, subject, body string, data map[string]string) Notification {
	return Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Subject:   subject,
		Body:      body,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// Notifier delivers notifications
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. It is the
// delivery used when no mail transport is configured.
type LogNotifier struct {
	logger *observability.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: observability.OrDefault(logger).WithField("component", "notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.WithFields(map[string]interface{}{
		"notification_id": n.ID,
		"user_id":         n.UserID,
		"kind":            string(n.Kind),
		"subject":         n.Subject,
	}).Info("Notification delivered")
	return nil
}

// Recorder keeps delivered notifications in memory
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

// NewRecorder creates an empty Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent Notify calls return err
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Notify(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of what was delivered
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// For returns the notifications delivered to userID
func (r *Recorder) For(userID int64) []Notification {
	var out []Notification
	for _, n := range r.Sent() {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}
