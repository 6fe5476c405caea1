package notify

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/supportly/authz/pkg/observability"
)

var (
	// ErrQueueFull is returned when the dispatcher cannot accept more work
	ErrQueueFull = errors.New("notification queue full")
	// ErrClosed is returned after Shutdown
	ErrClosed = errors.New("notification dispatcher closed")
)

// Dispatcher delivers notifications on a bounded worker pool. The decision
// to notify is made by the caller; Notify only enqueues.
type Dispatcher struct {
	next    Notifier
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics

	workCh chan Notification
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	closed       bool
	shutdownOnce sync.Once
}

// DispatcherConfig sizes the pool
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// NewDispatcher starts the workers. They stop when Shutdown is called or
// ctx is cancelled.
func NewDispatcher(ctx context.Context, next Notifier, cfg DispatcherConfig, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		next:    next,
		timeout: cfg.Timeout,
		logger:  observability.OrDefault(logger).WithField("component", "notify-dispatcher"),
		metrics: observability.OrNop(metrics),
		workCh:  make(chan Notification, cfg.QueueSize),
		doneCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < cfg.Workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				d.worker(id)
			}(i)
		}
		wg.Wait()
		close(d.doneCh)
	}()

	return d
}

// Notify enqueues n without waiting for delivery
func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.workCh <- n:
		return nil
	default:
		d.metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		d.logger.WithField("user_id", n.UserID).Warn("Notification queue full, dropping")
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits up to timeout for the queue to
// drain.
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	var err error
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.workCh)
		d.mu.Unlock()

		select {
		case <-d.doneCh:
			d.cancel()
		case <-time.After(timeout):
			d.cancel()
			err = fmt.Errorf("notification dispatcher shutdown timed out after %v", timeout)
		}
	})
	return err
}

func (d *Dispatcher) worker(id int) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case n, ok := <-d.workCh:
			if !ok {
				return
			}
			d.deliver(id, n)
		}
	}
}

func (d *Dispatcher) deliver(id int, n Notification) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			d.logger.WithFields(map[string]interface{}{
				"worker":          id,
				"notification_id": n.ID,
				"panic":           fmt.Sprint(r),
				"stack":           string(debug.Stack()),
			}).Error("Panic while delivering notification")
		}
	}()

	if err := d.next.Notify(ctx, n); err != nil {
		d.metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		d.logger.WithError(err).WithFields(map[string]interface{}{
			"notification_id": n.ID,
			"user_id":         n.UserID,
		}).Error("Failed to deliver notification")
		return
	}
	d.metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}
