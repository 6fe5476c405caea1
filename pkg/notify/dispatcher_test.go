package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportly/authz/pkg/observability"
)

type notifierFunc func(ctx context.Context, n Notification) error

func (f notifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

func TestNew(t *testing.T) {
	n := New(7, KindIPBlocked, "Blocked", "body", map[string]string{"ip": "203.0.113.99"})
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, int64(7), n.UserID)
	assert.False(t, n.CreatedAt.IsZero())
	assert.NotEqual(t, n.ID, New(7, KindIPBlocked, "", "", nil).ID)
}

func TestDispatcher_Delivers(t *testing.T) {
	rec := NewRecorder()
	metrics := observability.NewMetrics(nil)
	d := NewDispatcher(context.Background(), rec, DispatcherConfig{Workers: 2}, observability.NopLogger(), metrics)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, d.Notify(context.Background(), New(i, KindIPBlocked, "s", "b", nil)))
	}
	require.NoError(t, d.Shutdown(time.Second))

	assert.Len(t, rec.Sent(), 5)
	assert.Len(t, rec.For(3), 1)
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("sent")))

	assert.ErrorIs(t, d.Notify(context.Background(), New(1, KindIPBlocked, "s", "b", nil)), ErrClosed)
}

func TestDispatcher_FailuresAndPanicsAreContained(t *testing.T) {
	var calls int32
	next := notifierFunc(func(ctx context.Context, n Notification) error {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			panic("smtp client exploded")
		case 2:
			return errors.New("mailbox unavailable")
		}
		return nil
	})
	metrics := observability.NewMetrics(nil)
	d := NewDispatcher(context.Background(), next, DispatcherConfig{Workers: 1}, observability.NopLogger(), metrics)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Notify(context.Background(), New(1, KindIPBlocked, "s", "b", nil)))
	}
	require.NoError(t, d.Shutdown(time.Second))

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "worker survives a panic")
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("sent")))
}

func TestDispatcher_QueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	next := notifierFunc(func(ctx context.Context, n Notification) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	d := NewDispatcher(context.Background(), next, DispatcherConfig{Workers: 1, QueueSize: 1}, observability.NopLogger(), nil)

	require.NoError(t, d.Notify(context.Background(), New(1, KindIPBlocked, "s", "b", nil)))
	<-started
	require.NoError(t, d.Notify(context.Background(), New(2, KindIPBlocked, "s", "b", nil)))
	assert.ErrorIs(t, d.Notify(context.Background(), New(3, KindIPBlocked, "s", "b", nil)), ErrQueueFull)

	close(release)
	require.NoError(t, d.Shutdown(time.Second))
}

func TestDispatcher_Timeout(t *testing.T) {
	var cancelled atomic.Bool
	next := notifierFunc(func(ctx context.Context, n Notification) error {
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	d := NewDispatcher(context.Background(), next, DispatcherConfig{Workers: 1, Timeout: 20 * time.Millisecond}, observability.NopLogger(), nil)

	require.NoError(t, d.Notify(context.Background(), New(1, KindIPBlocked, "s", "b", nil)))
	require.NoError(t, d.Shutdown(time.Second))
	assert.True(t, cancelled.Load())
}

func TestRecorder_FailWith(t *testing.T) {
	rec := NewRecorder()
	rec.FailWith(errors.New("down"))
	assert.Error(t, rec.Notify(context.Background(), New(1, KindIPBlocked, "s", "b", nil)))
	assert.Empty(t, rec.Sent())

	assert.NoError(t, NewLogNotifier(observability.NopLogger()).Notify(context.Background(), New(1, KindIPBlocked, "s", "b", nil)))
}
