package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsHooksInReverse(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, 0)

	var order []string
	sm.Register("db", func(context.Context) error { order = append(order, "db"); return nil })
	sm.Register("dispatcher", func(context.Context) error { order = append(order, "dispatcher"); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, sm.Shutdown(ctx))
	assert.Equal(t, []string{"dispatcher", "db"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, 0)
	boom := errors.New("boom")
	sm.Register("redis", func(context.Context) error { return boom })
	sm.Register("ok", func(context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sm.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "redis")
}

func TestPanicError(t *testing.T) {
	assert.NoError(t, PanicError(nil))
	assert.EqualError(t, PanicError("bad"), "panic: bad")
}
