package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsHooksInReverse(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	for _, name := range []string{"tracer", "runner", "http"} {
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"http", "runner", "tracer"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done must be closed after shutdown")
	}

	// Hooks run once
	order = nil
	require.NoError(t, m.Shutdown())
	assert.Empty(t, order)
}

func TestShutdownJoinsErrors(t *testing.T) {
	m := New(time.Second, nil)
	boom := errors.New("boom")
	ran := false
	m.Register("first", func(context.Context) error { ran = true; return nil })
	m.Register("second", func(context.Context) error { return boom })

	err := m.Shutdown()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "second")
	assert.True(t, ran, "a failing hook must not stop the remaining ones")
}

func TestWaitReturnsOnContext(t *testing.T) {
	m := New(time.Second, nil)
	called := false
	m.Register("x", func(context.Context) error { called = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Wait(ctx))
	assert.True(t, called)
}

func TestStopFuncHonoursTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	hook := StopFunc(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, hook(ctx), context.DeadlineExceeded)

	assert.NoError(t, StopFunc(func() {})(context.Background()))
}
