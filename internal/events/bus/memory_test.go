package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

type countingHandler struct {
	mu    sync.Mutex
	count int
}

func (h *countingHandler) handle(_ context.Context, _ *Event) error {
	h.mu.Lock()
	h.count++
	h.mu.Unlock()
	return nil
}

func (h *countingHandler) get() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func TestMemoryBusExactSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	h := &countingHandler{}
	_, err := b.Subscribe("sessions.abc.log", h.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "sessions.abc.log", NewEvent("test", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "sessions.other.log", NewEvent("test", "test", nil)))

	require.Eventually(t, func() bool { return h.get() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return h.get() > 1 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	single := &countingHandler{}
	_, err := b.Subscribe("sessions.*.log", single.handle)
	require.NoError(t, err)

	multi := &countingHandler{}
	_, err = b.Subscribe("sessions.>", multi.handle)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "sessions.abc.log", NewEvent("test", "test", nil)))
	require.NoError(t, b.Publish(ctx, "sessions.abc.approvals", NewEvent("test", "test", nil)))
	require.NoError(t, b.Publish(ctx, "approvals.requested", NewEvent("test", "test", nil)))

	require.Eventually(t, func() bool {
		return single.get() == 1 && multi.get() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	h := &countingHandler{}
	sub, err := b.Subscribe("topic", h.handle)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "topic", NewEvent("test", "test", nil)))
	assert.Never(t, func() bool { return h.get() > 0 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "topic", NewEvent("test", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("topic", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}
