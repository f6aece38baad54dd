package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/executor/logs"
	"github.com/agentdeck/agentdeck/internal/executor/msgstore"
)

type eventCollector struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (c *eventCollector) handle(_ context.Context, e *bus.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *eventCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *eventCollector) snapshot() []*bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*bus.Event(nil), c.events...)
}

func testEntry(content string) *logs.NormalizedEntry {
	return &logs.NormalizedEntry{Kind: logs.KindRaw, Content: content}
}

func TestFollowPublishesPatchesAndFinished(t *testing.T) {
	log := logger.Default()
	store := msgstore.NewStore(log)
	eventBus := bus.NewMemoryEventBus(log)
	r := New(store, eventBus, log)
	defer r.Close()

	const sessionID = "sess-1"
	_, err := store.Append(sessionID, logs.Insert(0, testEntry("one")))
	require.NoError(t, err)
	_, err = store.Append(sessionID, logs.Insert(1, testEntry("two")))
	require.NoError(t, err)
	_, err = store.Append(sessionID, logs.Exit(logs.ExitStatus{Code: 0}))
	require.NoError(t, err)

	collector := &eventCollector{}
	_, err = eventBus.Subscribe(Subject(sessionID), collector.handle)
	require.NoError(t, err)

	r.Follow(sessionID, 0)

	require.Eventually(t, func() bool {
		return collector.len() == 4
	}, 5*time.Second, 10*time.Millisecond, "three patch events plus one finished event")

	var patches, finished int
	seqs := map[uint64]bool{}
	for _, e := range collector.snapshot() {
		switch e.Type {
		case EventTypePatch:
			patches++
			p, ok := e.Data["patch"].(logs.Patch)
			require.True(t, ok)
			seqs[p.Seq] = true
			assert.Equal(t, sessionID, e.Data["session_id"])
		case EventTypeFinished:
			finished++
		}
	}
	assert.Equal(t, 3, patches)
	assert.Equal(t, 1, finished)
	assert.Equal(t, map[uint64]bool{1: true, 2: true, 3: true}, seqs)
}

func TestFollowFromOffset(t *testing.T) {
	log := logger.Default()
	store := msgstore.NewStore(log)
	eventBus := bus.NewMemoryEventBus(log)
	r := New(store, eventBus, log)
	defer r.Close()

	const sessionID = "sess-2"
	for i := 0; i < 3; i++ {
		_, err := store.Append(sessionID, logs.Insert(i, testEntry("entry")))
		require.NoError(t, err)
	}
	_, err := store.Append(sessionID, logs.Exit(logs.ExitStatus{Code: 0}))
	require.NoError(t, err)

	collector := &eventCollector{}
	_, err = eventBus.Subscribe(Subject(sessionID), collector.handle)
	require.NoError(t, err)

	r.Follow(sessionID, 2)

	require.Eventually(t, func() bool {
		return collector.len() == 3
	}, 5*time.Second, 10*time.Millisecond)

	seqs := map[uint64]bool{}
	for _, e := range collector.snapshot() {
		if e.Type == EventTypePatch {
			p := e.Data["patch"].(logs.Patch)
			seqs[p.Seq] = true
		}
	}
	assert.Equal(t, map[uint64]bool{3: true, 4: true}, seqs)
}

func TestFollowIsIdempotent(t *testing.T) {
	log := logger.Default()
	store := msgstore.NewStore(log)
	eventBus := bus.NewMemoryEventBus(log)
	r := New(store, eventBus, log)
	defer r.Close()

	const sessionID = "sess-3"
	collector := &eventCollector{}
	_, err := eventBus.Subscribe(Subject(sessionID), collector.handle)
	require.NoError(t, err)

	r.Follow(sessionID, 0)
	r.Follow(sessionID, 0)

	_, err = store.Append(sessionID, logs.Insert(0, testEntry("once")))
	require.NoError(t, err)
	_, err = store.Append(sessionID, logs.Exit(logs.ExitStatus{Code: 0}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return collector.len() >= 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return collector.len() > 3
	}, 300*time.Millisecond, 25*time.Millisecond, "a second Follow must not duplicate the stream")
}

func TestUnfollowStopsMirroring(t *testing.T) {
	log := logger.Default()
	store := msgstore.NewStore(log)
	eventBus := bus.NewMemoryEventBus(log)
	r := New(store, eventBus, log)
	defer r.Close()

	const sessionID = "sess-4"
	collector := &eventCollector{}
	_, err := eventBus.Subscribe(Subject(sessionID), collector.handle)
	require.NoError(t, err)

	r.Follow(sessionID, 0)
	_, err = store.Append(sessionID, logs.Insert(0, testEntry("before")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return collector.len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	r.Unfollow(sessionID)
	// Give the cancelled subscription a moment to unwind before the
	// next append, so the patch cannot race the cancellation.
	time.Sleep(50 * time.Millisecond)
	_, err = store.Append(sessionID, logs.Insert(1, testEntry("after")))
	require.NoError(t, err)

	assert.Never(t, func() bool {
		return collector.len() > 1
	}, 300*time.Millisecond, 25*time.Millisecond)
}
