// Package relay republishes committed session patches from the message
// store onto the event bus, so consumers outside the process can follow
// live runs without holding a store subscription themselves.
package relay

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/executor/logs"
	"github.com/agentdeck/agentdeck/internal/executor/msgstore"
)

const (
	// EventTypePatch carries one committed patch.
	EventTypePatch = "session.log.patch"
	// EventTypeFinished marks the terminal patch of a run.
	EventTypeFinished = "session.log.finished"

	source = "relay"
)

// Subject returns the bus subject a session's patches are published on.
func Subject(sessionID string) string {
	return "sessions." + sessionID + ".log"
}

// Relay follows store subscriptions and mirrors every patch onto the
// event bus. Ordering per session is preserved: one goroutine drains
// each followed session, and the store never reorders or drops.
type Relay struct {
	store    *msgstore.Store
	eventBus bus.EventBus
	log      *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a relay over the given store and bus.
func New(store *msgstore.Store, eventBus bus.EventBus, log *logger.Logger) *Relay {
	if log == nil {
		log = logger.Default()
	}
	return &Relay{
		store:    store,
		eventBus: eventBus,
		log:      log.WithFields(zap.String("component", "relay")),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Follow starts mirroring the session's patches, beginning after
// sequence number fromSeq. Following an already-followed session is a
// no-op. The follow ends on its own once the terminal patch has been
// published.
func (r *Relay) Follow(sessionID string, fromSeq uint64) {
	r.mu.Lock()
	if _, ok := r.cancels[sessionID]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[sessionID] = cancel
	r.mu.Unlock()

	ch := make(chan logs.Patch, 64)
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := r.store.Subscribe(ctx, sessionID, fromSeq, ch); err != nil && ctx.Err() == nil {
			r.log.Warn("store subscription ended",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}()
	go func() {
		defer r.wg.Done()
		defer r.forget(sessionID)
		r.pump(ctx, sessionID, ch)
	}()
}

// Unfollow stops mirroring the session. Patches already handed to the
// bus stay published.
func (r *Relay) Unfollow(sessionID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[sessionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops all follows and waits for in-flight publishes to finish.
func (r *Relay) Close() {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Relay) forget(sessionID string) {
	r.mu.Lock()
	if cancel, ok := r.cancels[sessionID]; ok {
		cancel()
		delete(r.cancels, sessionID)
	}
	r.mu.Unlock()
}

func (r *Relay) pump(ctx context.Context, sessionID string, ch <-chan logs.Patch) {
	subject := Subject(sessionID)
	for p := range ch {
		event := bus.NewEvent(EventTypePatch, source, map[string]any{
			"session_id": sessionID,
			"patch":      p,
		})
		if err := r.eventBus.Publish(ctx, subject, event); err != nil {
			r.log.Warn("patch publish failed",
				zap.String("session_id", sessionID),
				zap.Uint64("seq", p.Seq),
				zap.Error(err))
		}
		if p.Op == logs.OpExit {
			finished := bus.NewEvent(EventTypeFinished, source, map[string]any{
				"session_id": sessionID,
				"seq":        p.Seq,
				"exit":       p.Exit,
			})
			if err := r.eventBus.Publish(ctx, subject, finished); err != nil {
				r.log.Warn("finished publish failed",
					zap.String("session_id", sessionID),
					zap.Error(err))
			}
		}
	}
}
