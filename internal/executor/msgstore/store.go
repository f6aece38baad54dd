// Package msgstore holds per-session patch logs and fans them out to
// subscribers. The store assigns every appended patch a strictly
// increasing sequence number; that assignment order is the only
// ordering consumers may rely on.
package msgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/executor/logs"
)

var (
	// ErrSessionFinished is returned when appending to a session whose
	// terminal exit patch has already been committed.
	ErrSessionFinished = errors.New("msgstore: session already finished")
	// ErrNoSession is returned when reading a session the store has
	// never seen.
	ErrNoSession = errors.New("msgstore: unknown session")
	// ErrOutOfOrder is returned when a patch references an entry index
	// that no prior insert created. The append is rejected outright;
	// patches are never reordered or accepted on faith.
	ErrOutOfOrder = errors.New("msgstore: patch out of order")
	// ErrBadOffset is returned when subscribing from an offset past the
	// committed log.
	ErrBadOffset = errors.New("msgstore: offset beyond committed log")
)

// Store keeps the in-memory patch history for every active session.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionLog
	log      *logger.Logger
}

type sessionLog struct {
	mu      sync.Mutex
	patches []logs.Patch
	nextSeq uint64
	// entries counts inserts committed so far; updates and finalizes
	// must stay behind it.
	entries int
	// notify is closed and replaced on every append so blocked
	// subscribers wake without the store tracking them.
	notify   chan struct{}
	finished bool
}

// NewStore creates an empty store.
func NewStore(log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		sessions: make(map[string]*sessionLog),
		log:      log.WithFields(zap.String("component", "msgstore")),
	}
}

func (s *Store) session(id string, create bool) *sessionLog {
	s.mu.RLock()
	sl := s.sessions[id]
	s.mu.RUnlock()
	if sl != nil || !create {
		return sl
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl = s.sessions[id]; sl == nil {
		sl = &sessionLog{notify: make(chan struct{})}
		s.sessions[id] = sl
	}
	return sl
}

// Append commits a patch to the session log, assigning its sequence
// number under the session lock. The returned patch carries the
// assigned Seq. Appending after the terminal exit patch fails with
// ErrSessionFinished; a patch referencing an index with no prior
// insert fails with ErrOutOfOrder.
func (s *Store) Append(sessionID string, p logs.Patch) (logs.Patch, error) {
	sl := s.session(sessionID, true)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.finished {
		return logs.Patch{}, ErrSessionFinished
	}
	if p.Op == logs.OpUpdate || p.Op == logs.OpFinalize {
		if p.Index < 0 || p.Index >= sl.entries {
			return logs.Patch{}, fmt.Errorf("%w: %s at %d, only %d entries", ErrOutOfOrder, p.Op, p.Index, sl.entries)
		}
	}
	sl.nextSeq++
	p.Seq = sl.nextSeq
	sl.patches = append(sl.patches, p)
	switch p.Op {
	case logs.OpInsert:
		sl.entries++
	case logs.OpExit:
		sl.finished = true
	}
	close(sl.notify)
	sl.notify = make(chan struct{})
	return p, nil
}

// History returns a copy of every patch committed so far for the
// session, in sequence order.
func (s *Store) History(sessionID string) ([]logs.Patch, error) {
	sl := s.session(sessionID, false)
	if sl == nil {
		return nil, ErrNoSession
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	out := make([]logs.Patch, len(sl.patches))
	copy(out, sl.patches)
	return out, nil
}

// EntryCount reports how many inserts the session log holds.
func (s *Store) EntryCount(sessionID string) int {
	sl := s.session(sessionID, false)
	if sl == nil {
		return 0
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.entries
}

// Finished reports whether the session's terminal patch has been
// committed.
func (s *Store) Finished(sessionID string) bool {
	sl := s.session(sessionID, false)
	if sl == nil {
		return false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.finished
}

// Entries replays the session's patch log into the entry sequence it
// describes.
func (s *Store) Entries(sessionID string) ([]logs.NormalizedEntry, error) {
	patches, err := s.History(sessionID)
	if err != nil {
		return nil, err
	}
	var entries []logs.NormalizedEntry
	for _, p := range patches {
		entries = logs.Apply(entries, p)
	}
	return entries, nil
}

// Subscribe streams the session's patches to ch, starting after
// sequence number fromSeq (0 replays everything), until the terminal
// exit patch has been sent or ctx is cancelled. Sends block rather than
// drop: a slow consumer slows its own stream, never loses patches.
// Subscribe creates the session log if it does not exist yet so
// subscribers may attach before the first append. The channel is
// closed when the stream ends.
func (s *Store) Subscribe(ctx context.Context, sessionID string, fromSeq uint64, ch chan<- logs.Patch) error {
	sl := s.session(sessionID, true)
	defer close(ch)
	// Sequence numbers are dense from 1, so fromSeq doubles as the
	// replay cursor.
	if fromSeq > uint64(sl.len()) {
		return fmt.Errorf("%w: %d", ErrBadOffset, fromSeq)
	}
	cursor := int(fromSeq)
	for {
		sl.mu.Lock()
		pending := sl.patches[cursor:]
		notify := sl.notify
		finished := sl.finished
		sl.mu.Unlock()

		for _, p := range pending {
			select {
			case ch <- p:
				cursor++
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if finished && cursor == sl.len() {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (sl *sessionLog) len() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.patches)
}

// Reopen clears the finished flag so a follow-up run can append into
// the same session log. Subscribers that already drained the previous
// terminal patch resubscribe from their last offset.
func (s *Store) Reopen(sessionID string) error {
	sl := s.session(sessionID, false)
	if sl == nil {
		return ErrNoSession
	}
	sl.mu.Lock()
	sl.finished = false
	sl.mu.Unlock()
	return nil
}

// Drop discards the session's history. Intended for cleanup after a
// session has been archived.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}
