// Package session tracks executor sessions: our stable identifier for
// a conversation with an agent, the agent's own resume handle, and how
// many processes have been spawned under it.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session: not found")
	// ErrNoResumeHandle is returned when a follow-up needs the agent's
	// native session id but the initial run never revealed one.
	ErrNoResumeHandle = errors.New("session: no native session id recorded")
)

// Session is one conversation with an agent. The native id is the
// agent's own resume handle, discovered from its output; it is written
// once and never overwritten.
type Session struct {
	ID        string
	Variant   string
	Workdir   string
	CreatedAt time.Time

	mu       sync.Mutex
	nativeID string
	spawns   int

	log *logger.Logger
}

// SetNativeID records the agent's resume handle the first time it is
// seen. A later conflicting value is logged and discarded; the original
// stays authoritative. Returns false when the value was discarded.
func (s *Session) SetNativeID(nativeID string) bool {
	if nativeID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nativeID == "" {
		s.nativeID = nativeID
		s.log.Info("native session id recorded", zap.String("native_id", nativeID))
		return true
	}
	if s.nativeID != nativeID {
		s.log.Warn("conflicting native session id ignored",
			zap.String("recorded", s.nativeID),
			zap.String("ignored", nativeID))
		return false
	}
	return true
}

// NativeID returns the recorded resume handle, or ErrNoResumeHandle.
func (s *Session) NativeID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nativeID == "" {
		return "", ErrNoResumeHandle
	}
	return s.nativeID, nil
}

// RecordSpawn counts one process launched under this session.
func (s *Session) RecordSpawn() {
	s.mu.Lock()
	s.spawns++
	s.mu.Unlock()
}

// Spawns reports how many processes this session has launched.
func (s *Session) Spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// Manager owns the session registry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      *logger.Logger
}

// NewManager creates an empty registry.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		log:      log.WithFields(zap.String("component", "session")),
	}
}

// Create registers a new session for the given agent variant.
func (m *Manager) Create(variant, workdir string) *Session {
	s := &Session{
		ID:        uuid.New().String(),
		Variant:   variant,
		Workdir:   workdir,
		CreatedAt: time.Now().UTC(),
	}
	s.log = m.log.WithSessionID(s.ID).WithVariant(variant)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	s.log.Info("session created", zap.String("workdir", workdir))
	return s
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns all sessions, newest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Remove drops a session from the registry.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}
