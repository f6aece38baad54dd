// Package approvals tracks tool permission requests raised by running
// agents and delivers operator decisions back to them exactly once.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

// Status is the lifecycle phase of an approval request. Transitions
// only move forward: pending to decided to delivered, or pending to
// cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDecided   Status = "decided"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

// Decision is the operator's verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	// DecisionApprovedWithEdits approves the tool call with a rewritten
	// input payload, carried on the request as UpdatedInput.
	DecisionApprovedWithEdits Decision = "approved_with_edits"
)

// Event subjects published on the bus.
const (
	SubjectRequested = "approvals.requested"
	SubjectResolved  = "approvals.resolved"
)

var (
	// ErrUnknownRequest is returned for ids the manager has never seen.
	ErrUnknownRequest = errors.New("approvals: unknown request")
	// ErrAlreadyResolved is returned when deciding a request that is no
	// longer pending.
	ErrAlreadyResolved = errors.New("approvals: request already resolved")
	// ErrDuplicateCorrelation is returned when an agent raises a second
	// request with a correlation id that is still pending.
	ErrDuplicateCorrelation = errors.New("approvals: duplicate correlation id")
)

// Responder writes the decision back to the agent in its native wire
// format. The manager calls it exactly once per request, under the
// request's transition to delivered.
type Responder func(ctx context.Context, req *Request, decision Decision, reason string) error

// Request is one pending tool permission question.
type Request struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	// CorrelationID is the agent-native request id the decision must be
	// addressed to.
	CorrelationID string         `json:"correlation_id"`
	ToolName      string         `json:"tool_name"`
	Input         map[string]any `json:"input,omitempty"`
	Status        Status         `json:"status"`
	Decision      Decision       `json:"decision,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	// UpdatedInput replaces the tool input on an approved-with-edits
	// decision.
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ResolvedAt   time.Time      `json:"resolved_at,omitempty"`

	responder Responder
}

// Manager owns all approval requests across sessions.
type Manager struct {
	mu        sync.Mutex
	byID      map[string]*Request
	byCorr    map[string]string // sessionID+correlationID -> request id, pending only
	bySession map[string]map[string]struct{}

	eventBus bus.EventBus
	log      *logger.Logger

	// timeout auto-denies requests the operator never answers. Zero
	// disables the timer.
	timeout time.Duration
}

// Option configures the manager.
type Option func(*Manager)

// WithTimeout auto-denies requests left pending for longer than d.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// NewManager creates a manager publishing lifecycle events on eventBus.
func NewManager(eventBus bus.EventBus, log *logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		byID:      make(map[string]*Request),
		byCorr:    make(map[string]string),
		bySession: make(map[string]map[string]struct{}),
		eventBus:  eventBus,
		log:       log.WithFields(zap.String("component", "approvals")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func corrKey(sessionID, correlationID string) string {
	return sessionID + "\x00" + correlationID
}

// Create registers a new pending request. The responder is captured so
// the eventual decision can be written back without the caller keeping
// state. A correlation id that is already pending for the session is
// rejected.
func (m *Manager) Create(sessionID, correlationID, toolName string, input map[string]any, responder Responder) (*Request, error) {
	m.mu.Lock()
	if _, dup := m.byCorr[corrKey(sessionID, correlationID)]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, correlationID)
	}
	req := &Request{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		CorrelationID: correlationID,
		ToolName:      toolName,
		Input:         input,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
		responder:     responder,
	}
	m.byID[req.ID] = req
	m.byCorr[corrKey(sessionID, correlationID)] = req.ID
	if m.bySession[sessionID] == nil {
		m.bySession[sessionID] = make(map[string]struct{})
	}
	m.bySession[sessionID][req.ID] = struct{}{}
	m.mu.Unlock()

	m.log.Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("session_id", sessionID),
		zap.String("tool", toolName))
	m.publish(SubjectRequested, req)

	if m.timeout > 0 {
		go m.expire(req.ID)
	}
	return snapshot(req), nil
}

func (m *Manager) expire(id string) {
	time.Sleep(m.timeout)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := m.Decide(ctx, id, DecisionDenied, "approval timed out")
	if err != nil && !errors.Is(err, ErrAlreadyResolved) && !errors.Is(err, ErrUnknownRequest) {
		m.log.Warn("auto-deny failed", zap.String("request_id", id), zap.Error(err))
	}
}

// Get returns a copy of the request.
func (m *Manager) Get(id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.byID[id]
	if !ok {
		return nil, ErrUnknownRequest
	}
	return snapshot(req), nil
}

// Pending lists the session's unresolved requests, oldest first.
func (m *Manager) Pending(sessionID string) []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for id := range m.bySession[sessionID] {
		if req := m.byID[id]; req.Status == StatusPending {
			out = append(out, snapshot(req))
		}
	}
	sortByCreation(out)
	return out
}

// Decide records the verdict and writes it back to the agent. The
// native acknowledgement is sent exactly once: a second Decide on the
// same request fails with ErrAlreadyResolved regardless of the verdict.
func (m *Manager) Decide(ctx context.Context, id string, decision Decision, reason string) error {
	return m.decide(ctx, id, decision, reason, nil)
}

// DecideWithEdits approves the request with a rewritten tool input. The
// agent receives the allow verdict together with updatedInput and must
// execute the edited call instead of the original one.
func (m *Manager) DecideWithEdits(ctx context.Context, id string, updatedInput map[string]any) error {
	return m.decide(ctx, id, DecisionApprovedWithEdits, "", updatedInput)
}

func (m *Manager) decide(ctx context.Context, id string, decision Decision, reason string, updatedInput map[string]any) error {
	m.mu.Lock()
	req, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownRequest
	}
	if req.Status != StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, req.Status)
	}
	req.Status = StatusDecided
	req.Decision = decision
	req.Reason = reason
	req.UpdatedInput = updatedInput
	req.ResolvedAt = time.Now().UTC()
	delete(m.byCorr, corrKey(req.SessionID, req.CorrelationID))
	responder := req.responder
	m.mu.Unlock()

	if responder != nil {
		if err := responder(ctx, snapshot(req), decision, reason); err != nil {
			// The decision stands but was never delivered; the agent
			// will keep waiting until killed. Surface loudly.
			m.log.Error("decision delivery failed",
				zap.String("request_id", id),
				zap.Error(err))
			return fmt.Errorf("deliver decision for %s: %w", id, err)
		}
	}

	m.mu.Lock()
	req.Status = StatusDelivered
	m.mu.Unlock()

	m.log.Info("approval resolved",
		zap.String("request_id", id),
		zap.String("decision", string(decision)))
	m.publish(SubjectResolved, req)
	return nil
}

// CancelSession cancels every pending request for the session. Used
// when the agent process exits or is killed so no request is left
// dangling.
func (m *Manager) CancelSession(sessionID, reason string) int {
	m.mu.Lock()
	var cancelled []*Request
	for id := range m.bySession[sessionID] {
		req := m.byID[id]
		if req.Status != StatusPending {
			continue
		}
		req.Status = StatusCancelled
		req.Reason = reason
		req.ResolvedAt = time.Now().UTC()
		delete(m.byCorr, corrKey(req.SessionID, req.CorrelationID))
		cancelled = append(cancelled, req)
	}
	m.mu.Unlock()

	for _, req := range cancelled {
		m.log.Info("approval cancelled",
			zap.String("request_id", req.ID),
			zap.String("reason", reason))
		m.publish(SubjectResolved, req)
	}
	return len(cancelled)
}

func (m *Manager) publish(subject string, req *Request) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(subject, "approvals", map[string]any{
		"request_id":     req.ID,
		"session_id":     req.SessionID,
		"correlation_id": req.CorrelationID,
		"tool_name":      req.ToolName,
		"status":         string(req.Status),
		"decision":       string(req.Decision),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.eventBus.Publish(ctx, subject, event); err != nil {
		m.log.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func snapshot(req *Request) *Request {
	out := *req
	out.responder = nil
	return &out
}

func sortByCreation(reqs []*Request) {
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
