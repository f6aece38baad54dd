package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// PermissionHandler receives can_use_tool requests from the CLI. The
// handler (or something it delegates to) must eventually answer via
// RespondToPermission with the same request id.
type PermissionHandler func(requestID string, req *PermissionRequest)

// MessageHandler receives every non-control stdout line, parsed.
type MessageHandler func(msg *StreamMessage)

// maxLineSize bounds a single stream-json line. Tool results with large
// file contents can get big.
const maxLineSize = 10 * 1024 * 1024

// Client drives the stream-json protocol over a running CLI's stdio.
// Reads happen on a single goroutine started by Start; writes are
// serialized internally.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	log    *logger.Logger

	mu                sync.RWMutex
	permissionHandler PermissionHandler
	messageHandler    MessageHandler

	writeMu sync.Mutex

	// acks holds waiters for control requests we sent.
	acksMu sync.Mutex
	acks   map[string]chan *ControlAck

	done     chan struct{}
	stopOnce sync.Once
}

// NewClient wraps the CLI's stdio streams.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		log:    log.WithFields(zap.String("component", "claudecode")),
		acks:   make(map[string]chan *ControlAck),
		done:   make(chan struct{}),
	}
}

// OnPermissionRequest registers the permission handler.
func (c *Client) OnPermissionRequest(h PermissionHandler) {
	c.mu.Lock()
	c.permissionHandler = h
	c.mu.Unlock()
}

// OnMessage registers the stream message handler.
func (c *Client) OnMessage(h MessageHandler) {
	c.mu.Lock()
	c.messageHandler = h
	c.mu.Unlock()
}

// Start launches the read loop. It returns immediately; the loop ends
// when stdout reaches EOF, ctx is cancelled or Stop is called. Done
// reports loop termination.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop terminates the read loop.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Done is closed when the read loop has finished.
func (c *Client) Done() <-chan struct{} { return c.done }

// SendPrompt delivers a user prompt in streaming input mode.
func (c *Client) SendPrompt(content string) error {
	return c.send(NewUserMessage(content))
}

// RespondToPermission answers a can_use_tool request. Exactly one
// response per request id must be written; callers enforce that.
func (c *Client) RespondToPermission(requestID string, result *PermissionResult) error {
	return c.send(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &ControlResponse{Subtype: "success", Result: result},
	})
}

// RejectControlRequest answers a control request with a protocol error.
func (c *Client) RejectControlRequest(requestID, reason string) error {
	return c.send(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &ControlResponse{Subtype: "error", Error: reason},
	})
}

// Interrupt asks the CLI to stop its current turn and waits for the
// acknowledgement. The CLI keeps running and accepts further prompts.
func (c *Client) Interrupt(ctx context.Context, timeout time.Duration) error {
	requestID := uuid.New().String()
	ackCh := make(chan *ControlAck, 1)

	c.acksMu.Lock()
	c.acks[requestID] = ackCh
	c.acksMu.Unlock()
	defer func() {
		c.acksMu.Lock()
		delete(c.acks, requestID)
		c.acksMu.Unlock()
	}()

	req := &OutboundControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   ControlRequestBody{Subtype: SubtypeInterrupt},
	}
	if err := c.send(req); err != nil {
		return fmt.Errorf("send interrupt: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("interrupt not acknowledged after %v", timeout)
	case ack := <-ackCh:
		if ack.Error != "" {
			return fmt.Errorf("interrupt rejected: %s", ack.Error)
		}
		return nil
	}
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.Stop()

	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		c.log.Error("read loop failed", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg StreamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.log.Warn("unparseable stream line", zap.Error(err), zap.ByteString("line", line))
		return
	}

	switch {
	case msg.Type == MessageTypeControlRequest && msg.Request != nil:
		c.handlePermissionRequest(msg.RequestID, msg.Request)
	case msg.Type == MessageTypeControlResponse && msg.Response != nil:
		c.handleAck(msg.Response)
	default:
		c.mu.RLock()
		handler := c.messageHandler
		c.mu.RUnlock()
		if handler != nil {
			msg.Raw = append([]byte(nil), line...)
			handler(&msg)
		}
	}
}

func (c *Client) handlePermissionRequest(requestID string, req *PermissionRequest) {
	c.mu.RLock()
	handler := c.permissionHandler
	c.mu.RUnlock()

	if handler == nil {
		c.log.Warn("permission request with no handler registered",
			zap.String("request_id", requestID),
			zap.String("tool", req.ToolName))
		if err := c.RejectControlRequest(requestID, "no permission handler registered"); err != nil {
			c.log.Warn("failed to reject control request", zap.Error(err))
		}
		return
	}
	handler(requestID, req)
}

func (c *Client) handleAck(ack *ControlAck) {
	c.acksMu.Lock()
	ch, ok := c.acks[ack.RequestID]
	c.acksMu.Unlock()
	if !ok {
		c.log.Warn("control ack for unknown request", zap.String("request_id", ack.RequestID))
		return
	}
	select {
	case ch <- ack:
	default:
	}
}
