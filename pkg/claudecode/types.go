// Package claudecode speaks the Claude Code CLI stream-json protocol:
// newline-delimited JSON over stdin/stdout, with control requests for
// tool permissions flowing against the output direction.
package claudecode

import "encoding/json"

// Message types appearing on the wire.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Tool names the CLI asks permission for.
const (
	ToolBash      = "Bash"
	ToolWrite     = "Write"
	ToolEdit      = "Edit"
	ToolRead      = "Read"
	ToolGlob      = "Glob"
	ToolGrep      = "Grep"
	ToolTask      = "Task"
	ToolWebFetch  = "WebFetch"
	ToolWebSearch = "WebSearch"
)

// StreamMessage is one line of CLI stdout. Type selects which fields
// are meaningful.
type StreamMessage struct {
	Type string `json:"type"`

	// control_request fields.
	RequestID string             `json:"request_id,omitempty"`
	Request   *PermissionRequest `json:"request,omitempty"`

	// control_response carries acknowledgements for requests we sent.
	Response *ControlAck `json:"response,omitempty"`

	// system message fields.
	SessionID string `json:"session_id,omitempty"`
	Subtype   string `json:"subtype,omitempty"`
	Model     string `json:"model,omitempty"`

	// assistant message payload.
	Message *AssistantMessage `json:"message,omitempty"`

	// result message fields. Result is either a plain string or a
	// structured object depending on the run outcome.
	Result       json.RawMessage `json:"result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	Usage        *Usage          `json:"usage,omitempty"`

	// Raw is the unparsed line, retained for downstream normalizers.
	Raw json.RawMessage `json:"-"`
}

// ResultText returns the result payload as a plain string, or "" when
// the result is absent or structured.
func (m *StreamMessage) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// AssistantMessage is the content payload of an assistant line.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one chunk of assistant content. Type is "text",
// "thinking", "tool_use" or "tool_result".
type ContentBlock struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use fields.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result fields.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage carries token accounting.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// PermissionRequest is the body of a can_use_tool control request.
type PermissionRequest struct {
	Subtype string `json:"subtype"`

	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// PermissionUpdate is a rule the CLI may remember for future requests.
type PermissionUpdate struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern,omitempty"`
	Allow   bool   `json:"allow"`
}

// PermissionResult is our verdict on a can_use_tool request.
type PermissionResult struct {
	// Behavior is BehaviorAllow or BehaviorDeny.
	Behavior string `json:"behavior"`

	// UpdatedInput lets the approver rewrite the tool input on allow.
	UpdatedInput any `json:"updatedInput,omitempty"`

	// UpdatedPermissions installs rules for future requests.
	UpdatedPermissions []PermissionUpdate `json:"updatedPermissions,omitempty"`

	// Message is feedback shown to the model, typically on deny.
	Message string `json:"message,omitempty"`

	// Interrupt stops the current turn after a deny.
	Interrupt *bool `json:"interrupt,omitempty"`
}

// Allow is a plain allow verdict.
func Allow() *PermissionResult {
	return &PermissionResult{Behavior: BehaviorAllow}
}

// Deny is a deny verdict with feedback for the model.
func Deny(message string) *PermissionResult {
	return &PermissionResult{Behavior: BehaviorDeny, Message: message}
}

// ControlResponseMessage answers a control request from the CLI.
type ControlResponseMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response.
type ControlResponse struct {
	// Subtype is "success" or "error".
	Subtype string `json:"subtype"`

	Result *PermissionResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// ControlAck is the CLI's acknowledgement of a control request we sent,
// for example an interrupt.
type ControlAck struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// OutboundControlRequest is a control request we send to the CLI.
type OutboundControlRequest struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody selects the control operation.
type ControlRequestBody struct {
	Subtype string `json:"subtype"`
	// Mode is set for set_permission_mode requests.
	Mode string `json:"mode,omitempty"`
}

// UserMessage delivers a prompt to the CLI in streaming input mode.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the prompt content.
type UserMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage wraps a prompt for the wire.
func NewUserMessage(content string) *UserMessage {
	return &UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	}
}
