package executor

import (
	"fmt"
	"time"

	"github.com/agentdeck/agentdeck/internal/executor/approvals"
	"github.com/agentdeck/agentdeck/internal/executor/logs"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// claudeTranslator converts parsed stream-json messages into patches.
// Tool invocations are correlated by their block id so tool results can
// finalize them later.
type claudeTranslator struct {
	tracker *logs.Tracker
	now     func() time.Time
}

func newClaudeTranslator(tracker *logs.Tracker) *claudeTranslator {
	return &claudeTranslator{tracker: tracker, now: time.Now}
}

func (t *claudeTranslator) translate(msg *claudecode.StreamMessage) []logs.Patch {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		return t.translateSystem(msg)
	case claudecode.MessageTypeAssistant:
		return t.translateAssistant(msg)
	case claudecode.MessageTypeUser:
		return t.translateUser(msg)
	case claudecode.MessageTypeResult:
		return t.translateResult(msg)
	default:
		return nil
	}
}

func (t *claudeTranslator) translateSystem(msg *claudecode.StreamMessage) []logs.Patch {
	if msg.SessionID == "" {
		return nil
	}
	entry := &logs.NormalizedEntry{
		Kind:            logs.KindRaw,
		Timestamp:       t.now().UTC(),
		Content:         "session started",
		SessionIDMarker: msg.SessionID,
	}
	if msg.Model != "" {
		entry.Metadata = map[string]any{"model": msg.Model}
	}
	return []logs.Patch{t.tracker.Insert(entry)}
}

func (t *claudeTranslator) translateAssistant(msg *claudecode.StreamMessage) []logs.Patch {
	if msg.Message == nil {
		return nil
	}
	var patches []logs.Patch
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			patches = append(patches, t.tracker.Insert(&logs.NormalizedEntry{
				Kind:      logs.KindThought,
				Timestamp: t.now().UTC(),
				Content:   block.Text,
			}))
		case "thinking":
			patches = append(patches, t.tracker.Insert(&logs.NormalizedEntry{
				Kind:      logs.KindThought,
				Timestamp: t.now().UTC(),
				Content:   block.Thinking,
				Metadata:  map[string]any{"content_type": "thinking"},
			}))
		case "tool_use":
			patches = append(patches, t.tracker.Insert(t.toolUseEntry(block)))
		}
	}
	return patches
}

// toolUseEntry maps a tool invocation to the entry kind a UI renders
// it as.
func (t *claudeTranslator) toolUseEntry(block claudecode.ContentBlock) *logs.NormalizedEntry {
	entry := &logs.NormalizedEntry{
		Timestamp:     t.now().UTC(),
		ToolName:      block.Name,
		CorrelationID: block.ID,
	}
	switch block.Name {
	case claudecode.ToolBash:
		entry.Kind = logs.KindCommandRun
		entry.Content, _ = block.Input["command"].(string)
	case claudecode.ToolWrite, claudecode.ToolEdit, "NotebookEdit", "MultiEdit":
		entry.Kind = logs.KindFileEdit
		entry.Content, _ = block.Input["file_path"].(string)
	case claudecode.ToolGlob, claudecode.ToolGrep:
		entry.Kind = logs.KindSearch
		if pattern, ok := block.Input["pattern"].(string); ok {
			entry.Content = pattern
		}
	default:
		entry.Kind = logs.KindToolUse
		entry.Content = block.Name
	}
	return entry
}

// translateUser handles tool results, which the CLI echoes back as
// user-role messages.
func (t *claudeTranslator) translateUser(msg *claudecode.StreamMessage) []logs.Patch {
	if msg.Message == nil {
		return nil
	}
	var patches []logs.Patch
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" || block.ToolUseID == "" {
			continue
		}
		if block.Content != "" {
			entry := &logs.NormalizedEntry{
				Kind:      logs.KindCommandOutput,
				Timestamp: t.now().UTC(),
				Content:   block.Content,
			}
			if block.IsError {
				entry.Kind = logs.KindError
			}
			patches = append(patches, t.tracker.Insert(entry))
		}
		if p, ok := t.tracker.Finalize(block.ToolUseID); ok {
			patches = append(patches, p)
		}
	}
	return patches
}

func (t *claudeTranslator) translateResult(msg *claudecode.StreamMessage) []logs.Patch {
	if !msg.IsError {
		return nil
	}
	content := msg.ResultText()
	if content == "" {
		content = "run failed"
	}
	return []logs.Patch{t.tracker.Insert(&logs.NormalizedEntry{
		Kind:      logs.KindError,
		Timestamp: t.now().UTC(),
		Content:   content,
		Metadata:  map[string]any{"num_turns": msg.NumTurns},
	})}
}

// decisionToPermission maps an approval verdict to the wire result.
func decisionToPermission(decision approvals.Decision, reason string, updatedInput map[string]any) (*claudecode.PermissionResult, error) {
	switch decision {
	case approvals.DecisionApproved:
		return claudecode.Allow(), nil
	case approvals.DecisionApprovedWithEdits:
		result := claudecode.Allow()
		result.UpdatedInput = updatedInput
		return result, nil
	case approvals.DecisionDenied:
		if reason == "" {
			reason = "denied by operator"
		}
		return claudecode.Deny(reason), nil
	default:
		return nil, fmt.Errorf("unmapped decision %q", decision)
	}
}
