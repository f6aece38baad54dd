package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/internal/executor/logs"
)

// codexEvent is one line of codex --json output. The payload lives
// under msg, discriminated by its type field.
type codexEvent struct {
	ID  string          `json:"id,omitempty"`
	Msg json.RawMessage `json:"msg"`
}

type codexMsg struct {
	Type string `json:"type"`

	// session_configured
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// agent_message / agent_reasoning / error
	Message string `json:"message,omitempty"`
	Text    string `json:"text,omitempty"`

	// exec_command_*
	CallID           string   `json:"call_id,omitempty"`
	Command          []string `json:"command,omitempty"`
	Chunk            string   `json:"chunk,omitempty"`
	ExitCode         *int     `json:"exit_code,omitempty"`
	AggregatedOutput string   `json:"aggregated_output,omitempty"`

	// patch_apply_begin
	Changes map[string]json.RawMessage `json:"changes,omitempty"`
}

// newCodexTranslator returns a RecordTranslator for codex JSONL. Output
// deltas for a running command update the same entry in place, keyed by
// the command's call id.
func newCodexTranslator() logs.RecordTranslator {
	// Accumulated streaming output per call id.
	output := make(map[string]*strings.Builder)
	now := time.Now

	return func(tracker *logs.Tracker, record []byte) ([]logs.Patch, error) {
		var event codexEvent
		if err := json.Unmarshal(record, &event); err != nil {
			return nil, err
		}
		if len(event.Msg) == 0 {
			return nil, fmt.Errorf("record has no msg payload")
		}
		var msg codexMsg
		if err := json.Unmarshal(event.Msg, &msg); err != nil {
			return nil, err
		}

		switch msg.Type {
		case "session_configured":
			entry := &logs.NormalizedEntry{
				Kind:            logs.KindRaw,
				Timestamp:       now().UTC(),
				Content:         "session started",
				SessionIDMarker: msg.SessionID,
			}
			if msg.Model != "" {
				entry.Metadata = map[string]any{"model": msg.Model}
			}
			return []logs.Patch{tracker.Insert(entry)}, nil

		case "agent_message":
			return []logs.Patch{tracker.Insert(&logs.NormalizedEntry{
				Kind:      logs.KindThought,
				Timestamp: now().UTC(),
				Content:   firstNonEmpty(msg.Message, msg.Text),
			})}, nil

		case "agent_reasoning":
			return []logs.Patch{tracker.Insert(&logs.NormalizedEntry{
				Kind:      logs.KindThought,
				Timestamp: now().UTC(),
				Content:   firstNonEmpty(msg.Text, msg.Message),
				Metadata:  map[string]any{"content_type": "reasoning"},
			})}, nil

		case "exec_command_begin":
			output[msg.CallID] = &strings.Builder{}
			return []logs.Patch{tracker.Insert(&logs.NormalizedEntry{
				Kind:          logs.KindCommandRun,
				Timestamp:     now().UTC(),
				Content:       strings.Join(msg.Command, " "),
				CorrelationID: msg.CallID,
			})}, nil

		case "exec_command_output_delta":
			buf, ok := output[msg.CallID]
			if !ok {
				return nil, fmt.Errorf("output delta for unknown call %q", msg.CallID)
			}
			buf.WriteString(msg.Chunk)
			p, ok := tracker.Update(msg.CallID, &logs.NormalizedEntry{
				Metadata: map[string]any{"output": buf.String()},
			})
			if !ok {
				return nil, fmt.Errorf("output delta for unknown call %q", msg.CallID)
			}
			return []logs.Patch{p}, nil

		case "exec_command_end":
			var patches []logs.Patch
			content := msg.AggregatedOutput
			if content == "" {
				if buf, ok := output[msg.CallID]; ok {
					content = buf.String()
				}
			}
			delete(output, msg.CallID)
			if content != "" {
				entry := &logs.NormalizedEntry{
					Kind:      logs.KindCommandOutput,
					Timestamp: now().UTC(),
					Content:   content,
				}
				if msg.ExitCode != nil && *msg.ExitCode != 0 {
					entry.Metadata = map[string]any{"exit_code": *msg.ExitCode}
				}
				patches = append(patches, tracker.Insert(entry))
			}
			if p, ok := tracker.Finalize(msg.CallID); ok {
				patches = append(patches, p)
			}
			return patches, nil

		case "patch_apply_begin", "turn_diff":
			files := make([]string, 0, len(msg.Changes))
			for path := range msg.Changes {
				files = append(files, path)
			}
			sort.Strings(files)
			return []logs.Patch{tracker.Insert(&logs.NormalizedEntry{
				Kind:      logs.KindFileEdit,
				Timestamp: now().UTC(),
				Content:   strings.Join(files, ", "),
			})}, nil

		case "error":
			return []logs.Patch{tracker.Insert(&logs.NormalizedEntry{
				Kind:      logs.KindError,
				Timestamp: now().UTC(),
				Content:   firstNonEmpty(msg.Message, msg.Text),
			})}, nil

		default:
			// Heartbeats, token counts and other bookkeeping events
			// carry nothing renderable.
			return nil, nil
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
