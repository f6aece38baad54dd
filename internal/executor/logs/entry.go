// Package logs converts raw agent output into normalized, UI-renderable
// entries and incremental patches against a session's entry sequence.
package logs

import "time"

// EntryKind identifies the renderable type of a normalized entry.
type EntryKind string

const (
	KindThought       EntryKind = "thought"
	KindCommandRun    EntryKind = "command_run"
	KindCommandOutput EntryKind = "command_output"
	KindFileEdit      EntryKind = "file_edit"
	KindSearch        EntryKind = "search"
	KindToolUse       EntryKind = "tool_use"
	KindError         EntryKind = "error"
	KindRaw           EntryKind = "raw"
)

// NormalizedEntry is one UI-visible unit derived from agent output.
type NormalizedEntry struct {
	Kind      EntryKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content,omitempty"`

	// ToolName is set for tool_use, file_edit and search entries.
	ToolName string `json:"tool_name,omitempty"`

	// CorrelationID ties streamed updates and approval requests back to
	// the entry they concern. Empty for entries that never grow.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Revision increases by one on every update to this entry so
	// consumers can merge by entry identity rather than position.
	Revision int `json:"revision,omitempty"`

	// SessionIDMarker carries the agent-native session identifier when
	// this entry revealed it. Consumed by the session manager.
	SessionIDMarker string `json:"session_id_marker,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// PatchOp identifies the kind of delta a Patch applies.
type PatchOp string

const (
	// OpInsert appends a new entry at Index.
	OpInsert PatchOp = "insert"
	// OpUpdate replaces the non-zero fields of the entry at Index.
	OpUpdate PatchOp = "update"
	// OpFinalize marks the entry at Index as complete.
	OpFinalize PatchOp = "finalize"
	// OpExit is the terminal patch recording the process exit status.
	OpExit PatchOp = "exit"
)

// ExitStatus is the payload of the terminal patch.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Failed bool   `json:"failed,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Success reports whether the run finished cleanly.
func (s ExitStatus) Success() bool {
	return !s.Failed && s.Code == 0 && s.Signal == ""
}

// Patch is an ordered delta against a session's entry sequence. Seq is
// assigned by the message store at append time and is the sole source of
// truth for ordering.
type Patch struct {
	Seq   uint64           `json:"seq"`
	Op    PatchOp          `json:"op"`
	Index int              `json:"index"`
	Entry *NormalizedEntry `json:"entry,omitempty"`
	Exit  *ExitStatus      `json:"exit,omitempty"`
}

// Insert builds an insert patch for a new entry at index.
func Insert(index int, entry *NormalizedEntry) Patch {
	return Patch{Op: OpInsert, Index: index, Entry: entry}
}

// Update builds a partial-update patch against an existing entry.
func Update(index int, entry *NormalizedEntry) Patch {
	return Patch{Op: OpUpdate, Index: index, Entry: entry}
}

// Finalize builds a patch marking the entry at index as complete.
func Finalize(index int) Patch {
	return Patch{Op: OpFinalize, Index: index}
}

// Exit builds the terminal patch for a session run.
func Exit(status ExitStatus) Patch {
	return Patch{Op: OpExit, Exit: &status}
}

// Apply folds a patch into an entry list, returning the updated list.
// Used for replaying a patch log into the entry sequence it describes.
// The caller is responsible for ordering; Apply assumes patches arrive
// in append order.
func Apply(entries []NormalizedEntry, p Patch) []NormalizedEntry {
	switch p.Op {
	case OpInsert:
		if p.Entry != nil {
			entries = append(entries, *p.Entry)
		}
	case OpUpdate:
		if p.Entry != nil && p.Index >= 0 && p.Index < len(entries) {
			entries[p.Index] = merged(entries[p.Index], *p.Entry)
		}
	case OpFinalize, OpExit:
		// No entry mutation; finalize and exit are consumer signals.
	}
	return entries
}

// merged overlays the non-zero fields of update onto base.
func merged(base, update NormalizedEntry) NormalizedEntry {
	if update.Kind != "" {
		base.Kind = update.Kind
	}
	if !update.Timestamp.IsZero() {
		base.Timestamp = update.Timestamp
	}
	if update.Content != "" {
		base.Content = update.Content
	}
	if update.ToolName != "" {
		base.ToolName = update.ToolName
	}
	if update.CorrelationID != "" {
		base.CorrelationID = update.CorrelationID
	}
	if update.Revision > base.Revision {
		base.Revision = update.Revision
	}
	if update.SessionIDMarker != "" {
		base.SessionIDMarker = update.SessionIDMarker
	}
	if update.Metadata != nil {
		base.Metadata = update.Metadata
	}
	return base
}
