package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/executor/logs"
)

func codexLine(t *testing.T, tr logs.RecordTranslator, tracker *logs.Tracker, line string) []logs.Patch {
	t.Helper()
	patches, err := tr(tracker, []byte(line))
	require.NoError(t, err)
	return patches
}

func TestCodexSessionConfigured(t *testing.T) {
	tr := newCodexTranslator()
	tracker := logs.NewTracker()

	patches := codexLine(t, tr, tracker,
		`{"id":"0","msg":{"type":"session_configured","session_id":"019768c5","model":"o4"}}`)

	require.Len(t, patches, 1)
	assert.Equal(t, "019768c5", patches[0].Entry.SessionIDMarker)
	assert.Equal(t, "o4", patches[0].Entry.Metadata["model"])
}

func TestCodexExecCommandLifecycle(t *testing.T) {
	tr := newCodexTranslator()
	tracker := logs.NewTracker()

	begin := codexLine(t, tr, tracker,
		`{"id":"1","msg":{"type":"exec_command_begin","call_id":"c1","command":["npm","test"]}}`)
	require.Len(t, begin, 1)
	assert.Equal(t, logs.KindCommandRun, begin[0].Entry.Kind)
	assert.Equal(t, "npm test", begin[0].Entry.Content)

	d1 := codexLine(t, tr, tracker,
		`{"id":"2","msg":{"type":"exec_command_output_delta","call_id":"c1","chunk":"> test\n"}}`)
	require.Len(t, d1, 1)
	assert.Equal(t, logs.OpUpdate, d1[0].Op)
	assert.Equal(t, begin[0].Index, d1[0].Index)
	assert.Equal(t, 1, d1[0].Entry.Revision)
	assert.Equal(t, "> test\n", d1[0].Entry.Metadata["output"])

	d2 := codexLine(t, tr, tracker,
		`{"id":"3","msg":{"type":"exec_command_output_delta","call_id":"c1","chunk":"ok\n"}}`)
	require.Len(t, d2, 1)
	assert.Equal(t, 2, d2[0].Entry.Revision)
	assert.Equal(t, "> test\nok\n", d2[0].Entry.Metadata["output"])

	end := codexLine(t, tr, tracker,
		`{"id":"4","msg":{"type":"exec_command_end","call_id":"c1","exit_code":0}}`)
	require.Len(t, end, 2)
	assert.Equal(t, logs.OpInsert, end[0].Op)
	assert.Equal(t, logs.KindCommandOutput, end[0].Entry.Kind)
	assert.Equal(t, "> test\nok\n", end[0].Entry.Content)
	assert.Equal(t, logs.OpFinalize, end[1].Op)
	assert.Equal(t, begin[0].Index, end[1].Index)
}

func TestCodexExecEndPrefersAggregatedOutput(t *testing.T) {
	tr := newCodexTranslator()
	tracker := logs.NewTracker()

	codexLine(t, tr, tracker,
		`{"msg":{"type":"exec_command_begin","call_id":"c2","command":["ls"]}}`)
	end := codexLine(t, tr, tracker,
		`{"msg":{"type":"exec_command_end","call_id":"c2","exit_code":1,"aggregated_output":"ls: boom"}}`)

	require.Len(t, end, 2)
	assert.Equal(t, "ls: boom", end[0].Entry.Content)
	assert.Equal(t, 1, end[0].Entry.Metadata["exit_code"])
}

func TestCodexDeltaForUnknownCall(t *testing.T) {
	tr := newCodexTranslator()

	_, err := tr(logs.NewTracker(), []byte(
		`{"msg":{"type":"exec_command_output_delta","call_id":"ghost","chunk":"x"}}`))
	assert.Error(t, err)
}

func TestCodexReasoningAndErrors(t *testing.T) {
	tr := newCodexTranslator()
	tracker := logs.NewTracker()

	msg := codexLine(t, tr, tracker, `{"msg":{"type":"agent_message","message":"done"}}`)
	require.Len(t, msg, 1)
	assert.Equal(t, logs.KindThought, msg[0].Entry.Kind)

	reasoning := codexLine(t, tr, tracker, `{"msg":{"type":"agent_reasoning","text":"checking deps"}}`)
	require.Len(t, reasoning, 1)
	assert.Equal(t, logs.KindThought, reasoning[0].Entry.Kind)
	assert.Equal(t, "reasoning", reasoning[0].Entry.Metadata["content_type"])

	failed := codexLine(t, tr, tracker, `{"msg":{"type":"error","message":"rate limited"}}`)
	require.Len(t, failed, 1)
	assert.Equal(t, logs.KindError, failed[0].Entry.Kind)
}

func TestCodexPatchApply(t *testing.T) {
	tr := newCodexTranslator()

	patches := codexLine(t, tr, logs.NewTracker(),
		`{"msg":{"type":"patch_apply_begin","changes":{"src/main.go":{}}}}`)
	require.Len(t, patches, 1)
	assert.Equal(t, logs.KindFileEdit, patches[0].Entry.Kind)
	assert.Equal(t, "src/main.go", patches[0].Entry.Content)

	multi := codexLine(t, tr, logs.NewTracker(),
		`{"msg":{"type":"turn_diff","changes":{"zz.go":{},"aa.go":{},"mm.go":{}}}}`)
	require.Len(t, multi, 1)
	assert.Equal(t, "aa.go, mm.go, zz.go", multi[0].Entry.Content)
}

func TestCodexIgnoresBookkeepingEvents(t *testing.T) {
	tr := newCodexTranslator()
	tracker := logs.NewTracker()

	patches := codexLine(t, tr, tracker, `{"msg":{"type":"token_count","input_tokens":512}}`)
	assert.Empty(t, patches)
	assert.Equal(t, 0, tracker.Count())
}

func TestCodexMalformedRecord(t *testing.T) {
	tr := newCodexTranslator()

	_, err := tr(logs.NewTracker(), []byte(`{"id":"1"}`))
	assert.Error(t, err, "missing msg payload")

	_, err = tr(logs.NewTracker(), []byte(`not json`))
	assert.Error(t, err)
}
