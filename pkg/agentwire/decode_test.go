package agentwire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSession(t *testing.T) {
	ev := Decode([]byte(`{"type":"session","session_id":"abc-123","cwd":"/tmp/project"}`))
	assert.Equal(t, KindSession, ev.Kind)
	assert.Equal(t, "abc-123", ev.SessionID)
	assert.Equal(t, "/tmp/project", ev.WorkingDir)
}

func TestDecodeTurnBoundaries(t *testing.T) {
	start := Decode([]byte(`{"type":"agent_start"}`))
	assert.Equal(t, KindAgentStart, start.Kind)

	end := Decode([]byte(`{"type":"agent_end","exit_code":2}`))
	assert.Equal(t, KindAgentEnd, end.Kind)
	assert.Equal(t, 2, end.ExitCode)
}

func TestDecodeUIRequest(t *testing.T) {
	line := []byte(`{"type":"extension_ui_request","id":"req-1","method":"confirm","request":{"question":"proceed?"}}`)
	ev := Decode(line)
	require.Equal(t, KindUIRequest, ev.Kind)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, MethodConfirm, ev.Method)
	assert.JSONEq(t, `{"question":"proceed?"}`, string(ev.Request))
}

func TestDecodeError(t *testing.T) {
	ev := Decode([]byte(`{"type":"extension_error","id":"req-9","message":"tool failed"}`))
	assert.Equal(t, KindError, ev.Kind)
	assert.Equal(t, "tool failed", ev.Message)
}

func TestDecodeUnknownTypeIsPassthrough(t *testing.T) {
	line := []byte(`{"type":"usage_report","tokens":991}`)
	ev := Decode(line)
	assert.Equal(t, KindPassthrough, ev.Kind)
	assert.Equal(t, line, ev.Raw)
}

func TestDecodeSalvagesNoisyPrefix(t *testing.T) {
	line := []byte("\x1b[2K\rsome progress junk {\"type\":\"agent_start\"}")
	ev := Decode(line)
	require.Equal(t, KindAgentStart, ev.Kind)
	// Raw holds only the salvaged record so transcripts stay valid JSONL.
	assert.JSONEq(t, `{"type":"agent_start"}`, string(ev.Raw))
}

func TestDecodeRawTextNeverErrors(t *testing.T) {
	for _, line := range []string{
		"plain log output",
		"{not json at all",
		`{"missing_type_field":true}`,
		"",
	} {
		ev := Decode([]byte(line))
		assert.Equal(t, KindRawText, ev.Kind, "input: %q", line)
		assert.Equal(t, line, string(ev.Raw))
	}
}

func TestEncodeAppendsNewline(t *testing.T) {
	data, err := Encode(NewPromptCommand("hello"))
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])

	var cmd PromptCommand
	require.NoError(t, json.Unmarshal(data, &cmd))
	assert.Equal(t, "prompt", cmd.Type)
	assert.Equal(t, "hello", cmd.Message)
}

func TestUIResponseShapes(t *testing.T) {
	confirm, err := json.Marshal(NewConfirmResponse("r1", true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"extension_ui_response","id":"r1","confirmed":true}`, string(confirm))

	value, err := json.Marshal(NewValueResponse("r2", "option-b"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"extension_ui_response","id":"r2","value":"option-b"}`, string(value))

	cancel, err := json.Marshal(NewCancelResponse("r3"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"extension_ui_response","id":"r3","cancelled":true}`, string(cancel))
}
