// Package agentwire provides types and decoding for the line-delimited JSON
// protocol spoken by the external agent CLI over stdin/stdout. One JSON
// object per line in both directions.
package agentwire

import "encoding/json"

// Record types from the agent's stdout. The type field discriminates.
const (
	// TypeSession announces the agent-assigned session identity
	TypeSession = "session"
	// TypeAgentStart marks the start of a turn
	TypeAgentStart = "agent_start"
	// TypeAgentEnd marks the completion of a turn
	TypeAgentEnd = "agent_end"
	// TypeUIRequest asks for a human decision before the agent continues
	TypeUIRequest = "extension_ui_request"
	// TypeResponse acknowledges a request the backend sent
	TypeResponse = "response"
	// TypeError reports a failed request
	TypeError = "extension_error"
)

// Approval methods that require a client answer. Other UI request
// methods are fire-and-forget notifications.
const (
	MethodSelect  = "select"
	MethodConfirm = "confirm"
)

// Kind is the closed classification of a decoded line.
type Kind int

const (
	// KindRawText is a line that is not a protocol record at all.
	KindRawText Kind = iota
	KindSession
	KindAgentStart
	KindAgentEnd
	KindUIRequest
	KindResponse
	KindError
	// KindPassthrough is a well-formed record with an unrecognized type,
	// forwarded verbatim for forward compatibility.
	KindPassthrough
)

// Event is one decoded line from the agent. Raw always holds the exact
// bytes that should be forwarded or persisted; the typed fields are
// populated according to Kind.
type Event struct {
	Kind Kind
	Raw  []byte

	// Type is the record discriminant ("" for KindRawText).
	Type string

	// For KindSession
	SessionID  string
	WorkingDir string

	// For KindUIRequest
	RequestID string
	Method    string
	Request   json.RawMessage

	// For KindError
	Message string

	// For KindAgentEnd / KindError
	ExitCode int
}

// envelope is the superset of fields any inbound record may carry.
type envelope struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	WorkingDir string          `json:"cwd,omitempty"`
	ID         string          `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Request    json.RawMessage `json:"request,omitempty"`
	Message    string          `json:"message,omitempty"`
	ExitCode   int             `json:"exit_code,omitempty"`
}

// PromptCommand starts a turn.
type PromptCommand struct {
	Type    string `json:"type"` // "prompt"
	Message string `json:"message"`
}

// NewPromptCommand builds a prompt command.
func NewPromptCommand(message string) PromptCommand {
	return PromptCommand{Type: "prompt", Message: message}
}

// UIResponse answers an extension UI request.
type UIResponse struct {
	Type      string  `json:"type"` // "extension_ui_response"
	ID        string  `json:"id"`
	Confirmed *bool   `json:"confirmed,omitempty"`
	Value     *string `json:"value,omitempty"`
	Cancelled *bool   `json:"cancelled,omitempty"`
}

// NewConfirmResponse answers a confirm-class request.
func NewConfirmResponse(id string, confirmed bool) UIResponse {
	return UIResponse{Type: "extension_ui_response", ID: id, Confirmed: &confirmed}
}

// NewValueResponse answers a select-class request.
func NewValueResponse(id, value string) UIResponse {
	return UIResponse{Type: "extension_ui_response", ID: id, Value: &value}
}

// NewCancelResponse cancels a pending request.
func NewCancelResponse(id string) UIResponse {
	t := true
	return UIResponse{Type: "extension_ui_response", ID: id, Cancelled: &t}
}

// Encode marshals an outbound command and appends the newline frame.
func Encode(cmd any) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
