package websocket

// Action constants for WebSocket messages. The hyphenated names are the
// wire protocol spoken by existing clients and must not change.
const (
	// Agent actions (client -> server)
	ActionSubmitPrompt    = "submit-prompt"
	ActionInput           = "input"
	ActionClaudeTerminate = "claude-terminate"

	// Terminal actions (client -> server)
	ActionTerminalNew       = "run-render-new-terminal"
	ActionTerminalWrite     = "run-render-write"
	ActionTerminalCommand   = "run-render-command"
	ActionTerminalTerminate = "run-render-terminate"

	// Session actions (client -> server)
	ActionSessionAttach = "session-attach"
	ActionSessionList   = "session-list"
	ActionSessionRemove = "session-remove"

	// Agent notifications (server -> client)
	ActionClaudeStarted   = "claude-started"
	ActionOutput          = "output"
	ActionApprovalRequest = "approval-request"
	ActionExit            = "exit"
	ActionError           = "error"

	// Terminal notifications (server -> client)
	ActionTerminalStarted = "run-render-started"
	ActionTerminalStdout  = "run-render-stdout"
	ActionTerminalStderr  = "run-render-stderr"
	ActionTerminalExit    = "run-render-exit"
	ActionTerminalResult  = "run-render-result"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
