package session

// Observer receives a session's client-facing events. Implementations
// are transport-specific: a websocket client, an SSE stream, or a test
// recorder. Emit must be safe for concurrent use.
type Observer interface {
	// Emit delivers one event. An error marks the observer dead; the
	// session detaches and closes it.
	Emit(event string, payload any) error

	// Close releases the observer. Called at most once by the session.
	Close()
}
