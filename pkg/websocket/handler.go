package websocket

import (
	"context"
	"sync"
)

// HandlerFunc processes one request message and returns the reply. A
// nil reply with a nil error means the handler had nothing to say.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Dispatcher routes request messages to the handler registered for
// their action. Handler failures and unknown actions are converted to
// error messages here, so transports never invent their own failure
// envelope. Registration and dispatch are safe to interleave.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to an action, replacing any previous one.
func (d *Dispatcher) Register(action string, handler HandlerFunc) {
	d.mu.Lock()
	d.handlers[action] = handler
	d.mu.Unlock()
}

// Dispatch routes one message. The returned message is nil only when
// the handler deliberately produced no reply.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) *Message {
	d.mu.RLock()
	handler, ok := d.handlers[msg.Action]
	d.mu.RUnlock()
	if !ok {
		return errorMessage(msg, ErrorCodeUnknownAction, "Unknown action: "+msg.Action)
	}
	resp, err := handler(ctx, msg)
	if err != nil {
		return errorMessage(msg, ErrorCodeInternalError, err.Error())
	}
	return resp
}

// HasHandler reports whether an action has a registered handler.
func (d *Dispatcher) HasHandler(action string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[action]
	return ok
}

func errorMessage(msg *Message, code, text string) *Message {
	out, err := NewError(msg.ID, msg.Action, code, text, nil)
	if err != nil {
		// ErrorPayload with nil details always marshals.
		return nil
	}
	return out
}
