package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/session"
	ws "github.com/agentdeck/agentdeck/pkg/websocket"
)

// Request payloads for client-bound actions.

type promptRequest struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
	Cwd       string `json:"cwd,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
}

type inputRequest struct {
	SessionID string  `json:"sessionId"`
	Confirmed *bool   `json:"confirmed,omitempty"`
	Value     *string `json:"value,omitempty"`
	Cancelled bool    `json:"cancelled,omitempty"`
}

type agentTerminateRequest struct {
	SessionID     string `json:"sessionId"`
	ResetIdentity bool   `json:"resetIdentity,omitempty"`
}

type attachRequest struct {
	SessionID string `json:"sessionId"`
}

type newTerminalRequest struct {
	Cwd string `json:"cwd,omitempty"`
}

type terminalWriteRequest struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

type terminalCommandRequest struct {
	Command    string `json:"command"`
	ContextURL string `json:"contextUrl,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
}

type terminalTerminateRequest struct {
	TerminalID string `json:"terminalId"`
}

// handleMessage routes one inbound message. Actions that need the
// client itself (observer attachment, the terminal pool) are handled
// here; the rest go through the shared dispatcher.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("Received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	switch msg.Action {
	case ws.ActionSubmitPrompt:
		c.handleSubmitPrompt(ctx, msg)
	case ws.ActionInput:
		c.handleInput(msg)
	case ws.ActionClaudeTerminate:
		c.handleAgentTerminate(msg)
	case ws.ActionSessionAttach:
		c.handleSessionAttach(msg)
	case ws.ActionTerminalNew:
		c.handleTerminalNew(msg)
	case ws.ActionTerminalWrite:
		c.handleTerminalWrite(msg)
	case ws.ActionTerminalCommand:
		c.handleTerminalCommand(msg)
	case ws.ActionTerminalTerminate:
		c.handleTerminalTerminate(msg)
	default:
		if response := c.hub.dispatcher.Dispatch(ctx, msg); response != nil {
			c.sendMessage(response)
		}
	}
}

// handleSubmitPrompt resolves (or creates) the session, attaches this
// client as an observer, and starts the turn.
func (c *Client) handleSubmitPrompt(ctx context.Context, msg *ws.Message) {
	var req promptRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}

	s, err := c.registry.Create(ctx, session.CreateParams{
		ID:         req.SessionID,
		WorkingDir: req.Cwd,
		Provider:   req.Provider,
		Model:      req.Model,
	})
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	c.attach(s)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"sessionId": s.ID(),
		"provider":  s.Provider(),
		"model":     s.Model(),
	})
	c.sendMessage(resp)

	// Errors surface as session events; the response above only
	// acknowledges receipt.
	s.Orchestrator().StartTurn(ctx, req.Prompt)
}

// handleInput answers a pending approval.
func (c *Client) handleInput(msg *ws.Message) {
	var req inputRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}

	s, ok := c.registry.Resolve(req.SessionID)
	if !ok {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Session not found: "+req.SessionID, nil)
		return
	}

	accepted := s.Orchestrator().SubmitApproval(orchestrator.ApprovalAnswer{
		Confirmed: req.Confirmed,
		Value:     req.Value,
		Cancelled: req.Cancelled,
	})
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"accepted": accepted,
	})
	c.sendMessage(resp)
}

// handleAgentTerminate kills the session's agent subprocess.
func (c *Client) handleAgentTerminate(msg *ws.Message) {
	var req agentTerminateRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}

	s, ok := c.registry.Resolve(req.SessionID)
	if !ok {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Session not found: "+req.SessionID, nil)
		return
	}

	s.Orchestrator().Terminate(req.ResetIdentity)
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
	})
	c.sendMessage(resp)
}

// handleSessionAttach joins this client to an existing session's
// observer set without starting a turn.
func (c *Client) handleSessionAttach(msg *ws.Message) {
	var req attachRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}

	s, ok := c.registry.Resolve(req.SessionID)
	if !ok {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Session not found: "+req.SessionID, nil)
		return
	}
	c.attach(s)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"sessionId": s.ID(),
		"state":     s.Orchestrator().State(),
		"turn":      s.Orchestrator().Turn(),
	})
	c.sendMessage(resp)
}

func (c *Client) handleTerminalNew(msg *ws.Message) {
	var req newTerminalRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}

	t, err := c.pool.NewInteractiveTerminal(req.Cwd)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"terminalId": t.ID(),
	})
	c.sendMessage(resp)
}

func (c *Client) handleTerminalWrite(msg *ws.Message) {
	var req terminalWriteRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}

	if err := c.pool.Write(req.TerminalID, []byte(req.Data)); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
		return
	}
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
	})
	c.sendMessage(resp)
}

func (c *Client) handleTerminalCommand(msg *ws.Message) {
	var req terminalCommandRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}

	t, err := c.pool.RunCommand(req.Command, req.ContextURL, req.Cwd)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"terminalId": t.ID(),
	})
	c.sendMessage(resp)
}

func (c *Client) handleTerminalTerminate(msg *ws.Message) {
	var req terminalTerminateRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		return
	}

	if err := c.pool.Terminate(req.TerminalID); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
		return
	}
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
	})
	c.sendMessage(resp)
}

// RegisterSessionHandlers wires the stateless session actions onto the
// shared dispatcher.
func RegisterSessionHandlers(d *ws.Dispatcher, registry *session.Registry) {
	d.Register(ws.ActionSessionList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		records, err := registry.List(ctx)
		if err != nil {
			return nil, err
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"sessions": records,
		})
	})

	d.Register(ws.ActionSessionRemove, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req attachRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}
		if err := registry.Remove(ctx, req.SessionID); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"success": true,
		})
	})
}
