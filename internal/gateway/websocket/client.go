package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/proc"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/terminal"
	ws "github.com/agentdeck/agentdeck/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

var errClientGone = errors.New("client connection is gone")

// Client represents a single WebSocket connection. It doubles as the
// session observer and the terminal sink for everything this client
// attached to or spawned.
type Client struct {
	ID       string
	conn     *websocket.Conn
	hub      *Hub
	registry *session.Registry
	pool     *terminal.Pool
	send     chan []byte
	logger   *logger.Logger

	mu          sync.Mutex
	closed      bool
	attachments map[*session.Session]func()

	closeOnce sync.Once
}

// NewClient creates a new WebSocket client. The terminal pool is built
// through the factory so the client can be its own sink.
func NewClient(id string, conn *websocket.Conn, hub *Hub, registry *session.Registry, newPool func(terminal.Sink) *terminal.Pool, log *logger.Logger) *Client {
	c := &Client{
		ID:          id,
		conn:        conn,
		hub:         hub,
		registry:    registry,
		send:        make(chan []byte, 256),
		attachments: make(map[*session.Session]func()),
		logger:      log.WithFields(zap.String("client_id", id)),
	}
	c.pool = newPool(c)
	return c
}

// ReadPump pumps messages from the WebSocket connection to the handlers.
// When it returns, the client's sessions are detached and its terminals
// torn down: terminals never outlive their connection.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.detachAll()
		c.pool.Cleanup()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("Failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// WritePump pumps messages from the send channel to the connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Emit implements session.Observer: session events become notifications.
func (c *Client) Emit(event string, payload any) error {
	msg, err := ws.NewNotification(event, payload)
	if err != nil {
		return err
	}
	return c.trySend(msg)
}

// Close implements session.Observer. Closing the connection unwinds the
// read pump, which detaches everything.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// TerminalStarted implements terminal.Sink.
func (c *Client) TerminalStarted(terminalID string, pid int, singleCommand bool) {
	c.notify(ws.ActionTerminalStarted, map[string]interface{}{
		"terminalId":      terminalID,
		"pid":             pid,
		"isSingleCommand": singleCommand,
	})
}

// TerminalOutput implements terminal.Sink.
func (c *Client) TerminalOutput(terminalID string, stream proc.Stream, line []byte) {
	action := ws.ActionTerminalStdout
	if stream == proc.StreamStderr {
		action = ws.ActionTerminalStderr
	}
	c.notify(action, map[string]interface{}{
		"terminalId": terminalID,
		"data":       string(line),
	})
}

// TerminalExit implements terminal.Sink.
func (c *Client) TerminalExit(terminalID string, exitCode int) {
	c.notify(ws.ActionTerminalExit, map[string]interface{}{
		"terminalId": terminalID,
		"exitCode":   exitCode,
	})
}

// TerminalResult implements terminal.Sink.
func (c *Client) TerminalResult(terminalID string, result terminal.Result) {
	c.notify(ws.ActionTerminalResult, result)
}

// attach registers this client as an observer of the session, once.
func (c *Client) attach(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.attachments[s]; ok {
		return
	}
	c.attachments[s] = s.Attach(c)
}

func (c *Client) detachAll() {
	c.mu.Lock()
	detaches := make([]func(), 0, len(c.attachments))
	for _, detach := range c.attachments {
		detaches = append(detaches, detach)
	}
	c.attachments = make(map[*session.Session]func())
	c.mu.Unlock()

	for _, detach := range detaches {
		detach()
	}
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Client) notify(action string, payload interface{}) {
	msg, err := ws.NewNotification(action, payload)
	if err != nil {
		c.logger.Error("Failed to create notification", zap.Error(err))
		return
	}
	if err := c.trySend(msg); err != nil {
		c.logger.Debug("Dropped notification", zap.String("action", action))
	}
}

func (c *Client) sendMessage(msg *ws.Message) {
	if err := c.trySend(msg); err != nil {
		c.logger.Warn("Client send buffer full")
	}
}

func (c *Client) trySend(msg *ws.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientGone
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errClientGone
	}
}

func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}
