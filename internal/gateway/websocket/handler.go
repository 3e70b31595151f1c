package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/proc"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/terminal"
	ws "github.com/agentdeck/agentdeck/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to localhost in typical deployments; origin
		// checks are left to a fronting proxy.
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	hub         *Hub
	registry    *session.Registry
	terminalCfg config.TerminalConfig
	reg         proc.Registrar
	logger      *logger.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, registry *session.Registry, terminalCfg config.TerminalConfig, reg proc.Registrar, log *logger.Logger) *Handler {
	return &Handler{
		hub:         hub,
		registry:    registry,
		terminalCfg: terminalCfg,
		reg:         reg,
		logger:      log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and handles messages
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, h.registry, func(sink terminal.Sink) *terminal.Pool {
		return terminal.NewPool(terminal.Options{
			KillGrace:      h.terminalCfg.KillGraceDuration(),
			BufferMaxBytes: int(h.terminalCfg.BufferMaxBytes),
		}, sink, h.reg, h.logger)
	}, h.logger)

	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// RegisterHealthHandler registers the health check handler
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.Register("health.check", func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "agentdeck",
		})
	})
}
