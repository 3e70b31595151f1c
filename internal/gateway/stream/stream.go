// Package stream is the catch-up transport: an SSE endpoint that
// replays a session's transcript and then follows live events until the
// turn ends or the client disconnects.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

var errStreamClosed = errors.New("stream closed")

// How long an active-only request waits for the session to appear.
const activeWaitWindow = 5 * time.Second

// Handler serves GET /sessions/:id/stream.
type Handler struct {
	registry    *session.Registry
	transcripts *transcript.Store
	logger      *logger.Logger
}

// NewHandler creates the SSE handler.
func NewHandler(registry *session.Registry, transcripts *transcript.Store, log *logger.Logger) *Handler {
	return &Handler{
		registry:    registry,
		transcripts: transcripts,
		logger:      log.WithFields(zap.String("component", "sse")),
	}
}

// HandleStream streams a session: full transcript replay first, then
// live events. With ?active=true the replay is skipped and the handler
// waits briefly for a live session instead of 404ing a racing client.
func (h *Handler) HandleStream(c *gin.Context) {
	sessionID := c.Param("id")
	activeOnly := c.Query("active") == "true"

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}

	if !activeOnly {
		lines, err := h.transcripts.Replay(sessionID)
		if err != nil {
			h.logger.Warn("transcript replay failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		for _, line := range lines {
			fmt.Fprintf(c.Writer, "data: %s\n\n", line)
		}
		flusher.Flush()
	}

	s := h.waitForSession(c, sessionID, activeOnly)
	if s == nil {
		// Replay-only: no live session to follow.
		fmt.Fprint(c.Writer, "event: end\ndata: {}\n\n")
		flusher.Flush()
		return
	}

	obs := newObserver()
	detach := s.Attach(obs)
	defer detach()

	h.logger.Debug("sse observer attached",
		zap.String("session_id", s.ID()), zap.Bool("active_only", activeOnly))

	for {
		select {
		case frame := <-obs.frames:
			_, _ = c.Writer.Write(frame)
			flusher.Flush()
		case <-obs.done:
			// Drain whatever was queued before the close.
			for {
				select {
				case frame := <-obs.frames:
					_, _ = c.Writer.Write(frame)
				default:
					fmt.Fprint(c.Writer, "event: end\ndata: {}\n\n")
					flusher.Flush()
					return
				}
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// waitForSession resolves the live session. Active-only requests poll
// within a short window: the client often races the submit-prompt that
// creates the session.
func (h *Handler) waitForSession(c *gin.Context, sessionID string, wait bool) *session.Session {
	if s, ok := h.registry.Resolve(sessionID); ok {
		return s
	}
	if !wait {
		return nil
	}
	deadline := time.Now().Add(activeWaitWindow)
	for time.Now().Before(deadline) {
		select {
		case <-c.Request.Context().Done():
			return nil
		case <-time.After(100 * time.Millisecond):
		}
		if s, ok := h.registry.Resolve(sessionID); ok {
			return s
		}
	}
	return nil
}

// observer buffers session events as SSE frames for a single stream.
type observer struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newObserver() *observer {
	return &observer{
		frames: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

// Emit implements session.Observer.
func (o *observer) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))

	select {
	case <-o.done:
		return errStreamClosed
	case o.frames <- frame:
	default:
		// A reader this far behind will not catch up.
		return errStreamClosed
	}

	if event == orchestrator.EventExit {
		o.Close()
	}
	return nil
}

// Close implements session.Observer.
func (o *observer) Close() {
	o.once.Do(func() { close(o.done) })
}
