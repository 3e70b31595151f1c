package orchestrator

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/proc"
	"github.com/agentdeck/agentdeck/pkg/agentwire"
)

var errNoProcess = errors.New("agent process is not running")

// rawRecord wraps non-protocol output so transcripts stay one JSON
// object per line.
type rawRecord struct {
	Type   string `json:"type"` // "raw"
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// handleLine is the single entry point for agent output. It runs on the
// child's reader goroutines, so per-stream ordering is inherited from
// the process.
func (o *Orchestrator) handleLine(stream proc.Stream, line []byte) {
	if stream == proc.StreamStderr {
		o.forwardRaw(stream, line)
		return
	}

	ev := agentwire.Decode(line)
	switch ev.Kind {
	case agentwire.KindRawText:
		o.forwardRaw(stream, line)

	case agentwire.KindSession:
		o.persist(ev.Raw)
		o.emit(EventOutput, json.RawMessage(ev.Raw))
		if o.hooks.OnIdentity != nil && ev.SessionID != "" {
			o.hooks.OnIdentity(ev.SessionID, ev.WorkingDir)
		}

	case agentwire.KindAgentStart:
		o.handleAgentStart(ev)

	case agentwire.KindAgentEnd:
		o.handleAgentEnd(ev)

	case agentwire.KindUIRequest:
		o.handleUIRequest(ev)

	case agentwire.KindError:
		o.handleError(ev)

	case agentwire.KindResponse, agentwire.KindPassthrough:
		// Acks and unknown-but-well-formed records flow through untouched.
		o.persist(ev.Raw)
		o.emit(EventOutput, json.RawMessage(ev.Raw))
	}
}

func (o *Orchestrator) handleAgentStart(ev agentwire.Event) {
	o.mu.Lock()
	o.state = StateRunning
	turn := o.turnSeq
	onStarted := o.hooks.OnTurnStarted
	o.mu.Unlock()

	o.persist(ev.Raw)
	o.emit(EventStarted, map[string]any{"turn": turn})
	o.emit(EventOutput, json.RawMessage(ev.Raw))
	if onStarted != nil {
		onStarted(turn)
	}
}

func (o *Orchestrator) handleAgentEnd(ev agentwire.Event) {
	o.persist(ev.Raw)
	o.emit(EventOutput, json.RawMessage(ev.Raw))

	o.mu.Lock()
	defer o.mu.Unlock()
	// Duplicate end records must not double-complete the turn.
	if !o.turnActive {
		return
	}
	o.state = StateCompleting
	o.endTurnLocked(ev.ExitCode)
}

func (o *Orchestrator) handleUIRequest(ev agentwire.Event) {
	if ev.Method != agentwire.MethodConfirm && ev.Method != agentwire.MethodSelect {
		// Notification-class UI requests need no answer.
		o.persist(ev.Raw)
		o.emit(EventOutput, json.RawMessage(ev.Raw))
		return
	}

	o.mu.Lock()

	if ev.Method == agentwire.MethodConfirm && o.cfg.AutoApprove {
		// Answered inline; the client never sees an approval prompt.
		if err := o.writeLocked(agentwire.NewConfirmResponse(ev.RequestID, true)); err != nil {
			o.logger.Error("auto-approve answer failed", zap.Error(err))
		}
		o.mu.Unlock()
		o.persist(ev.Raw)
		return
	}

	if o.pending != nil {
		// A second approval while one is outstanding is an agent bug;
		// cancel the newer request rather than silently dropping either.
		o.logger.Warn("approval request while another is pending",
			zap.String("pending_id", o.pending.RequestID),
			zap.String("rejected_id", ev.RequestID))
		if err := o.writeLocked(agentwire.NewCancelResponse(ev.RequestID)); err != nil {
			o.logger.Error("failed to cancel approval request", zap.Error(err))
		}
		o.mu.Unlock()
		o.persist(ev.Raw)
		return
	}

	o.pending = &PendingApproval{
		RequestID: ev.RequestID,
		Method:    ev.Method,
		Request:   ev.Request,
		Turn:      o.turnSeq,
	}
	o.state = StateAwaitingApproval
	turn := o.turnSeq
	o.mu.Unlock()

	o.persist(ev.Raw)
	o.emit(EventApprovalRequest, map[string]any{
		"id":      ev.RequestID,
		"method":  ev.Method,
		"request": ev.Request,
		"turn":    turn,
	})
}

func (o *Orchestrator) handleError(ev agentwire.Event) {
	o.persist(ev.Raw)
	o.emit(EventError, map[string]any{"message": ev.Message, "id": ev.RequestID})

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.turnActive {
		return
	}
	// An error carrying a request id belongs to that request. Unless it
	// is the approval the turn is blocked on, the turn itself is still
	// healthy; failing it would abort work over a side request.
	if ev.RequestID != "" && (o.pending == nil || o.pending.RequestID != ev.RequestID) {
		o.logger.Warn("request-scoped agent error",
			zap.String("request_id", ev.RequestID),
			zap.String("message", ev.Message))
		return
	}
	o.state = StateFailed
	code := ev.ExitCode
	if code == 0 {
		code = 1
	}
	o.endTurnLocked(code)
}

// handleExit fires when the subprocess is reaped. An exit mid-turn is a
// failure: the client must never be left waiting on a turn that can no
// longer complete.
func (o *Orchestrator) handleExit(exitCode int) {
	o.mu.Lock()
	o.child = nil
	if !o.turnActive {
		o.state = StateIdle
		o.mu.Unlock()
		return
	}
	o.state = StateFailed
	o.mu.Unlock()

	o.emit(EventError, map[string]any{"message": "agent exited unexpectedly"})

	o.mu.Lock()
	o.endTurnLocked(exitCode)
	o.mu.Unlock()
}

// endTurnLocked finishes the active turn exactly once: clears approval
// state, emits the exit event, and reports the transition. Must be
// called with o.mu held.
func (o *Orchestrator) endTurnLocked(exitCode int) {
	if !o.turnActive {
		return
	}
	o.turnActive = false
	o.pending = nil
	if o.state != StateFailed {
		o.state = StateIdle
	}
	turn := o.turnSeq
	onEnded := o.hooks.OnTurnEnded

	o.emit(EventExit, map[string]any{"exitCode": exitCode, "turn": turn})
	o.logger.Debug("turn ended",
		zap.Int("turn", turn), zap.Int("exit_code", exitCode))
	if onEnded != nil {
		onEnded(turn, exitCode)
	}
}

func (o *Orchestrator) forwardRaw(stream proc.Stream, line []byte) {
	rec, err := json.Marshal(rawRecord{Type: "raw", Stream: string(stream), Text: string(line)})
	if err != nil {
		return
	}
	o.persist(rec)
	o.emit(EventOutput, json.RawMessage(rec))
}

func (o *Orchestrator) emit(event string, payload any) {
	if o.hooks.Emit != nil {
		o.hooks.Emit(event, payload)
	}
}

func (o *Orchestrator) persist(raw []byte) {
	if o.hooks.Persist != nil {
		o.hooks.Persist(raw)
	}
}

func (o *Orchestrator) emitError(message string) {
	o.logger.Warn("turn error", zap.String("message", message))
	o.emit(EventError, map[string]any{"message": message})
}
