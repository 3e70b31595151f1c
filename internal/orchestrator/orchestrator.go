// Package orchestrator drives one external agent subprocess per session:
// it sends commands over stdin, classifies each stdout line as a protocol
// event, tracks turn and approval state, and emits user-facing events.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/proc"
	"github.com/agentdeck/agentdeck/internal/telemetry"
	"github.com/agentdeck/agentdeck/pkg/agentwire"
)

// State is the turn state machine.
type State string

const (
	StateIdle             State = "idle"
	StateStarting         State = "starting"
	StateRunning          State = "running"
	StateAwaitingApproval State = "awaiting_approval"
	StateCompleting       State = "completing"
	StateFailed           State = "failed"
)

// Client-facing event names pushed through observers.
const (
	EventStarted         = "claude-started"
	EventOutput          = "output"
	EventApprovalRequest = "approval-request"
	EventExit            = "exit"
	EventError           = "error"
)

// Config is the orchestrator's construction-time configuration.
// AutoApprove is an explicit field here, never read from the process
// environment at dispatch time.
type Config struct {
	BinPath               string
	Provider              string
	Model                 string
	WorkingDir            string
	SystemPromptFragments []string
	AutoApprove           bool
	KillGrace             time.Duration
}

// Hooks connect the orchestrator to its session: event fan-out,
// transcript persistence, and identity migration.
type Hooks struct {
	// Emit pushes a client-facing event to every observer of the session.
	Emit func(event string, payload any)

	// Persist appends one raw protocol line to the session transcript.
	Persist func(raw []byte)

	// OnIdentity is invoked when the agent announces its session identity.
	OnIdentity func(sessionID, workingDir string)

	// OnTurnStarted/OnTurnEnded report turn transitions for notifications.
	OnTurnStarted func(turn int)
	OnTurnEnded   func(turn int, exitCode int)
}

// PendingApproval correlates an agent-issued UI request with the
// eventual client answer.
type PendingApproval struct {
	RequestID string
	Method    string
	Request   json.RawMessage
	Turn      int
}

// ApprovalAnswer is the client's answer to a pending approval.
type ApprovalAnswer struct {
	Confirmed *bool   `json:"confirmed,omitempty"`
	Value     *string `json:"value,omitempty"`
	Cancelled bool    `json:"cancelled,omitempty"`
}

// Orchestrator owns the agent subprocess for one session. All methods
// are safe for concurrent use; internal state is guarded by a single
// mutex since transport callbacks and process callbacks interleave.
type Orchestrator struct {
	cfg    Config
	hooks  Hooks
	reg    proc.Registrar
	logger *logger.Logger

	mu         sync.Mutex
	child      *proc.Child
	state      State
	turnSeq    int  // monotonically increasing per session
	turnActive bool // exactly one turn may be running
	pending    *PendingApproval
}

// New creates an orchestrator in the Idle state. No process is spawned
// until the first StartTurn.
func New(cfg Config, hooks Hooks, reg proc.Registrar, log *logger.Logger) *Orchestrator {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 3 * time.Second
	}
	return &Orchestrator{
		cfg:    cfg,
		hooks:  hooks,
		reg:    reg,
		logger: log.WithFields(zap.String("component", "orchestrator")),
		state:  StateIdle,
	}
}

// State returns the current turn state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Turn returns the current turn sequence number.
func (o *Orchestrator) Turn() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turnSeq
}

// HasPendingApproval reports whether an approval is outstanding.
func (o *Orchestrator) HasPendingApproval() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending != nil
}

// StartTurn submits a prompt to the agent, spawning the subprocess on
// first use. Failures are reported as error events to observers rather
// than returned: the caller is a transport handler with no better way
// to surface them.
func (o *Orchestrator) StartTurn(ctx context.Context, prompt string) {
	_, span := telemetry.Tracer("orchestrator").Start(ctx, "StartTurn")
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()

	if prompt == "" {
		o.emitError("prompt is empty")
		return
	}
	if o.turnActive {
		o.emitError("a turn is already running")
		return
	}

	if err := o.ensureChildLocked(); err != nil {
		o.logger.Error("failed to spawn agent", zap.Error(err))
		o.emitError("failed to start agent: " + err.Error())
		o.turnSeq++
		o.turnActive = true
		o.state = StateFailed
		o.endTurnLocked(1)
		return
	}

	data, err := agentwire.Encode(agentwire.NewPromptCommand(prompt))
	if err != nil {
		o.emitError("failed to encode prompt: " + err.Error())
		return
	}
	if err := o.child.Write(data); err != nil {
		o.emitError("failed to send prompt: " + err.Error())
		return
	}

	o.turnSeq++
	o.turnActive = true
	o.state = StateStarting
	o.logger.Debug("turn started", zap.Int("turn", o.turnSeq))
}

// SubmitApproval answers the outstanding approval. Returns false when no
// approval is pending: stale or duplicate answers are ignorable, not fatal.
func (o *Orchestrator) SubmitApproval(answer ApprovalAnswer) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pending == nil {
		o.logger.Debug("ignoring approval answer with no pending approval")
		return false
	}

	resp := agentwire.UIResponse{
		Type:      "extension_ui_response",
		ID:        o.pending.RequestID,
		Confirmed: answer.Confirmed,
		Value:     answer.Value,
	}
	if answer.Cancelled {
		t := true
		resp.Cancelled = &t
	}
	if err := o.writeLocked(resp); err != nil {
		o.logger.Error("failed to send approval answer", zap.Error(err))
		return false
	}

	o.pending = nil
	o.state = StateRunning
	return true
}

// Terminate kills the agent subprocess. With resetIdentity the turn
// counter is cleared so the next prompt starts a fresh logical
// conversation.
func (o *Orchestrator) Terminate(resetIdentity bool) {
	o.mu.Lock()
	child := o.child
	o.pending = nil
	if resetIdentity {
		o.turnSeq = 0
	}
	o.mu.Unlock()

	if child != nil {
		child.Terminate(o.cfg.KillGrace)
	}
}

// Close kills the subprocess without waiting; used on session removal.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	child := o.child
	o.child = nil
	o.pending = nil
	o.mu.Unlock()

	if child != nil {
		child.Kill()
	}
}

// ensureChildLocked spawns the agent if it is not already running.
// Spawning is idempotent per session: an existing process is reused.
func (o *Orchestrator) ensureChildLocked() error {
	if o.child != nil {
		if exited, _ := o.child.Exited(); !exited {
			return nil
		}
		o.child = nil
	}

	argv := []string{o.cfg.BinPath}
	if o.cfg.Provider != "" {
		argv = append(argv, "--provider", o.cfg.Provider)
	}
	if o.cfg.Model != "" {
		argv = append(argv, "--model", o.cfg.Model)
	}
	for _, fragment := range o.cfg.SystemPromptFragments {
		argv = append(argv, "--system-prompt", fragment)
	}

	child, err := proc.Spawn(proc.Options{
		Argv:   argv,
		Dir:    o.cfg.WorkingDir,
		OnLine: o.handleLine,
		OnExit: o.handleExit,
	}, o.reg, o.logger)
	if err != nil {
		return err
	}
	o.child = child
	return nil
}

func (o *Orchestrator) writeLocked(cmd any) error {
	if o.child == nil {
		return errNoProcess
	}
	data, err := agentwire.Encode(cmd)
	if err != nil {
		return err
	}
	return o.child.Write(data)
}
