// Package terminal manages per-connection helper processes: interactive
// PTY shells and one-shot commands, with buffered output for late
// attach and graceful-then-forced termination.
package terminal

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/proc"
)

// Sink receives terminal lifecycle and output events. Implemented by
// the websocket client so events reach the attached browser.
type Sink interface {
	TerminalStarted(terminalID string, pid int, singleCommand bool)
	TerminalOutput(terminalID string, stream proc.Stream, line []byte)
	TerminalExit(terminalID string, exitCode int)
	TerminalResult(terminalID string, result Result)
}

// Result summarizes a finished one-shot command.
type Result struct {
	TerminalID string `json:"terminalId"`
	Command    string `json:"command"`
	ExitCode   int    `json:"exitCode"`
	Output     string `json:"output"`
}

// State is a snapshot of one terminal, safe to hand to transports.
type State struct {
	ID              string    `json:"id"`
	PID             int       `json:"pid"`
	Active          bool      `json:"active"`
	LastCommand     string    `json:"lastCommand,omitempty"`
	IsSingleCommand bool      `json:"isSingleCommand"`
	StartedAt       time.Time `json:"startedAt"`
}

// Terminal is one managed process, interactive or one-shot.
type Terminal struct {
	id              string
	isSingleCommand bool
	startedAt       time.Time

	mu          sync.Mutex
	child       *proc.Child
	active      bool
	lastCommand string
	buf         lineBuffer
}

// ID returns the terminal's identifier.
func (t *Terminal) ID() string { return t.id }

// State returns a point-in-time snapshot.
func (t *Terminal) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := State{
		ID:              t.id,
		Active:          t.active,
		LastCommand:     t.lastCommand,
		IsSingleCommand: t.isSingleCommand,
		StartedAt:       t.startedAt,
	}
	if t.child != nil {
		s.PID = t.child.PID()
	}
	return s
}

// Write forwards input to the process. Input racing a process that has
// already finished is dropped without error: the exit notification is
// on its way to the client and there is nothing left to receive it.
func (t *Terminal) Write(data []byte) error {
	t.mu.Lock()
	child := t.child
	active := t.active
	t.mu.Unlock()
	if child == nil || !active {
		return nil
	}
	t.noteCommand(data)
	if err := child.Write(data); err != nil {
		if errors.Is(err, proc.ErrExited) {
			return nil
		}
		return err
	}
	return nil
}

// BufferedLines returns the retained output, oldest first. Used to
// catch an observer up after a reconnect.
func (t *Terminal) BufferedLines() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.snapshot()
}

// Terminate escalates from interrupt to kill over the grace window.
func (t *Terminal) Terminate(grace time.Duration) {
	t.mu.Lock()
	child := t.child
	t.mu.Unlock()
	if child != nil {
		child.Terminate(grace)
	}
}

func (t *Terminal) record(line []byte) {
	t.mu.Lock()
	t.buf.append(line)
	t.mu.Unlock()
}

func (t *Terminal) markExited() {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()
}

// noteCommand remembers the most recent line-terminated input so state
// snapshots can show what the shell is running.
func (t *Terminal) noteCommand(data []byte) {
	s := strings.TrimRight(string(data), "\r\n")
	if s == "" {
		return
	}
	t.mu.Lock()
	t.lastCommand = s
	t.mu.Unlock()
}

// lineBuffer retains output lines up to a byte cap, dropping oldest
// lines first.
type lineBuffer struct {
	lines    [][]byte
	bytes    int
	maxBytes int
}

func (b *lineBuffer) append(line []byte) {
	if b.maxBytes <= 0 {
		return
	}
	cp := make([]byte, len(line))
	copy(cp, line)
	b.lines = append(b.lines, cp)
	b.bytes += len(cp)
	for b.bytes > b.maxBytes && len(b.lines) > 0 {
		b.bytes -= len(b.lines[0])
		b.lines = b.lines[1:]
	}
}

func (b *lineBuffer) snapshot() [][]byte {
	out := make([][]byte, len(b.lines))
	copy(out, b.lines)
	return out
}
