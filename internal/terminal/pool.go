package terminal

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/common/portutil"
	"github.com/agentdeck/agentdeck/internal/proc"
)

var errTerminalNotFound = errors.New("terminal not found")

// Options configure a Pool.
type Options struct {
	// KillGrace is the window between interrupt and force-kill.
	KillGrace time.Duration
	// BufferMaxBytes caps retained output per terminal.
	BufferMaxBytes int
}

// Pool owns the terminals of one client connection. When the connection
// goes away, Cleanup tears every terminal down.
type Pool struct {
	opts   Options
	sink   Sink
	reg    proc.Registrar
	logger *logger.Logger

	mu        sync.Mutex
	terminals map[string]*Terminal
}

// NewPool creates an empty pool bound to a sink.
func NewPool(opts Options, sink Sink, reg proc.Registrar, log *logger.Logger) *Pool {
	if opts.KillGrace <= 0 {
		opts.KillGrace = 3 * time.Second
	}
	if opts.BufferMaxBytes <= 0 {
		opts.BufferMaxBytes = 2 * 1024 * 1024
	}
	return &Pool{
		opts:      opts,
		sink:      sink,
		reg:       reg,
		logger:    log.WithFields(zap.String("component", "terminal")),
		terminals: make(map[string]*Terminal),
	}
}

// NewInteractiveTerminal spawns the user's shell on a PTY and starts
// streaming its output to the sink.
func (p *Pool) NewInteractiveTerminal(dir string) (*Terminal, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	t := &Terminal{
		id:        uuid.New().String(),
		active:    true,
		startedAt: time.Now().UTC(),
	}
	t.buf.maxBytes = p.opts.BufferMaxBytes

	child, err := proc.Spawn(proc.Options{
		Argv:   []string{shell},
		Dir:    dir,
		UsePTY: true,
		OnLine: func(stream proc.Stream, line []byte) {
			t.record(line)
			p.sink.TerminalOutput(t.id, stream, line)
		},
		OnExit: func(code int) { p.finish(t, code) },
	}, p.reg, p.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}
	t.child = child

	p.add(t)
	p.sink.TerminalStarted(t.id, child.PID(), false)
	p.logger.WithTerminalID(t.id).Info("interactive terminal started",
		zap.Int("pid", child.PID()))
	return t, nil
}

// RunCommand executes a one-shot command via the shell. When contextURL
// carries a port, whatever is squatting on it is reclaimed first so a
// restarted dev server can bind.
func (p *Pool) RunCommand(command, contextURL, dir string) (*Terminal, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("command is empty")
	}

	if port, ok := portutil.PortFromURL(contextURL); ok {
		if err := portutil.ReclaimPort(port); err != nil {
			p.logger.Warn("port reclaim incomplete",
				zap.Int("port", port), zap.Error(err))
		}
	}

	expanded, portEnv, err := portutil.TransformCommand(command)
	if err != nil {
		return nil, err
	}

	t := &Terminal{
		id:              uuid.New().String(),
		isSingleCommand: true,
		active:          true,
		startedAt:       time.Now().UTC(),
		lastCommand:     command,
	}
	t.buf.maxBytes = p.opts.BufferMaxBytes

	child, err := proc.Spawn(proc.Options{
		Shell: expanded,
		Dir:   dir,
		Env:   portEnv,
		OnLine: func(stream proc.Stream, line []byte) {
			t.record(line)
			p.sink.TerminalOutput(t.id, stream, line)
		},
		OnExit: func(code int) { p.finish(t, code) },
	}, p.reg, p.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to run command: %w", err)
	}
	t.child = child

	p.add(t)
	p.sink.TerminalStarted(t.id, child.PID(), true)
	p.logger.WithTerminalID(t.id).Info("command started",
		zap.Int("pid", child.PID()),
		zap.String("command", command))
	return t, nil
}

// Write forwards input to a terminal.
func (p *Pool) Write(terminalID string, data []byte) error {
	t, ok := p.get(terminalID)
	if !ok {
		return errTerminalNotFound
	}
	return t.Write(data)
}

// Terminate gracefully stops one terminal. The call blocks up to the
// grace window; exit events flow through the sink as usual.
func (p *Pool) Terminate(terminalID string) error {
	t, ok := p.get(terminalID)
	if !ok {
		return errTerminalNotFound
	}
	t.Terminate(p.opts.KillGrace)
	return nil
}

// Get returns a terminal's state snapshot.
func (p *Pool) Get(terminalID string) (State, bool) {
	t, ok := p.get(terminalID)
	if !ok {
		return State{}, false
	}
	return t.State(), true
}

// List returns snapshots of every terminal in the pool.
func (p *Pool) List() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]State, 0, len(p.terminals))
	for _, t := range p.terminals {
		out = append(out, t.State())
	}
	return out
}

// Cleanup terminates every terminal. Called when the owning connection
// closes; terminals never outlive their client.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	terminals := make([]*Terminal, 0, len(p.terminals))
	for _, t := range p.terminals {
		terminals = append(terminals, t)
	}
	p.terminals = make(map[string]*Terminal)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range terminals {
		wg.Add(1)
		go func(t *Terminal) {
			defer wg.Done()
			t.Terminate(p.opts.KillGrace)
		}(t)
	}
	wg.Wait()
}

func (p *Pool) add(t *Terminal) {
	p.mu.Lock()
	p.terminals[t.id] = t
	p.mu.Unlock()
}

func (p *Pool) get(id string) (*Terminal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.terminals[id]
	return t, ok
}

// finish runs on the child's exit path: marks the terminal inactive and
// emits exit (plus the aggregated result for one-shot commands).
func (p *Pool) finish(t *Terminal, exitCode int) {
	t.markExited()
	p.sink.TerminalExit(t.id, exitCode)

	if t.isSingleCommand {
		var b strings.Builder
		for _, line := range t.BufferedLines() {
			b.Write(line)
			b.WriteByte('\n')
		}
		p.sink.TerminalResult(t.id, Result{
			TerminalID: t.id,
			Command:    t.State().LastCommand,
			ExitCode:   exitCode,
			Output:     b.String(),
		})
	}

	p.logger.WithTerminalID(t.id).Debug("terminal exited",
		zap.Int("exit_code", exitCode))
}
