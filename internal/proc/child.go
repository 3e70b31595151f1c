package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// ErrExited is returned by Write once the child has been reaped.
var ErrExited = errors.New("process has exited")

// Stream identifies which output stream a line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LineHandler receives one framed output line. Lines from a single
// stream are delivered in the exact order the process produced them.
type LineHandler func(stream Stream, line []byte)

// ExitHandler receives the process exit code once the child is reaped.
type ExitHandler func(exitCode int)

// Killable is any managed child that can be force-terminated.
type Killable interface {
	Kill()
}

// Registrar tracks spawned children for shutdown. Satisfied by
// shutdown.Coordinator.
type Registrar interface {
	Register(child Killable) func()
}

// Options describe a child to spawn.
type Options struct {
	// Argv is the command and its arguments. Mutually exclusive with Shell.
	Argv []string

	// Shell, when non-empty, is executed via "sh -lc" so pipes, redirects
	// and profile environment work.
	Shell string

	Dir string
	Env map[string]string

	// UsePTY runs the child on a pseudo-terminal. Output then arrives on
	// a single combined stream reported as stdout.
	UsePTY bool

	OnLine LineHandler
	OnExit ExitHandler
}

// Child is a managed subprocess: spawned once, line-framed output,
// graceful-then-forced termination of the whole process tree.
type Child struct {
	opts   Options
	logger *logger.Logger

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	ptyFile    *os.File
	deregister func()

	mu       sync.Mutex
	exited   bool
	exitCode int
	exitCh   chan struct{}
	killOnce sync.Once
	wg       sync.WaitGroup
}

// Spawn starts the child. The returned Child is already registered with
// the registrar (if non-nil) and streaming output to opts.OnLine.
func Spawn(opts Options, reg Registrar, log *logger.Logger) (*Child, error) {
	var cmd *exec.Cmd
	switch {
	case opts.Shell != "":
		cmd = exec.Command("sh", "-lc", opts.Shell)
	case len(opts.Argv) > 0:
		cmd = exec.Command(opts.Argv[0], opts.Argv[1:]...)
	default:
		return nil, fmt.Errorf("no command given")
	}
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Env = mergeEnv(opts.Env)
	setProcAttr(cmd)

	c := &Child{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "child")),
		cmd:    cmd,
		exitCh: make(chan struct{}),
	}

	if opts.UsePTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("failed to start process on pty: %w", err)
		}
		c.ptyFile = f
		c.wg.Add(1)
		go c.readStream(f, StreamStdout)
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to attach stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to attach stdout: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to attach stderr: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start process: %w", err)
		}
		c.stdin = stdin
		c.wg.Add(2)
		go c.readStream(stdout, StreamStdout)
		go c.readStream(stderr, StreamStderr)
	}

	if reg != nil {
		c.deregister = reg.Register(c)
	}

	c.logger.Debug("child started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("dir", opts.Dir))

	go c.wait()
	return c, nil
}

// PID returns the child's OS process id.
func (c *Child) PID() int {
	return c.cmd.Process.Pid
}

// Write forwards data to the child's input. Returns an error once the
// process has exited.
func (c *Child) Write(data []byte) error {
	c.mu.Lock()
	exited := c.exited
	c.mu.Unlock()
	if exited {
		return ErrExited
	}
	if c.ptyFile != nil {
		_, err := c.ptyFile.Write(data)
		return err
	}
	_, err := c.stdin.Write(data)
	return err
}

// CloseStdin signals end-of-input to the child.
func (c *Child) CloseStdin() {
	if c.ptyFile != nil {
		// A PTY has no separate stdin; EOF is conveyed with ^D.
		_, _ = c.ptyFile.Write([]byte{0x04})
		return
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
}

// Interrupt sends an interrupt signal to the child's process group.
func (c *Child) Interrupt() {
	signalGroup(c.cmd, interruptSignal())
}

// Kill force-kills the child's entire process tree. Safe to call more
// than once and after exit.
func (c *Child) Kill() {
	c.killOnce.Do(func() {
		signalGroup(c.cmd, killSignal())
	})
}

// Terminate escalates: interrupt plus end-of-input, then a force-kill of
// the process tree if the child has not exited within grace.
func (c *Child) Terminate(grace time.Duration) {
	c.Interrupt()
	c.CloseStdin()

	select {
	case <-c.exitCh:
	case <-time.After(grace):
		c.logger.Debug("grace window elapsed, force-killing",
			zap.Int("pid", c.cmd.Process.Pid))
		c.Kill()
	}
}

// Done returns a channel closed when the child has been reaped.
func (c *Child) Done() <-chan struct{} {
	return c.exitCh
}

// Exited reports whether the child has been reaped, and its exit code.
func (c *Child) Exited() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exited, c.exitCode
}

func (c *Child) readStream(r io.Reader, stream Stream) {
	defer c.wg.Done()
	var framer LineFramer
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && c.opts.OnLine != nil {
			for _, line := range framer.Feed(buf[:n]) {
				c.opts.OnLine(stream, line)
			}
		}
		if err != nil {
			// PTY reads fail with EIO when the child exits; either way
			// the tail must not be dropped.
			if tail := framer.Flush(); tail != nil && c.opts.OnLine != nil {
				c.opts.OnLine(stream, tail)
			}
			return
		}
	}
}

func (c *Child) wait() {
	// Output handlers must fire before OnExit so observers see every
	// line ahead of the exit event.
	c.wg.Wait()
	err := c.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			if code < 0 {
				code = 1
			}
		} else {
			code = 1
		}
	}

	if c.ptyFile != nil {
		_ = c.ptyFile.Close()
	}

	c.mu.Lock()
	c.exited = true
	c.exitCode = code
	c.mu.Unlock()
	close(c.exitCh)

	if c.deregister != nil {
		c.deregister()
	}
	if c.opts.OnExit != nil {
		c.opts.OnExit(code)
	}
}

// mergeEnv merges custom environment variables over the parent process
// environment, returning the "KEY=VALUE" form exec.Cmd expects.
func mergeEnv(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}
	base := make(map[string]string, len(env)+64)
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range env {
		base[k] = v
	}
	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, k+"="+v)
	}
	return merged
}
