//go:build !windows

package proc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
	exit  chan int
}

func newLineRecorder() *lineRecorder {
	return &lineRecorder{exit: make(chan int, 1)}
}

func (r *lineRecorder) onLine(stream Stream, line []byte) {
	r.mu.Lock()
	r.lines = append(r.lines, string(line))
	r.mu.Unlock()
}

func (r *lineRecorder) onExit(code int) {
	r.exit <- code
}

func (r *lineRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

func waitExit(t *testing.T, r *lineRecorder) int {
	t.Helper()
	select {
	case code := <-r.exit:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for process exit")
		return -1
	}
}

func TestSpawnShellStreamsLines(t *testing.T) {
	rec := newLineRecorder()
	child, err := Spawn(Options{
		Shell:  "echo first; echo second",
		OnLine: rec.onLine,
		OnExit: rec.onExit,
	}, nil, logger.Default())
	require.NoError(t, err)
	require.Greater(t, child.PID(), 0)

	code := waitExit(t, rec)
	assert.Equal(t, 0, code)
	// Lines arrive before OnExit.
	assert.Equal(t, []string{"first", "second"}, rec.snapshot())
}

func TestSpawnReportsExitCode(t *testing.T) {
	rec := newLineRecorder()
	_, err := Spawn(Options{
		Shell:  "exit 3",
		OnExit: rec.onExit,
	}, nil, logger.Default())
	require.NoError(t, err)
	assert.Equal(t, 3, waitExit(t, rec))
}

func TestSpawnFlushesUnterminatedTail(t *testing.T) {
	rec := newLineRecorder()
	_, err := Spawn(Options{
		Shell:  "printf 'no newline'",
		OnLine: rec.onLine,
		OnExit: rec.onExit,
	}, nil, logger.Default())
	require.NoError(t, err)
	waitExit(t, rec)
	assert.Equal(t, []string{"no newline"}, rec.snapshot())
}

func TestChildWriteRoundTrip(t *testing.T) {
	rec := newLineRecorder()
	child, err := Spawn(Options{
		Argv:   []string{"cat"},
		OnLine: rec.onLine,
		OnExit: rec.onExit,
	}, nil, logger.Default())
	require.NoError(t, err)

	require.NoError(t, child.Write([]byte("hello\n")))
	require.Eventually(t, func() bool {
		lines := rec.snapshot()
		return len(lines) == 1 && lines[0] == "hello"
	}, 5*time.Second, 20*time.Millisecond)

	child.CloseStdin()
	assert.Equal(t, 0, waitExit(t, rec))
}

func TestTerminateEscalatesToKill(t *testing.T) {
	rec := newLineRecorder()
	// Trap the interrupt so only the force-kill can end the process.
	child, err := Spawn(Options{
		Shell:  "trap '' INT TERM; while true; do sleep 1; done",
		OnExit: rec.onExit,
	}, nil, logger.Default())
	require.NoError(t, err)

	start := time.Now()
	child.Terminate(500 * time.Millisecond)
	code := waitExit(t, rec)
	assert.NotEqual(t, 0, code)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestTerminateGracefulWithinGrace(t *testing.T) {
	rec := newLineRecorder()
	child, err := Spawn(Options{
		Argv:   []string{"cat"},
		OnExit: rec.onExit,
	}, nil, logger.Default())
	require.NoError(t, err)

	child.Terminate(5 * time.Second)
	waitExit(t, rec)
	exited, _ := child.Exited()
	assert.True(t, exited)
}

type fakeRegistrar struct {
	mu         sync.Mutex
	registered int
	dereg      int
}

func (f *fakeRegistrar) Register(child Killable) func() {
	f.mu.Lock()
	f.registered++
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.dereg++
		f.mu.Unlock()
	}
}

func TestChildDeregistersOnExit(t *testing.T) {
	reg := &fakeRegistrar{}
	rec := newLineRecorder()
	_, err := Spawn(Options{
		Shell:  "true",
		OnExit: rec.onExit,
	}, reg, logger.Default())
	require.NoError(t, err)
	waitExit(t, rec)

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return reg.registered == 1 && reg.dereg == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWriteAfterExitFails(t *testing.T) {
	rec := newLineRecorder()
	child, err := Spawn(Options{
		Shell:  "true",
		OnExit: rec.onExit,
	}, nil, logger.Default())
	require.NoError(t, err)
	waitExit(t, rec)

	<-child.Done()
	// Callers that want to drop late input (the terminal pool does)
	// match on the sentinel.
	assert.ErrorIs(t, child.Write([]byte("late\n")), ErrExited)
}
