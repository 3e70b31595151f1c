package stream

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/session/store"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

func TestObserverFramesEvents(t *testing.T) {
	obs := newObserver()
	require.NoError(t, obs.Emit(orchestrator.EventOutput, map[string]string{"k": "v"}))

	frame := string(<-obs.frames)
	assert.True(t, strings.HasPrefix(frame, "event: output\n"))
	assert.Contains(t, frame, `data: {"k":"v"}`)
	assert.True(t, strings.HasSuffix(frame, "\n\n"))
}

func TestObserverClosesOnExitEvent(t *testing.T) {
	obs := newObserver()
	require.NoError(t, obs.Emit(orchestrator.EventExit, map[string]int{"exitCode": 0}))

	select {
	case <-obs.done:
	default:
		t.Fatal("observer should close itself after the exit event")
	}

	// Later emits are rejected so the session drops the observer.
	assert.Error(t, obs.Emit(orchestrator.EventOutput, nil))
}

func TestObserverCloseIsIdempotent(t *testing.T) {
	obs := newObserver()
	obs.Close()
	obs.Close()
	assert.Error(t, obs.Emit("output", nil))
}

func newReplayFixture(t *testing.T) (*Handler, *transcript.Store) {
	t.Helper()
	log := logger.Default()
	transcripts, err := transcript.NewStore(t.TempDir(), log)
	require.NoError(t, err)
	index, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	registry := session.NewRegistry(config.AgentConfig{BinPath: "true"},
		transcripts, index, bus.NewMemoryEventBus(log), nil, log)
	return NewHandler(registry, transcripts, log), transcripts
}

func TestReplayOnlyStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, transcripts := newReplayFixture(t)

	w, err := transcripts.Create(transcript.Identity{SessionID: "replay-1", WorkingDir: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte(`{"type":"agent_start"}`)))
	require.NoError(t, w.Append([]byte(`{"type":"agent_end","exit_code":0}`)))
	require.NoError(t, w.Close())

	router := gin.New()
	router.GET("/sessions/:id/stream", handler.HandleStream)

	req := httptest.NewRequest(http.MethodGet, "/sessions/replay-1/stream", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	// Identity record plus both protocol lines, then the end marker.
	assert.Contains(t, body, `"type":"session"`)
	assert.Contains(t, body, `"type":"agent_start"`)
	assert.Contains(t, body, `"type":"agent_end"`)
	assert.True(t, strings.HasSuffix(body, "event: end\ndata: {}\n\n"))

	for _, line := range strings.Split(body, "\n") {
		if line == "" || strings.HasPrefix(line, "event: ") {
			continue
		}
		assert.True(t, strings.HasPrefix(line, "data: "), "unexpected SSE line: %q", line)
	}
}

func TestReplayUnknownSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, _ := newReplayFixture(t)

	router := gin.New()
	router.GET("/sessions/:id/stream", handler.HandleStream)

	req := httptest.NewRequest(http.MethodGet, "/sessions/ghost/stream", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// No transcript and no live session: an empty stream that ends cleanly.
	assert.Equal(t, "event: end\ndata: {}\n\n", rec.Body.String())
}
