package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/session/store"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

type fakeObserver struct {
	mu     sync.Mutex
	events []string
	closed bool
	fail   bool
}

func (o *fakeObserver) Emit(event string, payload any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return assert.AnError
	}
	o.events = append(o.events, event)
	return nil
}

func (o *fakeObserver) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

func (o *fakeObserver) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *fakeObserver) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.events))
	copy(out, o.events)
	return out
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log := logger.Default()
	transcripts, err := transcript.NewStore(t.TempDir(), log)
	require.NoError(t, err)
	index, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	agentCfg := config.AgentConfig{
		BinPath:         "true",
		DefaultProvider: "anthropic",
	}
	return NewRegistry(agentCfg, transcripts, index, bus.NewMemoryEventBus(log), nil, log)
}

func TestCreateIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	s1, err := r.Create(ctx, CreateParams{ID: "sess-1", WorkingDir: "/tmp"})
	require.NoError(t, err)
	s2, err := r.Create(ctx, CreateParams{ID: "sess-1", WorkingDir: "/elsewhere"})
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Len(t, r.Live(), 1)
}

func TestCreateGeneratesID(t *testing.T) {
	r := newTestRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{WorkingDir: "/tmp"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
}

func TestCreateThreadsProviderAndModel(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	s, err := r.Create(ctx, CreateParams{
		ID:         "picky",
		WorkingDir: "/tmp",
		Provider:   "openai",
		Model:      "gpt-5",
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", s.Provider())
	assert.Equal(t, "gpt-5", s.Model())

	rec, err := r.index.Get(ctx, "picky")
	require.NoError(t, err)
	assert.Equal(t, "openai", rec.Provider)
	assert.Equal(t, "gpt-5", rec.Model)
}

func TestCreateFallsBackToDefaultProvider(t *testing.T) {
	r := newTestRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{ID: "plain", WorkingDir: "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", s.Provider())
	assert.Empty(t, s.Model())
}

func TestResolveUnknown(t *testing.T) {
	r := newTestRegistry(t)
	_, ok := r.Resolve("ghost")
	assert.False(t, ok)
}

func TestMigratePreservesObservers(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	s, err := r.Create(ctx, CreateParams{ID: "local-1", WorkingDir: "/tmp"})
	require.NoError(t, err)

	obs := &fakeObserver{}
	detach := s.Attach(obs)
	defer detach()

	require.NoError(t, r.Migrate("local-1", "agent-real", "/tmp/project"))

	assert.Equal(t, "agent-real", s.ID())
	assert.Equal(t, "local-1", s.Alias())
	assert.Equal(t, "/tmp/project", s.WorkingDir())
	assert.Equal(t, 1, s.ObserverCount())

	// Both ids route to the same session after migration.
	byNew, ok := r.Resolve("agent-real")
	require.True(t, ok)
	byOld, ok := r.Resolve("local-1")
	require.True(t, ok)
	assert.Same(t, byNew, byOld)

	// Events keep flowing to the pre-migration observer.
	s.Broadcast("output", map[string]any{"x": 1})
	assert.Equal(t, []string{"output"}, obs.seen())
}

func TestMigrateToSameIDIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{ID: "stable", WorkingDir: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, r.Migrate("stable", "stable", "/tmp"))
	assert.Equal(t, "stable", s.ID())
	assert.Empty(t, s.Alias())
}

func TestMigrateCollisionRejected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Create(ctx, CreateParams{ID: "a", WorkingDir: "/tmp"})
	require.NoError(t, err)
	_, err = r.Create(ctx, CreateParams{ID: "b", WorkingDir: "/tmp"})
	require.NoError(t, err)

	assert.Error(t, r.Migrate("a", "b", "/tmp"))
}

func TestMigrateUnknownSession(t *testing.T) {
	r := newTestRegistry(t)
	assert.Error(t, r.Migrate("ghost", "new", "/tmp"))
}

func TestBroadcastDropsFailingObserver(t *testing.T) {
	r := newTestRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{ID: "s", WorkingDir: "/tmp"})
	require.NoError(t, err)

	good := &fakeObserver{}
	bad := &fakeObserver{fail: true}
	s.Attach(good)
	s.Attach(bad)

	s.Broadcast("output", nil)

	assert.Equal(t, []string{"output"}, good.seen())
	assert.True(t, bad.isClosed())
	assert.Equal(t, 1, s.ObserverCount())
}

func TestRemoveClosesEverything(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	s, err := r.Create(ctx, CreateParams{ID: "doomed", WorkingDir: "/tmp"})
	require.NoError(t, err)
	obs := &fakeObserver{}
	s.Attach(obs)

	require.NoError(t, r.Remove(ctx, "doomed"))

	assert.True(t, obs.isClosed())
	_, ok := r.Resolve("doomed")
	assert.False(t, ok)

	records, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRemoveByAliasAfterMigration(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, CreateParams{ID: "old-name", WorkingDir: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, r.Migrate("old-name", "new-name", "/tmp"))

	require.NoError(t, r.Remove(ctx, "old-name"))
	_, ok := r.Resolve("new-name")
	assert.False(t, ok)
}

func TestDetachIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{ID: "s", WorkingDir: "/tmp"})
	require.NoError(t, err)

	obs := &fakeObserver{}
	detach := s.Attach(obs)
	detach()
	detach()
	assert.Zero(t, s.ObserverCount())

	// Detach does not close the observer; the transport owns it.
	assert.False(t, obs.isClosed())
}

func TestCloseAll(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Create(ctx, CreateParams{ID: "one", WorkingDir: "/tmp"})
	require.NoError(t, err)
	_, err = r.Create(ctx, CreateParams{ID: "two", WorkingDir: "/tmp"})
	require.NoError(t, err)

	r.CloseAll()
	assert.Empty(t, r.Live())
}
