package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/session/store"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

func TestWatcherInitialSync(t *testing.T) {
	log := logger.Default()
	dir := t.TempDir()

	transcripts, err := transcript.NewStore(dir, log)
	require.NoError(t, err)
	w, err := transcripts.Create(transcript.Identity{SessionID: "pre-existing", WorkingDir: "/work", Provider: "claude", Model: "sonnet"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	index, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer func() { _ = index.Close() }()

	// A stale row whose transcript no longer exists on disk.
	require.NoError(t, index.Upsert(context.Background(), store.Record{
		ID:             "stale",
		TranscriptPath: filepath.Join(dir, "0_stale.jsonl"),
		CreatedAt:      time.Now().UTC(),
	}))

	watcher, err := NewWatcher(dir, index, log)
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	// The initial sync indexes the pre-existing transcript and drops the
	// stale row.
	rec, err := index.Get(context.Background(), "pre-existing")
	require.NoError(t, err)
	assert.Equal(t, "/work", rec.WorkingDir)
	assert.Equal(t, "claude", rec.Provider)
	assert.Equal(t, "sonnet", rec.Model)

	_, err = index.Get(context.Background(), "stale")
	assert.Error(t, err)
}

func TestWatcherPicksUpNewTranscript(t *testing.T) {
	log := logger.Default()
	dir := t.TempDir()

	transcripts, err := transcript.NewStore(dir, log)
	require.NoError(t, err)
	index, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer func() { _ = index.Close() }()

	watcher, err := NewWatcher(dir, index, log)
	require.NoError(t, err)
	defer func() { _ = watcher.Close() }()

	w, err := transcripts.Create(transcript.Identity{SessionID: "arrived-later", WorkingDir: "/late"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Eventually(t, func() bool {
		_, err := index.Get(context.Background(), "arrived-later")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}
