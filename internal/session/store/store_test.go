package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := Record{
		ID:             "s1",
		WorkingDir:     "/tmp/app",
		TranscriptPath: "/tmp/sessions/1_s1.jsonl",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/app", got.WorkingDir)

	// Upsert with the same id updates in place.
	rec.WorkingDir = "/tmp/other"
	require.NoError(t, s.Upsert(ctx, rec))
	got, err = s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other", got.WorkingDir)
}

func TestRekeyKeepsAliasResolvable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Record{ID: "local", CreatedAt: time.Now().UTC()}))
	require.NoError(t, s.Rekey(ctx, "local", "agent-real"))

	byNew, err := s.Get(ctx, "agent-real")
	require.NoError(t, err)
	assert.Equal(t, "agent-real", byNew.ID)
	assert.Equal(t, "local", byNew.Alias)

	byOld, err := s.Get(ctx, "local")
	require.NoError(t, err)
	assert.Equal(t, "agent-real", byOld.ID)
}

func TestRekeyMissingRow(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Rekey(context.Background(), "nope", "other"))
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, s.Upsert(ctx, Record{ID: "old", CreatedAt: base.Add(-time.Hour)}))
	require.NoError(t, s.Upsert(ctx, Record{ID: "new", CreatedAt: base}))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "new", recs[0].ID)
}

func TestDeleteByAlias(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Record{ID: "a", CreatedAt: time.Now().UTC()}))
	require.NoError(t, s.Rekey(ctx, "a", "b"))
	require.NoError(t, s.Delete(ctx, "a"))

	_, err := s.Get(ctx, "b")
	assert.Error(t, err)
}

func TestSetLastTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Record{ID: "t", CreatedAt: time.Now().UTC()}))
	require.NoError(t, s.SetLastTurn(ctx, "t", 5))

	got, err := s.Get(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 5, got.LastTurn)
}

func TestListPaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, Record{ID: "p", TranscriptPath: "/x/1_p.jsonl", CreatedAt: time.Now().UTC()}))
	paths, err := s.ListPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p", paths["/x/1_p.jsonl"])
}
