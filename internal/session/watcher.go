package session

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/session/store"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

// Watcher reconciles the session index with the sessions directory.
// Transcripts copied in from another machine (or deleted out from under
// us) show up in listings without a restart.
type Watcher struct {
	dir    string
	index  *store.Store
	logger *logger.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher starts watching dir. An initial full sync runs before
// events are consumed so the index reflects pre-existing files.
func NewWatcher(dir string, index *store.Store, log *logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		dir:    dir,
		index:  index,
		logger: log.WithFields(zap.String("component", "session-watcher")),
		fsw:    fsw,
		done:   make(chan struct{}),
	}
	w.syncAll()
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				// Writes may still be in flight right after create; the
				// identity line is written first so a short delay suffices.
				time.Sleep(50 * time.Millisecond)
				w.indexFile(ev.Name)
			case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
				w.syncAll()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// syncAll makes the index match the directory in both directions.
func (w *Watcher) syncAll() {
	ctx := context.Background()

	indexed, err := w.index.ListPaths(ctx)
	if err != nil {
		w.logger.Warn("failed to list indexed sessions", zap.Error(err))
		return
	}

	paths, err := filepath.Glob(filepath.Join(w.dir, "*.jsonl"))
	if err != nil {
		return
	}
	present := make(map[string]bool, len(paths))
	for _, path := range paths {
		present[path] = true
		if _, ok := indexed[path]; !ok {
			w.indexFile(path)
		}
	}

	for path, id := range indexed {
		if !present[path] {
			if err := w.index.Delete(ctx, id); err != nil {
				w.logger.Debug("failed to drop stale index row", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) indexFile(path string) {
	ident, ok := transcript.ReadIdentity(path)
	if !ok {
		return
	}
	createdAt := ident.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if err := w.index.Upsert(context.Background(), store.Record{
		ID:             ident.SessionID,
		WorkingDir:     ident.WorkingDir,
		Provider:       ident.Provider,
		Model:          ident.Model,
		TranscriptPath: path,
		CreatedAt:      createdAt,
	}); err != nil {
		w.logger.Debug("failed to index transcript", zap.Error(err))
	}
}
