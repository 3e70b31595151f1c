// Package transcript persists each session's protocol lines to an
// append-only JSONL file used for replay on reconnect and for stream
// history. One file per session under the sessions directory, named
// <timestamp>_<sessionID>.jsonl. The first line is a session-identity
// record; every following line is a raw protocol line.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// identityRecord is the first line of every transcript.
type identityRecord struct {
	Type       string    `json:"type"` // "session"
	SessionID  string    `json:"session_id"`
	WorkingDir string    `json:"cwd,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Identity describes the session a transcript belongs to.
type Identity struct {
	SessionID  string
	WorkingDir string
	Provider   string
	Model      string
	CreatedAt  time.Time
}

// Store manages transcript files under a sessions directory.
type Store struct {
	dir    string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewStore creates the sessions directory if needed.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "transcript")),
	}, nil
}

// Dir returns the sessions directory.
func (s *Store) Dir() string {
	return s.dir
}

// Create opens the transcript for a session. When a file for the id is
// already on disk, it is reopened for append so a re-created session
// keeps extending its own history instead of shadowing it with a second
// file. New files get the identity record as their first line.
func (s *Store) Create(ident Identity) (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logger.WithSessionID(ident.SessionID)
	if path, ok := s.findLocked(ident.SessionID); ok {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to reopen transcript: %w", err)
		}
		return &Writer{file: f, path: path, logger: log}, nil
	}

	name := fmt.Sprintf("%d_%s.jsonl", time.Now().UTC().UnixMilli(), sanitizeID(ident.SessionID))
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript: %w", err)
	}

	createdAt := ident.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	w := &Writer{file: f, path: path, logger: log}
	identity, err := json.Marshal(identityRecord{
		Type:       "session",
		SessionID:  ident.SessionID,
		WorkingDir: ident.WorkingDir,
		Provider:   ident.Provider,
		Model:      ident.Model,
		CreatedAt:  createdAt,
	})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.appendRaw(identity); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// Rename rebinds a transcript file to a session's new identity so later
// lookups by the canonical id hit the filename fast path.
func (s *Store) Rename(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.findLocked(oldID)
	if !ok {
		return fmt.Errorf("transcript not found: %s", oldID)
	}
	base := filepath.Base(path)
	ts := base[:strings.IndexByte(base, '_')]
	newPath := filepath.Join(s.dir, fmt.Sprintf("%s_%s.jsonl", ts, sanitizeID(newID)))
	if err := os.Rename(path, newPath); err != nil {
		return fmt.Errorf("failed to rename transcript: %w", err)
	}
	s.logger.Debug("transcript renamed",
		zap.String("from", oldID), zap.String("to", newID))
	return nil
}

// Find returns the transcript path for a session id, matching the
// filename first and falling back to the identity record inside each
// file (covers lookups by a pre-migration id).
func (s *Store) Find(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(sessionID)
}

func (s *Store) findLocked(sessionID string) (string, bool) {
	suffix := "_" + sanitizeID(sessionID) + ".jsonl"
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), suffix) {
			return filepath.Join(s.dir, entry.Name()), true
		}
	}
	// Scan identity records on miss.
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if id, ok := readIdentity(path); ok && id == sessionID {
			return path, true
		}
	}
	return "", false
}

// Replay returns every persisted line for a session, in order.
func (s *Store) Replay(sessionID string) ([][]byte, error) {
	path, ok := s.Find(sessionID)
	if !ok {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return lines, nil
}

// Remove deletes a session's transcript file.
func (s *Store) Remove(sessionID string) error {
	path, ok := s.Find(sessionID)
	if !ok {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove transcript: %w", err)
	}
	return nil
}

// ReadIdentity reads the identity record from a transcript file.
func ReadIdentity(path string) (Identity, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Identity{}, false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return Identity{}, false
	}
	var rec identityRecord
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.Type != "session" {
		return Identity{}, false
	}
	return Identity{
		SessionID:  rec.SessionID,
		WorkingDir: rec.WorkingDir,
		Provider:   rec.Provider,
		Model:      rec.Model,
		CreatedAt:  rec.CreatedAt,
	}, true
}

func readIdentity(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", false
	}
	var rec identityRecord
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.Type != "session" {
		return "", false
	}
	return rec.SessionID, true
}

func sanitizeID(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	return strings.ReplaceAll(id, "\\", "_")
}

// Writer appends protocol lines to one session's transcript.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger *logger.Logger
}

// Path returns the transcript file path.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Append persists one protocol line. Cumulative "response" records are
// slimmed first: renderers rebuild the full text from deltas, and keeping
// the ever-growing content field would make transcripts quadratic in the
// response length.
func (w *Writer) Append(line []byte) error {
	return w.appendRaw(slimResponse(line))
}

func (w *Writer) appendRaw(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("transcript writer is closed")
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append transcript line: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// slimResponse drops the cumulative content field from "response"
// records when a delta field is also present. Other lines pass through
// untouched.
func slimResponse(line []byte) []byte {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(line, &rec); err != nil {
		return line
	}
	var typ string
	if err := json.Unmarshal(rec["type"], &typ); err != nil || typ != "response" {
		return line
	}
	if _, hasDelta := rec["delta"]; !hasDelta {
		return line
	}
	if _, hasContent := rec["content"]; !hasContent {
		return line
	}
	delete(rec, "content")
	slimmed, err := json.Marshal(rec)
	if err != nil {
		return line
	}
	return slimmed
}
