// Package session owns the registry of live agent sessions: creation,
// identity migration, observer fan-out, and removal.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

// Session is one live agent conversation: an orchestrator, a transcript
// writer, and the set of observers currently attached.
type Session struct {
	logger *logger.Logger

	mu         sync.Mutex
	id         string
	alias      string // pre-migration id, kept resolvable
	workingDir string
	provider   string
	model      string
	createdAt  time.Time
	orch       *orchestrator.Orchestrator
	writer     *transcript.Writer
	observers  map[int]Observer
	nextObs    int
	closed     bool
}

// ID returns the session's current canonical id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Alias returns the pre-migration id, or "" if identity never changed.
func (s *Session) Alias() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alias
}

// WorkingDir returns the session's working directory.
func (s *Session) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDir
}

// Provider returns the agent provider the session was created with.
func (s *Session) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

// Model returns the model the session was created with.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Orchestrator returns the session's turn orchestrator.
func (s *Session) Orchestrator() *orchestrator.Orchestrator {
	return s.orch
}

// Attach adds an observer and returns its detach function. Detach is
// idempotent and does not Close the observer; the transport owns that
// unless the session drops it for a failed emit.
func (s *Session) Attach(o Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	key := s.nextObs
	s.nextObs++
	s.observers[key] = o

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, key)
			s.mu.Unlock()
		})
	}
}

// ObserverCount reports how many observers are attached.
func (s *Session) ObserverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// Broadcast delivers one event to every attached observer. An observer
// whose Emit fails is detached and closed; one dead connection must not
// stall the rest.
func (s *Session) Broadcast(event string, payload any) {
	s.mu.Lock()
	type entry struct {
		key int
		obs Observer
	}
	snapshot := make([]entry, 0, len(s.observers))
	for k, o := range s.observers {
		snapshot = append(snapshot, entry{k, o})
	}
	s.mu.Unlock()

	for _, e := range snapshot {
		if err := e.obs.Emit(event, payload); err != nil {
			s.logger.Debug("dropping observer after failed emit",
				zap.String("event", event), zap.Error(err))
			s.mu.Lock()
			delete(s.observers, e.key)
			s.mu.Unlock()
			e.obs.Close()
		}
	}
}

// setIdentity rebinds the session to its agent-announced id. The old id
// is retained as alias so in-flight clients stay routable.
func (s *Session) setIdentity(newID, workingDir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alias == "" && s.id != newID {
		s.alias = s.id
	}
	s.id = newID
	if workingDir != "" {
		s.workingDir = workingDir
	}
}

// close tears the session down: orchestrator, transcript, observers.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.observers = make(map[int]Observer)
	writer := s.writer
	s.mu.Unlock()

	if s.orch != nil {
		s.orch.Close()
	}
	if writer != nil {
		_ = writer.Close()
	}
	for _, o := range observers {
		o.Close()
	}
}
