package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/proc"
	"github.com/agentdeck/agentdeck/internal/session/store"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

// Registry maps session ids to live sessions. A single mutex guards the
// id and alias maps: identity migration must be observed atomically by
// every resolver.
type Registry struct {
	agentCfg    config.AgentConfig
	transcripts *transcript.Store
	index       *store.Store
	bus         bus.EventBus
	reg         proc.Registrar
	logger      *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session // by canonical id
	aliases  map[string]string   // retired id -> canonical id
}

// NewRegistry wires the registry to its stores and event bus.
func NewRegistry(agentCfg config.AgentConfig, transcripts *transcript.Store, index *store.Store, eventBus bus.EventBus, reg proc.Registrar, log *logger.Logger) *Registry {
	return &Registry{
		agentCfg:    agentCfg,
		transcripts: transcripts,
		index:       index,
		bus:         eventBus,
		reg:         reg,
		logger:      log.WithFields(zap.String("component", "registry")),
		sessions:    make(map[string]*Session),
		aliases:     make(map[string]string),
	}
}

// CreateParams describe the session to create. Provider and Model fall
// back to the configured defaults when empty.
type CreateParams struct {
	ID         string
	WorkingDir string
	Provider   string
	Model      string
}

// Create returns the session for the requested id, creating it if
// needed. Creation is idempotent: concurrent creates for the same id
// share one session. An empty id gets a generated one.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Session, error) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	provider := p.Provider
	if provider == "" {
		provider = r.agentCfg.DefaultProvider
	}
	model := p.Model
	if model == "" {
		model = r.agentCfg.DefaultModel
	}

	r.mu.Lock()
	if s, ok := r.resolveLocked(id); ok {
		r.mu.Unlock()
		return s, nil
	}

	writer, err := r.transcripts.Create(transcript.Identity{
		SessionID:  id,
		WorkingDir: p.WorkingDir,
		Provider:   provider,
		Model:      model,
	})
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s := &Session{
		logger:     r.logger.WithSessionID(id),
		id:         id,
		workingDir: p.WorkingDir,
		provider:   provider,
		model:      model,
		createdAt:  time.Now().UTC(),
		writer:     writer,
		observers:  make(map[int]Observer),
	}
	s.orch = orchestrator.New(orchestrator.Config{
		BinPath:               r.agentCfg.BinPath,
		Provider:              provider,
		Model:                 model,
		WorkingDir:            p.WorkingDir,
		SystemPromptFragments: r.agentCfg.SystemPromptFragments,
		AutoApprove:           r.agentCfg.AutoApprove,
	}, r.hooks(s), r.reg, s.logger)

	r.sessions[id] = s
	r.mu.Unlock()

	if r.index != nil {
		if err := r.index.Upsert(ctx, store.Record{
			ID:             id,
			WorkingDir:     p.WorkingDir,
			Provider:       provider,
			Model:          model,
			TranscriptPath: writer.Path(),
			CreatedAt:      s.createdAt,
		}); err != nil {
			r.logger.Warn("failed to index session", zap.Error(err))
		}
	}
	r.publish(events.SessionCreated, map[string]interface{}{
		"session_id": id,
		"cwd":        p.WorkingDir,
		"provider":   provider,
		"model":      model,
	})

	r.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("cwd", p.WorkingDir),
		zap.String("provider", provider),
		zap.String("model", model))
	return s, nil
}

// Resolve finds a live session by canonical id or any retired alias.
func (r *Registry) Resolve(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(id)
}

func (r *Registry) resolveLocked(id string) (*Session, bool) {
	if s, ok := r.sessions[id]; ok {
		return s, true
	}
	if canonical, ok := r.aliases[id]; ok {
		if s, ok := r.sessions[canonical]; ok {
			return s, true
		}
	}
	// Alias maps are rebuilt on restart, so fall back to each session's
	// own record of its retired id.
	for _, s := range r.sessions {
		if s.Alias() == id {
			return s, true
		}
	}
	return nil, false
}

// Migrate rebinds a session from its provisional id to the identity the
// agent announced. Resolvers see either the old binding or the complete
// new one, never a half-migrated state.
func (r *Registry) Migrate(oldID, newID, workingDir string) error {
	if newID == "" {
		return fmt.Errorf("migrate: empty target id")
	}

	r.mu.Lock()
	s, ok := r.resolveLocked(oldID)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("migrate: session not found: %s", oldID)
	}
	current := s.ID()
	if current == newID {
		r.mu.Unlock()
		return nil
	}
	if other, exists := r.resolveLocked(newID); exists && other != s {
		r.mu.Unlock()
		return fmt.Errorf("migrate: id already in use: %s", newID)
	}

	// Transcript rename goes first: if it fails, nothing has changed.
	if err := r.transcripts.Rename(current, newID); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("migrate: %w", err)
	}

	delete(r.sessions, current)
	r.sessions[newID] = s
	r.aliases[current] = newID
	if alias := s.Alias(); alias != "" {
		r.aliases[alias] = newID
	}
	s.setIdentity(newID, workingDir)
	r.mu.Unlock()

	if r.index != nil {
		if err := r.index.Rekey(context.Background(), current, newID); err != nil {
			r.logger.Warn("failed to rekey session index",
				zap.String("from", current), zap.String("to", newID), zap.Error(err))
		}
	}
	r.publish(events.SessionMigrated, map[string]interface{}{
		"old_session_id": current,
		"session_id":     newID,
		"cwd":            workingDir,
	})

	r.logger.Info("session migrated",
		zap.String("from", current), zap.String("to", newID))
	return nil
}

// Remove tears a session down and forgets it: subprocess killed,
// transcript closed and deleted, observers closed, index row removed.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.resolveLocked(id)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session not found: %s", id)
	}
	canonical := s.ID()
	delete(r.sessions, canonical)
	for alias, target := range r.aliases {
		if target == canonical {
			delete(r.aliases, alias)
		}
	}
	r.mu.Unlock()

	s.close()
	if err := r.transcripts.Remove(canonical); err != nil {
		r.logger.Warn("failed to remove transcript", zap.Error(err))
	}
	if r.index != nil {
		if err := r.index.Delete(ctx, canonical); err != nil {
			r.logger.Warn("failed to remove session from index", zap.Error(err))
		}
	}
	r.publish(events.SessionRemoved, map[string]interface{}{
		"session_id": canonical,
	})

	r.logger.Info("session removed", zap.String("session_id", canonical))
	return nil
}

// List returns the session index, newest first. It covers sessions from
// previous runs, not only live ones.
func (r *Registry) List(ctx context.Context) ([]store.Record, error) {
	if r.index == nil {
		return nil, nil
	}
	return r.index.List(ctx)
}

// Live returns all currently live sessions.
func (r *Registry) Live() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll tears down every live session. Used on shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.Live() {
		s.close()
	}
	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.aliases = make(map[string]string)
	r.mu.Unlock()
}

// hooks binds an orchestrator to its session and to the registry.
func (r *Registry) hooks(s *Session) orchestrator.Hooks {
	return orchestrator.Hooks{
		Emit: s.Broadcast,
		Persist: func(raw []byte) {
			if err := s.writer.Append(raw); err != nil {
				s.logger.Warn("failed to persist transcript line", zap.Error(err))
			}
		},
		OnIdentity: func(sessionID, workingDir string) {
			if err := r.Migrate(s.ID(), sessionID, workingDir); err != nil {
				r.logger.Warn("identity migration failed", zap.Error(err))
			}
		},
		OnTurnStarted: func(turn int) {
			r.publish(events.TurnStarted, map[string]interface{}{
				"session_id": s.ID(),
				"turn":       turn,
			})
		},
		OnTurnEnded: func(turn, exitCode int) {
			if r.index != nil {
				if err := r.index.SetLastTurn(context.Background(), s.ID(), turn); err != nil {
					r.logger.Debug("failed to record last turn", zap.Error(err))
				}
			}
			r.publish(events.TurnEnded, map[string]interface{}{
				"session_id": s.ID(),
				"turn":       turn,
				"exit_code":  exitCode,
			})
		},
	}
}

func (r *Registry) publish(subject string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "registry", data)); err != nil {
		r.logger.Debug("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}
