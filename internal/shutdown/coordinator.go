// Package shutdown tracks every child process spawned by the server so that
// all of them can be killed when the process receives a termination signal.
package shutdown

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/proc"
)

// Coordinator is the process-wide registry of spawned children.
// Register/Deregister may be called concurrently with KillAll; KillAll
// snapshots the set before iterating.
type Coordinator struct {
	mu       sync.Mutex
	nextID   uint64
	children map[uint64]proc.Killable
	logger   *logger.Logger
}

var _ proc.Registrar = (*Coordinator)(nil)

// NewCoordinator creates an empty coordinator.
func NewCoordinator(log *logger.Logger) *Coordinator {
	return &Coordinator{
		children: make(map[uint64]proc.Killable),
		logger:   log.WithFields(zap.String("component", "shutdown")),
	}
}

// Register adds a child and returns a deregistration func. The returned
// func is safe to call more than once.
func (c *Coordinator) Register(child proc.Killable) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.children[id] = child
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.children, id)
			c.mu.Unlock()
		})
	}
}

// Count returns the number of live registered children.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.children)
}

// KillAll force-kills every registered child. Children deregister
// themselves as they exit; entries left over are deleted here.
func (c *Coordinator) KillAll() {
	c.mu.Lock()
	snapshot := make([]proc.Killable, 0, len(c.children))
	for _, child := range c.children {
		snapshot = append(snapshot, child)
	}
	c.children = make(map[uint64]proc.Killable)
	c.mu.Unlock()

	if len(snapshot) > 0 {
		c.logger.Info("killing all child processes", zap.Int("count", len(snapshot)))
	}
	for _, child := range snapshot {
		child.Kill()
	}
}
