package shutdown

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/proc"
)

type fakeChild struct {
	mu     sync.Mutex
	killed int
}

func (f *fakeChild) Kill() {
	f.mu.Lock()
	f.killed++
	f.mu.Unlock()
}

func (f *fakeChild) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func TestCoordinatorIsProcRegistrar(t *testing.T) {
	// Spawned children register themselves through the proc.Registrar
	// interface, so the coordinator must satisfy it.
	var reg proc.Registrar = NewCoordinator(logger.Default())

	ch := &fakeChild{}
	dereg := reg.Register(ch)
	assert.Equal(t, 1, reg.(*Coordinator).Count())
	dereg()
	assert.Zero(t, reg.(*Coordinator).Count())
}

func TestRegisterAndCount(t *testing.T) {
	c := NewCoordinator(logger.Default())
	assert.Zero(t, c.Count())

	dereg1 := c.Register(&fakeChild{})
	dereg2 := c.Register(&fakeChild{})
	assert.Equal(t, 2, c.Count())

	dereg1()
	assert.Equal(t, 1, c.Count())

	// Deregistering twice must not remove someone else's entry.
	dereg1()
	assert.Equal(t, 1, c.Count())

	dereg2()
	assert.Zero(t, c.Count())
}

func TestKillAll(t *testing.T) {
	c := NewCoordinator(logger.Default())
	children := []*fakeChild{{}, {}, {}}
	for _, ch := range children {
		c.Register(ch)
	}

	c.KillAll()
	for i, ch := range children {
		assert.Equal(t, 1, ch.killCount(), "child %d", i)
	}
	assert.Zero(t, c.Count())
}

func TestDeregisterAfterKillAll(t *testing.T) {
	c := NewCoordinator(logger.Default())
	ch := &fakeChild{}
	dereg := c.Register(ch)

	c.KillAll()
	// The child's own exit path deregisters late; that must be harmless.
	dereg()
	assert.Zero(t, c.Count())
	assert.Equal(t, 1, ch.killCount())
}

func TestConcurrentRegisterAndKill(t *testing.T) {
	c := NewCoordinator(logger.Default())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dereg := c.Register(&fakeChild{})
			dereg()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.KillAll()
	}()
	wg.Wait()

	c.KillAll()
	assert.Zero(t, c.Count())
}
