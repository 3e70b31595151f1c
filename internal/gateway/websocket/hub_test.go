package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	ws "github.com/agentdeck/agentdeck/pkg/websocket"
)

func newTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(ws.NewDispatcher(), logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, cancel
}

func testClient(id string) *Client {
	return &Client{
		ID:     id,
		send:   make(chan []byte, 4),
		logger: logger.Default(),
	}
}

func TestHubRegisterAndBroadcast(t *testing.T) {
	h, cancel := newTestHub(t)
	defer cancel()

	c := testClient("c1")
	h.Register(c)

	msg, err := ws.NewNotification(ws.ActionOutput, map[string]string{"line": "hi"})
	require.NoError(t, err)
	h.Broadcast(msg)

	select {
	case data := <-c.send:
		assert.Contains(t, string(data), `"line":"hi"`)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast never reached the client")
	}
}

func TestHubUnregisterAfterShutdown(t *testing.T) {
	h, cancel := newTestHub(t)

	c := testClient("c1")
	h.Register(c)

	cancel()
	<-h.done

	// A read pump unwinding during shutdown deregisters its client after
	// the hub loop is gone; that must return, not block forever.
	finished := make(chan struct{})
	go func() {
		h.Unregister(c)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Unregister blocked after hub shutdown")
	}

	// Shutdown closed the client's send channel.
	_, open := <-c.send
	assert.False(t, open)
}

func TestHubRegisterAfterShutdown(t *testing.T) {
	h, cancel := newTestHub(t)
	cancel()
	<-h.done

	c := testClient("late")
	finished := make(chan struct{})
	go func() {
		h.Register(c)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Register blocked after hub shutdown")
	}

	// The late client was marked closed instead of being tracked.
	msg, err := ws.NewNotification(ws.ActionOutput, nil)
	require.NoError(t, err)
	assert.Error(t, c.trySend(msg))
}
