package rpc_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantonconnect/bridge/pkg/rpc"
)

func TestConnectionHub(t *testing.T) {
	t.Parallel()

	hub := rpc.NewConnectionHub()

	const (
		originA = "https://a.example"
		originB = "https://b.example"
	)

	conn1 := newMockConnection("conn1", originA)
	conn2 := newMockConnection("conn2", originA)
	conn3 := newMockConnection("conn3", originB)
	require.NoError(t, hub.Add(conn1))
	require.NoError(t, hub.Add(conn2))
	require.NoError(t, hub.Add(conn3))

	err := hub.Add(conn1)
	require.Equal(t, "connection with ID conn1 already exists", err.Error())
	require.Equal(t, "connection cannot be nil", hub.Add(nil).Error())

	assert.Equal(t, conn1, hub.Get("conn1"))
	assert.Nil(t, hub.Get("missing"))
	assert.Equal(t, 3, hub.Count())

	assert.Equal(t, 2, hub.OriginCount(originA))
	assert.Equal(t, 1, hub.OriginCount(originB))

	message1 := []byte("for a")
	assert.Equal(t, 2, hub.Publish(originA, message1))
	require.Equal(t, message1, conn1.getLastResponse())
	require.Equal(t, message1, conn2.getLastResponse())
	assert.Empty(t, conn3.getLastResponse())

	hub.Remove("conn1")
	hub.Remove("conn1")
	assert.Nil(t, hub.Get("conn1"))
	assert.Equal(t, 2, hub.Count())
	assert.Equal(t, 1, hub.OriginCount(originA))

	message2 := []byte("for a again")
	assert.Equal(t, 1, hub.Publish(originA, message2))
	require.Equal(t, message2, conn2.getLastResponse())
	require.Equal(t, message1, conn1.getLastResponse())

	assert.Zero(t, hub.Publish("https://nobody.example", []byte("dropped")))

	// a stalled tab does not count as a delivery
	conn3.setAccepting(false)
	assert.Zero(t, hub.Publish(originB, []byte("for b")))

	hub.Remove("conn2")
	hub.Remove("conn3")
	assert.Zero(t, hub.Count())
	assert.Zero(t, hub.OriginCount(originA))
}

type mockConnection struct {
	connectionID string
	origin       string

	rawRequests   chan []byte
	lastResponse  []byte
	rejecting     bool
	handleClosure func(error)
	mu            sync.RWMutex
}

func newMockConnection(connID, origin string) *mockConnection {
	return &mockConnection{
		connectionID: connID,
		origin:       origin,
		rawRequests:  make(chan []byte, 10),
	}
}

func (mc *mockConnection) ConnectionID() string { return mc.connectionID }

func (mc *mockConnection) Origin() string { return mc.origin }

func (mc *mockConnection) RawRequests() <-chan []byte { return mc.rawRequests }

func (mc *mockConnection) WriteRawResponse(response []byte) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.rejecting {
		return false
	}
	mc.lastResponse = response
	return true
}

func (mc *mockConnection) setAccepting(accepting bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.rejecting = !accepting
}

func (mc *mockConnection) getLastResponse() []byte {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return mc.lastResponse
}

func (mc *mockConnection) Serve(_ context.Context, handleClosure func(error)) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.handleClosure = handleClosure
}
