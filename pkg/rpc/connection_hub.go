package rpc

import (
	"fmt"
	"sync"
)

// ConnectionHub keeps track of the dApp connections a node is serving.
// Connections are indexed by their ID and by the origin taken from the
// websocket handshake. A dApp opened in several tabs has one connection per
// tab, all under the same origin, and every one of them receives the events
// emitted for that origin.
//
// The origin of a connection is fixed for its lifetime, so unlike a user
// binding it never has to be moved between indexes.
type ConnectionHub struct {
	// connections maps connection IDs to live connections
	connections map[string]Connection
	// tabs maps an origin to the IDs of its connections
	tabs map[string]map[string]struct{}
	// mu protects both maps
	mu sync.RWMutex
}

// NewConnectionHub creates an empty hub.
func NewConnectionHub() *ConnectionHub {
	return &ConnectionHub{
		connections: make(map[string]Connection),
		tabs:        make(map[string]map[string]struct{}),
	}
}

// Add registers conn under its ID and origin.
//
// Returns an error if conn is nil or its ID is already registered.
func (hub *ConnectionHub) Add(conn Connection) error {
	if conn == nil {
		return fmt.Errorf("connection cannot be nil")
	}

	connID := conn.ConnectionID()

	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, exists := hub.connections[connID]; exists {
		return fmt.Errorf("connection with ID %s already exists", connID)
	}
	hub.connections[connID] = conn

	tabs, ok := hub.tabs[conn.Origin()]
	if !ok {
		tabs = make(map[string]struct{})
		hub.tabs[conn.Origin()] = tabs
	}
	tabs[connID] = struct{}{}
	return nil
}

// Get returns the connection registered under connID, or nil.
func (hub *ConnectionHub) Get(connID string) Connection {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	return hub.connections[connID]
}

// Remove unregisters connID and forgets its origin once the origin has no
// connection left. Unknown IDs are ignored.
func (hub *ConnectionHub) Remove(connID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conn, ok := hub.connections[connID]
	if !ok {
		return
	}
	delete(hub.connections, connID)

	origin := conn.Origin()
	tabs := hub.tabs[origin]
	delete(tabs, connID)
	if len(tabs) == 0 {
		delete(hub.tabs, origin)
	}
}

// Count returns the number of live connections.
func (hub *ConnectionHub) Count() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	return len(hub.connections)
}

// OriginCount returns how many connections origin currently holds.
func (hub *ConnectionHub) OriginCount(origin string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	return len(hub.tabs[origin])
}

// Publish queues message on every connection opened from origin and returns
// how many of them accepted it. A connection whose write queue stays full is
// closed by its own writer, so a stalled tab never holds up the others.
//
// The read lock is held while queueing, so a connection removed concurrently
// either gets the message or is already gone.
func (hub *ConnectionHub) Publish(origin string, message []byte) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	accepted := 0
	for connID := range hub.tabs[origin] {
		conn := hub.connections[connID]
		if conn == nil {
			continue
		}
		if conn.WriteRawResponse(message) {
			accepted++
		}
	}
	return accepted
}
