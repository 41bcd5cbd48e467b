package api

import (
	"sync"
	"time"
)

// ConnectionEntry describes one authenticated realtime connection
type ConnectionEntry struct {
	ClientID       string    `json:"clientId"`
	UserID         string    `json:"userId"`
	KeyName        string    `json:"keyName"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// KeyUsage is the per-key part of GatewayStats
type KeyUsage struct {
	Connections int   `json:"connections"`
	Messages    int64 `json:"messages"`
}

// GatewayStats is a read-only view of the connection registry
type GatewayStats struct {
	Connections int                 `json:"connections"`
	Users       int                 `json:"users"`
	Keys        map[string]KeyUsage `json:"keys"`
}

// ConnectionManager is the registry of active realtime connections. Entries
// are added on connect and removed on close from different goroutines.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*ConnectionEntry
	messages    map[string]int64
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*ConnectionEntry),
		messages:    make(map[string]int64),
	}
}

// Add registers a connection
func (cm *ConnectionManager) Add(entry ConnectionEntry) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[entry.ClientID] = &entry
}

// Remove drops a connection. Removing an unknown id is a no-op.
func (cm *ConnectionManager) Remove(clientID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.connections, clientID)
}

// Touch records activity on a connection
func (cm *ConnectionManager) Touch(clientID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if entry, ok := cm.connections[clientID]; ok {
		entry.LastActivityAt = time.Now()
	}
}

// RecordMessage counts a chat message against the key
func (cm *ConnectionManager) RecordMessage(keyName string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.messages[keyName]++
}

// Get returns a copy of the entry for clientID
func (cm *ConnectionManager) Get(clientID string) (ConnectionEntry, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	entry, ok := cm.connections[clientID]
	if !ok {
		return ConnectionEntry{}, false
	}
	return *entry, true
}

// Stats returns connection statistics
func (cm *ConnectionManager) Stats() GatewayStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	users := make(map[string]struct{})
	keys := make(map[string]KeyUsage)
	for _, entry := range cm.connections {
		users[entry.UserID] = struct{}{}
		usage := keys[entry.KeyName]
		usage.Connections++
		keys[entry.KeyName] = usage
	}
	for name, count := range cm.messages {
		usage := keys[name]
		usage.Messages = count
		keys[name] = usage
	}

	return GatewayStats{
		Connections: len(cm.connections),
		Users:       len(users),
		Keys:        keys,
	}
}
