package session

import (
	"sync"

	"github.com/ocproxy/ocproxy/internal/streaming"
)

// ClientMap tracks which thread currently owns a live streaming client. A
// thread with an entry here is mid-prompt. Entries live only in memory; a
// restart naturally clears them.
type ClientMap struct {
	mu      sync.Mutex
	clients map[string]*streaming.Client
}

// NewClientMap creates an empty client map.
func NewClientMap() *ClientMap {
	return &ClientMap{clients: make(map[string]*streaming.Client)}
}

// Claim inserts the client for the thread only if no client is present.
// Returns false when another prompt already holds the thread, in which case
// the caller must not start work.
func (m *ClientMap) Claim(threadID string, client *streaming.Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clients[threadID]; exists {
		return false
	}
	m.clients[threadID] = client
	return true
}

// Get returns the claimed client for the thread.
func (m *ClientMap) Get(threadID string) (*streaming.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[threadID]
	return client, ok
}

// Clear releases the thread's claim. Safe when no claim exists.
func (m *ClientMap) Clear(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, threadID)
}
