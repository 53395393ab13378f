package registry

import (
	"net"
	"sync"
)

// ClientKey identifies an in-flight session by the peer that started it and
// the exact bytes of its initial RRQ/WRQ, per §4.3. Two retransmissions of
// the same initial request from the same peer collide on this key so the
// dispatcher can drop the duplicate instead of spawning a second session.
type ClientKey struct {
	addr  string
	bytes string
}

// NewClientKey builds a ClientKey from a peer address and the raw bytes of
// its initial datagram.
func NewClientKey(peer net.Addr, initial []byte) ClientKey {
	return ClientKey{addr: peer.String(), bytes: string(initial)}
}

// Clients is the set of sessions that have started and not yet ended,
// keyed by ClientKey. Guarded by its own mutex, independent of Files.
type Clients struct {
	mu   sync.Mutex
	live map[ClientKey]struct{}
}

// NewClients returns an empty client registry.
func NewClients() *Clients {
	return &Clients{live: make(map[ClientKey]struct{})}
}

// TryAdd registers key as in-flight and reports true, or reports false
// without modifying the registry if key is already present (a
// retransmitted initial request while the original session is still live).
func (c *Clients) TryAdd(key ClientKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.live[key]; exists {
		return false
	}
	c.live[key] = struct{}{}
	return true
}

// Remove unregisters key at worker termination.
func (c *Clients) Remove(key ClientKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, key)
}

// Len reports the number of in-flight sessions, for tests and diagnostics.
func (c *Clients) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}
