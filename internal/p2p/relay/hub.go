package relay

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrPeerNotFound = errors.New("relay: peer not connected")
	ErrPeerBusy     = errors.New("relay: peer send buffer full")
)

// peerKey addresses one participant inside one session.
type peerKey struct {
	sessionID string
	peerID    string
}

// hub tracks connected relay clients.
type hub struct {
	mu      sync.RWMutex
	clients map[peerKey]*client
}

func newHub() *hub {
	return &hub{clients: make(map[peerKey]*client)}
}

// register adds c, replacing and closing any earlier connection of the same peer.
func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[c.key]; ok {
		old.close()
	}
	h.clients[c.key] = c
}

// unregister removes c if it is still the registered connection for its key.
func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.key]; ok && cur == c {
		delete(h.clients, c.key)
	}
	c.close()
}

func (h *hub) get(sessionID, peerID string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[peerKey{sessionID: sessionID, peerID: peerID}]
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) sessionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for k := range h.clients {
		if k.sessionID == sessionID {
			n++
		}
	}
	return n
}

// sendTo queues frame for peerID, waiting for buffer space until ctx ends.
func (h *hub) sendTo(ctx context.Context, sessionID, peerID string, frame []byte) error {
	c := h.get(sessionID, peerID)
	if c == nil {
		return ErrPeerNotFound
	}
	if !c.sendContext(ctx, frame) {
		return ErrPeerBusy
	}
	return nil
}

// closeSession disconnects every client of sessionID.
func (h *hub) closeSession(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for k, c := range h.clients {
		if k.sessionID == sessionID {
			c.close()
			delete(h.clients, k)
			n++
		}
	}
	return n
}

func (h *hub) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, c := range h.clients {
		c.close()
		delete(h.clients, k)
	}
}
