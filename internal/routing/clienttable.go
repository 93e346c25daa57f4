package routing

import (
	"sync"

	"go.uber.org/zap"
)

// ClientTable tracks directly-attached non-routing (leaf) peers. Client
// peers do not forward traffic; they only appear here, never in the
// routing table. Node ids are unique across both tables.
type ClientTable struct {
	localID NodeID
	params  Parameters
	logger  *zap.Logger

	mu      sync.RWMutex
	clients map[NodeID]PeerInfo
}

// NewClientTable creates an empty client routing table.
func NewClientTable(localID NodeID, params Parameters, logger *zap.Logger) *ClientTable {
	params.ApplyDefaults()
	return &ClientTable{
		localID: localID,
		params:  params,
		logger:  logger.Named("clients"),
		clients: make(map[NodeID]PeerInfo),
	}
}

// Add attaches a client peer. A client is only accepted while its id
// falls inside our close neighbourhood, bounded by furthestClose: a
// client should attach to the nodes responsible for its id.
func (c *ClientTable) Add(peer PeerInfo, furthestClose NodeID) bool {
	if peer.NodeID == c.localID || peer.NodeID.IsZero() {
		return false
	}
	if !furthestClose.IsZero() && CloserToTarget(furthestClose, peer.NodeID, c.localID) {
		c.logger.Debug("client outside close range", zap.Stringer("client", peer.NodeID))
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[peer.NodeID]; ok {
		return false
	}
	if len(c.clients) >= c.params.MaxClientRoutingTableSize {
		return false
	}
	peer.Client = true
	c.clients[peer.NodeID] = peer
	c.logger.Debug("client attached", zap.Stringer("client", peer.NodeID), zap.Int("size", len(c.clients)))
	return true
}

// Remove detaches a client peer.
func (c *ClientTable) Remove(id NodeID) (PeerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.clients[id]
	if ok {
		delete(c.clients, id)
	}
	return p, ok
}

// RemoveByConnection detaches the client owning a dropped connection.
func (c *ClientTable) RemoveByConnection(connectionID string) (PeerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.clients {
		if p.ConnectionID == connectionID {
			delete(c.clients, id)
			c.logger.Debug("client detached", zap.Stringer("client", id))
			return p, true
		}
	}
	return PeerInfo{}, false
}

// Contains reports whether id is an attached client.
func (c *ClientTable) Contains(id NodeID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.clients[id]
	return ok
}

// GetInfo returns an attached client's record.
func (c *ClientTable) GetInfo(id NodeID) (PeerInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.clients[id]; ok {
		return p, nil
	}
	return PeerInfo{}, ErrPeerNotFound
}

// Size returns the number of attached clients.
func (c *ClientTable) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}
