package routing

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrPeerNotFound is returned by lookups for unknown node ids.
var ErrPeerNotFound = errors.New("peer not found in routing table")

// bucketCapacity bounds how many peers may share a common-prefix bucket
// once the table is full, keeping the distance ranks spread.
const bucketCapacity = 16

// Table is this node's view of the overlay: the connected routing peers
// ordered by XOR distance from the local id, plus the group matrix built
// from each peer's own advertised close list.
//
// Write-seldom, read-often: guarded by a RWMutex.
type Table struct {
	localID    NodeID
	clientMode bool
	params     Parameters
	logger     *zap.Logger

	mu    sync.RWMutex
	peers []PeerInfo // sorted by distance to localID, closest first
}

// NewTable creates an empty routing table for the local node.
func NewTable(localID NodeID, clientMode bool, params Parameters, logger *zap.Logger) *Table {
	params.ApplyDefaults()
	return &Table{
		localID:    localID,
		clientMode: clientMode,
		params:     params,
		logger:     logger.Named("table"),
	}
}

// LocalID returns the local node id.
func (t *Table) LocalID() NodeID { return t.localID }

// ClientMode reports whether this node joined as a non-routing client.
func (t *Table) ClientMode() bool { return t.clientMode }

// Size returns the number of connected routing peers.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Add admits a peer if it improves the table. Duplicates and peers that
// neither fit free capacity nor beat the current furthest peer are
// rejected silently (false return).
func (t *Table) Add(peer PeerInfo) bool {
	if peer.NodeID == t.localID || peer.NodeID.IsZero() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.peers {
		if p.NodeID == peer.NodeID {
			return false
		}
	}

	if len(t.peers) < t.params.MaxRoutingTableSize {
		t.insertLocked(peer)
		t.logger.Debug("peer added", zap.Stringer("peer", peer.NodeID), zap.Int("size", len(t.peers)))
		return true
	}

	// Full table: only admit a candidate strictly closer to the local id
	// than the furthest peer, and only if its bucket is not saturated.
	furthest := t.peers[len(t.peers)-1]
	if !CloserToTarget(peer.NodeID, furthest.NodeID, t.localID) {
		return false
	}
	bucket := t.localID.CommonLeadingBits(peer.NodeID)
	occupancy := 0
	for _, p := range t.peers {
		if t.localID.CommonLeadingBits(p.NodeID) == bucket {
			occupancy++
		}
	}
	if occupancy >= bucketCapacity {
		return false
	}
	t.peers = t.peers[:len(t.peers)-1]
	t.insertLocked(peer)
	t.logger.Debug("peer replaced furthest",
		zap.Stringer("peer", peer.NodeID), zap.Stringer("evicted", furthest.NodeID))
	return true
}

func (t *Table) insertLocked(peer PeerInfo) {
	i := sort.Search(len(t.peers), func(i int) bool {
		return CloserToTarget(peer.NodeID, t.peers[i].NodeID, t.localID)
	})
	t.peers = append(t.peers, PeerInfo{})
	copy(t.peers[i+1:], t.peers[i:])
	t.peers[i] = peer
}

// CheckNode reports whether a candidate would currently be admitted.
// Used to gate connect requests before any handshake work is done.
func (t *Table) CheckNode(id NodeID) bool {
	if id == t.localID || id.IsZero() {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.NodeID == id {
			return false
		}
	}
	if len(t.peers) < t.params.MaxRoutingTableSize {
		return true
	}
	return CloserToTarget(id, t.peers[len(t.peers)-1].NodeID, t.localID)
}

// Remove drops a peer, returning its record if it was present.
func (t *Table) Remove(id NodeID) (PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.peers {
		if p.NodeID == id {
			t.peers = append(t.peers[:i], t.peers[i+1:]...)
			t.logger.Debug("peer removed", zap.Stringer("peer", id), zap.Int("size", len(t.peers)))
			return p, true
		}
	}
	return PeerInfo{}, false
}

// Contains reports table membership.
func (t *Table) Contains(id NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.NodeID == id {
			return true
		}
	}
	return false
}

// GetInfo returns a peer's record.
func (t *Table) GetInfo(id NodeID) (PeerInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.NodeID == id {
			return p, nil
		}
	}
	return PeerInfo{}, ErrPeerNotFound
}

// UpdateCloseNodes replaces a peer's matrix row. Unknown peers are
// ignored; the update arrives unsolicited and may race a disconnect.
func (t *Table) UpdateCloseNodes(id NodeID, closeNodes []NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.peers {
		if t.peers[i].NodeID == id {
			t.peers[i].CloseNodes = append([]NodeID(nil), closeNodes...)
			return true
		}
	}
	return false
}

// ClosestNodes returns up to n connected peers ordered by XOR distance
// to target, ties broken by lower id. Peers listed in exclude are
// skipped.
func (t *Table) ClosestNodes(target NodeID, n int, exclude ...NodeID) []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		skip := false
		for _, e := range exclude {
			if p.NodeID == e {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return CloserToTarget(out[i].NodeID, out[j].NodeID, target)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// FurthestNode returns the connected peer furthest from the local id.
func (t *Table) FurthestNode() (PeerInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.peers) == 0 {
		return PeerInfo{}, ErrPeerNotFound
	}
	return t.peers[len(t.peers)-1], nil
}

// IsThisNodeClosestTo reports whether no connected peer is strictly
// closer to target than the local node. With excludeTarget set, a peer
// whose id equals the target does not count (group addressing treats
// the target id as a rendezvous point, not a recipient).
func (t *Table) IsThisNodeClosestTo(target NodeID, excludeTarget bool) bool {
	if target.IsZero() {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if excludeTarget && p.NodeID == target {
			continue
		}
		if CloserToTarget(p.NodeID, t.localID, target) {
			return false
		}
	}
	return true
}

// IsThisNodeInRange reports whether the local node ranks within the
// size closest ids to target over the union of itself and its peers.
func (t *Table) IsThisNodeInRange(target NodeID, size int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	closer := 0
	for _, p := range t.peers {
		if CloserToTarget(p.NodeID, t.localID, target) {
			closer++
			if closer >= size {
				return false
			}
		}
	}
	return true
}

// matrixRowsLocked walks every known id in the matrix view: connected
// peers and each of their advertised close nodes, with the connected
// peer that owns the row.
func (t *Table) matrixRowsLocked(visit func(id NodeID, via PeerInfo) bool) {
	for _, p := range t.peers {
		if !visit(p.NodeID, p) {
			return
		}
		for _, id := range p.CloseNodes {
			if id == t.localID || id.IsZero() {
				continue
			}
			if !visit(id, p) {
				return
			}
		}
	}
}

// IsThisNodeClosestToIncludingMatrix evaluates the closest predicate
// over the widened matrix view.
func (t *Table) IsThisNodeClosestToIncludingMatrix(target NodeID) bool {
	if target.IsZero() {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	closest := true
	t.matrixRowsLocked(func(id NodeID, _ PeerInfo) bool {
		if id != target && CloserToTarget(id, t.localID, target) {
			closest = false
			return false
		}
		return true
	})
	return closest
}

// GetClosestMatrixNodes returns up to n ids from the matrix view ordered
// by distance to target. Entries that are not directly connected carry
// an empty ConnectionID; sends to them fall back to closest-node
// forwarding.
func (t *Table) GetClosestMatrixNodes(target NodeID, n int) []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[NodeID]PeerInfo)
	t.matrixRowsLocked(func(id NodeID, via PeerInfo) bool {
		if existing, ok := seen[id]; ok && existing.Connected() {
			return true
		}
		if id == via.NodeID {
			seen[id] = via
		} else {
			seen[id] = PeerInfo{NodeID: id}
		}
		return true
	})
	out := make([]PeerInfo, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return CloserToTarget(out[i].NodeID, out[j].NodeID, target)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// IsThisNodeGroupLeader decides whether the local node should replicate
// a group message for target. When false, the returned peer is the
// connected neighbour through which a closer node is reachable. Ids in
// routeHistory have already carried the message and are not considered.
func (t *Table) IsThisNodeGroupLeader(target NodeID, routeHistory []NodeID) (bool, PeerInfo) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	skip := func(id NodeID) bool {
		for _, h := range routeHistory {
			if h == id {
				return true
			}
		}
		return false
	}

	best := t.localID
	var bestVia PeerInfo
	t.matrixRowsLocked(func(id NodeID, via PeerInfo) bool {
		if id == target || skip(id) {
			return true
		}
		if CloserToTarget(id, best, target) {
			best = id
			bestVia = via
		}
		return true
	})
	if best == t.localID {
		return true, PeerInfo{}
	}
	return false, bestVia
}

// CloseNodes returns the local close list advertised in
// closest-nodes-update broadcasts.
func (t *Table) CloseNodes() []NodeID {
	peers := t.ClosestNodes(t.localID, t.params.ClosestNodesSize)
	out := make([]NodeID, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.NodeID)
	}
	return out
}

// Peers returns a snapshot of all connected routing peers.
func (t *Table) Peers() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]PeerInfo(nil), t.peers...)
}
