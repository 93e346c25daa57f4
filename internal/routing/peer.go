package routing

import "crypto/ed25519"

// PeerInfo is this node's record of a known peer. ConnectionID is the
// opaque transport handle; the transport owns the connection itself.
type PeerInfo struct {
	NodeID       NodeID
	PublicKey    ed25519.PublicKey
	ConnectionID string
	Endpoint     string
	Client       bool

	// CloseNodes is the peer's own advertised close list (its matrix
	// row), refreshed by closest-nodes-update messages.
	CloseNodes []NodeID
}

// Connected reports whether this peer has a live transport connection.
func (p PeerInfo) Connected() bool {
	return p.ConnectionID != ""
}
