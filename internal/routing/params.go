package routing

import "time"

// Parameters holds the tunables of the routing protocol. Zero values are
// replaced with defaults by ApplyDefaults, so a zero Parameters is usable.
type Parameters struct {
	// GroupSize is the replication factor for group messages.
	GroupSize int `yaml:"group_size"`

	// ClosestNodesSize is the neighbourhood size used by the in-range
	// predicates.
	ClosestNodesSize int `yaml:"closest_nodes_size"`

	// MaxRoutingTableSize caps the number of connected routing peers.
	MaxRoutingTableSize int `yaml:"max_routing_table_size"`

	// MaxClientRoutingTableSize caps directly attached client peers.
	MaxClientRoutingTableSize int `yaml:"max_client_routing_table_size"`

	// MaxAckAttempts is the number of retransmissions before a hop is
	// given up on.
	MaxAckAttempts int `yaml:"max_ack_attempts"`

	// AckTimeout is the per-hop acknowledgement deadline.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// ResponseTimeout bounds end-to-end request correlation.
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// HopsToLive is the initial hop budget on new messages.
	HopsToLive int `yaml:"hops_to_live"`

	// CachingEnabled is the master switch for GET/PUT content caching.
	CachingEnabled bool `yaml:"caching_enabled"`
}

// DefaultParameters returns the protocol defaults.
func DefaultParameters() Parameters {
	p := Parameters{}
	p.ApplyDefaults()
	return p
}

// ApplyDefaults fills unset fields.
func (p *Parameters) ApplyDefaults() {
	if p.GroupSize <= 0 {
		p.GroupSize = 4
	}
	if p.ClosestNodesSize <= 0 {
		p.ClosestNodesSize = 8
	}
	if p.MaxRoutingTableSize <= 0 {
		p.MaxRoutingTableSize = 64
	}
	if p.MaxClientRoutingTableSize <= 0 {
		p.MaxClientRoutingTableSize = 16
	}
	if p.MaxAckAttempts <= 0 {
		p.MaxAckAttempts = 3
	}
	if p.AckTimeout <= 0 {
		p.AckTimeout = 5 * time.Second
	}
	if p.ResponseTimeout <= 0 {
		p.ResponseTimeout = 20 * time.Second
	}
	if p.HopsToLive <= 0 {
		p.HopsToLive = 10
	}
}
