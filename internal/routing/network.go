package routing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// routeHistoryLimit bounds the loop-avoidance trail carried by group
// messages.
const routeHistoryLimit = 10

// Network is the outbound half of the core: it resolves the next hop
// for a message and hands it to the transport, wrapping sends that need
// per-hop reliability in the acknowledgement engine.
type Network struct {
	localID NodeID
	params  Parameters
	logger  *zap.Logger

	transport Transport
	table     *Table
	clients   *ClientTable
	ack       *AckEngine

	mu              sync.RWMutex
	bootstrapConnID string
}

// NewNetwork wires the sender to its collaborators.
func NewNetwork(table *Table, clients *ClientTable, ack *AckEngine, transport Transport,
	params Parameters, logger *zap.Logger) *Network {
	params.ApplyDefaults()
	return &Network{
		localID:   table.LocalID(),
		params:    params,
		logger:    logger.Named("network"),
		transport: transport,
		table:     table,
		clients:   clients,
		ack:       ack,
	}
}

// SetBootstrapConnection records the connection all traffic uses while
// the routing table is still empty.
func (n *Network) SetBootstrapConnection(connectionID string) {
	n.mu.Lock()
	n.bootstrapConnID = connectionID
	n.mu.Unlock()
}

// BootstrapConnection returns the current bootstrap connection id.
func (n *Network) BootstrapConnection() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bootstrapConnID
}

// LocalEndpoint returns the transport's advertised listen address.
func (n *Network) LocalEndpoint() string {
	return n.transport.LocalEndpoint()
}

// SendToDirect transmits to a specific connected peer.
func (n *Network) SendToDirect(m *Message, peer NodeID, connectionID string) {
	if connectionID == "" {
		if info, err := n.table.GetInfo(peer); err == nil && info.Connected() {
			connectionID = info.ConnectionID
		} else if info, err := n.clients.GetInfo(peer); err == nil && info.Connected() {
			connectionID = info.ConnectionID
		} else {
			n.SendToClosestNode(m)
			return
		}
	}
	n.transmit(connectionID, m)
}

// SendToDirectAdjustedRoute records the local node on the message's
// route history before forwarding, so downstream group-leader checks
// skip nodes the message has already crossed.
func (n *Network) SendToDirectAdjustedRoute(m *Message, peer NodeID, connectionID string) {
	n.adjustRouteHistory(m)
	n.SendToDirect(m, peer, connectionID)
}

func (n *Network) adjustRouteHistory(m *Message) {
	local := n.localID.Hex()
	if len(m.RouteHistory) > 0 && m.RouteHistory[len(m.RouteHistory)-1] == local {
		return
	}
	m.RouteHistory = append(m.RouteHistory, local)
	if len(m.RouteHistory) > routeHistoryLimit {
		m.RouteHistory = m.RouteHistory[len(m.RouteHistory)-routeHistoryLimit:]
	}
}

// SendToClosestNode forwards a message one hop towards its destination:
// relay return trips go out on the stored relay connection, known
// destinations are hit directly, everything else goes to the connected
// peer closest to the destination. With an empty routing table all
// traffic uses the bootstrap connection.
func (n *Network) SendToClosestNode(m *Message) {
	if m.DestinationID == "" {
		// Relay return trip: the unjoined peer is only reachable over
		// the connection it arrived on.
		if m.HasRelay() && m.RelayConnectionID != "" {
			n.transmit(m.RelayConnectionID, m)
			return
		}
		n.logger.Warn("message without destination dropped", zap.Uint32("msg_id", m.ID))
		metricDropped.WithLabelValues("no_destination").Inc()
		return
	}

	dest, err := ParseNodeID(m.DestinationID)
	if err != nil {
		n.logger.Warn("unroutable destination", zap.Error(err))
		metricDropped.WithLabelValues("bad_destination").Inc()
		return
	}

	if n.table.Size() == 0 {
		boot := n.BootstrapConnection()
		if boot == "" {
			n.logger.Warn("no routing peers and no bootstrap connection",
				zap.Uint32("msg_id", m.ID))
			metricDropped.WithLabelValues("no_route").Inc()
			return
		}
		n.transmit(boot, m)
		return
	}

	if m.IsDirect() {
		if info, err := n.clients.GetInfo(dest); err == nil {
			n.transmit(info.ConnectionID, m)
			return
		}
		if info, err := n.table.GetInfo(dest); err == nil {
			n.transmit(info.ConnectionID, m)
			return
		}
	}

	next, ok := n.nextHop(m, dest)
	if !ok {
		n.logger.Warn("no next hop", zap.Stringer("destination", dest), zap.Uint32("msg_id", m.ID))
		metricDropped.WithLabelValues("no_route").Inc()
		return
	}
	n.transmit(next.ConnectionID, m)
}

// nextHop picks the connected peer closest to dest, avoiding peers the
// message has already crossed where an alternative exists.
func (n *Network) nextHop(m *Message, dest NodeID) (PeerInfo, bool) {
	exclude := make([]NodeID, 0, len(m.RouteHistory)+1)
	for _, h := range m.RouteHistory {
		if id, err := ParseNodeID(h); err == nil && id != dest {
			exclude = append(exclude, id)
		}
	}
	if m.LastID != "" {
		if id, err := ParseNodeID(m.LastID); err == nil && id != dest {
			exclude = append(exclude, id)
		}
	}
	candidates := n.table.ClosestNodes(dest, 1, exclude...)
	if len(candidates) == 0 {
		candidates = n.table.ClosestNodes(dest, 1)
	}
	if len(candidates) == 0 {
		return PeerInfo{}, false
	}
	return candidates[0], true
}

// SendAck returns an acknowledgement carrier for a message that just
// arrived on connectionID.
func (n *Network) SendAck(m *Message, connectionID string) {
	if m.AckID == 0 {
		return
	}
	source := n.localID
	var dest NodeID
	if m.LastID != "" {
		dest, _ = ParseNodeID(m.LastID)
	} else if m.SourceID != "" {
		dest, _ = ParseNodeID(m.SourceID)
	}
	ack := ackMessage(source, dest, m.AckID, n.params)
	n.transmit(connectionID, ack)
}

// transmit encodes and writes one frame, arming the ack engine first
// when the message needs per-hop reliability. Transport failures are
// logged only; retransmission masks transient faults.
func (n *Network) transmit(connectionID string, m *Message) {
	if connectionID == "" {
		n.logger.Warn("transmit without connection", zap.Uint32("msg_id", m.ID))
		metricDropped.WithLabelValues("no_connection").Inc()
		return
	}
	if m.HopsToLive <= 0 {
		n.logger.Debug("hop budget exhausted", zap.Uint32("msg_id", m.ID))
		metricDropped.WithLabelValues("hop_exhausted").Inc()
		return
	}
	m.LastID = n.localID.Hex()

	if n.ack.NeedsAck(m) {
		if m.AckID == 0 {
			m.AckID = n.ack.NewAckID()
		}
		var retransmit AckHandler
		retransmit = func(snapshot *Message) {
			n.ack.Add(snapshot, retransmit, n.params.AckTimeout)
			n.write(connectionID, snapshot)
		}
		n.ack.Add(m, retransmit, n.params.AckTimeout)
	}
	n.write(connectionID, m)
}

func (n *Network) write(connectionID string, m *Message) {
	raw, err := Encode(m)
	if err != nil {
		n.logger.Error("encode failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.transport.Send(ctx, connectionID, raw); err != nil {
		n.logger.Warn("transport send failed",
			zap.String("conn", connectionID), zap.Uint32("msg_id", m.ID), zap.Error(err))
		metricSendFailures.Inc()
		return
	}
	metricSent.Inc()
}
