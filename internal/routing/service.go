package routing

import (
	"crypto/ed25519"

	"go.uber.org/zap"
)

// Service processes the request side of routing-protocol messages. Each
// handler returns at most one outbound message; the message handler
// re-enters the forwarding decision with it.
type Service struct {
	localID   NodeID
	publicKey ed25519.PublicKey
	params    Parameters
	logger    *zap.Logger

	table   *Table
	clients *ClientTable
	network *Network
}

// NewService wires the request-side protocol handlers.
func NewService(table *Table, clients *ClientTable, network *Network,
	publicKey ed25519.PublicKey, params Parameters, logger *zap.Logger) *Service {
	params.ApplyDefaults()
	return &Service{
		localID:   table.LocalID(),
		publicKey: publicKey,
		params:    params,
		logger:    logger.Named("service"),
		table:     table,
		clients:   clients,
		network:   network,
	}
}

// respond turns a request into its response frame: source and
// destination swap, the correlation id and relay fields survive, and
// the hop budget is refreshed. A relay request (empty source) yields an
// empty destination, which the sender resolves to the stored relay
// connection.
func (s *Service) respond(m *Message, frame []byte) *Message {
	r := m.Clone()
	r.Request = false
	r.Direct = true
	r.DestinationID = m.SourceID
	r.SourceID = s.localID.Hex()
	r.Data = [][]byte{frame}
	r.Replication = 1
	r.HopsToLive = s.params.HopsToLive
	r.AckID = 0
	r.Visited = false
	r.RouteHistory = nil
	return r
}

// Ping answers with a pong carrying the original request for the
// caller's liveness bookkeeping.
func (s *Service) Ping(m *Message) *Message {
	if m.DestinationID != s.localID.Hex() {
		return nil // not for us and not to be passed on
	}
	var req pingRequest
	if err := unmarshalFrame(m, &req); err != nil {
		s.logger.Debug("malformed ping", zap.Error(err))
		return nil
	}
	return s.respond(m, marshalFrame(pingResponse{Pong: true, OriginalRequest: m.Data[0]}))
}

// Connect answers a join handshake. Admission is gated by CheckNode;
// client peers are always answered. The requester dials back on a
// positive answer and completes with a connect-success exchange.
func (s *Service) Connect(m *Message) *Message {
	if m.DestinationID != s.localID.Hex() {
		return nil
	}
	var req connectRequest
	if err := unmarshalFrame(m, &req); err != nil {
		s.logger.Debug("malformed connect request", zap.Error(err))
		return nil
	}
	if req.Bootstrap {
		// Already connected as our bootstrap contact.
		return nil
	}
	candidate, err := ParseNodeID(req.NodeID)
	if err != nil {
		s.logger.Debug("connect request with bad node id", zap.Error(err))
		return nil
	}

	answer := req.Client || s.table.CheckNode(candidate)
	s.logger.Debug("connect request",
		zap.Stringer("candidate", candidate), zap.Bool("client", req.Client), zap.Bool("answer", answer))

	return s.respond(m, marshalFrame(connectResponse{
		Answer:    answer,
		NodeID:    s.localID.Hex(),
		PublicKey: s.publicKey,
		Endpoint:  s.network.LocalEndpoint(),
	}))
}

// ConnectSuccess completes the handshake on the answering side: the
// requester has dialled back and announces itself on the new
// connection. On admission the peer enters the appropriate table and an
// acknowledgement closes the loop.
func (s *Service) ConnectSuccess(m *Message, fromConnection string) *Message {
	var req connectSuccess
	if err := unmarshalFrame(m, &req); err != nil {
		s.logger.Debug("malformed connect success", zap.Error(err))
		return nil
	}
	peerID, err := ParseNodeID(req.NodeID)
	if err != nil {
		s.logger.Debug("connect success with bad node id", zap.Error(err))
		return nil
	}
	peer := PeerInfo{NodeID: peerID, ConnectionID: fromConnection, Client: req.Client}

	added := false
	if req.Client {
		var furthest NodeID
		if f, err := s.table.FurthestNode(); err == nil {
			furthest = f.NodeID
		}
		added = s.clients.Add(peer, furthest)
	} else {
		added = s.table.Add(peer)
		if added {
			metricTableSize.Set(float64(s.table.Size()))
		}
	}
	if !added {
		s.logger.Debug("connect success rejected", zap.Stringer("peer", peerID))
		return nil
	}
	s.logger.Info("peer validated", zap.Stringer("peer", peerID), zap.Bool("client", req.Client))

	resp := s.respond(m, marshalFrame(connectSuccess{
		NodeID:       s.localID.Hex(),
		ConnectionID: fromConnection,
	}))
	resp.Type = TypeConnectSuccessAck
	resp.DestinationID = req.NodeID
	return resp
}

// FindNodes returns our closest peers to the requested target. On a
// small network the local id is appended so the requester always learns
// a contact.
func (s *Service) FindNodes(m *Message) *Message {
	var req findNodesRequest
	if err := unmarshalFrame(m, &req); err != nil {
		s.logger.Debug("malformed find-nodes request", zap.Error(err))
		return nil
	}
	target, err := ParseNodeID(req.Target)
	if err != nil {
		s.logger.Debug("find-nodes with bad target", zap.Error(err))
		return nil
	}
	n := req.NumNodes
	if n <= 0 || n > s.params.MaxRoutingTableSize {
		n = s.params.ClosestNodesSize
	}

	var resp findNodesResponse
	for _, p := range s.table.ClosestNodes(target, n) {
		resp.Nodes = append(resp.Nodes, foundNode{NodeID: p.NodeID.Hex(), Endpoint: p.Endpoint})
	}
	if s.table.Size() < s.params.ClosestNodesSize {
		resp.Nodes = append(resp.Nodes, foundNode{NodeID: s.localID.Hex(), Endpoint: s.network.LocalEndpoint()})
	}
	return s.respond(m, marshalFrame(resp))
}

// ClosestNodesUpdate refreshes the sender's group-matrix row. The
// broadcast is unsolicited and produces no response.
func (s *Service) ClosestNodesUpdate(m *Message) *Message {
	var upd closestNodesUpdate
	if err := unmarshalFrame(m, &upd); err != nil {
		s.logger.Debug("malformed closest-nodes update", zap.Error(err))
		return nil
	}
	sender, err := ParseNodeID(upd.NodeID)
	if err != nil {
		return nil
	}
	closeNodes := make([]NodeID, 0, len(upd.CloseNodes))
	for _, h := range upd.CloseNodes {
		if id, err := ParseNodeID(h); err == nil {
			closeNodes = append(closeNodes, id)
		}
	}
	if !s.table.UpdateCloseNodes(sender, closeNodes) {
		s.logger.Debug("matrix update from unknown peer", zap.Stringer("peer", sender))
	}
	return nil
}

// RemoveFurthest evicts our furthest peer when the table is saturated,
// making room for closer candidates. The response names the evicted id.
func (s *Service) RemoveFurthest(m *Message) *Message {
	var removed string
	if s.table.Size() >= s.params.MaxRoutingTableSize {
		if furthest, err := s.table.FurthestNode(); err == nil && furthest.NodeID.Hex() != m.SourceID {
			if _, ok := s.table.Remove(furthest.NodeID); ok {
				metricTableSize.Set(float64(s.table.Size()))
				removed = furthest.NodeID.Hex()
				s.logger.Info("furthest peer evicted on request", zap.Stringer("peer", furthest.NodeID))
			}
		}
	}
	return s.respond(m, marshalFrame(removeFurthestResponse{Removed: removed}))
}

// GetGroup reports the group composition around the requested id: the
// local node plus its closest peers to the target.
func (s *Service) GetGroup(m *Message) *Message {
	var req getGroupRequest
	if err := unmarshalFrame(m, &req); err != nil {
		s.logger.Debug("malformed get-group request", zap.Error(err))
		return nil
	}
	groupID, err := ParseNodeID(req.GroupID)
	if err != nil {
		return nil
	}
	resp := getGroupResponse{GroupID: req.GroupID, Nodes: []string{s.localID.Hex()}}
	for _, p := range s.table.ClosestNodes(groupID, s.params.GroupSize-1) {
		resp.Nodes = append(resp.Nodes, p.NodeID.Hex())
	}
	return s.respond(m, marshalFrame(resp))
}
