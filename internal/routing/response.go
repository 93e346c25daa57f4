package routing

import (
	"crypto/ed25519"

	"go.uber.org/zap"
)

// ResponseCallbacks are the hooks a response handler raises into the
// node-validation pipeline. They run outside any handler lock.
type ResponseCallbacks struct {
	// OnConnectAccepted fires when a connect response answers yes: the
	// pipeline dials the peer's endpoint and completes the handshake.
	OnConnectAccepted func(candidate PeerInfo)

	// OnNodeDiscovered fires for each fresh candidate in a find-nodes
	// response.
	OnNodeDiscovered func(id NodeID, endpoint string)

	// OnPeerConfirmed fires when a connect-success acknowledgement
	// lands, closing the handshake loop.
	OnPeerConfirmed func(id NodeID)
}

// ResponseHandler processes the response side of routing-protocol
// messages, pairing the Service handlers.
type ResponseHandler struct {
	localID NodeID
	params  Parameters
	logger  *zap.Logger

	table     *Table
	clients   *ClientTable
	network   *Network
	callbacks ResponseCallbacks
}

// NewResponseHandler wires the response-side protocol handlers.
func NewResponseHandler(table *Table, clients *ClientTable, network *Network,
	params Parameters, logger *zap.Logger) *ResponseHandler {
	params.ApplyDefaults()
	return &ResponseHandler{
		localID: table.LocalID(),
		params:  params,
		logger:  logger.Named("response"),
		table:   table,
		clients: clients,
		network: network,
	}
}

// SetCallbacks installs the validation pipeline hooks.
func (r *ResponseHandler) SetCallbacks(cb ResponseCallbacks) {
	r.callbacks = cb
}

// Ping records liveness for the responding peer.
func (r *ResponseHandler) Ping(m *Message) {
	var resp pingResponse
	if err := unmarshalFrame(m, &resp); err != nil {
		r.logger.Debug("malformed pong", zap.Error(err))
		return
	}
	if !resp.Pong {
		return
	}
	r.logger.Debug("pong received", zap.String("from", m.SourceID), zap.Uint32("msg_id", m.ID))
}

// Connect feeds an accepted handshake into the validation pipeline.
func (r *ResponseHandler) Connect(m *Message) {
	var resp connectResponse
	if err := unmarshalFrame(m, &resp); err != nil {
		r.logger.Debug("malformed connect response", zap.Error(err))
		return
	}
	if !resp.Answer {
		r.logger.Debug("connect refused", zap.String("by", resp.NodeID))
		return
	}
	peerID, err := ParseNodeID(resp.NodeID)
	if err != nil {
		r.logger.Debug("connect response with bad node id", zap.Error(err))
		return
	}
	if r.table.Contains(peerID) {
		return
	}
	if r.callbacks.OnConnectAccepted != nil {
		r.callbacks.OnConnectAccepted(PeerInfo{
			NodeID:    peerID,
			PublicKey: ed25519.PublicKey(resp.PublicKey),
			Endpoint:  resp.Endpoint,
		})
	}
}

// FindNodes seeds the table with discovered candidates: each one that
// would currently be admitted triggers a connect handshake.
func (r *ResponseHandler) FindNodes(m *Message) {
	var resp findNodesResponse
	if err := unmarshalFrame(m, &resp); err != nil {
		r.logger.Debug("malformed find-nodes response", zap.Error(err))
		return
	}
	for _, n := range resp.Nodes {
		id, err := ParseNodeID(n.NodeID)
		if err != nil || id == r.localID {
			continue
		}
		if !r.table.CheckNode(id) {
			continue
		}
		if r.callbacks.OnNodeDiscovered != nil {
			r.callbacks.OnNodeDiscovered(id, n.Endpoint)
		}
	}
}

// ConnectSuccessAck closes the handshake loop on the requesting side.
func (r *ResponseHandler) ConnectSuccessAck(m *Message) {
	var ack connectSuccess
	if err := unmarshalFrame(m, &ack); err != nil {
		r.logger.Debug("malformed connect-success ack", zap.Error(err))
		return
	}
	peerID, err := ParseNodeID(ack.NodeID)
	if err != nil {
		return
	}
	r.logger.Debug("handshake confirmed", zap.Stringer("peer", peerID))
	if r.callbacks.OnPeerConfirmed != nil {
		r.callbacks.OnPeerConfirmed(peerID)
	}
}

// RemoveFurthest logs the outcome of a coordinated eviction.
func (r *ResponseHandler) RemoveFurthest(m *Message) {
	var resp removeFurthestResponse
	if err := unmarshalFrame(m, &resp); err != nil {
		return
	}
	if resp.Removed != "" {
		r.logger.Debug("peer evicted remotely", zap.String("peer", resp.Removed))
	}
}

// GetGroup resolves the pending correlation entry with the raw group
// composition frame.
func (r *ResponseHandler) GetGroup(correlator *Correlator, m *Message) {
	if m.ID == 0 || len(m.Data) == 0 {
		r.logger.Debug("get-group response without correlation id")
		return
	}
	correlator.AddResponse(m.ID, m.Data[0])
}
