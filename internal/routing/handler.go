package routing

import (
	"go.uber.org/zap"
)

// CacheStore is the content-cache contract the handler consumes. A GET
// hit is answered by the cache, which also takes over forwarding on a
// miss; PUT responses are teed in as they pass through.
type CacheStore interface {
	// HandleGetFromCache answers or forwards a cacheable GET request.
	HandleGetFromCache(m *Message)

	// AddToCache stores a copy of a cacheable PUT response.
	AddToCache(m *Message)
}

// ReplyFunc sends a node-level response back to the requester. An empty
// payload suppresses the response.
type ReplyFunc func(payload []byte)

// MessageReceivedFunc is the application callback for node-level
// requests delivered to this node.
type MessageReceivedFunc func(payload []byte, reply ReplyFunc)

// Handler classifies every inbound message and decides whether to
// consume, reply, forward, replicate or drop it. It is a sink: no
// errors propagate upward, and it holds no locks across forwarding
// calls.
type Handler struct {
	localID NodeID
	params  Parameters
	logger  *zap.Logger

	table      *Table
	clients    *ClientTable
	network    *Network
	ack        *AckEngine
	correlator *Correlator
	stats      *NetworkStatistics
	service    *Service
	response   *ResponseHandler
	dispatcher *Dispatcher

	cache           CacheStore // nil in client mode or with caching off
	messageReceived MessageReceivedFunc
}

// NewHandler wires the classification pipeline.
func NewHandler(table *Table, clients *ClientTable, network *Network, ack *AckEngine,
	correlator *Correlator, stats *NetworkStatistics, service *Service,
	response *ResponseHandler, dispatcher *Dispatcher, params Parameters,
	logger *zap.Logger) *Handler {
	params.ApplyDefaults()
	return &Handler{
		localID:    table.LocalID(),
		params:     params,
		logger:     logger.Named("handler"),
		table:      table,
		clients:    clients,
		network:    network,
		ack:        ack,
		correlator: correlator,
		stats:      stats,
		service:    service,
		response:   response,
		dispatcher: dispatcher,
	}
}

// SetCache installs the content cache. Never called in client mode.
func (h *Handler) SetCache(cache CacheStore) { h.cache = cache }

// SetMessageReceived installs the untyped application callback. When
// unset, node-level requests go through the typed dispatcher instead.
func (h *Handler) SetMessageReceived(fn MessageReceivedFunc) { h.messageReceived = fn }

// OnBytes is the transport inbound callback: decode and handle.
// Malformed bytes are dropped with a diagnostic.
func (h *Handler) OnBytes(connectionID string, raw []byte) {
	m, err := Decode(raw)
	if err != nil {
		h.logger.Debug("undecodable frame dropped", zap.String("conn", connectionID), zap.Error(err))
		metricDropped.WithLabelValues("decode").Inc()
		return
	}
	h.Handle(m, connectionID)
}

// Handle runs the classification tree. Earliest matching clause wins.
func (h *Handler) Handle(m *Message, fromConnection string) {
	// Ack carriers settle an outstanding hop entry and stop here.
	if m.IsAck() {
		h.ack.HandleAckMessage(m.AckID)
		metricAcksOutstanding.Set(float64(h.ack.Outstanding()))
		return
	}

	if err := m.Validate(); err != nil {
		h.logger.Debug("invalid message dropped", zap.Error(err))
		metricDropped.WithLabelValues("invalid").Inc()
		return
	}

	// Acknowledge the hop we just received before any further work.
	if m.AckID != 0 && h.ack.NeedsAck(m) {
		h.network.SendAck(m, fromConnection)
	}

	m.HopsToLive--
	if m.HopsToLive <= 0 && m.DestinationID != h.localID.Hex() {
		h.logger.Debug("hop budget exhausted", zap.Uint32("msg_id", m.ID))
		metricDropped.WithLabelValues("hop_exhausted").Inc()
		return
	}

	if h.isValidCacheableGet(m) {
		metricHandled.WithLabelValues("cache_get").Inc()
		h.cache.HandleGetFromCache(m) // cache takes over forwarding
		return
	}
	if h.isValidCacheablePut(m) {
		metricHandled.WithLabelValues("cache_put").Inc()
		h.cache.AddToCache(m) // tee a copy, keep routing
	}

	if h.isGroupMessageRequestToSelf(m) {
		// The closest peer replicates on our behalf.
		metricHandled.WithLabelValues("group_to_self").Inc()
		h.network.SendToClosestNode(m)
		return
	}

	if h.table.ClientMode() {
		h.handleClientMessage(m)
		return
	}

	if m.SourceID == "" {
		h.handleRelayRequest(m, fromConnection)
		return
	}

	if src, err := ParseNodeID(m.SourceID); err != nil || src.IsZero() {
		h.logger.Warn("stray message without valid source dropped", zap.Uint32("msg_id", m.ID))
		metricDropped.WithLabelValues("zero_source").Inc()
		return
	}

	if m.DestinationID == h.localID.Hex() {
		h.handleMessageForThisNode(m, fromConnection)
		return
	}

	if h.isRelayResponseForThisNode(m) {
		h.handleRoutingMessage(m, fromConnection)
		return
	}

	dest, err := ParseNodeID(m.DestinationID)
	if err != nil {
		h.logger.Debug("unparseable destination dropped", zap.Uint32("msg_id", m.ID))
		metricDropped.WithLabelValues("bad_destination").Inc()
		return
	}

	if h.clients.Contains(dest) && m.IsDirect() {
		h.handleMessageForClientPeer(m, dest)
		return
	}

	if h.table.IsThisNodeInRange(dest, h.params.GroupSize) ||
		(h.table.IsThisNodeClosestTo(dest, !m.IsDirect()) && m.Visited) {
		h.handleMessageAsClosestNode(m, fromConnection)
		return
	}
	h.handleMessageAsFarNode(m, dest)
}

func (h *Handler) isValidCacheableGet(m *Message) bool {
	return h.cache != nil && h.params.CachingEnabled && !h.table.ClientMode() &&
		m.IsNodeLevel() && m.Cacheable == CacheableGet && m.IsRequest()
}

func (h *Handler) isValidCacheablePut(m *Message) bool {
	return h.cache != nil && h.params.CachingEnabled && !h.table.ClientMode() &&
		m.IsNodeLevel() && m.Cacheable == CacheablePut && m.IsResponse()
}

func (h *Handler) isGroupMessageRequestToSelf(m *Message) bool {
	local := h.localID.Hex()
	return m.SourceID == local && m.DestinationID == local && m.IsRequest() && !m.IsDirect()
}

// isRelayResponseForThisNode detects the response of a relayed routing
// request returning through an alternative route.
func (h *Handler) isRelayResponseForThisNode(m *Message) bool {
	return m.IsRoutingMessage() && m.RelayID == h.localID.Hex()
}

func isClientToClientMismatch(m *Message, clientMode bool) bool {
	return clientMode && m.ClientNode && m.SourceID != m.DestinationID
}

// handleClientMessage is the restricted path for client-mode nodes:
// routing responses and node-level messages to self only, no relays.
func (h *Handler) handleClientMessage(m *Message) {
	if m.SourceID == "" {
		h.logger.Warn("relay message at client node dropped", zap.Uint32("msg_id", m.ID))
		metricDropped.WithLabelValues("client_relay").Inc()
		return
	}
	if m.IsRoutingMessage() {
		h.handleRoutingMessage(m, "")
		return
	}
	if m.DestinationID == h.localID.Hex() {
		h.handleNodeLevelMessageForThisNode(m)
		return
	}
	h.logger.Debug("client node dropping foreign message", zap.Uint32("msg_id", m.ID))
	metricDropped.WithLabelValues("client_foreign").Inc()
}

// handleMessageForThisNode delivers a direct message locally, after
// first checking whether it actually belongs to a relayed peer.
func (h *Handler) handleMessageForThisNode(m *Message, fromConnection string) {
	if h.relayDirectMessageIfNeeded(m) {
		return
	}
	if m.IsRoutingMessage() {
		h.handleRoutingMessage(m, fromConnection)
		return
	}
	h.handleNodeLevelMessageForThisNode(m)
}

// relayDirectMessageIfNeeded reroutes traffic whose true recipient is a
// still-unjoined peer behind a relay. Returns true when the message was
// passed on.
func (h *Handler) relayDirectMessageIfNeeded(m *Message) bool {
	if !m.HasRelay() {
		return false
	}
	if m.IsRequest() && m.ActualDestinationIsRelay && m.DestinationID != m.RelayID {
		m.DestinationID = ""
		m.ActualDestinationIsRelay = false
		h.network.SendToClosestNode(m)
		return true
	}
	// Only direct responses travel back through the relay.
	if m.IsResponse() && m.DestinationID != m.RelayID {
		m.DestinationID = ""
		h.network.SendToClosestNode(m)
		return true
	}
	return false
}

// handleRoutingMessage dispatches to the service or response handler
// for the message type, then forwards whatever outbound message the
// request side produced. An empty routing table forces the bootstrap
// connection.
func (h *Handler) handleRoutingMessage(m *Message, fromConnection string) {
	wasRequest := m.IsRequest()
	var out *Message

	switch m.Type {
	case TypePing:
		if wasRequest {
			out = h.service.Ping(m)
		} else {
			h.response.Ping(m)
		}
	case TypeConnect:
		if wasRequest {
			out = h.service.Connect(m)
		} else {
			h.response.Connect(m)
		}
	case TypeFindNodes:
		if wasRequest {
			out = h.service.FindNodes(m)
		} else {
			h.response.FindNodes(m)
		}
	case TypeConnectSuccess:
		out = h.service.ConnectSuccess(m, fromConnection)
	case TypeConnectSuccessAck:
		h.response.ConnectSuccessAck(m)
	case TypeRemoveFurthest:
		if wasRequest {
			out = h.service.RemoveFurthest(m)
		} else {
			h.response.RemoveFurthest(m)
		}
	case TypeClosestNodesUpdate:
		out = h.service.ClosestNodesUpdate(m)
	case TypeGetGroup:
		if wasRequest {
			out = h.service.GetGroup(m)
		} else {
			h.response.GetGroup(h.correlator, m)
		}
	default:
		h.logger.Debug("unknown routing message type dropped", zap.Int32("type", int32(m.Type)))
		metricDropped.WithLabelValues("unknown_type").Inc()
		return
	}
	metricHandled.WithLabelValues("routing").Inc()

	if !wasRequest || out == nil {
		return
	}
	h.network.SendToClosestNode(out)
}

// handleNodeLevelMessageForThisNode hands a request to the application
// with a reply slot, or resolves a response against the correlation
// registry.
func (h *Handler) handleNodeLevelMessageForThisNode(m *Message) {
	switch {
	case m.IsRequest() && !isClientToClientMismatch(m, h.table.ClientMode()):
		metricHandled.WithLabelValues("node_level_request").Inc()
		h.deliverNodeLevelRequest(m)
	case m.IsResponse():
		metricHandled.WithLabelValues("node_level_response").Inc()
		if m.ID == 0 || len(m.Data) != 1 {
			h.logger.Debug("node-level response without correlation id or single frame",
				zap.Uint32("msg_id", m.ID))
			metricDropped.WithLabelValues("bad_response").Inc()
			return
		}
		h.correlator.AddResponse(m.ID, m.Data[0])
		if m.AverageDistance != "" {
			if sample, err := ParseNodeID(m.AverageDistance); err == nil {
				h.stats.UpdateNetworkAverageDistance(sample)
			}
		}
	default:
		h.logger.Warn("client-to-client message across node ids dropped", zap.Uint32("msg_id", m.ID))
		metricDropped.WithLabelValues("client_mismatch").Inc()
	}
}

// nodeLevelResponse builds the response frame for a node-level request:
// addressing reverses, the correlation id survives and a fresh network
// statistics sample rides along.
func (h *Handler) nodeLevelResponse(request *Message, payload []byte) *Message {
	out := &Message{
		Type:            request.Type,
		Request:         false,
		Direct:          true,
		SourceID:        h.localID.Hex(),
		DestinationID:   request.SourceID,
		Data:            [][]byte{payload},
		ID:              request.ID,
		Replication:     1,
		HopsToLive:      h.params.HopsToLive,
		Cacheable:       request.Cacheable,
		ClientNode:      request.ClientNode,
		AverageDistance: h.stats.AverageDistance().Hex(),
	}
	if request.GroupDestination != "" {
		out.GroupSource = request.GroupDestination
	}
	if request.RelayID != "" {
		out.RelayID = request.RelayID
		out.RelayConnectionID = request.RelayConnectionID
	}
	return out
}

func (h *Handler) deliverNodeLevelRequest(m *Message) {
	request := m.Clone()
	reply := func(payload []byte) {
		if len(payload) == 0 {
			h.logger.Debug("empty reply suppressed", zap.Uint32("msg_id", request.ID))
			return
		}
		out := h.nodeLevelResponse(request, payload)
		if out.DestinationID == h.localID.Hex() && !h.table.ClientMode() {
			// Response to self loops straight back in.
			h.Handle(out, "")
			return
		}
		h.network.SendToClosestNode(out)
	}

	if h.messageReceived != nil {
		h.messageReceived(request.Data[0], reply)
		return
	}
	h.dispatcher.Dispatch(request)
}

// handleMessageForClientPeer forwards a direct message to a leaf peer
// attached to this node.
func (h *Handler) handleMessageForClientPeer(m *Message, dest NodeID) {
	if isClientToClientMismatch(m, true) {
		h.logger.Warn("client-to-client message across node ids dropped", zap.Uint32("msg_id", m.ID))
		metricDropped.WithLabelValues("client_mismatch").Inc()
		return
	}
	metricHandled.WithLabelValues("client_forward").Inc()
	h.network.SendToClosestNode(m)
}

// handleMessageAsClosestNode runs when this node sits inside the group
// neighbourhood of the destination.
func (h *Handler) handleMessageAsClosestNode(m *Message, fromConnection string) {
	if m.IsDirect() {
		h.handleDirectMessageAsClosestNode(m)
		return
	}
	h.handleGroupMessageAsClosestNode(m, fromConnection)
}

func (h *Handler) handleDirectMessageAsClosestNode(m *Message) {
	dest := mustID(m.DestinationID)
	if !h.table.IsThisNodeClosestToIncludingMatrix(dest) {
		h.network.SendToClosestNode(m)
		return
	}
	if h.table.Contains(dest) || h.clients.Contains(dest) {
		h.network.SendToClosestNode(m)
		return
	}
	if !m.Visited {
		// Second pass: another close node may hold the connection.
		m.Visited = true
		h.network.SendToClosestNode(m)
		return
	}
	h.logger.Warn("closest node cannot reach destination, dropping",
		zap.Stringer("destination", dest), zap.Uint32("msg_id", m.ID))
	metricDropped.WithLabelValues("dead_end").Inc()
}

func (h *Handler) handleGroupMessageAsClosestNode(m *Message, fromConnection string) {
	dest := mustID(m.DestinationID)
	haveGroupIDPeer := h.table.Contains(dest)

	if !h.table.IsThisNodeClosestTo(dest, true) && !haveGroupIDPeer {
		h.network.SendToClosestNode(m)
		return
	}

	// Push the message into the dense neighbourhood before replicating.
	if !m.Visited && h.table.Size() > h.params.ClosestNodesSize &&
		!h.table.IsThisNodeInRange(dest, h.params.ClosestNodesSize) {
		m.Visited = true
		h.network.SendToClosestNode(m)
		return
	}

	var routeHistory []NodeID
	if len(m.RouteHistory) > 1 {
		for _, s := range m.RouteHistory[:len(m.RouteHistory)-1] {
			if id, err := ParseNodeID(s); err == nil {
				routeHistory = append(routeHistory, id)
			}
		}
	} else if len(m.RouteHistory) == 1 && m.RouteHistory[0] != h.localID.Hex() {
		if id, err := ParseNodeID(m.RouteHistory[0]); err == nil {
			routeHistory = append(routeHistory, id)
		}
	}

	leader, betterPeer := h.table.IsThisNodeGroupLeader(dest, routeHistory)
	if !leader {
		h.network.SendToDirectAdjustedRoute(m, betterPeer.NodeID, betterPeer.ConnectionID)
		return
	}

	h.replicateGroupMessage(m, dest, fromConnection)
}

// replicateGroupMessage fans a group message out to the replication-set
// drawn from the group matrix, then delivers locally.
func (h *Handler) replicateGroupMessage(m *Message, dest NodeID, fromConnection string) {
	replication := m.Replication
	if replication < 1 || replication > h.params.GroupSize {
		h.logger.Error("group message with invalid replication dropped",
			zap.Int("replication", replication), zap.Uint32("msg_id", m.ID))
		metricDropped.WithLabelValues("bad_replication").Inc()
		return
	}

	replication-- // self counts as one replica
	m.Direct = true
	m.RouteHistory = nil

	targets := h.table.GetClosestMatrixNodes(dest, replication+2)
	filtered := targets[:0]
	for _, t := range targets {
		if t.NodeID != dest && t.NodeID != h.localID {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) > replication {
		filtered = filtered[:replication]
	}

	metricHandled.WithLabelValues("replicate").Inc()
	for _, t := range filtered {
		replica := m.Clone()
		replica.DestinationID = t.NodeID.Hex()
		replica.AckID = 0
		if info, err := h.table.GetInfo(t.NodeID); err == nil {
			h.network.SendToDirect(replica, info.NodeID, info.ConnectionID)
		} else {
			h.network.SendToClosestNode(replica)
		}
	}

	m.DestinationID = h.localID.Hex()
	if m.IsRoutingMessage() {
		h.handleRoutingMessage(m, fromConnection)
		return
	}
	h.handleNodeLevelMessageForThisNode(m)
}

// handleMessageAsFarNode forwards towards the destination, marking
// group messages as visited once this node is the closest it knows.
func (h *Handler) handleMessageAsFarNode(m *Message, dest NodeID) {
	if !m.IsDirect() && !m.Visited && h.table.IsThisNodeClosestTo(dest, true) {
		m.Visited = true
	}
	metricHandled.WithLabelValues("forward").Inc()
	h.network.SendToClosestNode(m)
}

// handleRelayRequest processes traffic from a peer that has not yet
// joined: the relay substitutes its own id as source on outgoing hops
// and keeps the relay fields intact for the return trip.
func (h *Handler) handleRelayRequest(m *Message, fromConnection string) {
	if m.RelayConnectionID == "" {
		m.RelayConnectionID = fromConnection
	}

	if m.DestinationID == h.localID.Hex() && m.IsRequest() {
		if !m.IsDirect() {
			// Group request to our own id from a relayed peer.
			m.SourceID = h.localID.Hex()
			h.network.SendToClosestNode(m)
			return
		}
		h.handleMessageForThisNode(m, fromConnection)
		return
	}

	dest, err := ParseNodeID(m.DestinationID)
	if err != nil {
		metricDropped.WithLabelValues("bad_destination").Inc()
		return
	}

	if m.IsRequest() && h.table.IsThisNodeClosestTo(dest, false) {
		if m.IsDirect() {
			h.handleDirectRelayRequestAsClosestNode(m, dest)
		} else {
			h.handleGroupRelayRequestAsClosestNode(m, dest)
		}
		return
	}

	// This node becomes the source and will route the response back.
	m.SourceID = h.localID.Hex()
	h.network.SendToClosestNode(m)
}

func (h *Handler) handleDirectRelayRequestAsClosestNode(m *Message, dest NodeID) {
	if h.table.Contains(dest) || h.clients.Contains(dest) {
		m.SourceID = h.localID.Hex()
		h.network.SendToClosestNode(m)
		return
	}
	h.logger.Warn("relay request dead-ends at closest node",
		zap.Stringer("destination", dest), zap.Uint32("msg_id", m.ID))
	metricDropped.WithLabelValues("dead_end").Inc()
}

func (h *Handler) handleGroupRelayRequestAsClosestNode(m *Message, dest NodeID) {
	haveGroupIDPeer := h.table.Contains(dest)
	if !h.table.IsThisNodeClosestTo(dest, true) && !haveGroupIDPeer {
		m.SourceID = h.localID.Hex()
		h.network.SendToClosestNode(m)
		return
	}

	leader, betterPeer := h.table.IsThisNodeGroupLeader(dest, nil)
	if !leader {
		m.SourceID = h.localID.Hex()
		h.network.SendToDirect(m, betterPeer.NodeID, betterPeer.ConnectionID)
		return
	}

	replication := m.Replication
	if replication < 1 || replication > h.params.GroupSize {
		h.logger.Error("relayed group message with invalid replication dropped",
			zap.Int("replication", replication), zap.Uint32("msg_id", m.ID))
		metricDropped.WithLabelValues("bad_replication").Inc()
		return
	}

	replication-- // this node joins the group itself
	m.Direct = true
	if haveGroupIDPeer {
		replication++
	}
	group := h.table.ClosestNodes(dest, replication)
	if haveGroupIDPeer && len(group) > 0 {
		group = group[1:]
	}

	// Replicas carry this node as source: it relays their responses
	// back. The local copy keeps the empty source so its own response
	// resolves to the relay connection.
	for _, peer := range group {
		replica := m.Clone()
		replica.SourceID = h.localID.Hex()
		replica.DestinationID = peer.NodeID.Hex()
		replica.AckID = 0
		h.network.SendToDirect(replica, peer.NodeID, peer.ConnectionID)
	}

	m.DestinationID = h.localID.Hex()
	if m.IsRoutingMessage() {
		h.handleRoutingMessage(m, "")
		return
	}
	h.handleNodeLevelMessageForThisNode(m)
}
