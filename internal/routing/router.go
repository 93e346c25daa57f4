package routing

import (
	"context"
	"crypto/ed25519"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotJoined is returned by operations that need a connected overlay.
var ErrNotJoined = errors.New("not connected to the network")

// ErrNoBootstrap is returned when none of the bootstrap endpoints could
// be reached.
var ErrNoBootstrap = errors.New("no bootstrap endpoint reachable")

// GroupRangeStatus classifies a target id relative to this node's group
// neighbourhood.
type GroupRangeStatus int

const (
	// OutOfRange: the target is not near this node.
	OutOfRange GroupRangeStatus = iota
	// Proximal: outside the strict group but within the estimated
	// group distance derived from network statistics.
	Proximal
	// InRange: this node is one of the GroupSize closest to the target.
	InRange
)

// Functors are the application callbacks raised by the router. All are
// optional.
type Functors struct {
	// MessageReceived delivers node-level requests. When set it takes
	// precedence over the typed handlers.
	MessageReceived MessageReceivedFunc

	// TypedMessageReceived delivers node-level requests as typed
	// envelopes.
	TypedMessageReceived TypedHandlers

	// NetworkStatus fires whenever the routing table size changes.
	NetworkStatus func(size int)

	// CloseNodesChange fires when the local close-nodes list changes.
	CloseNodesChange func(closeNodes []NodeID)
}

// Config carries the identity and tunables of a router instance.
type Config struct {
	LocalID    NodeID
	PublicKey  ed25519.PublicKey
	ClientMode bool
	Parameters Parameters
}

// Router is the public facade over the routing core: it owns the
// tables, the sender, the acknowledgement engine and the message
// handler, and exposes join, send and introspection operations.
type Router struct {
	localID    NodeID
	clientMode bool
	params     Parameters
	logger     *zap.Logger

	transport  Transport
	table      *Table
	clients    *ClientTable
	ack        *AckEngine
	correlator *Correlator
	stats      *NetworkStatistics
	network    *Network
	service    *Service
	response   *ResponseHandler
	handler    *Handler
	dispatcher *Dispatcher

	functors Functors

	mu      sync.Mutex
	stopped bool
}

// NewRouter assembles the routing core around a transport. The caller
// installs functors and an optional cache before Join.
func NewRouter(cfg Config, transport Transport, logger *zap.Logger) *Router {
	cfg.Parameters.ApplyDefaults()
	logger = logger.Named("routing").With(zap.Stringer("local", cfg.LocalID))

	table := NewTable(cfg.LocalID, cfg.ClientMode, cfg.Parameters, logger)
	clients := NewClientTable(cfg.LocalID, cfg.Parameters, logger)
	ack := NewAckEngine(cfg.Parameters, logger)
	correlator := NewCorrelator(logger)
	stats := NewNetworkStatistics(cfg.LocalID)
	network := NewNetwork(table, clients, ack, transport, cfg.Parameters, logger)
	service := NewService(table, clients, network, cfg.PublicKey, cfg.Parameters, logger)
	response := NewResponseHandler(table, clients, network, cfg.Parameters, logger)
	dispatcher := NewDispatcher(logger)
	handler := NewHandler(table, clients, network, ack, correlator, stats,
		service, response, dispatcher, cfg.Parameters, logger)

	r := &Router{
		localID:    cfg.LocalID,
		clientMode: cfg.ClientMode,
		params:     cfg.Parameters,
		logger:     logger,
		transport:  transport,
		table:      table,
		clients:    clients,
		ack:        ack,
		correlator: correlator,
		stats:      stats,
		network:    network,
		service:    service,
		response:   response,
		handler:    handler,
		dispatcher: dispatcher,
	}
	response.SetCallbacks(ResponseCallbacks{
		OnConnectAccepted: r.onConnectAccepted,
		OnNodeDiscovered:  r.onNodeDiscovered,
		OnPeerConfirmed:   r.onPeerConfirmed,
	})
	transport.SetHandlers(handler.OnBytes, r.onDisconnect)
	return r
}

// SetFunctors installs the application callbacks. Call before Join.
func (r *Router) SetFunctors(f Functors) {
	r.functors = f
	if f.MessageReceived != nil {
		r.handler.SetMessageReceived(f.MessageReceived)
	}
	r.dispatcher.Register(f.TypedMessageReceived)
}

// SetCache installs the content cache. Ignored in client mode.
func (r *Router) SetCache(cache CacheStore) {
	if r.clientMode {
		return
	}
	r.handler.SetCache(cache)
}

// LocalID returns this node's id.
func (r *Router) LocalID() NodeID { return r.localID }

// Table exposes the routing table for introspection.
func (r *Router) Table() *Table { return r.table }

// Join connects to the first reachable bootstrap endpoint and runs the
// zero-state discovery: a find-nodes request relayed through the
// bootstrap contact, repeated until the first routing peer is
// validated or the context expires.
func (r *Router) Join(ctx context.Context, bootstrapEndpoints []string) error {
	var bootConn string
	for _, ep := range bootstrapEndpoints {
		connID, err := r.transport.Connect(ctx, ep)
		if err != nil {
			r.logger.Warn("bootstrap endpoint unreachable", zap.String("endpoint", ep), zap.Error(err))
			continue
		}
		bootConn = connID
		r.logger.Info("bootstrap connection established", zap.String("endpoint", ep))
		break
	}
	if bootConn == "" {
		return ErrNoBootstrap
	}
	r.network.SetBootstrapConnection(bootConn)

	r.sendBootstrapFindNodes()
	resend := time.NewTicker(2 * time.Second)
	defer resend.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resend.C:
			r.sendBootstrapFindNodes()
		case <-poll.C:
			if r.table.Size() > 0 {
				r.logger.Info("joined network", zap.Int("peers", r.table.Size()))
				return nil
			}
		}
	}
}

// sendBootstrapFindNodes issues the relayed zero-state discovery
// request: no source id yet, the local id rides in the relay field.
func (r *Router) sendBootstrapFindNodes() {
	m := findNodesRequestMessage(r.localID, r.localID, r.params.ClosestNodesSize, r.params)
	m.SourceID = ""
	m.RelayID = r.localID.Hex()
	m.ClientNode = r.clientMode
	r.network.SendToClosestNode(m)
}

// onNodeDiscovered starts a connect handshake towards a candidate
// learned from a find-nodes response.
func (r *Router) onNodeDiscovered(id NodeID, endpoint string) {
	req := connectRequest{
		NodeID:    r.localID.Hex(),
		PublicKey: r.service.publicKey,
		Endpoint:  r.network.LocalEndpoint(),
		Client:    r.clientMode,
	}
	m := connectRequestMessage(r.localID, id, req, r.params)
	if r.table.Size() == 0 {
		// Still unjoined: route through the bootstrap relay.
		m.SourceID = ""
		m.RelayID = r.localID.Hex()
	}
	r.logger.Debug("connect handshake started", zap.Stringer("candidate", id))
	r.network.SendToClosestNode(m)
}

// onConnectAccepted dials the accepting peer back and announces itself
// on the fresh connection with a connect-success exchange.
func (r *Router) onConnectAccepted(candidate PeerInfo) {
	if candidate.Endpoint == "" {
		r.logger.Warn("connect accepted without endpoint", zap.Stringer("peer", candidate.NodeID))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	connID, err := r.transport.Connect(ctx, candidate.Endpoint)
	if err != nil {
		r.logger.Warn("dial-back failed",
			zap.Stringer("peer", candidate.NodeID), zap.String("endpoint", candidate.Endpoint), zap.Error(err))
		return
	}

	candidate.ConnectionID = connID
	var added bool
	if candidate.Client {
		var furthest NodeID
		if f, err := r.table.FurthestNode(); err == nil {
			furthest = f.NodeID
		}
		added = r.clients.Add(candidate, furthest)
	} else {
		added = r.table.Add(candidate)
	}
	if !added {
		r.logger.Debug("validated peer no longer admissible", zap.Stringer("peer", candidate.NodeID))
		_ = r.transport.Disconnect(connID)
		return
	}
	metricTableSize.Set(float64(r.table.Size()))

	announce := newRequest(TypeConnectSuccess, r.localID, candidate.NodeID,
		marshalFrame(connectSuccess{
			NodeID:       r.localID.Hex(),
			ConnectionID: connID,
			Client:       r.clientMode,
		}), r.params)
	r.network.SendToDirect(announce, candidate.NodeID, connID)
	r.notifyTableChanged()
}

// onPeerConfirmed closes the handshake loop: the matrix row broadcast
// keeps neighbours' group views current, and a saturated table triggers
// a coordinated eviction at the furthest peer.
func (r *Router) onPeerConfirmed(id NodeID) {
	r.logger.Info("peer confirmed", zap.Stringer("peer", id))
	r.notifyTableChanged()
	if r.table.Size() >= r.params.MaxRoutingTableSize {
		if furthest, err := r.table.FurthestNode(); err == nil {
			m := removeFurthestRequestMessage(r.localID, furthest.NodeID, r.params)
			r.network.SendToDirect(m, furthest.NodeID, furthest.ConnectionID)
		}
	}
}

// onDisconnect drops the peer owning the lost connection.
func (r *Router) onDisconnect(connectionID string) {
	if r.network.BootstrapConnection() == connectionID {
		r.network.SetBootstrapConnection("")
	}
	for _, p := range r.table.Peers() {
		if p.ConnectionID == connectionID {
			r.table.Remove(p.NodeID)
			metricTableSize.Set(float64(r.table.Size()))
			r.logger.Info("peer lost", zap.Stringer("peer", p.NodeID))
			r.notifyTableChanged()
			return
		}
	}
	r.clients.RemoveByConnection(connectionID)
}

// notifyTableChanged broadcasts the refreshed close list to every close
// peer and raises the status functors.
func (r *Router) notifyTableChanged() {
	closeNodes := r.table.CloseNodes()
	for _, p := range r.table.ClosestNodes(r.localID, r.params.ClosestNodesSize) {
		m := closestNodesUpdateMessage(r.localID, p.NodeID, closeNodes, r.params)
		r.network.SendToDirect(m, p.NodeID, p.ConnectionID)
	}
	if r.functors.CloseNodesChange != nil {
		r.functors.CloseNodesChange(closeNodes)
	}
	if r.functors.NetworkStatus != nil {
		r.functors.NetworkStatus(r.table.Size())
	}
}

// SendDirect sends a node-level payload to one node. A non-nil response
// callback registers a correlation slot that completes with the
// response payload or ErrTimedOut.
func (r *Router) SendDirect(destination NodeID, payload []byte, cacheable Cacheable, fn ResponseFunc) error {
	if destination.IsZero() {
		return errors.New("zero destination id")
	}
	m := &Message{
		Type:          TypeNodeLevel,
		Request:       true,
		Direct:        true,
		SourceID:      r.localID.Hex(),
		DestinationID: destination.Hex(),
		Data:          [][]byte{payload},
		Replication:   1,
		HopsToLive:    r.params.HopsToLive,
		Cacheable:     cacheable,
		ClientNode:    r.clientMode,
	}
	r.submit(m, fn)
	return nil
}

// SendGroup sends a node-level payload to the group closest to an id.
// The response callback, when set, completes on the first group
// member's response.
func (r *Router) SendGroup(groupID NodeID, payload []byte, cacheable Cacheable, fn ResponseFunc) error {
	if groupID.IsZero() {
		return errors.New("zero group id")
	}
	m := &Message{
		Type:             TypeNodeLevel,
		Request:          true,
		Direct:           false,
		SourceID:         r.localID.Hex(),
		DestinationID:    groupID.Hex(),
		GroupDestination: groupID.Hex(),
		Data:             [][]byte{payload},
		Replication:      r.params.GroupSize,
		HopsToLive:       r.params.HopsToLive,
		Cacheable:        cacheable,
		ClientNode:       r.clientMode,
	}
	r.submit(m, fn)
	return nil
}

// Typed sends mirror the five inbound envelopes; the wire discriminator
// is which group fields are present. The source is always this node, so
// the envelopes' source fields are ignored on send.

// SendSingleToSingle sends one peer's payload to one peer.
func (r *Router) SendSingleToSingle(msg SingleToSingleMessage, fn ResponseFunc) error {
	return r.SendDirect(msg.Destination, msg.Payload, msg.Cacheable, fn)
}

// SendSingleToGroup sends one peer's payload to the group around an id.
func (r *Router) SendSingleToGroup(msg SingleToGroupMessage, fn ResponseFunc) error {
	return r.SendGroup(msg.GroupID, msg.Payload, msg.Cacheable, fn)
}

// SendGroupToSingle sends to one peer on behalf of the group this node
// sits in; the group id rides in the group-source field.
func (r *Router) SendGroupToSingle(msg GroupToSingleMessage, fn ResponseFunc) error {
	if msg.Destination.IsZero() {
		return errors.New("zero destination id")
	}
	if msg.GroupSource.IsZero() {
		return errors.New("zero group source id")
	}
	m := &Message{
		Type:          TypeNodeLevel,
		Request:       true,
		Direct:        true,
		SourceID:      r.localID.Hex(),
		DestinationID: msg.Destination.Hex(),
		GroupSource:   msg.GroupSource.Hex(),
		Data:          [][]byte{msg.Payload},
		Replication:   1,
		HopsToLive:    r.params.HopsToLive,
		Cacheable:     msg.Cacheable,
		ClientNode:    r.clientMode,
	}
	r.submit(m, fn)
	return nil
}

// SendGroupToGroup sends to the group around an id on behalf of the
// group this node sits in.
func (r *Router) SendGroupToGroup(msg GroupToGroupMessage, fn ResponseFunc) error {
	if msg.GroupID.IsZero() {
		return errors.New("zero group id")
	}
	if msg.GroupSource.IsZero() {
		return errors.New("zero group source id")
	}
	m := &Message{
		Type:             TypeNodeLevel,
		Request:          true,
		Direct:           false,
		SourceID:         r.localID.Hex(),
		DestinationID:    msg.GroupID.Hex(),
		GroupDestination: msg.GroupID.Hex(),
		GroupSource:      msg.GroupSource.Hex(),
		Data:             [][]byte{msg.Payload},
		Replication:      r.params.GroupSize,
		HopsToLive:       r.params.HopsToLive,
		Cacheable:        msg.Cacheable,
		ClientNode:       r.clientMode,
	}
	r.submit(m, fn)
	return nil
}

// SendSingleToGroupRelay originates a group message before this node
// has joined: no source id yet, the local id rides in the relay field
// and the bootstrap contact routes on our behalf.
func (r *Router) SendSingleToGroupRelay(msg SingleToGroupRelayMessage, fn ResponseFunc) error {
	if msg.GroupID.IsZero() {
		return errors.New("zero group id")
	}
	if r.network.BootstrapConnection() == "" {
		return ErrNotJoined
	}
	m := &Message{
		Type:             TypeNodeLevel,
		Request:          true,
		Direct:           false,
		SourceID:         "",
		RelayID:          r.localID.Hex(),
		DestinationID:    msg.GroupID.Hex(),
		GroupDestination: msg.GroupID.Hex(),
		Data:             [][]byte{msg.Payload},
		Replication:      r.params.GroupSize,
		HopsToLive:       r.params.HopsToLive,
		Cacheable:        msg.Cacheable,
		ClientNode:       r.clientMode,
	}
	r.submit(m, fn)
	return nil
}

func (r *Router) submit(m *Message, fn ResponseFunc) {
	if fn != nil {
		m.ID = r.correlator.NewID()
		r.correlator.AddRequest(m.ID, r.params.ResponseTimeout, fn)
	}
	if m.DestinationID == r.localID.Hex() && !m.IsDirect() {
		// Group around our own id: a close peer replicates for us.
		r.network.SendToClosestNode(m)
		return
	}
	if m.DestinationID == r.localID.Hex() {
		r.handler.Handle(m, "")
		return
	}
	r.network.SendToClosestNode(m)
}

// CacheForward resumes routing for a message the cache could not
// answer.
func (r *Router) CacheForward(m *Message) {
	r.network.SendToClosestNode(m)
}

// CacheReply answers a cacheable request straight from the cache: the
// response is indistinguishable from one produced by the target group.
func (r *Router) CacheReply(request *Message, payload []byte) {
	out := r.handler.nodeLevelResponse(request, payload)
	// A GET answered from cache does not carry the cacheable-put mark.
	out.Cacheable = CacheableNone
	r.network.SendToClosestNode(out)
}

// Ping checks liveness of a known node. Fire and forget; the pong is
// recorded by the response handler.
func (r *Router) Ping(destination NodeID) error {
	if r.table.Size() == 0 && r.network.BootstrapConnection() == "" {
		return ErrNotJoined
	}
	m := pingRequestMessage(r.localID, destination, time.Now().UnixNano(), r.params)
	r.network.SendToClosestNode(m)
	return nil
}

// GetGroup resolves the group composition around an id by asking the
// network. The answer comes from the current group leader.
func (r *Router) GetGroup(ctx context.Context, groupID NodeID) ([]NodeID, error) {
	m := getGroupRequestMessage(r.localID, groupID, r.params)
	m.ID = r.correlator.NewID()

	type result struct {
		ids []NodeID
		err error
	}
	ch := make(chan result, 1)
	r.correlator.AddRequest(m.ID, r.params.ResponseTimeout, func(payload []byte, err error) {
		if err != nil {
			ch <- result{err: err}
			return
		}
		var resp getGroupResponse
		if uerr := unmarshalFrame(&Message{Data: [][]byte{payload}}, &resp); uerr != nil {
			ch <- result{err: uerr}
			return
		}
		ids := make([]NodeID, 0, len(resp.Nodes))
		for _, h := range resp.Nodes {
			if id, perr := ParseNodeID(h); perr == nil {
				ids = append(ids, id)
			}
		}
		ch <- result{ids: ids}
	})
	r.network.SendToClosestNode(m)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.ids, res.err
	}
}

// ClosestToID reports whether this node is the closest connected node
// to the target.
func (r *Router) ClosestToID(target NodeID) bool {
	return r.table.IsThisNodeClosestTo(target, false)
}

// IsNodeInGroupRange classifies the target against this node's group
// neighbourhood, falling back to the network-statistics estimate for
// ids beyond the local horizon.
func (r *Router) IsNodeInGroupRange(target NodeID) GroupRangeStatus {
	if r.table.IsThisNodeInRange(target, r.params.GroupSize) {
		return InRange
	}
	if r.stats.EstimateInGroup(r.localID, target) {
		return Proximal
	}
	return OutOfRange
}

// GetGroupLocal returns this node's view of the group around an id:
// itself plus its closest peers.
func (r *Router) GetGroupLocal(groupID NodeID) []NodeID {
	group := []NodeID{r.localID}
	for _, p := range r.table.ClosestNodes(groupID, r.params.GroupSize-1) {
		group = append(group, p.NodeID)
	}
	return group
}

// ClosestNodes returns up to n connected peers ordered by distance to
// the target.
func (r *Router) ClosestNodes(target NodeID, n int) []NodeID {
	peers := r.table.ClosestNodes(target, n)
	out := make([]NodeID, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.NodeID)
	}
	return out
}

// IsConnectedPeer reports whether the id is a connected routing peer.
func (r *Router) IsConnectedPeer(id NodeID) bool {
	return r.table.Contains(id)
}

// IsConnectedClient reports whether the id is a directly attached
// client.
func (r *Router) IsConnectedClient(id NodeID) bool {
	return r.clients.Contains(id)
}

// RandomConnectedNode returns a uniformly chosen routing peer.
func (r *Router) RandomConnectedNode() (NodeID, error) {
	peers := r.table.Peers()
	if len(peers) == 0 {
		return NodeID{}, ErrNotJoined
	}
	return peers[rand.Intn(len(peers))].NodeID, nil
}

// Status is a point-in-time snapshot of the router.
type Status struct {
	LocalID         NodeID
	ClientMode      bool
	TableSize       int
	ClientTableSize int
	AcksOutstanding int
	PendingRequests int
	AverageDistance NodeID
}

// NetworkStatus reports the router's current state.
func (r *Router) NetworkStatus() Status {
	return Status{
		LocalID:         r.localID,
		ClientMode:      r.clientMode,
		TableSize:       r.table.Size(),
		ClientTableSize: r.clients.Size(),
		AcksOutstanding: r.ack.Outstanding(),
		PendingRequests: r.correlator.Pending(),
		AverageDistance: r.stats.AverageDistance(),
	}
}

// Stop shuts the router down: pending requests complete with
// ErrTimedOut and all connections drop.
func (r *Router) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	r.ack.Stop()
	r.correlator.Stop()
	err := r.transport.Close()
	r.logger.Info("router stopped")
	return err
}
