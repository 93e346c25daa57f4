package routing

import "go.uber.org/zap"

// Typed envelopes presented to user callbacks. The discriminator is
// whether a group source and a group destination are present, with the
// relay variant selected when a single-to-group message still carries
// its relay fields.

// SingleToSingleMessage is one peer addressing one peer.
type SingleToSingleMessage struct {
	Payload     []byte
	Source      NodeID
	Destination NodeID
	Cacheable   Cacheable
}

// SingleToGroupMessage is one peer addressing the group around an id.
type SingleToGroupMessage struct {
	Payload   []byte
	Source    NodeID
	GroupID   NodeID
	Cacheable Cacheable
}

// GroupToSingleMessage is a group member addressing one peer.
type GroupToSingleMessage struct {
	Payload     []byte
	GroupSource NodeID
	Source      NodeID
	Destination NodeID
	Cacheable   Cacheable
}

// GroupToGroupMessage is a group member addressing another group.
type GroupToGroupMessage struct {
	Payload     []byte
	GroupSource NodeID
	Source      NodeID
	GroupID     NodeID
	Cacheable   Cacheable
}

// SingleToGroupRelayMessage is a still-unjoined peer addressing a group
// through its relay.
type SingleToGroupRelayMessage struct {
	Payload           []byte
	Source            NodeID // original sender (the relay_id on the wire)
	Relay             NodeID // the relaying peer
	RelayConnectionID string
	GroupID           NodeID
	Cacheable         Cacheable
}

// TypedHandlers holds the per-variant user callbacks. A nil callback
// drops messages of that variant.
type TypedHandlers struct {
	SingleToSingle     func(SingleToSingleMessage)
	SingleToGroup      func(SingleToGroupMessage)
	GroupToSingle      func(GroupToSingleMessage)
	GroupToGroup       func(GroupToGroupMessage)
	SingleToGroupRelay func(SingleToGroupRelayMessage)
}

// Dispatcher adapts wire messages to exactly one typed envelope.
type Dispatcher struct {
	handlers TypedHandlers
	logger   *zap.Logger
}

// NewDispatcher creates an empty dispatcher; Register installs the
// callbacks.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{logger: logger.Named("dispatch")}
}

// Register installs the typed callbacks.
func (d *Dispatcher) Register(handlers TypedHandlers) {
	d.handlers = handlers
}

func mustID(s string) NodeID {
	id, _ := ParseNodeID(s)
	return id
}

// Dispatch maps a wire message to its typed variant and invokes the
// registered callback. Unregistered variants are dropped.
func (d *Dispatcher) Dispatch(m *Message) {
	if len(m.Data) == 0 {
		return
	}
	payload := m.Data[0]
	hasGroupSource := m.GroupSource != ""
	hasGroupDest := m.GroupDestination != ""

	switch {
	case !hasGroupSource && !hasGroupDest:
		if d.handlers.SingleToSingle == nil {
			break
		}
		d.handlers.SingleToSingle(SingleToSingleMessage{
			Payload:     payload,
			Source:      mustID(m.SourceID),
			Destination: mustID(m.DestinationID),
			Cacheable:   m.Cacheable,
		})
		return
	case !hasGroupSource && hasGroupDest:
		if m.RelayID != "" && m.RelayConnectionID != "" {
			if d.handlers.SingleToGroupRelay == nil {
				break
			}
			d.handlers.SingleToGroupRelay(SingleToGroupRelayMessage{
				Payload:           payload,
				Source:            mustID(m.RelayID),
				Relay:             mustID(m.SourceID),
				RelayConnectionID: m.RelayConnectionID,
				GroupID:           mustID(m.GroupDestination),
				Cacheable:         m.Cacheable,
			})
			return
		}
		if d.handlers.SingleToGroup == nil {
			break
		}
		d.handlers.SingleToGroup(SingleToGroupMessage{
			Payload:   payload,
			Source:    mustID(m.SourceID),
			GroupID:   mustID(m.GroupDestination),
			Cacheable: m.Cacheable,
		})
		return
	case hasGroupSource && !hasGroupDest:
		if d.handlers.GroupToSingle == nil {
			break
		}
		d.handlers.GroupToSingle(GroupToSingleMessage{
			Payload:     payload,
			GroupSource: mustID(m.GroupSource),
			Source:      mustID(m.SourceID),
			Destination: mustID(m.DestinationID),
			Cacheable:   m.Cacheable,
		})
		return
	default:
		if d.handlers.GroupToGroup == nil {
			break
		}
		d.handlers.GroupToGroup(GroupToGroupMessage{
			Payload:     payload,
			GroupSource: mustID(m.GroupSource),
			Source:      mustID(m.SourceID),
			GroupID:     mustID(m.GroupDestination),
			Cacheable:   m.Cacheable,
		})
		return
	}
	d.logger.Debug("no handler for typed message variant",
		zap.Bool("group_source", hasGroupSource), zap.Bool("group_destination", hasGroupDest))
}
