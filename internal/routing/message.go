package routing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// MessageType discriminates wire messages. Routing-protocol types live
// below NodeLevelTypeFloor; anything at or above it is a node-level
// (application) payload.
type MessageType int32

// NodeLevelTypeFloor is the boundary between routing-protocol message
// types and node-level message types.
const NodeLevelTypeFloor MessageType = 100

const (
	TypePing MessageType = iota + 1
	TypeConnect
	TypeFindNodes
	TypeConnectSuccess
	TypeConnectSuccessAck
	TypeRemoveFurthest
	TypeClosestNodesUpdate
	TypeGetGroup
	TypeAck
)

// TypeNodeLevel is the default type for application payloads submitted
// through SendDirect and SendGroup.
const TypeNodeLevel = NodeLevelTypeFloor

// Cacheable marks a node-level message as participating in content
// caching.
type Cacheable uint8

const (
	CacheableNone Cacheable = iota
	CacheableGet
	CacheablePut
)

// Message is the wire record exchanged between peers. All id fields are
// hex-encoded node ids; an absent field is the empty string, which is
// distinct from the hex encoding of the zero id.
type Message struct {
	Type    MessageType `json:"type"`
	Request bool        `json:"request,omitempty"`
	Direct  bool        `json:"direct,omitempty"`

	SourceID      string `json:"source_id,omitempty"`
	DestinationID string `json:"destination_id,omitempty"`

	GroupSource      string `json:"group_source,omitempty"`
	GroupDestination string `json:"group_destination,omitempty"`

	// Relay fields are set while a bootstrapping peer has no id of its
	// own; responses travel back through the relay connection.
	RelayID           string `json:"relay_id,omitempty"`
	RelayConnectionID string `json:"relay_connection_id,omitempty"`

	// ActualDestinationIsRelay marks a request whose final recipient is
	// the relay peer itself rather than DestinationID.
	ActualDestinationIsRelay bool `json:"actual_destination_is_relay_id,omitempty"`

	Data [][]byte `json:"data"`

	ID          uint32 `json:"id,omitempty"`     // correlation id
	AckID       uint32 `json:"ack_id,omitempty"` // per-hop ack token
	Replication int    `json:"replication,omitempty"`
	HopsToLive  int    `json:"hops_to_live"`

	// Visited marks a group message that has crossed into the dense
	// neighbourhood around its destination.
	Visited      bool     `json:"visited,omitempty"`
	RouteHistory []string `json:"route_history,omitempty"`

	Cacheable  Cacheable `json:"cacheable,omitempty"`
	ClientNode bool      `json:"client_node,omitempty"`

	// LastID is the id of the most recent forwarder.
	LastID string `json:"last_id,omitempty"`

	// AverageDistance piggybacks a network-statistics sample on
	// node-level responses.
	AverageDistance string `json:"average_distance,omitempty"`
}

// IsRoutingMessage reports whether the message belongs to the routing
// protocol itself rather than carrying a node-level payload.
func (m *Message) IsRoutingMessage() bool {
	return m.Type > -NodeLevelTypeFloor && m.Type < NodeLevelTypeFloor
}

// IsNodeLevel reports the complement of IsRoutingMessage.
func (m *Message) IsNodeLevel() bool {
	return !m.IsRoutingMessage()
}

// IsRequest reports the request bit.
func (m *Message) IsRequest() bool { return m.Request }

// IsResponse reports the response side.
func (m *Message) IsResponse() bool { return !m.Request }

// IsDirect reports single-destination addressing; false means the
// message targets the group closest to DestinationID.
func (m *Message) IsDirect() bool { return m.Direct }

// IsAck reports an acknowledgement carrier.
func (m *Message) IsAck() bool { return m.Type == TypeAck }

// IsGroupUpdate reports a closest-nodes-update broadcast.
func (m *Message) IsGroupUpdate() bool { return m.Type == TypeClosestNodesUpdate }

// HasRelay reports whether relay routing fields are present.
func (m *Message) HasRelay() bool { return m.RelayID != "" }

// Validate checks structural integrity before any handling. Invalid
// messages are dropped by the caller.
func (m *Message) Validate() error {
	if m.HopsToLive <= 0 {
		return fmt.Errorf("message %d: hop budget exhausted", m.ID)
	}
	if m.DestinationID == "" && m.RelayID == "" {
		return fmt.Errorf("message %d: no destination", m.ID)
	}
	if len(m.Data) == 0 && !m.IsAck() {
		return fmt.Errorf("message %d: no payload frames", m.ID)
	}
	return nil
}

// Clone returns a deep copy; retransmissions and replication fan-outs
// must not share payload or history slices.
func (m *Message) Clone() *Message {
	c := *m
	c.Data = make([][]byte, len(m.Data))
	for i, d := range m.Data {
		c.Data[i] = append([]byte(nil), d...)
	}
	c.RouteHistory = append([]string(nil), m.RouteHistory...)
	return &c
}

// Wire framing: a one-byte encoding marker followed by the JSON body,
// gzip-compressed when it pays off.
const (
	wireRaw  byte = 0x00
	wireGzip byte = 0x01

	compressThreshold = 1024
)

// Encode serialises the message for the transport.
func Encode(m *Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(body) < compressThreshold {
		return append([]byte{wireRaw}, body...), nil
	}
	var buf bytes.Buffer
	buf.WriteByte(wireGzip)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("compress message: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress message: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses bytes received from the transport.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("short frame: %d bytes", len(raw))
	}
	body := raw[1:]
	if raw[0] == wireGzip {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("decompress message: %w", err)
		}
		defer zr.Close()
		if body, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("decompress message: %w", err)
		}
	} else if raw[0] != wireRaw {
		return nil, fmt.Errorf("unknown encoding marker 0x%02x", raw[0])
	}
	m := &Message{}
	if err := json.Unmarshal(body, m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
