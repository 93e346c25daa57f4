package routing

import (
	"encoding/json"
	"fmt"
)

// Protocol payloads carried in the first data frame of routing messages.

type pingRequest struct {
	Timestamp int64 `json:"timestamp"`
}

type pingResponse struct {
	Pong            bool   `json:"pong"`
	OriginalRequest []byte `json:"original_request,omitempty"`
}

type connectRequest struct {
	NodeID    string `json:"node_id"`
	PublicKey []byte `json:"public_key"`
	Endpoint  string `json:"endpoint"`
	Client    bool   `json:"client,omitempty"`
	Bootstrap bool   `json:"bootstrap,omitempty"`
}

type connectResponse struct {
	Answer    bool   `json:"answer"`
	NodeID    string `json:"node_id"`
	PublicKey []byte `json:"public_key"`
	Endpoint  string `json:"endpoint"`
}

type connectSuccess struct {
	NodeID       string `json:"node_id"`
	ConnectionID string `json:"connection_id"`
	Client       bool   `json:"client,omitempty"`
}

type findNodesRequest struct {
	Target    string `json:"target"`
	NumNodes  int    `json:"num_nodes"`
	Requestor string `json:"requestor,omitempty"`
}

type findNodesResponse struct {
	Nodes []foundNode `json:"nodes"`
}

type foundNode struct {
	NodeID   string `json:"node_id"`
	Endpoint string `json:"endpoint,omitempty"`
}

type closestNodesUpdate struct {
	NodeID     string   `json:"node_id"`
	CloseNodes []string `json:"close_nodes"`
}

type removeFurthestRequest struct {
	// Suggested eviction target; the recipient decides.
	NodeID string `json:"node_id,omitempty"`
}

type removeFurthestResponse struct {
	Removed string `json:"removed,omitempty"`
}

type getGroupRequest struct {
	GroupID string `json:"group_id"`
}

type getGroupResponse struct {
	GroupID string   `json:"group_id"`
	Nodes   []string `json:"nodes"`
}

func marshalFrame(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// All frame payloads are plain structs; marshalling cannot fail.
		panic(fmt.Sprintf("marshal frame: %v", err))
	}
	return b
}

func unmarshalFrame(m *Message, v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message %d: missing payload frame", m.ID)
	}
	if err := json.Unmarshal(m.Data[0], v); err != nil {
		return fmt.Errorf("message %d: bad payload frame: %w", m.ID, err)
	}
	return nil
}

// Request builders. Every new message starts with the full hop budget.

func newRequest(t MessageType, source, destination NodeID, frame []byte, p Parameters) *Message {
	return &Message{
		Type:          t,
		Request:       true,
		Direct:        true,
		SourceID:      source.Hex(),
		DestinationID: destination.Hex(),
		Data:          [][]byte{frame},
		Replication:   1,
		HopsToLive:    p.HopsToLive,
	}
}

func pingRequestMessage(source, destination NodeID, now int64, p Parameters) *Message {
	return newRequest(TypePing, source, destination, marshalFrame(pingRequest{Timestamp: now}), p)
}

func connectRequestMessage(source NodeID, destination NodeID, req connectRequest, p Parameters) *Message {
	return newRequest(TypeConnect, source, destination, marshalFrame(req), p)
}

func findNodesRequestMessage(source, target NodeID, numNodes int, p Parameters) *Message {
	m := newRequest(TypeFindNodes, source, target,
		marshalFrame(findNodesRequest{Target: target.Hex(), NumNodes: numNodes, Requestor: source.Hex()}), p)
	m.Direct = false
	return m
}

func closestNodesUpdateMessage(source, destination NodeID, closeNodes []NodeID, p Parameters) *Message {
	upd := closestNodesUpdate{NodeID: source.Hex()}
	for _, id := range closeNodes {
		upd.CloseNodes = append(upd.CloseNodes, id.Hex())
	}
	return newRequest(TypeClosestNodesUpdate, source, destination, marshalFrame(upd), p)
}

func removeFurthestRequestMessage(source, destination NodeID, p Parameters) *Message {
	return newRequest(TypeRemoveFurthest, source, destination, marshalFrame(removeFurthestRequest{}), p)
}

func getGroupRequestMessage(source, groupID NodeID, p Parameters) *Message {
	m := newRequest(TypeGetGroup, source, groupID,
		marshalFrame(getGroupRequest{GroupID: groupID.Hex()}), p)
	m.Direct = false
	m.Replication = 1
	return m
}

func ackMessage(source, destination NodeID, ackID uint32, p Parameters) *Message {
	return &Message{
		Type:          TypeAck,
		Request:       true,
		Direct:        true,
		SourceID:      source.Hex(),
		DestinationID: destination.Hex(),
		AckID:         ackID,
		HopsToLive:    p.HopsToLive,
	}
}
