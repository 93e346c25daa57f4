package routing

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type serviceFixture struct {
	local   NodeID
	table   *Table
	clients *ClientTable
	service *Service
}

func newServiceFixture(t *testing.T, local NodeID, params Parameters) *serviceFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	params.ApplyDefaults()
	table := NewTable(local, false, params, logger)
	clients := NewClientTable(local, params, logger)
	ack := NewAckEngine(params, logger)
	t.Cleanup(ack.Stop)
	network := NewNetwork(table, clients, ack, newStubTransport(), params, logger)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &serviceFixture{
		local:   local,
		table:   table,
		clients: clients,
		service: NewService(table, clients, network, pub, params, logger),
	}
}

func TestServicePing(t *testing.T) {
	f := newServiceFixture(t, testID(1), Parameters{})

	req := pingRequestMessage(testID(2), f.local, time.Now().UnixNano(), DefaultParameters())
	resp := f.service.Ping(req)
	require.NotNil(t, resp)
	assert.False(t, resp.IsRequest())
	assert.Equal(t, f.local.Hex(), resp.SourceID)
	assert.Equal(t, testID(2).Hex(), resp.DestinationID)
	assert.Equal(t, req.ID, resp.ID)

	var pong pingResponse
	require.NoError(t, unmarshalFrame(resp, &pong))
	assert.True(t, pong.Pong)

	t.Run("NotForUs", func(t *testing.T) {
		stray := pingRequestMessage(testID(2), testID(3), time.Now().UnixNano(), DefaultParameters())
		assert.Nil(t, f.service.Ping(stray))
	})
}

func TestServiceConnect(t *testing.T) {
	params := Parameters{MaxRoutingTableSize: 2}
	f := newServiceFixture(t, testID(1), params)

	makeReq := func(id NodeID, client, bootstrap bool) *Message {
		return connectRequestMessage(id, f.local, connectRequest{
			NodeID:    id.Hex(),
			Endpoint:  "peer:1",
			Client:    client,
			Bootstrap: bootstrap,
		}, DefaultParameters())
	}

	t.Run("AdmissibleCandidateAccepted", func(t *testing.T) {
		resp := f.service.Connect(makeReq(testID(9), false, false))
		require.NotNil(t, resp)
		var cr connectResponse
		require.NoError(t, unmarshalFrame(resp, &cr))
		assert.True(t, cr.Answer)
		assert.Equal(t, f.local.Hex(), cr.NodeID)
		assert.NotEmpty(t, cr.Endpoint)
	})

	t.Run("FullTableRefusesFartherCandidate", func(t *testing.T) {
		f.table.Add(PeerInfo{NodeID: testID(2)})
		f.table.Add(PeerInfo{NodeID: testID(3)})
		resp := f.service.Connect(makeReq(testID(0x70), false, false))
		require.NotNil(t, resp)
		var cr connectResponse
		require.NoError(t, unmarshalFrame(resp, &cr))
		assert.False(t, cr.Answer)
	})

	t.Run("ClientAlwaysAnswered", func(t *testing.T) {
		resp := f.service.Connect(makeReq(testID(0x70), true, false))
		require.NotNil(t, resp)
		var cr connectResponse
		require.NoError(t, unmarshalFrame(resp, &cr))
		assert.True(t, cr.Answer)
	})

	t.Run("BootstrapContactIgnored", func(t *testing.T) {
		assert.Nil(t, f.service.Connect(makeReq(testID(9), false, true)))
	})
}

func TestServiceConnectSuccess(t *testing.T) {
	f := newServiceFixture(t, testID(1), Parameters{})

	m := newRequest(TypeConnectSuccess, testID(5), f.local,
		marshalFrame(connectSuccess{NodeID: testID(5).Hex()}), DefaultParameters())

	resp := f.service.ConnectSuccess(m, "conn-in")
	require.NotNil(t, resp)
	assert.Equal(t, TypeConnectSuccessAck, resp.Type)
	assert.Equal(t, testID(5).Hex(), resp.DestinationID)

	info, err := f.table.GetInfo(testID(5))
	require.NoError(t, err)
	assert.Equal(t, "conn-in", info.ConnectionID)

	t.Run("DuplicateRejected", func(t *testing.T) {
		assert.Nil(t, f.service.ConnectSuccess(m, "conn-in"))
	})

	t.Run("ClientEntersClientTable", func(t *testing.T) {
		cm := newRequest(TypeConnectSuccess, testID(2), f.local,
			marshalFrame(connectSuccess{NodeID: testID(2).Hex(), Client: true}), DefaultParameters())
		resp := f.service.ConnectSuccess(cm, "conn-c")
		require.NotNil(t, resp)
		assert.True(t, f.clients.Contains(testID(2)))
		assert.False(t, f.table.Contains(testID(2)))
	})
}

func TestServiceFindNodes(t *testing.T) {
	params := Parameters{ClosestNodesSize: 4}
	f := newServiceFixture(t, testID(1), params)
	f.table.Add(PeerInfo{NodeID: testID(2), Endpoint: "p2:1"})
	f.table.Add(PeerInfo{NodeID: testID(3), Endpoint: "p3:1"})

	req := findNodesRequestMessage(testID(9), testID(2), 4, DefaultParameters())
	resp := f.service.FindNodes(req)
	require.NotNil(t, resp)

	var fr findNodesResponse
	require.NoError(t, unmarshalFrame(resp, &fr))

	// Small network: our own id rides along so the requester always
	// learns a contact.
	ids := make([]string, 0, len(fr.Nodes))
	for _, n := range fr.Nodes {
		ids = append(ids, n.NodeID)
	}
	assert.Contains(t, ids, testID(2).Hex())
	assert.Contains(t, ids, f.local.Hex())
}

func TestServiceClosestNodesUpdate(t *testing.T) {
	f := newServiceFixture(t, testID(1), Parameters{})
	f.table.Add(PeerInfo{NodeID: testID(2)})

	upd := closestNodesUpdateMessage(testID(2), f.local, []NodeID{testID(3), testID(4)}, DefaultParameters())
	assert.Nil(t, f.service.ClosestNodesUpdate(upd))

	info, err := f.table.GetInfo(testID(2))
	require.NoError(t, err)
	assert.Equal(t, []NodeID{testID(3), testID(4)}, info.CloseNodes)
}

func TestServiceRemoveFurthest(t *testing.T) {
	params := Parameters{MaxRoutingTableSize: 2}
	f := newServiceFixture(t, testID(1), params)
	f.table.Add(PeerInfo{NodeID: testID(2)})
	f.table.Add(PeerInfo{NodeID: testID(0x40)})

	req := removeFurthestRequestMessage(testID(2), f.local, DefaultParameters())
	resp := f.service.RemoveFurthest(req)
	require.NotNil(t, resp)

	var rr removeFurthestResponse
	require.NoError(t, unmarshalFrame(resp, &rr))
	assert.Equal(t, testID(0x40).Hex(), rr.Removed)
	assert.False(t, f.table.Contains(testID(0x40)))

	t.Run("NotSaturatedNoEviction", func(t *testing.T) {
		resp := f.service.RemoveFurthest(removeFurthestRequestMessage(testID(2), f.local, DefaultParameters()))
		require.NotNil(t, resp)
		var rr removeFurthestResponse
		require.NoError(t, unmarshalFrame(resp, &rr))
		assert.Empty(t, rr.Removed)
	})
}

func TestServiceGetGroup(t *testing.T) {
	params := Parameters{GroupSize: 3}
	f := newServiceFixture(t, testID(1), params)
	f.table.Add(PeerInfo{NodeID: testID(2)})
	f.table.Add(PeerInfo{NodeID: testID(3)})
	f.table.Add(PeerInfo{NodeID: testID(0x60)})

	req := getGroupRequestMessage(testID(9), testID(2), DefaultParameters())
	resp := f.service.GetGroup(req)
	require.NotNil(t, resp)

	var gr getGroupResponse
	require.NoError(t, unmarshalFrame(resp, &gr))
	assert.Equal(t, testID(2).Hex(), gr.GroupID)
	require.Len(t, gr.Nodes, 3)
	assert.Equal(t, f.local.Hex(), gr.Nodes[0])
	assert.Contains(t, gr.Nodes, testID(2).Hex())
	assert.Contains(t, gr.Nodes, testID(3).Hex())
	assert.NotContains(t, gr.Nodes, testID(0x60).Hex())
}
