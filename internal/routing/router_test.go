package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedSends(t *testing.T) {
	t.Run("SingleToSingle", func(t *testing.T) {
		f := newHandlerFixture(t, testID(1), Parameters{})
		f.addPeer(testID(0x40), "c40")

		err := f.router.SendSingleToSingle(SingleToSingleMessage{
			Payload:     []byte("p"),
			Destination: testID(0x41),
		}, func([]byte, error) {})
		require.NoError(t, err)

		frame, ok := f.stub.lastFrame()
		require.True(t, ok)
		assert.Equal(t, testID(0x41).Hex(), frame.msg.DestinationID)
		assert.True(t, frame.msg.IsDirect())
		assert.Empty(t, frame.msg.GroupSource)
		assert.Empty(t, frame.msg.GroupDestination)
		assert.NotZero(t, frame.msg.ID, "a response callback needs a correlation id")
	})

	t.Run("SingleToGroup", func(t *testing.T) {
		f := newHandlerFixture(t, testID(1), Parameters{GroupSize: 4})
		f.addPeer(testID(0x40), "c40")

		require.NoError(t, f.router.SendSingleToGroup(SingleToGroupMessage{
			Payload: []byte("p"),
			GroupID: testID(0x41),
		}, nil))

		frame, ok := f.stub.lastFrame()
		require.True(t, ok)
		assert.Equal(t, testID(0x41).Hex(), frame.msg.GroupDestination)
		assert.Empty(t, frame.msg.GroupSource)
		assert.False(t, frame.msg.IsDirect())
		assert.Equal(t, 4, frame.msg.Replication)
	})

	t.Run("GroupToSingle", func(t *testing.T) {
		f := newHandlerFixture(t, testID(1), Parameters{})
		f.addPeer(testID(0x40), "c40")

		require.NoError(t, f.router.SendGroupToSingle(GroupToSingleMessage{
			Payload:     []byte("p"),
			GroupSource: testID(7),
			Destination: testID(0x41),
		}, nil))

		frame, ok := f.stub.lastFrame()
		require.True(t, ok)
		assert.Equal(t, "c40", frame.connectionID)
		assert.Equal(t, testID(7).Hex(), frame.msg.GroupSource)
		assert.Empty(t, frame.msg.GroupDestination)
		assert.True(t, frame.msg.IsDirect())
		assert.Equal(t, f.local.Hex(), frame.msg.SourceID)
	})

	t.Run("GroupToGroup", func(t *testing.T) {
		f := newHandlerFixture(t, testID(1), Parameters{GroupSize: 4})
		f.addPeer(testID(0x40), "c40")

		require.NoError(t, f.router.SendGroupToGroup(GroupToGroupMessage{
			Payload:     []byte("p"),
			GroupSource: testID(7),
			GroupID:     testID(0x41),
		}, nil))

		frame, ok := f.stub.lastFrame()
		require.True(t, ok)
		assert.Equal(t, testID(7).Hex(), frame.msg.GroupSource)
		assert.Equal(t, testID(0x41).Hex(), frame.msg.GroupDestination)
		assert.False(t, frame.msg.IsDirect())
		assert.Equal(t, 4, frame.msg.Replication)
	})

	t.Run("SingleToGroupRelay", func(t *testing.T) {
		f := newHandlerFixture(t, testID(1), Parameters{})
		f.router.network.SetBootstrapConnection("boot")

		require.NoError(t, f.router.SendSingleToGroupRelay(SingleToGroupRelayMessage{
			Payload: []byte("p"),
			GroupID: testID(0x41),
		}, nil))

		frame, ok := f.stub.lastFrame()
		require.True(t, ok)
		assert.Equal(t, "boot", frame.connectionID)
		assert.Empty(t, frame.msg.SourceID, "pre-join messages carry no source")
		assert.Equal(t, f.local.Hex(), frame.msg.RelayID)
		assert.Equal(t, testID(0x41).Hex(), frame.msg.GroupDestination)
	})

	t.Run("RelayNeedsBootstrapConnection", func(t *testing.T) {
		f := newHandlerFixture(t, testID(1), Parameters{})
		err := f.router.SendSingleToGroupRelay(SingleToGroupRelayMessage{
			Payload: []byte("p"),
			GroupID: testID(0x41),
		}, nil)
		assert.ErrorIs(t, err, ErrNotJoined)
	})

	t.Run("ZeroIDsRejected", func(t *testing.T) {
		f := newHandlerFixture(t, testID(1), Parameters{})
		assert.Error(t, f.router.SendGroupToSingle(GroupToSingleMessage{
			Payload: []byte("p"), Destination: testID(2)}, nil))
		assert.Error(t, f.router.SendGroupToSingle(GroupToSingleMessage{
			Payload: []byte("p"), GroupSource: testID(7)}, nil))
		assert.Error(t, f.router.SendGroupToGroup(GroupToGroupMessage{
			Payload: []byte("p"), GroupID: testID(2)}, nil))
		assert.Error(t, f.router.SendSingleToGroupRelay(SingleToGroupRelayMessage{
			Payload: []byte("p")}, nil))
	})
}
