package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDispatcher(t *testing.T) {
	newMsg := func() *Message {
		return &Message{
			Type:          TypeNodeLevel,
			Request:       true,
			SourceID:      testID(1).Hex(),
			DestinationID: testID(2).Hex(),
			Data:          [][]byte{[]byte("payload")},
			HopsToLive:    5,
		}
	}

	t.Run("SingleToSingle", func(t *testing.T) {
		d := NewDispatcher(zaptest.NewLogger(t))
		var got SingleToSingleMessage
		d.Register(TypedHandlers{SingleToSingle: func(m SingleToSingleMessage) { got = m }})

		d.Dispatch(newMsg())
		assert.Equal(t, testID(1), got.Source)
		assert.Equal(t, testID(2), got.Destination)
		assert.Equal(t, []byte("payload"), got.Payload)
	})

	t.Run("SingleToGroup", func(t *testing.T) {
		d := NewDispatcher(zaptest.NewLogger(t))
		var got SingleToGroupMessage
		d.Register(TypedHandlers{SingleToGroup: func(m SingleToGroupMessage) { got = m }})

		m := newMsg()
		m.GroupDestination = testID(7).Hex()
		d.Dispatch(m)
		assert.Equal(t, testID(7), got.GroupID)
		assert.Equal(t, testID(1), got.Source)
	})

	t.Run("GroupToSingle", func(t *testing.T) {
		d := NewDispatcher(zaptest.NewLogger(t))
		var got GroupToSingleMessage
		d.Register(TypedHandlers{GroupToSingle: func(m GroupToSingleMessage) { got = m }})

		m := newMsg()
		m.GroupSource = testID(8).Hex()
		d.Dispatch(m)
		assert.Equal(t, testID(8), got.GroupSource)
		assert.Equal(t, testID(2), got.Destination)
	})

	t.Run("GroupToGroup", func(t *testing.T) {
		d := NewDispatcher(zaptest.NewLogger(t))
		var got GroupToGroupMessage
		d.Register(TypedHandlers{GroupToGroup: func(m GroupToGroupMessage) { got = m }})

		m := newMsg()
		m.GroupSource = testID(8).Hex()
		m.GroupDestination = testID(7).Hex()
		d.Dispatch(m)
		assert.Equal(t, testID(8), got.GroupSource)
		assert.Equal(t, testID(7), got.GroupID)
	})

	t.Run("RelayVariantWinsOverSingleToGroup", func(t *testing.T) {
		d := NewDispatcher(zaptest.NewLogger(t))
		var relay SingleToGroupRelayMessage
		var plain bool
		d.Register(TypedHandlers{
			SingleToGroup:      func(SingleToGroupMessage) { plain = true },
			SingleToGroupRelay: func(m SingleToGroupRelayMessage) { relay = m },
		})

		m := newMsg()
		m.GroupDestination = testID(7).Hex()
		m.RelayID = testID(9).Hex()
		m.RelayConnectionID = "relay-conn"
		d.Dispatch(m)

		require.False(t, plain)
		assert.Equal(t, testID(9), relay.Source)
		assert.Equal(t, testID(1), relay.Relay)
		assert.Equal(t, "relay-conn", relay.RelayConnectionID)
		assert.Equal(t, testID(7), relay.GroupID)
	})

	t.Run("UnregisteredVariantDropped", func(t *testing.T) {
		d := NewDispatcher(zaptest.NewLogger(t))
		d.Register(TypedHandlers{})
		d.Dispatch(newMsg()) // must not panic
	})

	t.Run("EmptyPayloadIgnored", func(t *testing.T) {
		d := NewDispatcher(zaptest.NewLogger(t))
		called := false
		d.Register(TypedHandlers{SingleToSingle: func(SingleToSingleMessage) { called = true }})
		m := newMsg()
		m.Data = nil
		d.Dispatch(m)
		assert.False(t, called)
	})
}
