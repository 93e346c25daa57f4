package routing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	t.Run("SmallMessageUncompressed", func(t *testing.T) {
		m := &Message{
			Type:          TypePing,
			Request:       true,
			Direct:        true,
			SourceID:      testID(1).Hex(),
			DestinationID: testID(2).Hex(),
			Data:          [][]byte{[]byte("hello")},
			HopsToLive:    10,
		}
		raw, err := Encode(m)
		require.NoError(t, err)
		assert.Equal(t, wireRaw, raw[0])

		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, m.Type, got.Type)
		assert.Equal(t, m.SourceID, got.SourceID)
		assert.Equal(t, m.Data, got.Data)
	})

	t.Run("LargePayloadCompressed", func(t *testing.T) {
		payload := bytes.Repeat([]byte("compressible "), 500)
		m := &Message{
			Type:          TypeNodeLevel,
			Request:       true,
			DestinationID: testID(3).Hex(),
			Data:          [][]byte{payload},
			HopsToLive:    10,
		}
		raw, err := Encode(m)
		require.NoError(t, err)
		assert.Equal(t, wireGzip, raw[0])
		assert.Less(t, len(raw), len(payload))

		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, payload, got.Data[0])
	})

	t.Run("UnknownMarker", func(t *testing.T) {
		_, err := Decode([]byte{0x7f, '{', '}'})
		assert.Error(t, err)
	})

	t.Run("ShortFrame", func(t *testing.T) {
		_, err := Decode([]byte{wireRaw})
		assert.Error(t, err)
	})

	t.Run("AbsentIDsSurvive", func(t *testing.T) {
		// Empty string ids mark absent fields and must not round-trip
		// into zero ids.
		m := &Message{
			Type:       TypeFindNodes,
			Request:    true,
			RelayID:    testID(9).Hex(),
			Data:       [][]byte{[]byte("x")},
			HopsToLive: 5,
		}
		raw, err := Encode(m)
		require.NoError(t, err)
		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Empty(t, got.SourceID)
		assert.Equal(t, m.RelayID, got.RelayID)
	})
}

func TestMessageValidate(t *testing.T) {
	valid := func() *Message {
		return &Message{
			Type:          TypePing,
			DestinationID: testID(1).Hex(),
			Data:          [][]byte{[]byte("x")},
			HopsToLive:    3,
		}
	}

	assert.NoError(t, valid().Validate())

	m := valid()
	m.HopsToLive = 0
	assert.Error(t, m.Validate())

	m = valid()
	m.DestinationID = ""
	assert.Error(t, m.Validate())

	m = valid()
	m.DestinationID = ""
	m.RelayID = testID(2).Hex()
	assert.NoError(t, m.Validate())

	m = valid()
	m.Data = nil
	assert.Error(t, m.Validate())

	ack := &Message{Type: TypeAck, DestinationID: testID(1).Hex(), AckID: 7, HopsToLive: 3}
	assert.NoError(t, ack.Validate())
}

func TestMessageClone(t *testing.T) {
	m := &Message{
		Type:         TypeNodeLevel,
		Data:         [][]byte{[]byte("abc")},
		RouteHistory: []string{testID(1).Hex()},
		HopsToLive:   5,
	}
	c := m.Clone()
	c.Data[0][0] = 'z'
	c.RouteHistory[0] = "other"
	assert.Equal(t, byte('a'), m.Data[0][0])
	assert.Equal(t, testID(1).Hex(), m.RouteHistory[0])
}

func TestMessagePredicates(t *testing.T) {
	assert.True(t, (&Message{Type: TypePing}).IsRoutingMessage())
	assert.True(t, (&Message{Type: TypeNodeLevel}).IsNodeLevel())
	assert.True(t, (&Message{Type: TypeNodeLevel + 50}).IsNodeLevel())
	assert.True(t, (&Message{Type: TypeAck}).IsAck())
	assert.True(t, (&Message{Type: TypeClosestNodesUpdate}).IsGroupUpdate())
	assert.True(t, (&Message{RelayID: "ab"}).HasRelay())
	assert.False(t, (&Message{}).HasRelay())
}
