package routing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNeedsAck(t *testing.T) {
	a := NewAckEngine(Parameters{}, zaptest.NewLogger(t))

	base := func() *Message {
		return &Message{
			Type:          TypeNodeLevel,
			Request:       true,
			SourceID:      testID(1).Hex(),
			DestinationID: testID(2).Hex(),
		}
	}
	assert.True(t, a.NeedsAck(base()))

	t.Run("AckCarrier", func(t *testing.T) {
		m := base()
		m.Type = TypeAck
		assert.False(t, a.NeedsAck(m))
	})

	t.Run("GroupUpdate", func(t *testing.T) {
		m := base()
		m.Type = TypeClosestNodesUpdate
		assert.False(t, a.NeedsAck(m))
	})

	t.Run("ResponseToRelay", func(t *testing.T) {
		m := base()
		m.Request = false
		m.RelayID = m.DestinationID
		assert.False(t, a.NeedsAck(m))
	})

	t.Run("EmptySource", func(t *testing.T) {
		m := base()
		m.SourceID = ""
		assert.False(t, a.NeedsAck(m))
	})
}

func TestAckIDNeverZero(t *testing.T) {
	a := NewAckEngine(Parameters{}, zaptest.NewLogger(t))
	for i := 0; i < 1000; i++ {
		assert.NotZero(t, a.NewAckID())
	}
}

func TestAckRetransmission(t *testing.T) {
	params := Parameters{MaxAckAttempts: 3, AckTimeout: 20 * time.Millisecond}
	a := NewAckEngine(params, zaptest.NewLogger(t))
	defer a.Stop()

	var mu sync.Mutex
	var retransmits int

	m := &Message{
		Type:          TypeNodeLevel,
		Request:       true,
		SourceID:      testID(1).Hex(),
		DestinationID: testID(2).Hex(),
		AckID:         a.NewAckID(),
	}
	var onTimeout AckHandler
	onTimeout = func(snapshot *Message) {
		mu.Lock()
		retransmits++
		mu.Unlock()
		a.Add(snapshot, onTimeout, params.AckTimeout)
	}
	a.Add(m, onTimeout, params.AckTimeout)

	t.Run("AckBeforeTimeoutClears", func(t *testing.T) {
		assert.Equal(t, 1, a.Outstanding())
		a.HandleAckMessage(m.AckID)
		assert.Equal(t, 0, a.Outstanding())
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		assert.Equal(t, 0, retransmits)
		mu.Unlock()
	})

	t.Run("UnackedRetransmitsThenGivesUp", func(t *testing.T) {
		m2 := m.Clone()
		m2.AckID = a.NewAckID()
		a.Add(m2, onTimeout, params.AckTimeout)

		require.Eventually(t, func() bool {
			return a.Attempts(m2.AckID) == -1
		}, time.Second, 10*time.Millisecond, "entry should eventually be evicted")

		mu.Lock()
		// The terminal wait begins once the attempt count reaches
		// MaxAckAttempts; its expiry evicts instead of retransmitting.
		assert.Equal(t, params.MaxAckAttempts, retransmits)
		mu.Unlock()
	})
}

func TestAckAttemptCounting(t *testing.T) {
	a := NewAckEngine(Parameters{MaxAckAttempts: 3, AckTimeout: time.Hour}, zaptest.NewLogger(t))
	defer a.Stop()

	m := &Message{
		Type:          TypeNodeLevel,
		Request:       true,
		SourceID:      testID(1).Hex(),
		DestinationID: testID(2).Hex(),
		AckID:         a.NewAckID(),
	}
	a.Add(m, nil, time.Hour)
	assert.Equal(t, 0, a.Attempts(m.AckID))

	a.Add(m, nil, time.Hour) // first retransmit
	assert.Equal(t, 1, a.Attempts(m.AckID))

	a.Add(m, nil, time.Hour) // second retransmit
	assert.Equal(t, 2, a.Attempts(m.AckID))

	a.Remove(m.AckID)
	assert.Equal(t, -1, a.Attempts(m.AckID))
}

func TestAckStop(t *testing.T) {
	a := NewAckEngine(Parameters{AckTimeout: 10 * time.Millisecond}, zaptest.NewLogger(t))
	m := &Message{
		Type:          TypeNodeLevel,
		Request:       true,
		SourceID:      testID(1).Hex(),
		DestinationID: testID(2).Hex(),
		AckID:         a.NewAckID(),
	}
	fired := make(chan struct{}, 8)
	a.Add(m, func(*Message) { fired <- struct{}{} }, 10*time.Millisecond)
	a.Stop()
	assert.Equal(t, 0, a.Outstanding())

	select {
	case <-fired:
		t.Fatal("handler fired after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}
