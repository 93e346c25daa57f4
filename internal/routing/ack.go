package routing

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AckHandler is invoked when an outstanding hop acknowledgement times
// out; it normally retransmits the snapshot and re-adds the entry.
type AckHandler func(msg *Message)

type ackEntry struct {
	msg       *Message
	timer     *time.Timer
	onTimeout AckHandler
	attempts  int
	// terminal marks the final wait: when it fires the entry is evicted
	// instead of retransmitted.
	terminal bool
}

// AckEngine provides per-hop reliable delivery. Every outbound message
// that NeedsAck carries a fresh ack id; the receiving hop echoes it in
// an ack carrier, which removes the entry. Unacknowledged messages are
// retransmitted up to MaxAckAttempts times, then dropped without upward
// notification: the correlation timeout is the upper layer's signal.
type AckEngine struct {
	params Parameters
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint32
	entries map[uint32]*ackEntry
	stopped bool
}

// NewAckEngine creates the engine with a randomly seeded ack counter.
func NewAckEngine(params Parameters, logger *zap.Logger) *AckEngine {
	params.ApplyDefaults()
	return &AckEngine{
		params:  params,
		logger:  logger.Named("ack"),
		nextID:  rand.Uint32(),
		entries: make(map[uint32]*ackEntry),
	}
}

// NewAckID returns the next ack id. Zero is reserved as "no ack id" and
// skipped when the counter wraps.
func (a *AckEngine) NewAckID() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	if a.nextID == 0 {
		a.nextID = 1
	}
	return a.nextID
}

// NeedsAck reports whether a message requires per-hop acknowledgement.
// Ack carriers, group-change broadcasts, relay-hop responses and
// messages without a source never do.
func (a *AckEngine) NeedsAck(m *Message) bool {
	if m.IsAck() {
		return false
	}
	if m.IsGroupUpdate() {
		return false
	}
	if m.IsResponse() && m.DestinationID == m.RelayID {
		return false
	}
	if m.SourceID == "" {
		return false
	}
	return true
}

// Add arms a timeout for the message's ack id. A first call stores a
// snapshot and starts the timer; repeated calls with the same id are the
// retransmit path and only bump the attempt count and re-arm. Once the
// attempt count reaches MaxAckAttempts the entry enters its terminal
// wait and the next expiry evicts it.
func (a *AckEngine) Add(m *Message, onTimeout AckHandler, timeout time.Duration) {
	if m.AckID == 0 {
		a.logger.Warn("ack add without ack id", zap.Uint32("msg_id", m.ID))
		return
	}
	if timeout <= 0 {
		timeout = a.params.AckTimeout
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}

	ackID := m.AckID
	if e, ok := a.entries[ackID]; ok {
		e.attempts++
		if e.attempts >= a.params.MaxAckAttempts {
			e.terminal = true
		}
		e.timer.Stop()
		e.timer = a.armLocked(ackID, timeout)
		a.logger.Debug("ack re-armed",
			zap.Uint32("ack_id", ackID), zap.Int("attempts", e.attempts), zap.Bool("terminal", e.terminal))
		return
	}

	a.entries[ackID] = &ackEntry{
		msg:       m.Clone(),
		timer:     a.armLocked(ackID, timeout),
		onTimeout: onTimeout,
	}
	a.logger.Debug("ack armed", zap.Uint32("ack_id", ackID), zap.Uint32("msg_id", m.ID))
}

func (a *AckEngine) armLocked(ackID uint32, timeout time.Duration) *time.Timer {
	return time.AfterFunc(timeout, func() { a.expire(ackID) })
}

func (a *AckEngine) expire(ackID uint32) {
	a.mu.Lock()
	e, ok := a.entries[ackID]
	if !ok || a.stopped {
		// Cancelled after firing; nothing to do.
		a.mu.Unlock()
		return
	}
	if e.terminal {
		delete(a.entries, ackID)
		a.mu.Unlock()
		a.logger.Warn("ack attempts exhausted, giving up", zap.Uint32("ack_id", ackID))
		return
	}
	snapshot := e.msg.Clone()
	handler := e.onTimeout
	a.mu.Unlock()

	a.logger.Debug("ack timeout, retransmitting", zap.Uint32("ack_id", ackID))
	if handler != nil {
		handler(snapshot)
	}
}

// Remove cancels and erases an entry; silent for unknown ids.
func (a *AckEngine) Remove(ackID uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[ackID]; ok {
		e.timer.Stop()
		delete(a.entries, ackID)
		a.logger.Debug("ack cleared", zap.Uint32("ack_id", ackID))
	}
}

// HandleAckMessage processes an inbound ack carrier.
func (a *AckEngine) HandleAckMessage(ackID uint32) {
	if ackID == 0 {
		return
	}
	a.Remove(ackID)
}

// Attempts returns the retransmit count of an outstanding entry, or -1
// when absent. Test hook.
func (a *AckEngine) Attempts(ackID uint32) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[ackID]; ok {
		return e.attempts
	}
	return -1
}

// Outstanding returns the number of live entries.
func (a *AckEngine) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Stop cancels all timers. Callbacks racing the shutdown observe the
// stopped flag and exit as no-ops.
func (a *AckEngine) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for id, e := range a.entries {
		e.timer.Stop()
		delete(a.entries, id)
	}
}
