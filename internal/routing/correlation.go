package routing

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrTimedOut is delivered to a response callback whose deadline elapsed
// before a matching response arrived.
var ErrTimedOut = errors.New("request timed out")

// ResponseFunc receives exactly one of: the response payload, or
// ErrTimedOut.
type ResponseFunc func(payload []byte, err error)

type correlationEntry struct {
	timer *time.Timer
	fn    ResponseFunc
}

// Correlator matches responses back to outstanding requests. Each
// request registers a correlation id with a deadline; the callback fires
// at most once, either with the response payload or with ErrTimedOut.
type Correlator struct {
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint32
	entries map[uint32]*correlationEntry
	stopped bool
}

// NewCorrelator creates the registry with a randomly seeded id counter.
func NewCorrelator(logger *zap.Logger) *Correlator {
	return &Correlator{
		logger:  logger.Named("correlator"),
		nextID:  rand.Uint32(),
		entries: make(map[uint32]*correlationEntry),
	}
}

// NewID returns the next correlation id. Zero is reserved.
func (c *Correlator) NewID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return c.nextID
}

// AddRequest registers a pending response slot.
func (c *Correlator) AddRequest(id uint32, timeout time.Duration, fn ResponseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		go fn(nil, ErrTimedOut)
		return
	}
	if _, ok := c.entries[id]; ok {
		c.logger.Warn("duplicate correlation id", zap.Uint32("id", id))
		return
	}
	c.entries[id] = &correlationEntry{
		timer: time.AfterFunc(timeout, func() { c.timeout(id) }),
		fn:    fn,
	}
}

// AddResponse fulfils a pending slot. Unknown ids are dropped with a
// diagnostic: the request may have already timed out.
func (c *Correlator) AddResponse(id uint32, payload []byte) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		e.timer.Stop()
		delete(c.entries, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown correlation id", zap.Uint32("id", id))
		return
	}
	e.fn(payload, nil)
}

func (c *Correlator) timeout(id uint32) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	stopped := c.stopped
	c.mu.Unlock()
	if !ok || stopped {
		return
	}
	c.logger.Debug("request timed out", zap.Uint32("id", id))
	e.fn(nil, ErrTimedOut)
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop cancels all pending requests, completing each with ErrTimedOut.
func (c *Correlator) Stop() {
	c.mu.Lock()
	c.stopped = true
	entries := c.entries
	c.entries = make(map[uint32]*correlationEntry)
	c.mu.Unlock()
	for _, e := range entries {
		e.timer.Stop()
		e.fn(nil, ErrTimedOut)
	}
}
