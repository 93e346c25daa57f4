package routing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// stubTransport records outbound frames for assertions. Connect hands
// out sequential connection ids and never fails.
type stubTransport struct {
	mu       sync.Mutex
	nextConn int
	sent     []sentFrame
	endpoint string
}

type sentFrame struct {
	connectionID string
	msg          *Message
}

func newStubTransport() *stubTransport {
	return &stubTransport{endpoint: "stub:0"}
}

func (s *stubTransport) Connect(_ context.Context, endpoint string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConn++
	return fmt.Sprintf("conn-%d", s.nextConn), nil
}

func (s *stubTransport) Send(_ context.Context, connectionID string, payload []byte) error {
	m, err := Decode(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentFrame{connectionID: connectionID, msg: m})
	return nil
}

func (s *stubTransport) Disconnect(string) error { return nil }

func (s *stubTransport) SetHandlers(Receiver, DisconnectFunc) {}

func (s *stubTransport) LocalEndpoint() string { return s.endpoint }

func (s *stubTransport) Close() error { return nil }

func (s *stubTransport) frames() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.sent...)
}

func (s *stubTransport) lastFrame() (sentFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return sentFrame{}, false
	}
	return s.sent[len(s.sent)-1], true
}

func (s *stubTransport) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

// memHub connects in-memory transports by endpoint, standing in for a
// real network in multi-node tests.
type memHub struct {
	mu         sync.Mutex
	transports map[string]*memTransport
}

func newMemHub() *memHub {
	return &memHub{transports: make(map[string]*memTransport)}
}

func (h *memHub) transportFor(endpoint string) *memTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &memTransport{hub: h, endpoint: endpoint, links: make(map[string]*memLink)}
	h.transports[endpoint] = t
	return t
}

// memLink is one direction-pair of connection: frames written on the
// local id surface at the remote transport under the remote id.
type memLink struct {
	remote   *memTransport
	remoteID string
}

// memTransport is an in-memory Transport wired through a memHub.
type memTransport struct {
	hub      *memHub
	endpoint string

	onBytes      Receiver
	onDisconnect DisconnectFunc

	mu       sync.Mutex
	nextConn int
	links    map[string]*memLink
	closed   bool
}

func (t *memTransport) SetHandlers(onBytes Receiver, onDisconnect DisconnectFunc) {
	t.onBytes = onBytes
	t.onDisconnect = onDisconnect
}

func (t *memTransport) LocalEndpoint() string { return t.endpoint }

func (t *memTransport) newConnID() string {
	t.nextConn++
	return fmt.Sprintf("%s#%d", t.endpoint, t.nextConn)
}

func (t *memTransport) Connect(_ context.Context, endpoint string) (string, error) {
	t.hub.mu.Lock()
	remote, ok := t.hub.transports[endpoint]
	t.hub.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no transport at %s", endpoint)
	}

	t.mu.Lock()
	localID := t.newConnID()
	t.mu.Unlock()
	remote.mu.Lock()
	remoteID := remote.newConnID()
	remote.mu.Unlock()

	t.mu.Lock()
	t.links[localID] = &memLink{remote: remote, remoteID: remoteID}
	t.mu.Unlock()
	remote.mu.Lock()
	remote.links[remoteID] = &memLink{remote: t, remoteID: localID}
	remote.mu.Unlock()
	return localID, nil
}

func (t *memTransport) Send(_ context.Context, connectionID string, payload []byte) error {
	t.mu.Lock()
	link, ok := t.links[connectionID]
	closed := t.closed
	t.mu.Unlock()
	if closed || !ok {
		return fmt.Errorf("send on unknown connection %s", connectionID)
	}
	frame := append([]byte(nil), payload...)
	go func() {
		link.remote.mu.Lock()
		rclosed := link.remote.closed
		recv := link.remote.onBytes
		link.remote.mu.Unlock()
		if !rclosed && recv != nil {
			recv(link.remoteID, frame)
		}
	}()
	return nil
}

func (t *memTransport) Disconnect(connectionID string) error {
	t.mu.Lock()
	link, ok := t.links[connectionID]
	delete(t.links, connectionID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	link.remote.mu.Lock()
	delete(link.remote.links, link.remoteID)
	notify := link.remote.onDisconnect
	link.remote.mu.Unlock()
	if notify != nil {
		notify(link.remoteID)
	}
	return nil
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.links = make(map[string]*memLink)
	t.mu.Unlock()
	return nil
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
