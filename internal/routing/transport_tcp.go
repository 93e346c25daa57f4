package routing

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxFrameSize bounds a single wire frame. Oversized frames indicate a
// corrupt or hostile peer and drop the connection.
const maxFrameSize = 8 << 20

// TCPTransport frames datagrams over TCP connections: a big-endian
// uint32 length prefix followed by the encoded message.
type TCPTransport struct {
	logger *zap.Logger

	listener net.Listener

	onBytes      Receiver
	onDisconnect DisconnectFunc

	mu     sync.RWMutex
	conns  map[string]*tcpConn
	closed bool
	wg     sync.WaitGroup
}

// tcpConn serialises writers. Retransmit timers and forwarding
// goroutines share one connection, and consecutive conn.Write calls
// from different goroutines may interleave.
type tcpConn struct {
	net.Conn
	wmu sync.Mutex
}

// NewTCPTransport starts listening on addr. Pass ":0" to let the OS
// choose a port.
func NewTCPTransport(addr string, logger *zap.Logger) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	t := &TCPTransport{
		logger:   logger.Named("tcp"),
		listener: ln,
		conns:    make(map[string]*tcpConn),
	}
	return t, nil
}

// SetHandlers installs callbacks and starts the accept loop.
func (t *TCPTransport) SetHandlers(onBytes Receiver, onDisconnect DisconnectFunc) {
	t.onBytes = onBytes
	t.onDisconnect = onDisconnect
	t.wg.Add(1)
	go t.acceptLoop()
}

// LocalEndpoint returns the bound listen address.
func (t *TCPTransport) LocalEndpoint() string {
	return t.listener.Addr().String()
}

// Connect dials a peer endpoint.
func (t *TCPTransport) Connect(ctx context.Context, endpoint string) (string, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return t.track(conn), nil
}

func (t *TCPTransport) track(conn net.Conn) string {
	id := uuid.NewString()
	tc := &tcpConn{Conn: conn}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return id
	}
	t.conns[id] = tc
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(id, tc)
	return id
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		t.track(conn)
	}
}

func (t *TCPTransport) readLoop(id string, conn net.Conn) {
	defer t.wg.Done()
	defer t.drop(id, conn)

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > maxFrameSize {
			t.logger.Warn("bad frame length, dropping connection",
				zap.Uint32("length", n), zap.String("conn", id))
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}
		if t.onBytes != nil {
			t.onBytes(id, frame)
		}
	}
}

func (t *TCPTransport) drop(id string, conn net.Conn) {
	conn.Close()
	t.mu.Lock()
	_, known := t.conns[id]
	delete(t.conns, id)
	closed := t.closed
	t.mu.Unlock()
	if known && !closed && t.onDisconnect != nil {
		t.onDisconnect(id)
	}
}

// Send writes one length-prefixed frame.
func (t *TCPTransport) Send(ctx context.Context, connectionID string, payload []byte) error {
	t.mu.RLock()
	conn, ok := t.conns[connectionID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send on unknown connection %s", connectionID)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	// One buffer, one write, under the connection's write lock: the
	// header and body of a frame must never interleave with another
	// sender's frame.
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Disconnect drops a connection by id.
func (t *TCPTransport) Disconnect(connectionID string) error {
	t.mu.Lock()
	conn, ok := t.conns[connectionID]
	delete(t.conns, connectionID)
	t.mu.Unlock()
	if ok {
		return conn.Close()
	}
	return nil
}

// Close stops listening and drops every connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]net.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]*tcpConn)
	t.mu.Unlock()

	err := t.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	t.wg.Wait()
	return err
}
