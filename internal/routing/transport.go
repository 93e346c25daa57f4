package routing

import "context"

// Receiver is the transport's inbound callback: raw bytes arriving on a
// connection. Decoding and all routing decisions happen above the
// transport.
type Receiver func(connectionID string, payload []byte)

// DisconnectFunc notifies the core that a connection dropped. The
// routing table responds by removing the peer record.
type DisconnectFunc func(connectionID string)

// Transport is the reliable datagram layer the core consumes. It owns
// its connections; the core holds only opaque connection ids.
type Transport interface {
	// Connect dials an endpoint and returns the new connection id.
	Connect(ctx context.Context, endpoint string) (string, error)

	// Send delivers one datagram on a connection.
	Send(ctx context.Context, connectionID string, payload []byte) error

	// Disconnect drops a connection. Safe to call on unknown ids.
	Disconnect(connectionID string) error

	// SetHandlers installs the inbound and disconnect callbacks. Must
	// be called before Connect or listening begins.
	SetHandlers(onBytes Receiver, onDisconnect DisconnectFunc)

	// LocalEndpoint returns the advertised listen address.
	LocalEndpoint() string

	// Close shuts the transport down, dropping all connections.
	Close() error
}
