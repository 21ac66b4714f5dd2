package simctl

import "context"

// Transport carries one request and one reply at a time between the client
// and a simulator. Implementations are not safe for concurrent use; Session
// serializes access.
type Transport interface {
	// Send writes one complete request message.
	Send(ctx context.Context, msg []byte) error

	// Receive blocks for the reply to the last Send and returns its parts in
	// receipt order. It must return once ctx is done.
	Receive(ctx context.Context) ([][]byte, error)

	// Close releases the connection and unblocks a pending Receive.
	// Calling it more than once is safe.
	Close() error

	// IsConnected returns true if the transport is connected and ready
	IsConnected() bool
}
