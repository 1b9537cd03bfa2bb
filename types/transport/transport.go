// Package transport moves whole rpc messages between two peers.
//
// A Transport is used by exactly one rpc connection. Send is only ever called from the
// connection's event loop, Recv only from its reader, and NewMessage may be called from any goroutine.
package transport

import (
	"errors"

	"capnproto.org/go/capnp/v3"
	rpccp "capnproto.org/go/capnp/v3/std/capnp/rpc"
)

// ErrClosed is returned by Send and Recv once the transport has been closed locally.
var ErrClosed = errors.New("transport closed")

type Transport interface {
	// NewMessage allocates an empty rpc message on a fresh arena.
	//
	// The caller owns the message and must release it with Release.
	NewMessage() (rpccp.Message, error)

	// Send writes a message to the peer. It does not release the message.
	Send(m rpccp.Message) error

	// Recv blocks until the next message arrives. The caller owns the returned message.
	Recv() (rpccp.Message, error)

	// Close shuts the transport down, unblocking any pending Recv.
	Close() error
}

// Release releases the arena backing m. It is safe to call on a zero message.
func Release(m rpccp.Message) {
	if msg := m.Message(); msg != nil {
		msg.Release()
	}
}

func newMessage() (rpccp.Message, error) {
	_, seg, err := capnp.NewMessage(capnp.MultiSegment(nil))
	if err != nil {
		return rpccp.Message{}, err
	}

	return rpccp.NewRootMessage(seg)
}
