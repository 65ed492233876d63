// Package transport defines the connection envelope: whole text messages
// delivered in order over a persistent bidirectional connection. Callers
// above this layer never observe partial messages.
package transport

import (
	"context"
	"errors"
	"net"
)

// Kind identifies the transport implementation.
type Kind int

const (
	KindUnknown Kind = iota
	KindWS
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindWS:
		return "ws"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Send and Receive once the connection is closed
// locally or the peer is gone.
var ErrClosed = errors.New("connection closed")

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// Conn is one accepted or dialed connection. Send delivers one complete
// message; Receive blocks for the next one. A clean peer close surfaces
// as io.EOF from Receive, an abrupt drop as any other error. Timeouts and
// cancellation are carried by the Receive context; its error is returned
// unwrapped so callers can distinguish deadline from disconnect.
type Conn interface {
	Send(msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts inbound connections.
type Listener interface {
	// Accept blocks until an inbound connection is available or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Transport provides dialing and listening for one connection kind.
type Transport interface {
	Kind() Kind
	Listen(ctx context.Context, address string) (Listener, error)
	Dial(ctx context.Context, address string) (Conn, error)
}
