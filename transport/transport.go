// Package transport provides the per-node messaging primitive used by the pool client,
// plus node-side servers for simulated pools.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahwlsqja/ledgerpool/types"
)

// Transport kinds accepted by NewDialer and NewServer.
const (
	KindTCP       = "tcp"
	KindGRPC      = "grpc"
	KindWebSocket = "ws"
)

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("connection closed")

// Receiver gets everything a node sends on one connection. Receive is called
// from a transport goroutine, in arrival order. Closed is called at most once,
// when the connection ends for any reason other than a local Close.
type Receiver interface {
	Receive(msg []byte)
	Closed(err error)
}

// Conn is one open connection to a node.
type Conn interface {
	// Send writes one message; it honours ctx's deadline.
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// Dialer opens connections to nodes.
type Dialer interface {
	Dial(ctx context.Context, node *types.NodeInfo, r Receiver) (Conn, error)
}

// Handler answers one request on the node side. It returns zero or more
// messages to send back on the same connection.
type Handler func(req []byte) [][]byte

// Server is a node-side listener.
type Server interface {
	Start() error
	// Addr returns the bound address once started.
	Addr() string
	Stop() error
}

// NewDialer returns the client side of kind.
func NewDialer(kind string) (Dialer, error) {
	switch kind {
	case KindTCP, "":
		return &TCPDialer{}, nil
	case KindGRPC:
		return &GRPCDialer{}, nil
	case KindWebSocket:
		return &WSDialer{}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// NewServer returns the node side of kind listening on addr.
func NewServer(kind, addr string, h Handler) (Server, error) {
	switch kind {
	case KindTCP, "":
		return NewTCPServer(addr, h), nil
	case KindGRPC:
		return NewGRPCServer(addr, h), nil
	case KindWebSocket:
		return NewWSServer(addr, h), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
