// Package transport implements the interchangeable low-level transports a
// session can run over. The set of transports is closed: session bootstrap
// switches exhaustively on Kind, so adding a variant forces every consumer to
// handle it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind identifies one concrete transport variant.
type Kind int

const (
	// Datagram is an unreliable, unordered, connectionless transport over UDP.
	Datagram Kind = iota
	// FramedStream is an ordered, connection-oriented message transport over
	// a WebSocket substrate.
	FramedStream
)

func (k Kind) String() string {
	switch k {
	case Datagram:
		return "datagram"
	case FramedStream:
		return "framed_stream"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// KindFromString maps a configured kind name to its Kind value.
func KindFromString(s string) (Kind, error) {
	switch s {
	case "datagram":
		return Datagram, nil
	case "framed_stream":
		return FramedStream, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
}

var (
	// ErrUnsupportedKind is returned when a descriptor names a transport
	// variant this build does not provide.
	ErrUnsupportedKind = errors.New("unsupported transport kind")
	// ErrListenerClosed is returned from Accept once the listener has shut down.
	ErrListenerClosed = errors.New("listener closed")
	// ErrConnClosed is returned from Send/Recv on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrRecvTimeout is returned from Recv when the receive deadline elapses.
	ErrRecvTimeout = errors.New("receive timed out")
	// ErrMessageTooLarge is returned from Send when a message exceeds the
	// transport's maximum message size.
	ErrMessageTooLarge = errors.New("message exceeds transport maximum")
)

// Descriptor fully describes one transport binding: its variant and the local
// port to bind. A LocalPort of 0 means "any free port"; the OS resolves it to
// a concrete value exactly once, at bind time, after which the resolved port
// is fixed for the life of the handle.
type Descriptor struct {
	Kind      Kind
	LocalPort uint16
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%d", d.Kind, d.LocalPort)
}

// Conn is a live, message-oriented connection to a single peer. FramedStream
// connections preserve message order end-to-end; Datagram connections provide
// no ordering or delivery guarantee.
type Conn interface {
	// Send transmits one message to the peer. Messages larger than
	// MaxMessageSize are rejected with ErrMessageTooLarge rather than
	// truncated somewhere along the path.
	Send(data []byte) error

	// MaxMessageSize returns the largest message Send accepts, in bytes.
	MaxMessageSize() int

	// Recv blocks until the next message from the peer arrives, the receive
	// deadline elapses, or the connection closes.
	Recv() ([]byte, error)

	// SetRecvDeadline bounds all subsequent Recv calls. The zero time means
	// no deadline.
	SetRecvDeadline(t time.Time) error

	// Close releases the connection and, for client-side connections, the
	// local port it bound.
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Listener accepts inbound connections for one bound server transport. The
// local port backing a Listener is exclusively owned by it until Close.
type Listener interface {
	// Accept blocks until a new peer connects or the listener closes.
	Accept() (Conn, error)

	// Close shuts the listener down and releases its port. Any blocked
	// Accept calls return ErrListenerClosed.
	Close() error

	// Addr returns the bound address with the resolved local port.
	Addr() net.Addr

	// Kind returns the transport variant this listener serves.
	Kind() Kind
}

// Listen binds the transport described by d in server mode. The returned
// listener's Addr carries the resolved port when d.LocalPort was 0.
func (d Descriptor) Listen() (Listener, error) {
	switch d.Kind {
	case Datagram:
		return listenDatagram(d.LocalPort)
	case FramedStream:
		return listenStream(d.LocalPort)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, d.Kind)
}

// Dial opens the transport described by d in client mode toward remoteAddr,
// binding d.LocalPort locally. Cancelling ctx aborts an in-flight connection
// attempt and releases the port.
func (d Descriptor) Dial(ctx context.Context, remoteAddr string) (Conn, error) {
	switch d.Kind {
	case Datagram:
		return dialDatagram(ctx, d.LocalPort, remoteAddr)
	case FramedStream:
		return dialStream(ctx, d.LocalPort, remoteAddr)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, d.Kind)
}
