package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// maxDatagramSize bounds the payload of a single datagram. Anything larger
// than a typical MTU would fragment anyway, so the generous ceiling only
// exists to size receive buffers.
const maxDatagramSize = 2048

// acceptBacklog is the number of not-yet-accepted peers a listener will hold.
const acceptBacklog = 16

// inboxDepth is the number of undelivered messages buffered per peer before
// the listener starts dropping, which is acceptable datagram behavior.
const inboxDepth = 64

func dialDatagram(ctx context.Context, localPort uint16, remoteAddr string) (Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("error resolving %s: %w", remoteAddr, err)
	}

	// Binding and connecting a UDP socket never blocks, so the context only
	// needs checking up front.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp", &net.UDPAddr{Port: int(localPort)}, raddr)
	if err != nil {
		return nil, fmt.Errorf("error binding datagram socket on port %d: %w", localPort, err)
	}
	return &datagramConn{conn: conn}, nil
}

// datagramConn is the client side of a Datagram transport: a connected UDP
// socket exchanging messages with a single server.
type datagramConn struct {
	conn *net.UDPConn
}

func (c *datagramConn) Send(data []byte) error {
	if len(data) > maxDatagramSize {
		return fmt.Errorf("%w: %d bytes, datagram limit %d", ErrMessageTooLarge, len(data), maxDatagramSize)
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *datagramConn) MaxMessageSize() int { return maxDatagramSize }

func (c *datagramConn) Recv() ([]byte, error) {
	buffer := make([]byte, maxDatagramSize)
	n, err := c.conn.Read(buffer)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrRecvTimeout, err)
		}
		return nil, err
	}
	return buffer[:n], nil
}

func (c *datagramConn) SetRecvDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *datagramConn) Close() error                      { return c.conn.Close() }
func (c *datagramConn) LocalAddr() net.Addr               { return c.conn.LocalAddr() }
func (c *datagramConn) RemoteAddr() net.Addr              { return c.conn.RemoteAddr() }

func listenDatagram(localPort uint16) (Listener, error) {
	socket, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(localPort)})
	if err != nil {
		return nil, fmt.Errorf("error binding datagram listener on port %d: %w", localPort, err)
	}

	l := &datagramListener{
		socket:  socket,
		accepts: make(chan *datagramPeerConn, acceptBacklog),
		peers:   make(map[string]*datagramPeerConn),
		done:    make(chan struct{}),
	}
	go l.demux()
	return l, nil
}

// datagramListener owns one UDP socket and demultiplexes inbound datagrams
// into per-peer connections keyed by remote address. The first datagram from
// an unknown peer surfaces a new Conn through Accept.
type datagramListener struct {
	socket  *net.UDPConn
	accepts chan *datagramPeerConn
	done    chan struct{}

	mu        sync.Mutex
	peers     map[string]*datagramPeerConn
	closeOnce sync.Once
}

func (l *datagramListener) demux() {
	buffer := make([]byte, maxDatagramSize)

	for {
		n, raddr, err := l.socket.ReadFromUDP(buffer)
		if err != nil {
			// The socket was closed out from under us by Close.
			return
		}

		data := make([]byte, n)
		copy(data, buffer[:n])

		l.mu.Lock()
		peer, known := l.peers[raddr.String()]
		if !known {
			peer = newDatagramPeerConn(l, raddr)
			l.peers[raddr.String()] = peer
		}
		l.mu.Unlock()

		if !known {
			select {
			case l.accepts <- peer:
			default:
				// Accept backlog is full; drop the peer along with its
				// first datagram rather than blocking the demux loop.
				l.dropPeer(peer)
				continue
			}
		}
		peer.deliver(data)
	}
}

func (l *datagramListener) dropPeer(peer *datagramPeerConn) {
	l.mu.Lock()
	delete(l.peers, peer.raddr.String())
	l.mu.Unlock()
	peer.markClosed()
}

func (l *datagramListener) Accept() (Conn, error) {
	select {
	case peer := <-l.accepts:
		return peer, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *datagramListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.socket.Close()

		l.mu.Lock()
		for _, peer := range l.peers {
			peer.markClosed()
		}
		l.peers = make(map[string]*datagramPeerConn)
		l.mu.Unlock()
	})
	return err
}

func (l *datagramListener) Addr() net.Addr { return l.socket.LocalAddr() }
func (l *datagramListener) Kind() Kind     { return Datagram }

func newDatagramPeerConn(l *datagramListener, raddr *net.UDPAddr) *datagramPeerConn {
	return &datagramPeerConn{
		listener: l,
		raddr:    raddr,
		inbox:    make(chan []byte, inboxDepth),
		closed:   make(chan struct{}),
	}
}

// datagramPeerConn is the server-side view of one datagram peer. Sends go
// straight out of the shared socket; receives are fed by the listener's demux
// loop.
type datagramPeerConn struct {
	listener *datagramListener
	raddr    *net.UDPAddr
	inbox    chan []byte
	closed   chan struct{}

	mu        sync.Mutex
	deadline  time.Time
	closeOnce sync.Once
}

func (c *datagramPeerConn) deliver(data []byte) {
	select {
	case <-c.closed:
	case c.inbox <- data:
	default:
		// Inbox is full. Datagram transports promise no delivery guarantee,
		// so shedding the message here is preferable to stalling every other
		// peer behind this one.
	}
}

func (c *datagramPeerConn) Send(data []byte) error {
	if len(data) > maxDatagramSize {
		return fmt.Errorf("%w: %d bytes, datagram limit %d", ErrMessageTooLarge, len(data), maxDatagramSize)
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	_, err := c.listener.socket.WriteToUDP(data, c.raddr)
	return err
}

func (c *datagramPeerConn) MaxMessageSize() int { return maxDatagramSize }

func (c *datagramPeerConn) Recv() ([]byte, error) {
	var timeout <-chan time.Time

	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data := <-c.inbox:
		return data, nil
	case <-c.closed:
		return nil, ErrConnClosed
	case <-timeout:
		return nil, ErrRecvTimeout
	}
}

func (c *datagramPeerConn) SetRecvDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *datagramPeerConn) Close() error {
	c.listener.mu.Lock()
	delete(c.listener.peers, c.raddr.String())
	c.listener.mu.Unlock()
	c.markClosed()
	return nil
}

func (c *datagramPeerConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *datagramPeerConn) LocalAddr() net.Addr  { return c.listener.socket.LocalAddr() }
func (c *datagramPeerConn) RemoteAddr() net.Addr { return c.raddr }
