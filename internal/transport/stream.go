package transport

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsHandshakeTimeout bounds the HTTP upgrade preceding a FramedStream connection.
const wsHandshakeTimeout = 10 * time.Second

// maxStreamMessageSize bounds one FramedStream message. The substrate could
// carry more, but the packet layer's 16-bit size field cannot.
const maxStreamMessageSize = math.MaxUint16

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func dialStream(ctx context.Context, localPort uint16, remoteAddr string) (Conn, error) {
	netDialer := &net.Dialer{}
	if localPort != 0 {
		netDialer.LocalAddr = &net.TCPAddr{Port: int(localPort)}
	}

	dialer := websocket.Dialer{
		NetDialContext:   netDialer.DialContext,
		HandshakeTimeout: wsHandshakeTimeout,
	}

	u := url.URL{Scheme: "ws", Host: remoteAddr, Path: "/"}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", remoteAddr, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return newStreamConn(ws), nil
}

func listenStream(localPort uint16) (Listener, error) {
	netListener, err := net.Listen("tcp", fmt.Sprintf(":%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("error binding framed stream listener on port %d: %w", localPort, err)
	}

	l := &streamListener{
		netListener: netListener,
		accepts:     make(chan *streamConn, acceptBacklog),
		done:        make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	l.httpServer = &http.Server{Handler: mux}

	go func() {
		// Serve only returns once the listener closes.
		_ = l.httpServer.Serve(netListener)
	}()

	return l, nil
}

// streamListener accepts WebSocket upgrades on one TCP port and surfaces each
// upgraded connection through Accept.
type streamListener struct {
	netListener net.Listener
	httpServer  *http.Server
	accepts     chan *streamConn
	done        chan struct{}
	closeOnce   sync.Once
}

func (l *streamListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		return
	}

	select {
	case l.accepts <- newStreamConn(ws):
	case <-l.done:
		_ = ws.Close()
	default:
		// Backlog full; shed the connection instead of blocking the handler.
		_ = ws.Close()
	}
}

func (l *streamListener) Accept() (Conn, error) {
	select {
	case conn := <-l.accepts:
		return conn, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *streamListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		// Close shuts down the HTTP server, the TCP listener, and every
		// upgraded connection in one shot.
		err = l.httpServer.Close()
	})
	return err
}

func (l *streamListener) Addr() net.Addr { return l.netListener.Addr() }
func (l *streamListener) Kind() Kind     { return FramedStream }

func newStreamConn(ws *websocket.Conn) *streamConn {
	return &streamConn{ws: ws}
}

// streamConn adapts a WebSocket connection to the message-oriented Conn
// interface. Message order is preserved end-to-end.
type streamConn struct {
	ws *websocket.Conn

	// gorilla/websocket permits only one concurrent writer.
	writeMu sync.Mutex
}

func (c *streamConn) Send(data []byte) error {
	if len(data) > maxStreamMessageSize {
		return fmt.Errorf("%w: %d bytes, stream limit %d", ErrMessageTooLarge, len(data), maxStreamMessageSize)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if websocket.IsUnexpectedCloseError(err) {
			return ErrConnClosed
		}
		return err
	}
	return nil
}

func (c *streamConn) Recv() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrRecvTimeout, err)
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			websocket.IsUnexpectedCloseError(err) {
			return nil, ErrConnClosed
		}
		return nil, err
	}
	return data, nil
}

func (c *streamConn) MaxMessageSize() int               { return maxStreamMessageSize }
func (c *streamConn) SetRecvDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }
func (c *streamConn) Close() error                      { return c.ws.Close() }
func (c *streamConn) LocalAddr() net.Addr               { return c.ws.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr              { return c.ws.RemoteAddr() }
