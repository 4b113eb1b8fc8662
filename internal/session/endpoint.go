package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tethergame/tether/internal/protocol"
	"github.com/tethergame/tether/internal/transport"
)

const (
	// heartbeatInterval is how often an idle endpoint pings its peer.
	heartbeatInterval = 5 * time.Second

	// heartbeatMissLimit is how many intervals may elapse without any
	// traffic before the peer is considered gone.
	heartbeatMissLimit = 3
)

// Endpoint is a live, authenticated channel to one peer, produced by a
// successful bootstrap and handed off to the replication layer. It frames
// application payloads, exchanges keep-alives underneath them, and surfaces
// the transition to Disconnected when the peer goes away.
type Endpoint struct {
	conn     transport.Conn
	clientID uint64
	logger   *logrus.Logger

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
	stop      chan struct{}
}

func newEndpoint(conn transport.Conn, clientID uint64, logger *logrus.Logger) *Endpoint {
	e := &Endpoint{
		conn:     conn,
		clientID: clientID,
		logger:   logger,
		state:    StateConnected,
		stop:     make(chan struct{}),
	}
	activeSessions.Inc()
	go e.heartbeatLoop()
	return e
}

// ClientID returns the confirmed (possibly server-assigned) client identifier.
func (e *Endpoint) ClientID() uint64 { return e.clientID }

// MaxPayloadSize returns the largest application payload Send accepts over
// this session's transport.
func (e *Endpoint) MaxPayloadSize() int {
	limit := e.conn.MaxMessageSize() - protocol.HeaderSize
	if limit > protocol.MaxAppPayloadSize {
		limit = protocol.MaxAppPayloadSize
	}
	return limit
}

// State returns Connected until the session ends one way or another.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Endpoint) LocalAddr() net.Addr  { return e.conn.LocalAddr() }
func (e *Endpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

// Send transmits one application payload to the peer. Payloads that cannot fit
// in one frame on this transport are rejected outright; the session stays up.
func (e *Endpoint) Send(payload []byte) error {
	if e.State() != StateConnected {
		return ErrSessionClosed
	}

	frame, err := protocol.MarshalAppData(payload)
	if err != nil {
		return err
	}
	if len(frame) > e.conn.MaxMessageSize() {
		return fmt.Errorf("%w: frame is %d bytes, %d is the transport limit",
			protocol.ErrPayloadTooLarge, len(frame), e.conn.MaxMessageSize())
	}

	if err := e.conn.Send(frame); err != nil {
		e.markDisconnected()
		return fmt.Errorf("error sending to %v: %w", e.conn.RemoteAddr(), err)
	}
	sessionBytes.WithLabelValues("sent").Add(float64(len(payload)))
	return nil
}

// Recv blocks until the next application payload arrives. Keep-alives are
// consumed internally. Returns ErrSessionClosed once the peer has
// disconnected or gone silent past the heartbeat window.
func (e *Endpoint) Recv() ([]byte, error) {
	for {
		if e.State() != StateConnected {
			return nil, ErrSessionClosed
		}

		// Any traffic at all resets the liveness window, heartbeats included.
		_ = e.conn.SetRecvDeadline(time.Now().Add(heartbeatMissLimit * heartbeatInterval))

		data, err := e.conn.Recv()
		if err != nil {
			e.markDisconnected()
			if errors.Is(err, transport.ErrRecvTimeout) {
				return nil, fmt.Errorf("%w: no traffic from peer in %v",
					ErrSessionClosed, heartbeatMissLimit*heartbeatInterval)
			}
			return nil, ErrSessionClosed
		}

		header, err := protocol.PeekHeader(data)
		if err != nil {
			e.logger.Warnf("dropping malformed packet from %v: %v", e.conn.RemoteAddr(), err)
			continue
		}

		switch header.Type {
		case protocol.HeartbeatType:
			continue
		case protocol.DisconnectType:
			e.markDisconnected()
			return nil, ErrSessionClosed
		case protocol.AppDataType:
			end := int(header.Size)
			if end > len(data) {
				end = len(data)
			}
			if end < protocol.HeaderSize {
				// A lying header never gets to slice out of bounds.
				end = protocol.HeaderSize
			}
			payload := data[protocol.HeaderSize:end]
			sessionBytes.WithLabelValues("received").Add(float64(len(payload)))
			return payload, nil
		default:
			e.logger.Debugf("ignoring unexpected packet type 0x%02x from %v", header.Type, e.conn.RemoteAddr())
		}
	}
}

// Close announces an orderly shutdown to the peer and releases the
// connection along with any local port it bound.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		// Best effort; the peer may already be gone.
		_ = e.conn.Send(protocol.Marshal(&protocol.Disconnect{
			Header: protocol.Header{Type: protocol.DisconnectType},
		}))
		e.markDisconnected()
		err = e.conn.Close()
	})
	return err
}

func (e *Endpoint) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	heartbeat := protocol.Marshal(&protocol.Heartbeat{
		Header: protocol.Header{Type: protocol.HeartbeatType},
	})

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if err := e.conn.Send(heartbeat); err != nil {
				e.markDisconnected()
				return
			}
		}
	}
}

func (e *Endpoint) markDisconnected() {
	e.mu.Lock()
	already := e.state == StateDisconnected
	e.state = StateDisconnected
	if !already {
		close(e.stop)
	}
	e.mu.Unlock()

	if !already {
		activeSessions.Dec()
	}
}
