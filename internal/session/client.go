package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tethergame/tether/internal/core"
	"github.com/tethergame/tether/internal/protocol"
	"github.com/tethergame/tether/internal/transport"
)

const (
	// maxConnectAttempts bounds how many times the client retries a
	// connect/timeout failure before giving up.
	maxConnectAttempts = 5

	// connectBackoff is the base delay between attempts, doubled each retry.
	connectBackoff = 250 * time.Millisecond

	// authTimeout bounds one handshake round trip.
	authTimeout = 3 * time.Second
)

// Client bootstraps the client half of a session. It is constructed once from
// configuration and is good for one Connect; reconfiguring means building a
// new Client.
type Client struct {
	config      *core.Config
	protocol    protocol.SharedProtocol
	descriptor  transport.Descriptor
	conditioner transport.Conditioner
	logger      *logrus.Logger

	mu    sync.Mutex
	state State
}

// NewClient validates the client-relevant configuration and prepares a bootstrap.
func NewClient(config *core.Config, logger *logrus.Logger) (*Client, error) {
	if err := config.Validate(core.RoleClient); err != nil {
		return nil, err
	}

	key, err := config.SharedSecret()
	if err != nil {
		return nil, err
	}

	kind, err := transport.KindFromString(config.Client.Transport.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	localPort := config.Client.Transport.LocalPort
	if localPort == 0 {
		localPort = config.Client.ClientPort
	}

	return &Client{
		config:   config,
		protocol: protocol.SharedProtocol{ProtocolID: config.Shared.ProtocolID, PrivateKey: key},
		descriptor: transport.Descriptor{
			Kind:      kind,
			LocalPort: localPort,
		},
		conditioner: transport.Conditioner{
			Latency: time.Duration(config.Conditioner.LatencyMs) * time.Millisecond,
			Jitter:  time.Duration(config.Conditioner.JitterMs) * time.Millisecond,
			Loss:    config.Conditioner.Loss,
		},
		logger: logger,
		state:  StateIdle,
	}, nil
}

// State returns the current position in the bootstrap lifecycle.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Debugf("client session %s", s)
}

// Connect dials the configured server and runs the authentication handshake,
// returning a live endpoint once the server accepts. Connect failures and
// timeouts are retried with backoff up to maxConnectAttempts; protocol
// mismatches and authentication failures are terminal immediately, since
// retrying with the same settings cannot succeed. Cancelling ctx aborts the
// bootstrap at any point and releases the local port.
func (c *Client) Connect(ctx context.Context) (*Endpoint, error) {
	if c.protocol.IsPlaceholderKey() {
		c.logger.Warn("shared private key is the all-zero placeholder; not fit for production")
	}

	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			c.setState(StateFailed)
			return nil, err
		}

		endpoint, err := c.attempt(ctx)
		if err == nil {
			c.setState(StateConnected)
			return endpoint, nil
		}

		if errors.Is(err, ErrProtocolMismatch) || errors.Is(err, ErrAuthFailed) || errors.Is(err, context.Canceled) {
			c.setState(StateFailed)
			return nil, err
		}

		lastErr = err
		c.logger.Warnf("connection attempt %d/%d failed: %v", attempt, maxConnectAttempts, err)

		select {
		case <-ctx.Done():
			c.setState(StateFailed)
			return nil, ctx.Err()
		case <-time.After(connectBackoff << (attempt - 1)):
		}
	}

	c.setState(StateFailed)
	return nil, fmt.Errorf("connection failed after %d attempts: %w", maxConnectAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context) (*Endpoint, error) {
	c.setState(StateConnecting)

	conn, err := c.descriptor.Dial(ctx, c.config.ServerAddress())
	if err != nil {
		return nil, fmt.Errorf("error opening %s transport: %w", c.descriptor.Kind, err)
	}
	conditioned := c.conditioner.Wrap(conn)

	c.setState(StateAuthenticating)

	endpoint, err := c.authenticate(ctx, conditioned)
	if err != nil {
		// Every failure path releases the local port immediately so a new
		// attempt can rebind it.
		_ = conn.Close()
		return nil, err
	}
	return endpoint, nil
}

func (c *Client) authenticate(ctx context.Context, conn transport.Conn) (*Endpoint, error) {
	nonce, err := protocol.NewNonce()
	if err != nil {
		return nil, err
	}

	hello := &protocol.ClientHello{
		Header:     protocol.Header{Type: protocol.ClientHelloType},
		ProtocolID: c.protocol.ProtocolID,
		ClientID:   c.config.Client.ClientID,
		Nonce:      nonce,
		Mac:        c.protocol.HelloMac(c.config.Client.ClientID, nonce),
	}
	if err := conn.Send(protocol.Marshal(hello)); err != nil {
		return nil, fmt.Errorf("error sending hello: %w", err)
	}

	// Unblock the handshake read if the bootstrap is cancelled mid-flight.
	handshakeDone := make(chan struct{})
	defer close(handshakeDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-handshakeDone:
		}
	}()

	_ = conn.SetRecvDeadline(time.Now().Add(authTimeout))
	data, err := conn.Recv()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("error awaiting handshake response: %w", err)
	}
	_ = conn.SetRecvDeadline(time.Time{})

	header, err := protocol.PeekHeader(data)
	if err != nil {
		return nil, err
	}

	switch header.Type {
	case protocol.ServerAcceptType:
		var accept protocol.ServerAccept
		if err := protocol.Unmarshal(data, &accept); err != nil {
			return nil, err
		}
		if accept.ProtocolID != c.protocol.ProtocolID {
			return nil, ErrProtocolMismatch
		}
		if !c.protocol.VerifyAcceptMac(accept.ClientID, nonce, accept.Mac) {
			return nil, fmt.Errorf("%w: server accept tag did not verify", ErrAuthFailed)
		}
		c.logger.Infof("connected to %s as client %d over %s",
			c.config.ServerAddress(), accept.ClientID, c.descriptor.Kind)
		return newEndpoint(conn, accept.ClientID, c.logger), nil

	case protocol.ServerRejectType:
		var reject protocol.ServerReject
		if err := protocol.Unmarshal(data, &reject); err != nil {
			return nil, err
		}
		switch reject.Reason {
		case protocol.RejectProtocolMismatch:
			return nil, ErrProtocolMismatch
		case protocol.RejectRateLimited:
			return nil, fmt.Errorf("server rate limited the handshake")
		default:
			return nil, ErrAuthFailed
		}

	default:
		return nil, fmt.Errorf("unexpected packet type 0x%02x during handshake", header.Type)
	}
}
