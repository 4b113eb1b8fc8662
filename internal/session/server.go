package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tethergame/tether/internal/core"
	"github.com/tethergame/tether/internal/protocol"
	"github.com/tethergame/tether/internal/transport"
)

const (
	// nonceReplayWindow is how long a handshake nonce is remembered.
	// Replaying a captured hello inside the window is rejected outright;
	// outside it the stale timestamp of the attempt no longer matters
	// because the original connection has long since been established.
	nonceReplayWindow = time.Minute

	// handshakeRate bounds authentication attempts per source address.
	handshakeRate  rate.Limit = 5
	handshakeBurst            = 10

	// limiterIdleWindow is how long a source address's limiter survives
	// without activity. Eviction keeps a scan across many addresses from
	// accumulating limiters forever; an evicted host simply starts over
	// with a fresh burst allowance.
	limiterIdleWindow = 10 * time.Minute

	// acceptedBacklog is how many authenticated endpoints may queue up
	// before the consuming layer picks them up.
	acceptedBacklog = 32
)

// Server bootstraps the server half of a session layer: it binds every
// configured transport listener concurrently and authenticates each incoming
// connection attempt independently. All configured listeners must bind or the
// whole bootstrap fails; a server missing a listener it advertised is worse
// than a server that never started.
type Server struct {
	config      *core.Config
	protocol    protocol.SharedProtocol
	descriptors []transport.Descriptor
	logger      *logrus.Logger
	registry    *Registry

	// Nonces observed inside the replay window.
	seenNonces *cache.Cache

	// Handshake rate limiters keyed by source host, expiring when idle.
	limiters *cache.Cache

	accepted chan *Endpoint

	mu        sync.Mutex
	state     State
	listeners []transport.Listener

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewServer validates the server-relevant configuration and prepares a bootstrap.
func NewServer(config *core.Config, logger *logrus.Logger) (*Server, error) {
	if err := config.Validate(core.RoleServer); err != nil {
		return nil, err
	}

	key, err := config.SharedSecret()
	if err != nil {
		return nil, err
	}

	var descriptors []transport.Descriptor
	for _, t := range config.Server.Transports {
		kind, err := transport.KindFromString(t.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
		}
		descriptors = append(descriptors, transport.Descriptor{Kind: kind, LocalPort: t.LocalPort})
	}

	registry, err := OpenRegistry(config)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:      config,
		protocol:    protocol.SharedProtocol{ProtocolID: config.Shared.ProtocolID, PrivateKey: key},
		descriptors: descriptors,
		logger:      logger,
		registry:    registry,
		seenNonces:  cache.New(nonceReplayWindow, 2*nonceReplayWindow),
		limiters:    cache.New(limiterIdleWindow, 2*limiterIdleWindow),
		accepted:    make(chan *Endpoint, acceptedBacklog),
		state:       StateIdle,
	}, nil
}

// State returns the server-level bootstrap state. Individual connection
// attempts being rejected never moves the server out of Listening.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debugf("server session %s", state)
}

// Accepted surfaces every authenticated endpoint to the consuming layer.
func (s *Server) Accepted() <-chan *Endpoint {
	return s.accepted
}

// Addrs returns the bound address of every listener, with "any free port"
// entries resolved to their concrete values.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Start binds all configured listeners concurrently and begins accepting
// connection attempts on each. If any listener fails to bind, every listener
// that did bind is released and the bootstrap fails as a whole. Cancelling
// ctx shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	if s.protocol.IsPlaceholderKey() {
		s.logger.Warn("shared private key is the all-zero placeholder; not fit for production")
	}

	s.setState(StateBinding)

	type bindResult struct {
		index    int
		listener transport.Listener
		err      error
	}

	results := make(chan bindResult, len(s.descriptors))
	for i, descriptor := range s.descriptors {
		go func(i int, d transport.Descriptor) {
			l, err := d.Listen()
			results <- bindResult{index: i, listener: l, err: err}
		}(i, descriptor)
	}

	listeners := make([]transport.Listener, len(s.descriptors))
	var bindErr error
	for range s.descriptors {
		result := <-results
		if result.err != nil {
			if bindErr == nil {
				bindErr = result.err
			}
			continue
		}
		listeners[result.index] = result.listener
	}

	if bindErr == nil {
		if err := ctx.Err(); err != nil {
			bindErr = err
		}
	}

	if bindErr != nil {
		// No partial starts: release everything that did bind before
		// returning so the ports are immediately reusable.
		for _, l := range listeners {
			if l != nil {
				_ = l.Close()
			}
		}
		_ = s.registry.Close()
		s.setState(StateIdle)
		return fmt.Errorf("%w: %v", ErrPartialBindFailure, bindErr)
	}

	s.mu.Lock()
	s.listeners = listeners
	s.mu.Unlock()
	listenersBound.Set(float64(len(listeners)))

	s.setState(StateListening)
	for _, l := range listeners {
		s.logger.Infof("waiting for %s connections on %v", l.Kind(), l.Addr())
		s.wg.Add(1)
		go s.acceptLoop(ctx, l)
	}

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	return nil
}

// Shutdown closes every listener, waits for the accept loops to drain, and
// releases the registry. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		listeners := s.listeners
		s.mu.Unlock()

		for _, l := range listeners {
			_ = l.Close()
		}
		s.wg.Wait()

		if err := s.registry.Close(); err != nil {
			s.logger.Warnf("error closing registry: %v", err)
		}
		listenersBound.Set(0)
		s.setState(StateIdle)
		s.logger.Info("server shut down")
	})
}

// acceptLoop accepts connection attempts on one listener. Each listener gets
// its own loop so binding or accepting on one never blocks another.
func (s *Server) acceptLoop(ctx context.Context, l transport.Listener) {
	defer s.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, transport.ErrListenerClosed) {
				s.logger.Warnf("failed to accept %s connection: %v", l.Kind(), err)
			}
			return
		}
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection runs the authentication handshake for one connection
// attempt. Failures reject that attempt only; the server stays Listening.
func (s *Server) handleConnection(ctx context.Context, conn transport.Conn) {
	// Catch any panics from malformed packet decoding and drop the attempt
	// rather than taking down the accept loop's goroutine tree.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("error handling connection from %v: %s\n%s", conn.RemoteAddr(), r, debug.Stack())
			_ = conn.Close()
		}
	}()

	remote := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}

	if !s.limiter(host).Allow() {
		s.reject(conn, protocol.RejectRateLimited, rejectReasonRateLimit, "handshake rate exceeded")
		return
	}

	_ = conn.SetRecvDeadline(time.Now().Add(authTimeout))
	data, err := conn.Recv()
	if err != nil {
		s.logger.Debugf("connection from %s closed before hello: %v", remote, err)
		_ = conn.Close()
		return
	}

	header, err := protocol.PeekHeader(data)
	if err != nil || header.Type != protocol.ClientHelloType {
		s.logger.Warnf("unexpected first packet from %s", remote)
		_ = conn.Close()
		return
	}

	var hello protocol.ClientHello
	if err := protocol.Unmarshal(data, &hello); err != nil {
		s.logger.Warnf("malformed hello from %s: %v", remote, err)
		_ = conn.Close()
		return
	}

	if hello.ProtocolID != s.protocol.ProtocolID {
		s.reject(conn, protocol.RejectProtocolMismatch, rejectReasonProtocol,
			fmt.Sprintf("protocol id %d, want %d", hello.ProtocolID, s.protocol.ProtocolID))
		return
	}

	nonceKey := fmt.Sprintf("%x", hello.Nonce)
	if _, seen := s.seenNonces.Get(nonceKey); seen {
		s.reject(conn, protocol.RejectAuthFailed, rejectReasonAuth, "handshake nonce replayed")
		return
	}
	s.seenNonces.Set(nonceKey, struct{}{}, cache.DefaultExpiration)

	if !s.protocol.VerifyHelloMac(hello.ClientID, hello.Nonce, hello.Mac) {
		s.reject(conn, protocol.RejectAuthFailed, rejectReasonAuth, "authentication tag did not verify")
		return
	}

	clientID := hello.ClientID
	if clientID == 0 {
		clientID, err = s.registry.Assign(remote)
		if err != nil {
			s.logger.Errorf("failed to assign client id for %s: %v", remote, err)
			s.reject(conn, protocol.RejectAuthFailed, rejectReasonAuth, "identity assignment failed")
			return
		}
	} else if err := s.registry.Confirm(clientID, remote); err != nil {
		// The handshake already proved key possession; registry trouble is
		// logged but doesn't turn away the client.
		s.logger.Warnf("failed to record client %d: %v", clientID, err)
	}

	_ = conn.SetRecvDeadline(time.Time{})

	accept := &protocol.ServerAccept{
		Header:     protocol.Header{Type: protocol.ServerAcceptType},
		ProtocolID: s.protocol.ProtocolID,
		ClientID:   clientID,
		Mac:        s.protocol.AcceptMac(clientID, hello.Nonce),
	}
	if err := conn.Send(protocol.Marshal(accept)); err != nil {
		s.logger.Warnf("failed to send accept to %s: %v", remote, err)
		_ = conn.Close()
		return
	}

	handshakesAccepted.Inc()
	s.logger.Infof("accepted client %d from %s", clientID, remote)

	endpoint := newEndpoint(conn, clientID, s.logger)
	select {
	case s.accepted <- endpoint:
	case <-ctx.Done():
		_ = endpoint.Close()
	}
}

// reject refuses one connection attempt without disturbing the server state.
func (s *Server) reject(conn transport.Conn, reason uint32, metricReason, logMsg string) {
	s.logger.Infof("rejected connection from %v: %s", conn.RemoteAddr(), logMsg)
	handshakesRejected.WithLabelValues(metricReason).Inc()

	// Best effort; a client that already gave up doesn't need the verdict.
	_ = conn.Send(protocol.Marshal(&protocol.ServerReject{
		Header: protocol.Header{Type: protocol.ServerRejectType},
		Reason: reason,
	}))
	_ = conn.Close()
}

func (s *Server) limiter(host string) *rate.Limiter {
	if cached, ok := s.limiters.Get(host); ok {
		return cached.(*rate.Limiter)
	}

	l := rate.NewLimiter(handshakeRate, handshakeBurst)
	if err := s.limiters.Add(host, l, cache.DefaultExpiration); err != nil {
		// Lost the race to a concurrent handshake from the same host.
		if cached, ok := s.limiters.Get(host); ok {
			return cached.(*rate.Limiter)
		}
	}
	return l
}
