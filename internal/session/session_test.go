package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tethergame/tether/internal/core"
	"github.com/tethergame/tether/internal/protocol"
	"github.com/tethergame/tether/internal/transport"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testKey() string {
	key := make([]byte, core.PrivateKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return hex.EncodeToString(key)
}

// serverConfig builds a server configuration with one any-port listener per kind.
func serverConfig(kinds ...string) *core.Config {
	config := &core.Config{}
	config.Shared.ProtocolID = 7
	config.Shared.PrivateKey = testKey()
	config.Database.Engine = "sqlite"
	config.Database.Filename = ":memory:"
	for _, kind := range kinds {
		config.Server.Transports = append(config.Server.Transports,
			core.TransportConfig{Kind: kind, LocalPort: 0})
	}
	return config
}

func clientConfig(kind string, serverPort uint16) *core.Config {
	config := &core.Config{}
	config.Shared.ProtocolID = 7
	config.Shared.PrivateKey = testKey()
	config.Client.ServerAddr = "127.0.0.1"
	config.Client.ServerPort = serverPort
	config.Client.Transport = core.TransportConfig{Kind: kind}
	return config
}

func portOf(t *testing.T, addr net.Addr) uint16 {
	t.Helper()
	switch a := addr.(type) {
	case *net.UDPAddr:
		return uint16(a.Port)
	case *net.TCPAddr:
		return uint16(a.Port)
	}
	t.Fatalf("unexpected listener address type %T", addr)
	return 0
}

// startServer boots a server with one listener per kind and returns it with
// the resolved port of each listener, in configuration order.
func startServer(t *testing.T, kinds ...string) (*Server, []uint16) {
	t.Helper()

	server, err := NewServer(serverConfig(kinds...), testLogger())
	if err != nil {
		t.Fatalf("error creating server: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("error starting server: %v", err)
	}
	t.Cleanup(server.Shutdown)

	var ports []uint16
	for _, addr := range server.Addrs() {
		ports = append(ports, portOf(t, addr))
	}
	return server, ports
}

func awaitAccepted(t *testing.T, server *Server) *Endpoint {
	t.Helper()
	select {
	case endpoint := <-server.Accepted():
		return endpoint
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the server to surface an endpoint")
		return nil
	}
}

func testConnect(t *testing.T, kind string) {
	server, ports := startServer(t, kind)

	client, err := NewClient(clientConfig(kind, ports[0]), testLogger())
	if err != nil {
		t.Fatalf("error creating client: %v", err)
	}

	clientEnd, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("error connecting: %v", err)
	}
	defer clientEnd.Close()

	if client.State() != StateConnected {
		t.Errorf("client state want = %v, got = %v", StateConnected, client.State())
	}
	// The configuration asked the server to assign an identity.
	if clientEnd.ClientID() == 0 {
		t.Error("server-assigned client id should never be zero")
	}

	serverEnd := awaitAccepted(t, server)
	defer serverEnd.Close()
	if serverEnd.ClientID() != clientEnd.ClientID() {
		t.Errorf("client id mismatch: server sees %d, client sees %d",
			serverEnd.ClientID(), clientEnd.ClientID())
	}

	// Application payloads flow both ways once the handshake completes.
	if err := clientEnd.Send([]byte("input frame")); err != nil {
		t.Fatalf("error sending from client endpoint: %v", err)
	}
	data, err := serverEnd.Recv()
	if err != nil {
		t.Fatalf("error receiving on server endpoint: %v", err)
	}
	if string(data) != "input frame" {
		t.Errorf("server endpoint received want = input frame, got = %q", data)
	}

	if err := serverEnd.Send([]byte("state snapshot")); err != nil {
		t.Fatalf("error sending from server endpoint: %v", err)
	}
	data, err = clientEnd.Recv()
	if err != nil {
		t.Fatalf("error receiving on client endpoint: %v", err)
	}
	if string(data) != "state snapshot" {
		t.Errorf("client endpoint received want = state snapshot, got = %q", data)
	}

	// An orderly close on one side surfaces as a closed session on the other.
	_ = serverEnd.Close()
	if _, err := clientEnd.Recv(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Recv() after peer close want ErrSessionClosed, got = %v", err)
	}
	if clientEnd.State() != StateDisconnected {
		t.Errorf("endpoint state want = %v, got = %v", StateDisconnected, clientEnd.State())
	}
}

func TestSession_ConnectDatagram(t *testing.T)     { testConnect(t, "datagram") }
func TestSession_ConnectFramedStream(t *testing.T) { testConnect(t, "framed_stream") }

// connectedPair bootstraps one client over the given transport kind and
// returns both sides of the resulting session.
func connectedPair(t *testing.T, kind string) (clientEnd, serverEnd *Endpoint) {
	t.Helper()

	server, ports := startServer(t, kind)

	client, err := NewClient(clientConfig(kind, ports[0]), testLogger())
	if err != nil {
		t.Fatalf("error creating client: %v", err)
	}
	clientEnd, err = client.Connect(context.Background())
	if err != nil {
		t.Fatalf("error connecting: %v", err)
	}
	t.Cleanup(func() { _ = clientEnd.Close() })

	serverEnd = awaitAccepted(t, server)
	t.Cleanup(func() { _ = serverEnd.Close() })
	return clientEnd, serverEnd
}

func TestEndpoint_RejectsOversizedPayload(t *testing.T) {
	clientEnd, serverEnd := connectedPair(t, "framed_stream")

	// 70,000 bytes overflows the frame's 16-bit size field. Stamping it
	// anyway would wrap the length and hand the peer a silently truncated
	// payload, so Send must refuse instead.
	oversized := make([]byte, 70000)
	if err := clientEnd.Send(oversized); !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Fatalf("Send() want ErrPayloadTooLarge, got = %v", err)
	}

	// The rejection is local; the session survives and smaller payloads
	// still arrive whole.
	if clientEnd.State() != StateConnected {
		t.Errorf("endpoint state want = %v, got = %v", StateConnected, clientEnd.State())
	}
	payload := make([]byte, 16*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := clientEnd.Send(payload); err != nil {
		t.Fatalf("Send() after a rejected payload returned an unexpected error: %v", err)
	}
	received, err := serverEnd.Recv()
	if err != nil {
		t.Fatalf("error receiving on server endpoint: %v", err)
	}
	if len(received) != len(payload) {
		t.Fatalf("payload truncated: sent %d bytes, received %d", len(payload), len(received))
	}
	if received[len(received)-1] != payload[len(payload)-1] {
		t.Error("payload corrupted in transit")
	}
}

func TestEndpoint_DatagramPayloadBound(t *testing.T) {
	clientEnd, serverEnd := connectedPair(t, "datagram")

	// Datagrams cap out well below the frame size field; anything over the
	// transport's limit is refused rather than truncated by a receive buffer.
	if err := clientEnd.Send(make([]byte, 4096)); !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Fatalf("Send() want ErrPayloadTooLarge, got = %v", err)
	}

	// The largest payload that fits one datagram frame round trips intact.
	payload := make([]byte, clientEnd.MaxPayloadSize())
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := clientEnd.Send(payload); err != nil {
		t.Fatalf("Send() at the limit returned an unexpected error: %v", err)
	}
	received, err := serverEnd.Recv()
	if err != nil {
		t.Fatalf("error receiving on server endpoint: %v", err)
	}
	if len(received) != len(payload) {
		t.Fatalf("payload truncated: sent %d bytes, received %d", len(payload), len(received))
	}
}

func TestSession_SelfIdentifiedClient(t *testing.T) {
	server, ports := startServer(t, "datagram")

	config := clientConfig("datagram", ports[0])
	config.Client.ClientID = 42

	client, err := NewClient(config, testLogger())
	if err != nil {
		t.Fatalf("error creating client: %v", err)
	}
	endpoint, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("error connecting: %v", err)
	}
	defer endpoint.Close()

	if endpoint.ClientID() != 42 {
		t.Errorf("self-identified client id want = 42, got = %d", endpoint.ClientID())
	}
	serverEnd := awaitAccepted(t, server)
	defer serverEnd.Close()
	if serverEnd.ClientID() != 42 {
		t.Errorf("server-side client id want = 42, got = %d", serverEnd.ClientID())
	}
}

func TestSession_BothTransportsConcurrently(t *testing.T) {
	server, ports := startServer(t, "datagram", "framed_stream")

	for i, kind := range []string{"datagram", "framed_stream"} {
		client, err := NewClient(clientConfig(kind, ports[i]), testLogger())
		if err != nil {
			t.Fatalf("error creating %s client: %v", kind, err)
		}
		endpoint, err := client.Connect(context.Background())
		if err != nil {
			t.Fatalf("error connecting over %s: %v", kind, err)
		}
		defer endpoint.Close()

		serverEnd := awaitAccepted(t, server)
		defer serverEnd.Close()
	}

	if server.State() != StateListening {
		t.Errorf("server state want = %v, got = %v", StateListening, server.State())
	}
}

func TestClient_WrongKeyIsTerminal(t *testing.T) {
	server, ports := startServer(t, "datagram")

	config := clientConfig("datagram", ports[0])
	wrongKey := make([]byte, core.PrivateKeySize)
	wrongKey[0] = 0xff
	config.Shared.PrivateKey = hex.EncodeToString(wrongKey)

	client, err := NewClient(config, testLogger())
	if err != nil {
		t.Fatalf("error creating client: %v", err)
	}

	start := time.Now()
	if _, err := client.Connect(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Connect() want ErrAuthFailed, got = %v", err)
	}
	// Authentication failures are not retried; a retry loop would have
	// burned through the backoff schedule.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Connect() took %v, an auth failure should fail fast", elapsed)
	}
	if client.State() != StateFailed {
		t.Errorf("client state want = %v, got = %v", StateFailed, client.State())
	}

	select {
	case endpoint := <-server.Accepted():
		t.Errorf("server surfaced an endpoint for client %d despite a bad key", endpoint.ClientID())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_ProtocolMismatchIsTerminal(t *testing.T) {
	_, ports := startServer(t, "datagram")

	config := clientConfig("datagram", ports[0])
	config.Shared.ProtocolID = 8

	client, err := NewClient(config, testLogger())
	if err != nil {
		t.Fatalf("error creating client: %v", err)
	}
	if _, err := client.Connect(context.Background()); !errors.Is(err, ErrProtocolMismatch) {
		t.Fatalf("Connect() want ErrProtocolMismatch, got = %v", err)
	}
	if client.State() != StateFailed {
		t.Errorf("client state want = %v, got = %v", StateFailed, client.State())
	}
}

func TestServer_PartialBindFailure(t *testing.T) {
	// Occupy a port so the second configured listener cannot bind.
	occupied, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("error occupying port: %v", err)
	}
	defer occupied.Close()
	occupiedPort := uint16(occupied.LocalAddr().(*net.UDPAddr).Port)

	config := serverConfig()
	config.Server.Transports = []core.TransportConfig{
		{Kind: "framed_stream", LocalPort: 0},
		{Kind: "datagram", LocalPort: occupiedPort},
	}

	server, err := NewServer(config, testLogger())
	if err != nil {
		t.Fatalf("error creating server: %v", err)
	}
	if err := server.Start(context.Background()); !errors.Is(err, ErrPartialBindFailure) {
		t.Fatalf("Start() want ErrPartialBindFailure, got = %v", err)
	}
	if server.State() != StateIdle {
		t.Errorf("server state want = %v, got = %v", StateIdle, server.State())
	}
	if addrs := server.Addrs(); len(addrs) != 0 {
		t.Errorf("a failed bootstrap should hold no listeners, got %v", addrs)
	}
}

func TestServer_PartialBindFailureReleasesBoundPorts(t *testing.T) {
	// First server binds a concrete port so we can collide with it.
	_, ports := startServer(t, "framed_stream")

	config := serverConfig()
	config.Server.Transports = []core.TransportConfig{
		{Kind: "datagram", LocalPort: ports[0]},
		{Kind: "framed_stream", LocalPort: ports[0]},
	}

	server, err := NewServer(config, testLogger())
	if err != nil {
		t.Fatalf("error creating server: %v", err)
	}
	if err := server.Start(context.Background()); !errors.Is(err, ErrPartialBindFailure) {
		t.Fatalf("Start() want ErrPartialBindFailure, got = %v", err)
	}

	// The datagram listener did bind; the failed bootstrap must have
	// released it so the port is immediately reusable.
	rebound, err := net.ListenUDP("udp", &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: int(ports[0]),
	})
	if err != nil {
		t.Fatalf("port %d was not released after the failed bootstrap: %v", ports[0], err)
	}
	_ = rebound.Close()
}

func TestClient_CancelDuringHandshakeReleasesPort(t *testing.T) {
	// A silent peer: accepts datagrams but never answers, so the client
	// blocks in the handshake until cancelled.
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("error binding silent peer: %v", err)
	}
	defer silent.Close()

	clientPort := reserveUDPPort(t)

	config := clientConfig("datagram", uint16(silent.LocalAddr().(*net.UDPAddr).Port))
	config.Client.ClientPort = clientPort

	client, err := NewClient(config, testLogger())
	if err != nil {
		t.Fatalf("error creating client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	if _, err := client.Connect(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect() want context.Canceled, got = %v", err)
	}
	if client.State() != StateFailed {
		t.Errorf("client state want = %v, got = %v", StateFailed, client.State())
	}

	// The fixed local port must be free again right away.
	rebound, err := net.ListenUDP("udp", &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: int(clientPort),
	})
	if err != nil {
		t.Fatalf("client port %d was not released after cancellation: %v", clientPort, err)
	}
	_ = rebound.Close()
}

// reserveUDPPort finds a currently-free UDP port. The port is released before
// returning, so this is only suitable where a later collision fails loudly.
func reserveUDPPort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("error reserving port: %v", err)
	}
	port := uint16(conn.LocalAddr().(*net.UDPAddr).Port)
	_ = conn.Close()
	return port
}

func TestServer_RejectsReplayedHello(t *testing.T) {
	_, ports := startServer(t, "datagram")
	addr := fmt.Sprintf("127.0.0.1:%d", ports[0])

	key, err := serverConfig().SharedSecret()
	if err != nil {
		t.Fatalf("error decoding key: %v", err)
	}
	shared := protocol.SharedProtocol{ProtocolID: 7, PrivateKey: key}

	nonce, err := protocol.NewNonce()
	if err != nil {
		t.Fatalf("error generating nonce: %v", err)
	}
	hello := protocol.Marshal(&protocol.ClientHello{
		Header:     protocol.Header{Type: protocol.ClientHelloType},
		ProtocolID: 7,
		ClientID:   42,
		Nonce:      nonce,
		Mac:        shared.HelloMac(42, nonce),
	})

	sendHello := func() protocol.Header {
		conn, err := transport.Descriptor{Kind: transport.Datagram}.Dial(context.Background(), addr)
		if err != nil {
			t.Fatalf("error dialing server: %v", err)
		}
		defer conn.Close()

		if err := conn.Send(hello); err != nil {
			t.Fatalf("error sending hello: %v", err)
		}
		_ = conn.SetRecvDeadline(time.Now().Add(5 * time.Second))
		data, err := conn.Recv()
		if err != nil {
			t.Fatalf("error awaiting handshake response: %v", err)
		}
		header, err := protocol.PeekHeader(data)
		if err != nil {
			t.Fatalf("error parsing handshake response: %v", err)
		}
		return header
	}

	if header := sendHello(); header.Type != protocol.ServerAcceptType {
		t.Fatalf("first hello want accept, got packet type 0x%02x", header.Type)
	}
	// The same hello again reuses the nonce, so it must be turned away even
	// though the authentication tag still verifies.
	if header := sendHello(); header.Type != protocol.ServerRejectType {
		t.Errorf("replayed hello want reject, got packet type 0x%02x", header.Type)
	}
}

func TestServer_LimiterReusedAndEvictable(t *testing.T) {
	server, err := NewServer(serverConfig("datagram"), testLogger())
	if err != nil {
		t.Fatalf("error creating server: %v", err)
	}

	first := server.limiter("10.0.0.1")
	if second := server.limiter("10.0.0.1"); second != first {
		t.Error("repeat handshakes from one host should share a limiter")
	}
	if other := server.limiter("10.0.0.2"); other == first {
		t.Error("distinct hosts should not share a limiter")
	}

	// Limiters live in an expiring cache; once an entry is gone a fresh
	// limiter takes its place instead of the map growing forever.
	server.limiters.Delete("10.0.0.1")
	if replacement := server.limiter("10.0.0.1"); replacement == first {
		t.Error("an evicted host should get a fresh limiter")
	}
}

func TestServer_RateLimitsHandshakes(t *testing.T) {
	_, ports := startServer(t, "datagram")
	addr := fmt.Sprintf("127.0.0.1:%d", ports[0])

	key, err := serverConfig().SharedSecret()
	if err != nil {
		t.Fatalf("error decoding key: %v", err)
	}
	shared := protocol.SharedProtocol{ProtocolID: 7, PrivateKey: key}

	attempt := func() (protocol.Header, uint32) {
		conn, err := transport.Descriptor{Kind: transport.Datagram}.Dial(context.Background(), addr)
		if err != nil {
			t.Fatalf("error dialing server: %v", err)
		}
		defer conn.Close()

		nonce, err := protocol.NewNonce()
		if err != nil {
			t.Fatalf("error generating nonce: %v", err)
		}
		hello := protocol.Marshal(&protocol.ClientHello{
			Header:     protocol.Header{Type: protocol.ClientHelloType},
			ProtocolID: 7,
			ClientID:   42,
			Nonce:      nonce,
			Mac:        shared.HelloMac(42, nonce),
		})
		if err := conn.Send(hello); err != nil {
			t.Fatalf("error sending hello: %v", err)
		}

		_ = conn.SetRecvDeadline(time.Now().Add(5 * time.Second))
		data, err := conn.Recv()
		if err != nil {
			t.Fatalf("error awaiting handshake response: %v", err)
		}
		header, err := protocol.PeekHeader(data)
		if err != nil {
			t.Fatalf("error parsing handshake response: %v", err)
		}
		if header.Type != protocol.ServerRejectType {
			return header, 0
		}
		var reject protocol.ServerReject
		if err := protocol.Unmarshal(data, &reject); err != nil {
			t.Fatalf("error parsing reject: %v", err)
		}
		return header, reject.Reason
	}

	// Burst well past the per-host allowance. Every attempt comes from
	// 127.0.0.1, so the excess must start bouncing off the limiter.
	var accepted, rateLimited int
	for i := 0; i < 15; i++ {
		header, reason := attempt()
		switch {
		case header.Type == protocol.ServerAcceptType:
			accepted++
		case reason == protocol.RejectRateLimited:
			rateLimited++
		}
	}

	if accepted == 0 {
		t.Error("the first handshakes of a burst should still be accepted")
	}
	if rateLimited == 0 {
		t.Error("a 15-attempt burst should exceed the per-host allowance")
	}
}

func TestServer_ShutdownIdempotent(t *testing.T) {
	server, _ := startServer(t, "datagram")

	server.Shutdown()
	server.Shutdown()

	if server.State() != StateIdle {
		t.Errorf("server state want = %v, got = %v", StateIdle, server.State())
	}
}

func TestNewServer_RejectsInvalidConfig(t *testing.T) {
	config := serverConfig("datagram")
	config.Shared.PrivateKey = "tooshort"

	if _, err := NewServer(config, testLogger()); !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("NewServer() want ErrConfigInvalid, got = %v", err)
	}
}

func TestNewClient_RejectsInvalidConfig(t *testing.T) {
	config := clientConfig("datagram", 5001)
	config.Client.ServerAddr = ""

	if _, err := NewClient(config, testLogger()); !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("NewClient() want ErrConfigInvalid, got = %v", err)
	}
}
