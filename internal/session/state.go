// Package session turns a parsed configuration into a live, authenticated
// network endpoint: the client half dials and authenticates against a server,
// the server half binds every configured listener and authenticates each
// connection attempt. Everything above this layer is transport-agnostic.
package session

import "errors"

// State tracks a bootstrap through its lifecycle. Client sessions move
// through Idle, Connecting, Authenticating, and Connected before ending in
// Disconnected or Failed; the server as a whole moves through Idle, Binding,
// and Listening while individual connection attempts are authenticated.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateDisconnected
	StateFailed
	StateBinding
	StateListening
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateBinding:
		return "binding"
	case StateListening:
		return "listening"
	}
	return "unknown"
}

var (
	// ErrProtocolMismatch indicates the peer is running an incompatible
	// protocol version. Never retried; no amount of retrying fixes it.
	ErrProtocolMismatch = errors.New("protocol id mismatch")

	// ErrAuthFailed indicates the peer failed shared-secret authentication.
	// Never retried for the same reason.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrPartialBindFailure is returned when any of the server's configured
	// listeners could not be bound. The server never runs with a subset.
	ErrPartialBindFailure = errors.New("failed to bind all configured listeners")

	// ErrSessionClosed is returned from endpoint operations after the
	// session has disconnected.
	ErrSessionClosed = errors.New("session closed")
)
