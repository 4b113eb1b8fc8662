// Package protocol defines the version/authentication contract shared by the
// client and server halves of a session and the wire format of the handshake
// packets exchanged before any gameplay data flows.
package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// PrivateKeySize is the length of the shared secret in bytes.
const PrivateKeySize = 32

// NonceSize is the length of the random value generated per handshake attempt.
const NonceSize = 16

// MacSize is the length of the authentication tags carried by the handshake packets.
const MacSize = sha256.Size

// SharedProtocol holds the protocol version identifier and the shared secret
// used by both sides to authenticate a connection. Both values must be
// identical on every client and server instance that are meant to
// interoperate; mismatches are caught during the handshake.
//
// The private key itself never crosses the wire and is never logged. Packets
// carry HMAC-SHA256 tags derived from it instead.
type SharedProtocol struct {
	ProtocolID uint32
	PrivateKey [PrivateKeySize]byte
}

// Equal reports whether two descriptors are interoperable. The key comparison
// runs in constant time.
func (p SharedProtocol) Equal(other SharedProtocol) bool {
	return p.ProtocolID == other.ProtocolID &&
		subtle.ConstantTimeCompare(p.PrivateKey[:], other.PrivateKey[:]) == 1
}

// String implements fmt.Stringer without exposing key material.
func (p SharedProtocol) String() string {
	return fmt.Sprintf("protocol %d (key redacted)", p.ProtocolID)
}

// IsPlaceholderKey reports whether the private key is all zeroes, the
// development placeholder. Such a configuration still works but bootstrap
// warns that it is not fit for production.
func (p SharedProtocol) IsPlaceholderKey() bool {
	var zero [PrivateKeySize]byte
	return subtle.ConstantTimeCompare(p.PrivateKey[:], zero[:]) == 1
}

// NewNonce returns a fresh random nonce for one handshake attempt.
func NewNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("error generating handshake nonce: %w", err)
	}
	return nonce, nil
}

// HelloMac computes the authentication tag a client includes in its hello
// packet: HMAC-SHA256 over the protocol id, the client id, and the nonce.
func (p SharedProtocol) HelloMac(clientID uint64, nonce [NonceSize]byte) [MacSize]byte {
	return p.mac("hello", clientID, nonce)
}

// AcceptMac computes the tag the server includes in its accept packet. Echoing
// the client's nonce under a distinct label proves the server holds the same
// key without replaying the client's own tag.
func (p SharedProtocol) AcceptMac(clientID uint64, nonce [NonceSize]byte) [MacSize]byte {
	return p.mac("accept", clientID, nonce)
}

// VerifyHelloMac checks a client hello tag in constant time.
func (p SharedProtocol) VerifyHelloMac(clientID uint64, nonce [NonceSize]byte, mac [MacSize]byte) bool {
	expected := p.HelloMac(clientID, nonce)
	return hmac.Equal(expected[:], mac[:])
}

// VerifyAcceptMac checks a server accept tag in constant time.
func (p SharedProtocol) VerifyAcceptMac(clientID uint64, nonce [NonceSize]byte, mac [MacSize]byte) bool {
	expected := p.AcceptMac(clientID, nonce)
	return hmac.Equal(expected[:], mac[:])
}

func (p SharedProtocol) mac(label string, clientID uint64, nonce [NonceSize]byte) [MacSize]byte {
	h := hmac.New(sha256.New, p.PrivateKey[:])
	h.Write([]byte(label))
	_ = binary.Write(h, binary.LittleEndian, p.ProtocolID)
	_ = binary.Write(h, binary.LittleEndian, clientID)
	h.Write(nonce[:])

	var mac [MacSize]byte
	copy(mac[:], h.Sum(nil))
	return mac
}
