package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/tethergame/tether/internal/core/bytes"
)

// HeaderSize is the length of the header on every handshake packet.
const HeaderSize = 0x08

// MaxAppPayloadSize is the largest application payload one AppData frame can
// carry. The header's size field is 16 bits, so anything larger would wrap it.
const MaxAppPayloadSize = math.MaxUint16 - HeaderSize

// Packet types exchanged during session bootstrap.
const (
	ClientHelloType uint16 = iota + 1
	ServerAcceptType
	ServerRejectType
	HeartbeatType
	DisconnectType
	AppDataType
)

// Reject reason codes carried by ServerReject packets.
const (
	RejectProtocolMismatch uint32 = iota + 1
	RejectAuthFailed
	RejectRateLimited
)

// ErrTruncatedPacket is returned when a packet is shorter than its declared size.
var ErrTruncatedPacket = errors.New("truncated packet")

// ErrPayloadTooLarge is returned when an application payload cannot fit in a
// single AppData frame.
var ErrPayloadTooLarge = errors.New("payload too large for one frame")

// Header prefixes every packet sent between the client and server during bootstrap.
type Header struct {
	Size  uint16
	Type  uint16
	Flags uint32
}

// ClientHello initiates the handshake. The Mac field authenticates the
// ProtocolID/ClientID/Nonce triple under the shared private key; the key
// itself is never transmitted.
type ClientHello struct {
	Header     Header
	ProtocolID uint32
	ClientID   uint64
	Nonce      [NonceSize]byte
	Mac        [MacSize]byte
}

// ServerAccept completes a successful handshake. ClientID echoes the client's
// id, or carries a newly assigned one if the hello requested assignment with
// id 0. Mac proves the server holds the same private key.
type ServerAccept struct {
	Header     Header
	ProtocolID uint32
	ClientID   uint64
	Mac        [MacSize]byte
}

// ServerReject refuses a handshake attempt. Rejections are terminal: the
// client must not retry with the same settings.
type ServerReject struct {
	Header Header
	Reason uint32
}

// Heartbeat is exchanged periodically over an established session so that
// both sides can detect a silent peer.
type Heartbeat struct {
	Header Header
}

// Disconnect announces an orderly close of an established session.
type Disconnect struct {
	Header Header
}

// Marshal serializes a packet struct to its wire form and stamps the header
// with the total size. The packet must begin with a Header field.
func Marshal(packet interface{}) []byte {
	data, size := bytes.BytesFromStruct(packet)
	data[0] = byte(size & 0xFF)
	data[1] = byte((size & 0xFF00) >> 8)
	return data
}

// MarshalAppData frames an application payload for transmission over an
// established session. Everything the replication layer sends rides inside
// one of these. Payloads above MaxAppPayloadSize are rejected; stamping their
// length would wrap the header's size field and truncate the frame.
func MarshalAppData(payload []byte) ([]byte, error) {
	if len(payload) > MaxAppPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), MaxAppPayloadSize)
	}

	header := Header{
		Size: uint16(HeaderSize + len(payload)),
		Type: AppDataType,
	}
	data, _ := bytes.BytesFromStruct(&header)
	return append(data, payload...), nil
}

// PeekHeader decodes just the packet header so dispatch can switch on the type.
func PeekHeader(data []byte) (Header, error) {
	var header Header
	if len(data) < HeaderSize {
		return header, fmt.Errorf("%w: %d bytes is smaller than a packet header", ErrTruncatedPacket, len(data))
	}
	bytes.StructFromBytes(data[:HeaderSize], &header)
	return header, nil
}

// Unmarshal decodes a full packet into the struct pointed to by target after
// verifying the declared size against the data actually received.
func Unmarshal(data []byte, target interface{}) error {
	header, err := PeekHeader(data)
	if err != nil {
		return err
	}
	if int(header.Size) > len(data) {
		return fmt.Errorf("%w: header declares %d bytes, received %d", ErrTruncatedPacket, header.Size, len(data))
	}
	bytes.StructFromBytes(data, target)
	return nil
}
