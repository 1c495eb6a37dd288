// Package protocol defines the wire protocol for remoteaudio: the datagram
// framing, handshake messages, and the encrypted stream payload carried
// inside every CRYPTO packet.
package protocol

import "errors"

// Outer message types. Each UDP datagram carries exactly one.
const (
	MsgHandshakeInit     uint8 = 1 // source -> sink: offer public key + audio config
	MsgHandshakeResponse uint8 = 2 // sink -> source: assign stream id + reply key
	MsgCrypto            uint8 = 3 // both directions: AEAD-protected payload
)

// Inner message types, carried as the AEAD plaintext of a CRYPTO packet.
const (
	InnerStreamData      uint8 = 1 // frame_size ‖ Opus-encoded bytes
	InnerStreamHeartbeat uint8 = 2 // empty
	InnerStreamTerminate uint8 = 3 // empty
)

// Sample formats carried in HANDSHAKE_INIT.
const (
	SampleFormatF32 uint8 = 0
	SampleFormatI16 uint8 = 1
)

// Wire sizes.
const (
	// KeySize is the X25519 public key size in bytes.
	KeySize = 32

	// NonceSize is the size of the XChaCha20-Poly1305 nonce carried on the wire.
	NonceSize = 24

	// SeqSize is the number of leading bytes of the nonce that carry the
	// big-endian sequence number; the remainder is random.
	SeqSize = 8

	// MaxCiphertextSize bounds the declared ciphertext length in a CRYPTO
	// packet to a realistic single-datagram size.
	MaxCiphertextSize = 65507

	// DefaultPort is the UDP port both endpoints listen/send on by default.
	DefaultPort = 21500
)

// Sentinel errors. None of these are fatal to a session; the caller drops
// the offending packet and continues.
var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrUnknownStream  = errors.New("protocol: unknown or inactive stream id")
	ErrFrameTooLarge  = errors.New("protocol: ciphertext length exceeds datagram")
)

// MessageTypeName returns a human-readable name for an outer message type.
func MessageTypeName(t uint8) string {
	switch t {
	case MsgHandshakeInit:
		return "HANDSHAKE_INIT"
	case MsgHandshakeResponse:
		return "HANDSHAKE_RESPONSE"
	case MsgCrypto:
		return "CRYPTO"
	default:
		return "UNKNOWN"
	}
}

// InnerTypeName returns a human-readable name for an inner message type.
func InnerTypeName(t uint8) string {
	switch t {
	case InnerStreamData:
		return "STREAM_DATA"
	case InnerStreamHeartbeat:
		return "STREAM_HEARTBEAT"
	case InnerStreamTerminate:
		return "STREAM_TERMINATE"
	default:
		return "UNKNOWN"
	}
}
