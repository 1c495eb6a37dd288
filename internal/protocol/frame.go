package protocol

import (
	"encoding/binary"
	"fmt"
)

// HandshakeInit is the body of a HANDSHAKE_INIT packet (source -> sink):
//
//	u8 keylen (=32)
//	[keylen] peer_public_key
//	u8  channel_count
//	u8  sample_format   (0=f32, 1=i16)
//	u16 frame_size
//	u32 sample_rate
type HandshakeInit struct {
	PublicKey    [KeySize]byte
	ChannelCount uint8
	SampleFormat uint8
	FrameSize    uint16
	SampleRate   uint32
}

// Encode serializes a HandshakeInit to bytes.
func (h *HandshakeInit) Encode() []byte {
	buf := make([]byte, 1+KeySize+1+1+2+4)
	offset := 0

	buf[offset] = KeySize
	offset++
	copy(buf[offset:], h.PublicKey[:])
	offset += KeySize

	buf[offset] = h.ChannelCount
	offset++
	buf[offset] = h.SampleFormat
	offset++

	binary.BigEndian.PutUint16(buf[offset:], h.FrameSize)
	offset += 2
	binary.BigEndian.PutUint32(buf[offset:], h.SampleRate)

	return buf
}

// DecodeHandshakeInit parses a HandshakeInit body. The returned struct does
// not alias buf.
func DecodeHandshakeInit(buf []byte) (*HandshakeInit, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("%w: HANDSHAKE_INIT empty", ErrMalformedFrame)
	}
	keylen := int(buf[0])
	if keylen != KeySize {
		return nil, fmt.Errorf("%w: HANDSHAKE_INIT keylen %d != %d", ErrMalformedFrame, keylen, KeySize)
	}
	const fixedTail = 1 + 1 + 2 + 4
	if len(buf) < 1+keylen+fixedTail {
		return nil, fmt.Errorf("%w: HANDSHAKE_INIT truncated", ErrMalformedFrame)
	}

	h := &HandshakeInit{}
	offset := 1
	copy(h.PublicKey[:], buf[offset:offset+keylen])
	offset += keylen

	h.ChannelCount = buf[offset]
	offset++
	h.SampleFormat = buf[offset]
	offset++

	h.FrameSize = binary.BigEndian.Uint16(buf[offset:])
	offset += 2
	h.SampleRate = binary.BigEndian.Uint32(buf[offset:])

	return h, nil
}

// HandshakeResponse is the body of a HANDSHAKE_RESPONSE packet (sink -> source):
//
//	u8 stream_id
//	u8 keylen (=32)
//	[keylen] peer_public_key
type HandshakeResponse struct {
	StreamID  uint8
	PublicKey [KeySize]byte
}

// Encode serializes a HandshakeResponse to bytes.
func (h *HandshakeResponse) Encode() []byte {
	buf := make([]byte, 1+1+KeySize)
	buf[0] = h.StreamID
	buf[1] = KeySize
	copy(buf[2:], h.PublicKey[:])
	return buf
}

// DecodeHandshakeResponse parses a HandshakeResponse body.
func DecodeHandshakeResponse(buf []byte) (*HandshakeResponse, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: HANDSHAKE_RESPONSE too short", ErrMalformedFrame)
	}
	keylen := int(buf[1])
	if keylen != KeySize {
		return nil, fmt.Errorf("%w: HANDSHAKE_RESPONSE keylen %d != %d", ErrMalformedFrame, keylen, KeySize)
	}
	if len(buf) < 2+keylen {
		return nil, fmt.Errorf("%w: HANDSHAKE_RESPONSE truncated", ErrMalformedFrame)
	}

	h := &HandshakeResponse{StreamID: buf[0]}
	copy(h.PublicKey[:], buf[2:2+keylen])
	return h, nil
}

// CryptoPacket is the body of a CRYPTO packet (either direction):
//
//	u8  stream_id
//	u8  nonce[24]    (first 8 bytes = big-endian u64 sequence; remainder random)
//	u16 ciphertext_len
//	[ciphertext_len] AEAD-ciphertext
//
// Decode never copies the ciphertext; Ciphertext is a slice over the input
// buffer and must not be retained past the caller's use of that buffer.
type CryptoPacket struct {
	StreamID   uint8
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

// Encode serializes a CryptoPacket to bytes. The ciphertext is copied.
func (c *CryptoPacket) Encode() ([]byte, error) {
	if len(c.Ciphertext) > MaxCiphertextSize {
		return nil, fmt.Errorf("%w: ciphertext %d bytes", ErrFrameTooLarge, len(c.Ciphertext))
	}
	buf := make([]byte, 1+NonceSize+2+len(c.Ciphertext))
	offset := 0
	buf[offset] = c.StreamID
	offset++
	copy(buf[offset:], c.Nonce[:])
	offset += NonceSize
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(c.Ciphertext)))
	offset += 2
	copy(buf[offset:], c.Ciphertext)
	return buf, nil
}

// DecodeCryptoPacket parses a CRYPTO body. The returned Ciphertext aliases buf.
func DecodeCryptoPacket(buf []byte) (*CryptoPacket, error) {
	const headerLen = 1 + NonceSize + 2
	if len(buf) < headerLen {
		return nil, fmt.Errorf("%w: CRYPTO header truncated", ErrMalformedFrame)
	}

	c := &CryptoPacket{StreamID: buf[0]}
	copy(c.Nonce[:], buf[1:1+NonceSize])

	ctlen := int(binary.BigEndian.Uint16(buf[1+NonceSize:headerLen]))
	if headerLen+ctlen > len(buf) {
		return nil, fmt.Errorf("%w: ciphertext_len %d exceeds remaining buffer", ErrMalformedFrame, ctlen)
	}

	c.Ciphertext = buf[headerLen : headerLen+ctlen]
	return c, nil
}

// Seq returns the sequence number encoded in the leading SeqSize bytes of
// the nonce.
func (c *CryptoPacket) Seq() uint64 {
	return binary.BigEndian.Uint64(c.Nonce[:SeqSize])
}

// StreamData is the inner plaintext for InnerStreamData:
//
//	u16 frame_size ‖ Opus-encoded bytes
type StreamData struct {
	FrameSize uint16
	Payload   []byte
}

// EncodeInner wraps the StreamData's payload in the inner-message framing:
// u8 type ‖ u16 frame_size ‖ payload.
func (s *StreamData) EncodeInner() []byte {
	buf := make([]byte, 1+2+len(s.Payload))
	buf[0] = InnerStreamData
	binary.BigEndian.PutUint16(buf[1:3], s.FrameSize)
	copy(buf[3:], s.Payload)
	return buf
}

// EncodeInnerHeartbeat returns the inner-message bytes for STREAM_HEARTBEAT.
func EncodeInnerHeartbeat() []byte {
	return []byte{InnerStreamHeartbeat}
}

// EncodeInnerTerminate returns the inner-message bytes for STREAM_TERMINATE.
func EncodeInnerTerminate() []byte {
	return []byte{InnerStreamTerminate}
}

// InnerMessage is a parsed inner (post-decryption) message.
type InnerMessage struct {
	Type uint8
	Data StreamData // only meaningful when Type == InnerStreamData
}

// DecodeInner parses decrypted CRYPTO plaintext into its tagged inner
// message. Data.Payload aliases plaintext.
func DecodeInner(plaintext []byte) (*InnerMessage, error) {
	if len(plaintext) < 1 {
		return nil, fmt.Errorf("%w: inner message empty", ErrMalformedFrame)
	}

	switch plaintext[0] {
	case InnerStreamData:
		if len(plaintext) < 3 {
			return nil, fmt.Errorf("%w: STREAM_DATA header truncated", ErrMalformedFrame)
		}
		frameSize := binary.BigEndian.Uint16(plaintext[1:3])
		return &InnerMessage{
			Type: InnerStreamData,
			Data: StreamData{FrameSize: frameSize, Payload: plaintext[3:]},
		}, nil
	case InnerStreamHeartbeat:
		return &InnerMessage{Type: InnerStreamHeartbeat}, nil
	case InnerStreamTerminate:
		return &InnerMessage{Type: InnerStreamTerminate}, nil
	default:
		return nil, fmt.Errorf("%w: unknown inner type 0x%02x", ErrMalformedFrame, plaintext[0])
	}
}

// OuterHeader is the first byte of every datagram.
func OuterHeader(msgType uint8) []byte {
	return []byte{msgType}
}

// PeekMessageType returns the outer message type of a raw datagram without
// further parsing.
func PeekMessageType(buf []byte) (uint8, error) {
	if len(buf) < 1 {
		return 0, fmt.Errorf("%w: empty datagram", ErrMalformedFrame)
	}
	return buf[0], nil
}
