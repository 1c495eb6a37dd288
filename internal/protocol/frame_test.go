package protocol

import (
	"bytes"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func TestHandshakeInitRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := &HandshakeInit{
			ChannelCount: rapid.Uint8().Draw(t, "channels"),
			SampleFormat: rapid.SampledFrom([]uint8{SampleFormatF32, SampleFormatI16}).Draw(t, "format"),
			FrameSize:    rapid.Uint16().Draw(t, "frameSize"),
			SampleRate:   rapid.Uint32().Draw(t, "sampleRate"),
		}
		key := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Draw(t, "key")
		copy(h.PublicKey[:], key)

		got, err := DecodeHandshakeInit(h.Encode())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if *got != *h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
		}
	})
}

func TestHandshakeInitRejectsBadKeyLen(t *testing.T) {
	buf := []byte{31}
	buf = append(buf, make([]byte, 31+1+1+2+4)...)
	if _, err := DecodeHandshakeInit(buf); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestHandshakeInitRejectsTruncated(t *testing.T) {
	h := &HandshakeInit{SampleFormat: SampleFormatF32}
	enc := h.Encode()
	for i := range enc {
		if _, err := DecodeHandshakeInit(enc[:i]); err == nil {
			t.Fatalf("expected error decoding truncated buffer of length %d", i)
		}
	}
}

func TestHandshakeResponseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := &HandshakeResponse{
			StreamID: rapid.Uint8().Draw(t, "streamID"),
		}
		key := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Draw(t, "key")
		copy(h.PublicKey[:], key)

		got, err := DecodeHandshakeResponse(h.Encode())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if *got != *h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
		}
	})
}

func TestCryptoPacketRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := &CryptoPacket{
			StreamID:   rapid.Uint8().Draw(t, "streamID"),
			Ciphertext: rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(t, "ciphertext"),
		}
		nonce := rapid.SliceOfN(rapid.Byte(), NonceSize, NonceSize).Draw(t, "nonce")
		copy(c.Nonce[:], nonce)

		enc, err := c.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := DecodeCryptoPacket(enc)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.StreamID != c.StreamID || got.Nonce != c.Nonce || !bytes.Equal(got.Ciphertext, c.Ciphertext) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
		}
	})
}

func TestCryptoPacketRejectsOversizeCiphertext(t *testing.T) {
	c := &CryptoPacket{Ciphertext: make([]byte, MaxCiphertextSize+1)}
	if _, err := c.Encode(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestCryptoPacketRejectsTruncatedCiphertext(t *testing.T) {
	c := &CryptoPacket{Ciphertext: []byte{1, 2, 3, 4}}
	enc, err := c.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeCryptoPacket(enc[:len(enc)-2]); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestCryptoPacketSeq(t *testing.T) {
	c := &CryptoPacket{}
	c.Nonce[7] = 1 // big-endian uint64 value 1
	if got := c.Seq(); got != 1 {
		t.Fatalf("Seq() = %d, want 1", got)
	}
}

func TestStreamDataInnerRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := &StreamData{
			FrameSize: rapid.Uint16().Draw(t, "frameSize"),
			Payload:   rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "payload"),
		}
		msg, err := DecodeInner(s.EncodeInner())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Type != InnerStreamData {
			t.Fatalf("Type = %d, want InnerStreamData", msg.Type)
		}
		if msg.Data.FrameSize != s.FrameSize || !bytes.Equal(msg.Data.Payload, s.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", msg.Data, s)
		}
	})
}

func TestInnerHeartbeatAndTerminate(t *testing.T) {
	msg, err := DecodeInner(EncodeInnerHeartbeat())
	if err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if msg.Type != InnerStreamHeartbeat {
		t.Fatalf("Type = %d, want InnerStreamHeartbeat", msg.Type)
	}

	msg, err = DecodeInner(EncodeInnerTerminate())
	if err != nil {
		t.Fatalf("decode terminate: %v", err)
	}
	if msg.Type != InnerStreamTerminate {
		t.Fatalf("Type = %d, want InnerStreamTerminate", msg.Type)
	}
}

func TestDecodeInnerRejectsUnknownType(t *testing.T) {
	if _, err := DecodeInner([]byte{0xff}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeInnerRejectsEmpty(t *testing.T) {
	if _, err := DecodeInner(nil); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestPeekMessageType(t *testing.T) {
	got, err := PeekMessageType([]byte{MsgCrypto, 0, 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != MsgCrypto {
		t.Fatalf("got %d, want MsgCrypto", got)
	}
	if _, err := PeekMessageType(nil); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestMessageTypeNames(t *testing.T) {
	cases := map[uint8]string{
		MsgHandshakeInit:     "HANDSHAKE_INIT",
		MsgHandshakeResponse: "HANDSHAKE_RESPONSE",
		MsgCrypto:            "CRYPTO",
		0xff:                 "UNKNOWN",
	}
	for in, want := range cases {
		if got := MessageTypeName(in); got != want {
			t.Errorf("MessageTypeName(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestInnerTypeNames(t *testing.T) {
	cases := map[uint8]string{
		InnerStreamData:      "STREAM_DATA",
		InnerStreamHeartbeat: "STREAM_HEARTBEAT",
		InnerStreamTerminate: "STREAM_TERMINATE",
		0xff:                 "UNKNOWN",
	}
	for in, want := range cases {
		if got := InnerTypeName(in); got != want {
			t.Errorf("InnerTypeName(%d) = %q, want %q", in, got, want)
		}
	}
}
