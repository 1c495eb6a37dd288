// Package codec wraps Opus encoding and decoding behind the sample-format
// choice (float32 or int16 PCM) negotiated during the handshake.
package codec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/postalsys/remoteaudio/internal/protocol"
)

// ErrDecodeFailed wraps any Opus decode failure. The caller drops the frame
// and continues; it is never fatal to the session.
var ErrDecodeFailed = fmt.Errorf("codec: opus decode failed")

// Encoder compresses raw PCM frames into Opus packets for one stream.
type Encoder struct {
	enc          *opus.Encoder
	sampleFormat uint8
	out          []byte
}

// NewEncoder constructs an Opus encoder for VoIP-tuned speech audio at the
// given sample rate and channel count.
func NewEncoder(sampleRate int, channelCount int, sampleFormat uint8) (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channelCount, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("codec: new encoder: %w", err)
	}
	return &Encoder{enc: enc, sampleFormat: sampleFormat, out: make([]byte, maxOpusPacketBytes)}, nil
}

// Encode compresses one frame of raw PCM bytes (in the encoder's negotiated
// sample format) into an Opus packet. The returned slice aliases the
// encoder's internal buffer and is only valid until the next call to
// Encode.
func (e *Encoder) Encode(pcm []byte) ([]byte, error) {
	var (
		n   int
		err error
	)
	if e.sampleFormat == protocol.SampleFormatI16 {
		n, err = e.enc.Encode(bytesToI16(pcm), e.out)
	} else {
		n, err = e.enc.EncodeFloat32(bytesToF32(pcm), e.out)
	}
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return e.out[:n], nil
}

// maxOpusPacketBytes is the RFC 6716 maximum Opus packet size.
const maxOpusPacketBytes = 1275

// Decoder decompresses Opus packets into raw PCM bytes for one stream.
type Decoder struct {
	dec          *opus.Decoder
	channelCount int
	sampleFormat uint8
	pcmI16       []int16
	pcmF32       []float32
}

// NewDecoder constructs an Opus decoder for the given sample rate and
// channel count, producing PCM in sampleFormat.
func NewDecoder(sampleRate int, channelCount int, sampleFormat uint8, frameSize int) (*Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channelCount)
	if err != nil {
		return nil, fmt.Errorf("codec: new decoder: %w", err)
	}
	d := &Decoder{dec: dec, channelCount: channelCount, sampleFormat: sampleFormat}
	if sampleFormat == protocol.SampleFormatI16 {
		d.pcmI16 = make([]int16, frameSize*channelCount)
	} else {
		d.pcmF32 = make([]float32, frameSize*channelCount)
	}
	return d, nil
}

// Decode decompresses an Opus packet into a PCM frame and returns it as raw
// bytes in the decoder's negotiated sample format. The returned slice
// aliases the decoder's internal buffer and is only valid until the next
// call to Decode.
func (d *Decoder) Decode(opusPacket []byte) ([]byte, error) {
	if d.sampleFormat == protocol.SampleFormatI16 {
		n, err := d.dec.Decode(opusPacket, d.pcmI16)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}
		return int16ToBytes(d.pcmI16[:n*d.channelCount]), nil
	}

	n, err := d.dec.DecodeFloat32(opusPacket, d.pcmF32)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return float32ToBytes(d.pcmF32[:n*d.channelCount]), nil
}
