// Package source implements the capture side of a stream: a single session
// dialed at one sink, driving a capture -> encode -> encrypt -> send
// pipeline and retrying the handshake whenever the sink goes quiet.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/remoteaudio/internal/audio"
	"github.com/postalsys/remoteaudio/internal/codec"
	remoteaudiocrypto "github.com/postalsys/remoteaudio/internal/crypto"
	"github.com/postalsys/remoteaudio/internal/logging"
	"github.com/postalsys/remoteaudio/internal/metrics"
	"github.com/postalsys/remoteaudio/internal/protocol"
	"github.com/postalsys/remoteaudio/internal/session"
)

const (
	// HeartbeatTimeout bounds how long the source will wait without hearing
	// from the sink before abandoning the session and restarting the
	// handshake. It doubles as the initial HANDSHAKE_INIT retry interval.
	HeartbeatTimeout = 10 * time.Second

	// recvPollInterval bounds the blocking read so the handshake-timeout
	// check always runs roughly once per second even with no traffic.
	recvPollInterval = 1 * time.Second
)

// Config controls the source's sink address and capture/audio defaults.
type Config struct {
	SinkAddr     string
	CaptureDevice string
	ChannelCount int
	SampleFormat uint8
	FrameSize    int
	SampleRate   int
}

// DefaultConfig returns the source defaults: stereo f32 at 48kHz, 960-sample
// (20ms) frames, on the protocol's default port.
func DefaultConfig(sinkHost string) Config {
	return Config{
		SinkAddr:     fmt.Sprintf("%s:%d", sinkHost, protocol.DefaultPort),
		ChannelCount: 2,
		SampleFormat: protocol.SampleFormatF32,
		FrameSize:    960,
		SampleRate:   48000,
	}
}

// openCaptureFunc opens the capture device. The zero-value Source uses
// audio.OpenCaptureStream; tests substitute a fake so the pipeline's
// handshake and retry logic can run without linking PortAudio.
type openCaptureFunc func(deviceName string, channelCount int, sampleFormat uint8, sampleRate float64, frameSize int) (audio.Capture, error)

// openEncoderFunc constructs the stream's Opus encoder. The zero-value
// Source uses codec.NewEncoder.
type openEncoderFunc func(sampleRate, channelCount int, sampleFormat uint8) (frameEncoder, error)

// frameEncoder is the encode-side control surface the pipeline depends on.
// *codec.Encoder satisfies this; tests substitute a fake so the pipeline can
// run without linking libopus.
type frameEncoder interface {
	Encode(pcm []byte) ([]byte, error)
}

func defaultOpenCapture(deviceName string, channelCount int, sampleFormat uint8, sampleRate float64, frameSize int) (audio.Capture, error) {
	return audio.OpenCaptureStream(deviceName, channelCount, sampleFormat, sampleRate, frameSize)
}

func defaultOpenEncoder(sampleRate, channelCount int, sampleFormat uint8) (frameEncoder, error) {
	return codec.NewEncoder(sampleRate, channelCount, sampleFormat)
}

// Source owns the single outbound session, its UDP socket, and (once
// active) its capture stream and encoder.
type Source struct {
	conn    *net.UDPConn
	sinkAddr *net.UDPAddr
	cfg     Config
	priv    [remoteaudiocrypto.KeySize]byte
	pub     [remoteaudiocrypto.KeySize]byte
	session *session.Session
	logger  *slog.Logger
	m       *metrics.Metrics

	openCapture openCaptureFunc
	openEncoder openEncoderFunc

	mu      sync.Mutex
	capture audio.Capture
	encoder frameEncoder
	stopCh  chan struct{} // closed to stop the running captureLoop, if any
}

// New dials the sink's UDP address and generates the source's handshake
// keypair. The session starts Idle; call Run to drive it.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Source, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.SinkAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve sink address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial sink: %w", err)
	}

	priv, pub, err := remoteaudiocrypto.GenerateKeypair()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("generate source keypair: %w", err)
	}

	return &Source{
		conn:        conn,
		sinkAddr:    addr,
		cfg:         cfg,
		priv:        priv,
		pub:         pub,
		session:     session.New(),
		logger:      logger.With(slog.String(logging.KeyComponent, "source")),
		m:           m,
		openCapture: defaultOpenCapture,
		openEncoder: defaultOpenEncoder,
	}, nil
}

// Close releases the UDP socket and, if active, the capture device.
func (src *Source) Close() error {
	src.stopCaptureLoop()
	return src.conn.Close()
}

// State returns the session's current lifecycle state, for status reporting.
func (src *Source) State() session.State {
	return src.session.State()
}

// Run drives the source until ctx is cancelled: it begins the handshake,
// polls the socket for HANDSHAKE_RESPONSE (and, once active, inbound
// heartbeats), and restarts the handshake whenever the sink has been quiet
// for longer than HeartbeatTimeout. On return it has sent a best-effort
// STREAM_TERMINATE if the session was active.
func (src *Source) Run(ctx context.Context) error {
	if err := src.beginHandshake(); err != nil {
		return fmt.Errorf("begin handshake: %w", err)
	}
	defer src.sendTerminateBestEffort()

	buf := make([]byte, protocol.MaxCiphertextSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		src.conn.SetReadDeadline(time.Now().Add(recvPollInterval))
		n, err := src.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				src.checkHeartbeatTimeout()
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			src.logger.Warn("udp read error", logging.KeyError, err)
			continue
		}

		src.handleDatagram(buf[:n])
		src.checkHeartbeatTimeout()
	}
}

// handleDatagram dispatches one inbound datagram. Per the protocol, the
// source is a producer: only HANDSHAKE_RESPONSE (to complete the handshake)
// and, once active, STREAM_HEARTBEAT/STREAM_TERMINATE inside CRYPTO (to
// detect sink liveness) are acted on. Any other message is ignored.
func (src *Source) handleDatagram(buf []byte) {
	msgType, err := protocol.PeekMessageType(buf)
	if err != nil {
		src.m.RecordStreamError("malformed_frame")
		return
	}
	src.m.RecordDatagramReceived(protocol.MessageTypeName(msgType), len(buf))

	switch msgType {
	case protocol.MsgHandshakeResponse:
		src.handleHandshakeResponse(buf[1:])
	case protocol.MsgCrypto:
		src.handleCrypto(buf[1:])
	}
}

func (src *Source) handleHandshakeResponse(body []byte) {
	if src.session.State() != session.Handshaking {
		return
	}
	resp, err := protocol.DecodeHandshakeResponse(body)
	if err != nil {
		src.m.RecordStreamError("malformed_frame")
		return
	}

	if err := src.activate(resp); err != nil {
		src.logger.Warn("handshake failed", logging.KeyError, err)
		src.m.RecordHandshakeError(handshakeErrorType(err))
		return
	}

	src.logger.Info("handshake complete",
		logging.KeyStreamID, resp.StreamID,
		logging.KeyRemoteAddr, src.sinkAddr.String(),
	)
}

// handleCrypto decrypts an inbound CRYPTO packet against the active
// session. STREAM_HEARTBEAT resets the heartbeat clock, the source's only
// signal that the sink is still alive between data frames. STREAM_TERMINATE
// restarts the handshake immediately rather than waiting out the full
// timeout, since the sink only sends it when it has already evicted this
// stream's slot.
func (src *Source) handleCrypto(body []byte) {
	if src.session.State() != session.Active {
		return
	}
	pkt, err := protocol.DecodeCryptoPacket(body)
	if err != nil {
		src.m.RecordStreamError("malformed_frame")
		return
	}

	msg, err := src.session.Decode(pkt)
	if err != nil {
		src.m.RecordStreamError(decodeErrorType(err))
		return
	}

	switch msg.Type {
	case protocol.InnerStreamHeartbeat:
		src.session.MarkHeartbeat()
		src.m.RecordHeartbeatReceived()
	case protocol.InnerStreamTerminate:
		src.restartHandshake()
		src.sendHandshakeInit()
	}
}

// activate performs the client-ordered KDF, opens the encoder and capture
// device, installs the session as Active, and spawns the capture loop. Audio
// is opened before the cipher is installed and the session only becomes
// Active once both are open, so a failure here never leaves the session
// Active without a running pipeline.
func (src *Source) activate(resp *protocol.HandshakeResponse) error {
	shared, err := remoteaudiocrypto.ComputeSharedSecret(src.priv, resp.PublicKey)
	if err != nil {
		return err
	}
	secret, err := remoteaudiocrypto.DeriveSessionSecret(shared, src.pub, resp.PublicKey, false)
	remoteaudiocrypto.ZeroBytes(shared[:])
	if err != nil {
		return err
	}
	cipher, err := remoteaudiocrypto.NewSessionCipher(secret)
	remoteaudiocrypto.ZeroBytes(secret[:])
	if err != nil {
		return err
	}

	encoder, err := src.openEncoder(src.cfg.SampleRate, src.cfg.ChannelCount, src.cfg.SampleFormat)
	if err != nil {
		return err
	}
	capture, err := src.openCapture(src.cfg.CaptureDevice, src.cfg.ChannelCount, src.cfg.SampleFormat, float64(src.cfg.SampleRate), src.cfg.FrameSize)
	if err != nil {
		return fmt.Errorf("%w", audio.ErrAudioOpenFailed)
	}

	audioCfg := session.AudioConfig{
		ChannelCount: uint8(src.cfg.ChannelCount),
		SampleFormat: src.cfg.SampleFormat,
		FrameSize:    uint16(src.cfg.FrameSize),
		SampleRate:   uint32(src.cfg.SampleRate),
	}
	if err := src.session.CompleteHandshake(resp.StreamID, audioCfg, cipher); err != nil {
		capture.Close()
		return err
	}

	src.mu.Lock()
	src.capture = capture
	src.encoder = encoder
	stopCh := make(chan struct{})
	src.stopCh = stopCh
	src.mu.Unlock()

	go src.captureLoop(capture, encoder, stopCh)
	return nil
}

// captureLoop blocks on the capture device and encodes/seals/sends each
// frame until the device errors or stopCh is closed. Any capture or encode
// error aborts the stream and reverts the session to Handshaking, per the
// spec's "abort the stream; the outer loop will reopen via the
// heartbeat-timeout retry" rule: no HANDSHAKE_INIT is sent from here, the
// next one goes out when checkHeartbeatTimeout fires.
func (src *Source) captureLoop(capture audio.Capture, encoder frameEncoder, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		pcm, err := capture.ReadFrame()
		if err != nil {
			src.logger.Warn("capture read error", logging.KeyError, err)
			src.restartHandshake()
			return
		}

		if err := src.encodeAndSend(encoder, pcm); err != nil {
			src.logger.Warn("encode failed", logging.KeyError, err)
			src.m.RecordStreamError("encode_failed")
			src.restartHandshake()
			return
		}
	}
}

func (src *Source) encodeAndSend(encoder frameEncoder, pcm []byte) error {
	opusPayload, err := encoder.Encode(pcm)
	if err != nil {
		return err
	}
	src.m.RecordFrameEncoded()

	pkt, err := src.session.Encode(opusPayload, uint16(src.cfg.FrameSize))
	if err != nil {
		return err
	}
	return src.sendCrypto(pkt)
}

// checkHeartbeatTimeout restarts the handshake once the sink has been quiet
// (no HANDSHAKE_RESPONSE, STREAM_HEARTBEAT, or STREAM_TERMINATE) for longer
// than HeartbeatTimeout.
func (src *Source) checkHeartbeatTimeout() {
	state := src.session.State()
	if state != session.Handshaking && state != session.Active {
		return
	}
	if src.session.HeartbeatIdleDuration(time.Now()) > HeartbeatTimeout {
		src.logger.Warn("heartbeat timeout, re-attempting handshake")
		src.restartHandshake()
		src.sendHandshakeInit()
	}
}

// restartHandshake stops any running capture loop and reverts the session
// to Handshaking, clearing its installed cipher.
func (src *Source) restartHandshake() {
	src.stopCaptureLoop()
	src.session.RestartHandshake(src.sinkAddr)
}

func (src *Source) stopCaptureLoop() {
	src.mu.Lock()
	stopCh := src.stopCh
	capture := src.capture
	src.stopCh = nil
	src.capture = nil
	src.encoder = nil
	src.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if capture != nil {
		capture.Close()
	}
}

func (src *Source) beginHandshake() error {
	if err := src.session.BeginHandshake(src.sinkAddr); err != nil {
		return err
	}
	src.sendHandshakeInit()
	return nil
}

func (src *Source) sendHandshakeInit() {
	init := &protocol.HandshakeInit{
		PublicKey:    src.pub,
		ChannelCount: uint8(src.cfg.ChannelCount),
		SampleFormat: src.cfg.SampleFormat,
		FrameSize:    uint16(src.cfg.FrameSize),
		SampleRate:   uint32(src.cfg.SampleRate),
	}
	src.sendDatagram(protocol.MsgHandshakeInit, init.Encode())
}

func (src *Source) sendCrypto(pkt *protocol.CryptoPacket) error {
	body, err := pkt.Encode()
	if err != nil {
		return err
	}
	src.sendDatagram(protocol.MsgCrypto, body)
	return nil
}

// sendTerminateBestEffort sends STREAM_TERMINATE if the session was active
// when Run returned. Any failure is ignored; the socket is about to close.
func (src *Source) sendTerminateBestEffort() {
	cipher := src.session.Cipher()
	if cipher == nil {
		return
	}
	nonce, ciphertext, err := cipher.Seal(protocol.EncodeInnerTerminate())
	if err != nil {
		return
	}
	pkt := &protocol.CryptoPacket{StreamID: src.session.StreamID(), Nonce: nonce, Ciphertext: ciphertext}
	src.sendCrypto(pkt)
	src.stopCaptureLoop()
}

func (src *Source) sendDatagram(msgType uint8, body []byte) {
	datagram := append([]byte{msgType}, body...)
	n, err := src.conn.Write(datagram)
	if err != nil {
		src.logger.Warn("udp write error", logging.KeyError, err)
		return
	}
	src.m.RecordDatagramSent(protocol.MessageTypeName(msgType), n)
}

func handshakeErrorType(err error) string {
	switch {
	case errors.Is(err, remoteaudiocrypto.ErrKdfFailed):
		return "kdf_failed"
	case errors.Is(err, audio.ErrAudioOpenFailed):
		return "audio_open_failed"
	default:
		return "kdf_failed"
	}
}

func decodeErrorType(err error) string {
	switch {
	case errors.Is(err, remoteaudiocrypto.ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, remoteaudiocrypto.ErrReplayRejected):
		return "replay_rejected"
	default:
		return "malformed_frame"
	}
}
