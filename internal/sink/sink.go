// Package sink implements the admission-controlled, fixed-size slot table
// that demultiplexes many concurrent encrypted source streams into
// independent decode and playback paths over a single UDP socket.
package sink

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
	"github.com/postalsys/remoteaudio/internal/ring"
	"github.com/postalsys/remoteaudio/internal/session"
)

const (
	// HeartbeatInterval is how often an ACTIVE slot sends a STREAM_HEARTBEAT.
	HeartbeatInterval = 3 * time.Second

	// LivenessTimeout is how long a slot may go without activity before it
	// is force-closed and a STREAM_TERMINATE is sent to the peer.
	LivenessTimeout = 10 * time.Second

	// recvPollInterval bounds the blocking read so the liveness tick always
	// runs roughly once per second regardless of traffic.
	recvPollInterval = 1 * time.Second

	// ringCapacityFrames is the ring buffer capacity expressed as a
	// multiple of one decoded frame, per the spec's "capacity >= 8x max
	// decoded frame size" floor.
	ringCapacityFrames = 8
)

// Config controls the sink's slot table and audio/device defaults.
type Config struct {
	ListenAddr   string
	SlotCount    int
	OutputDevice string
	MaxFrameSize int // max decoded PCM bytes per frame; not read by the slot table, which sizes each ring from its HANDSHAKE_INIT
}

// DefaultConfig returns the sink defaults: 16 slots on the protocol's
// default port.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   fmt.Sprintf(":%d", protocol.DefaultPort),
		SlotCount:    16,
		MaxFrameSize: 4 * 2 * 960, // 4 bytes/sample * 2 channels * 960 frames
	}
}

// Slot owns one stream's session, ring buffer, decoder, and playback stream.
// The receive path and that slot's playback callback form a single
// single-producer/single-consumer pair over ring; slots never touch each
// other's state.
type Slot struct {
	id       int
	session  *session.Session
	ring     *ring.Buffer
	decoder  frameDecoder
	playback audio.Playback
}

// frameDecoder is the decode-side control surface a slot depends on.
// *codec.Decoder satisfies this; tests substitute a fake so the slot
// table's admission, replay, and teardown logic can run without linking
// libopus.
type frameDecoder interface {
	Decode(opusPacket []byte) ([]byte, error)
}

// openPlaybackFunc opens a slot's playback stream. The zero-value Sink uses
// audio.OpenPlaybackStream; tests substitute a fake so the slot table's
// admission and teardown logic can run without linking PortAudio.
type openPlaybackFunc func(deviceName string, channelCount int, sampleFormat uint8, sampleRate float64, frameSize int, ringBuf *ring.Buffer) (audio.Playback, error)

// openDecoderFunc constructs a slot's decoder. The zero-value Sink uses
// codec.NewDecoder.
type openDecoderFunc func(sampleRate, channelCount int, sampleFormat uint8, frameSize int) (frameDecoder, error)

// Sink owns the fixed slot table and the UDP socket shared by all slots.
type Sink struct {
	conn         *net.UDPConn
	slots        []*Slot
	cfg          Config
	priv         [remoteaudiocrypto.KeySize]byte
	pub          [remoteaudiocrypto.KeySize]byte
	logger       *slog.Logger
	m            *metrics.Metrics
	openPlayback openPlaybackFunc
	openDecoder  openDecoderFunc

	outputDeviceMu sync.RWMutex
	outputDevice   string
	reloadCh       chan struct{}
}

func defaultOpenPlayback(deviceName string, channelCount int, sampleFormat uint8, sampleRate float64, frameSize int, ringBuf *ring.Buffer) (audio.Playback, error) {
	return audio.OpenPlaybackStream(deviceName, channelCount, sampleFormat, sampleRate, frameSize, ringBuf)
}

func defaultOpenDecoder(sampleRate, channelCount int, sampleFormat uint8, frameSize int) (frameDecoder, error) {
	return codec.NewDecoder(sampleRate, channelCount, sampleFormat, frameSize)
}

// New binds the sink's UDP socket, generates its long-lived handshake
// keypair, and allocates an Empty slot table.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Sink, error) {
	if cfg.SlotCount <= 0 {
		cfg.SlotCount = DefaultConfig().SlotCount
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	priv, pub, err := remoteaudiocrypto.GenerateKeypair()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("generate sink keypair: %w", err)
	}

	slots := make([]*Slot, cfg.SlotCount)
	for i := range slots {
		slots[i] = &Slot{id: i, session: session.New()}
	}

	return &Sink{
		conn:         conn,
		slots:        slots,
		cfg:          cfg,
		priv:         priv,
		pub:          pub,
		logger:       logger.With(slog.String(logging.KeyComponent, "sink")),
		m:            m,
		openPlayback: defaultOpenPlayback,
		openDecoder:  defaultOpenDecoder,
		outputDevice: cfg.OutputDevice,
		reloadCh:     make(chan struct{}, 1),
	}, nil
}

// OutputDevice returns the device name newly admitted slots will open their
// playback stream against.
func (s *Sink) OutputDevice() string {
	s.outputDeviceMu.RLock()
	defer s.outputDeviceMu.RUnlock()
	return s.outputDevice
}

// SetOutputDevice rebinds the sink's playback device. New admissions use it
// immediately; slots already ACTIVE have their playback stream re-opened
// against the new device the next time Run's receive loop wakes, without
// tearing down their session, ring buffer, or decoder. Safe to call from
// any goroutine (e.g. a SIGHUP handler).
func (s *Sink) SetOutputDevice(device string) {
	s.outputDeviceMu.Lock()
	s.outputDevice = device
	s.outputDeviceMu.Unlock()

	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// reopenActiveSlots re-opens the playback stream of every ACTIVE slot
// against the current OutputDevice, only called from the receiver context.
// The new stream is opened before the old one is closed so a failed reopen
// leaves the slot's existing playback running rather than silent.
func (s *Sink) reopenActiveSlots() {
	device := s.OutputDevice()
	for _, slot := range s.slots {
		if slot.session.State() != session.Active || slot.playback == nil {
			continue
		}

		audioCfg := slot.session.AudioConfig()
		newPlayback, err := s.openPlayback(device, int(audioCfg.ChannelCount), audioCfg.SampleFormat, float64(audioCfg.SampleRate), int(audioCfg.FrameSize), slot.ring)
		if err != nil {
			s.logger.Warn("playback device reopen failed, keeping existing stream",
				logging.KeyStreamID, slot.id, logging.KeyDevice, device, logging.KeyError, err)
			continue
		}

		old := slot.playback
		slot.playback = newPlayback
		old.Close()
		s.logger.Info("playback device reopened", logging.KeyStreamID, slot.id, logging.KeyDevice, device)
	}
}

// Addr returns the UDP address the sink is bound to, useful when
// ListenAddr used a ":0" ephemeral port.
func (s *Sink) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the UDP socket and every slot's audio resources.
func (s *Sink) Close() error {
	for _, slot := range s.slots {
		if slot.playback != nil {
			slot.playback.Close()
		}
	}
	return s.conn.Close()
}

// Run drives the receive loop until ctx is cancelled. It blocks on the UDP
// socket with a 1-second read deadline so the liveness tick always runs
// even with no traffic, matching the single receiver context described for
// the sink process.
func (s *Sink) Run(ctx context.Context) error {
	buf := make([]byte, protocol.MaxCiphertextSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.reloadCh:
			s.reopenActiveSlots()
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(recvPollInterval))
		n, remoteAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.livenessTick()
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("udp read error", logging.KeyError, err)
			continue
		}

		s.handleDatagram(buf[:n], remoteAddr)
		s.livenessTick()
	}
}

// handleDatagram dispatches one inbound datagram by outer message type.
// Every error path here is logged and counted, never fatal.
func (s *Sink) handleDatagram(buf []byte, remoteAddr *net.UDPAddr) {
	msgType, err := protocol.PeekMessageType(buf)
	if err != nil {
		s.m.RecordStreamError("malformed_frame")
		return
	}
	s.m.RecordDatagramReceived(protocol.MessageTypeName(msgType), len(buf))

	switch msgType {
	case protocol.MsgHandshakeInit:
		s.handleHandshakeInit(buf[1:], remoteAddr)
	case protocol.MsgCrypto:
		s.handleCrypto(buf[1:], remoteAddr)
	default:
		s.m.RecordStreamError("malformed_frame")
	}
}

// handleHandshakeInit admits a new source session into the first EMPTY
// slot, walked in ascending id order. If every slot is occupied the
// message is ignored with no reply, per the spec's admission policy.
func (s *Sink) handleHandshakeInit(body []byte, remoteAddr *net.UDPAddr) {
	init, err := protocol.DecodeHandshakeInit(body)
	if err != nil {
		s.m.RecordStreamError("malformed_frame")
		return
	}

	slot := s.findEmptySlot()
	if slot == nil {
		s.m.RecordSlotRejected()
		return
	}

	if err := slot.session.BeginHandshake(remoteAddr); err != nil {
		// Lost a race with another goroutine for this slot; drop silently,
		// the peer will retry.
		return
	}

	if err := s.completeHandshake(slot, init, remoteAddr); err != nil {
		s.logger.Warn("handshake failed", logging.KeyStreamID, slot.id, logging.KeyError, err)
		s.m.RecordHandshakeError(handshakeErrorType(err))
		slot.session.AbortHandshake()
		return
	}

	s.m.RecordSlotAdmitted()
	s.logger.Info("slot admitted",
		logging.KeyStreamID, slot.id,
		logging.KeyRemoteAddr, remoteAddr.String(),
		logging.KeyChannels, init.ChannelCount,
		logging.KeySampleRate, init.SampleRate,
	)

	resp := &protocol.HandshakeResponse{StreamID: uint8(slot.id), PublicKey: s.pub}
	s.sendDatagram(protocol.MsgHandshakeResponse, resp.Encode(), remoteAddr)
}

// completeHandshake performs the KDF, opens the decoder and playback
// stream, and installs the session as ACTIVE. Any failure here leaves the
// slot for the caller to revert to Empty; no response is sent to the peer.
func (s *Sink) completeHandshake(slot *Slot, init *protocol.HandshakeInit, remoteAddr *net.UDPAddr) error {
	shared, err := remoteaudiocrypto.ComputeSharedSecret(s.priv, init.PublicKey)
	if err != nil {
		return err
	}
	secret, err := remoteaudiocrypto.DeriveSessionSecret(shared, s.pub, init.PublicKey, true)
	remoteaudiocrypto.ZeroBytes(shared[:])
	if err != nil {
		return err
	}
	cipher, err := remoteaudiocrypto.NewSessionCipher(secret)
	remoteaudiocrypto.ZeroBytes(secret[:])
	if err != nil {
		return err
	}

	frameSize := int(init.FrameSize)
	ringCapacity := frameSize * bytesPerSample(init.SampleFormat) * int(init.ChannelCount) * ringCapacityFrames
	if ringCapacity <= 0 {
		return fmt.Errorf("%w: HANDSHAKE_INIT frame_size %d channel_count %d", protocol.ErrMalformedFrame, init.FrameSize, init.ChannelCount)
	}
	slot.ring = ring.New(ringCapacity)

	decoder, err := s.openDecoder(int(init.SampleRate), int(init.ChannelCount), init.SampleFormat, frameSize)
	if err != nil {
		return err
	}
	slot.decoder = decoder

	playback, err := s.openPlayback(s.OutputDevice(), int(init.ChannelCount), init.SampleFormat, float64(init.SampleRate), frameSize, slot.ring)
	if err != nil {
		return fmt.Errorf("%w", audio.ErrAudioOpenFailed)
	}
	slot.playback = playback

	audioCfg := session.AudioConfig{
		ChannelCount: init.ChannelCount,
		SampleFormat: init.SampleFormat,
		FrameSize:    init.FrameSize,
		SampleRate:   init.SampleRate,
	}
	return slot.session.CompleteHandshake(uint8(slot.id), audioCfg, cipher)
}

// handleCrypto verifies and decodes a CRYPTO packet against its slot,
// writing decoded PCM into the slot's ring buffer.
func (s *Sink) handleCrypto(body []byte, remoteAddr *net.UDPAddr) {
	pkt, err := protocol.DecodeCryptoPacket(body)
	if err != nil {
		s.m.RecordStreamError("malformed_frame")
		return
	}
	if int(pkt.StreamID) >= len(s.slots) {
		s.m.RecordStreamError("unknown_stream")
		return
	}

	slot := s.slots[pkt.StreamID]
	if slot.session.State() != session.Active {
		// Either Empty (unrelated stream id) or Handshaking (concurrent
		// STREAM_DATA arriving before the secret is installed): drop
		// silently either way.
		return
	}

	msg, err := slot.session.Decode(pkt)
	if err != nil {
		s.m.RecordStreamError(decodeErrorType(err))
		return
	}

	slot.session.Touch()

	switch msg.Type {
	case protocol.InnerStreamData:
		s.decodeAndBuffer(slot, msg.Data)
	case protocol.InnerStreamHeartbeat:
		s.m.RecordHeartbeatReceived()
	case protocol.InnerStreamTerminate:
		s.closeSlot(slot, "terminate")
	}
}

// decodeAndBuffer decodes one Opus frame and writes it into the slot's
// ring, dropping (and counting) on decode failure or ring overflow.
func (s *Sink) decodeAndBuffer(slot *Slot, data protocol.StreamData) {
	pcm, err := slot.decoder.Decode(data.Payload)
	if err != nil {
		s.m.RecordStreamError("decode_failed")
		return
	}
	s.m.RecordFrameDecoded()

	if n := slot.ring.Write(pcm); n < len(pcm) {
		s.m.RecordRingOverflow()
	}
}

// livenessTick runs once per receive-loop wakeup (at least once per
// second): it emits heartbeats for slots due, and closes slots that have
// exceeded LivenessTimeout.
func (s *Sink) livenessTick() {
	now := time.Now()
	for _, slot := range s.slots {
		if slot.session.State() != session.Active {
			continue
		}

		if slot.session.IdleDuration(now) > LivenessTimeout {
			s.m.RecordLivenessTimeout()
			s.sendTerminate(slot)
			s.closeSlot(slot, "liveness_timeout")
			continue
		}

		if slot.session.DueForHeartbeat(now, HeartbeatInterval) {
			s.sendHeartbeat(slot)
		}
	}
}

func (s *Sink) sendHeartbeat(slot *Slot) {
	cipher := slot.session.Cipher()
	if cipher == nil {
		return
	}
	nonce, ciphertext, err := cipher.Seal(protocol.EncodeInnerHeartbeat())
	if err != nil {
		return
	}
	pkt := &protocol.CryptoPacket{StreamID: slot.session.StreamID(), Nonce: nonce, Ciphertext: ciphertext}
	if err := s.sendCrypto(slot, pkt); err == nil {
		s.m.RecordHeartbeatSent()
	}
}

func (s *Sink) sendTerminate(slot *Slot) {
	cipher := slot.session.Cipher()
	if cipher == nil {
		return
	}
	nonce, ciphertext, err := cipher.Seal(protocol.EncodeInnerTerminate())
	if err != nil {
		return
	}
	pkt := &protocol.CryptoPacket{StreamID: slot.session.StreamID(), Nonce: nonce, Ciphertext: ciphertext}
	s.sendCrypto(slot, pkt)
}

func (s *Sink) sendCrypto(slot *Slot, pkt *protocol.CryptoPacket) error {
	body, err := pkt.Encode()
	if err != nil {
		return err
	}
	s.sendDatagram(protocol.MsgCrypto, body, slot.session.RemoteAddr())
	return nil
}

// closeSlot stops the slot's audio resources and returns it to Empty.
func (s *Sink) closeSlot(slot *Slot, reason string) {
	slot.session.Terminate()
	if slot.playback != nil {
		slot.playback.Close()
		slot.playback = nil
	}
	slot.decoder = nil
	slot.ring = nil
	slot.session.Reset()
	if reason != "liveness_timeout" {
		s.m.RecordSlotClosed(reason)
	}
}

// findEmptySlot walks slots in ascending id order and returns the first
// one in Empty state, or nil if the table is full.
func (s *Sink) findEmptySlot() *Slot {
	for _, slot := range s.slots {
		if slot.session.State() == session.Empty {
			return slot
		}
	}
	return nil
}

func (s *Sink) sendDatagram(msgType uint8, body []byte, addr *net.UDPAddr) {
	datagram := append([]byte{msgType}, body...)
	n, err := s.conn.WriteToUDP(datagram, addr)
	if err != nil {
		s.logger.Warn("udp write error", logging.KeyError, err)
		return
	}
	s.m.RecordDatagramSent(protocol.MessageTypeName(msgType), n)
}

func bytesPerSample(format uint8) int {
	if format == protocol.SampleFormatI16 {
		return 2
	}
	return 4
}

func handshakeErrorType(err error) string {
	switch {
	case errors.Is(err, remoteaudiocrypto.ErrKdfFailed):
		return "kdf_failed"
	case errors.Is(err, audio.ErrAudioOpenFailed):
		return "audio_open_failed"
	case errors.Is(err, protocol.ErrMalformedFrame):
		return "malformed_frame"
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
