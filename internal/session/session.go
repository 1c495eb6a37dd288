// Package session implements the per-stream state machine shared by the
// sink's slot table and the source's single outbound stream: the unoccupied
// state (named EMPTY on the sink, IDLE on the source), HANDSHAKING while a
// key exchange is in flight, ACTIVE once a session secret is installed, and
// CLOSED during teardown.
package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/postalsys/remoteaudio/internal/crypto"
	"github.com/postalsys/remoteaudio/internal/protocol"
)

// State is a stream's position in the lifecycle state machine.
type State int

const (
	// Empty (aliased as Idle on the source side) means the slot holds no
	// session and is available for a new handshake.
	Empty State = iota
	// Handshaking means a key exchange is in flight; the session secret
	// is not yet installed and STREAM_DATA for this slot is dropped.
	Handshaking
	// Active means the session secret is installed and the stream is
	// exchanging encrypted audio.
	Active
	// Closed is a transient state entered on teardown before the slot
	// reverts to Empty.
	Closed
)

// Idle is an alias for Empty, used on the source side where the spec's
// vocabulary calls the unoccupied state IDLE rather than EMPTY.
const Idle = Empty

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Handshaking:
		return "HANDSHAKING"
	case Active:
		return "ACTIVE"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// AudioConfig is the channel/format/rate agreement exchanged during the
// handshake.
type AudioConfig struct {
	ChannelCount uint8
	SampleFormat uint8
	FrameSize    uint16
	SampleRate   uint32
}

// Session holds one stream's lifecycle state, its negotiated audio config,
// and its installed AEAD cipher. The zero value is an Empty session ready
// for a handshake. Safe for concurrent use.
type Session struct {
	mu sync.RWMutex

	state State

	streamID   uint8
	remoteAddr *net.UDPAddr
	cipher     *crypto.SessionCipher
	audio      AudioConfig

	createdAt     time.Time
	lastActivity  time.Time
	lastHeartbeat time.Time
}

// New returns an Empty session.
func New() *Session {
	return &Session{state: Empty}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StreamID returns the session's assigned stream id. Only meaningful once
// the session has left Empty.
func (s *Session) StreamID() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamID
}

// RemoteAddr returns the peer address associated with this session.
func (s *Session) RemoteAddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteAddr
}

// AudioConfig returns the negotiated audio configuration.
func (s *Session) AudioConfig() AudioConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audio
}

// Cipher returns the session's installed AEAD cipher, or nil if the
// session has not completed a handshake.
func (s *Session) Cipher() *crypto.SessionCipher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cipher
}

// ErrNotEmpty is returned by BeginHandshake when the session is already
// occupied.
var ErrNotEmpty = fmt.Errorf("session: slot is not empty")

// BeginHandshake transitions Empty -> Handshaking and records the peer
// address the handshake is being conducted with. Fails if the session is
// not currently Empty, matching the sink's first-EMPTY-wins admission
// policy and the source's single IDLE -> HANDSHAKING transition.
func (s *Session) BeginHandshake(remoteAddr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Empty {
		return ErrNotEmpty
	}
	s.state = Handshaking
	s.remoteAddr = remoteAddr
	now := time.Now()
	s.createdAt = now
	s.lastHeartbeat = now
	return nil
}

// CompleteHandshake transitions Handshaking -> Active, installing the
// stream id, negotiated audio config, and AEAD cipher. It resets the
// activity and heartbeat clocks.
func (s *Session) CompleteHandshake(streamID uint8, audio AudioConfig, cipher *crypto.SessionCipher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Handshaking {
		return fmt.Errorf("session: CompleteHandshake called in state %s", s.state)
	}
	s.streamID = streamID
	s.audio = audio
	s.cipher = cipher
	now := time.Now()
	s.lastActivity = now
	s.lastHeartbeat = now
	s.state = Active
	return nil
}

// AbortHandshake reverts a Handshaking session to Empty after a failure in
// the key-derivation or audio-open path. No response is sent to the peer.
func (s *Session) AbortHandshake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// Touch records activity on an Active session, used whenever an
// AEAD-verified STREAM_DATA or STREAM_HEARTBEAT is received.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Active {
		s.lastActivity = time.Now()
	}
}

// IdleDuration returns how long it has been since the session last saw
// activity.
func (s *Session) IdleDuration(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastActivity)
}

// DueForHeartbeat reports whether interval has elapsed since the last
// heartbeat was sent, and if so updates the heartbeat clock to now.
func (s *Session) DueForHeartbeat(now time.Time, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastHeartbeat) < interval {
		return false
	}
	s.lastHeartbeat = now
	return true
}

// MarkHeartbeat resets the heartbeat clock to now. The source side calls
// this on receipt of STREAM_HEARTBEAT (a HANDSHAKE_RESPONSE resets the same
// clock through CompleteHandshake): on that side the clock tracks "last
// heard from peer", the mirror image of the sink's "last sent to peer" use
// above.
func (s *Session) MarkHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = time.Now()
}

// HeartbeatIdleDuration returns how long it has been since the heartbeat
// clock was last reset by DueForHeartbeat, MarkHeartbeat, BeginHandshake,
// CompleteHandshake, or RestartHandshake.
func (s *Session) HeartbeatIdleDuration(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastHeartbeat)
}

// Terminate transitions Active -> Closed. The caller is responsible for
// stopping the audio stream and then calling Reset to free the slot.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Active || s.state == Handshaking {
		s.state = Closed
	}
}

// Reset clears the session back to Empty, ready for reuse. Called once
// teardown (audio stop, decoder release) has completed.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// reset must be called with mu held.
func (s *Session) reset() {
	s.state = Empty
	s.streamID = 0
	s.remoteAddr = nil
	s.cipher = nil
	s.audio = AudioConfig{}
}

// RestartHandshake moves a source session from Handshaking or Active back
// to Handshaking after a heartbeat timeout, clearing the installed cipher
// so stale nonces are never reused against a fresh session secret.
func (s *Session) RestartHandshake(remoteAddr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Handshaking
	s.remoteAddr = remoteAddr
	s.cipher = nil
	now := time.Now()
	s.lastHeartbeat = now
}

// Encode produces the STREAM_DATA inner message for a freshly encoded Opus
// frame, wraps it under a fresh AEAD seal, and returns the CRYPTO packet
// ready to be encoded onto the wire.
func (s *Session) Encode(opusPayload []byte, frameSize uint16) (*protocol.CryptoPacket, error) {
	cipher := s.Cipher()
	if cipher == nil {
		return nil, fmt.Errorf("session: Encode called before handshake completed")
	}

	data := &protocol.StreamData{FrameSize: frameSize, Payload: opusPayload}
	nonce, ciphertext, err := cipher.Seal(data.EncodeInner())
	if err != nil {
		return nil, err
	}

	return &protocol.CryptoPacket{
		StreamID:   s.StreamID(),
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Decode verifies and decrypts a CRYPTO packet's ciphertext and returns the
// parsed inner message.
func (s *Session) Decode(pkt *protocol.CryptoPacket) (*protocol.InnerMessage, error) {
	cipher := s.Cipher()
	if cipher == nil {
		return nil, fmt.Errorf("session: Decode called before handshake completed")
	}

	plaintext, err := cipher.Open(pkt.Nonce, pkt.Ciphertext)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeInner(plaintext)
}
