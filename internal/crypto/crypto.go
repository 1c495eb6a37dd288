// Package crypto implements the session handshake and AEAD transport used
// to protect audio data in flight: X25519 key exchange, a BLAKE2b-keyed
// derivation of the session secret, and XChaCha20-Poly1305 sealing with a
// per-session monotonic nonce and sliding replay window.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of an X25519 key and the derived session secret, in bytes.
	KeySize = 32

	// NonceSize is the size of the XChaCha20-Poly1305 nonce carried on the wire.
	NonceSize = chacha20poly1305.NonceSizeX

	// SeqSize is the number of leading nonce bytes that carry the big-endian
	// send sequence; the remaining NonceSize-SeqSize bytes are random.
	SeqSize = 8

	// TagSize is the size of the Poly1305 authentication tag.
	TagSize = chacha20poly1305.Overhead

	// kdfPersonalization binds derived keys to this protocol so a secret
	// derived here can never collide with one derived by an unrelated use
	// of the same shared ECDH output.
	kdfPersonalization = "remoteaudio-session-kdf-v1"

	// replayWindowSize is the number of recent sequence numbers tracked per
	// direction to reject replayed or duplicated datagrams.
	replayWindowSize = 32
)

var zeroKey [KeySize]byte

// GenerateKeypair generates a new X25519 keypair. The sink and source each
// keep one keypair for the life of the process and reuse it for every
// handshake; ZeroKey clears a private key once it is no longer needed.
func GenerateKeypair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return privateKey, publicKey, fmt.Errorf("generate private key: %w", err)
	}

	privateKey[0] &= 248
	privateKey[31] &= 127
	privateKey[31] |= 64

	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return privateKey, publicKey, nil
}

// ComputeSharedSecret performs the X25519 Diffie-Hellman exchange and
// rejects the all-zero (low-order) result that can arise from an invalid
// or malicious peer public key.
func ComputeSharedSecret(privateKey, peerPublicKey [KeySize]byte) ([KeySize]byte, error) {
	var sharedSecret [KeySize]byte

	if peerPublicKey == zeroKey {
		return sharedSecret, fmt.Errorf("%w: peer public key is zero", ErrKdfFailed)
	}

	curve25519.ScalarMult(&sharedSecret, &privateKey, &peerPublicKey)

	if sharedSecret == zeroKey {
		return sharedSecret, fmt.Errorf("%w: low-order ECDH result", ErrKdfFailed)
	}

	return sharedSecret, nil
}

// DeriveSessionSecret mixes the ECDH shared secret through a BLAKE2b-256
// keyed hash to produce the session AEAD key. The two public keys are fed
// in role order: the server (sink) mixes its own public key before the
// peer's; the client (source) mixes the peer's public key before its own.
// This ordering, not the labels "client"/"server", is what the derivation
// depends on, so both sides converge on the same secret.
func DeriveSessionSecret(sharedSecret [KeySize]byte, ownPublicKey, peerPublicKey [KeySize]byte, isServer bool) ([KeySize]byte, error) {
	h, err := blake2b.New256(sharedSecret[:])
	if err != nil {
		return zeroKey, fmt.Errorf("%w: %v", ErrKdfFailed, err)
	}
	if _, err := h.Write([]byte(kdfPersonalization)); err != nil {
		return zeroKey, fmt.Errorf("%w: %v", ErrKdfFailed, err)
	}

	if isServer {
		h.Write(ownPublicKey[:])
		h.Write(peerPublicKey[:])
	} else {
		h.Write(peerPublicKey[:])
		h.Write(ownPublicKey[:])
	}

	var secret [KeySize]byte
	copy(secret[:], h.Sum(nil))
	return secret, nil
}

// SessionCipher seals and opens the stream's CRYPTO payloads. It owns a
// monotonically increasing send sequence and a sliding replay window over
// the sequences it has accepted on receive. Safe for concurrent use.
type SessionCipher struct {
	aead    cipher.AEAD
	sendSeq uint64

	mu       sync.Mutex
	highSeq  uint64
	seenMask uint32 // bit i set => highSeq-i has been accepted, i in [0, replayWindowSize)
}

// NewSessionCipher constructs a SessionCipher from a derived session secret.
func NewSessionCipher(secret [KeySize]byte) (*SessionCipher, error) {
	aead, err := chacha20poly1305.NewX(secret[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKdfFailed, err)
	}
	return &SessionCipher{aead: aead, highSeq: ^uint64(0)}, nil
}

// Seal encrypts plaintext under the next send sequence and returns the
// nonce that was used alongside the ciphertext (with appended tag).
func (s *SessionCipher) Seal(plaintext []byte) (nonce [NonceSize]byte, ciphertext []byte, err error) {
	s.mu.Lock()
	seq := s.sendSeq
	s.sendSeq++
	s.mu.Unlock()

	putSeq(nonce[:SeqSize], seq)
	if _, err := io.ReadFull(rand.Reader, nonce[SeqSize:]); err != nil {
		return nonce, nil, fmt.Errorf("generate nonce randomness: %w", err)
	}

	ciphertext = s.aead.Seal(nil, nonce[:], plaintext, nil)
	return nonce, ciphertext, nil
}

// Open decrypts ciphertext sealed with Seal, rejecting any sequence that
// falls outside or has already been seen within the replay window. The
// window state (highSeq, seenMask) is only committed once the AEAD tag has
// verified: a forged packet carrying an arbitrary sequence number must not
// be able to move the high-water mark and wedge out legitimate packets
// behind it, so checkSeq below computes the would-be next state without
// mutating the receiver, and that state is only installed on success.
func (s *SessionCipher) Open(nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	seq := getSeq(nonce[:SeqSize])

	s.mu.Lock()
	nextHighSeq, nextSeenMask, err := s.checkSeq(seq)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	plaintext, err := s.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the lock: a concurrent Open may have accepted this
	// sequence, or moved the window, while the AEAD check ran unlocked.
	nextHighSeq, nextSeenMask, err = s.checkSeq(seq)
	if err != nil {
		return nil, err
	}
	s.highSeq = nextHighSeq
	s.seenMask = nextSeenMask

	return plaintext, nil
}

// checkSeq must be called with mu held. It reports whether seq is
// acceptable under the replay window and, if so, the highSeq/seenMask the
// caller should commit after the packet also passes AEAD verification. It
// never mutates s itself, so a packet that fails verification leaves the
// window exactly as it found it.
func (s *SessionCipher) checkSeq(seq uint64) (highSeq uint64, seenMask uint32, err error) {
	if s.highSeq == ^uint64(0) && s.seenMask == 0 {
		// First packet ever accepted; initialize the window at seq.
		return seq, 1, nil
	}

	if seq > s.highSeq {
		shift := seq - s.highSeq
		mask := s.seenMask
		if shift >= replayWindowSize {
			mask = 0
		} else {
			mask <<= shift
		}
		mask |= 1
		return seq, mask, nil
	}

	age := s.highSeq - seq
	if age >= replayWindowSize {
		return 0, 0, fmt.Errorf("%w: sequence %d too old", ErrReplayRejected, seq)
	}
	bit := uint32(1) << age
	if s.seenMask&bit != 0 {
		return 0, 0, fmt.Errorf("%w: sequence %d already seen", ErrReplayRejected, seq)
	}
	return s.highSeq, s.seenMask | bit, nil
}

func putSeq(b []byte, seq uint64) {
	for i := 0; i < SeqSize; i++ {
		b[SeqSize-1-i] = byte(seq >> (8 * i))
	}
}

func getSeq(b []byte) uint64 {
	var seq uint64
	for i := 0; i < SeqSize; i++ {
		seq = seq<<8 | uint64(b[i])
	}
	return seq
}

// ZeroBytes overwrites b with zeroes. Use it to clear ephemeral private
// keys and shared secrets once they have been consumed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey overwrites k with zeroes.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
