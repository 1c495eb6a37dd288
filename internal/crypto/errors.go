package crypto

import "errors"

// Sentinel errors. None of these are fatal to a session; the caller logs,
// counts, and drops the offending packet.
var (
	ErrKdfFailed      = errors.New("crypto: key derivation failed")
	ErrAuthFailed     = errors.New("crypto: authentication failed")
	ErrReplayRejected = errors.New("crypto: replayed or duplicate sequence")
)
