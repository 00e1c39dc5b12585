package transport

import "errors"

var (
	// ErrAuthKeyEmpty is returned when an encrypted packet arrives before
	// any auth key is installed.
	ErrAuthKeyEmpty = errors.New("auth key is empty")

	// ErrKeyFingerprintMismatch is returned when a packet names an auth key
	// this connection does not hold.
	ErrKeyFingerprintMismatch = errors.New("auth key fingerprint mismatch")

	// ErrMessageKeyMismatch is returned when the recomputed message key
	// disagrees with the one on the wire. The packet must be discarded
	// without processing any of its fields.
	ErrMessageKeyMismatch = errors.New("message key mismatch")

	// ErrMalformedPacket is returned for any structural violation: short
	// frames, misaligned lengths, or out-of-range padding.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrConnectionFailed is returned by every call after the first I/O
	// failure latched the connection.
	ErrConnectionFailed = errors.New("connection already failed")

	// ErrFrameTooLarge is returned when a frame announces a length above
	// the protocol bound.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// RemoteCloseError is a framing-level error code pushed by the peer in
// place of a packet.
type RemoteCloseError struct {
	Code int32
}

func (e *RemoteCloseError) Error() string {
	switch e.Code {
	case CodeFlood:
		return "peer closed connection: too many requests"
	case CodeAuthKeyUnregistered:
		return "peer closed connection: key not registered, reconnection is pointless"
	default:
		return "peer closed connection"
	}
}

// Framing-level close codes.
const (
	CodeFlood               int32 = -429
	CodeAuthKeyUnregistered int32 = -404
)
