// Package transport implements the wire framing for the protocol: the
// encrypted and unencrypted packet envelopes, the stream codec that delimits
// packets on a TCP byte stream, and RawConnection, which owns one socket and
// moves complete packets in both directions.
//
// The envelope layer is pure: it transforms byte slices and never touches
// I/O. RawConnection composes the codec with the envelope and adds quick-ack
// token correlation and fail-fast error latching.
package transport
