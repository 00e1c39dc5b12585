// Package crypto implements the cryptographic primitives for the protocol:
// the negotiated authorization key and its fingerprint, AES-256-IGE block
// encryption, the v1 (SHA-1) and v2 (SHA-256) key-derivation functions used
// to frame encrypted packets, PQ factorization and finite-field
// Diffie-Hellman for key negotiation, and the padded RSA encryption applied
// to the handshake's inner data.
//
// All functions in this package are pure: they own no connection state and
// are safe for concurrent use. Time-dependent callers share the injectable
// [TimeProvider] so tests can drive clocks deterministically.
package crypto
