package crypto

import (
	"crypto/sha1"
	"encoding/binary"
)

// KeySize is the byte length of a negotiated authorization key.
const KeySize = 256

// AuthKey is a negotiated shared secret together with its fingerprint and
// lifecycle metadata. The zero value is the empty key.
//
// Two keys may exist per connection when perfect forward secrecy is enabled:
// a long-lived main key and a short-lived temporary key bound to it. The
// AuthFlag records whether the key has been accepted by the peer (for the
// main key: logged in; for a temporary key: bound to the main key).
type AuthKey struct {
	id        uint64
	key       []byte
	authFlag  bool
	createdAt float64
	expiresAt float64
}

// NewAuthKey builds an AuthKey from raw key material, deriving its
// fingerprint from the low 8 bytes of the key's SHA-1 digest.
func NewAuthKey(key []byte) AuthKey {
	digest := sha1.Sum(key)
	return AuthKey{
		id:  binary.LittleEndian.Uint64(digest[12:20]),
		key: key,
	}
}

// Empty reports whether no key material is present.
func (k *AuthKey) Empty() bool { return len(k.key) == 0 }

// ID returns the key fingerprint sent in the clear with every packet.
func (k *AuthKey) ID() uint64 { return k.id }

// Key returns the raw key material.
func (k *AuthKey) Key() []byte { return k.key }

// AuthFlag reports whether the key has been accepted by the peer.
func (k *AuthKey) AuthFlag() bool { return k.authFlag }

// SetAuthFlag marks the key as accepted or revoked.
func (k *AuthKey) SetAuthFlag(flag bool) { k.authFlag = flag }

// CreatedAt returns the server-time creation stamp, in epoch seconds.
func (k *AuthKey) CreatedAt() float64 { return k.createdAt }

// SetCreatedAt records the server-time creation stamp.
func (k *AuthKey) SetCreatedAt(at float64) { k.createdAt = at }

// ExpiresAt returns the expiry stamp, or 0 for keys that do not expire.
func (k *AuthKey) ExpiresAt() float64 { return k.expiresAt }

// SetExpiresAt records the expiry stamp for a temporary key.
func (k *AuthKey) SetExpiresAt(at float64) { k.expiresAt = at }
