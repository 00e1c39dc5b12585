package crypto

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
)

// QuickAckBit is set on every quick-acknowledgement token so it can be told
// apart from a frame length on the wire.
const QuickAckBit = uint32(1) << 31

// KDF derives the v1 AES key and IV from the authorization key and message
// key. x selects the key slice: 0 for client-to-server traffic, 8 for
// server-to-client.
func KDF(authKey []byte, msgKey []byte, x int) (aesKey, aesIV [32]byte) {
	var buf [48]byte

	copy(buf[:16], msgKey)
	copy(buf[16:48], authKey[x:x+32])
	a := sha1.Sum(buf[:])

	copy(buf[:16], authKey[x+32:x+48])
	copy(buf[16:32], msgKey)
	copy(buf[32:48], authKey[x+48:x+64])
	b := sha1.Sum(buf[:])

	copy(buf[:32], authKey[64+x:64+x+32])
	copy(buf[32:48], msgKey)
	c := sha1.Sum(buf[:])

	copy(buf[:16], msgKey)
	copy(buf[16:48], authKey[96+x:96+x+32])
	d := sha1.Sum(buf[:])

	copy(aesKey[0:8], a[0:8])
	copy(aesKey[8:20], b[8:20])
	copy(aesKey[20:32], c[4:16])

	copy(aesIV[0:12], a[8:20])
	copy(aesIV[12:20], b[0:8])
	copy(aesIV[20:24], c[16:20])
	copy(aesIV[24:32], d[0:8])
	return aesKey, aesIV
}

// KDF2 derives the v2 AES key and IV from the authorization key and message
// key. x follows the same convention as [KDF].
func KDF2(authKey []byte, msgKey []byte, x int) (aesKey, aesIV [32]byte) {
	var buf [52]byte

	// sha256_a = SHA256(msg_key + substr(auth_key, x, 36))
	copy(buf[:16], msgKey)
	copy(buf[16:52], authKey[x:x+36])
	a := sha256.Sum256(buf[:])

	// sha256_b = SHA256(substr(auth_key, 40+x, 36) + msg_key)
	copy(buf[:36], authKey[40+x:40+x+36])
	copy(buf[36:52], msgKey)
	b := sha256.Sum256(buf[:])

	copy(aesKey[0:8], a[0:8])
	copy(aesKey[8:24], b[8:24])
	copy(aesKey[24:32], a[24:32])

	copy(aesIV[0:8], b[0:8])
	copy(aesIV[8:24], a[8:24])
	copy(aesIV[24:32], b[24:32])
	return aesKey, aesIV
}

// MessageKeyV1 computes the v1 message key and quick-ack token as the SHA-1
// of the plaintext from the salt through the payload (padding excluded).
func MessageKeyV1(plaintext []byte) (ack uint32, msgKey [16]byte) {
	digest := sha1.Sum(plaintext)
	copy(msgKey[:], digest[4:20])
	return binary.LittleEndian.Uint32(digest[0:4]) | QuickAckBit, msgKey
}

// MessageKeyV2 computes the v2 message key and quick-ack token:
// msg_key_large = SHA256(substr(auth_key, 88+x, 32) + plaintext_with_padding),
// msg_key = substr(msg_key_large, 8, 16).
func MessageKeyV2(authKey []byte, plaintext []byte, x int) (ack uint32, msgKey [16]byte) {
	h := sha256.New()
	h.Write(authKey[88+x : 88+x+32])
	h.Write(plaintext)
	var large [32]byte
	h.Sum(large[:0])
	copy(msgKey[:], large[8:24])
	return binary.LittleEndian.Uint32(large[0:4]) | QuickAckBit, msgKey
}

// TmpKDF derives the temporary AES key and IV protecting the handshake's
// server DH answer from the two negotiation nonces.
func TmpKDF(serverNonce [16]byte, newNonce [32]byte) (aesKey, aesIV [32]byte) {
	var buf [64]byte

	// tmp_aes_key = SHA1(new_nonce + server_nonce) + substr(SHA1(server_nonce + new_nonce), 0, 12)
	copy(buf[:32], newNonce[:])
	copy(buf[32:48], serverNonce[:])
	newServer := sha1.Sum(buf[:48])

	copy(buf[:16], serverNonce[:])
	copy(buf[16:48], newNonce[:])
	serverNew := sha1.Sum(buf[:48])

	copy(aesKey[:20], newServer[:])
	copy(aesKey[20:32], serverNew[:12])

	// tmp_aes_iv = substr(SHA1(server_nonce + new_nonce), 12, 8) + SHA1(new_nonce + new_nonce) + substr(new_nonce, 0, 4)
	copy(aesIV[0:8], serverNew[12:20])
	copy(buf[:32], newNonce[:])
	copy(buf[32:64], newNonce[:])
	newNew := sha1.Sum(buf[:64])
	copy(aesIV[8:28], newNew[:])
	copy(aesIV[28:32], newNonce[:4])
	return aesKey, aesIV
}
