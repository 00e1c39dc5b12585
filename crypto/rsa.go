package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"math/big"

	"github.com/opd-ai/mtproto/tl"
)

const (
	// RSAPadDataLimit is the largest plaintext RSA_PAD can carry.
	RSAPadDataLimit = 144

	rsaPadPlainSize  = 192
	rsaPadBlockSize  = 256
	rsaTempKeySize   = 32
	rsaMaxEncryptTry = 16
)

// RSAKey is a public key together with its wire fingerprint.
type RSAKey struct {
	key         *rsa.PublicKey
	fingerprint uint64
}

// ParseRSAKey reads a PEM-encoded RSA public key and computes its
// fingerprint.
func ParseRSAKey(pemData []byte) (*RSAKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in key data")
	}
	var pub *rsa.PublicKey
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#1 public key: %w", err)
		}
		pub = key
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKIX public key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", key)
		}
		pub = rsaKey
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
	if pub.Size() != rsaPadBlockSize {
		return nil, fmt.Errorf("RSA modulus is %d bytes, want %d", pub.Size(), rsaPadBlockSize)
	}
	return &RSAKey{key: pub, fingerprint: rsaFingerprint(pub)}, nil
}

// Fingerprint returns the key's wire fingerprint: the low 8 bytes of the
// SHA-1 over the serialized modulus and exponent.
func (k *RSAKey) Fingerprint() uint64 { return k.fingerprint }

func rsaFingerprint(pub *rsa.PublicKey) uint64 {
	var w tl.Writer
	w.PutString(pub.N.Bytes())
	w.PutString(big.NewInt(int64(pub.E)).Bytes())
	digest := sha1.Sum(w.Bytes())
	return binary.LittleEndian.Uint64(digest[12:20])
}

// EncryptPad encrypts data with the RSA_PAD construction: the plaintext is
// padded and reversed, bound to a throwaway AES key with a SHA-256 hash,
// encrypted with AES-IGE, and the throwaway key is masked with the hash of
// the ciphertext before the whole block goes through raw RSA.
func (k *RSAKey) EncryptPad(data []byte) ([]byte, error) {
	if len(data) > RSAPadDataLimit {
		return nil, fmt.Errorf("RSA_PAD plaintext is %d bytes, limit %d", len(data), RSAPadDataLimit)
	}

	padded := make([]byte, rsaPadPlainSize)
	copy(padded, data)
	if _, err := rand.Read(padded[len(data):]); err != nil {
		return nil, fmt.Errorf("generating padding: %w", err)
	}
	reversed := make([]byte, rsaPadPlainSize)
	for i, b := range padded {
		reversed[rsaPadPlainSize-1-i] = b
	}

	for try := 0; try < rsaMaxEncryptTry; try++ {
		var tempKey [rsaTempKeySize]byte
		if _, err := rand.Read(tempKey[:]); err != nil {
			return nil, fmt.Errorf("generating temp key: %w", err)
		}

		h := sha256.New()
		h.Write(tempKey[:])
		h.Write(padded)
		withHash := make([]byte, 0, rsaPadPlainSize+sha256.Size)
		withHash = append(withHash, reversed...)
		withHash = h.Sum(withHash)

		encrypted := make([]byte, len(withHash))
		var zeroIV [IGEBlockSize * 2]byte
		if err := IGEEncrypt(tempKey[:], zeroIV[:], encrypted, withHash); err != nil {
			return nil, err
		}

		mask := sha256.Sum256(encrypted)
		block := make([]byte, 0, rsaPadBlockSize)
		for i := range tempKey {
			block = append(block, tempKey[i]^mask[i])
		}
		block = append(block, encrypted...)

		m := new(big.Int).SetBytes(block)
		if m.Cmp(k.key.N) >= 0 {
			continue
		}
		c := new(big.Int).Exp(m, big.NewInt(int64(k.key.E)), k.key.N)
		out := make([]byte, rsaPadBlockSize)
		c.FillBytes(out)
		return out, nil
	}
	return nil, fmt.Errorf("RSA_PAD encryption did not converge")
}
