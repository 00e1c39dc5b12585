package crypto

import (
	"crypto/aes"
	"fmt"
)

// IGEBlockSize is the cipher block size of AES-256-IGE.
const IGEBlockSize = aes.BlockSize

// IGEEncrypt encrypts src into dst using AES-256 in IGE mode. The key must be
// 32 bytes, the IV 32 bytes (two cipher blocks) and len(src) a multiple of
// the block size. dst and src may be the same slice.
func IGEEncrypt(key, iv, dst, src []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	if err := checkIGEArgs(iv, dst, src); err != nil {
		return err
	}

	var prevCipher, prevPlain [IGEBlockSize]byte
	copy(prevCipher[:], iv[:IGEBlockSize])
	copy(prevPlain[:], iv[IGEBlockSize:])

	var tmp, plain [IGEBlockSize]byte
	for i := 0; i < len(src); i += IGEBlockSize {
		copy(plain[:], src[i:i+IGEBlockSize])
		for j := range tmp {
			tmp[j] = plain[j] ^ prevCipher[j]
		}
		block.Encrypt(tmp[:], tmp[:])
		for j := range tmp {
			tmp[j] ^= prevPlain[j]
		}
		copy(dst[i:i+IGEBlockSize], tmp[:])
		prevCipher = tmp
		prevPlain = plain
	}
	return nil
}

// IGEDecrypt decrypts src into dst using AES-256 in IGE mode. Arguments
// follow the same rules as [IGEEncrypt].
func IGEDecrypt(key, iv, dst, src []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	if err := checkIGEArgs(iv, dst, src); err != nil {
		return err
	}

	var prevCipher, prevPlain [IGEBlockSize]byte
	copy(prevCipher[:], iv[:IGEBlockSize])
	copy(prevPlain[:], iv[IGEBlockSize:])

	var tmp, cipherBlock [IGEBlockSize]byte
	for i := 0; i < len(src); i += IGEBlockSize {
		copy(cipherBlock[:], src[i:i+IGEBlockSize])
		for j := range tmp {
			tmp[j] = cipherBlock[j] ^ prevPlain[j]
		}
		block.Decrypt(tmp[:], tmp[:])
		for j := range tmp {
			tmp[j] ^= prevCipher[j]
		}
		copy(dst[i:i+IGEBlockSize], tmp[:])
		prevPlain = tmp
		prevCipher = cipherBlock
	}
	return nil
}

func checkIGEArgs(iv, dst, src []byte) error {
	if len(iv) != 2*IGEBlockSize {
		return fmt.Errorf("ige: iv must be %d bytes, got %d", 2*IGEBlockSize, len(iv))
	}
	if len(src)%IGEBlockSize != 0 {
		return fmt.Errorf("ige: data length %d is not a multiple of the block size", len(src))
	}
	if len(dst) < len(src) {
		return fmt.Errorf("ige: dst too small: %d < %d", len(dst), len(src))
	}
	return nil
}
