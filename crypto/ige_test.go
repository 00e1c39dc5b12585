package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIGERoundTrip(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, IGEBlockSize*2)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	for _, blocks := range []int{1, 2, 7, 64} {
		src := make([]byte, blocks*IGEBlockSize)
		_, err := rand.Read(src)
		require.NoError(t, err)

		ct := make([]byte, len(src))
		require.NoError(t, IGEEncrypt(key, iv, ct, src))
		assert.False(t, bytes.Equal(ct, src), "ciphertext equals plaintext")

		pt := make([]byte, len(ct))
		require.NoError(t, IGEDecrypt(key, iv, pt, ct))
		assert.Equal(t, src, pt)
	}
}

func TestIGEChainsBlocks(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, IGEBlockSize*2)

	src := make([]byte, 4*IGEBlockSize)
	ct := make([]byte, len(src))
	require.NoError(t, IGEEncrypt(key, iv, ct, src))

	// Identical plaintext blocks must not produce identical ciphertext
	// blocks under IGE chaining.
	assert.NotEqual(t, ct[:IGEBlockSize], ct[IGEBlockSize:2*IGEBlockSize])
}

func TestIGERejectsBadArgs(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, IGEBlockSize*2)
	buf := make([]byte, IGEBlockSize)

	tests := []struct {
		name string
		run  func() error
	}{
		{"short key", func() error { return IGEEncrypt(key[:16], iv, buf, buf) }},
		{"short iv", func() error { return IGEEncrypt(key, iv[:16], buf, buf) }},
		{"unaligned src", func() error { return IGEEncrypt(key, iv, buf, buf[:10]) }},
		{"short dst", func() error {
			return IGEEncrypt(key, iv, make([]byte, IGEBlockSize-1), buf)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.run())
		})
	}
}
