package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestKDFDirectionsDiffer(t *testing.T) {
	authKey := testAuthKey(t)
	msgKey := make([]byte, 16)
	_, err := rand.Read(msgKey)
	require.NoError(t, err)

	k0, iv0 := KDF(authKey, msgKey, 0)
	k8, iv8 := KDF(authKey, msgKey, 8)
	assert.NotEqual(t, k0, k8, "v1 keys for both directions collide")
	assert.NotEqual(t, iv0, iv8)

	k0b, iv0b := KDF(authKey, msgKey, 0)
	assert.Equal(t, k0, k0b, "v1 KDF is not deterministic")
	assert.Equal(t, iv0, iv0b)
}

func TestKDF2DirectionsDiffer(t *testing.T) {
	authKey := testAuthKey(t)
	msgKey := make([]byte, 16)
	_, err := rand.Read(msgKey)
	require.NoError(t, err)

	k0, iv0 := KDF2(authKey, msgKey, 0)
	k8, iv8 := KDF2(authKey, msgKey, 8)
	assert.NotEqual(t, k0, k8, "v2 keys for both directions collide")
	assert.NotEqual(t, iv0, iv8)
}

func TestMessageKeyV2(t *testing.T) {
	authKey := testAuthKey(t)
	plaintext := make([]byte, 96)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	ack, msgKey := MessageKeyV2(authKey, plaintext, 0)
	assert.NotZero(t, ack&QuickAckBit, "quick-ack token missing its marker bit")

	ackAgain, msgKeyAgain := MessageKeyV2(authKey, plaintext, 0)
	assert.Equal(t, ack, ackAgain)
	assert.Equal(t, msgKey, msgKeyAgain)

	// The server direction binds a different key slice.
	_, serverKey := MessageKeyV2(authKey, plaintext, 8)
	assert.NotEqual(t, msgKey, serverKey)

	plaintext[17] ^= 0x01
	_, tampered := MessageKeyV2(authKey, plaintext, 0)
	assert.NotEqual(t, msgKey, tampered, "msg_key ignores plaintext changes")
}

func TestMessageKeyV1(t *testing.T) {
	plaintext := make([]byte, 64)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	ack, msgKey := MessageKeyV1(plaintext)
	assert.NotZero(t, ack&QuickAckBit)

	plaintext[0] ^= 0x80
	_, tampered := MessageKeyV1(plaintext)
	assert.NotEqual(t, msgKey, tampered)
}

func TestTmpKDFDeterministic(t *testing.T) {
	var serverNonce [16]byte
	var newNonce [32]byte
	_, err := rand.Read(serverNonce[:])
	require.NoError(t, err)
	_, err = rand.Read(newNonce[:])
	require.NoError(t, err)

	k1, iv1 := TmpKDF(serverNonce, newNonce)
	k2, iv2 := TmpKDF(serverNonce, newNonce)
	assert.Equal(t, k1, k2)
	assert.Equal(t, iv1, iv2)

	newNonce[31] ^= 0xff
	k3, _ := TmpKDF(serverNonce, newNonce)
	assert.NotEqual(t, k1, k3)
}
