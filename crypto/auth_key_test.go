package crypto

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuthKeyID(t *testing.T) {
	raw := make([]byte, KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	key := NewAuthKey(raw)
	digest := sha1.Sum(raw)
	assert.Equal(t, binary.LittleEndian.Uint64(digest[12:20]), key.ID())
	assert.Equal(t, raw, key.Key())
	assert.False(t, key.Empty())
}

func TestAuthKeyEmpty(t *testing.T) {
	var key AuthKey
	assert.True(t, key.Empty())
	assert.Zero(t, key.ID())
}

func TestAuthKeyFlags(t *testing.T) {
	raw := make([]byte, KeySize)
	raw[0] = 1
	key := NewAuthKey(raw)

	assert.False(t, key.AuthFlag())
	key.SetAuthFlag(true)
	assert.True(t, key.AuthFlag())

	key.SetExpiresAt(125.0)
	assert.InDelta(t, 125.0, key.ExpiresAt(), 1e-9)
	key.SetCreatedAt(100.0)
	assert.InDelta(t, 100.0, key.CreatedAt(), 1e-9)
}
