package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	var stream bytes.Buffer
	w := NewCodec(&stream, SideClient)
	r := NewCodec(&stream, SideServer)

	require.NoError(t, w.WriteFrame([]byte("hello"), false))
	require.NoError(t, w.WriteFrame([]byte("world!!"), true))

	frame, _, isAck, err := r.ReadFrame()
	require.NoError(t, err)
	require.False(t, isAck)
	assert.Equal(t, []byte("hello"), frame)

	// The quick-ack request bit lives in the length word, which the codec
	// strips; only the token path reports isAck.
	frame, _, isAck, err = r.ReadFrame()
	require.NoError(t, err)
	require.False(t, isAck)
	assert.Equal(t, []byte("world!!"), frame)
}

func TestCodecQuickAckToken(t *testing.T) {
	var stream bytes.Buffer
	w := NewCodec(&stream, SideServer) // the server sends tokens, no marker
	r := NewCodec(&stream, SideClient)

	require.NoError(t, w.WriteQuickAck(0x89abcdef))
	_, token, isAck, err := r.ReadFrame()
	require.NoError(t, err)
	require.True(t, isAck)
	assert.Equal(t, uint32(0x89abcdef), token)
}

func TestCodecResumesAfterTimeout(t *testing.T) {
	var stream bytes.Buffer
	w := NewCodec(&stream, SideClient)
	require.NoError(t, w.WriteFrame([]byte("split-frame"), false))
	full := append([]byte(nil), stream.Bytes()...)

	// Deliver the stream in two halves with a timeout in between.
	conn := &fakeConn{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	r := NewCodec(conn, SideServer)
	conn.in.Write(full[:7])
	_, _, _, err := r.ReadFrame()
	require.Error(t, err)

	conn.in.Write(full[7:])
	frame, _, isAck, err := r.ReadFrame()
	require.NoError(t, err)
	require.False(t, isAck)
	assert.Equal(t, []byte("split-frame"), frame)
}

func TestCodecRejectsOversizedFrames(t *testing.T) {
	var stream bytes.Buffer
	w := NewCodec(&stream, SideServer)
	assert.ErrorIs(t, w.WriteFrame(make([]byte, maxFrameSize+1), false), ErrFrameTooLarge)
}

func TestCodecRejectsBadMarker(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{1, 2, 3, 4})
	r := NewCodec(&stream, SideServer)
	_, _, _, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrMalformedPacket)
}
