package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mtproto/tl"
)

func TestContainerRoundTrip(t *testing.T) {
	sub1 := buildSubMessage(4, 1, []byte{0xde, 0xad, 0xbe, 0xef})
	sub2 := buildSubMessage(8, 3, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	payload := buildContainer([][]byte{sub1, sub2})

	items, err := parseContainer(payload)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, MessageID(4), items[0].ID)
	assert.Equal(t, uint32(1), items[0].SeqNo)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, items[0].Payload)
	assert.Equal(t, MessageID(8), items[1].ID)
	assert.Len(t, items[1].Payload, 8)
}

func TestParseContainerRejectsTruncated(t *testing.T) {
	var w tl.Writer
	w.PutUint32(tagMsgContainer)
	w.PutInt(1)
	w.PutUint64(4)
	w.PutUint32(1)
	w.PutInt(100) // claims more bytes than follow
	_, err := parseContainer(w.Bytes())
	assert.Error(t, err)
}

func TestGzipRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("service message "), 64)
	packed := gzipPack(payload)
	assert.Equal(t, tagGzipPacked, peekTag(packed))
	assert.Less(t, len(packed), len(payload))

	unpacked, err := gzipUnpack(packed)
	require.NoError(t, err)
	assert.Equal(t, payload, unpacked)
}

func TestGzipUnpackRejectsWrongTag(t *testing.T) {
	_, err := gzipUnpack([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.Error(t, err)
}

func TestWrapInvokeAfter(t *testing.T) {
	query := []byte{0xaa, 0xbb, 0xcc, 0xdd}

	t.Run("none", func(t *testing.T) {
		assert.Equal(t, query, wrapInvokeAfter(query, nil))
	})

	t.Run("single", func(t *testing.T) {
		wrapped := wrapInvokeAfter(query, []MessageID{44})
		r := tl.NewReader(wrapped)
		assert.Equal(t, tagInvokeAfterMsg, r.ReadUint32())
		assert.Equal(t, uint64(44), r.ReadUint64())
		assert.Equal(t, query, r.ReadRaw(r.Remaining()))
		require.NoError(t, r.Err())
	})

	t.Run("multiple", func(t *testing.T) {
		wrapped := wrapInvokeAfter(query, []MessageID{44, 48})
		r := tl.NewReader(wrapped)
		assert.Equal(t, tagInvokeAfterMsgs, r.ReadUint32())
		assert.Equal(t, []int64{44, 48}, r.ReadVectorLong())
		assert.Equal(t, query, r.ReadRaw(r.Remaining()))
		require.NoError(t, r.Err())
	})
}

func TestParseBadMsgNotificationVariants(t *testing.T) {
	var w tl.Writer
	w.PutUint32(tagBadMsgNotify)
	w.PutUint64(1024)
	w.PutUint32(3)
	w.PutInt(17)
	m, err := parseBadMsgNotification(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, MessageID(1024), m.BadMsgID)
	assert.Equal(t, int32(17), m.Code)
	assert.False(t, m.HasSalt)

	w = tl.Writer{}
	w.PutUint32(tagBadServerSalt)
	w.PutUint64(2048)
	w.PutUint32(1)
	w.PutInt(48)
	w.PutUint64(0xfeedface)
	m, err = parseBadMsgNotification(w.Bytes())
	require.NoError(t, err)
	assert.True(t, m.HasSalt)
	assert.Equal(t, uint64(0xfeedface), m.NewSalt)
}

func TestParseFutureSalts(t *testing.T) {
	var w tl.Writer
	w.PutUint32(tagFutureSalts)
	w.PutUint64(512)
	w.PutInt(1700000000)
	w.PutInt(2)
	w.PutInt(1700000100)
	w.PutInt(1700001900)
	w.PutUint64(7)
	w.PutInt(1700001800)
	w.PutInt(1700003600)
	w.PutUint64(9)

	m, err := parseFutureSalts(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, MessageID(512), m.ReqMsgID)
	assert.Equal(t, int32(1700000000), m.Now)
	require.Len(t, m.Salts, 2)
	assert.Equal(t, uint64(7), m.Salts[0].Salt)
	assert.Equal(t, float64(1700000100), m.Salts[0].ValidSince)
	assert.Equal(t, uint64(9), m.Salts[1].Salt)
}

func TestMsgsAckRoundTrip(t *testing.T) {
	ids := []MessageID{4, 8, 1024}
	parsed, err := parseMsgsAck(encodeMsgsAck(ids))
	require.NoError(t, err)
	assert.Equal(t, ids, parsed)
}
