package session

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mtproto/crypto"
	"github.com/opd-ai/mtproto/tl"
	"github.com/opd-ai/mtproto/transport"
)

// fakeConn is an in-memory net.Conn half whose reads time out when no data
// is buffered, the way a deadline-expired socket does.
type fakeConn struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func fakePair() (client, server *fakeConn) {
	a := &bytes.Buffer{}
	b := &bytes.Buffer{}
	return &fakeConn{in: a, out: b}, &fakeConn{in: b, out: a}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if c.in.Len() == 0 {
		return 0, timeoutError{}
	}
	return c.in.Read(p)
}

func (c *fakeConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func (c *fakeConn) Close() error                     { return nil }
func (c *fakeConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

type fakeClock struct{ t float64 }

func (c *fakeClock) now() float64      { return c.t }
func (c *fakeClock) advance(d float64) { c.t += d }

type recordingHandler struct {
	results map[uint64][]byte
	errors  map[uint64]*RemoteError
	updates [][]byte
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		results: make(map[uint64][]byte),
		errors:  make(map[uint64]*RemoteError),
	}
}

func (h *recordingHandler) OnQueryResult(q *Query, result []byte) {
	h.results[q.Token] = append([]byte(nil), result...)
}

func (h *recordingHandler) OnQueryError(q *Query, err *RemoteError) {
	h.errors[q.Token] = err
}

func (h *recordingHandler) OnUpdate(payload []byte) {
	h.updates = append(h.updates, append([]byte(nil), payload...))
}

type serverCollect struct {
	infos    []transport.PacketInfo
	payloads [][]byte
}

func (c *serverCollect) OnRawPacket(info *transport.PacketInfo, payload []byte) error {
	c.infos = append(c.infos, *info)
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	return nil
}

// harness drives a SessionConnection against an in-memory server endpoint
// that shares its auth key and salt.
type harness struct {
	t       *testing.T
	clock   *fakeClock
	key     crypto.AuthKey
	auth    *AuthData
	client  *SessionConnection
	server  *transport.RawConnection
	handler *recordingHandler

	serverCount uint64
	serverSeq   uint32
}

func newHarness(t *testing.T, withSalt bool) *harness {
	t.Helper()
	clock := &fakeClock{t: 1.7e9}

	material := make([]byte, crypto.KeySize)
	for i := range material {
		material[i] = byte(i*11 + 5)
	}
	key := crypto.NewAuthKey(material)

	auth := NewAuthData()
	auth.SetUsePFS(false)
	auth.SetMainKey(key)
	auth.SetSessionID(0x1122334455667788)
	if withSalt {
		// An active salt plus a spare keeps the engine from asking for
		// refills mid-test.
		auth.SetFutureSalts([]ServerSalt{
			{Salt: 0xdeadbeefcafe, ValidSince: clock.t - 10, ValidUntil: clock.t + 1800},
			{Salt: 0xdeadbeefcaff, ValidSince: clock.t + 1700, ValidUntil: clock.t + 3600},
		}, clock.t)
	}

	clientSock, serverSock := fakePair()
	handler := newRecordingHandler()
	client := New(transport.NewRawConnection(clientSock, transport.SideClient), auth, handler)
	client.now = clock.now
	client.lastReadAt = clock.t
	client.lastPingSentAt = clock.t
	client.SetOnline(true)

	return &harness{
		t:       t,
		clock:   clock,
		key:     key,
		auth:    auth,
		client:  client,
		server:  transport.NewRawConnection(serverSock, transport.SideServer),
		handler: handler,
	}
}

func (h *harness) flushClient() {
	h.t.Helper()
	require.NoError(h.t, h.client.Flush())
}

func (h *harness) serverRecv() *serverCollect {
	h.t.Helper()
	cb := &serverCollect{}
	require.NoError(h.t, h.server.Flush(&h.key, 2, cb))
	return cb
}

func (h *harness) nextServerID() MessageID {
	h.serverCount++
	return MessageID(uint64(h.clock.t)<<32 | (h.serverCount<<2 | 1))
}

// serverSend stamps and transmits one payload from the fake server side.
func (h *harness) serverSend(payload []byte, contentRelated bool) MessageID {
	h.t.Helper()
	id := h.nextServerID()
	seq := h.serverSeq
	if contentRelated {
		seq |= 1
		h.serverSeq += 2
	}
	info := &transport.PacketInfo{
		Version:   2,
		SessionID: h.auth.SessionID(),
		MessageID: uint64(id),
		SeqNo:     seq,
	}
	require.NoError(h.t, h.server.SendCrypto(payload, &h.key, info, nil))
	require.NoError(h.t, h.server.Flush(&h.key, 2, &serverCollect{}))
	return id
}

// items flattens one received frame into its logical sub-messages.
func items(t *testing.T, cb *serverCollect, i int) []containerItem {
	t.Helper()
	payload := cb.payloads[i]
	if peekTag(payload) == tagMsgContainer {
		parsed, err := parseContainer(payload)
		require.NoError(t, err)
		return parsed
	}
	return []containerItem{{
		ID:      MessageID(cb.infos[i].MessageID),
		SeqNo:   cb.infos[i].SeqNo,
		Payload: payload,
	}}
}

func testQueryPayload(marker byte) []byte {
	var w tl.Writer
	w.PutUint32(0x11aa22bb)
	w.PutString([]byte{marker, marker, marker})
	return w.Bytes()
}

func encodeRPCResultFor(id MessageID, result []byte) []byte {
	var w tl.Writer
	w.PutUint32(tagRPCResult)
	w.PutUint64(uint64(id))
	w.PutRaw(result)
	return w.Bytes()
}

func TestSingleQuerySentUnwrapped(t *testing.T) {
	h := newHarness(t, true)

	q := &Query{Token: 1, Payload: testQueryPayload(0x41)}
	require.NoError(t, h.client.Submit(q))
	h.flushClient()

	cb := h.serverRecv()
	require.Len(t, cb.payloads, 1)
	assert.Equal(t, q.Payload, cb.payloads[0], "single query must not be wrapped in a container")
	assert.EqualValues(t, q.ID, cb.infos[0].MessageID)
	assert.Zero(t, uint64(q.ID)&3)
	assert.EqualValues(t, 1, cb.infos[0].SeqNo&1, "queries are content-related")
	assert.Equal(t, uint64(0xdeadbeefcafe), cb.infos[0].Salt)

	result := testQueryPayload(0x52)
	h.serverSend(encodeRPCResultFor(q.ID, result), true)
	h.flushClient()

	assert.Equal(t, result, h.handler.results[1])
	assert.True(t, q.Acked)
	assert.NotEmpty(t, h.client.pendingAcks, "content-related traffic must be acknowledged")
}

func TestRemoteErrorResolvesQueryOnly(t *testing.T) {
	h := newHarness(t, true)

	q := &Query{Token: 7, Payload: testQueryPayload(0x41)}
	require.NoError(t, h.client.Submit(q))
	h.flushClient()
	h.serverRecv()

	var w tl.Writer
	w.PutUint32(tagRPCError)
	w.PutInt(420)
	w.PutString([]byte("FLOOD_WAIT_3"))
	h.serverSend(encodeRPCResultFor(q.ID, w.Bytes()), true)
	h.flushClient()

	require.Contains(t, h.handler.errors, uint64(7))
	assert.Equal(t, int32(420), h.handler.errors[7].Code)
	assert.Equal(t, "FLOOD_WAIT_3", h.handler.errors[7].Message)
	assert.NoError(t, h.client.Err(), "a remote rpc error must not close the session")
}

func TestGzippedResultUnpacked(t *testing.T) {
	h := newHarness(t, true)

	q := &Query{Token: 2, Payload: testQueryPayload(0x41)}
	require.NoError(t, h.client.Submit(q))
	h.flushClient()
	h.serverRecv()

	result := bytes.Repeat(testQueryPayload(0x59), 32)
	h.serverSend(encodeRPCResultFor(q.ID, gzipPack(result)), true)
	h.flushClient()

	assert.Equal(t, result, h.handler.results[2])
}

func TestNoSaltFetchesFutureSaltsFirst(t *testing.T) {
	h := newHarness(t, false)

	q := &Query{Token: 3, Payload: testQueryPayload(0x41)}
	require.NoError(t, h.client.Submit(q))
	h.flushClient()

	// Only the salt request may go out while no salt is known.
	cb := h.serverRecv()
	require.Len(t, cb.payloads, 1)
	assert.Equal(t, tagGetFutureSalts, peekTag(cb.payloads[0]))
	reqID := MessageID(cb.infos[0].MessageID)

	var w tl.Writer
	w.PutUint32(tagFutureSalts)
	w.PutUint64(uint64(reqID))
	w.PutInt(int32(h.clock.t))
	w.PutInt(2)
	w.PutInt(int32(h.clock.t) - 10)
	w.PutInt(int32(h.clock.t) + 1790)
	w.PutUint64(21)
	w.PutInt(int32(h.clock.t) + 1700)
	w.PutInt(int32(h.clock.t) + 3500)
	w.PutUint64(22)
	h.serverSend(w.Bytes(), false)
	h.flushClient()

	require.True(t, h.auth.HasSalt(h.clock.t))
	assert.Equal(t, uint64(21), h.auth.ServerSalt(h.clock.t))

	// With a salt in hand the held query goes out, alone and unwrapped.
	h.flushClient()
	cb = h.serverRecv()
	require.Len(t, cb.payloads, 1)
	assert.Equal(t, q.Payload, cb.payloads[0])
	assert.Equal(t, uint64(21), cb.infos[0].Salt)
}

func TestAcksAndQueriesShareOneContainer(t *testing.T) {
	h := newHarness(t, true)

	updateID := h.serverSend(testQueryPayload(0x99), true)
	h.flushClient()
	require.Len(t, h.handler.updates, 1)

	for i := byte(0); i < 3; i++ {
		require.NoError(t, h.client.Submit(&Query{Token: uint64(10 + i), Payload: testQueryPayload('a' + i)}))
	}
	h.flushClient()

	cb := h.serverRecv()
	require.Len(t, cb.payloads, 1, "everything due must share one frame")
	sub := items(t, cb, 0)
	require.Len(t, sub, 4)

	// Acks come first, then the queries in submission order.
	require.Equal(t, tagMsgsAck, peekTag(sub[0].Payload))
	acked, err := parseMsgsAck(sub[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, []MessageID{updateID}, acked)
	assert.Zero(t, sub[0].SeqNo&1)
	for i := byte(0); i < 3; i++ {
		assert.Equal(t, testQueryPayload('a'+i), sub[1+i].Payload)
		assert.EqualValues(t, 1, sub[1+i].SeqNo&1)
	}
	assert.Zero(t, cb.infos[0].SeqNo&1, "the container itself is not content-related")
}

func TestBadServerSaltAdoptsAndResends(t *testing.T) {
	h := newHarness(t, true)

	q := &Query{Token: 4, Payload: testQueryPayload(0x41)}
	require.NoError(t, h.client.Submit(q))
	h.flushClient()
	cb := h.serverRecv()
	firstID := MessageID(cb.infos[0].MessageID)

	var w tl.Writer
	w.PutUint32(tagBadServerSalt)
	w.PutUint64(uint64(firstID))
	w.PutUint32(1)
	w.PutInt(48)
	w.PutUint64(0xfeedface)
	h.serverSend(w.Bytes(), false)
	h.flushClient()

	assert.Equal(t, uint64(0xfeedface), h.auth.ServerSalt(h.clock.t))

	// The adopted salt discarded the stored spares, so the resend travels
	// with a refill request.
	h.flushClient()
	cb = h.serverRecv()
	require.Len(t, cb.payloads, 1)
	var resentID MessageID
	for _, item := range items(t, cb, 0) {
		if bytes.Equal(item.Payload, q.Payload) {
			resentID = item.ID
		}
	}
	require.NotZero(t, resentID, "query must be resent, not lost")
	assert.Greater(t, resentID, firstID, "resend uses a fresh id")
	assert.Equal(t, uint64(0xfeedface), cb.infos[0].Salt, "resend uses only the new salt")
}

func TestMsgIDTooLowResends(t *testing.T) {
	h := newHarness(t, true)

	q := &Query{Token: 5, Payload: testQueryPayload(0x41)}
	require.NoError(t, h.client.Submit(q))
	h.flushClient()
	cb := h.serverRecv()
	firstID := MessageID(cb.infos[0].MessageID)

	var w tl.Writer
	w.PutUint32(tagBadMsgNotify)
	w.PutUint64(uint64(firstID))
	w.PutUint32(1)
	w.PutInt(BadCodeMsgIDTooLow)
	h.serverSend(w.Bytes(), false)
	h.flushClient()
	require.NoError(t, h.client.Err())

	h.flushClient()
	cb = h.serverRecv()
	require.Len(t, cb.payloads, 1)
	assert.Equal(t, q.Payload, cb.payloads[0])
	assert.NotEqual(t, firstID, MessageID(cb.infos[0].MessageID))
}

func TestSeqNoViolationClosesSession(t *testing.T) {
	h := newHarness(t, true)

	q := &Query{Token: 6, Payload: testQueryPayload(0x41)}
	require.NoError(t, h.client.Submit(q))
	h.flushClient()
	cb := h.serverRecv()
	firstID := MessageID(cb.infos[0].MessageID)

	var w tl.Writer
	w.PutUint32(tagBadMsgNotify)
	w.PutUint64(uint64(firstID))
	w.PutUint32(1)
	w.PutInt(BadCodeSeqNoTooLow)
	h.serverSend(w.Bytes(), false)

	err := h.client.Flush()
	require.Error(t, err)
	var bad *BadMessageError
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, BadCodeSeqNoTooLow, bad.Code)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	// The unacknowledged query comes back exactly once.
	returned := h.client.Close()
	require.Len(t, returned, 1)
	assert.Same(t, q, returned[0])
	assert.Nil(t, h.client.Close())
	assert.ErrorIs(t, h.client.Submit(&Query{}), ErrSessionClosed)
}

func TestNewSessionCreatedResendsOlder(t *testing.T) {
	h := newHarness(t, true)

	q := &Query{Token: 8, Payload: testQueryPayload(0x41)}
	require.NoError(t, h.client.Submit(q))
	h.flushClient()
	cb := h.serverRecv()
	firstID := MessageID(cb.infos[0].MessageID)

	var w tl.Writer
	w.PutUint32(tagNewSessionCreated)
	w.PutUint64(uint64(firstID) + 4096)
	w.PutUint64(777)
	w.PutUint64(0xabad1dea)
	h.serverSend(w.Bytes(), true)
	h.flushClient()

	h.flushClient()
	cb = h.serverRecv()
	require.Len(t, cb.payloads, 1)
	var resent bool
	for _, item := range items(t, cb, 0) {
		if bytes.Equal(item.Payload, q.Payload) {
			resent = true
		}
	}
	assert.True(t, resent, "queries older than first_msg_id must be resent")
	assert.Equal(t, uint64(0xabad1dea), cb.infos[0].Salt)
}

func TestPongUpdatesRoundTrip(t *testing.T) {
	h := newHarness(t, true)

	h.clock.advance(5)
	h.flushClient()
	cb := h.serverRecv()
	require.Len(t, cb.payloads, 1)
	require.Equal(t, tagPingDelay, peekTag(cb.payloads[0]))
	r := tl.NewReader(cb.payloads[0][4:])
	pingID := r.ReadUint64()
	require.NoError(t, r.Err())

	h.clock.advance(1)
	var w tl.Writer
	w.PutUint32(tagPong)
	w.PutUint64(cb.infos[0].MessageID)
	w.PutUint64(pingID)
	h.serverSend(w.Bytes(), false)
	h.flushClient()

	assert.False(t, h.client.pingInFlight)
	assert.InDelta(t, 1.0, h.client.rtt, 1e-9)
}

func TestPingTimeoutClosesAndReturnsQueries(t *testing.T) {
	h := newHarness(t, true)

	q := &Query{Token: 9, Payload: testQueryPayload(0x41)}
	require.NoError(t, h.client.Submit(q))
	h.flushClient()
	h.serverRecv()

	h.clock.advance(5)
	h.flushClient()
	cb := h.serverRecv()
	require.Len(t, cb.payloads, 1)
	require.Equal(t, tagPingDelay, peekTag(cb.payloads[0]))

	// The server goes silent past any disconnect window.
	h.clock.advance(300)
	err := h.client.Flush()
	require.ErrorIs(t, err, ErrPingTimeout)

	returned := h.client.Close()
	require.Len(t, returned, 1)
	assert.Same(t, q, returned[0])
	assert.Nil(t, h.client.Close())
}

func TestStateRequestAfterSilenceResends(t *testing.T) {
	h := newHarness(t, true)

	q := &Query{Token: 11, Payload: testQueryPayload(0x41)}
	require.NoError(t, h.client.Submit(q))
	h.flushClient()
	h.serverRecv()

	h.clock.advance(stateCheckPeriod + 1)
	h.flushClient()
	cb := h.serverRecv()
	require.Len(t, cb.payloads, 1)

	var stateReqID MessageID
	var ids []MessageID
	for _, item := range items(t, cb, 0) {
		if peekTag(item.Payload) == tagMsgsStateReq {
			stateReqID = item.ID
			r := tl.NewReader(item.Payload[4:])
			ids = readVectorIDs(r)
			require.NoError(t, r.Err())
		}
	}
	require.NotZero(t, stateReqID, "silence must trigger a delivery-state request")
	assert.Equal(t, []MessageID{q.ID}, ids)

	// The server never saw the query.
	var w tl.Writer
	w.PutUint32(tagMsgsStateInfo)
	w.PutUint64(uint64(stateReqID))
	w.PutString([]byte{1})
	h.serverSend(w.Bytes(), false)
	h.flushClient()

	h.flushClient()
	cb = h.serverRecv()
	var resent bool
	for i := range cb.payloads {
		for _, item := range items(t, cb, i) {
			if bytes.Equal(item.Payload, q.Payload) {
				resent = true
			}
		}
	}
	assert.True(t, resent)
}

func TestDuplicatePacketDropped(t *testing.T) {
	h := newHarness(t, true)

	update := testQueryPayload(0x99)
	id := h.nextServerID()
	info := &transport.PacketInfo{
		Version:   2,
		SessionID: h.auth.SessionID(),
		MessageID: uint64(id),
		SeqNo:     1,
	}
	require.NoError(t, h.server.SendCrypto(update, &h.key, info, nil))
	require.NoError(t, h.server.SendCrypto(update, &h.key, info, nil))
	require.NoError(t, h.server.Flush(&h.key, 2, &serverCollect{}))

	h.flushClient()
	assert.Len(t, h.handler.updates, 1, "the replayed copy must be dropped silently")
	assert.NoError(t, h.client.Err())
}

func TestReplayedMessageReacknowledged(t *testing.T) {
	h := newHarness(t, true)

	update := testQueryPayload(0x55)
	id := h.nextServerID()
	info := &transport.PacketInfo{
		Version:   2,
		SessionID: h.auth.SessionID(),
		MessageID: uint64(id),
		SeqNo:     1,
	}
	require.NoError(t, h.server.SendCrypto(update, &h.key, info, nil))
	require.NoError(t, h.server.Flush(&h.key, 2, &serverCollect{}))
	h.flushClient()
	require.Equal(t, []MessageID{id}, h.client.pendingAcks)

	h.clock.advance(ackDelay + 1)
	h.flushClient()
	require.Empty(t, h.client.pendingAcks, "the first acknowledgement goes out")

	// The server keeps resending until it sees an acknowledgement, so the
	// replay is dropped but acked again.
	require.NoError(t, h.server.SendCrypto(update, &h.key, info, nil))
	require.NoError(t, h.server.Flush(&h.key, 2, &serverCollect{}))
	h.flushClient()
	assert.Equal(t, []MessageID{id}, h.client.pendingAcks)
}

func TestContainerRecordsReleasedOnReply(t *testing.T) {
	h := newHarness(t, true)

	q1 := &Query{Token: 1, Payload: testQueryPayload(0x61)}
	q2 := &Query{Token: 2, Payload: testQueryPayload(0x62)}
	require.NoError(t, h.client.Submit(q1))
	require.NoError(t, h.client.Submit(q2))
	h.flushClient()

	cb := h.serverRecv()
	require.Len(t, items(t, cb, 0), 2)
	require.Len(t, h.client.containers, 1)

	h.serverSend(encodeRPCResultFor(q1.ID, testQueryPayload(0x71)), true)
	h.flushClient()
	require.Len(t, h.client.containers, 1, "one member still awaits its answer")

	h.serverSend(encodeRPCResultFor(q2.ID, testQueryPayload(0x72)), true)
	h.flushClient()
	assert.Empty(t, h.client.containers, "a fully answered container must be forgotten")
}

func TestCloseClearsContainerRecords(t *testing.T) {
	h := newHarness(t, true)

	require.NoError(t, h.client.Submit(&Query{Token: 1, Payload: testQueryPayload(0x63)}))
	require.NoError(t, h.client.Submit(&Query{Token: 2, Payload: testQueryPayload(0x64)}))
	h.flushClient()
	require.Len(t, h.client.containers, 1)

	h.client.Close()
	assert.Empty(t, h.client.containers)
	assert.Empty(t, h.client.serviceQueries)
}

func TestOfflinePingSpacingRelaxed(t *testing.T) {
	h := newHarness(t, true)
	h.client.SetOnline(false)

	h.clock.advance(5)
	h.flushClient()
	cb := h.serverRecv()
	assert.Empty(t, cb.payloads, "offline sessions must not ping at the online cadence")

	// Offline pings come roughly once a minute.
	h.clock.advance(90)
	h.flushClient()
	cb = h.serverRecv()
	require.Len(t, cb.payloads, 1)
	assert.Equal(t, tagPingDelay, peekTag(cb.payloads[0]))
}
