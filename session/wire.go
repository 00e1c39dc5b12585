package session

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/opd-ai/mtproto/tl"
)

// Constructor tags of the service messages.
const (
	tagMsgContainer      uint32 = 0x73f1f8dc
	tagRPCResult         uint32 = 0xf35c6d01
	tagRPCError          uint32 = 0x2144ca19
	tagRPCDropAnswer     uint32 = 0x58e4a740
	tagMsgsAck           uint32 = 0x62d6b459
	tagPing              uint32 = 0x7abe77ec
	tagPingDelay         uint32 = 0xf3427b8c
	tagPong              uint32 = 0x347773c5
	tagNewSessionCreated uint32 = 0x9ec20908
	tagBadMsgNotify      uint32 = 0xa7eff811
	tagBadServerSalt     uint32 = 0xedab447b
	tagGetFutureSalts    uint32 = 0xb921bd04
	tagFutureSalts       uint32 = 0xae500895
	tagMsgsStateReq      uint32 = 0xda69fb52
	tagMsgsStateInfo     uint32 = 0x04deb57d
	tagMsgsAllInfo       uint32 = 0x8cc0d131
	tagMsgDetailedInfo   uint32 = 0x276d3ec6
	tagMsgNewDetailed    uint32 = 0x809db6df
	tagMsgResendReq      uint32 = 0x7d861a08
	tagGzipPacked        uint32 = 0x3072cfa1
	tagInvokeAfterMsg    uint32 = 0xcb9f372d
	tagInvokeAfterMsgs   uint32 = 0x3dc4b4f0
	tagDestroyAuthKey    uint32 = 0xd1435160
	tagDestroyKeyOK      uint32 = 0xf660e1d4
	tagDestroyKeyNone    uint32 = 0x0a9f2259
	tagDestroyKeyFail    uint32 = 0xea109b13
)

// peekTag returns the constructor tag of a payload without consuming it.
func peekTag(payload []byte) uint32 {
	if len(payload) < 4 {
		return 0
	}
	return uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
}

// containerItem is one sub-message of a container.
type containerItem struct {
	ID      MessageID
	SeqNo   uint32
	Payload []byte
}

func parseContainer(payload []byte) ([]containerItem, error) {
	r := tl.NewReader(payload)
	if tag := r.ReadUint32(); r.Err() == nil && tag != tagMsgContainer {
		return nil, fmt.Errorf("unexpected constructor %08x, want msg_container", tag)
	}
	count := r.ReadInt()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("container with %d items", count)
	}
	items := make([]containerItem, 0, count)
	for i := int32(0); i < count; i++ {
		var item containerItem
		item.ID = MessageID(r.ReadUint64())
		item.SeqNo = r.ReadUint32()
		size := r.ReadInt()
		if r.Err() == nil && (size < 0 || int(size) > r.Remaining()) {
			return nil, fmt.Errorf("container item of %d bytes with %d remaining", size, r.Remaining())
		}
		item.Payload = r.ReadRaw(int(size))
		if err := r.Err(); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// buildContainer packs pre-serialized sub-messages (each already carrying
// its id, seq_no and length) into a msg_container payload.
func buildContainer(items [][]byte) []byte {
	var w tl.Writer
	w.PutUint32(tagMsgContainer)
	w.PutInt(int32(len(items)))
	for _, item := range items {
		w.PutRaw(item)
	}
	return w.Bytes()
}

// buildSubMessage serializes the container item envelope around a payload.
func buildSubMessage(id MessageID, seqNo uint32, payload []byte) []byte {
	var w tl.Writer
	w.PutUint64(uint64(id))
	w.PutUint32(seqNo)
	w.PutInt(int32(len(payload)))
	w.PutRaw(payload)
	return w.Bytes()
}

type rpcResult struct {
	ReqMsgID MessageID
	Result   []byte
}

func parseRPCResult(payload []byte) (*rpcResult, error) {
	r := tl.NewReader(payload)
	if tag := r.ReadUint32(); r.Err() == nil && tag != tagRPCResult {
		return nil, fmt.Errorf("unexpected constructor %08x, want rpc_result", tag)
	}
	var m rpcResult
	m.ReqMsgID = MessageID(r.ReadUint64())
	m.Result = r.ReadRaw(r.Remaining())
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

func parseRPCError(payload []byte) (*RemoteError, error) {
	r := tl.NewReader(payload)
	if tag := r.ReadUint32(); r.Err() == nil && tag != tagRPCError {
		return nil, fmt.Errorf("unexpected constructor %08x, want rpc_error", tag)
	}
	var m RemoteError
	m.Code = r.ReadInt()
	m.Message = string(r.ReadString())
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

type pong struct {
	MsgID  MessageID
	PingID uint64
}

func parsePong(payload []byte) (*pong, error) {
	r := tl.NewReader(payload)
	if tag := r.ReadUint32(); r.Err() == nil && tag != tagPong {
		return nil, fmt.Errorf("unexpected constructor %08x, want pong", tag)
	}
	var m pong
	m.MsgID = MessageID(r.ReadUint64())
	m.PingID = r.ReadUint64()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

func encodePingDelayDisconnect(pingID uint64, delay int32) []byte {
	var w tl.Writer
	w.PutUint32(tagPingDelay)
	w.PutUint64(pingID)
	w.PutInt(delay)
	return w.Bytes()
}

type newSessionCreated struct {
	FirstMsgID MessageID
	UniqueID   uint64
	ServerSalt uint64
}

func parseNewSessionCreated(payload []byte) (*newSessionCreated, error) {
	r := tl.NewReader(payload)
	if tag := r.ReadUint32(); r.Err() == nil && tag != tagNewSessionCreated {
		return nil, fmt.Errorf("unexpected constructor %08x, want new_session_created", tag)
	}
	var m newSessionCreated
	m.FirstMsgID = MessageID(r.ReadUint64())
	m.UniqueID = r.ReadUint64()
	m.ServerSalt = r.ReadUint64()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

type badMsgNotification struct {
	BadMsgID MessageID
	BadSeqNo uint32
	Code     int32
	// NewSalt is set for the bad-salt variant.
	HasSalt bool
	NewSalt uint64
}

func parseBadMsgNotification(payload []byte) (*badMsgNotification, error) {
	r := tl.NewReader(payload)
	tag := r.ReadUint32()
	if r.Err() == nil && tag != tagBadMsgNotify && tag != tagBadServerSalt {
		return nil, fmt.Errorf("unexpected constructor %08x, want bad_msg_notification", tag)
	}
	var m badMsgNotification
	m.BadMsgID = MessageID(r.ReadUint64())
	m.BadSeqNo = r.ReadUint32()
	m.Code = r.ReadInt()
	if tag == tagBadServerSalt {
		m.HasSalt = true
		m.NewSalt = r.ReadUint64()
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

func encodeMsgsAck(ids []MessageID) []byte {
	var w tl.Writer
	w.PutUint32(tagMsgsAck)
	putVectorIDs(&w, ids)
	return w.Bytes()
}

func parseMsgsAck(payload []byte) ([]MessageID, error) {
	r := tl.NewReader(payload)
	if tag := r.ReadUint32(); r.Err() == nil && tag != tagMsgsAck {
		return nil, fmt.Errorf("unexpected constructor %08x, want msgs_ack", tag)
	}
	ids := readVectorIDs(r)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func encodeGetFutureSalts(num int32) []byte {
	var w tl.Writer
	w.PutUint32(tagGetFutureSalts)
	w.PutInt(num)
	return w.Bytes()
}

type futureSalts struct {
	ReqMsgID MessageID
	Now      int32
	Salts    []ServerSalt
}

func parseFutureSalts(payload []byte) (*futureSalts, error) {
	r := tl.NewReader(payload)
	if tag := r.ReadUint32(); r.Err() == nil && tag != tagFutureSalts {
		return nil, fmt.Errorf("unexpected constructor %08x, want future_salts", tag)
	}
	var m futureSalts
	m.ReqMsgID = MessageID(r.ReadUint64())
	m.Now = r.ReadInt()
	count := r.ReadInt()
	if r.Err() == nil && (count < 0 || int(count)*16 > r.Remaining()) {
		return nil, fmt.Errorf("future_salts with %d entries", count)
	}
	for i := int32(0); i < count && r.Err() == nil; i++ {
		validSince := r.ReadInt()
		validUntil := r.ReadInt()
		salt := r.ReadUint64()
		m.Salts = append(m.Salts, ServerSalt{
			Salt:       salt,
			ValidSince: float64(validSince),
			ValidUntil: float64(validUntil),
		})
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

func encodeMsgsStateReq(ids []MessageID) []byte {
	var w tl.Writer
	w.PutUint32(tagMsgsStateReq)
	putVectorIDs(&w, ids)
	return w.Bytes()
}

func encodeMsgResendReq(ids []MessageID) []byte {
	var w tl.Writer
	w.PutUint32(tagMsgResendReq)
	putVectorIDs(&w, ids)
	return w.Bytes()
}

type msgsStateInfo struct {
	ReqMsgID MessageID
	Info     []byte // one status byte per requested id, request order
}

func parseMsgsStateInfo(payload []byte) (*msgsStateInfo, error) {
	r := tl.NewReader(payload)
	if tag := r.ReadUint32(); r.Err() == nil && tag != tagMsgsStateInfo {
		return nil, fmt.Errorf("unexpected constructor %08x, want msgs_state_info", tag)
	}
	var m msgsStateInfo
	m.ReqMsgID = MessageID(r.ReadUint64())
	m.Info = r.ReadString()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

type msgsAllInfo struct {
	IDs  []MessageID
	Info []byte
}

func parseMsgsAllInfo(payload []byte) (*msgsAllInfo, error) {
	r := tl.NewReader(payload)
	if tag := r.ReadUint32(); r.Err() == nil && tag != tagMsgsAllInfo {
		return nil, fmt.Errorf("unexpected constructor %08x, want msgs_all_info", tag)
	}
	var m msgsAllInfo
	m.IDs = readVectorIDs(r)
	m.Info = r.ReadString()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

type msgDetailedInfo struct {
	// MsgID is zero for the new-message variant.
	MsgID       MessageID
	AnswerMsgID MessageID
	Bytes       int32
	Status      int32
}

func parseMsgDetailedInfo(payload []byte) (*msgDetailedInfo, error) {
	r := tl.NewReader(payload)
	tag := r.ReadUint32()
	if r.Err() == nil && tag != tagMsgDetailedInfo && tag != tagMsgNewDetailed {
		return nil, fmt.Errorf("unexpected constructor %08x, want msg_detailed_info", tag)
	}
	var m msgDetailedInfo
	if tag == tagMsgDetailedInfo {
		m.MsgID = MessageID(r.ReadUint64())
	}
	m.AnswerMsgID = MessageID(r.ReadUint64())
	m.Bytes = r.ReadInt()
	m.Status = r.ReadInt()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

func encodeRPCDropAnswer(reqMsgID MessageID) []byte {
	var w tl.Writer
	w.PutUint32(tagRPCDropAnswer)
	w.PutUint64(uint64(reqMsgID))
	return w.Bytes()
}

func encodeDestroyAuthKey() []byte {
	var w tl.Writer
	w.PutUint32(tagDestroyAuthKey)
	return w.Bytes()
}

// wrapInvokeAfter prefixes a query so the server defers it until the named
// messages complete.
func wrapInvokeAfter(query []byte, after []MessageID) []byte {
	if len(after) == 0 {
		return query
	}
	var w tl.Writer
	if len(after) == 1 {
		w.PutUint32(tagInvokeAfterMsg)
		w.PutUint64(uint64(after[0]))
	} else {
		w.PutUint32(tagInvokeAfterMsgs)
		putVectorIDs(&w, after)
	}
	w.PutRaw(query)
	return w.Bytes()
}

// gzipPack wraps a payload in a gzip_packed envelope.
func gzipPack(payload []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write(payload)
	_ = zw.Close()

	var w tl.Writer
	w.PutUint32(tagGzipPacked)
	w.PutString(buf.Bytes())
	return w.Bytes()
}

// gzipUnpack inflates a gzip_packed payload, returning the inner payload.
func gzipUnpack(payload []byte) ([]byte, error) {
	r := tl.NewReader(payload)
	if tag := r.ReadUint32(); r.Err() == nil && tag != tagGzipPacked {
		return nil, fmt.Errorf("unexpected constructor %08x, want gzip_packed", tag)
	}
	packed := r.ReadString()
	if err := r.Err(); err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("opening gzip payload: %w", err)
	}
	defer zr.Close()
	inner, err := io.ReadAll(io.LimitReader(zr, maxFrameUnpacked+1))
	if err != nil {
		return nil, fmt.Errorf("inflating payload: %w", err)
	}
	if len(inner) > maxFrameUnpacked {
		return nil, fmt.Errorf("inflated payload exceeds %d bytes", maxFrameUnpacked)
	}
	return inner, nil
}

// maxFrameUnpacked bounds decompression to keep a hostile peer from
// ballooning memory.
const maxFrameUnpacked = 1 << 24

func putVectorIDs(w *tl.Writer, ids []MessageID) {
	longs := make([]int64, len(ids))
	for i, id := range ids {
		longs[i] = int64(id)
	}
	w.PutVectorLong(longs)
}

func readVectorIDs(r *tl.Reader) []MessageID {
	longs := r.ReadVectorLong()
	ids := make([]MessageID, len(longs))
	for i, v := range longs {
		ids[i] = MessageID(v)
	}
	return ids
}
