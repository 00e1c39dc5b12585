package session

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mtproto/transport"
)

// Tunables of the flush cycle. Times are in seconds.
const (
	// ackDelay is how long received-message acknowledgements may wait for
	// other traffic to share a container with.
	ackDelay = 30.0

	// forceAckThreshold sends acknowledgements immediately once this many
	// have piled up.
	forceAckThreshold = 100

	// stateCheckPeriod is how long a sent query may stay unacknowledged
	// before its delivery state is queried.
	stateCheckPeriod = 10.0

	// maxContainerQueries and maxContainerBytes cap one container. Overflow
	// waits for the next flush.
	maxContainerQueries = 1000
	maxContainerBytes   = 1 << 15

	// maxBatchIDs caps the id count of one administrative batch.
	maxBatchIDs = 8192

	// futureSaltCount is how many salts one refresh asks for.
	futureSaltCount = 64

	// gzipPackThreshold is the query size above which the payload is sent
	// compressed.
	gzipPackThreshold = 1 << 14
)

// Handler receives the outcomes a SessionConnection produces. All calls
// happen on the goroutine driving Flush.
type Handler interface {
	// OnQueryResult delivers a successful response for a submitted query.
	OnQueryResult(q *Query, result []byte)

	// OnQueryError delivers a peer-reported failure for a submitted query.
	// The session stays alive.
	OnQueryError(q *Query, err *RemoteError)

	// OnUpdate delivers a server-pushed message that matches no query.
	OnUpdate(payload []byte)
}

type connState int

const (
	stateInit connState = iota
	stateRun
	stateClosed
)

// SessionConnection is the protocol engine for one physical connection. It
// decides what goes on the wire each flush cycle and interprets everything
// that comes back. Like RawConnection it is driven by a single goroutine.
type SessionConnection struct {
	conn    *transport.RawConnection
	auth    *AuthData
	handler Handler
	state   connState

	now func() float64

	pendingQueries []*Query
	sentQueries    map[MessageID]*Query
	containers     map[MessageID][]MessageID
	serviceQueries map[MessageID]*serviceQuery

	pendingAcks     []MessageID
	firstAckAt      float64
	pendingStateReq []MessageID
	pendingResend   []MessageID
	pendingCancel   []MessageID

	saltRequested    bool
	destroyRequested bool
	destroySent      bool

	online         bool
	rtt            float64
	pingID         uint64
	pingInFlight   bool
	lastPingSentAt float64
	lastReadAt     float64
	randomDelay    float64

	returnable []*Query
	err        error
}

// New wires a protocol engine over an established raw connection. auth must
// already hold a usable key.
func New(conn *transport.RawConnection, auth *AuthData, handler Handler) *SessionConnection {
	c := &SessionConnection{
		conn:           conn,
		auth:           auth,
		handler:        handler,
		now:            func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
		sentQueries:    make(map[MessageID]*Query),
		containers:     make(map[MessageID][]MessageID),
		serviceQueries: make(map[MessageID]*serviceQuery),
		rtt:            2,
		randomDelay:    rand.Float64() * 30,
	}
	c.lastReadAt = c.now()
	c.lastPingSentAt = c.lastReadAt
	return c
}

// SetOnline tightens or relaxes the keep-alive windows. Online means the
// application expects live traffic and wants dead connections detected fast.
func (c *SessionConnection) SetOnline(online bool) { c.online = online }

// RequestDestroyAuthKey schedules a key-destruction request for the next
// flush.
func (c *SessionConnection) RequestDestroyAuthKey() { c.destroyRequested = true }

// Submit queues a query for transmission. The message id is assigned when
// the query actually goes out.
func (c *SessionConnection) Submit(q *Query) error {
	if c.state == stateClosed {
		return ErrSessionClosed
	}
	c.pendingQueries = append(c.pendingQueries, q)
	return nil
}

// CancelQuery asks the server to drop the answer to an already-sent query.
func (c *SessionConnection) CancelQuery(id MessageID) {
	c.pendingCancel = append(c.pendingCancel, id)
}

// Err returns the latched session failure, if any.
func (c *SessionConnection) Err() error { return c.err }

// Flush runs one cycle: keep-alive checks, receive and dispatch everything
// readable, then send everything due. Any returned error means the session
// is closed.
func (c *SessionConnection) Flush() error {
	if c.state == stateClosed {
		if c.err != nil {
			return c.err
		}
		return ErrSessionClosed
	}
	if c.state == stateInit {
		c.state = stateRun
		logrus.WithFields(logrus.Fields{
			"session_id": fmt.Sprintf("%016x", c.auth.SessionID()),
		}).Debug("session running")
	}

	now := c.now()
	if c.pingInFlight && now-c.lastPingSentAt > c.pingDisconnectDelay() {
		return c.failSession(fmt.Errorf("%w: no pong for %.1fs", ErrPingTimeout, now-c.lastPingSentAt))
	}
	if now-c.lastReadAt > c.readDisconnectDelay() {
		return c.failSession(fmt.Errorf("%w: nothing read for %.1fs", ErrReadTimeout, now-c.lastReadAt))
	}

	c.collectStateChecks(now)
	if err := c.sendDue(now); err != nil {
		return c.failSession(err)
	}
	if err := c.conn.Flush(c.auth.Key(), 2, c); err != nil {
		return c.failSession(err)
	}
	return nil
}

// Close shuts the session down and hands back every query the server never
// acknowledged, exactly once across repeated calls.
func (c *SessionConnection) Close() []*Query {
	_ = c.failSession(ErrSessionClosed)
	out := c.returnable
	c.returnable = nil
	return out
}

func (c *SessionConnection) failSession(err error) error {
	if c.state == stateClosed {
		if c.err != nil {
			return c.err
		}
		return err
	}
	c.state = stateClosed
	c.err = err
	_ = c.conn.Close()

	c.returnable = append(c.returnable, c.pendingQueries...)
	ids := make([]MessageID, 0, len(c.sentQueries))
	for id, q := range c.sentQueries {
		if !q.Acked {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		c.returnable = append(c.returnable, c.sentQueries[id])
	}
	c.pendingQueries = nil
	c.sentQueries = make(map[MessageID]*Query)
	c.containers = make(map[MessageID][]MessageID)
	c.serviceQueries = make(map[MessageID]*serviceQuery)

	logrus.WithFields(logrus.Fields{
		"session_id": fmt.Sprintf("%016x", c.auth.SessionID()),
		"unacked":    len(c.returnable),
	}).Info("session closed")
	return err
}

// rttDelay is the smoothed round-trip estimate the keep-alive windows
// derive from.
func (c *SessionConnection) rttDelay() float64 {
	v := c.rtt*1.5 + 1
	if v < 2 {
		v = 2
	}
	return v
}

// pingInterval spaces keep-alive pings: rtt-tight when the application is
// online, about once a minute otherwise.
func (c *SessionConnection) pingInterval() float64 {
	if c.online {
		return c.rttDelay()
	}
	return 60 + c.randomDelay
}

func (c *SessionConnection) pingDisconnectDelay() float64 {
	if c.online {
		return 2.5 * c.rttDelay()
	}
	return 135 + c.randomDelay
}

func (c *SessionConnection) readDisconnectDelay() float64 {
	if c.online {
		return 3.5 * c.rttDelay()
	}
	return 135 + c.randomDelay
}

// collectStateChecks queues delivery-state requests for queries that have
// sat unacknowledged too long.
func (c *SessionConnection) collectStateChecks(now float64) {
	var due []MessageID
	for id, q := range c.sentQueries {
		if !q.Acked && now-q.sentAt > stateCheckPeriod {
			due = append(due, id)
			q.sentAt = now
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	c.pendingStateReq = append(c.pendingStateReq, due...)
}

// outItem is one logical message staged for the next outgoing frame.
type outItem struct {
	payload        []byte
	contentRelated bool
	q              *Query
	svc            *serviceQuery
}

func (c *SessionConnection) sendDue(now float64) error {
	var items []outItem

	if !c.auth.HasSalt(now) {
		// Nothing but the salt request goes out until a salt is known.
		if !c.saltRequested {
			items = append(items, c.saltRequestItem())
		}
		return c.transmit(items, now)
	}

	var queries []*Query
	totalBytes := 0
	for len(c.pendingQueries) > 0 && len(queries) < maxContainerQueries {
		q := c.pendingQueries[0]
		if totalBytes > 0 && totalBytes+len(q.Payload) > maxContainerBytes {
			break
		}
		c.pendingQueries = c.pendingQueries[1:]
		queries = append(queries, q)
		totalBytes += len(q.Payload)
	}

	var tail []outItem
	if c.auth.NeedFutureSalts(now) && !c.saltRequested {
		tail = append(tail, c.saltRequestItem())
	}
	if len(c.pendingStateReq) > 0 {
		batch := cutBatch(&c.pendingStateReq)
		tail = append(tail, outItem{
			payload: encodeMsgsStateReq(batch),
			svc:     &serviceQuery{kind: serviceQueryGetStateInfo, ids: batch},
		})
	}
	if len(c.pendingResend) > 0 {
		batch := cutBatch(&c.pendingResend)
		tail = append(tail, outItem{
			payload: encodeMsgResendReq(batch),
			svc:     &serviceQuery{kind: serviceQueryResendAnswer, ids: batch},
		})
	}
	for _, id := range c.pendingCancel {
		tail = append(tail, outItem{payload: encodeRPCDropAnswer(id), contentRelated: true})
	}
	c.pendingCancel = nil
	if c.destroyRequested && !c.destroySent {
		c.destroySent = true
		tail = append(tail, outItem{
			payload:        encodeDestroyAuthKey(),
			contentRelated: true,
			svc:            &serviceQuery{kind: serviceQueryDestroyKey},
		})
	}
	if !c.pingInFlight && now-c.lastPingSentAt >= c.pingInterval() {
		c.pingID++
		c.pingInFlight = true
		c.lastPingSentAt = now
		tail = append(tail, outItem{
			payload: encodePingDelayDisconnect(c.pingID, int32(c.pingDisconnectDelay())),
		})
	}

	ackDue := len(c.pendingAcks) >= forceAckThreshold ||
		(len(c.pendingAcks) > 0 && now-c.firstAckAt >= ackDelay)
	if len(c.pendingAcks) > 0 && (ackDue || len(queries) > 0 || len(tail) > 0) {
		batch := cutBatch(&c.pendingAcks)
		items = append(items, outItem{payload: encodeMsgsAck(batch)})
	}
	for _, q := range queries {
		payload := q.Payload
		if len(payload) > gzipPackThreshold {
			payload = gzipPack(payload)
		}
		items = append(items, outItem{
			payload:        wrapInvokeAfter(payload, q.InvokeAfter),
			contentRelated: true,
			q:              q,
		})
	}
	items = append(items, tail...)

	return c.transmit(items, now)
}

func (c *SessionConnection) saltRequestItem() outItem {
	c.saltRequested = true
	return outItem{
		payload: encodeGetFutureSalts(futureSaltCount),
		svc:     &serviceQuery{kind: serviceQueryFutureSalts},
	}
}

// cutBatch takes up to maxBatchIDs ids off the front of a pending slice.
func cutBatch(pending *[]MessageID) []MessageID {
	n := len(*pending)
	if n > maxBatchIDs {
		n = maxBatchIDs
	}
	batch := append([]MessageID(nil), (*pending)[:n]...)
	*pending = (*pending)[n:]
	return batch
}

// transmit assigns ids and sequence numbers and hands the staged items to
// the raw connection, packing them into one container when there is more
// than one.
func (c *SessionConnection) transmit(items []outItem, now float64) error {
	if len(items) == 0 {
		return nil
	}

	type stamped struct {
		outItem
		id    MessageID
		seqNo uint32
	}
	sub := make([]stamped, len(items))
	for i, item := range items {
		sub[i] = stamped{
			outItem: item,
			id:      c.auth.NextMessageID(now),
			seqNo:   c.auth.NextSeqNo(item.contentRelated),
		}
	}

	var payload []byte
	var outerID MessageID
	var outerSeq uint32
	if len(sub) == 1 {
		payload = sub[0].payload
		outerID = sub[0].id
		outerSeq = sub[0].seqNo
	} else {
		parts := make([][]byte, len(sub))
		members := make([]MessageID, 0, len(sub))
		for i, s := range sub {
			parts[i] = buildSubMessage(s.id, s.seqNo, s.payload)
			if s.q != nil {
				members = append(members, s.id)
			}
		}
		payload = buildContainer(parts)
		outerID = c.auth.NextMessageID(now)
		outerSeq = c.auth.NextSeqNo(false)
		if len(members) > 0 {
			c.containers[outerID] = members
		}
	}

	for _, s := range sub {
		if s.q != nil {
			s.q.ID = s.id
			s.q.ContainerID = outerID
			s.q.sent = true
			s.q.sentAt = now
			c.sentQueries[s.id] = s.q
		}
		if s.svc != nil {
			c.serviceQueries[s.id] = s.svc
		}
	}

	info := &transport.PacketInfo{
		Version:   2,
		Salt:      c.auth.ServerSalt(now),
		SessionID: c.auth.SessionID(),
		MessageID: uint64(outerID),
		SeqNo:     outerSeq,
	}
	logrus.WithFields(logrus.Fields{
		"message_id": uint64(outerID),
		"items":      len(sub),
		"bytes":      len(payload),
	}).Debug("sending frame")
	return c.conn.SendCrypto(payload, c.auth.Key(), info, nil)
}

// OnRawPacket implements transport.PacketCallback.
func (c *SessionConnection) OnRawPacket(info *transport.PacketInfo, payload []byte) error {
	now := c.now()
	c.lastReadAt = now

	id := MessageID(info.MessageID)
	if _, err := c.auth.CheckPacket(info.SessionID, id, now); err != nil {
		switch {
		case errors.Is(err, ErrDuplicate):
			// The server resends until it sees the acknowledgement, so a
			// replay must be re-acked even though its content is discarded.
			c.queueAck(id)
			logrus.WithFields(logrus.Fields{"message_id": uint64(id)}).Debug("dropping duplicate packet")
			return nil
		case errors.Is(err, ErrStaleMessage):
			logrus.WithFields(logrus.Fields{"message_id": uint64(id)}).Warn("dropping stale packet")
			return nil
		default:
			return err
		}
	}
	return c.dispatch(id, info.SeqNo, payload, 0)
}

func (c *SessionConnection) dispatch(id MessageID, seqNo uint32, payload []byte, depth int) error {
	if seqNo&1 == 1 {
		c.queueAck(id)
	}

	switch peekTag(payload) {
	case tagGzipPacked:
		inner, err := gzipUnpack(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		return c.dispatch(id, seqNo, inner, depth)

	case tagMsgContainer:
		if depth > 0 {
			return fmt.Errorf("%w: nested container", ErrProtocolViolation)
		}
		items, err := parseContainer(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		for _, item := range items {
			if !item.ID.ServerOriginated() {
				return fmt.Errorf("%w: container item id %d has client parity", ErrProtocolViolation, item.ID)
			}
			if err := c.dispatch(item.ID, item.SeqNo, item.Payload, depth+1); err != nil {
				return err
			}
		}
		return nil

	case tagRPCResult:
		return c.onRPCResult(payload)
	case tagPong:
		return c.onPong(payload)
	case tagNewSessionCreated:
		return c.onNewSessionCreated(payload)
	case tagBadMsgNotify, tagBadServerSalt:
		return c.onBadMsgNotification(id, payload)
	case tagMsgsAck:
		return c.onMsgsAck(payload)
	case tagFutureSalts:
		return c.onFutureSalts(payload)
	case tagMsgsStateInfo:
		return c.onMsgsStateInfo(payload)
	case tagMsgsAllInfo:
		return c.onMsgsAllInfo(payload)
	case tagMsgDetailedInfo, tagMsgNewDetailed:
		return c.onMsgDetailedInfo(payload)
	case tagDestroyKeyOK, tagDestroyKeyNone, tagDestroyKeyFail:
		return c.onDestroyKeyResult(payload)

	default:
		return c.onUpdate(id, payload)
	}
}

func (c *SessionConnection) queueAck(id MessageID) {
	if len(c.pendingAcks) == 0 {
		c.firstAckAt = c.now()
	}
	c.pendingAcks = append(c.pendingAcks, id)
}

func (c *SessionConnection) onRPCResult(payload []byte) error {
	m, err := parseRPCResult(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	q, ok := c.sentQueries[m.ReqMsgID]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"req_msg_id": uint64(m.ReqMsgID),
		}).Warn("result for unknown query")
		return nil
	}
	delete(c.sentQueries, m.ReqMsgID)
	c.forgetContainerMember(q)
	q.Acked = true

	result := m.Result
	if peekTag(result) == tagGzipPacked {
		if result, err = gzipUnpack(result); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
	}
	if peekTag(result) == tagRPCError {
		remote, err := parseRPCError(result)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		c.handler.OnQueryError(q, remote)
		return nil
	}
	c.handler.OnQueryResult(q, result)
	return nil
}

func (c *SessionConnection) onPong(payload []byte) error {
	m, err := parsePong(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if m.PingID != c.pingID {
		logrus.WithFields(logrus.Fields{"ping_id": m.PingID}).Debug("pong for stale ping")
		return nil
	}
	now := c.now()
	c.pingInFlight = false
	sample := now - c.lastPingSentAt
	if sample > 0 {
		c.rtt = sample
	}
	// A pong also acknowledges the ping message it answers.
	return nil
}

func (c *SessionConnection) onNewSessionCreated(payload []byte) error {
	m, err := parseNewSessionCreated(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	now := c.now()
	c.auth.SetServerSalt(m.ServerSalt, now)
	logrus.WithFields(logrus.Fields{
		"first_msg_id": uint64(m.FirstMsgID),
		"unique_id":    m.UniqueID,
	}).Info("server opened a new session")

	// Everything sent before the announced first id may have been lost.
	var stale []MessageID
	for id, q := range c.sentQueries {
		if id < m.FirstMsgID && !q.Acked {
			stale = append(stale, id)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	for _, id := range stale {
		c.resendQuery(id)
	}
	return nil
}

// resendQuery moves a sent query back to the pending list so the next flush
// sends it under a fresh id.
func (c *SessionConnection) resendQuery(id MessageID) {
	q, ok := c.sentQueries[id]
	if !ok {
		return
	}
	delete(c.sentQueries, id)
	c.forgetContainerMember(q)
	q.Acked = false
	q.sent = false
	q.ContainerID = 0
	c.pendingQueries = append(c.pendingQueries, q)
}

// forgetContainerMember drops a resolved query from its container record,
// deleting the record once its last member is gone.
func (c *SessionConnection) forgetContainerMember(q *Query) {
	if q.ContainerID == 0 {
		return
	}
	members, ok := c.containers[q.ContainerID]
	if !ok {
		return
	}
	kept := members[:0]
	for _, member := range members {
		if member != q.ID {
			kept = append(kept, member)
		}
	}
	if len(kept) == 0 {
		delete(c.containers, q.ContainerID)
		return
	}
	c.containers[q.ContainerID] = kept
}

func (c *SessionConnection) onBadMsgNotification(carrier MessageID, payload []byte) error {
	m, err := parseBadMsgNotification(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	now := c.now()

	affected := c.affectedQueryIDs(m.BadMsgID)
	if svc, ok := c.serviceQueries[m.BadMsgID]; ok {
		delete(c.serviceQueries, m.BadMsgID)
		if svc.kind == serviceQueryFutureSalts {
			c.saltRequested = false
		}
	}

	logrus.WithFields(logrus.Fields{
		"bad_msg_id": uint64(m.BadMsgID),
		"code":       m.Code,
		"queries":    len(affected),
	}).Warn("bad message notification")

	switch {
	case m.HasSalt:
		c.auth.SetServerSalt(m.NewSalt, now)
		for _, id := range affected {
			c.resendQuery(id)
		}
		return nil

	case m.Code == BadCodeMsgIDTooLow || m.Code == BadCodeMsgTooOld:
		// Our clock estimate is off. The notification's own id carries the
		// server's idea of now.
		c.auth.UpdateTimeDifference(carrier.Time() - now)
		for _, id := range affected {
			c.resendQuery(id)
		}
		return nil

	default:
		return &BadMessageError{MessageID: m.BadMsgID, Code: m.Code}
	}
}

// affectedQueryIDs resolves a peer-reported message id to in-flight query
// ids, following one container indirection.
func (c *SessionConnection) affectedQueryIDs(id MessageID) []MessageID {
	if _, ok := c.sentQueries[id]; ok {
		return []MessageID{id}
	}
	if members, ok := c.containers[id]; ok {
		var out []MessageID
		for _, member := range members {
			if _, ok := c.sentQueries[member]; ok {
				out = append(out, member)
			}
		}
		return out
	}
	return nil
}

func (c *SessionConnection) onMsgsAck(payload []byte) error {
	ids, err := parseMsgsAck(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	for _, id := range ids {
		c.markAcked(id)
	}
	return nil
}

func (c *SessionConnection) markAcked(id MessageID) {
	if q, ok := c.sentQueries[id]; ok {
		q.Acked = true
		return
	}
	if members, ok := c.containers[id]; ok {
		for _, member := range members {
			if q, ok := c.sentQueries[member]; ok {
				q.Acked = true
			}
		}
	}
}

func (c *SessionConnection) onFutureSalts(payload []byte) error {
	m, err := parseFutureSalts(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	delete(c.serviceQueries, m.ReqMsgID)
	c.saltRequested = false
	now := c.now()
	c.auth.UpdateTimeDifference(float64(m.Now) - now)
	c.auth.SetFutureSalts(m.Salts, now)
	logrus.WithFields(logrus.Fields{"salts": len(m.Salts)}).Debug("future salts adopted")
	return nil
}

func (c *SessionConnection) onMsgsStateInfo(payload []byte) error {
	m, err := parseMsgsStateInfo(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	svc, ok := c.serviceQueries[m.ReqMsgID]
	if !ok || svc.kind != serviceQueryGetStateInfo {
		logrus.WithFields(logrus.Fields{
			"req_msg_id": uint64(m.ReqMsgID),
		}).Warn("state info for unknown request")
		return nil
	}
	delete(c.serviceQueries, m.ReqMsgID)
	c.applyStateInfo(svc.ids, m.Info)
	return nil
}

func (c *SessionConnection) onMsgsAllInfo(payload []byte) error {
	m, err := parseMsgsAllInfo(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	c.applyStateInfo(m.IDs, m.Info)
	return nil
}

// applyStateInfo fans per-id delivery status bytes out to the queries they
// describe. Status 4 means the server holds the message; lower values mean
// it never arrived and the query must go out again.
func (c *SessionConnection) applyStateInfo(ids []MessageID, info []byte) {
	for i, id := range ids {
		if i >= len(info) {
			break
		}
		if info[i]&7 == 4 {
			c.markAcked(id)
			continue
		}
		c.resendQuery(id)
	}
}

func (c *SessionConnection) onMsgDetailedInfo(payload []byte) error {
	m, err := parseMsgDetailedInfo(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if m.MsgID != 0 {
		if _, ok := c.sentQueries[m.MsgID]; !ok {
			// Answer to a query we already resolved; just ack it.
			c.queueAck(m.AnswerMsgID)
			return nil
		}
	}
	c.pendingResend = append(c.pendingResend, m.AnswerMsgID)
	return nil
}

func (c *SessionConnection) onDestroyKeyResult(payload []byte) error {
	tag := peekTag(payload)
	for id, svc := range c.serviceQueries {
		if svc.kind == serviceQueryDestroyKey {
			delete(c.serviceQueries, id)
		}
	}
	switch tag {
	case tagDestroyKeyOK, tagDestroyKeyNone:
		logrus.Info("auth key destroyed")
		c.auth.DropTmpKey()
		c.auth.DropMainKey()
	case tagDestroyKeyFail:
		logrus.Warn("auth key destruction refused")
		c.destroySent = false
	}
	return nil
}

// onUpdate handles everything with an unknown constructor: a server-pushed
// update, subject to its own replay window.
func (c *SessionConnection) onUpdate(id MessageID, payload []byte) error {
	if recheck := c.auth.RecheckUpdate(id); errors.Is(recheck, ErrStaleMessage) {
		logrus.WithFields(logrus.Fields{"message_id": uint64(id)}).Warn("very old update")
	}
	if err := c.auth.CheckUpdate(id); err != nil {
		if errors.Is(err, ErrDuplicate) {
			logrus.WithFields(logrus.Fields{"message_id": uint64(id)}).Debug("dropping duplicate update")
			return nil
		}
		// Below the replay floor: updates may have been lost for good.
		return fmt.Errorf("%w: update %d below replay window", ErrStaleMessage, id)
	}
	c.handler.OnUpdate(payload)
	return nil
}
