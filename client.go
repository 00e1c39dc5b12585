package mtproto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mtproto/config"
	"github.com/opd-ai/mtproto/crypto"
	"github.com/opd-ai/mtproto/handshake"
	"github.com/opd-ai/mtproto/scheduler"
	"github.com/opd-ai/mtproto/session"
	"github.com/opd-ai/mtproto/transport"
)

// flushInterval paces the connection-driving loop.
const flushInterval = 10 * time.Millisecond

// reconnectAttempts bounds how often a failed session is replaced before
// the client gives up and fails every pending query.
const reconnectAttempts = 3

// ChainID aliases the scheduler's ordering-domain identifier for callers.
type ChainID = scheduler.ChainID

// UpdateHandler receives server-pushed messages that match no query.
type UpdateHandler func(payload []byte)

type queryOutcome struct {
	data []byte
	err  error
}

// pendingQuery tracks one Invoke call from submission to outcome.
type pendingQuery struct {
	token   uint64
	payload []byte
	taskID  scheduler.TaskID
	parents []scheduler.TaskID
	query   *session.Query
	result  chan queryOutcome
}

// Client owns one connection to a data center: it negotiates keys, runs the
// session engine, orders queries through the chain scheduler and replaces
// the session when it fails.
type Client struct {
	conf    *config.Config
	keys    *handshake.KeyStore
	dialer  *transport.Dialer
	dhCache crypto.DhCallback
	sched   *scheduler.ChainScheduler[*pendingQuery]
	traceID uuid.UUID

	onUpdate UpdateHandler

	mu        sync.Mutex
	auth      *session.AuthData
	conn      *session.SessionConnection
	queries   map[uint64]*pendingQuery
	deferred  []*pendingQuery
	nextToken uint64
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient builds a client from a validated configuration. No connection
// is opened until Connect.
func NewClient(conf *config.Config, dhCache crypto.DhCallback) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	conf.ApplyLogging()

	pems, err := conf.TrustedKeys()
	if err != nil {
		return nil, err
	}
	keys, err := handshake.NewKeyStore(pems...)
	if err != nil {
		return nil, err
	}

	return &Client{
		conf:    conf,
		keys:    keys,
		dialer:  conf.Dialer(),
		dhCache: dhCache,
		sched:   scheduler.New[*pendingQuery](),
		traceID: uuid.New(),
		queries: make(map[uint64]*pendingQuery),
	}, nil
}

// OnUpdate installs the handler for server-pushed messages. Must be called
// before Connect.
func (c *Client) OnUpdate(h UpdateHandler) { c.onUpdate = h }

// Connect dials the configured endpoint, negotiates keys and starts the
// connection-driving loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrSessionClosed
	}

	auth := session.NewAuthData()
	auth.SetUsePFS(c.conf.Session.UsePFS)
	c.auth = auth

	if err := c.establish(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx)

	logrus.WithFields(logrus.Fields{
		"trace_id": c.traceID.String(),
		"addr":     c.conf.Endpoint.Addr,
	}).Info("client connected")
	return nil
}

// establish opens a socket, performs the needed handshakes and builds a
// fresh session engine. Caller holds the lock.
func (c *Client) establish(ctx context.Context) error {
	raw, err := c.dialer.Dial(ctx, c.conf.Endpoint.Addr)
	if err != nil {
		return err
	}

	if !c.auth.HasMainKey() {
		main, err := c.negotiateKey(ctx, raw, 0)
		if err != nil {
			_ = raw.Close()
			return err
		}
		key := main.AuthKey()
		c.auth.SetMainKey(key)
		c.auth.SetTimeDifference(main.ServerTimeDiff())
		c.auth.SetServerSalt(main.ServerSalt(), nowSeconds())
	}
	if c.conf.Session.UsePFS {
		expires := int32(c.conf.Session.TmpKeyExpires.Duration / time.Second)
		tmp, err := c.negotiateKey(ctx, raw, expires)
		if err != nil {
			_ = raw.Close()
			return err
		}
		key := tmp.AuthKey()
		c.auth.SetTmpKey(key)
		salt := tmp.ServerSalt()
		c.auth.SetServerSalt(salt, nowSeconds())
	}

	if err := c.auth.GenerateSessionID(); err != nil {
		_ = raw.Close()
		return err
	}
	c.auth.ClearSeqNo()
	c.conn = session.New(raw, c.auth, (*clientHandler)(c))
	c.conn.SetOnline(c.conf.Session.Online)
	return nil
}

// rawSender adapts the raw connection to the handshake's send interface.
type rawSender struct {
	raw *transport.RawConnection
}

func (s *rawSender) SendNoCrypto(payload []byte) error {
	info := &transport.PacketInfo{
		NoCrypto:  true,
		MessageID: uint64(time.Now().Unix()) << 32,
	}
	if err := s.raw.SendNoCrypto(payload, info); err != nil {
		return err
	}
	// Write-only drain: a reply that raced in stays buffered for the
	// state machine's own read pass.
	return s.raw.FlushWrite()
}

// handshakeDispatch feeds unencrypted responses into the state machine.
type handshakeDispatch struct {
	h   *handshake.Handshake
	cb  handshake.Callback
	ctx *handshake.Context
}

func (d *handshakeDispatch) OnRawPacket(info *transport.PacketInfo, payload []byte) error {
	if !info.NoCrypto {
		return fmt.Errorf("encrypted packet during handshake")
	}
	return d.h.OnMessage(payload, d.cb, d.ctx)
}

func (c *Client) negotiateKey(ctx context.Context, raw *transport.RawConnection, expiresIn int32) (*handshake.Handshake, error) {
	h := handshake.New(c.conf.Endpoint.DCID, expiresIn, nil)
	h.SetTimeout(c.conf.Session.HandshakeTimeout.Duration.Seconds())

	sender := &rawSender{raw: raw}
	dispatch := &handshakeDispatch{h: h, cb: sender, ctx: &handshake.Context{Keys: c.keys, DhCache: c.dhCache}}
	if err := h.Start(sender); err != nil {
		return nil, err
	}

	var empty crypto.AuthKey
	for !h.ReadyForFinish() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := h.CheckTimeout(); err != nil {
			return nil, err
		}
		if err := raw.Flush(&empty, 2, dispatch); err != nil {
			return nil, err
		}
	}
	logrus.WithFields(logrus.Fields{
		"trace_id": c.traceID.String(),
		"temp":     h.IsTemp(),
	}).Debug("key negotiated")
	return h, nil
}

// Invoke submits a query and blocks until its outcome. Chains declare the
// ordering domains the query participates in: within one chain the server
// executes queries in submission order.
func (c *Client) Invoke(ctx context.Context, payload []byte, chains ...ChainID) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, session.ErrSessionClosed
	}
	c.nextToken++
	pq := &pendingQuery{
		token:   c.nextToken,
		payload: payload,
		result:  make(chan queryOutcome, 1),
	}
	pq.taskID = c.sched.CreateTask(chains, pq)
	c.queries[pq.token] = pq
	c.mu.Unlock()

	select {
	case out := <-pq.result:
		return out.data, out.err
	case <-ctx.Done():
		c.abandonQuery(pq)
		return nil, ctx.Err()
	}
}

// abandonQuery detaches a query whose caller gave up waiting.
func (c *Client) abandonQuery(pq *pendingQuery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queries[pq.token]; !ok {
		return
	}
	delete(c.queries, pq.token)
	c.sched.FinishTask(pq.taskID)
	if pq.query != nil && pq.query.ID != 0 && c.conn != nil {
		c.conn.CancelQuery(pq.query.ID)
	}
}

// DestroyAuthKey schedules destruction of the negotiated keys.
func (c *Client) DestroyAuthKey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.RequestDestroyAuthKey()
	}
}

// Close stops the loop, closes the session and fails every pending query.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var result *multierror.Error
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		if err := c.conn.Err(); err != nil && err != session.ErrSessionClosed {
			result = multierror.Append(result, err)
		}
	}
	c.failAllLocked(session.ErrSessionClosed)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"trace_id": c.traceID.String(),
	}).Info("client closed")
	return result.ErrorOrNil()
}

// run drives the session until the context is cancelled or reconnection is
// exhausted.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		c.startRunnable()
		err := c.conn.Flush()
		if err == nil {
			c.mu.Unlock()
			continue
		}
		returned := c.conn.Close()
		logrus.WithFields(logrus.Fields{
			"trace_id": c.traceID.String(),
			"error":    err.Error(),
			"returned": len(returned),
		}).Warn("session failed")

		if rerr := c.reconnect(ctx); rerr != nil {
			c.failAllLocked(err)
			c.mu.Unlock()
			return
		}
		for _, q := range returned {
			// Ordering references point into the dead session.
			q.InvokeAfter = nil
			_ = c.conn.Submit(q)
		}
		c.mu.Unlock()
	}
}

// startRunnable moves every query the scheduler releases into the session,
// holding back queries whose chain parents have no message id yet. Caller
// holds the lock.
func (c *Client) startRunnable() {
	still := c.deferred[:0]
	for _, pq := range c.deferred {
		if c.parentsSent(pq) {
			c.submitQuery(pq)
		} else {
			still = append(still, pq)
		}
	}
	c.deferred = still

	for {
		tw, ok := c.sched.StartNextTask()
		if !ok {
			return
		}
		extra := c.sched.TaskExtra(tw.ID)
		if extra == nil {
			continue
		}
		pq := *extra
		pq.parents = tw.Parents
		if c.parentsSent(pq) {
			c.submitQuery(pq)
		} else {
			c.deferred = append(c.deferred, pq)
		}
	}
}

func (c *Client) parentsSent(pq *pendingQuery) bool {
	for _, parent := range pq.parents {
		extra := c.sched.TaskExtra(parent)
		if extra == nil {
			continue // finished and gone
		}
		if (*extra).query == nil || (*extra).query.ID == 0 {
			return false
		}
	}
	return true
}

func (c *Client) submitQuery(pq *pendingQuery) {
	var after []session.MessageID
	for _, parent := range pq.parents {
		if extra := c.sched.TaskExtra(parent); extra != nil {
			after = append(after, (*extra).query.ID)
		}
	}
	pq.query = &session.Query{
		Token:       pq.token,
		Payload:     pq.payload,
		InvokeAfter: after,
	}
	_ = c.conn.Submit(pq.query)
}

// reconnect replaces a failed session, keeping the negotiated keys. Caller
// holds the lock.
func (c *Client) reconnect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if lastErr = c.establish(ctx); lastErr == nil {
			logrus.WithFields(logrus.Fields{
				"trace_id": c.traceID.String(),
				"attempt":  attempt,
			}).Info("session replaced")
			return nil
		}
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return lastErr
}

// failAllLocked resolves every pending query with err. Caller holds the
// lock.
func (c *Client) failAllLocked(err error) {
	for token, pq := range c.queries {
		pq.result <- queryOutcome{err: err}
		delete(c.queries, token)
	}
	c.deferred = nil
}

// clientHandler receives session outcomes. Its methods run inside Flush,
// with the client lock already held by the loop.
type clientHandler Client

func (h *clientHandler) OnQueryResult(q *session.Query, result []byte) {
	c := (*Client)(h)
	pq, ok := c.queries[q.Token]
	if !ok {
		return
	}
	delete(c.queries, q.Token)
	c.sched.FinishTask(pq.taskID)
	if !c.auth.BindFlag() {
		// First confirmed round trip under the temporary key.
		c.auth.OnBind()
	}
	pq.result <- queryOutcome{data: result}
}

func (h *clientHandler) OnQueryError(q *session.Query, remote *session.RemoteError) {
	c := (*Client)(h)
	pq, ok := c.queries[q.Token]
	if !ok {
		return
	}
	delete(c.queries, q.Token)
	c.sched.FinishTask(pq.taskID)
	pq.result <- queryOutcome{err: remote}
}

func (h *clientHandler) OnUpdate(payload []byte) {
	c := (*Client)(h)
	if c.onUpdate != nil {
		c.onUpdate(payload)
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
