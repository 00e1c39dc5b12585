// Package handshake negotiates an authorization key with a server over an
// unencrypted transport. The exchange runs PQ factorization, an RSA-bound
// commitment to the client nonce, and a 2048-bit Diffie-Hellman exchange,
// and yields the key, the first server salt and the measured server time
// offset. A handshake may produce either a permanent key or an expiring one
// for forward secrecy.
package handshake

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mtproto/crypto"
	"github.com/opd-ai/mtproto/tl"
)

var (
	// ErrTimeout reports that a response arrived after the state's share
	// of the handshake deadline.
	ErrTimeout = errors.New("handshake timeout expired")

	// ErrNonceMismatch reports a response carrying the wrong negotiation
	// nonce.
	ErrNonceMismatch = errors.New("nonce mismatch")

	// ErrDHGenFail is the server's final rejection of the negotiated key.
	ErrDHGenFail = errors.New("server rejected the generated key")

	// ErrDHGenRetry asks the caller to restart the handshake.
	ErrDHGenRetry = errors.New("server requested key generation retry")
)

// Timeout shares for the intermediate states: a ResPQ response must arrive
// within 60% of the total budget, DH params within 80%.
const (
	resPQTimeoutShare    = 0.6
	dhParamsTimeoutShare = 0.8
)

// Callback is the transport the handshake sends through.
type Callback interface {
	SendNoCrypto(payload []byte) error
}

// Context bundles the shared, read-mostly resources a handshake consults.
type Context struct {
	Keys    *KeyStore
	DhCache crypto.DhCallback
}

type state int

const (
	stateStart state = iota
	stateResPQ
	stateServerDHParams
	stateDHGenResponse
	stateFinish
)

func (s state) String() string {
	switch s {
	case stateStart:
		return "Start"
	case stateResPQ:
		return "ResPQ"
	case stateServerDHParams:
		return "ServerDHParams"
	case stateDHGenResponse:
		return "DHGenResponse"
	case stateFinish:
		return "Finish"
	default:
		return "Unknown"
	}
}

// Handshake is the client side of one key negotiation. It is driven by a
// single goroutine: Start once, then OnMessage for each response until
// ReadyForFinish.
type Handshake struct {
	dcID      int32
	expiresIn int32
	tp        crypto.TimeProvider

	state     state
	lastQuery []byte
	startTime float64
	timeoutIn float64

	nonce       [16]byte
	serverNonce [16]byte
	newNonce    [32]byte

	expiresAt      float64
	authKey        crypto.AuthKey
	serverSalt     uint64
	serverTimeDiff float64
}

// New starts a negotiation for dcID. expiresIn of zero asks for a permanent
// key; a positive value asks for a temporary key valid that many seconds.
func New(dcID, expiresIn int32, tp crypto.TimeProvider) *Handshake {
	if tp == nil {
		tp = &crypto.DefaultTimeProvider{}
	}
	h := &Handshake{dcID: dcID, expiresIn: expiresIn, tp: tp}
	h.Clear()
	return h
}

// SetTimeout restarts the handshake budget from now.
func (h *Handshake) SetTimeout(seconds float64) {
	h.startTime = crypto.Seconds(h.tp.Now())
	h.timeoutIn = seconds
}

// Clear resets the negotiation to its initial state. Any key material from
// an unfinished exchange is discarded with it.
func (h *Handshake) Clear() {
	h.lastQuery = nil
	h.state = stateStart
	h.authKey = crypto.AuthKey{}
	h.serverSalt = 0
	h.startTime = crypto.Seconds(h.tp.Now())
	h.timeoutIn = 1e9
}

// ReadyForFinish reports whether the key has been accepted by both sides.
func (h *Handshake) ReadyForFinish() bool { return h.state == stateFinish }

// CheckTimeout fails a negotiation whose budget set by SetTimeout has run
// out, whatever state it is stuck in. The per-state deadlines inside
// OnMessage only fire when the peer answers; this one covers a peer that
// never does.
func (h *Handshake) CheckTimeout() error {
	if h.state == stateFinish {
		return nil
	}
	if crypto.Seconds(h.tp.Now()) < h.startTime+h.timeoutIn {
		return nil
	}
	stuck := h.state
	h.Clear()
	return fmt.Errorf("%w: no answer in state %s", ErrTimeout, stuck)
}

// OnFinish releases negotiation state once the caller has taken the results.
func (h *Handshake) OnFinish() { h.Clear() }

// AuthKey returns the negotiated key. Valid once ReadyForFinish is true.
func (h *Handshake) AuthKey() crypto.AuthKey { return h.authKey }

// ServerSalt returns the first salt, valid around the handshake time.
func (h *Handshake) ServerSalt() uint64 { return h.serverSalt }

// ServerTimeDiff returns the measured offset of server time from local time.
func (h *Handshake) ServerTimeDiff() float64 { return h.serverTimeDiff }

// IsTemp reports whether this negotiation produces an expiring key.
func (h *Handshake) IsTemp() bool { return h.expiresIn > 0 }

// Start sends the opening query. It may only be called in the initial state.
func (h *Handshake) Start(cb Callback) error {
	if h.state != stateStart {
		h.Clear()
		return fmt.Errorf("handshake already started in state %s", h.state)
	}
	if _, err := rand.Read(h.nonce[:]); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	if err := h.send(cb, encodeReqPQMulti(h.nonce)); err != nil {
		return err
	}
	h.state = stateResPQ
	return nil
}

// Resume re-sends the in-flight query after a reconnect.
func (h *Handshake) Resume(cb Callback) error {
	if h.state == stateStart {
		return h.Start(cb)
	}
	if h.state == stateFinish || len(h.lastQuery) == 0 {
		h.Clear()
		return h.Start(cb)
	}
	logrus.WithFields(logrus.Fields{
		"state": h.state.String(),
	}).Info("resuming handshake")
	return cb.SendNoCrypto(h.lastQuery)
}

// OnMessage feeds one unencrypted response into the state machine. Any
// error resets the handshake; the caller reports it and retries from
// scratch.
func (h *Handshake) OnMessage(payload []byte, cb Callback, ctx *Context) error {
	var err error
	switch h.state {
	case stateResPQ:
		err = h.onResPQ(payload, cb, ctx.Keys)
	case stateServerDHParams:
		err = h.onServerDHParams(payload, cb, ctx.DhCache)
	case stateDHGenResponse:
		err = h.onDHGenResponse(payload)
	default:
		err = fmt.Errorf("unexpected message in state %s", h.state)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"state": h.state.String(),
			"error": err.Error(),
		}).Warn("handshake failed")
		h.Clear()
	}
	return err
}

func (h *Handshake) onResPQ(payload []byte, cb Callback, keys *KeyStore) error {
	if crypto.Seconds(h.tp.Now()) >= h.startTime+h.timeoutIn*resPQTimeoutShare {
		return fmt.Errorf("%w: waiting for resPQ", ErrTimeout)
	}
	m, err := parseResPQ(payload)
	if err != nil {
		return err
	}
	if m.Nonce != h.nonce {
		return ErrNonceMismatch
	}
	h.serverNonce = m.ServerNonce

	rsaKey, err := keys.GetKey(m.Fingerprints)
	if err != nil {
		return err
	}

	if len(m.PQ) > 8 {
		return fmt.Errorf("pq value of %d bytes", len(m.PQ))
	}
	var pqBuf [8]byte
	copy(pqBuf[8-len(m.PQ):], m.PQ)
	p, q, err := crypto.Factorize(binary.BigEndian.Uint64(pqBuf[:]))
	if err != nil {
		return err
	}

	if _, err := rand.Read(h.newNonce[:]); err != nil {
		return fmt.Errorf("generating new_nonce: %w", err)
	}

	inner := &pqInnerData{
		PQ:          m.PQ,
		P:           bigEndianBytes(p),
		Q:           bigEndianBytes(q),
		Nonce:       h.nonce,
		ServerNonce: h.serverNonce,
		NewNonce:    h.newNonce,
		DC:          h.dcID,
		ExpiresIn:   h.expiresIn,
	}
	if h.IsTemp() {
		h.expiresAt = crypto.Seconds(h.tp.Now()) + float64(h.expiresIn)
	}
	encrypted, err := rsaKey.EncryptPad(encodePQInnerData(inner))
	if err != nil {
		return err
	}

	req := encodeReqDHParams(&reqDHParams{
		Nonce:         h.nonce,
		ServerNonce:   h.serverNonce,
		P:             inner.P,
		Q:             inner.Q,
		Fingerprint:   rsaKey.Fingerprint(),
		EncryptedData: encrypted,
	})
	if err := h.send(cb, req); err != nil {
		return err
	}
	h.state = stateServerDHParams
	return nil
}

func (h *Handshake) onServerDHParams(payload []byte, cb Callback, dhCache crypto.DhCallback) error {
	if crypto.Seconds(h.tp.Now()) >= h.startTime+h.timeoutIn*dhParamsTimeoutShare {
		return fmt.Errorf("%w: waiting for DH params", ErrTimeout)
	}
	m, err := parseServerDHParams(payload)
	if err != nil {
		return err
	}
	if m.Nonce != h.nonce {
		return ErrNonceMismatch
	}
	if m.ServerNonce != h.serverNonce {
		return fmt.Errorf("%w: server nonce", ErrNonceMismatch)
	}
	if len(m.EncryptedAnswer)%16 != 0 || len(m.EncryptedAnswer) < sha1.Size+4 {
		return fmt.Errorf("encrypted answer of %d bytes", len(m.EncryptedAnswer))
	}

	aesKey, aesIV := crypto.TmpKDF(h.serverNonce, h.newNonce)
	answer := make([]byte, len(m.EncryptedAnswer))
	if err := crypto.IGEDecrypt(aesKey[:], aesIV[:], answer, m.EncryptedAnswer); err != nil {
		return err
	}

	// answer = SHA1(inner) + inner + up to 15 random bytes
	r := tl.NewReader(answer[sha1.Size:])
	inner, err := parseServerDHInnerData(r)
	if err != nil {
		return err
	}
	pad := r.Remaining()
	if pad >= 16 {
		return fmt.Errorf("answer padding of %d bytes", pad)
	}
	innerSize := len(answer) - sha1.Size - pad
	digest := sha1.Sum(answer[sha1.Size : sha1.Size+innerSize])
	if string(digest[:]) != string(answer[:sha1.Size]) {
		return errors.New("answer digest mismatch")
	}
	if inner.Nonce != h.nonce {
		return ErrNonceMismatch
	}
	if inner.ServerNonce != h.serverNonce {
		return fmt.Errorf("%w: server nonce", ErrNonceMismatch)
	}

	h.serverTimeDiff = float64(inner.ServerTime) - crypto.Seconds(h.tp.Now())

	var dh crypto.DhHandshake
	dh.SetConfig(inner.G, inner.DHPrime)
	dh.SetGA(inner.GA)
	if err := dh.RunChecks(dhCache); err != nil {
		return err
	}
	gB, key, err := dh.GenKey()
	if err != nil {
		return err
	}

	data := encodeClientDHInnerData(&clientDHInnerData{
		Nonce:       h.nonce,
		ServerNonce: h.serverNonce,
		GB:          gB,
	})
	encryptedSize := sha1.Size + len(data)
	paddedSize := (encryptedSize + 15) &^ 15
	encrypted := make([]byte, paddedSize)
	dataDigest := sha1.Sum(data)
	copy(encrypted, dataDigest[:])
	copy(encrypted[sha1.Size:], data)
	if _, err := rand.Read(encrypted[encryptedSize:]); err != nil {
		return fmt.Errorf("generating padding: %w", err)
	}
	aesKey, aesIV = crypto.TmpKDF(h.serverNonce, h.newNonce)
	if err := crypto.IGEEncrypt(aesKey[:], aesIV[:], encrypted, encrypted); err != nil {
		return err
	}

	if err := h.send(cb, encodeSetClientDHParams(h.nonce, h.serverNonce, encrypted)); err != nil {
		return err
	}

	h.authKey = crypto.NewAuthKey(key)
	h.authKey.SetCreatedAt(float64(inner.ServerTime))
	if h.IsTemp() {
		h.authKey.SetExpiresAt(h.expiresAt)
	}
	h.serverSalt = binary.LittleEndian.Uint64(h.newNonce[0:8]) ^ binary.LittleEndian.Uint64(h.serverNonce[0:8])

	h.state = stateDHGenResponse
	return nil
}

func (h *Handshake) onDHGenResponse(payload []byte) error {
	m, err := parseDHGenResponse(payload)
	if err != nil {
		return err
	}
	switch m.Tag {
	case tagDHGenOK:
		if m.Nonce != h.nonce {
			return ErrNonceMismatch
		}
		if m.ServerNonce != h.serverNonce {
			return fmt.Errorf("%w: server nonce", ErrNonceMismatch)
		}
		if m.NewNonceHash != h.newNonceHash(1) {
			return errors.New("new nonce hash mismatch")
		}
		h.state = stateFinish
		return nil
	case tagDHGenRetry:
		return ErrDHGenRetry
	case tagDHGenFail:
		return ErrDHGenFail
	default:
		return fmt.Errorf("unexpected dh_gen constructor %08x", m.Tag)
	}
}

// newNonceHash computes SHA1(new_nonce + number + SHA1(auth_key)[0:8])[4:].
func (h *Handshake) newNonceHash(number byte) (hash [16]byte) {
	keyDigest := sha1.Sum(h.authKey.Key())
	buf := make([]byte, 0, len(h.newNonce)+1+8)
	buf = append(buf, h.newNonce[:]...)
	buf = append(buf, number)
	buf = append(buf, keyDigest[:8]...)
	digest := sha1.Sum(buf)
	copy(hash[:], digest[4:])
	return hash
}

func (h *Handshake) send(cb Callback, query []byte) error {
	h.lastQuery = query
	return cb.SendNoCrypto(query)
}

func bigEndianBytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}
