package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mtproto/crypto"
)

// Times in this file are float64 unix seconds; callers pass "now" explicitly
// so the whole layer is clock-injectable.

const (
	// saltValidity is how long an adopted salt is assumed good when the
	// server did not say.
	saltValidity = 10 * 60
	// saltExpiryMargin retires a salt this long before its deadline.
	saltExpiryMargin = 60

	// tmpKeyRenewMargin asks for a fresh temporary key this long before
	// expiry; tmpKeyHardMargin stops using one this long before expiry.
	tmpKeyRenewMargin = 2 * 60 * 60
	tmpKeyHardMargin  = 60 * 60
)

// ServerSalt is one salt with its validity window in server time.
type ServerSalt struct {
	Salt       uint64
	ValidSince float64
	ValidUntil float64
}

// AuthData is the per-session protocol state: keys, salts, server time
// offset, message id and sequence counters, and inbound replay windows. It
// belongs to a single connection's processing unit and is not locked.
type AuthData struct {
	sessionID uint64

	usePFS  bool
	mainKey crypto.AuthKey
	tmpKey  crypto.AuthKey

	timeDifference        float64
	timeDifferenceUpdated bool

	serverSalt  ServerSalt
	futureSalts []ServerSalt // descending ValidSince

	lastMessageID MessageID
	seqNo         uint32

	duplicates       DuplicateChecker
	updateDuplicates DuplicateChecker
	updateRecheck    DuplicateChecker
}

// NewAuthData starts with a random throwaway salt that is already expired,
// so the session asks for real salts immediately.
func NewAuthData() *AuthData {
	a := &AuthData{
		usePFS:        true,
		updateRecheck: DuplicateChecker{window: updateRecheckWindow},
	}
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err == nil {
		a.serverSalt.Salt = binary.LittleEndian.Uint64(buf[0:8])
		a.sessionID = binary.LittleEndian.Uint64(buf[8:16])
	}
	a.serverSalt.ValidSince = -1e10
	a.serverSalt.ValidUntil = -1e10
	return a
}

// Ready reports whether the session can send encrypted traffic: a usable
// key and a currently valid salt.
func (a *AuthData) Ready(now float64) bool {
	if !a.HasMainKey() {
		return false
	}
	if a.usePFS && !a.HasTmpKey(now) {
		return false
	}
	return a.HasSalt(now)
}

func (a *AuthData) SessionID() uint64      { return a.sessionID }
func (a *AuthData) SetSessionID(id uint64) { a.sessionID = id }

// GenerateSessionID rerolls the session id, used when a failed session is
// reopened.
func (a *AuthData) GenerateSessionID() error {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Errorf("generating session id: %w", err)
	}
	a.sessionID = binary.LittleEndian.Uint64(buf[:])
	return nil
}

func (a *AuthData) SetUsePFS(use bool) { a.usePFS = use }
func (a *AuthData) UsePFS() bool       { return a.usePFS }

func (a *AuthData) SetMainKey(key crypto.AuthKey) { a.mainKey = key }
func (a *AuthData) MainKey() *crypto.AuthKey      { return &a.mainKey }
func (a *AuthData) HasMainKey() bool              { return !a.mainKey.Empty() }
func (a *AuthData) DropMainKey()                  { a.mainKey = crypto.AuthKey{} }

func (a *AuthData) SetTmpKey(key crypto.AuthKey) { a.tmpKey = key }
func (a *AuthData) TmpKey() *crypto.AuthKey      { return &a.tmpKey }
func (a *AuthData) DropTmpKey()                  { a.tmpKey = crypto.AuthKey{} }

// HasTmpKey reports whether the temporary key is still safely usable.
func (a *AuthData) HasTmpKey(now float64) bool {
	if !a.usePFS || a.tmpKey.Empty() {
		return false
	}
	return now <= a.tmpKey.ExpiresAt()-tmpKeyHardMargin
}

// NeedTmpKey reports whether a replacement temporary key should be
// negotiated.
func (a *AuthData) NeedTmpKey(now float64) bool {
	if !a.usePFS {
		return false
	}
	if a.tmpKey.Empty() {
		return true
	}
	return now > a.tmpKey.ExpiresAt()-tmpKeyRenewMargin || !a.HasTmpKey(now)
}

// Key returns the key used for traffic: the temporary one under forward
// secrecy, the main key otherwise.
func (a *AuthData) Key() *crypto.AuthKey {
	if a.usePFS {
		return &a.tmpKey
	}
	return &a.mainKey
}

// HasKey reports whether Key is currently usable.
func (a *AuthData) HasKey(now float64) bool {
	if a.usePFS {
		return a.HasTmpKey(now)
	}
	return a.HasMainKey()
}

// BindFlag reports whether the traffic key is bound to the account: always
// true without forward secrecy, otherwise only after the temporary key was
// bound to the main one.
func (a *AuthData) BindFlag() bool {
	return !a.usePFS || a.tmpKey.AuthFlag()
}

// OnBind marks the temporary key as bound.
func (a *AuthData) OnBind() { a.tmpKey.SetAuthFlag(true) }

// ServerTime converts a local time to estimated server time.
func (a *AuthData) ServerTime(now float64) float64 { return now + a.timeDifference }

// TimeDifference returns the current server-minus-local estimate.
func (a *AuthData) TimeDifference() float64 { return a.timeDifference }

// SetTimeDifference installs an externally measured offset, e.g. from a
// handshake.
func (a *AuthData) SetTimeDifference(diff float64) {
	a.timeDifferenceUpdated = false
	a.timeDifference = diff
}

// UpdateTimeDifference ratchets the offset upward: the true offset is at
// least the largest observed one, since observed message times never run
// ahead of the server clock.
func (a *AuthData) UpdateTimeDifference(diff float64) bool {
	if a.timeDifferenceUpdated && diff <= a.timeDifference+1e-4 {
		return false
	}
	logrus.WithFields(logrus.Fields{
		"old": a.timeDifference,
		"new": diff,
	}).Debug("server time difference updated")
	a.timeDifference = diff
	a.timeDifferenceUpdated = true
	return true
}

// ServerSalt returns the salt to use now, rotating in stored future salts
// as they become valid.
func (a *AuthData) ServerSalt(now float64) uint64 {
	a.updateSalt(now)
	return a.serverSalt.Salt
}

// SetServerSalt adopts a salt pushed by the server, assuming the default
// validity window. Stored future salts are discarded.
func (a *AuthData) SetServerSalt(salt uint64, now float64) {
	serverTime := a.ServerTime(now)
	a.serverSalt = ServerSalt{Salt: salt, ValidSince: serverTime, ValidUntil: serverTime + saltValidity}
	a.futureSalts = nil
}

// HasSalt reports whether the current salt is still comfortably valid.
func (a *AuthData) HasSalt(now float64) bool {
	a.updateSalt(now)
	return a.saltValid(now)
}

// NeedFutureSalts reports whether a salt refill request is due.
func (a *AuthData) NeedFutureSalts(now float64) bool {
	a.updateSalt(now)
	return len(a.futureSalts) == 0 || !a.saltValid(now)
}

// SetFutureSalts stores a refill batch.
func (a *AuthData) SetFutureSalts(salts []ServerSalt, now float64) {
	if len(salts) == 0 {
		return
	}
	a.futureSalts = append([]ServerSalt(nil), salts...)
	sort.Slice(a.futureSalts, func(i, j int) bool {
		return a.futureSalts[i].ValidSince > a.futureSalts[j].ValidSince
	})
	a.updateSalt(now)
}

// FutureSalts returns the stored salts plus the active one.
func (a *AuthData) FutureSalts() []ServerSalt {
	res := append([]ServerSalt(nil), a.futureSalts...)
	return append(res, a.serverSalt)
}

func (a *AuthData) saltValid(now float64) bool {
	return a.serverSalt.ValidUntil > a.ServerTime(now)+saltExpiryMargin
}

func (a *AuthData) updateSalt(now float64) {
	serverTime := a.ServerTime(now)
	for len(a.futureSalts) > 0 && a.futureSalts[len(a.futureSalts)-1].ValidSince < serverTime {
		a.serverSalt = a.futureSalts[len(a.futureSalts)-1]
		a.futureSalts = a.futureSalts[:len(a.futureSalts)-1]
	}
}

// NextMessageID produces a strictly increasing id divisible by 4 whose high
// bits track server time. Low bits are randomized for clocks with coarse
// precision.
func (a *AuthData) NextMessageID(now float64) MessageID {
	t := int64(a.ServerTime(now) * (1 << 32))

	var rb [4]byte
	_, _ = rand.Read(rb[:])
	rx := int32(binary.LittleEndian.Uint32(rb[:]))
	toXor := int64(rx & ((1 << 22) - 1))
	toMul := int64((rx>>22)&1023) + 1

	t ^= toXor
	result := t &^ 3
	if int64(a.lastMessageID) >= result {
		result = int64(a.lastMessageID) + 8*toMul
	}
	a.lastMessageID = MessageID(result)
	return a.lastMessageID
}

// ValidOutboundID reports whether an id we generated is still plausibly
// current.
func (a *AuthData) ValidOutboundID(id MessageID, now float64) bool {
	serverTime := a.ServerTime(now)
	idTime := id.Time()
	return serverTime-300/2 < idTime && idTime < serverTime+60/2
}

// ValidInboundID reports whether a received id is within the replay-safe
// window.
func (a *AuthData) ValidInboundID(id MessageID, now float64) bool {
	serverTime := a.ServerTime(now)
	idTime := id.Time()
	return serverTime-300 < idTime && idTime < serverTime+30
}

// CheckPacket validates the envelope of a received message: session match,
// server parity, replay window and, once the clock is trusted, the
// freshness bounds. timeUpdated reports whether the observation moved the
// server-time estimate.
func (a *AuthData) CheckPacket(sessionID uint64, id MessageID, now float64) (timeUpdated bool, err error) {
	if sessionID != a.sessionID {
		return false, fmt.Errorf("%w: packet for session %016x on session %016x",
			ErrProtocolViolation, sessionID, a.sessionID)
	}
	if !id.ServerOriginated() {
		return false, fmt.Errorf("%w: inbound message id %d has client parity", ErrProtocolViolation, id)
	}
	if err := a.duplicates.Check(id); err != nil {
		return false, err
	}
	timeUpdated = a.UpdateTimeDifference(id.Time() - now)
	if a.timeDifferenceUpdated && !a.ValidInboundID(id, now) {
		return timeUpdated, fmt.Errorf("%w: message id %d outside freshness window", ErrStaleMessage, id)
	}
	return timeUpdated, nil
}

// CheckUpdate runs the separate replay window used for server-pushed
// updates.
func (a *AuthData) CheckUpdate(id MessageID) error {
	return a.updateDuplicates.Check(id)
}

// RecheckUpdate runs the tighter second replay window over the same id. Its
// verdict is advisory; CheckUpdate drives what happens to the update.
func (a *AuthData) RecheckUpdate(id MessageID) error {
	return a.updateRecheck.Check(id)
}

// NextSeqNo returns the next sequence number. Content-related messages get
// odd numbers and advance the counter; service messages reuse the current
// even value.
func (a *AuthData) NextSeqNo(contentRelated bool) uint32 {
	res := a.seqNo
	if contentRelated {
		res |= 1
		a.seqNo += 2
	}
	return res
}

// ClearSeqNo resets the counter for a fresh session.
func (a *AuthData) ClearSeqNo() { a.seqNo = 0 }
