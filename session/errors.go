package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned for operations on a closed session. All
	// unacknowledged queries are handed back for resubmission elsewhere.
	ErrSessionClosed = errors.New("session closed")

	// ErrProtocolViolation marks a sequence or id invariant break. The
	// session is desynchronized and must close rather than partially
	// recover.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrDuplicate marks a replayed message id. Recovered locally: the
	// message is dropped, never surfaced.
	ErrDuplicate = errors.New("duplicate message id")

	// ErrStaleMessage marks a message id below the tracked window. For
	// server-pushed updates this means updates may have been lost, which
	// fails the session.
	ErrStaleMessage = errors.New("message id too old")

	// ErrPingTimeout reports a missed pong deadline.
	ErrPingTimeout = errors.New("ping timeout expired")

	// ErrReadTimeout reports a silent connection.
	ErrReadTimeout = errors.New("read timeout expired")
)

// RemoteError is a peer-reported RPC failure. It resolves one query;
// the session stays alive.
type RemoteError struct {
	Code    int32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Codes carried by bad message notifications.
const (
	BadCodeMsgIDTooLow      int32 = 16
	BadCodeMsgIDTooHigh     int32 = 17
	BadCodeMsgIDBadMod4     int32 = 18
	BadCodeMsgIDCollision   int32 = 19
	BadCodeMsgTooOld        int32 = 20
	BadCodeSeqNoTooLow      int32 = 32
	BadCodeSeqNoTooHigh     int32 = 33
	BadCodeSeqNoNotEven     int32 = 34
	BadCodeSeqNoNotOdd      int32 = 35
	BadCodeInvalidContainer int32 = 64
)

// BadMessageError is a protocol-level notification about one of our
// messages.
type BadMessageError struct {
	MessageID MessageID
	Code      int32
}

func (e *BadMessageError) Error() string {
	return fmt.Sprintf("bad message %d for message_id %d: %s", e.Code, e.MessageID, badCodeText(e.Code))
}

// Unwrap maps unrecoverable notification codes onto the session-fatal kind.
func (e *BadMessageError) Unwrap() error { return ErrProtocolViolation }

func badCodeText(code int32) string {
	switch code {
	case BadCodeMsgIDTooLow:
		return "message id too low"
	case BadCodeMsgIDTooHigh:
		return "message id too high"
	case BadCodeMsgIDBadMod4:
		return "message id not divisible by 4"
	case BadCodeMsgIDCollision:
		return "message id collision in container"
	case BadCodeMsgTooOld:
		return "message too old"
	case BadCodeSeqNoTooLow:
		return "sequence number too low"
	case BadCodeSeqNoTooHigh:
		return "sequence number too high"
	case BadCodeSeqNoNotEven:
		return "even sequence number expected"
	case BadCodeSeqNoNotOdd:
		return "odd sequence number expected"
	case BadCodeInvalidContainer:
		return "invalid container"
	default:
		return "unknown code"
	}
}
