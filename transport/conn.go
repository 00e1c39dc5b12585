package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mtproto/crypto"
)

// defaultPollInterval bounds how long one Flush call waits for inbound data
// before returning control to the caller's loop.
const defaultPollInterval = 10 * time.Millisecond

// PacketCallback receives every decoded packet from a Flush cycle.
type PacketCallback interface {
	OnRawPacket(info *PacketInfo, payload []byte) error
}

// RawConnection owns one socket. It frames outbound packets through the
// envelope and codec layers, correlates quick-ack tokens back to the sends
// that requested them, and latches the first I/O error so every later call
// fails fast. It is driven by a single goroutine; none of its methods may
// be called concurrently.
type RawConnection struct {
	conn         net.Conn
	codec        *Codec
	side         Side
	pollInterval time.Duration

	sendQueue []queuedFrame
	ackTokens map[uint32]func()

	err    error
	closed bool
}

type queuedFrame struct {
	frame    []byte
	quickAck bool
}

// NewRawConnection takes ownership of conn.
func NewRawConnection(conn net.Conn, side Side) *RawConnection {
	return &RawConnection{
		conn:         conn,
		codec:        NewCodec(conn, side),
		side:         side,
		pollInterval: defaultPollInterval,
		ackTokens:    make(map[uint32]func()),
	}
}

// SendCrypto seals payload under authKey and queues it. When onQuickAck is
// non-nil the peer is asked for a quick ack, and onQuickAck fires when the
// matching token arrives.
func (c *RawConnection) SendCrypto(payload []byte, authKey *crypto.AuthKey, info *PacketInfo, onQuickAck func()) error {
	if c.err != nil {
		return c.err
	}
	frame, err := WriteCrypto(payload, authKey, c.side, info)
	if err != nil {
		return c.fail(err)
	}
	if onQuickAck != nil {
		c.ackTokens[info.MessageAck] = onQuickAck
	}
	c.sendQueue = append(c.sendQueue, queuedFrame{frame: frame, quickAck: onQuickAck != nil})
	return nil
}

// SendNoCrypto queues a handshake-phase packet.
func (c *RawConnection) SendNoCrypto(payload []byte, info *PacketInfo) error {
	if c.err != nil {
		return c.err
	}
	frame, err := WriteNoCrypto(payload, info)
	if err != nil {
		return c.fail(err)
	}
	c.sendQueue = append(c.sendQueue, queuedFrame{frame: frame})
	return nil
}

// Flush drains the connection: every complete inbound frame is decoded and
// dispatched, then all queued outbound frames are written. version selects
// the envelope revision expected on inbound encrypted packets.
func (c *RawConnection) Flush(authKey *crypto.AuthKey, version int, cb PacketCallback) error {
	if c.err != nil {
		return c.err
	}
	if err := c.flushRead(authKey, version, cb); err != nil {
		return c.fail(err)
	}
	if err := c.flushWrite(); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *RawConnection) flushRead(authKey *crypto.AuthKey, version int, cb PacketCallback) error {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.pollInterval)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}
		frame, token, isQuickAck, err := c.codec.ReadFrame()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil
			}
			return err
		}
		if isQuickAck {
			c.dispatchQuickAck(token)
			continue
		}

		info := &PacketInfo{Version: version}
		res, err := Read(frame, authKey, c.side, info)
		if err != nil {
			return err
		}
		switch res.Kind {
		case ReadResultNop:
		case ReadResultQuickAck:
			c.dispatchQuickAck(res.QuickAck)
		case ReadResultError:
			return &RemoteCloseError{Code: res.ErrorCode}
		case ReadResultPacket:
			if err := cb.OnRawPacket(info, res.Payload); err != nil {
				return err
			}
		}
	}
}

// FlushWrite drains only the outbound queue. Inbound frames stay buffered
// in the socket until the next full Flush, so none can be consumed without
// a callback to receive it.
func (c *RawConnection) FlushWrite() error {
	if c.err != nil {
		return c.err
	}
	if err := c.flushWrite(); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *RawConnection) flushWrite() error {
	for len(c.sendQueue) > 0 {
		item := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]
		if err := c.codec.WriteFrame(item.frame, item.quickAck); err != nil {
			return err
		}
	}
	return nil
}

func (c *RawConnection) dispatchQuickAck(token uint32) {
	f, ok := c.ackTokens[token]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"token": token,
		}).Warn("quick ack for unknown token")
		return
	}
	delete(c.ackTokens, token)
	f()
}

// HasQueuedPackets reports whether output is pending.
func (c *RawConnection) HasQueuedPackets() bool { return len(c.sendQueue) > 0 }

// Err returns the latched failure, if any.
func (c *RawConnection) Err() error { return c.err }

func (c *RawConnection) fail(err error) error {
	if c.err == nil {
		c.err = err
	}
	return c.err
}

// Close shuts the socket down. It is idempotent and marks the connection
// failed so in-flight callers bail out.
func (c *RawConnection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.fail(ErrConnectionFailed)
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("closing socket: %w", err)
	}
	return nil
}
