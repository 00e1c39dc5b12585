package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame: the largest payload plus envelope
// overhead.
const maxFrameSize = (1 << 22) + 1024

// codecInitMarker announces the length-delimited stream dialect to the
// peer. It is written once, before the first frame.
var codecInitMarker = [4]byte{0xee, 0xee, 0xee, 0xee}

// Codec delimits frames on a byte stream with 4-byte little-endian length
// words. A length word with the high bit set is not a frame but an inline
// quick-ack token. Reads are resumable: when the stream returns a timeout
// mid-frame the partial state is kept and the next ReadFrame call picks up
// where it left off. Codec is not safe for concurrent use.
type Codec struct {
	rw          io.ReadWriter
	initWritten bool
	initRead    bool
	readsInit   bool

	head    [4]byte
	headLen int
	body    []byte
	bodyLen int
}

// NewCodec wraps a byte stream. The server side expects to read the dialect
// marker first; the client side writes it before its first frame.
func NewCodec(rw io.ReadWriter, side Side) *Codec {
	return &Codec{rw: rw, readsInit: side == SideServer}
}

// WriteFrame writes one delimited frame. When quickAck is set the high bit
// of the length word asks the peer to confirm receipt with a quick-ack
// token before processing.
func (c *Codec) WriteFrame(frame []byte, quickAck bool) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	if !c.initWritten && !c.readsInit {
		if _, err := c.rw.Write(codecInitMarker[:]); err != nil {
			return fmt.Errorf("writing stream marker: %w", err)
		}
		c.initWritten = true
	}
	var head [4]byte
	length := uint32(len(frame))
	if quickAck {
		length |= 1 << 31
	}
	binary.LittleEndian.PutUint32(head[:], length)
	if _, err := c.rw.Write(head[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := c.rw.Write(frame); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// WriteQuickAck writes a bare quick-ack token. Tokens always have the high
// bit set, which is what distinguishes them from length words.
func (c *Codec) WriteQuickAck(token uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], token)
	if _, err := c.rw.Write(buf[:]); err != nil {
		return fmt.Errorf("writing quick ack: %w", err)
	}
	return nil
}

// ReadFrame reads the next frame or inline quick-ack token. Exactly one of
// frame and token is meaningful: token is valid when isQuickAck is true. On
// error (including timeouts) partial progress is retained for the next call.
func (c *Codec) ReadFrame() (frame []byte, token uint32, isQuickAck bool, err error) {
	for {
		if err := c.fillHead(); err != nil {
			return nil, 0, false, err
		}
		if c.readsInit && !c.initRead {
			c.initRead = true
			marker := c.head
			c.headLen = 0
			if marker != codecInitMarker {
				return nil, 0, false, fmt.Errorf("%w: bad stream marker %x", ErrMalformedPacket, marker)
			}
			continue
		}

		word := binary.LittleEndian.Uint32(c.head[:])
		if word&(1<<31) != 0 {
			c.headLen = 0
			return nil, word, true, nil
		}
		if word > maxFrameSize {
			c.headLen = 0
			return nil, 0, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, word)
		}
		if c.body == nil {
			c.body = make([]byte, word)
			c.bodyLen = 0
		}
		if err := c.fillBody(); err != nil {
			return nil, 0, false, err
		}
		frame = c.body
		c.headLen = 0
		c.body = nil
		c.bodyLen = 0
		return frame, 0, false, nil
	}
}

func (c *Codec) fillHead() error {
	for c.headLen < len(c.head) {
		n, err := c.rw.Read(c.head[c.headLen:])
		c.headLen += n
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) fillBody() error {
	for c.bodyLen < len(c.body) {
		n, err := c.rw.Read(c.body[c.bodyLen:])
		c.bodyLen += n
		if err != nil {
			return err
		}
	}
	return nil
}
