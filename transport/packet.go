package transport

// Side selects which half of the key schedule a party uses. Each direction
// of a connection derives different AES parameters, so an endpoint must know
// whether it plays the client or the server role.
type Side int

const (
	SideClient Side = iota
	SideServer
)

// writeX returns the key-slice offset for packets this side sends.
func (s Side) writeX() int {
	if s == SideClient {
		return 0
	}
	return 8
}

// readX returns the key-slice offset for packets this side receives.
func (s Side) readX() int {
	if s == SideClient {
		return 8
	}
	return 0
}

// PacketInfo carries the envelope metadata of one packet. On write the
// caller fills it in; on read the envelope layer populates it.
type PacketInfo struct {
	// Version selects the envelope revision: 1 uses the SHA-1 key schedule
	// and minimal padding, 2 uses the SHA-256 schedule and padded lengths.
	Version int

	// NoCrypto marks handshake-phase packets sent before any auth key
	// exists.
	NoCrypto bool

	Salt      uint64
	SessionID uint64
	MessageID uint64
	SeqNo     uint32

	// UseRandomPadding replaces the bucketed version-2 padding with a
	// random amount, defeating ciphertext length fingerprinting.
	UseRandomPadding bool

	// MessageAck is the quick-ack token derived for this packet.
	MessageAck uint32
}
