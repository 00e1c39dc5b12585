package session

// MessageID identifies one protocol message. The high 32 bits approximate
// the server-time unix second of creation; client-originated ids are
// divisible by 4, server-originated ids are odd.
type MessageID uint64

// Time returns the approximate server unix time encoded in the id.
func (id MessageID) Time() float64 {
	return float64(id >> 32)
}

// ClientOriginated reports whether the id has client parity.
func (id MessageID) ClientOriginated() bool {
	return id&3 == 0
}

// ServerOriginated reports whether the id has server parity.
func (id MessageID) ServerOriginated() bool {
	return id&1 == 1
}
