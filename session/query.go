package session

// Query is a request handed to a SessionConnection. The connection assigns
// the message id at send time and reports the outcome through the Handler.
type Query struct {
	// ID is the message id the query was last sent with. Zero until the
	// first send; replaced when the query is re-sent under a new id.
	ID MessageID

	// Payload is the serialized function call.
	Payload []byte

	// InvokeAfter lists message ids the server must answer before
	// executing this query.
	InvokeAfter []MessageID

	// Token identifies the query to the caller across re-sends.
	Token uint64

	// Acked is set once the server acknowledged receipt.
	Acked bool

	// ContainerID is the id of the container the query was last packed
	// into, or the query's own id when it went out bare.
	ContainerID MessageID

	sent   bool
	sentAt float64
}

// serviceQueryKind tells the receive path how to interpret the response to
// a service request the connection itself generated.
type serviceQueryKind int

const (
	serviceQueryNone serviceQueryKind = iota
	serviceQueryGetStateInfo
	serviceQueryResendAnswer
	serviceQueryFutureSalts
	serviceQueryDestroyKey
)

// serviceQuery tracks one in-flight connection-generated request.
type serviceQuery struct {
	kind serviceQueryKind

	// ids holds the message ids the request asked about, in request
	// order, for get-state and resend queries.
	ids []MessageID
}
