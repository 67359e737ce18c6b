package endpoint

import (
	"github.com/junbin-yang/coapcore/pkg/coap"
)

// Handle identifies one in-flight client request. The zero Handle never
// names a real request, so it doubles as the sentinel "no handle" value.
type Handle uint64

// State is a request context's position in the retransmission state
// machine described in spec.md §3.4.
type State uint8

const (
	ReadyToSend State = iota
	WaitingForAck
	Acked
	Cancelled
)

func (s State) String() string {
	switch s {
	case ReadyToSend:
		return "READY_TO_SEND"
	case WaitingForAck:
		return "WAITING_FOR_ACK"
	case Acked:
		return "ACKED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ResponseListener receives the outcome of a request sent through
// Endpoint.SendRequest, per spec.md §3.4 and §4.2.
type ResponseListener interface {
	// OnAck fires once, the first time the request is acknowledged — either
	// by an empty ACK or by a piggybacked response arriving directly.
	OnAck()
	// OnResponse fires exactly once with the final response, if one arrives.
	OnResponse(resp *coap.Message, meta *Metadata)
	// OnError fires instead of OnResponse when the request fails: timeout,
	// a RESET reply, or a transport-level send failure.
	OnError(err error)
}

// ClientParams configures a single SendRequest call. A zero
// ClientParams uses the endpoint's configured defaults.
type ClientParams struct {
	// AckTimeoutMs, if nonzero, overrides the endpoint's default initial
	// retransmission timeout and disables randomization for this request.
	AckTimeoutMs int
	// MaxResendCount, if nonzero, overrides the endpoint's default resend
	// budget for this request.
	MaxResendCount int
	// Meta is the destination address to hand the transport sink.
	Meta *Metadata
}

// requestContext is one entry in the endpoint's request table: a map keyed
// by Handle. Go's garbage collector removes the use-after-free hazard the
// original's manual free-list guarded against. Handles come from a
// monotonically increasing counter and are never reused, so a stale Handle
// reliably resolves to ErrNoSuchItem instead of naming a newer request.
type requestContext struct {
	handle Handle
	msg    *coap.Message
	meta   *Metadata
	state  State

	resendTimeoutMs int
	resendCount     int
	maxResendCount  int

	timer    Timer
	listener ResponseListener
}
