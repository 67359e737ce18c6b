package endpoint

import "net"

// Metadata carries the socket address associated with a datagram: the
// source address on an inbound datagram, the destination address on an
// outbound one. A nil Metadata (or nil *Metadata) means "no address info",
// which is valid for transports with a single implicit peer (e.g. a
// connected UDP socket).
type Metadata struct {
	Addr net.Addr
}

// Clone returns a copy of m's address information, or nil if m is nil.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	return &Metadata{Addr: m.Addr}
}

// SinkListener is notified when a previously would-block Sink becomes
// writable again, per spec.md §6.1.
type SinkListener interface {
	OnCanPut()
}

// Sink is the transport's write side: a byte-oriented datagram destination.
// PutData returns coap.ErrWouldBlock when the transport cannot accept the
// datagram right now; the caller is expected to retry once SinkListener.OnCanPut
// fires.
type Sink interface {
	PutData(datagram []byte, meta *Metadata) error
	SetListener(l SinkListener)
}

// Source is the transport's read side. It is handed a Sink (normally the
// endpoint itself, via Endpoint.AsDataSink) and pushes every inbound
// datagram into it.
type Source interface {
	SetDataSink(sink Sink)
}
