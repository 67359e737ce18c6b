// Package udp implements the endpoint.Sink/endpoint.Source transport
// collaborator over a plain UDP socket, the one transport spec.md's external
// "transport" collaborator is ever asked to be in this core.
package udp

import (
	"net"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"

	"github.com/junbin-yang/coapcore/pkg/coap"
	"github.com/junbin-yang/coapcore/pkg/coap/endpoint"
	"github.com/junbin-yang/coapcore/pkg/utils/logger"
)

const (
	// DefaultPort is the well-known CoAP UDP port (RFC 7252 §12.8).
	DefaultPort = 5683
	// MaxDatagramSize bounds the receive buffer; IPv4 UDP payloads never
	// exceed this on a non-jumbogram path.
	MaxDatagramSize = 1500
	// DefaultMulticastTTL matches the teacher's CoAP socket default.
	DefaultMulticastTTL = 64
)

// Transport is a UDP-backed Sink and Source. A server Transport is bound to
// a local address and sends each datagram to the peer named in that
// PutData call's Metadata.Addr (the endpoint passes the requesting peer's
// source address back with its response); it does not remember peers. A
// client Transport is "connected" to one fixed peer address and Metadata is
// optional on PutData.
type Transport struct {
	conn    *net.UDPConn
	dstAddr *net.UDPAddr

	mu       sync.Mutex
	listener endpoint.SinkListener
	sink     endpoint.Sink

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer creates a UDP socket bound to addr, ready to receive requests
// from any peer, grounded on CoapCreateUDPServer's multicast-TTL/loopback
// setup for a server-role socket.
func NewServer(addr *net.UDPAddr) (*Transport, error) {
	if addr == nil {
		return nil, errors.Wrap(coap.ErrInvalidParameters, "nil bind address")
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "udp: bind failed")
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(DefaultMulticastTTL); err != nil {
		logger.Warnf("udp: set multicast ttl failed: %s", logger.GetError(err))
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		logger.Warnf("udp: disable multicast loopback failed: %s", logger.GetError(err))
	}

	return &Transport{conn: conn, done: make(chan struct{})}, nil
}

// NewClient creates a UDP socket for talking to one server at dstAddr. A
// nil dstAddr binds to an arbitrary local address and lets every PutData
// call supply its own destination via Metadata.
func NewClient(dstAddr *net.UDPAddr) (*Transport, error) {
	if dstAddr == nil {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if err != nil {
			return nil, errors.Wrap(err, "udp: client bind failed")
		}
		return &Transport{conn: conn, done: make(chan struct{})}, nil
	}

	conn, err := net.DialUDP("udp", nil, dstAddr)
	if err != nil {
		return nil, errors.Wrap(err, "udp: connect failed")
	}
	return &Transport{conn: conn, dstAddr: dstAddr, done: make(chan struct{})}, nil
}

// LocalAddr returns the socket's bound local address.
func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// SetListener implements endpoint.Sink.
func (t *Transport) SetListener(l endpoint.SinkListener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

// PutData implements endpoint.Sink. A UDP socket write either succeeds or
// fails outright; the would-block path exists for transports with bounded
// send buffers, so it's only reachable here if the OS send buffer is
// temporarily full (EAGAIN/EWOULDBLOCK).
func (t *Transport) PutData(datagram []byte, meta *endpoint.Metadata) error {
	var (
		n   int
		err error
	)
	if meta != nil && meta.Addr != nil {
		udpAddr, ok := meta.Addr.(*net.UDPAddr)
		if !ok {
			return errors.Wrap(coap.ErrInvalidParameters, "udp: meta.Addr is not a *net.UDPAddr")
		}
		n, err = t.conn.WriteToUDP(datagram, udpAddr)
	} else {
		n, err = t.conn.Write(datagram)
	}

	if err != nil {
		if isWouldBlock(err) {
			return coap.ErrWouldBlock
		}
		return errors.Wrap(err, "udp: write failed")
	}
	if n != len(datagram) {
		return errors.Wrap(coap.ErrSendFailure, "udp: short write")
	}
	return nil
}

func isWouldBlock(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK
	}
	return false
}

// SetDataSink implements endpoint.Source. It starts the receive loop the
// first time it is called; calling it again swaps the sink future
// datagrams are delivered to.
func (t *Transport) SetDataSink(sink endpoint.Sink) {
	t.mu.Lock()
	first := t.sink == nil
	t.sink = sink
	t.mu.Unlock()

	if first {
		go t.readLoop()
	}
}

func (t *Transport) readLoop() {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, srcAddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			logger.Warnf("udp: read failed: %s", logger.GetError(err))
			return
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink == nil {
			continue
		}
		if err := sink.PutData(datagram, &endpoint.Metadata{Addr: srcAddr}); err != nil {
			logger.Debugf("udp: dropped inbound datagram from %s: %s", srcAddr, logger.GetError(err))
		}
	}
}

// Close shuts down the socket and stops the receive loop.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}
