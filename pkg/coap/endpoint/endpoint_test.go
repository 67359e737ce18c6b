package endpoint

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/junbin-yang/coapcore/pkg/coap"
)

// fakeSink records every outbound datagram instead of touching the network,
// so tests can parse them back with coap.Parse and build a matching reply.
type fakeSink struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *fakeSink) PutData(datagram []byte, meta *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), datagram...))
	return nil
}

func (s *fakeSink) SetListener(SinkListener) {}

func (s *fakeSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// captureListener is a ResponseListener that records the single outcome it
// receives and closes done.
type captureListener struct {
	done chan struct{}
	resp *coap.Message
	err  error
	acks int
}

func (l *captureListener) OnAck() { l.acks++ }
func (l *captureListener) OnResponse(resp *coap.Message, meta *Metadata) {
	l.resp = resp
	close(l.done)
}
func (l *captureListener) OnError(err error) {
	l.err = err
	close(l.done)
}

func newTestEndpoint() (*Endpoint, *fakeSink) {
	sink := &fakeSink{}
	ep := NewEndpoint(sink, NewScheduler(clockwork.NewFakeClock()), Config{})
	return ep, sink
}

func TestSendRequestPiggybackedResponse(t *testing.T) {
	ep, sink := newTestEndpoint()
	listener := &captureListener{done: make(chan struct{})}

	if _, err := ep.SendRequest(coap.CON, coap.GET, nil, nil, ClientParams{}, listener); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	sent, err := coap.Parse(sink.last())
	if err != nil {
		t.Fatalf("parse sent request: %v", err)
	}

	resp, err := coap.Build(coap.BuildParams{
		Type:      coap.ACK,
		Code:      coap.Content,
		MessageID: sent.MessageID(),
		Token:     sent.Token(),
		Payload:   []byte("hello"),
	})
	if err != nil {
		t.Fatalf("build response: %v", err)
	}

	if err := ep.AsDataSink().PutData(resp.ToDatagram(), nil); err != nil {
		t.Fatalf("deliver response: %v", err)
	}

	select {
	case <-listener.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnResponse")
	}

	if listener.err != nil {
		t.Fatalf("unexpected OnError: %v", listener.err)
	}
	if listener.resp == nil || string(listener.resp.Payload()) != "hello" {
		t.Fatalf("unexpected response: %+v", listener.resp)
	}
}

func TestCancelRequestIsIdempotent(t *testing.T) {
	ep, _ := newTestEndpoint()
	listener := &captureListener{done: make(chan struct{})}

	h, err := ep.SendRequest(coap.CON, coap.GET, nil, nil, ClientParams{}, listener)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	if err := ep.CancelRequest(h); err != nil {
		t.Fatalf("first CancelRequest: %v", err)
	}
	if err := ep.CancelRequest(h); !errors.Is(err, coap.ErrNoSuchItem) {
		t.Fatalf("second CancelRequest = %v, want ErrNoSuchItem", err)
	}
}

func TestCancelFromWithinOnResponse(t *testing.T) {
	ep, sink := newTestEndpoint()
	var h Handle
	listener := &selfCancelListener{done: make(chan struct{})}
	listener.cancel = func() { _ = ep.CancelRequest(h) }

	hh, err := ep.SendRequest(coap.CON, coap.GET, nil, nil, ClientParams{}, listener)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	h = hh

	sent, _ := coap.Parse(sink.last())
	resp, _ := coap.Build(coap.BuildParams{
		Type:      coap.ACK,
		Code:      coap.Content,
		MessageID: sent.MessageID(),
		Token:     sent.Token(),
	})
	if err := ep.AsDataSink().PutData(resp.ToDatagram(), nil); err != nil {
		t.Fatalf("deliver response: %v", err)
	}

	select {
	case <-listener.done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	if err := ep.CancelRequest(h); !errors.Is(err, coap.ErrNoSuchItem) {
		t.Fatalf("CancelRequest after self-cancel = %v, want ErrNoSuchItem", err)
	}
}

type selfCancelListener struct {
	done   chan struct{}
	cancel func()
}

func (l *selfCancelListener) OnAck() {}
func (l *selfCancelListener) OnResponse(resp *coap.Message, meta *Metadata) {
	l.cancel()
	close(l.done)
}
func (l *selfCancelListener) OnError(err error) { close(l.done) }

// TestRetransmitToTimeout drives the retry schedule entirely through
// Endpoint.Poll, the same single-threaded pump a real host ticks — no timer
// fires off its own goroutine, per spec.md §9.
func TestRetransmitToTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &fakeSink{}
	ep := NewEndpoint(sink, NewScheduler(clock), Config{})
	listener := &captureListener{done: make(chan struct{})}

	const (
		initialMs      = 100
		maxResendCount = 3
	)
	if _, err := ep.SendRequest(coap.CON, coap.GET, nil, nil, ClientParams{
		AckTimeoutMs:   initialMs,
		MaxResendCount: maxResendCount,
	}, listener); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	timeoutMs := initialMs
	for i := 0; i < maxResendCount; i++ {
		clock.Advance(time.Duration(timeoutMs) * time.Millisecond)
		ep.Poll()
		timeoutMs *= 2
	}
	// Final fire: resendCount == maxResendCount, so OnError fires without
	// scheduling another timer.
	clock.Advance(time.Duration(timeoutMs) * time.Millisecond)
	ep.Poll()

	select {
	case <-listener.done:
	default:
		t.Fatal("OnError(timeout) was not delivered synchronously from Poll")
	}

	if !errors.Is(listener.err, coap.ErrTimeout) {
		t.Fatalf("OnError = %v, want ErrTimeout", listener.err)
	}
	// One initial send plus maxResendCount resends.
	if got, want := sink.count(), 1+maxResendCount; got != want {
		t.Fatalf("sent %d datagrams, want %d", got, want)
	}
}

// failingSink returns ErrSendFailure for every PutData after the first
// allowCount calls, exercising the hard-send-failure path that fakeSink's
// always-nil PutData never reaches.
type failingSink struct {
	allowCount int
	calls      int
}

func (s *failingSink) PutData(datagram []byte, meta *Metadata) error {
	s.calls++
	if s.calls <= s.allowCount {
		return nil
	}
	return coap.ErrSendFailure
}
func (s *failingSink) SetListener(SinkListener) {}

// TestSendRequestHardFailureDeliveredSynchronously covers spec.md §9's
// contract that a hard send failure delivers OnError from the calling
// goroutine, not from a spawned one.
func TestSendRequestHardFailureDeliveredSynchronously(t *testing.T) {
	sink := &failingSink{allowCount: 0}
	ep := NewEndpoint(sink, NewScheduler(clockwork.NewFakeClock()), Config{})
	listener := &captureListener{done: make(chan struct{})}

	if _, err := ep.SendRequest(coap.CON, coap.GET, nil, nil, ClientParams{}, listener); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	select {
	case <-listener.done:
	default:
		t.Fatal("OnError(send failure) was not delivered synchronously from SendRequest")
	}
	if !errors.Is(listener.err, coap.ErrSendFailure) {
		t.Fatalf("OnError = %v, want ErrSendFailure", listener.err)
	}

	if err := ep.CancelRequest(1); !errors.Is(err, coap.ErrNoSuchItem) {
		t.Fatalf("CancelRequest after hard failure = %v, want ErrNoSuchItem (request should already be gone)", err)
	}
}
