// Package endpoint implements the CoAP client/server runtime described in
// spec.md §3–§5: a token-keyed request table with retransmission, a
// backpressure-aware response queue, and URI-path handler dispatch with
// filters. It is built entirely against the Sink/Source/Scheduler
// collaborator interfaces so any transport and clock can be plugged in —
// see pkg/transport/udp for the production transport.
package endpoint

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/junbin-yang/coapcore/pkg/coap"
	"github.com/junbin-yang/coapcore/pkg/utils/logger"
)

// Config are the tunables named in spec.md §3.4 and §9's default table.
type Config struct {
	AckTimeoutMs          int
	AckRandomFactor       float64
	MaxResendCount        int
	ResponseQueueCapacity int
	TokenPrefix           []byte
}

func (c Config) withDefaults() Config {
	if c.AckTimeoutMs <= 0 {
		c.AckTimeoutMs = 5000
	}
	if c.AckRandomFactor <= 1.0 {
		c.AckRandomFactor = 1.5
	}
	if c.MaxResendCount <= 0 {
		c.MaxResendCount = 4
	}
	if c.ResponseQueueCapacity <= 0 {
		c.ResponseQueueCapacity = 16
	}
	return c
}

// Stats exposes the telemetry counters backing the "sink-error-vs-drop"
// open question resolution recorded in SPEC_FULL.md §D: response drops are
// silent to the protocol (RFC 7252 gives the server no recourse) but never
// silent to an operator watching this endpoint.
type Stats struct {
	ResponsesDroppedQueueFull uint64
	ResponsesDroppedSinkError uint64
}

// Endpoint is one CoAP client+server instance bound to a single transport.
type Endpoint struct {
	cfg       Config
	sink      Sink
	scheduler Scheduler

	mu           sync.Mutex
	requests     map[Handle]*requestContext
	requestOrder []Handle
	nextHandle   Handle

	responseQueue []queuedResponse
	drainReqFirst bool

	registry     *registry
	defaultEntry *handlerEntry
	filters      filterChain

	tokenCounter uint32
	messageID    uint16
	rng          *rand.Rand

	// callbackDepth counts currently in-flight withCallback calls. It exists
	// to guard reentrancy, not concurrency: a listener or handler callback
	// is free to call back into the endpoint's own public API (e.g.
	// CancelRequest from within OnResponse), and structural table mutations
	// observed while it is nonzero are deferred to pendingCleanup rather
	// than applied immediately, so a table entry is never freed out from
	// under a callback that is still using it.
	callbackDepth  int
	pendingCleanup []Handle

	stats Stats
}

type queuedResponse struct {
	datagram []byte
	meta     *Metadata
}

// NewEndpoint builds an Endpoint wired to sink for outgoing datagrams and
// scheduler for retransmission timers. Call AsDataSink to obtain the Sink
// a transport Source should be pointed at for inbound datagrams.
func NewEndpoint(sink Sink, scheduler Scheduler, cfg Config) *Endpoint {
	seed := time.Now().UnixNano()
	ep := &Endpoint{
		cfg:       cfg.withDefaults(),
		sink:      sink,
		scheduler: scheduler,
		requests:  make(map[Handle]*requestContext),
		registry:  newRegistry(),
		rng:       rand.New(rand.NewSource(seed)),
		messageID: uint16(seed),
	}
	ep.tokenCounter = ep.rng.Uint32()
	sink.SetListener(ep)
	return ep
}

// AsDataSink returns the Sink a transport Source's SetDataSink should be
// called with, so inbound datagrams reach this endpoint. Per the
// single-threaded cooperative model in spec.md §9's design notes, its
// PutData must be called from one goroutine at a time — a transport with
// multiple reader goroutines must serialize its calls into this Sink
// itself.
func (ep *Endpoint) AsDataSink() Sink { return inboundSink{ep} }

// Poll drives retransmission timers. Per spec.md §9's single-threaded
// cooperative model, a timer never fires on a goroutine of its own: the
// host must call Poll periodically (e.g. from a ticker it owns) from the
// same thread that feeds AsDataSink, and any timer fire — including the
// OnAck/OnError/OnResponse it delivers — happens synchronously from inside
// this call.
func (ep *Endpoint) Poll() {
	ep.scheduler.Poll()
}

// inboundSink adapts Endpoint to the Sink interface for the inbound
// direction: PutData here means "a datagram arrived", not "send one".
type inboundSink struct{ ep *Endpoint }

func (s inboundSink) PutData(datagram []byte, meta *Metadata) error {
	s.ep.handleIncoming(datagram, meta)
	return nil
}
func (s inboundSink) SetListener(SinkListener) {}

// Stats returns a snapshot of the endpoint's telemetry counters.
func (ep *Endpoint) Stats() Stats {
	return Stats{
		ResponsesDroppedQueueFull: atomic.LoadUint64(&ep.stats.ResponsesDroppedQueueFull),
		ResponsesDroppedSinkError: atomic.LoadUint64(&ep.stats.ResponsesDroppedSinkError),
	}
}

// --- callback guard -------------------------------------------------------

// withCallback runs fn (a call into user code: a ResponseListener, a
// RequestHandler or a RequestFilter) without holding ep.mu, so the callback
// is free to re-enter the endpoint's public API (e.g. CancelRequest)
// without deadlocking. Structural mutations that arrive while any callback
// is in flight — most importantly a cancel racing a callback for the same
// request — are deferred until the last concurrent callback returns, per
// the "locked flag defers destruction during iteration" design translated
// in spec.md §9.
func (ep *Endpoint) withCallback(fn func()) {
	ep.mu.Lock()
	ep.callbackDepth++
	ep.mu.Unlock()

	fn()

	ep.mu.Lock()
	ep.callbackDepth--
	if ep.callbackDepth == 0 {
		for _, h := range ep.pendingCleanup {
			ep.deleteRequestLocked(h)
		}
		ep.pendingCleanup = nil
	}
	ep.mu.Unlock()
}

// --- request table ---------------------------------------------------------

func (ep *Endpoint) deleteRequestLocked(h Handle) {
	delete(ep.requests, h)
	for i, o := range ep.requestOrder {
		if o == h {
			ep.requestOrder = append(ep.requestOrder[:i], ep.requestOrder[i+1:]...)
			break
		}
	}
}

// removeRequest deletes h from the table immediately, unless a callback is
// currently in flight, in which case it queues h on pendingCleanup and
// defers the physical removal. It does not change the request's state;
// its caller, CancelRequest, has already marked it Cancelled.
func (ep *Endpoint) removeRequest(h Handle) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.callbackDepth > 0 {
		ep.pendingCleanup = append(ep.pendingCleanup, h)
		return
	}
	ep.deleteRequestLocked(h)
}

func (ep *Endpoint) nextToken() []byte {
	ep.tokenCounter++
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ep.tokenCounter)
	return append(append([]byte(nil), ep.cfg.TokenPrefix...), b[:]...)
}

func (ep *Endpoint) nextMessageID() uint16 {
	ep.messageID++
	return ep.messageID
}

func (ep *Endpoint) pickInitialTimeout(params ClientParams) int {
	if params.AckTimeoutMs > 0 {
		return params.AckTimeoutMs
	}
	lo := float64(ep.cfg.AckTimeoutMs)
	hi := lo * ep.cfg.AckRandomFactor
	return int(lo + ep.rng.Float64()*(hi-lo))
}

// SendRequest builds and sends a CoAP request, registering listener to
// receive its outcome. It returns a Handle that CancelRequest accepts.
func (ep *Endpoint) SendRequest(typ coap.Type, code coap.Code, opts []coap.Option, payload []byte, params ClientParams, listener ResponseListener) (Handle, error) {
	ep.mu.Lock()
	token := ep.nextToken()
	mid := ep.nextMessageID()
	ep.mu.Unlock()

	msg, err := coap.Build(coap.BuildParams{
		Type:      typ,
		Code:      code,
		MessageID: mid,
		Token:     token,
		Options:   opts,
		Payload:   payload,
	})
	if err != nil {
		return 0, err
	}

	maxResend := params.MaxResendCount
	if maxResend <= 0 {
		maxResend = ep.cfg.MaxResendCount
	}

	ep.mu.Lock()
	ep.nextHandle++
	h := ep.nextHandle
	req := &requestContext{
		handle:          h,
		msg:             msg,
		meta:            params.Meta.Clone(),
		state:           ReadyToSend,
		resendTimeoutMs: ep.pickInitialTimeout(params),
		maxResendCount:  maxResend,
		listener:        listener,
	}
	ep.requests[h] = req
	ep.requestOrder = append(ep.requestOrder, h)
	ep.mu.Unlock()

	timer, err := ep.scheduler.CreateTimer()

	ep.mu.Lock()
	if err == nil {
		req.timer = timer
		timer.Schedule(&requestTimeout{ep: ep, handle: h}, req.resendTimeoutMs)
	}
	failedListener := ep.attemptSendRequestLocked(req)
	ep.mu.Unlock()

	if failedListener != nil {
		ep.withCallback(func() { failedListener.OnError(coap.ErrSendFailure) })
	}

	return h, nil
}

// attemptSendRequestLocked tries to push req's datagram to the sink. Must be
// called with ep.mu held. On a hard send failure it drops req from the
// table and returns its listener so the caller can report the error once
// ep.mu is released, instead of spawning a goroutine for the callback.
func (ep *Endpoint) attemptSendRequestLocked(req *requestContext) ResponseListener {
	if req.state != ReadyToSend {
		return nil
	}
	err := ep.sink.PutData(req.msg.ToDatagram(), req.meta)
	if err == nil {
		req.state = WaitingForAck
		return nil
	}
	if errors.Is(err, coap.ErrWouldBlock) {
		return nil // stays READY_TO_SEND; OnCanPut will retry
	}
	ep.deleteRequestLocked(req.handle)
	return req.listener
}

// drainPendingRequestsLocked attempts to send every ReadyToSend request in
// order, stopping at the first one that would-blocks or hard-fails. It
// returns the listener of a hard failure, if one occurred, for the caller to
// report after releasing ep.mu.
func (ep *Endpoint) drainPendingRequestsLocked() ResponseListener {
	for _, h := range ep.requestOrder {
		req := ep.requests[h]
		if req == nil || req.state != ReadyToSend {
			continue
		}
		if listener := ep.attemptSendRequestLocked(req); listener != nil {
			return listener
		}
		if req.state == ReadyToSend {
			return nil // still would-block; preserve order, stop here
		}
	}
	return nil
}

// requestTimeout adapts one requestContext's retransmission schedule to the
// TimerListener interface.
type requestTimeout struct {
	ep     *Endpoint
	handle Handle
}

func (t *requestTimeout) OnTimeout() {
	ep := t.ep
	ep.mu.Lock()
	req, ok := ep.requests[t.handle]
	if !ok || req.state == Cancelled {
		ep.mu.Unlock()
		return
	}
	if req.resendCount < req.maxResendCount {
		req.resendTimeoutMs *= 2
		req.resendCount++
		req.state = ReadyToSend
		if req.timer != nil {
			req.timer.Schedule(t, req.resendTimeoutMs)
		}
		failedListener := ep.drainPendingRequestsLocked()
		ep.mu.Unlock()
		if failedListener != nil {
			ep.withCallback(func() { failedListener.OnError(coap.ErrSendFailure) })
		}
		return
	}
	ep.deleteRequestLocked(t.handle)
	ep.mu.Unlock()

	ep.withCallback(func() { req.listener.OnError(coap.ErrTimeout) })
}

// CancelRequest aborts a pending request. It is idempotent: a second call
// (or a call after the request has already completed) returns
// ErrNoSuchItem, never a panic or a second listener callback.
func (ep *Endpoint) CancelRequest(h Handle) error {
	ep.mu.Lock()
	req, ok := ep.requests[h]
	if !ok || req.state == Cancelled {
		ep.mu.Unlock()
		return coap.ErrNoSuchItem
	}
	req.state = Cancelled
	if req.timer != nil {
		req.timer.Destroy()
	}
	inCallback := ep.callbackDepth > 0
	if inCallback {
		ep.pendingCleanup = append(ep.pendingCleanup, h)
	}
	ep.mu.Unlock()

	if !inCallback {
		ep.removeRequest(h)
	}
	return nil
}

// --- inbound datagram handling ---------------------------------------------

func (ep *Endpoint) handleIncoming(datagram []byte, meta *Metadata) {
	msg, err := coap.Parse(datagram)
	if err != nil {
		logger.Debugf("coap: dropping malformed datagram: %s", logger.GetError(err))
		return
	}
	if msg.Code().IsRequest() {
		ep.handleIncomingRequest(msg, meta)
		return
	}
	ep.handleIncomingResponse(msg, meta)
}

func (ep *Endpoint) findByToken(token []byte) *requestContext {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for _, h := range ep.requestOrder {
		req := ep.requests[h]
		if req.state == Cancelled {
			continue
		}
		if bytes.Equal(req.msg.Token(), token) {
			return req
		}
	}
	return nil
}

func (ep *Endpoint) handleIncomingResponse(msg *coap.Message, meta *Metadata) {
	req := ep.findByToken(msg.Token())
	if req == nil {
		logger.Debugf("coap: no matching request for token % X", msg.Token())
		return
	}

	ep.mu.Lock()
	if req.state == Cancelled {
		ep.mu.Unlock()
		return
	}
	wasWaiting := req.state == ReadyToSend || req.state == WaitingForAck
	if req.timer != nil {
		req.timer.Destroy()
		req.timer = nil
	}

	isReset := msg.Type() == coap.RESET
	isEmptyAck := msg.Type() == coap.ACK && msg.Code() == coap.Empty
	isUnexpectedEmpty := !isEmptyAck && msg.Code() == coap.Empty

	if isEmptyAck {
		req.state = Acked
	} else {
		// RESET, an unexpected empty message, or a real response — the
		// request is finished either way.
		ep.deleteRequestLocked(req.handle)
	}
	ep.mu.Unlock()

	switch {
	case isReset:
		ep.withCallback(func() { req.listener.OnError(coap.ErrReset) })
	case isEmptyAck:
		if wasWaiting {
			ep.withCallback(func() { req.listener.OnAck() })
		}
	case isUnexpectedEmpty:
		ep.withCallback(func() { req.listener.OnError(coap.ErrUnexpectedMessage) })
	default:
		if wasWaiting {
			ep.withCallback(func() { req.listener.OnAck() })
		}
		ep.withCallback(func() { req.listener.OnResponse(msg, meta) })
	}
}

// --- server-side dispatch ---------------------------------------------------

// RegisterRequestHandler mounts handler at path, matching any request path
// for which path is a segment-wise prefix. allow is a bitmask of MethodGet
// etc; groups (0-15, up to 4 group bits in this core) gates the handler
// through a registered NewGroupFilter. async opts the handler into
// receiving a *Responder for deferred replies.
func (ep *Endpoint) RegisterRequestHandler(path string, allow, groups uint8, async bool, handler RequestHandler) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.registry.register(path, allow, groups, async, handler)
}

// UnregisterRequestHandler removes the handler previously mounted at path.
func (ep *Endpoint) UnregisterRequestHandler(path string) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.registry.unregister(path)
}

// SetDefaultRequestHandler installs the handler invoked when no registered
// path matches, per spec.md §4.3's "special path '/'" fallback. Passing a
// nil handler clears it, reverting to a bare 4.04.
func (ep *Endpoint) SetDefaultRequestHandler(allow, groups uint8, async bool, handler RequestHandler) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if handler == nil {
		ep.defaultEntry = nil
		return
	}
	ep.defaultEntry = &handlerEntry{allow: allow, groups: groups, async: async, handler: handler}
}

// RegisterRequestFilter appends fn to the filter chain, run in registration
// order ahead of every matched handler.
func (ep *Endpoint) RegisterRequestFilter(fn RequestFilter) FilterHandle {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.filters.register(fn)
}

// UnregisterRequestFilter removes a previously registered filter.
func (ep *Endpoint) UnregisterRequestFilter(h FilterHandle) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.filters.unregister(h)
}

func (ep *Endpoint) matchHandler(segments []string) *handlerEntry {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if entry, ok := ep.registry.match(segments); ok {
		return entry
	}
	return ep.defaultEntry
}

func (ep *Endpoint) filterSnapshot() []filterEntry {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return append([]filterEntry(nil), ep.filters.filters...)
}

func (ep *Endpoint) handleIncomingRequest(req *coap.Message, meta *Metadata) {
	segments := pathSegments(req)
	entry := ep.matchHandler(segments)
	if entry == nil {
		ep.respondSimple(req, meta, coap.NotFound)
		return
	}
	if entry.allow != 0 && entry.allow&methodBit(req.Code()) == 0 {
		ep.respondSimple(req, meta, coap.MethodNotAllowed)
		return
	}

	flags := HandlerFlags{Allow: entry.allow, Groups: entry.groups}
	for _, f := range ep.filterSnapshot() {
		var out Outcome
		ep.withCallback(func() { out = f.fn(ep, req, flags, meta) })
		if ep.shortCircuit(req, meta, out) {
			return
		}
	}

	var responder *Responder
	if entry.async {
		responder = newResponder(ep, req, meta)
	}

	var out Outcome
	handler := entry.handler
	ep.withCallback(func() { out = handler(ep, req, responder, meta) })

	if out.Async {
		if entry.async {
			if req.Type() == coap.CON {
				ep.sendEmptyAck(req, meta)
				responder.noteAcked()
			}
			return
		}
		return // handler already answered out of band
	}
	if responder != nil {
		responder.Release()
	}
	if !ep.shortCircuit(req, meta, out) {
		logger.Warnf("coap: handler returned no response for %s request", req.Code())
	}
}

// shortCircuit sends a response for a non-empty Outcome and reports whether
// it did so (true for Response/Code/Err, false for the zero Outcome).
func (ep *Endpoint) shortCircuit(req *coap.Message, meta *Metadata, out Outcome) bool {
	switch {
	case out.Err != nil:
		ep.respondSimple(req, meta, coap.InternalServerError)
		return true
	case out.Response != nil:
		ep.dispatchResponse(out.Response, meta)
		return true
	case out.Code != 0:
		ep.respondSimple(req, meta, out.Code)
		return true
	default:
		return false
	}
}

func (ep *Endpoint) respondSimple(req *coap.Message, meta *Metadata, code coap.Code) {
	resp, err := ep.buildResponse(req, false, code, nil, nil)
	if err != nil {
		logger.Warnf("coap: failed to build response: %s", logger.GetError(err))
		return
	}
	ep.dispatchResponse(resp, meta)
}

// buildResponse builds a response to req. A piggybacked response (the
// common case, acked == false) reuses the request's message ID and is
// typed ACK for a CON request, NON otherwise. An async response sent after
// an empty ACK (acked == true) is always CON with a fresh message ID, since
// the original message ID was already consumed acknowledging the request.
func (ep *Endpoint) buildResponse(req *coap.Message, acked bool, code coap.Code, opts []coap.Option, payload []byte) (*coap.Message, error) {
	ep.mu.Lock()
	var typ coap.Type
	var mid uint16
	if acked {
		typ = coap.CON
		mid = ep.nextMessageID()
	} else if req.Type() == coap.CON {
		typ = coap.ACK
		mid = req.MessageID()
	} else {
		typ = coap.NON
		mid = ep.nextMessageID()
	}
	ep.mu.Unlock()

	return coap.Build(coap.BuildParams{
		Type:      typ,
		Code:      code,
		MessageID: mid,
		Token:     req.Token(),
		Options:   opts,
		Payload:   payload,
	})
}

// CreateResponse builds a response to req without sending it — a
// piggybacked ACK for a CON request, a plain NON otherwise — reusing req's
// token throughout. It is exposed directly (not only via Responder) so
// layers built on top of the endpoint, like the blockwise server helper,
// can construct a response ahead of choosing how to send it.
func (ep *Endpoint) CreateResponse(req *coap.Message, code coap.Code, opts []coap.Option, payload []byte) (*coap.Message, error) {
	return ep.buildResponse(req, false, code, opts, payload)
}

// SendResponse sends a response built by CreateResponse (or any other
// *coap.Message addressed to meta), through the same queued/backpressured
// path every other outbound response uses.
func (ep *Endpoint) SendResponse(resp *coap.Message, meta *Metadata) {
	ep.dispatchResponse(resp, meta)
}

func (ep *Endpoint) sendEmptyAck(req *coap.Message, meta *Metadata) {
	ack, err := coap.Build(coap.BuildParams{
		Type:      coap.ACK,
		Code:      coap.Empty,
		MessageID: req.MessageID(),
	})
	if err != nil {
		return
	}
	ep.dispatchResponse(ack, meta)
}

// dispatchResponse is the single place an outbound server-side datagram
// (response or empty ACK) reaches the sink, so it always goes through the
// response queue's backpressure handling.
func (ep *Endpoint) dispatchResponse(resp *coap.Message, meta *Metadata) {
	ep.enqueueOrSendResponse(resp.ToDatagram(), meta.Clone())
}

// --- response queue ---------------------------------------------------------

// enqueueOrSendResponse implements spec.md §4.4's SendResponse ordering:
// drain the queue head-first, then attempt the new datagram immediately if
// the queue is now empty; on WOULD_BLOCK enqueue it instead; on a full
// queue, drop with telemetry; on any other send error, drop with
// telemetry (the protocol gives a CoAP server no retry path for an
// unsolicited response delivery failure).
func (ep *Endpoint) enqueueOrSendResponse(datagram []byte, meta *Metadata) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.drainResponseQueueLocked()
	if len(ep.responseQueue) > 0 {
		ep.pushResponseLocked(datagram, meta)
		return
	}

	err := ep.sink.PutData(datagram, meta)
	if err == nil {
		return
	}
	if errors.Is(err, coap.ErrWouldBlock) {
		ep.pushResponseLocked(datagram, meta)
		return
	}
	atomic.AddUint64(&ep.stats.ResponsesDroppedSinkError, 1)
	logger.Debugf("coap: dropping response after sink error: %s", logger.GetError(err))
}

func (ep *Endpoint) pushResponseLocked(datagram []byte, meta *Metadata) {
	if len(ep.responseQueue) >= ep.cfg.ResponseQueueCapacity {
		atomic.AddUint64(&ep.stats.ResponsesDroppedQueueFull, 1)
		logger.Debugf("coap: response queue full (capacity %d), dropping", ep.cfg.ResponseQueueCapacity)
		return
	}
	ep.responseQueue = append(ep.responseQueue, queuedResponse{datagram: datagram, meta: meta})
}

func (ep *Endpoint) drainResponseQueueLocked() {
	for len(ep.responseQueue) > 0 {
		head := ep.responseQueue[0]
		err := ep.sink.PutData(head.datagram, head.meta)
		if err == nil {
			ep.responseQueue = ep.responseQueue[1:]
			continue
		}
		if errors.Is(err, coap.ErrWouldBlock) {
			return
		}
		atomic.AddUint64(&ep.stats.ResponsesDroppedSinkError, 1)
		ep.responseQueue = ep.responseQueue[1:]
	}
}

// OnCanPut implements SinkListener: the transport is writable again. Per
// spec.md §4.2, pending requests and the response queue are drained in
// alternating priority order for fairness between the client and server
// roles sharing one sink.
func (ep *Endpoint) OnCanPut() {
	ep.mu.Lock()
	var failedListener ResponseListener
	if ep.drainReqFirst {
		failedListener = ep.drainPendingRequestsLocked()
		ep.drainResponseQueueLocked()
	} else {
		ep.drainResponseQueueLocked()
		failedListener = ep.drainPendingRequestsLocked()
	}
	ep.drainReqFirst = !ep.drainReqFirst
	ep.mu.Unlock()

	if failedListener != nil {
		ep.withCallback(func() { failedListener.OnError(coap.ErrSendFailure) })
	}
}
