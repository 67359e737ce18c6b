package blockwise

import (
	"bytes"
	"sync"

	"github.com/junbin-yang/coapcore/pkg/coap"
	"github.com/junbin-yang/coapcore/pkg/coap/endpoint"
)

// Handle identifies one in-flight blockwise transfer.
type Handle uint64

// BufferSource supplies the body of a BLOCK1 (request) transfer one chunk
// at a time, per spec.md §4.6. ReadChunk returns up to size bytes starting
// at offset, and whether any bytes remain after this chunk.
type BufferSource interface {
	ReadChunk(offset, size uint32) (chunk []byte, more bool, err error)
}

// ClientListener receives each block of a blockwise GET's response body (or
// the single block of a PUT/POST's final response), per spec.md §4.6.
type ClientListener interface {
	OnBlock(offset, size uint32, more bool, code coap.Code, payload []byte)
	OnError(err error)
}

// Manager owns the blockwise client transfers running on top of one
// endpoint. Its methods correspond to the SendBlockwiseRequest /
// Pause|Resume|CancelBlockwiseRequest entries spec.md §6.5 lists on
// CoapEndpoint itself; they live on a separate Manager here because
// pkg/coap/endpoint must not import this package (blockwise is layered on
// top of it, per spec.md's component table, not the other way around).
type Manager struct {
	ep *endpoint.Endpoint

	mu      sync.Mutex
	clients map[Handle]*clientContext
	next    Handle
}

// NewManager returns a Manager driving blockwise transfers over ep.
func NewManager(ep *endpoint.Endpoint) *Manager {
	return &Manager{ep: ep, clients: make(map[Handle]*clientContext)}
}

// clientContext is the blockwise request context of spec.md §3.5.
type clientContext struct {
	mgr *Manager

	method  coap.Code
	baseOpt []coap.Option
	source  BufferSource
	params  endpoint.ClientParams
	listener ClientListener

	mu            sync.Mutex
	handle        Handle
	block1Active  bool
	block2Active  bool
	paused        bool
	block1        BlockInfo
	block1SentLen int
	block2        BlockInfo
	etag          []byte
	childHandle   endpoint.Handle
	monitor       *bool
}

// SendBlockwiseRequest starts a blockwise transfer. source is nil for a
// plain GET; for PUT/POST it supplies the request body one block at a
// time. preferredBlockSize is clamped to the nearest value ClampSize
// accepts.
func (m *Manager) SendBlockwiseRequest(method coap.Code, opts []coap.Option, source BufferSource, preferredBlockSize uint32, params endpoint.ClientParams, listener ClientListener) (Handle, error) {
	size := ClampSize(preferredBlockSize)
	c := &clientContext{
		mgr:      m,
		method:   method,
		baseOpt:  append([]coap.Option(nil), opts...),
		source:   source,
		params:   params,
		listener: listener,
		block1:   BlockInfo{Offset: 0, Size: size},
		block2:   BlockInfo{Offset: 0, Size: size},
	}
	c.block1Active = (method == coap.POST || method == coap.PUT) && source != nil

	m.mu.Lock()
	m.next++
	h := m.next
	c.handle = h
	m.clients[h] = c
	m.mu.Unlock()

	if err := c.sendNextBlock(); err != nil {
		m.mu.Lock()
		delete(m.clients, h)
		m.mu.Unlock()
		return 0, err
	}
	return h, nil
}

// PauseBlockwiseRequest suspends a transfer without sending anything;
// ResumeBlockwiseRequest re-issues the next block request.
func (m *Manager) PauseBlockwiseRequest(h Handle) error {
	c, ok := m.lookup(h)
	if !ok {
		return coap.ErrNoSuchItem
	}
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	return nil
}

func (m *Manager) ResumeBlockwiseRequest(h Handle) error {
	c, ok := m.lookup(h)
	if !ok {
		return coap.ErrNoSuchItem
	}
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	return c.sendNextBlock()
}

// CancelBlockwiseRequest unlinks the transfer and cancels its in-flight
// child request. A second call for the same handle returns
// ErrNoSuchItem, per spec.md §4.6.
func (m *Manager) CancelBlockwiseRequest(h Handle) error {
	m.mu.Lock()
	c, ok := m.clients[h]
	if ok {
		delete(m.clients, h)
	}
	m.mu.Unlock()
	if !ok {
		return coap.ErrNoSuchItem
	}

	c.mu.Lock()
	if c.monitor != nil {
		*c.monitor = true
	}
	childHandle := c.childHandle
	c.mu.Unlock()

	if childHandle != 0 {
		_ = c.mgr.ep.CancelRequest(childHandle)
	}
	return nil
}

func (m *Manager) lookup(h Handle) (*clientContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[h]
	return c, ok
}

func (m *Manager) forget(h Handle) {
	m.mu.Lock()
	delete(m.clients, h)
	m.mu.Unlock()
}

// sendNextBlock builds and sends the next block request, per spec.md
// §4.6's "Request construction".
func (c *clientContext) sendNextBlock() error {
	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return nil
	}

	var payload []byte
	opts := append([]coap.Option(nil), c.baseOpt...)

	if c.block1Active {
		chunk, more, err := c.source.ReadChunk(c.block1.Offset, c.block1.Size)
		if err != nil {
			c.mu.Unlock()
			c.finishWithError(err)
			return err
		}
		c.block1.More = more
		c.block1SentLen = len(chunk)
		payload = chunk
		v, err := Encode(c.block1)
		if err != nil {
			c.mu.Unlock()
			c.finishWithError(err)
			return err
		}
		opts = append(opts, coap.NewUintOption(coap.OptionBlock1, v))
	}

	sendBlock2 := c.block2Active || !c.block1Active || !c.block1.More
	if sendBlock2 {
		v, err := Encode(BlockInfo{Offset: c.block2.Offset, Size: c.block2.Size, More: false})
		if err != nil {
			c.mu.Unlock()
			c.finishWithError(err)
			return err
		}
		opts = append(opts, coap.NewUintOption(coap.OptionBlock2, v))
	}
	if len(c.etag) > 0 {
		opts = append(opts, coap.NewOpaqueOption(coap.OptionIfMatch, c.etag))
	}
	params := c.params
	c.mu.Unlock()

	h, err := c.mgr.ep.SendRequest(coap.CON, c.method, opts, payload, params, c)
	if err != nil {
		c.finishWithError(err)
		return err
	}
	c.mu.Lock()
	c.childHandle = h
	c.mu.Unlock()
	return nil
}

// callListener invokes fn under the destroy-monitor protocol of
// spec.md §4.6: if fn triggers CancelBlockwiseRequest for this same
// transfer (directly or transitively), destroyed comes back true and the
// caller must not touch c's state again.
func (c *clientContext) callListener(fn func()) (destroyed bool) {
	flag := false
	c.mu.Lock()
	c.monitor = &flag
	c.mu.Unlock()

	fn()

	c.mu.Lock()
	c.monitor = nil
	c.mu.Unlock()
	return flag
}

func (c *clientContext) finishWithError(err error) {
	c.mgr.forget(c.handle)
	c.callListener(func() { c.listener.OnError(err) })
}

func (c *clientContext) finishDone() {
	c.mgr.forget(c.handle)
}

// OnAck implements endpoint.ResponseListener. The blockwise driver has no
// use for the intermediate ACK signal; only OnResponse/OnError drive it.
func (c *clientContext) OnAck() {}

// OnError implements endpoint.ResponseListener.
func (c *clientContext) OnError(err error) {
	c.mgr.forget(c.handle)
	c.callListener(func() { c.listener.OnError(err) })
}

// OnResponse implements endpoint.ResponseListener, per spec.md §4.6's
// "Response handling".
func (c *clientContext) OnResponse(resp *coap.Message, meta *endpoint.Metadata) {
	if opt, ok := resp.GetOption(coap.OptionETag); ok {
		val := opt.Opaque()
		c.mu.Lock()
		if c.etag == nil {
			c.etag = append([]byte(nil), val...)
		} else if !bytes.Equal(c.etag, val) {
			c.mu.Unlock()
			c.finishWithError(coap.ErrETagMismatch)
			return
		}
		c.mu.Unlock()
	}

	if resp.Code() == coap.Continue {
		c.handleBlock1Continue(resp)
		return
	}
	c.handleBlock2Response(resp)
}

func (c *clientContext) handleBlock1Continue(resp *coap.Message) {
	opt, ok := resp.GetOption(coap.OptionBlock1)
	if !ok {
		c.finishWithError(coap.ErrInvalidResponse)
		return
	}
	v, err := opt.Uint32()
	if err != nil {
		c.finishWithError(err)
		return
	}
	serverInfo := Decode(v)

	c.mu.Lock()
	if serverInfo.Size < c.block1.Size {
		c.block1.Size = serverInfo.Size
	}
	c.block1.Offset += uint32(c.block1SentLen)
	c.mu.Unlock()

	if err := c.sendNextBlock(); err != nil {
		return
	}
}

func (c *clientContext) handleBlock2Response(resp *coap.Message) {
	c.mu.Lock()
	expectedOffset := c.block2.Offset
	block1WasActive := c.block1Active
	c.mu.Unlock()

	var info BlockInfo
	if opt, ok := resp.GetOption(coap.OptionBlock2); ok {
		v, err := opt.Uint32()
		if err != nil {
			c.finishWithError(err)
			return
		}
		info = Decode(v)
	} else if expectedOffset == 0 {
		// Non-blockwise server: the whole body arrived in one response.
		info = BlockInfo{Offset: 0, Size: 0, More: false}
	} else {
		c.finishWithError(coap.ErrInvalidResponse)
		return
	}

	if info.Offset != expectedOffset {
		c.finishWithError(coap.ErrUnexpectedBlock)
		return
	}

	c.mu.Lock()
	c.block2Active = info.More
	if info.More {
		c.block2.Offset = info.Offset + info.Size
		c.block2.Size = info.Size
	}
	// BLOCK1 is finished once the server has acknowledged its final block
	// (OnResponse routes every response other than 2.31 Continue here, which
	// during an upload is the server's answer to the final block), so from
	// here BLOCK2 alone governs whether more requests follow.
	c.block1Active = block1WasActive && false
	c.mu.Unlock()

	destroyed := c.callListener(func() {
		c.listener.OnBlock(info.Offset, info.Size, info.More, resp.Code(), resp.Payload())
	})
	if destroyed {
		return
	}

	if info.More {
		c.sendNextBlock()
		return
	}
	c.finishDone()
}
