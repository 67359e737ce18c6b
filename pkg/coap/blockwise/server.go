package blockwise

import (
	"bytes"
	"sync"

	"github.com/junbin-yang/coapcore/pkg/coap"
	"github.com/junbin-yang/coapcore/pkg/coap/endpoint"
)

// Classification is how ServerHelper.OnRequest categorizes an incoming
// BLOCK1 request relative to the transfer it has seen so far, per
// spec.md §4.7.
type Classification int

const (
	// FreshTransfer is a block at offset 0 that does not match the next
	// offset the helper is expecting: the client restarting a transfer from
	// scratch, whether after a completed transfer or in the middle of one.
	// A request carrying no BLOCK1 option at all (the whole body in one
	// message) is also reported as FreshTransfer.
	FreshTransfer Classification = iota
	// OnSequence is the block the helper is expecting next — including the
	// very first block of a transfer it hasn't seen before, since the
	// initial next-expected offset is 0.
	OnSequence
	// Resent is a block the helper has already applied — its ACK was
	// presumably lost — and should be answered again without re-applying it.
	Resent
	// Gap is an out-of-order or otherwise invalid block: an offset ahead of
	// what's expected, a short resend, or a block after the transfer was
	// already marked complete.
	Gap
)

// ServerHelper tracks one resource's BLOCK1 upload state: the next expected
// offset, whether the transfer is complete, and the resource's current
// ETag for If-Match preconditions and BLOCK2 download responses. One
// ServerHelper serves one resource; a server with several blockwise
// resources keeps one instance per resource.
type ServerHelper struct {
	mu         sync.Mutex
	nextOffset uint32
	done       bool
	etag       []byte
}

// NewServerHelper returns a ServerHelper for a resource whose current
// content has the given ETag (nil if the resource has none yet).
func NewServerHelper(etag []byte) *ServerHelper {
	h := &ServerHelper{}
	if etag != nil {
		h.etag = append([]byte(nil), etag...)
	}
	return h
}

// SetETag updates the resource's ETag, normally called once a PUT/POST has
// fully applied and produced new content.
func (h *ServerHelper) SetETag(etag []byte) {
	h.mu.Lock()
	h.etag = append([]byte(nil), etag...)
	h.mu.Unlock()
}

// Reset clears the transfer-in-progress state, e.g. after the resource is
// deleted or replaced out of band.
func (h *ServerHelper) Reset() {
	h.mu.Lock()
	h.nextOffset = 0
	h.done = false
	h.mu.Unlock()
}

// OnRequest classifies req against the transfer seen so far and returns the
// decoded block info. A nonzero rejectCode means the caller should respond
// with that code (and no payload) instead of processing the request body.
func (h *ServerHelper) OnRequest(req *coap.Message) (info BlockInfo, class Classification, rejectCode coap.Code) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hasBlock1 := false
	if opt, ok := req.GetOption(coap.OptionBlock1); ok {
		hasBlock1 = true
		v, err := opt.Uint32()
		if err != nil {
			return BlockInfo{}, Gap, coap.BadOption
		}
		info = Decode(v)
	}

	if opt, ok := req.GetOption(coap.OptionIfMatch); ok {
		if !bytes.Equal(opt.Opaque(), h.etag) {
			return BlockInfo{}, Gap, coap.PreconditionFailed
		}
	}

	if !hasBlock1 {
		// The whole body arrived in one message; no blockwise state to track.
		info = BlockInfo{Offset: 0, Size: uint32(len(req.Payload())), More: false}
		h.nextOffset = info.Size
		h.done = true
		return info, FreshTransfer, 0
	}

	payloadLen := uint32(len(req.Payload()))

	switch {
	case info.Offset == h.nextOffset:
		if h.done {
			if info.More {
				return info, Gap, coap.BadOption
			}
			return info, Resent, 0
		}
		h.nextOffset += payloadLen
		h.done = !info.More
		return info, OnSequence, 0

	case info.Offset == 0:
		h.nextOffset = payloadLen
		h.done = !info.More
		return info, FreshTransfer, 0

	case info.Offset < h.nextOffset:
		if info.Offset+payloadLen == h.nextOffset {
			return info, Resent, 0
		}
		return info, Gap, coap.RequestEntityIncomplete

	default:
		return info, Gap, coap.RequestEntityIncomplete
	}
}

// CreateResponse builds a response to a blockwise request through ep,
// echoing the BLOCK1 option back at the negotiated size when the request
// carried one, and attaching the resource's current ETag.
func (h *ServerHelper) CreateResponse(ep *endpoint.Endpoint, req *coap.Message, code coap.Code, info BlockInfo, payload []byte) (*coap.Message, error) {
	h.mu.Lock()
	etag := h.etag
	h.mu.Unlock()

	var opts []coap.Option
	if _, hasBlock1 := req.GetOption(coap.OptionBlock1); hasBlock1 {
		v, err := Encode(info)
		if err != nil {
			return nil, err
		}
		opts = append(opts, coap.NewUintOption(coap.OptionBlock1, v))
	}
	if etag != nil {
		opts = append(opts, coap.NewOpaqueOption(coap.OptionETag, etag))
	}
	return ep.CreateResponse(req, code, opts, payload)
}
