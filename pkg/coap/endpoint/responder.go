package endpoint

import (
	"sync"

	"github.com/junbin-yang/coapcore/pkg/coap"
)

// Responder lets a handler registered with async=true answer a request
// after its RequestHandler call has already returned, per spec.md §4.5.
// It is created on demand, right before an async-capable handler is
// invoked, and is only valid until SendResponse or Release is called.
type Responder struct {
	mu       sync.Mutex
	ep       *Endpoint
	req      *coap.Message
	meta     *Metadata
	acked    bool
	released bool
}

func newResponder(ep *Endpoint, req *coap.Message, meta *Metadata) *Responder {
	return &Responder{ep: ep, req: req, meta: meta.Clone()}
}

// noteAcked records that the endpoint has already sent an empty ACK for the
// held request, so CreateResponse knows the eventual response must be a
// separate (not piggybacked) message.
func (r *Responder) noteAcked() {
	r.mu.Lock()
	r.acked = true
	r.mu.Unlock()
}

// CreateResponse builds a response message for the held request, without
// sending it.
func (r *Responder) CreateResponse(code coap.Code, opts []coap.Option, payload []byte) (*coap.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, coap.ErrInvalidParameters
	}
	return r.ep.buildResponse(r.req, r.acked, code, opts, payload)
}

// SendResponse sends resp (normally the result of CreateResponse) and
// releases the responder. Calling it twice returns ErrInvalidParameters.
func (r *Responder) SendResponse(resp *coap.Message) error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return coap.ErrInvalidParameters
	}
	r.released = true
	meta := r.meta
	r.mu.Unlock()

	r.ep.dispatchResponse(resp, meta)
	return nil
}

// Respond is the one-step convenience of CreateResponse followed by
// SendResponse.
func (r *Responder) Respond(code coap.Code, opts []coap.Option, payload []byte) error {
	resp, err := r.CreateResponse(code, opts, payload)
	if err != nil {
		return err
	}
	return r.SendResponse(resp)
}

// Release abandons the responder without sending anything. Safe to call on
// an already-released responder.
func (r *Responder) Release() {
	r.mu.Lock()
	r.released = true
	r.mu.Unlock()
}
