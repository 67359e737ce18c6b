package endpoint

import (
	"strings"

	"github.com/junbin-yang/coapcore/pkg/coap"
)

// Method bits, used to build a handler's allowed-method bitmask.
const (
	MethodGet    uint8 = 1 << 0
	MethodPost   uint8 = 1 << 1
	MethodPut    uint8 = 1 << 2
	MethodDelete uint8 = 1 << 3

	MethodAll = MethodGet | MethodPost | MethodPut | MethodDelete
)

func methodBit(code coap.Code) uint8 {
	switch code {
	case coap.GET:
		return MethodGet
	case coap.POST:
		return MethodPost
	case coap.PUT:
		return MethodPut
	case coap.DELETE:
		return MethodDelete
	default:
		return 0
	}
}

// HandlerFlags describes the matched handler's registered method mask and
// group membership, passed to request filters so they can gate on either
// without a registry lookup of their own.
type HandlerFlags struct {
	Allow  uint8
	Groups uint8
}

// Outcome is returned by both RequestHandler and RequestFilter. Exactly one
// of its meaningful fields should be set:
//
//   - zero value: continue to the next filter (filters only); for a
//     handler it means "no response to send", which is logged as unusual
//     but not treated as an error.
//   - Response non-nil: short-circuit and send this fully-built response.
//   - Code nonzero: short-circuit, synthesizing a minimal response with
//     this code and no payload.
//   - Err non-nil: short-circuit with a 5.00 Internal Server Error.
//   - Async true: from a handler registered with async=true, the handler
//     has taken a Responder and will call SendResponse later; from a
//     handler registered with async=false, the handler has already sent
//     its response itself and the endpoint sends nothing. Must not be
//     combined with Response/Code/Err.
type Outcome struct {
	Response *coap.Message
	Code     coap.Code
	Err      error
	Async    bool
}

// RequestHandler processes one matched request. responder is non-nil only
// when the handler was registered with async=true.
type RequestHandler func(ep *Endpoint, req *coap.Message, responder *Responder, meta *Metadata) Outcome

// RequestFilter runs ahead of the matched handler, in registration order,
// per spec.md §4.3.
type RequestFilter func(ep *Endpoint, req *coap.Message, flags HandlerFlags, meta *Metadata) Outcome

type handlerEntry struct {
	path     []string
	allow    uint8
	groups   uint8
	async    bool
	handler  RequestHandler
	sequence uint64
}

type registryNode struct {
	children map[string]*registryNode
	entries  []*handlerEntry
}

func newRegistryNode() *registryNode {
	return &registryNode{children: make(map[string]*registryNode)}
}

// registry is the URI-path prefix tree named in spec.md §4 ("Handler
// registry"). A registered handler at path P matches any request whose
// path has P as a segment-wise prefix; when more than one registered
// handler matches, the one registered first wins, per spec.md §4.3's
// "first registered matching handler" rule — tracked here via a per-entry
// sequence number rather than relying on tree depth.
type registry struct {
	root     *registryNode
	byPath   map[string]*handlerEntry
	sequence uint64
}

func newRegistry() *registry {
	return &registry{root: newRegistryNode(), byPath: make(map[string]*handlerEntry)}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (r *registry) register(path string, allow, groups uint8, async bool, handler RequestHandler) *handlerEntry {
	segments := splitPath(path)
	node := r.root
	for _, seg := range segments {
		child, ok := node.children[seg]
		if !ok {
			child = newRegistryNode()
			node.children[seg] = child
		}
		node = child
	}
	r.sequence++
	entry := &handlerEntry{path: segments, allow: allow, groups: groups, async: async, handler: handler, sequence: r.sequence}
	node.entries = append(node.entries, entry)
	r.byPath[path] = entry
	return entry
}

func (r *registry) unregister(path string) bool {
	entry, ok := r.byPath[path]
	if !ok {
		return false
	}
	delete(r.byPath, path)

	node := r.root
	for _, seg := range entry.path {
		node = node.children[seg]
		if node == nil {
			return true
		}
	}
	for i, e := range node.entries {
		if e == entry {
			node.entries = append(node.entries[:i], node.entries[i+1:]...)
			break
		}
	}
	return true
}

// match returns the earliest-registered handler whose path is a prefix of
// segments, walking the tree node-by-node and collecting candidates at
// every depth reached.
func (r *registry) match(segments []string) (*handlerEntry, bool) {
	node := r.root
	var candidates []*handlerEntry
	for _, seg := range segments {
		if len(node.entries) > 0 {
			candidates = append(candidates, node.entries...)
		}
		child, ok := node.children[seg]
		if !ok {
			return bestEntry(candidates)
		}
		node = child
	}
	if len(node.entries) > 0 {
		candidates = append(candidates, node.entries...)
	}
	return bestEntry(candidates)
}

func bestEntry(candidates []*handlerEntry) (*handlerEntry, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.sequence < best.sequence {
			best = c
		}
	}
	return best, true
}

func pathSegments(req *coap.Message) []string {
	var segs []string
	it := req.InitOptionIterator(coap.FilterNumber(coap.OptionURIPath))
	for it.Step() {
		segs = append(segs, it.Option().String())
	}
	return segs
}
