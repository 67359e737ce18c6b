package endpoint

import "github.com/junbin-yang/coapcore/pkg/coap"

// FilterHandle identifies a registered RequestFilter for later removal.
type FilterHandle uint64

type filterEntry struct {
	handle FilterHandle
	fn     RequestFilter
}

// filterChain holds the endpoint's ordered request filters, per
// spec.md §4.3.
type filterChain struct {
	next    FilterHandle
	filters []filterEntry
}

func (c *filterChain) register(fn RequestFilter) FilterHandle {
	c.next++
	h := c.next
	c.filters = append(c.filters, filterEntry{handle: h, fn: fn})
	return h
}

func (c *filterChain) unregister(h FilterHandle) bool {
	for i, e := range c.filters {
		if e.handle == h {
			c.filters = append(c.filters[:i], c.filters[i+1:]...)
			return true
		}
	}
	return false
}

// NewGroupFilter returns a RequestFilter that gates a matched handler on
// group membership: a handler whose Groups bitmask does not include any bit
// set in activeGroups() is rejected with a 4.03 Forbidden, per the "group
// filter implementation (gates handlers by an integer group property)"
// component named in spec.md §4.1. A handler registered with Groups == 0
// (no group restriction) is never gated.
func NewGroupFilter(activeGroups func() uint8) RequestFilter {
	return func(ep *Endpoint, req *coap.Message, flags HandlerFlags, meta *Metadata) Outcome {
		if flags.Groups == 0 {
			return Outcome{}
		}
		if flags.Groups&activeGroups() == 0 {
			return Outcome{Code: coap.Forbidden}
		}
		return Outcome{}
	}
}
