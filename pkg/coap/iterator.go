package coap

// OptionFilter selects which options an OptionIterator steps through.
type OptionFilter struct {
	any    bool
	number uint16
}

// FilterAny matches every option on the message.
func FilterAny() OptionFilter { return OptionFilter{any: true} }

// FilterNumber matches only options with the given number.
func FilterNumber(number uint16) OptionFilter { return OptionFilter{number: number} }

func (f OptionFilter) matches(o Option) bool { return f.any || o.Number == f.number }

// OptionIterator walks a Message's options, stopping at entries matching its
// filter. Options are always visited in the ascending-number order the
// codec guarantees on the wire.
type OptionIterator struct {
	opts   []Option
	filter OptionFilter
	idx    int
	cur    Option
	valid  bool
}

// InitOptionIterator returns an iterator over m's options matching filter.
// Call Step (or Next) to advance to the first/next match.
func (m *Message) InitOptionIterator(filter OptionFilter) *OptionIterator {
	return &OptionIterator{opts: m.options, filter: filter, idx: 0}
}

// Step advances the iterator to the next matching option, returning false
// once the end of the option list is reached.
func (it *OptionIterator) Step() bool {
	for it.idx < len(it.opts) {
		o := it.opts[it.idx]
		it.idx++
		if it.filter.matches(o) {
			it.cur = o
			it.valid = true
			return true
		}
	}
	it.valid = false
	return false
}

// Next is an alias for Step, matching the public API surface named in
// spec.md §6.5 (StepOptionIterator).
func (it *OptionIterator) Next() bool { return it.Step() }

// Option returns the option the last successful Step/Next landed on. Calling
// it before a successful Step, or after Step returns false, yields the zero
// Option.
func (it *OptionIterator) Option() Option {
	if !it.valid {
		return Option{}
	}
	return it.cur
}

// GetOption returns the first option on m matching number, if any.
func (m *Message) GetOption(number uint16) (Option, bool) {
	it := m.InitOptionIterator(FilterNumber(number))
	if it.Step() {
		return it.Option(), true
	}
	return Option{}, false
}
