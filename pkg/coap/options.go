package coap

import "sort"

// OptionValueType is one of the four CoAP option value encodings (RFC 7252
// §3.2).
type OptionValueType uint8

const (
	OptionEmpty OptionValueType = iota
	OptionUint
	OptionString
	OptionOpaque
)

// Option numbers this core understands, per spec.md §3.2. Unlisted Elective
// (even) option numbers are still carried by the codec as opaque values,
// but an unlisted Critical (odd) number is rejected at parse time (see
// decodeOptions).
const (
	OptionIfMatch       uint16 = 1
	OptionURIHost       uint16 = 3
	OptionETag          uint16 = 4
	OptionIfNoneMatch   uint16 = 5
	OptionURIPort       uint16 = 7
	OptionLocationPath  uint16 = 8
	OptionURIPath       uint16 = 11
	OptionContentFormat uint16 = 12
	OptionMaxAge        uint16 = 14
	OptionURIQuery      uint16 = 15
	OptionAccept        uint16 = 17
	OptionLocationQuery uint16 = 20
	OptionBlock2        uint16 = 23
	OptionBlock1        uint16 = 27
	OptionSize2         uint16 = 28
	OptionProxyURI      uint16 = 35
	OptionProxyScheme   uint16 = 39
	OptionSize1         uint16 = 60

	// Private extensions, in the RFC 7252 "reserved for private or
	// experimental use" range (65000+).
	OptionStartOffset  uint16 = 65001
	OptionExtendedError uint16 = 65002
)

type optionDef struct {
	typ        OptionValueType
	repeatable bool
}

var knownOptions = map[uint16]optionDef{
	OptionIfMatch:       {OptionOpaque, true},
	OptionURIHost:       {OptionString, false},
	OptionETag:          {OptionOpaque, true},
	OptionIfNoneMatch:   {OptionEmpty, false},
	OptionURIPort:       {OptionUint, false},
	OptionLocationPath:  {OptionString, true},
	OptionURIPath:       {OptionString, true},
	OptionContentFormat: {OptionUint, false},
	OptionMaxAge:        {OptionUint, false},
	OptionURIQuery:      {OptionString, true},
	OptionAccept:        {OptionUint, false},
	OptionLocationQuery: {OptionString, true},
	OptionBlock2:        {OptionUint, false},
	OptionBlock1:        {OptionUint, false},
	OptionSize2:         {OptionUint, false},
	OptionProxyURI:      {OptionString, false},
	OptionProxyScheme:   {OptionString, false},
	OptionSize1:         {OptionUint, false},
	OptionStartOffset:   {OptionUint, false},
	OptionExtendedError: {OptionOpaque, false},
}

// IsCritical reports whether an option number is Critical per RFC 7252 §5.4.1
// (odd option numbers are Critical, even ones are Elective).
func IsCritical(number uint16) bool { return number&1 == 1 }

// Option is one CoAP option: a number, its value type, and its encoded
// value bytes (uint values are stored big-endian with leading zeros
// trimmed, the canonical CoAP encoding).
type Option struct {
	Number uint16
	Type   OptionValueType
	Value  []byte
}

// NewEmptyOption builds a zero-length option, e.g. If-None-Match.
func NewEmptyOption(number uint16) Option {
	return Option{Number: number, Type: OptionEmpty}
}

// NewUintOption builds a uint option, trimming leading zero bytes to the
// canonical minimal encoding. Values above 32 bits are not representable;
// callers never have more than uint32 to encode per spec.md §9.
func NewUintOption(number uint16, v uint32) Option {
	b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return Option{Number: number, Type: OptionUint, Value: b[i:]}
}

// NewStringOption builds a string-valued option.
func NewStringOption(number uint16, s string) Option {
	return Option{Number: number, Type: OptionString, Value: []byte(s)}
}

// NewOpaqueOption builds an opaque-valued option. The passed slice is used
// as-is; callers must not mutate it afterwards.
func NewOpaqueOption(number uint16, v []byte) Option {
	return Option{Number: number, Type: OptionOpaque, Value: v}
}

// Uint32 decodes the option value as a big-endian unsigned integer. Values
// that would not fit in 32 bits fail with ErrOverflow, per spec.md §9.
func (o Option) Uint32() (uint32, error) {
	if len(o.Value) > 4 {
		return 0, ErrOverflow
	}
	var v uint32
	for _, b := range o.Value {
		v = (v << 8) | uint32(b)
	}
	return v, nil
}

// String returns the option value decoded as a string (not length-prefixed,
// not null-terminated).
func (o Option) String() string { return string(o.Value) }

// Opaque returns the raw option value bytes.
func (o Option) Opaque() []byte { return o.Value }

// sortOptions returns a new, ascending-by-number stable-sorted copy of opts.
// The caller's slice (and its backing array) is never written to, satisfying
// the "option chain non-mutation" invariant carried over from spec.md §3.2 —
// in this Go rendition that C "next"-linkage invariant becomes "Build never
// mutates or reorders the caller's []Option in place".
func sortOptions(opts []Option) []Option {
	out := make([]Option, len(opts))
	copy(out, opts)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}
