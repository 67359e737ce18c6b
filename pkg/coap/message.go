// Package coap implements the message codec at the core of this small CoAP
// (RFC 7252) runtime: building and parsing a single datagram, its options
// and payload. The endpoint, blockwise client and blockwise server live in
// the sibling pkg/coap/endpoint and pkg/coap/blockwise packages and are
// built entirely on top of the types in this package.
package coap

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// Version is the only CoAP version this codec accepts, per spec.md §3.1.
	Version uint8 = 1

	maxTokenLen   = 8
	maxOptionNum  = 1<<16 - 1
)

// Message is an immutable CoAP datagram: header, token, sorted options and
// an optional payload. A Message built by Build may have its payload bytes
// written in place afterwards (see UsePayload); nothing else about it
// changes after construction.
type Message struct {
	typ       Type
	code      Code
	messageID uint16
	token     []byte
	options   []Option
	payload   []byte

	// raw is the encoded datagram. For a built message it is the buffer
	// Build serialized into; for a parsed message it is (a window into) the
	// caller's original datagram — never copied, per spec.md §4.1 "Parse".
	raw []byte
}

// BuildParams are the inputs to Build.
type BuildParams struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	// Payload is the message body. If Payload is nil and PayloadSize > 0, a
	// zero-filled payload of that size is reserved instead and can be
	// written in place afterwards via Message.UsePayload.
	Payload     []byte
	PayloadSize int
}

// Build encodes params into an immutable Message backed by one contiguous
// buffer, per spec.md §4.1. Options are copied and sorted by number before
// encoding; the caller's slice is left untouched.
func Build(params BuildParams) (*Message, error) {
	if len(params.Token) > maxTokenLen {
		return nil, errors.Wrap(ErrInvalidParameters, "token longer than 8 bytes")
	}

	sorted := sortOptions(params.Options)

	payload := params.Payload
	if payload == nil && params.PayloadSize > 0 {
		payload = make([]byte, params.PayloadSize)
	}

	var buf bytes.Buffer
	firstByte := (Version << 6) | (uint8(params.Type) << 4) | uint8(len(params.Token))
	buf.WriteByte(firstByte)
	buf.WriteByte(byte(params.Code))
	var msgID [2]byte
	binary.BigEndian.PutUint16(msgID[:], params.MessageID)
	buf.Write(msgID[:])
	buf.Write(params.Token)

	prev := uint16(0)
	for _, opt := range sorted {
		if err := encodeOption(&buf, prev, opt); err != nil {
			return nil, err
		}
		prev = opt.Number
	}

	if len(payload) > 0 {
		buf.WriteByte(0xFF)
		buf.Write(payload)
	}

	raw := buf.Bytes()
	msg := &Message{
		typ:       params.Type,
		code:      params.Code,
		messageID: params.MessageID,
		token:     append([]byte(nil), params.Token...),
		options:   sorted,
		raw:       raw,
	}
	if len(payload) > 0 {
		// payload aliases the tail of raw so UsePayload can mutate it in
		// place and ToDatagram immediately reflects the write.
		msg.payload = raw[len(raw)-len(payload):]
	}
	return msg, nil
}

func encodeExt(buf *bytes.Buffer, n int) (nibble uint8, err error) {
	switch {
	case n < 13:
		return uint8(n), nil
	case n < 13+256:
		buf.WriteByte(byte(n - 13))
		return 13, nil
	case n < 13+256+65536:
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n-269))
		buf.Write(ext[:])
		return 14, nil
	default:
		return 0, errors.Wrap(ErrOutOfRange, "option delta/length too large")
	}
}

func encodeOption(buf *bytes.Buffer, prevNumber uint16, opt Option) error {
	delta := int(opt.Number) - int(prevNumber)
	if delta < 0 {
		return errors.Wrap(ErrInternal, "options not sorted before encoding")
	}
	length := len(opt.Value)

	// The nibble-header byte must be emitted after both extension byte
	// blocks are known, but RFC 7252 places extension bytes for delta
	// before those for length; encode into scratch buffers first.
	var deltaExt, lengthExt bytes.Buffer
	deltaNib, err := encodeExt(&deltaExt, delta)
	if err != nil {
		return err
	}
	lengthNib, err := encodeExt(&lengthExt, length)
	if err != nil {
		return err
	}

	buf.WriteByte((deltaNib << 4) | lengthNib)
	buf.Write(deltaExt.Bytes())
	buf.Write(lengthExt.Bytes())
	buf.Write(opt.Value)
	return nil
}

// Parse validates and decodes a single CoAP datagram, per spec.md §4.1.
// The returned Message holds a reference to buf — buf must not be mutated
// afterwards.
func Parse(buf []byte) (*Message, error) {
	if len(buf) < 4 {
		return nil, errors.Wrap(ErrInvalidFormat, "datagram shorter than fixed header")
	}
	first := buf[0]
	ver := first >> 6
	if ver != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", ver)
	}
	typ := Type((first >> 4) & 0x03)
	tkl := int(first & 0x0F)
	if tkl > maxTokenLen {
		return nil, errors.Wrap(ErrInvalidFormat, "token length > 8")
	}
	code := Code(buf[1])
	msgID := binary.BigEndian.Uint16(buf[2:4])

	tokenEnd := 4 + tkl
	if tokenEnd > len(buf) {
		return nil, errors.Wrap(ErrInvalidFormat, "truncated token")
	}
	token := buf[4:tokenEnd]

	options, payload, err := decodeOptions(buf, tokenEnd)
	if err != nil {
		return nil, err
	}

	return &Message{
		typ:       typ,
		code:      code,
		messageID: msgID,
		token:     token,
		options:   options,
		payload:   payload,
		raw:       buf,
	}, nil
}

func decodeExt(buf []byte, offset int, nibble uint8) (value, newOffset int, err error) {
	switch nibble {
	case 13:
		if offset >= len(buf) {
			return 0, 0, errors.Wrap(ErrInvalidFormat, "truncated option extended delta/length")
		}
		return 13 + int(buf[offset]), offset + 1, nil
	case 14:
		if offset+1 >= len(buf) {
			return 0, 0, errors.Wrap(ErrInvalidFormat, "truncated option extended delta/length")
		}
		return 269 + int(binary.BigEndian.Uint16(buf[offset:offset+2])), offset + 2, nil
	case 15:
		return 0, 0, errors.Wrap(ErrInvalidFormat, "reserved option delta/length nibble 15")
	default:
		return int(nibble), offset, nil
	}
}

func decodeOptions(buf []byte, offset int) ([]Option, []byte, error) {
	var opts []Option
	prevNumber := uint16(0)

	for offset < len(buf) {
		if buf[offset] == 0xFF {
			offset++
			if offset >= len(buf) {
				return nil, nil, errors.Wrap(ErrInvalidFormat, "payload marker with empty payload")
			}
			return opts, buf[offset:], nil
		}

		h := buf[offset]
		offset++
		deltaNib := (h >> 4) & 0x0F
		lengthNib := h & 0x0F

		delta, offset2, err := decodeExt(buf, offset, deltaNib)
		if err != nil {
			return nil, nil, err
		}
		offset = offset2

		length, offset3, err := decodeExt(buf, offset, lengthNib)
		if err != nil {
			return nil, nil, err
		}
		offset = offset3

		sum := int(prevNumber) + delta
		if sum > maxOptionNum {
			return nil, nil, errors.Wrap(ErrInvalidFormat, "option number overflow")
		}
		number := uint16(sum)
		prevNumber = number

		if offset+length > len(buf) {
			return nil, nil, errors.Wrap(ErrInvalidFormat, "truncated option value")
		}
		value := buf[offset : offset+length]
		offset += length

		def, known := knownOptions[number]
		if !known && IsCritical(number) {
			return nil, nil, errors.Wrapf(ErrInvalidFormat, "unrecognized critical option %d", number)
		}
		typ := OptionOpaque
		if known {
			typ = def.typ
		}
		opts = append(opts, Option{Number: number, Type: typ, Value: value})
	}
	return opts, nil, nil
}

// ToDatagram returns the encoded bytes of m. The returned slice must not be
// mutated by callers that did not themselves construct m via Build with a
// reserved payload (see UsePayload).
func (m *Message) ToDatagram() []byte { return m.raw }

func (m *Message) Type() Type          { return m.typ }
func (m *Message) Code() Code          { return m.code }
func (m *Message) MessageID() uint16   { return m.messageID }
func (m *Message) Token() []byte       { return m.token }
func (m *Message) Payload() []byte     { return m.payload }
func (m *Message) PayloadSize() int    { return len(m.payload) }

// UsePayload returns the mutable payload slice reserved at Build time, for
// in-place writes into a message created with Payload == nil and
// PayloadSize > 0.
func (m *Message) UsePayload() []byte { return m.payload }

// AllOptions returns every option on the message, already sorted by number.
func (m *Message) AllOptions() []Option { return m.options }
