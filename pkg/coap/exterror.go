package coap

import (
	"github.com/pkg/errors"
)

// ExtendedError is the tiny protobuf-shaped structure carried in the
// OptionExtendedError private option, per spec.md §6.4:
//
//	namespace string  tag 1
//	code      sint32  tag 2 (zigzag varint)
//	message   string  tag 3
//
// Unknown tags are skipped; an empty payload decodes to the zero value.
type ExtendedError struct {
	Namespace string
	Code      int32
	Message   string
}

const (
	wireVarint = 0
	wireBytes  = 2
)

func putUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func encodeTag(fieldNum int, wireType uint8) uint64 {
	return uint64(fieldNum)<<3 | uint64(wireType)
}

func zigzagEncode(n int32) uint32 {
	return uint32((n << 1) ^ (n >> 31))
}

func zigzagDecode(n uint32) int32 {
	return int32(n>>1) ^ -int32(n&1)
}

// Encode serializes e into the protobuf-shaped wire form spec.md §6.4 and
// §8 scenario 6 describe.
func (e ExtendedError) Encode() []byte {
	var buf []byte
	if e.Namespace != "" {
		buf = putUvarint(buf, encodeTag(1, wireBytes))
		buf = putUvarint(buf, uint64(len(e.Namespace)))
		buf = append(buf, e.Namespace...)
	}
	if e.Code != 0 {
		buf = putUvarint(buf, encodeTag(2, wireVarint))
		buf = putUvarint(buf, uint64(zigzagEncode(e.Code)))
	}
	if e.Message != "" {
		buf = putUvarint(buf, encodeTag(3, wireBytes))
		buf = putUvarint(buf, uint64(len(e.Message)))
		buf = append(buf, e.Message...)
	}
	return buf
}

func readUvarint(buf []byte, offset int) (uint64, int, error) {
	var v uint64
	var shift uint
	for {
		if offset >= len(buf) {
			return 0, 0, errors.Wrap(ErrInvalidFormat, "truncated varint")
		}
		b := buf[offset]
		offset++
		v |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return v, offset, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, errors.Wrap(ErrInvalidFormat, "varint too long")
		}
	}
}

// DecodeExtendedError parses buf as the protobuf-shaped structure spec.md
// §6.4 describes. An empty buf decodes to the zero ExtendedError. Unknown
// tags are skipped over using their wire type's length rule.
func DecodeExtendedError(buf []byte) (ExtendedError, error) {
	var out ExtendedError
	offset := 0
	for offset < len(buf) {
		tag, next, err := readUvarint(buf, offset)
		if err != nil {
			return ExtendedError{}, err
		}
		offset = next
		fieldNum := tag >> 3
		wireType := uint8(tag & 0x7)

		switch wireType {
		case wireVarint:
			v, next, err := readUvarint(buf, offset)
			if err != nil {
				return ExtendedError{}, err
			}
			offset = next
			if fieldNum == 2 {
				out.Code = zigzagDecode(uint32(v))
			}
		case wireBytes:
			length, next, err := readUvarint(buf, offset)
			if err != nil {
				return ExtendedError{}, err
			}
			offset = next
			if offset+int(length) > len(buf) {
				return ExtendedError{}, errors.Wrap(ErrInvalidFormat, "truncated length-delimited field")
			}
			value := buf[offset : offset+int(length)]
			offset += int(length)
			switch fieldNum {
			case 1:
				out.Namespace = string(value)
			case 3:
				out.Message = string(value)
			}
		case 1: // 64-bit fixed width; no field of ours uses it, so skip it
			if offset+8 > len(buf) {
				return ExtendedError{}, errors.Wrap(ErrInvalidFormat, "truncated fixed64 field")
			}
			offset += 8
		case 5: // 32-bit fixed width; no field of ours uses it, so skip it
			if offset+4 > len(buf) {
				return ExtendedError{}, errors.Wrap(ErrInvalidFormat, "truncated fixed32 field")
			}
			offset += 4
		default:
			return ExtendedError{}, errors.Wrapf(ErrInvalidFormat, "unsupported wire type %d", wireType)
		}
	}
	return out, nil
}
