// Package blockwise implements RFC 7959 BLOCK1/BLOCK2 transfers layered
// over pkg/coap/endpoint: a client driver that walks a large request or
// response body one block at a time, and a server-side helper that
// validates and classifies incoming block requests for a single resource.
package blockwise

import "github.com/junbin-yang/coapcore/pkg/coap"

// validSizes are the only block sizes RFC 7959 (and this core) allow.
var validSizes = [7]uint32{16, 32, 64, 128, 256, 512, 1024}

// BlockInfo is one decoded/encoded BLOCK1 or BLOCK2 option value.
type BlockInfo struct {
	Offset uint32
	Size   uint32
	More   bool
}

// ClampSize rounds size down to the nearest valid block size, per the
// block-size enum in spec.md §6.3. A size below 16 clamps to 16.
func ClampSize(size uint32) uint32 {
	best := validSizes[0]
	for _, s := range validSizes {
		if s <= size {
			best = s
		}
	}
	return best
}

func sizeToSZX(size uint32) (uint8, error) {
	for i, s := range validSizes {
		if s == size {
			return uint8(i), nil
		}
	}
	return 0, coap.ErrInvalidParameters
}

func szxToSize(szx uint8) uint32 {
	if int(szx) >= len(validSizes) {
		return validSizes[len(validSizes)-1]
	}
	return validSizes[szx]
}

// Encode packs info into the 24-bit BLOCK1/BLOCK2 option value, per
// spec.md §6.3: (block_index << 4) | (more ? 8 : 0) | size_log2_minus_4.
func Encode(info BlockInfo) (uint32, error) {
	szx, err := sizeToSZX(info.Size)
	if err != nil {
		return 0, err
	}
	if info.Size == 0 {
		return 0, coap.ErrInvalidParameters
	}
	index := info.Offset / info.Size
	var more uint32
	if info.More {
		more = 8
	}
	return (index << 4) | more | uint32(szx), nil
}

// Decode unpacks a BLOCK1/BLOCK2 option value into a BlockInfo.
func Decode(value uint32) BlockInfo {
	szx := uint8(value & 0x7)
	more := value&0x8 != 0
	index := value >> 4
	size := szxToSize(szx)
	return BlockInfo{Offset: index * size, Size: size, More: more}
}
