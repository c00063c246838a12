package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DType describes the element encoding of a device tensor.
type DType int32

const (
	F32 DType = iota
	F16
	BF16
)

func (t DType) String() string {
	switch t {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", int32(t))
	}
}

// Size returns the element size in bytes, or 0 for an unknown dtype.
func (t DType) Size() int {
	switch t {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

func u16le(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off:])
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func fp16ToF32(u uint16) float32 {
	sign := uint32(u>>15) & 1
	exp := uint32(u>>10) & 0x1f
	frac := uint32(u) & 0x3ff

	var bits uint32
	switch {
	case exp == 0 && frac == 0:
		bits = sign << 31
	case exp == 0:
		// Subnormal half: renormalize into float32.
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		bits = sign<<31 | e<<23 | frac<<13
	case exp == 0x1f:
		bits = sign<<31 | 0xff<<23 | frac<<13
	default:
		bits = sign<<31 | (exp+127-15)<<23 | frac<<13
	}
	return math.Float32frombits(bits)
}

// DecodeTo decodes raw little-endian elements of the given dtype into dst.
// len(dst) elements are consumed from raw; raw must be large enough.
func DecodeTo(dst []float32, raw []byte, dtype DType) error {
	elem := dtype.Size()
	if elem == 0 {
		return fmt.Errorf("decode: unsupported dtype %s", dtype)
	}
	if len(raw) < len(dst)*elem {
		return fmt.Errorf("decode %s: need %d bytes, have %d", dtype, len(dst)*elem, len(raw))
	}
	switch dtype {
	case F32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case BF16:
		for i := range dst {
			dst[i] = bf16ToF32(u16le(raw, i*2))
		}
	case F16:
		for i := range dst {
			dst[i] = fp16ToF32(u16le(raw, i*2))
		}
	}
	return nil
}
