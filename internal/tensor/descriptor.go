package tensor

import (
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/samcharles93/loom/internal/device"
)

// Lifetime tags when a tensor's device address may be reclaimed.
type Lifetime int32

const (
	// LifetimeSession tensors live until device teardown.
	LifetimeSession Lifetime = iota
	// LifetimeGraph tensors are scratch for one graph execution.
	LifetimeGraph
)

func (l Lifetime) String() string {
	if l == LifetimeGraph {
		return "graph"
	}
	return "session"
}

// Descriptor describes a named device-resident tensor. Descriptors are
// immutable once published into a Map: shape, dtype, and address never change
// for the session's duration. The device address is valid only between device
// init and teardown.
type Descriptor struct {
	Name     string
	Shape    []int
	DType    DType
	Addr     device.Addr
	Lifetime Lifetime
}

// Elems returns the element count, the product of all dimension sizes.
func (d Descriptor) Elems() int {
	n := 1
	for _, dim := range d.Shape {
		n *= dim
	}
	return n
}

// SizeBytes returns the device footprint of the tensor.
func (d Descriptor) SizeBytes() int {
	return d.Elems() * d.DType.Size()
}

// Rows and Cols treat the tensor as 2-D: the last dimension is the column
// count and everything above it is flattened into rows. Rank-1 tensors are a
// single row.
func (d Descriptor) Rows() int {
	if len(d.Shape) < 2 {
		return 1
	}
	n := 1
	for _, dim := range d.Shape[:len(d.Shape)-1] {
		n *= dim
	}
	return n
}

func (d Descriptor) Cols() int {
	if len(d.Shape) == 0 {
		return 0
	}
	return d.Shape[len(d.Shape)-1]
}

func (d Descriptor) String() string {
	dims := make([]string, len(d.Shape))
	for i, dim := range d.Shape {
		dims[i] = fmt.Sprint(dim)
	}
	return fmt.Sprintf("%s[%s]%s@%d", d.Name, strings.Join(dims, "x"), d.DType, d.Addr)
}

func (d Descriptor) clone() Descriptor {
	d.Shape = append([]int(nil), d.Shape...)
	return d
}

// ViewF32 returns the tensor's device memory as a float32 slice. Only valid
// for F32 tensors; the view aliases the arena until session close.
func ViewF32(s *device.Session, d Descriptor) ([]float32, error) {
	if d.DType != F32 {
		return nil, fmt.Errorf("view %s: f32 view of %s tensor", d.Name, d.DType)
	}
	raw, err := s.Bytes(d.Addr, d.SizeBytes())
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", d.Name, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), d.Elems()), nil
}

// FillF32 sets every element of an F32 tensor to v.
func FillF32(s *device.Session, d Descriptor, v float32) error {
	dst, err := ViewF32(s, d)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = v
	}
	return nil
}

// CopyF32 copies src into the tensor's device memory.
func CopyF32(s *device.Session, d Descriptor, src []float32) error {
	dst, err := ViewF32(s, d)
	if err != nil {
		return err
	}
	if len(src) != len(dst) {
		return fmt.Errorf("copy %s: %d elements into %d", d.Name, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

// ReadF32 copies the tensor's device memory into a fresh host slice, decoding
// half-precision elements to float32.
func ReadF32(s *device.Session, d Descriptor) ([]float32, error) {
	raw, err := s.Bytes(d.Addr, d.SizeBytes())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.Name, err)
	}
	out := make([]float32, d.Elems())
	if err := DecodeTo(out, raw, d.DType); err != nil {
		return nil, fmt.Errorf("read %s: %w", d.Name, err)
	}
	return out, nil
}

// OffsetAddr converts an element offset into a device address delta, for
// carving sub-views out of a larger tensor's arena range.
func OffsetAddr(elems, elemSize int) device.Addr {
	return device.Addr(elems * elemSize)
}

// NegInf is the padding value for masked score positions: exp(-inf) = 0, so
// invalid key positions contribute nothing to the reduction.
var NegInf = float32(math.Inf(-1))
