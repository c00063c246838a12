package kernel

import "fmt"

// UnitKind identifies the class of execution unit a kernel image targets.
// The runtime schedules exactly two cooperating kernel classes (Matrix and
// Vector) plus the Control tier that dispatches them.
type UnitKind int32

const (
	Control UnitKind = iota
	Matrix
	Vector
)

func (k UnitKind) String() string {
	switch k {
	case Control:
		return "control"
	case Matrix:
		return "matrix"
	case Vector:
		return "vector"
	default:
		return fmt.Sprintf("unit(%d)", int32(k))
	}
}

// Valid reports whether k names a known unit kind.
func (k UnitKind) Valid() bool {
	return k == Control || k == Matrix || k == Vector
}

// Ref is the strongly-typed kernel key: a stable function identifier plus the
// unit kind it runs on. The same function id may be registered once per unit.
type Ref struct {
	FuncID int32
	Unit   UnitKind
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/func%d", r.Unit, r.FuncID)
}

// Image is a loadable kernel: an opaque executable byte sequence bound to a
// function id and a unit kind. The code bytes are immutable after
// registration; Code returns a copy.
type Image struct {
	Ref  Ref
	code []byte
}

// NewImage builds an image from compiled kernel bytes. The slice is copied so
// later mutation by the caller cannot alter the registered code.
func NewImage(funcID int32, unit UnitKind, code []byte) Image {
	cp := make([]byte, len(code))
	copy(cp, code)
	return Image{Ref: Ref{FuncID: funcID, Unit: unit}, code: cp}
}

// Code returns a copy of the executable bytes.
func (img Image) Code() []byte {
	cp := make([]byte, len(img.code))
	copy(cp, img.code)
	return cp
}

// Size returns the executable size in bytes.
func (img Image) Size() int { return len(img.code) }
