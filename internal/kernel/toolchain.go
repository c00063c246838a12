package kernel

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCompile is returned when the external toolchain rejects kernel source.
var ErrCompile = errors.New("kernel compilation failed")

// Toolchain compiles kernel source text into loadable machine code for a unit
// kind and extracts its executable section. The orchestration core never
// inspects source text or object-file structure itself; real deployments plug
// in the device vendor's compiler behind this interface.
type Toolchain interface {
	Compile(source string, unit UnitKind) ([]byte, error)
}

// StubToolchain produces deterministic placeholder images for hosts without a
// device compiler. The emitted bytes carry a tag, the unit kind, and a digest
// of the source so distinct kernels get distinct images.
type StubToolchain struct{}

func (StubToolchain) Compile(source string, unit UnitKind) ([]byte, error) {
	if !unit.Valid() || unit == Control {
		return nil, fmt.Errorf("%w: no codegen target for unit %s", ErrCompile, unit)
	}
	if source == "" {
		return nil, fmt.Errorf("%w: empty source", ErrCompile)
	}
	sum := sha256.Sum256([]byte(source))
	out := make([]byte, 0, 8+len(sum))
	out = append(out, 'L', 'O', 'O', 'M')
	out = binary.LittleEndian.AppendUint32(out, uint32(unit))
	out = append(out, sum[:]...)
	return out, nil
}
