// Package unit defines the execution-unit surface the sequencer dispatches
// kernels onto, plus simulated matrix and vector units that interpret
// registered function ids with host routines. Real hardware backends would
// implement Unit against the device driver instead.
package unit

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/loom/internal/device"
	"github.com/samcharles93/loom/internal/kernel"
	"github.com/samcharles93/loom/internal/ring"
	"github.com/samcharles93/loom/internal/tensor"
)

var ErrKernelExecution = errors.New("kernel execution failed")

// Unit executes kernel images of one unit kind. A single invocation runs to
// completion without preemption; Execute may block only on ring-channel
// operations.
type Unit interface {
	Kind() kernel.UnitKind
	Execute(ctx context.Context, call *Call) error
}

// Call is one kernel invocation: the image, its resolved tensor parameters,
// raw scalar arguments, the device session, and the optional ring channels
// the task is bound to.
type Call struct {
	Image   kernel.Image
	Label   string
	Inputs  []tensor.Descriptor
	Outputs []tensor.Descriptor
	Scalars []uint64
	Session *device.Session

	In  *ring.Channel
	Out *ring.Channel
}

// Pop receives the next tensor handle from the task's consume channel,
// blocking with backpressure semantics.
func (c *Call) Pop() (tensor.Descriptor, error) {
	if c.In == nil {
		return tensor.Descriptor{}, fmt.Errorf("%s: no consume channel bound", c.Label)
	}
	return c.In.Pop()
}

// Push hands a tensor handle to the task's produce channel, blocking while
// the consumer is behind.
func (c *Call) Push(d tensor.Descriptor) error {
	if c.Out == nil {
		return fmt.Errorf("%s: no produce channel bound", c.Label)
	}
	return c.Out.Push(d)
}

// ScalarF32 decodes scalar i as a float32 stored in the low 32 bits, the
// encoding the orchestration ABI uses for float arguments.
func (c *Call) ScalarF32(i int) float32 {
	return math.Float32frombits(uint32(c.Scalars[i]))
}

// ScalarInt decodes scalar i as an integer.
func (c *Call) ScalarInt(i int) int {
	return int(c.Scalars[i])
}

// EncodeF32 packs a float32 into the low 32 bits of a scalar argument.
func EncodeF32(f float32) uint64 {
	return uint64(math.Float32bits(f))
}

// view resolves an f32 slice over a call tensor.
func view(c *Call, d tensor.Descriptor) ([]float32, error) {
	return tensor.ViewF32(c.Session, d)
}
