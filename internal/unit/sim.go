package unit

import (
	"context"
	"fmt"

	"github.com/samcharles93/loom/internal/kernel"
)

// Routine is the host implementation backing one function id on a simulated
// unit.
type Routine func(*Call) error

// Sim is a simulated execution unit: a routine table keyed by function id and
// a parallelism gate bounding concurrent invocations, standing in for the
// physical core count of the unit.
type Sim struct {
	kind     kernel.UnitKind
	program  []byte // engine binary handed over at launch; opaque here
	routines map[int32]Routine
	gate     chan struct{}
}

// NewSim creates a simulated unit of the given kind. program is the engine
// binary from the launch parameters; the simulator only requires it to be
// non-empty, the way real firmware would refuse an empty load.
func NewSim(kind kernel.UnitKind, program []byte) *Sim {
	s := &Sim{
		kind:     kind,
		program:  append([]byte(nil), program...),
		routines: make(map[int32]Routine),
	}
	s.SetParallelism(1)
	return s
}

// Bind installs the routine for a function id, replacing any previous one.
func (s *Sim) Bind(funcID int32, r Routine) {
	s.routines[funcID] = r
}

// SetParallelism bounds how many kernels may run on the unit concurrently.
func (s *Sim) SetParallelism(n int) {
	if n < 1 {
		n = 1
	}
	s.gate = make(chan struct{}, n)
}

func (s *Sim) Kind() kernel.UnitKind { return s.kind }

// Execute runs the routine bound to the call's function id. The kernel runs
// to completion; only ring-channel operations inside the routine may block.
func (s *Sim) Execute(ctx context.Context, call *Call) error {
	if len(s.program) == 0 {
		return fmt.Errorf("%w: %s unit has no engine binary loaded", ErrKernelExecution, s.kind)
	}
	if call.Image.Ref.Unit != s.kind {
		return fmt.Errorf("%w: %s dispatched to %s unit", ErrKernelExecution, call.Image.Ref, s.kind)
	}
	routine, ok := s.routines[call.Image.Ref.FuncID]
	if !ok {
		return fmt.Errorf("%w: %s: no routine bound", ErrKernelExecution, call.Image.Ref)
	}

	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.gate }()

	if err := routine(call); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrKernelExecution, call.Label, err)
	}
	return nil
}
