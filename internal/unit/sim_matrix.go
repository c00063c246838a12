package unit

import (
	"fmt"

	"github.com/samcharles93/loom/internal/kernel"
	"github.com/samcharles93/loom/internal/tensor"
)

// Matrix-unit function ids.
const (
	FuncQKMatmul int32 = 0
	FuncPVMatmul int32 = 1
	FuncMatmul   int32 = 2
)

// NewSimMatrix builds a simulated matrix unit with the built-in matmul
// routines bound.
func NewSimMatrix(program []byte) *Sim {
	s := NewSim(kernel.Matrix, program)
	s.Bind(FuncQKMatmul, matQKMatmul)
	s.Bind(FuncPVMatmul, matPVMatmul)
	s.Bind(FuncMatmul, matMatmul)
	return s
}

// matQKMatmul computes the raw score tile sij = qi · kjᵀ for qi (m×d) and
// kj (n×d, keys row-major per position). When a produce channel is bound the
// score tile is handed to the vector stage through it.
func matQKMatmul(c *Call) error {
	qi, err := view(c, c.Inputs[0])
	if err != nil {
		return err
	}
	kj, err := view(c, c.Inputs[1])
	if err != nil {
		return err
	}
	sij, err := view(c, c.Outputs[0])
	if err != nil {
		return err
	}
	m, d := c.Inputs[0].Rows(), c.Inputs[0].Cols()
	n := c.Inputs[1].Rows()
	if c.Inputs[1].Cols() != d {
		return fmt.Errorf("qk_matmul: head dim mismatch %d/%d", d, c.Inputs[1].Cols())
	}
	if len(sij) != m*n {
		return fmt.Errorf("qk_matmul: score tile %d elements, want %dx%d", len(sij), m, n)
	}
	tensor.MatmulBT(sij, qi, kj, m, d, n)

	if c.Out != nil {
		return c.Push(c.Outputs[0])
	}
	return nil
}

// matPVMatmul computes the weighted value tile oi = pij · vj. The
// probability tile arrives over the consume channel when bound (cross-unit
// transfer from the vector stage), else as input 0; vj is the value block.
func matPVMatmul(c *Call) error {
	pijDesc := tensor.Descriptor{}
	var err error
	if c.In != nil {
		if pijDesc, err = c.Pop(); err != nil {
			return err
		}
	} else {
		pijDesc = c.Inputs[0]
	}
	pij, err := view(c, pijDesc)
	if err != nil {
		return err
	}
	vjDesc := c.Inputs[len(c.Inputs)-1]
	vj, err := view(c, vjDesc)
	if err != nil {
		return err
	}
	oi, err := view(c, c.Outputs[0])
	if err != nil {
		return err
	}
	m, n := pijDesc.Rows(), pijDesc.Cols()
	d := vjDesc.Cols()
	if vjDesc.Rows() != n {
		return fmt.Errorf("pv_matmul: value rows %d vs tile cols %d", vjDesc.Rows(), n)
	}
	if len(oi) != m*d {
		return fmt.Errorf("pv_matmul: out tile %d elements, want %dx%d", len(oi), m, d)
	}
	tensor.Matmul(oi, pij, vj, m, n, d)

	if c.Out != nil {
		return c.Push(c.Outputs[0])
	}
	return nil
}

// matMatmul is the general C = A·B entry for (m×k)·(k×n).
func matMatmul(c *Call) error {
	a, err := view(c, c.Inputs[0])
	if err != nil {
		return err
	}
	b, err := view(c, c.Inputs[1])
	if err != nil {
		return err
	}
	dst, err := view(c, c.Outputs[0])
	if err != nil {
		return err
	}
	m, k := c.Inputs[0].Rows(), c.Inputs[0].Cols()
	n := c.Inputs[1].Cols()
	if c.Inputs[1].Rows() != k {
		return fmt.Errorf("matmul: inner dim mismatch %d/%d", k, c.Inputs[1].Rows())
	}
	if len(dst) != m*n {
		return fmt.Errorf("matmul: out %d elements, want %dx%d", len(dst), m, n)
	}
	tensor.Matmul(dst, a, b, m, k, n)
	return nil
}
