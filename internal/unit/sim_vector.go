package unit

import (
	"fmt"
	"math"

	"github.com/samcharles93/loom/internal/kernel"
	"github.com/samcharles93/loom/internal/tensor"
)

// Vector-unit function ids. Ids are scoped per unit kind; the registry keys
// images by the (func id, unit kind) pair.
const (
	FuncAdd            int32 = 0
	FuncAddScalar      int32 = 1
	FuncMul            int32 = 2
	FuncSoftmaxPrepare int32 = 3
	FuncOnlineUpdate   int32 = 4
	FuncInitState      int32 = 5
)

// NewSimVector builds a simulated vector unit with the built-in elementwise
// and reduction routines bound.
func NewSimVector(program []byte) *Sim {
	s := NewSim(kernel.Vector, program)
	s.Bind(FuncAdd, vecAdd)
	s.Bind(FuncAddScalar, vecAddScalar)
	s.Bind(FuncMul, vecMul)
	s.Bind(FuncSoftmaxPrepare, vecSoftmaxPrepare)
	s.Bind(FuncOnlineUpdate, vecOnlineUpdate)
	s.Bind(FuncInitState, vecInitState)
	return s
}

// vecAdd: out[0] = in[0] + in[1], elementwise.
func vecAdd(c *Call) error {
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
	if len(a) != len(dst) || len(b) != len(dst) {
		return fmt.Errorf("add: size mismatch %d/%d/%d", len(a), len(b), len(dst))
	}
	tensor.Add(dst, a, b)
	return nil
}

// vecAddScalar: out[0] = in[0] + scalar[0].
func vecAddScalar(c *Call) error {
	src, err := view(c, c.Inputs[0])
	if err != nil {
		return err
	}
	dst, err := view(c, c.Outputs[0])
	if err != nil {
		return err
	}
	if len(src) != len(dst) {
		return fmt.Errorf("add_scalar: size mismatch %d/%d", len(src), len(dst))
	}
	tensor.AddScalar(dst, src, c.ScalarF32(0))
	return nil
}

// vecMul: out[0] = in[0] * in[1], elementwise.
func vecMul(c *Call) error {
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
	if len(a) != len(dst) || len(b) != len(dst) {
		return fmt.Errorf("mul: size mismatch %d/%d/%d", len(a), len(b), len(dst))
	}
	tensor.Mul(dst, a, b)
	return nil
}

// vecSoftmaxPrepare is the per-tile vector stage of the online softmax:
//
//	sij_scaled = sij * scale          (positions >= validLen masked to -inf)
//	mi         = row_max(sij_scaled)
//	pij        = exp(sij_scaled - mi)
//	li         = row_sum(pij)
//
// The scores tile arrives over the consume channel when one is bound
// (cross-unit transfer from the matrix stage); pij leaves over the produce
// channel. Scalars: scale (f32), validLen.
func vecSoftmaxPrepare(c *Call) error {
	sij := tensor.Descriptor{}
	if c.In != nil {
		var err error
		if sij, err = c.Pop(); err != nil {
			return err
		}
	} else {
		sij = c.Inputs[0]
	}
	rows, cols := sij.Rows(), sij.Cols()

	scores, err := view(c, sij)
	if err != nil {
		return err
	}
	pij, err := view(c, c.Outputs[0])
	if err != nil {
		return err
	}
	mi, err := view(c, c.Outputs[1])
	if err != nil {
		return err
	}
	li, err := view(c, c.Outputs[2])
	if err != nil {
		return err
	}
	if len(pij) != rows*cols || len(mi) < rows || len(li) < rows {
		return fmt.Errorf("softmax_prepare: output shape mismatch for %dx%d tile", rows, cols)
	}

	scale := c.ScalarF32(0)
	validLen := c.ScalarInt(1)
	if validLen <= 0 || validLen > cols {
		validLen = cols
	}

	scaled := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if j >= validLen {
				// exp(-inf) = 0: padded key positions contribute nothing.
				scaled[i*cols+j] = tensor.NegInf
				continue
			}
			scaled[i*cols+j] = scores[i*cols+j] * scale
		}
	}
	tensor.RowMax(mi[:rows], scaled, rows, cols)
	tensor.ExpSubRow(pij, scaled, mi, rows, cols)
	tensor.RowSum(li[:rows], pij, rows, cols)

	if c.Out != nil {
		return c.Push(c.Outputs[0])
	}
	return nil
}

// vecOnlineUpdate merges one tile's statistics into the running softmax
// state. Per row, with m/l/o the running max, sum, and accumulator:
//
//	mNew = max(m, mi)
//	o    = o*exp(m-mNew) + oTile*exp(mi-mNew)   (rescale before adding)
//	l    = l*exp(m-mNew) + li*exp(mi-mNew)
//	m    = mNew
//
// The rescale must happen before the new tile's contribution is added; the
// ordering is what keeps the accumulator consistent with the current running
// max under finite precision. The running state starts at m=-inf, l=0, so the
// first tile degenerates to a plain copy without a special case.
//
// Inputs: mi, li (tile stats); the weighted value tile arrives over the
// consume channel when bound, else as input 2. Outputs: mAcc, lAcc, oAcc,
// out. Scalars: isLast, rowOffset. On the final tile the normalize step
// (out = oAcc / lAcc) is fused in here rather than run as a separate pass.
func vecOnlineUpdate(c *Call) error {
	mi, err := view(c, c.Inputs[0])
	if err != nil {
		return err
	}
	li, err := view(c, c.Inputs[1])
	if err != nil {
		return err
	}
	oTileDesc := tensor.Descriptor{}
	if c.In != nil {
		if oTileDesc, err = c.Pop(); err != nil {
			return err
		}
	} else {
		oTileDesc = c.Inputs[2]
	}
	oTile, err := view(c, oTileDesc)
	if err != nil {
		return err
	}
	rows, dim := oTileDesc.Rows(), oTileDesc.Cols()

	mAcc, err := view(c, c.Outputs[0])
	if err != nil {
		return err
	}
	lAcc, err := view(c, c.Outputs[1])
	if err != nil {
		return err
	}
	oAcc, err := view(c, c.Outputs[2])
	if err != nil {
		return err
	}

	for i := 0; i < rows; i++ {
		mNew := mAcc[i]
		if mi[i] > mNew {
			mNew = mi[i]
		}
		alpha := float32(math.Exp(float64(mAcc[i] - mNew)))
		beta := float32(math.Exp(float64(mi[i] - mNew)))
		for j := 0; j < dim; j++ {
			oAcc[i*dim+j] = oAcc[i*dim+j]*alpha + oTile[i*dim+j]*beta
		}
		lAcc[i] = lAcc[i]*alpha + li[i]*beta
		mAcc[i] = mNew
	}

	if c.ScalarInt(0) == 0 {
		return nil
	}

	// Final tile: fused normalize into the row-group's slice of the output.
	out, err := view(c, c.Outputs[3])
	if err != nil {
		return err
	}
	rowOffset := c.ScalarInt(1)
	outCols := c.Outputs[3].Cols()
	if outCols != dim {
		return fmt.Errorf("online_update: output dim %d vs accumulator dim %d", outCols, dim)
	}
	for i := 0; i < rows; i++ {
		if lAcc[i] == 0 {
			return fmt.Errorf("online_update: zero running sum at row %d", i)
		}
		inv := 1 / lAcc[i]
		for j := 0; j < dim; j++ {
			out[(rowOffset+i)*outCols+j] = oAcc[i*dim+j] * inv
		}
	}
	return nil
}

// vecInitState prepares a row group's running state: max to -inf, sum and
// accumulator to zero.
func vecInitState(c *Call) error {
	mAcc, err := view(c, c.Outputs[0])
	if err != nil {
		return err
	}
	lAcc, err := view(c, c.Outputs[1])
	if err != nil {
		return err
	}
	oAcc, err := view(c, c.Outputs[2])
	if err != nil {
		return err
	}
	for i := range mAcc {
		mAcc[i] = tensor.NegInf
	}
	clear(lAcc)
	clear(oAcc)
	return nil
}
