// Package attention computes tiled (paged) attention as a task graph:
// matrix-unit stages produce score and weighted-value tiles, vector-unit
// stages run the streaming online-softmax reduction, and every cross-unit
// hand-off travels through a bounded ring channel.
package attention

import (
	"fmt"
	"math"

	"github.com/samcharles93/loom/internal/tensor"
)

// State is the running online-softmax reduction for one row group: a running
// maximum and running sum per row plus the weighted-value accumulator.
// RunningMax is non-decreasing as tiles arrive in order, and the accumulator
// is always scaled consistently with the current running maximum.
type State struct {
	Rows, Dim  int
	RunningMax []float32
	RunningSum []float32
	Acc        []float32
}

// NewState creates a fresh state: max at -inf, sum and accumulator at zero.
// Starting from -inf makes the first merge a plain copy, with no special
// case: exp(-inf - m) = 0 cancels the empty accumulator.
func NewState(rows, dim int) *State {
	s := &State{
		Rows:       rows,
		Dim:        dim,
		RunningMax: make([]float32, rows),
		RunningSum: make([]float32, rows),
		Acc:        make([]float32, rows*dim),
	}
	for i := range s.RunningMax {
		s.RunningMax[i] = tensor.NegInf
	}
	return s
}

// Merge folds one tile's statistics into the state. mi and li are the tile's
// per-row local max and exp-sum; oTile is the tile's weighted value product
// (rows×dim). The accumulator and running sum are rescaled by
// exp(oldMax-newMax) before the tile's contribution is added; doing it in
// this order is what keeps the recurrence stable under finite precision.
func (s *State) Merge(mi, li, oTile []float32) {
	for i := 0; i < s.Rows; i++ {
		mNew := s.RunningMax[i]
		if mi[i] > mNew {
			mNew = mi[i]
		}
		alpha := float32(math.Exp(float64(s.RunningMax[i] - mNew)))
		beta := float32(math.Exp(float64(mi[i] - mNew)))
		for j := 0; j < s.Dim; j++ {
			s.Acc[i*s.Dim+j] = s.Acc[i*s.Dim+j]*alpha + oTile[i*s.Dim+j]*beta
		}
		s.RunningSum[i] = s.RunningSum[i]*alpha + li[i]*beta
		s.RunningMax[i] = mNew
	}
}

// Normalize divides the accumulator by the running sum, producing the final
// attention output for the row group.
func (s *State) Normalize(dst []float32) error {
	if len(dst) < s.Rows*s.Dim {
		return fmt.Errorf("normalize: dst %d elements, want %d", len(dst), s.Rows*s.Dim)
	}
	for i := 0; i < s.Rows; i++ {
		if s.RunningSum[i] == 0 {
			return fmt.Errorf("normalize: zero running sum at row %d", i)
		}
		inv := 1 / s.RunningSum[i]
		for j := 0; j < s.Dim; j++ {
			dst[i*s.Dim+j] = s.Acc[i*s.Dim+j] * inv
		}
	}
	return nil
}
