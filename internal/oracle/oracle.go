// Package oracle validates device graph executions against host-side golden
// references. A case generates inputs, runs a graph through the runtime, and
// compares every output element within relative and absolute tolerance,
// producing a machine-readable report.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/loom/internal/rt"
)

// ErrValidation reports an output that differs from its golden reference
// beyond tolerance.
var ErrValidation = errors.New("validation failed")

// DefaultRTol and DefaultATol match the reference checker's tolerances.
const (
	DefaultRTol = 1e-5
	DefaultATol = 1e-5
)

// Stats summarizes the elementwise difference between an output and its
// golden reference.
type Stats struct {
	Elems      int     `json:"elems"`
	MaxAbs     float64 `json:"max_abs"`
	MeanAbs    float64 `json:"mean_abs"`
	RMSE       float64 `json:"rmse"`
	WorstIndex int     `json:"worst_index"`
}

// Diff computes difference statistics over the common prefix of got and want.
func Diff(got, want []float32) Stats {
	n := min(len(got), len(want))
	s := Stats{Elems: n}
	if n == 0 {
		return s
	}
	var sumAbs, sumSq float64
	for i := 0; i < n; i++ {
		d := math.Abs(float64(got[i]) - float64(want[i]))
		sumAbs += d
		sumSq += d * d
		if d > s.MaxAbs {
			s.MaxAbs = d
			s.WorstIndex = i
		}
	}
	s.MeanAbs = sumAbs / float64(n)
	s.RMSE = math.Sqrt(sumSq / float64(n))
	return s
}

// Compare checks got against want elementwise: each difference must satisfy
// |got-want| <= atol + rtol*|want|. The first violation is reported with its
// index and both values.
func Compare(got, want []float32, rtol, atol float64) error {
	if len(got) != len(want) {
		return fmt.Errorf("%w: %d elements, golden has %d", ErrValidation, len(got), len(want))
	}
	for i := range want {
		g, w := float64(got[i]), float64(want[i])
		if math.IsNaN(g) {
			return fmt.Errorf("%w: NaN at element %d (golden %g)", ErrValidation, i, w)
		}
		if math.Abs(g-w) > atol+rtol*math.Abs(w) {
			return fmt.Errorf("%w: element %d: got %g, want %g (rtol %g, atol %g)",
				ErrValidation, i, g, w, rtol, atol)
		}
	}
	return nil
}

// Case is one golden validation: Run executes a graph on the runtime and
// returns the device output alongside the host-computed reference.
type Case struct {
	Name string
	RTol float64
	ATol float64

	Run func(ctx context.Context, run *rt.Runtime, params rt.LaunchParams) (got, want []float32, err error)
}

// Report is the serializable outcome of one case execution.
type Report struct {
	Case      string  `json:"case"`
	DeviceID  int     `json:"device_id"`
	Pass      bool    `json:"pass"`
	Error     string  `json:"error,omitempty"`
	RTol      float64 `json:"rtol"`
	ATol      float64 `json:"atol"`
	Stats     Stats   `json:"stats"`
	ElapsedMs float64 `json:"elapsed_ms"`
}

// JSON renders the report for the command-line surface.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Execute runs the case and validates its output. The report is always
// returned, even on failure; the error carries the run or validation failure.
func Execute(ctx context.Context, run *rt.Runtime, params rt.LaunchParams, c Case) (*Report, error) {
	rtol, atol := c.RTol, c.ATol
	if rtol == 0 {
		rtol = DefaultRTol
	}
	if atol == 0 {
		atol = DefaultATol
	}
	report := &Report{
		Case:     c.Name,
		DeviceID: run.Session.DeviceID,
		RTol:     rtol,
		ATol:     atol,
	}

	start := time.Now()
	got, want, err := c.Run(ctx, run, params)
	report.ElapsedMs = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		report.Error = err.Error()
		return report, fmt.Errorf("case %s: %w", c.Name, err)
	}

	report.Stats = Diff(got, want)
	if err := Compare(got, want, rtol, atol); err != nil {
		report.Error = err.Error()
		return report, fmt.Errorf("case %s: %w", c.Name, err)
	}
	report.Pass = true
	return report, nil
}
