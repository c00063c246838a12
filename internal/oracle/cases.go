package oracle

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/samcharles93/loom/internal/attention"
	"github.com/samcharles93/loom/internal/graph"
	"github.com/samcharles93/loom/internal/kernel"
	"github.com/samcharles93/loom/internal/rt"
	"github.com/samcharles93/loom/internal/tensor"
	"github.com/samcharles93/loom/internal/unit"
)

// RoundTripElems is the element count of the built-in arithmetic case.
const RoundTripElems = 16384

// RoundTrip is the end-to-end arithmetic case: a four-task diamond over the
// vector unit computing f = (a+b+1)*(a+b+2) with a=2, b=3, so every output
// element must equal 42.
func RoundTrip(elems int) Case {
	if elems <= 0 {
		elems = RoundTripElems
	}
	return Case{
		Name: fmt.Sprintf("round_trip_%d", elems),
		Run: func(ctx context.Context, run *rt.Runtime, params rt.LaunchParams) ([]float32, []float32, error) {
			specs := []rt.KernelSpec{
				{FuncID: unit.FuncAdd, Unit: kernel.Vector, Source: "kernel aiv_add: c = a + b"},
				{FuncID: unit.FuncAddScalar, Unit: kernel.Vector, Source: "kernel aiv_add_scalar: c = a + s"},
				{FuncID: unit.FuncMul, Unit: kernel.Vector, Source: "kernel aiv_mul: c = a * b"},
			}
			if err := run.RegisterKernels(kernel.StubToolchain{}, specs); err != nil {
				return nil, nil, err
			}

			shape := []int{elems}
			names := []string{"rt/a", "rt/b", "rt/c", "rt/d", "rt/e", "rt/f"}
			descs := make(map[string]tensor.Descriptor, len(names))
			for _, name := range names {
				d, err := run.Tensors.Declare(name, shape, tensor.F32)
				if err != nil {
					return nil, nil, err
				}
				descs[name] = d
			}
			if err := tensor.FillF32(run.Session, descs["rt/a"], 2); err != nil {
				return nil, nil, err
			}
			if err := tensor.FillF32(run.Session, descs["rt/b"], 3); err != nil {
				return nil, nil, err
			}

			b := run.NewGraph()
			addRef := kernel.Ref{FuncID: unit.FuncAdd, Unit: kernel.Vector}
			addScalarRef := kernel.Ref{FuncID: unit.FuncAddScalar, Unit: kernel.Vector}
			mulRef := kernel.Ref{FuncID: unit.FuncMul, Unit: kernel.Vector}

			t0, err := b.AddTask(addRef, []string{"rt/a", "rt/b"}, []string{"rt/c"}, graph.WithLabel("c=a+b"))
			if err != nil {
				return nil, nil, err
			}
			t1, err := b.AddTask(addScalarRef, []string{"rt/c"}, []string{"rt/d"},
				graph.WithScalars(unit.EncodeF32(1)), graph.WithLabel("d=c+1"))
			if err != nil {
				return nil, nil, err
			}
			t2, err := b.AddTask(addScalarRef, []string{"rt/c"}, []string{"rt/e"},
				graph.WithScalars(unit.EncodeF32(2)), graph.WithLabel("e=c+2"))
			if err != nil {
				return nil, nil, err
			}
			t3, err := b.AddTask(mulRef, []string{"rt/d", "rt/e"}, []string{"rt/f"}, graph.WithLabel("f=d*e"))
			if err != nil {
				return nil, nil, err
			}
			for _, dep := range [][2]graph.TaskID{{t0, t1}, {t0, t2}, {t1, t3}, {t2, t3}} {
				if err := b.AddDependency(dep[0], dep[1]); err != nil {
					return nil, nil, err
				}
			}
			if err := b.DeclareOutput("rt/f"); err != nil {
				return nil, nil, err
			}
			sched, err := b.Finalize()
			if err != nil {
				return nil, nil, err
			}

			if _, err := run.Launch(ctx, sched, params); err != nil {
				return nil, nil, err
			}
			got, err := tensor.ReadF32(run.Session, descs["rt/f"])
			if err != nil {
				return nil, nil, err
			}

			want := make([]float32, elems)
			for i := range want {
				want[i] = 42
			}
			return got, want, nil
		},
	}
}

// Attention validates the tiled attention graph against the single-pass
// host reference over deterministic pseudo-random inputs.
func Attention(cfg attention.Config, seed uint64) Case {
	return Case{
		Name: fmt.Sprintf("attention_b%d_r%d_d%d", cfg.Batch, cfg.GroupRows, cfg.HeadDim),
		Run: func(ctx context.Context, run *rt.Runtime, params rt.LaunchParams) ([]float32, []float32, error) {
			if err := run.RegisterKernels(kernel.StubToolchain{}, attention.KernelSpecs()); err != nil {
				return nil, nil, err
			}
			q, k, v := AttentionInputs(cfg, seed)
			got, err := attention.Run(ctx, run, cfg, params, q, k, v)
			if err != nil {
				return nil, nil, err
			}
			want, err := attention.Reference(cfg, q, k, v)
			if err != nil {
				return nil, nil, err
			}
			return got, want, nil
		},
	}
}

// AttentionInputs generates query and paged key/value data for cfg from a
// deterministic stream, values uniform in [-1, 1).
func AttentionInputs(cfg attention.Config, seed uint64) (q, k, v []float32) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	pages := 0
	for _, row := range cfg.BlockTable {
		for _, p := range row {
			if p+1 > pages {
				pages = p + 1
			}
		}
	}
	fill := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = rng.Float32()*2 - 1
		}
		return out
	}
	q = fill(cfg.Batch * cfg.GroupRows * cfg.HeadDim)
	k = fill(pages * cfg.BlockSize * cfg.HeadDim)
	v = fill(pages * cfg.BlockSize * cfg.HeadDim)
	return q, k, v
}
