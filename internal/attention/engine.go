package attention

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/loom/internal/graph"
	"github.com/samcharles93/loom/internal/kernel"
	"github.com/samcharles93/loom/internal/rt"
	"github.com/samcharles93/loom/internal/tensor"
	"github.com/samcharles93/loom/internal/unit"
)

var ErrBadConfig = errors.New("invalid attention config")

// Config describes one paged-attention invocation. The key/value sequence is
// stored in fixed-size blocks ("pages"); each row group walks its blocks in
// order through the block table, so the sequence never has to be contiguous
// or fully materialized.
type Config struct {
	Batch     int // row groups
	GroupRows int // query rows per group
	HeadDim   int
	BlockSize int // KV rows per page

	ContextLens []int   // KV length per group
	BlockTable  [][]int // per group: physical page index per tile

	Scale      float32
	ChannelCap int // ring capacity; default 2
}

func (c Config) validate() error {
	if c.Batch < 1 || c.GroupRows < 1 || c.HeadDim < 1 || c.BlockSize < 1 {
		return fmt.Errorf("%w: non-positive dimension", ErrBadConfig)
	}
	if len(c.ContextLens) != c.Batch || len(c.BlockTable) != c.Batch {
		return fmt.Errorf("%w: context lens/block table must have %d entries", ErrBadConfig, c.Batch)
	}
	for b := 0; b < c.Batch; b++ {
		if c.ContextLens[b] < 1 {
			return fmt.Errorf("%w: group %d has empty context", ErrBadConfig, b)
		}
		if len(c.BlockTable[b]) < c.Tiles(b) {
			return fmt.Errorf("%w: group %d block table has %d pages, needs %d",
				ErrBadConfig, b, len(c.BlockTable[b]), c.Tiles(b))
		}
	}
	return nil
}

// Tiles returns the number of KV tiles for row group b.
func (c Config) Tiles(b int) int {
	return (c.ContextLens[b] + c.BlockSize - 1) / c.BlockSize
}

func (c Config) channelCap() int {
	if c.ChannelCap > 0 {
		return c.ChannelCap
	}
	return 2
}

// KernelSpecs is the kernel set the engine registers: two matrix-stage
// matmuls and three vector-stage reduction kernels.
func KernelSpecs() []rt.KernelSpec {
	return []rt.KernelSpec{
		{FuncID: unit.FuncQKMatmul, Unit: kernel.Matrix, Source: "kernel aic_qk_matmul: sij = qi . kj^T"},
		{FuncID: unit.FuncPVMatmul, Unit: kernel.Matrix, Source: "kernel aic_pv_matmul: oi = pij . vj"},
		{FuncID: unit.FuncInitState, Unit: kernel.Vector, Source: "kernel aiv_init_state: m=-inf l=0 acc=0"},
		{FuncID: unit.FuncSoftmaxPrepare, Unit: kernel.Vector, Source: "kernel aiv_softmax_prepare: mi,pij,li"},
		{FuncID: unit.FuncOnlineUpdate, Unit: kernel.Vector, Source: "kernel aiv_online_update: streaming merge"},
	}
}

// BuildGraph emits the attention task graph over already-declared tensors:
// query (Batch*GroupRows × HeadDim), key/value caches (pages*BlockSize ×
// HeadDim), and the output (same shape as query). Per tile it alternates
// matrix and vector stages; the three cross-unit hand-offs (scores,
// probabilities, weighted values) each get a dedicated ring channel sized to
// the configured in-flight bound.
func BuildGraph(run *rt.Runtime, cfg Config, qName, kName, vName, outName string) (*graph.Schedule, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	q, err := run.Tensors.Resolve(qName)
	if err != nil {
		return nil, err
	}
	k, err := run.Tensors.Resolve(kName)
	if err != nil {
		return nil, err
	}
	v, err := run.Tensors.Resolve(vName)
	if err != nil {
		return nil, err
	}
	out, err := run.Tensors.Resolve(outName)
	if err != nil {
		return nil, err
	}
	if q.Rows() != cfg.Batch*cfg.GroupRows || q.Cols() != cfg.HeadDim {
		return nil, fmt.Errorf("%w: query is %dx%d, want %dx%d",
			ErrBadConfig, q.Rows(), q.Cols(), cfg.Batch*cfg.GroupRows, cfg.HeadDim)
	}
	if out.Rows() != q.Rows() || out.Cols() != q.Cols() {
		return nil, fmt.Errorf("%w: output shape differs from query", ErrBadConfig)
	}

	scores, err := run.OpenChannel(outName+"/scores", cfg.channelCap(), kernel.Matrix, kernel.Vector)
	if err != nil {
		return nil, err
	}
	probs, err := run.OpenChannel(outName+"/probs", cfg.channelCap(), kernel.Vector, kernel.Matrix)
	if err != nil {
		return nil, err
	}
	weighted, err := run.OpenChannel(outName+"/weighted", cfg.channelCap(), kernel.Matrix, kernel.Vector)
	if err != nil {
		return nil, err
	}

	b := run.NewGraph()
	elem := tensor.F32.Size()

	// Per-stage chains keep each channel's FIFO order aligned with tile
	// order across the whole graph.
	prev := map[string]graph.TaskID{}
	chain := func(stage string, id graph.TaskID) error {
		if p, ok := prev[stage]; ok {
			if err := b.AddDependency(p, id); err != nil {
				return err
			}
		}
		prev[stage] = id
		return nil
	}

	for g := 0; g < cfg.Batch; g++ {
		pre := fmt.Sprintf("%s/g%d", outName, g)
		rows := cfg.GroupRows

		qView, err := run.Tensors.DeclareAt(pre+"/q", []int{rows, cfg.HeadDim}, tensor.F32,
			q.Addr+tensor.OffsetAddr(g*rows*cfg.HeadDim, elem))
		if err != nil {
			return nil, err
		}
		mAcc, err := run.Tensors.DeclareScratch(pre+"/m", []int{rows}, tensor.F32)
		if err != nil {
			return nil, err
		}
		lAcc, err := run.Tensors.DeclareScratch(pre+"/l", []int{rows}, tensor.F32)
		if err != nil {
			return nil, err
		}
		oAcc, err := run.Tensors.DeclareScratch(pre+"/acc", []int{rows, cfg.HeadDim}, tensor.F32)
		if err != nil {
			return nil, err
		}

		initID, err := b.AddTask(kernel.Ref{FuncID: unit.FuncInitState, Unit: kernel.Vector},
			nil, []string{mAcc.Name, lAcc.Name, oAcc.Name},
			graph.WithLabel(pre+"/init"))
		if err != nil {
			return nil, err
		}

		tiles := cfg.Tiles(g)
		var prevUpdate graph.TaskID = initID
		for t := 0; t < tiles; t++ {
			page := cfg.BlockTable[g][t]
			validLen := cfg.BlockSize
			if rem := cfg.ContextLens[g] - t*cfg.BlockSize; rem < validLen {
				validLen = rem
			}
			tp := fmt.Sprintf("%s/t%d", pre, t)

			kView, err := run.Tensors.DeclareAt(tp+"/k", []int{validLen, cfg.HeadDim}, tensor.F32,
				k.Addr+tensor.OffsetAddr(page*cfg.BlockSize*cfg.HeadDim, elem))
			if err != nil {
				return nil, err
			}
			vView, err := run.Tensors.DeclareAt(tp+"/v", []int{validLen, cfg.HeadDim}, tensor.F32,
				v.Addr+tensor.OffsetAddr(page*cfg.BlockSize*cfg.HeadDim, elem))
			if err != nil {
				return nil, err
			}
			sij, err := run.Tensors.DeclareScratch(tp+"/s", []int{rows, validLen}, tensor.F32)
			if err != nil {
				return nil, err
			}
			pij, err := run.Tensors.DeclareScratch(tp+"/p", []int{rows, validLen}, tensor.F32)
			if err != nil {
				return nil, err
			}
			mi, err := run.Tensors.DeclareScratch(tp+"/mi", []int{rows}, tensor.F32)
			if err != nil {
				return nil, err
			}
			li, err := run.Tensors.DeclareScratch(tp+"/li", []int{rows}, tensor.F32)
			if err != nil {
				return nil, err
			}
			oTile, err := run.Tensors.DeclareScratch(tp+"/o", []int{rows, cfg.HeadDim}, tensor.F32)
			if err != nil {
				return nil, err
			}

			qk, err := b.AddTask(kernel.Ref{FuncID: unit.FuncQKMatmul, Unit: kernel.Matrix},
				[]string{qView.Name, kView.Name}, []string{sij.Name},
				graph.WithProduce(scores), graph.WithLabel(tp+"/qk"))
			if err != nil {
				return nil, err
			}
			sf, err := b.AddTask(kernel.Ref{FuncID: unit.FuncSoftmaxPrepare, Unit: kernel.Vector},
				nil, []string{pij.Name, mi.Name, li.Name},
				graph.WithConsume(scores), graph.WithProduce(probs),
				graph.WithScalars(unit.EncodeF32(cfg.Scale), uint64(validLen)),
				graph.WithLabel(tp+"/softmax"))
			if err != nil {
				return nil, err
			}
			pv, err := b.AddTask(kernel.Ref{FuncID: unit.FuncPVMatmul, Unit: kernel.Matrix},
				[]string{vView.Name}, []string{oTile.Name},
				graph.WithConsume(probs), graph.WithProduce(weighted),
				graph.WithLabel(tp+"/pv"))
			if err != nil {
				return nil, err
			}
			isLast := uint64(0)
			if t == tiles-1 {
				isLast = 1
			}
			up, err := b.AddTask(kernel.Ref{FuncID: unit.FuncOnlineUpdate, Unit: kernel.Vector},
				[]string{mi.Name, li.Name},
				[]string{mAcc.Name, lAcc.Name, oAcc.Name, outName},
				graph.WithConsume(weighted),
				graph.WithScalars(isLast, uint64(g*rows)),
				graph.WithLabel(tp+"/update"))
			if err != nil {
				return nil, err
			}

			for _, dep := range [][2]graph.TaskID{{qk, sf}, {sf, pv}, {pv, up}, {prevUpdate, up}} {
				if err := b.AddDependency(dep[0], dep[1]); err != nil {
					return nil, err
				}
			}
			for _, c := range []struct {
				stage string
				id    graph.TaskID
			}{{"qk", qk}, {"sf", sf}, {"pv", pv}, {"up", up}} {
				if err := chain(c.stage, c.id); err != nil {
					return nil, err
				}
			}
			prevUpdate = up
		}
	}

	if err := b.DeclareOutput(outName); err != nil {
		return nil, err
	}
	return b.Finalize()
}

// BuildGraphArgs is the fixed-ABI entry point: raw carries the device
// addresses of query, key cache, value cache, and output, then their sizes,
// then the total byte count. The tensors are published into the map before
// graph construction.
func BuildGraphArgs(run *rt.Runtime, cfg Config, raw []uint64) (*graph.Schedule, error) {
	args, err := rt.ParseEntryArgs(raw, 4)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	elem := tensor.F32.Size()
	qRows := cfg.Batch * cfg.GroupRows
	kvRows := int(args.Sizes[1]) / (cfg.HeadDim * elem)

	type decl struct {
		name  string
		shape []int
		idx   int
	}
	decls := []decl{
		{"attn/query", []int{qRows, cfg.HeadDim}, 0},
		{"attn/key_cache", []int{kvRows, cfg.HeadDim}, 1},
		{"attn/value_cache", []int{kvRows, cfg.HeadDim}, 2},
		{"attn/out", []int{qRows, cfg.HeadDim}, 3},
	}
	for _, d := range decls {
		want := uint64(1)
		for _, dim := range d.shape {
			want *= uint64(dim)
		}
		if args.Sizes[d.idx] < want*uint64(elem) {
			return nil, fmt.Errorf("%w: %s needs %d bytes, got %d",
				rt.ErrBadEntryArgs, d.name, want*uint64(elem), args.Sizes[d.idx])
		}
		if _, err := run.Tensors.DeclareAt(d.name, d.shape, tensor.F32, args.Addrs[d.idx]); err != nil {
			return nil, err
		}
	}
	return BuildGraph(run, cfg, "attn/query", "attn/key_cache", "attn/value_cache", "attn/out")
}

// Run declares the tensors, uploads the host data, builds and launches the
// graph, and reads back the normalized output. Three of the four pipeline
// stages push into a bounded channel and can block; the dispatcher count is
// clamped to four so the draining update stage always finds a free loop.
func Run(ctx context.Context, run *rt.Runtime, cfg Config, params rt.LaunchParams, q, k, v []float32) ([]float32, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if params.DispatcherThreads < 4 {
		params.DispatcherThreads = 4
	}

	elem := cfg.HeadDim
	kvRows := len(k) / elem
	qd, err := run.Tensors.Declare("attn/query", []int{cfg.Batch * cfg.GroupRows, elem}, tensor.F32)
	if err != nil {
		return nil, err
	}
	kd, err := run.Tensors.Declare("attn/key_cache", []int{kvRows, elem}, tensor.F32)
	if err != nil {
		return nil, err
	}
	vd, err := run.Tensors.Declare("attn/value_cache", []int{kvRows, elem}, tensor.F32)
	if err != nil {
		return nil, err
	}
	od, err := run.Tensors.Declare("attn/out", []int{cfg.Batch * cfg.GroupRows, elem}, tensor.F32)
	if err != nil {
		return nil, err
	}
	for _, cp := range []struct {
		d    tensor.Descriptor
		data []float32
	}{{qd, q}, {kd, k}, {vd, v}} {
		if err := tensor.CopyF32(run.Session, cp.d, cp.data); err != nil {
			return nil, err
		}
	}

	sched, err := BuildGraph(run, cfg, qd.Name, kd.Name, vd.Name, od.Name)
	if err != nil {
		return nil, err
	}
	if _, err := run.Launch(ctx, sched, params); err != nil {
		return nil, err
	}
	return tensor.ReadF32(run.Session, od)
}

// Reference computes the same attention output over the whole sequence in
// one pass, for golden comparison: tiling must not change the result beyond
// tolerance.
func Reference(cfg Config, q, k, v []float32) ([]float32, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := cfg.HeadDim
	out := make([]float32, cfg.Batch*cfg.GroupRows*d)
	for g := 0; g < cfg.Batch; g++ {
		ctxLen := cfg.ContextLens[g]

		// Gather the group's keys/values in block-table order.
		keys := make([]float32, ctxLen*d)
		vals := make([]float32, ctxLen*d)
		for pos := 0; pos < ctxLen; pos++ {
			page := cfg.BlockTable[g][pos/cfg.BlockSize]
			src := (page*cfg.BlockSize + pos%cfg.BlockSize) * d
			copy(keys[pos*d:(pos+1)*d], k[src:src+d])
			copy(vals[pos*d:(pos+1)*d], v[src:src+d])
		}

		scores := make([]float32, cfg.GroupRows*ctxLen)
		qg := q[g*cfg.GroupRows*d : (g+1)*cfg.GroupRows*d]
		tensor.MatmulBT(scores, qg, keys, cfg.GroupRows, d, ctxLen)
		tensor.Scale(scores, scores, cfg.Scale)
		for i := 0; i < cfg.GroupRows; i++ {
			tensor.Softmax(scores[i*ctxLen : (i+1)*ctxLen])
		}
		tensor.Matmul(out[g*cfg.GroupRows*d:(g+1)*cfg.GroupRows*d], scores, vals, cfg.GroupRows, ctxLen, d)
	}
	return out, nil
}
