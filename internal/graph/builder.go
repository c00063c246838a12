package graph

import (
	"container/heap"
	"fmt"

	"github.com/samcharles93/loom/internal/kernel"
	"github.com/samcharles93/loom/internal/ring"
	"github.com/samcharles93/loom/internal/tensor"
)

// Builder constructs a task graph against a kernel registry and tensor map.
// Kernel and tensor references are validated at insert time so a bad graph
// never reaches the sequencer.
type Builder struct {
	kernels *kernel.Registry
	tensors *tensor.Map

	tasks     []*Task
	producers map[string]TaskID // output tensor name → producing task
	outputs   []string
	finalized bool
}

func NewBuilder(kernels *kernel.Registry, tensors *tensor.Map) *Builder {
	return &Builder{
		kernels:   kernels,
		tensors:   tensors,
		producers: make(map[string]TaskID),
	}
}

// TaskOption configures optional task attributes.
type TaskOption func(*Task)

// WithScalars attaches encoded scalar arguments, passed to the kernel after
// the resolved tensor parameters.
func WithScalars(scalars ...uint64) TaskOption {
	return func(t *Task) { t.Scalars = append(t.Scalars, scalars...) }
}

// WithLabel names the task for logs and reports.
func WithLabel(label string) TaskOption {
	return func(t *Task) { t.Label = label }
}

// WithProduce binds the channel this task pushes results into.
func WithProduce(ch *ring.Channel) TaskOption {
	return func(t *Task) { t.Produce = ch }
}

// WithConsume binds the channel this task pops its input from.
func WithConsume(ch *ring.Channel) TaskOption {
	return func(t *Task) { t.Consume = ch }
}

// AddTask appends a task bound to a registered kernel and declared tensors,
// returning its id. Fails with kernel.ErrUnknownKernel or
// tensor.ErrUnknownTensor on an invalid reference.
func (b *Builder) AddTask(ref kernel.Ref, inputs, outputs []string, opts ...TaskOption) (TaskID, error) {
	if b.finalized {
		return 0, ErrFinalized
	}
	if _, err := b.kernels.Resolve(ref); err != nil {
		return 0, fmt.Errorf("add task: %w", err)
	}
	for _, name := range append(append([]string(nil), inputs...), outputs...) {
		if !b.tensors.Has(name) {
			return 0, fmt.Errorf("add task %s: %s: %w", ref, name, tensor.ErrUnknownTensor)
		}
	}

	id := TaskID(len(b.tasks))
	t := &Task{
		ID:      id,
		Kernel:  ref,
		Inputs:  append([]string(nil), inputs...),
		Outputs: append([]string(nil), outputs...),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.Label == "" {
		t.Label = ref.String()
	}
	b.tasks = append(b.tasks, t)
	for _, out := range outputs {
		// Last writer wins for the dangling-output check; multiple
		// producers are ordered by explicit dependencies.
		b.producers[out] = id
	}
	return id, nil
}

// AddDependency records that `to` must run after `from`. The edge is rejected
// with ErrCycle if it would make `from` reachable from itself; the check runs
// incrementally here rather than being deferred to Finalize.
func (b *Builder) AddDependency(from, to TaskID) error {
	if b.finalized {
		return ErrFinalized
	}
	if err := b.check(from); err != nil {
		return fmt.Errorf("add dependency: from: %w", err)
	}
	if err := b.check(to); err != nil {
		return fmt.Errorf("add dependency: to: %w", err)
	}
	if from == to || b.reachable(to, from) {
		return fmt.Errorf("add dependency %d→%d: %w", from, to, ErrCycle)
	}
	b.tasks[to].deps = append(b.tasks[to].deps, from)
	b.tasks[from].succs = append(b.tasks[from].succs, to)
	return nil
}

// DeclareOutput marks a tensor as a graph output; Finalize verifies some task
// produces it.
func (b *Builder) DeclareOutput(name string) error {
	if !b.tensors.Has(name) {
		return fmt.Errorf("declare output %s: %w", name, tensor.ErrUnknownTensor)
	}
	b.outputs = append(b.outputs, name)
	return nil
}

// Task returns the task with the given id.
func (b *Builder) Task(id TaskID) (*Task, error) {
	if err := b.check(id); err != nil {
		return nil, err
	}
	return b.tasks[id], nil
}

// Len reports the number of tasks added so far.
func (b *Builder) Len() int { return len(b.tasks) }

func (b *Builder) check(id TaskID) error {
	if id < 0 || int(id) >= len(b.tasks) {
		return fmt.Errorf("task %d: %w", id, ErrUnknownTask)
	}
	return nil
}

// reachable reports whether dst can be reached from src over successor edges.
func (b *Builder) reachable(src, dst TaskID) bool {
	if src == dst {
		return true
	}
	seen := make(map[TaskID]bool, len(b.tasks))
	stack := []TaskID{src}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == dst {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, b.tasks[cur].succs...)
	}
	return false
}

// Finalize validates the completed graph and returns a topological schedule.
// Ready ties are broken by ascending task id, so the schedule is
// deterministic and reproducible. Fails with ErrDanglingOutput if a declared
// output tensor has no producer, ErrCrossUnitTransfer if a dependency edge
// crosses unit kinds without a shared ring channel, and ErrNotAcyclic as a
// final consistency check.
func (b *Builder) Finalize() (*Schedule, error) {
	if b.finalized {
		return nil, ErrFinalized
	}

	for _, out := range b.outputs {
		if _, ok := b.producers[out]; !ok {
			return nil, fmt.Errorf("finalize: %s: %w", out, ErrDanglingOutput)
		}
	}

	for _, t := range b.tasks {
		for _, dep := range t.deps {
			if err := b.checkCrossUnit(b.tasks[dep], t); err != nil {
				return nil, fmt.Errorf("finalize: %w", err)
			}
		}
	}

	order, err := b.topoOrder()
	if err != nil {
		return nil, err
	}
	b.finalized = true
	return &Schedule{Order: order, g: b}, nil
}

// checkCrossUnit enforces that data crossing between a matrix-unit task and a
// vector-unit task flows through one shared ring channel; direct cross-unit
// tensor access is disallowed. Control-tier tasks are exempt.
func (b *Builder) checkCrossUnit(from, to *Task) error {
	fu, tu := from.Unit(), to.Unit()
	if fu == tu || fu == kernel.Control || tu == kernel.Control {
		return nil
	}
	if from.Produce == nil || to.Consume == nil || from.Produce != to.Consume {
		return fmt.Errorf("edge %d(%s)→%d(%s): %w", from.ID, fu, to.ID, tu, ErrCrossUnitTransfer)
	}
	ch := from.Produce
	if ch.Producer != fu || ch.Consumer != tu {
		return fmt.Errorf("edge %d→%d: channel %s bridges %s→%s: %w",
			from.ID, to.ID, ch.Name, ch.Producer, ch.Consumer, ErrCrossUnitTransfer)
	}
	return nil
}

// topoOrder runs Kahn's algorithm with a min-heap keyed by task id.
func (b *Builder) topoOrder() ([]TaskID, error) {
	indeg := make([]int, len(b.tasks))
	for _, t := range b.tasks {
		indeg[t.ID] = len(t.deps)
	}

	var ready idHeap
	heap.Init(&ready)
	for _, t := range b.tasks {
		if indeg[t.ID] == 0 {
			heap.Push(&ready, t.ID)
		}
	}

	order := make([]TaskID, 0, len(b.tasks))
	for ready.Len() > 0 {
		id := heap.Pop(&ready).(TaskID)
		order = append(order, id)
		for _, succ := range b.tasks[id].succs {
			indeg[succ]--
			if indeg[succ] == 0 {
				heap.Push(&ready, succ)
			}
		}
	}
	if len(order) != len(b.tasks) {
		return nil, fmt.Errorf("finalize: %d of %d tasks ordered: %w", len(order), len(b.tasks), ErrNotAcyclic)
	}
	return order, nil
}

type idHeap []TaskID

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(TaskID)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
