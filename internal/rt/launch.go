package rt

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/loom/internal/device"
	"github.com/samcharles93/loom/internal/graph"
	"github.com/samcharles93/loom/internal/kernel"
	"github.com/samcharles93/loom/internal/unit"
)

var (
	ErrLaunchTimeout  = errors.New("launch timeout: no task completed within the watchdog window")
	ErrUpstreamFailed = errors.New("upstream task failed")
	ErrCancelled      = errors.New("launch cancelled")
	ErrNoUnit         = errors.New("no execution unit registered for kind")
	ErrNoEngine       = errors.New("missing engine binary")
)

const (
	defaultWatchdogCycles = 10000
	watchdogTick          = time.Millisecond
)

// LaunchParams configures one graph execution.
type LaunchParams struct {
	// DispatcherThreads is the number of independent dispatcher loops.
	DispatcherThreads int
	// UnitParallelism bounds concurrent kernel invocations per unit.
	UnitParallelism int
	// DeviceID must match the session's device and lie in [0, 15].
	DeviceID int
	// ControlBinary is the dispatch-tier program; VectorEngineBinary is the
	// engine image loaded into the matrix and vector units.
	ControlBinary      []byte
	VectorEngineBinary []byte
	// WatchdogCycles bounds how many scheduling cycles may pass without any
	// task reaching Done before the launch aborts. Zero means the default.
	WatchdogCycles int
}

// TaskResult is one task's final state after a launch.
type TaskResult struct {
	ID    graph.TaskID
	Label string
	State graph.State
	Err   error
}

// Report collects every task's outcome. A failed task never hides the
// results of independent tasks: the sequencer drains the whole graph and
// reports exactly which part failed.
type Report struct {
	Results []TaskResult
	Done    int
	Failed  int
}

// FirstErr returns the first task failure in id order, or nil.
func (r *Report) FirstErr() error {
	for _, res := range r.Results {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}

type exec struct {
	rt    *Runtime
	sched *graph.Schedule

	mu        sync.Mutex
	cond      *sync.Cond
	ready     readyHeap
	states    []graph.State
	errs      []error
	remaining int
	stopErr   error

	waits    []atomic.Int32
	progress atomic.Int64
}

// Launch executes a finalized schedule with params.DispatcherThreads
// dispatcher loops. Each loop repeatedly selects the ready task with the
// smallest id, runs its kernel on the bound execution unit, and unblocks
// dependents when it completes. All task outcomes are collected into the
// returned Report; the returned error is the launch-level failure, if any.
func (r *Runtime) Launch(ctx context.Context, sched *graph.Schedule, params LaunchParams) (*Report, error) {
	if params.DeviceID < 0 || params.DeviceID >= device.DeviceCount {
		return nil, fmt.Errorf("launch: device %d: %w", params.DeviceID, device.ErrInvalidDevice)
	}
	if params.DeviceID != r.Session.DeviceID {
		return nil, fmt.Errorf("launch: device %d: session is bound to device %d: %w",
			params.DeviceID, r.Session.DeviceID, device.ErrInvalidDevice)
	}
	if len(params.ControlBinary) == 0 {
		return nil, fmt.Errorf("launch: control binary: %w", ErrNoEngine)
	}
	if err := r.installUnits(params); err != nil {
		return nil, err
	}

	threads := params.DispatcherThreads
	if threads < 1 {
		threads = 1
	}
	cycles := params.WatchdogCycles
	if cycles <= 0 {
		cycles = defaultWatchdogCycles
	}

	e := &exec{
		rt:        r,
		sched:     sched,
		states:    make([]graph.State, sched.Len()),
		errs:      make([]error, sched.Len()),
		waits:     make([]atomic.Int32, sched.Len()),
		remaining: sched.Len(),
	}
	e.cond = sync.NewCond(&e.mu)
	for _, t := range sched.Tasks() {
		e.waits[t.ID].Store(int32(len(t.Deps())))
	}
	e.mu.Lock()
	for _, t := range sched.Tasks() {
		if e.waits[t.ID].Load() == 0 {
			e.states[t.ID] = graph.Ready
			heap.Push(&e.ready, t.ID)
		}
	}
	e.mu.Unlock()

	r.log.Info("launching graph",
		"tasks", sched.Len(), "dispatchers", threads,
		"unit_parallelism", params.UnitParallelism, "device", params.DeviceID)

	watchdogDone := make(chan struct{})
	go e.watchdog(ctx, cycles, watchdogDone)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.dispatch(ctx)
		}()
	}
	wg.Wait()
	close(watchdogDone)

	// Finalize: drain and close the graph's channels so a straggling
	// consumer never waits on a producer that already terminated.
	for _, ch := range sched.Channels() {
		ch.Drain()
		ch.Close()
	}

	report := e.report()
	e.mu.Lock()
	stopErr := e.stopErr
	e.mu.Unlock()

	r.log.Info("launch finished", "done", report.Done, "failed", report.Failed)
	if stopErr != nil {
		return report, stopErr
	}
	if report.Failed > 0 {
		return report, fmt.Errorf("launch: %d task(s) failed: %w", report.Failed, report.FirstErr())
	}
	return report, nil
}

// installUnits fills in simulated units for kinds the caller did not
// register and applies the unit parallelism factor.
func (r *Runtime) installUnits(params LaunchParams) error {
	if len(params.VectorEngineBinary) == 0 {
		return fmt.Errorf("launch: vector engine binary: %w", ErrNoEngine)
	}
	if _, ok := r.unit(kernel.Matrix); !ok {
		r.RegisterUnit(unit.NewSimMatrix(params.VectorEngineBinary))
	}
	if _, ok := r.unit(kernel.Vector); !ok {
		r.RegisterUnit(unit.NewSimVector(params.VectorEngineBinary))
	}
	if params.UnitParallelism > 0 {
		r.mu.Lock()
		for _, u := range r.units {
			if sim, ok := u.(*unit.Sim); ok {
				sim.SetParallelism(params.UnitParallelism)
			}
		}
		r.mu.Unlock()
	}
	return nil
}

// dispatch is one dispatcher loop: select the smallest ready task id, run
// it, repeat until the graph drains or the launch stops.
func (e *exec) dispatch(ctx context.Context) {
	for {
		e.mu.Lock()
		for len(e.ready) == 0 && e.remaining > 0 && e.stopErr == nil {
			e.cond.Wait()
		}
		if e.stopErr != nil || e.remaining == 0 {
			e.mu.Unlock()
			return
		}
		id := heap.Pop(&e.ready).(graph.TaskID)
		if e.states[id] != graph.Ready {
			// Drained to Failed while queued (upstream failure or abort).
			e.mu.Unlock()
			continue
		}
		e.states[id] = graph.Running
		e.mu.Unlock()

		t, err := e.sched.Task(id)
		if err != nil {
			e.complete(id, err)
			continue
		}
		e.complete(id, e.run(ctx, t))
	}
}

// run resolves one task's kernel and tensors and executes it.
func (e *exec) run(ctx context.Context, t *graph.Task) error {
	img, err := e.rt.Kernels.Resolve(t.Kernel)
	if err != nil {
		return err
	}
	u, ok := e.rt.unit(t.Unit())
	if !ok {
		return fmt.Errorf("task %d: %s: %w", t.ID, t.Unit(), ErrNoUnit)
	}
	call := &unit.Call{
		Image:   img,
		Label:   t.Label,
		Scalars: t.Scalars,
		Session: e.rt.Session,
		In:      t.Consume,
		Out:     t.Produce,
	}
	for _, name := range t.Inputs {
		d, err := e.rt.Tensors.Resolve(name)
		if err != nil {
			return fmt.Errorf("task %d: %w", t.ID, err)
		}
		call.Inputs = append(call.Inputs, d)
	}
	for _, name := range t.Outputs {
		d, err := e.rt.Tensors.Resolve(name)
		if err != nil {
			return fmt.Errorf("task %d: %w", t.ID, err)
		}
		call.Outputs = append(call.Outputs, d)
	}
	e.rt.log.Debug("running task", "task", t.ID, "label", t.Label, "unit", t.Unit())
	return u.Execute(ctx, call)
}

// complete transitions a finished task to Done or Failed and unblocks its
// dependents. Dependency counters are decremented atomically so each
// dependent is released exactly once.
func (e *exec) complete(id graph.TaskID, err error) {
	t, terr := e.sched.Task(id)
	if terr != nil {
		return
	}

	e.mu.Lock()
	if e.states[id].Terminal() {
		// Drained by abort while the kernel was still running.
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.states[id] = graph.Failed
		e.errs[id] = err
		e.remaining--
		e.failDependents(t)
		e.mu.Unlock()
		e.cond.Broadcast()
		e.rt.log.Warn("task failed", "task", id, "label", t.Label, "error", err)
		return
	}
	e.states[id] = graph.Done
	e.remaining--
	e.mu.Unlock()

	e.progress.Add(1)
	for _, succ := range t.Succs() {
		if e.waits[succ].Add(-1) != 0 {
			continue
		}
		e.mu.Lock()
		if e.states[succ] == graph.Pending {
			e.states[succ] = graph.Ready
			heap.Push(&e.ready, succ)
		}
		e.mu.Unlock()
	}
	e.cond.Broadcast()
}

// failDependents marks every transitive dependent Failed with
// ErrUpstreamFailed. Caller holds e.mu. Independent tasks are untouched and
// keep executing.
func (e *exec) failDependents(t *graph.Task) {
	stack := append([]graph.TaskID(nil), t.Succs()...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e.states[id].Terminal() {
			continue
		}
		e.states[id] = graph.Failed
		e.errs[id] = fmt.Errorf("task %d: %w (task %d)", id, ErrUpstreamFailed, t.ID)
		e.remaining--
		dep, err := e.sched.Task(id)
		if err == nil {
			stack = append(stack, dep.Succs()...)
		}
	}
}

// watchdog aborts the launch if no task reaches Done within the configured
// number of scheduling cycles, and translates context cancellation and the
// session abort flag into a drained, Cancelled launch.
func (e *exec) watchdog(ctx context.Context, cycles int, done <-chan struct{}) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	last := e.progress.Load()
	idle := 0
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			e.stop(fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx)))
			return
		case <-ticker.C:
		}

		if e.rt.Session.Aborted() {
			e.stop(ErrCancelled)
			return
		}
		cur := e.progress.Load()
		if cur != last {
			last = cur
			idle = 0
			continue
		}
		idle++
		if idle >= cycles {
			e.stop(ErrLaunchTimeout)
			return
		}
	}
}

// stop drains every non-terminal task to Failed and wakes all dispatchers.
// The session abort also cancels blocked channel operations, so running
// kernels unwind promptly.
func (e *exec) stop(cause error) {
	e.rt.Session.Abort()
	e.mu.Lock()
	if e.stopErr == nil {
		e.stopErr = cause
	}
	for id := range e.states {
		if e.states[id].Terminal() || e.states[id] == graph.Running {
			continue
		}
		e.states[id] = graph.Failed
		e.errs[id] = cause
		e.remaining--
	}
	e.mu.Unlock()
	e.cond.Broadcast()
}

func (e *exec) report() *Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	rep := &Report{Results: make([]TaskResult, 0, e.sched.Len())}
	for _, t := range e.sched.Tasks() {
		res := TaskResult{ID: t.ID, Label: t.Label, State: e.states[t.ID], Err: e.errs[t.ID]}
		rep.Results = append(rep.Results, res)
		switch res.State {
		case graph.Done:
			rep.Done++
		case graph.Failed:
			rep.Failed++
		}
	}
	return rep
}

type readyHeap []graph.TaskID

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(graph.TaskID)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
