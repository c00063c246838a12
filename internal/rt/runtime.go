// Package rt owns the runtime context: the kernel registry, tensor map,
// active ring channels, execution units, and the launch sequencer that drives
// a finalized task graph. There is no process-wide state; everything hangs
// off an explicit *Runtime passed to every operation.
package rt

import (
	"fmt"
	"sync"

	"github.com/samcharles93/loom/internal/device"
	"github.com/samcharles93/loom/internal/graph"
	"github.com/samcharles93/loom/internal/kernel"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/ring"
	"github.com/samcharles93/loom/internal/tensor"
	"github.com/samcharles93/loom/internal/unit"
)

// Runtime is one orchestration session bound to an open device.
type Runtime struct {
	Session *device.Session
	Kernels *kernel.Registry
	Tensors *tensor.Map

	log logger.Logger

	mu       sync.Mutex
	units    map[kernel.UnitKind]unit.Unit
	channels []*ring.Channel
}

// New builds a runtime context over an open device session.
func New(session *device.Session, log logger.Logger) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	return &Runtime{
		Session: session,
		Kernels: kernel.NewRegistry(),
		Tensors: tensor.NewMap(session),
		log:     log.With("session", session.ID),
		units:   make(map[kernel.UnitKind]unit.Unit),
	}
}

// RegisterUnit installs the execution unit for its kind, replacing any
// previous one. Launch installs simulated units for kinds left unset.
func (r *Runtime) RegisterUnit(u unit.Unit) {
	r.mu.Lock()
	r.units[u.Kind()] = u
	r.mu.Unlock()
}

func (r *Runtime) unit(kind kernel.UnitKind) (unit.Unit, bool) {
	r.mu.Lock()
	u, ok := r.units[kind]
	r.mu.Unlock()
	return u, ok
}

// OpenChannel creates a ring channel wired to the session abort flag and
// tracked for teardown.
func (r *Runtime) OpenChannel(name string, capacity int, producer, consumer kernel.UnitKind) (*ring.Channel, error) {
	ch, err := ring.Open(name, capacity, producer, consumer)
	if err != nil {
		return nil, err
	}
	ch.BindAbort(r.Session)
	r.mu.Lock()
	r.channels = append(r.channels, ch)
	r.mu.Unlock()
	return ch, nil
}

// Channels returns the channels opened on this runtime.
func (r *Runtime) Channels() []*ring.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ring.Channel(nil), r.channels...)
}

// NewGraph starts a graph builder bound to this runtime's registry and
// tensor map.
func (r *Runtime) NewGraph() *graph.Builder {
	return graph.NewBuilder(r.Kernels, r.Tensors)
}

// Abort raises the session-wide abort flag: blocked channel operations fail
// with Cancelled and the sequencer drains remaining tasks to Failed.
func (r *Runtime) Abort() { r.Session.Abort() }

// Close drains and closes all channels, then releases the device session.
func (r *Runtime) Close() error {
	r.mu.Lock()
	channels := r.channels
	r.channels = nil
	r.mu.Unlock()
	for _, ch := range channels {
		if n := ch.Drain(); n > 0 {
			r.log.Debug("drained channel at teardown", "channel", ch.Name, "slots", n)
		}
		ch.Close()
	}
	return r.Session.Close()
}

// RegisterKernels compiles and registers a set of kernel sources through the
// toolchain collaborator.
func (r *Runtime) RegisterKernels(tc kernel.Toolchain, specs []KernelSpec) error {
	for _, spec := range specs {
		code, err := tc.Compile(spec.Source, spec.Unit)
		if err != nil {
			return fmt.Errorf("compile func %d for %s: %w", spec.FuncID, spec.Unit, err)
		}
		if err := r.Kernels.Register(spec.FuncID, spec.Unit, code); err != nil {
			return err
		}
	}
	return nil
}

// KernelSpec pairs kernel source with its registry key.
type KernelSpec struct {
	FuncID int32
	Unit   kernel.UnitKind
	Source string
}
