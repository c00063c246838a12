package tensor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/loom/internal/device"
)

var (
	ErrDuplicateTensor = errors.New("tensor already declared")
	ErrUnknownTensor   = errors.New("unknown tensor")
	ErrBadShape        = errors.New("invalid tensor shape")
)

// Map is the session-wide registry of named tensor descriptors. It is
// append-only: descriptors are never replaced or dropped while the session
// lives, so resolution after graph build is read-mostly.
//
// Allocation is delegated to the device session; Declare hands out fresh
// arena addresses while DeclareAt publishes tensors whose memory the caller
// already owns (the orchestration entry-point ABI passes such addresses in).
type Map struct {
	session *device.Session

	mu     sync.RWMutex
	byName map[string]Descriptor
	order  []string
}

func NewMap(session *device.Session) *Map {
	return &Map{
		session: session,
		byName:  make(map[string]Descriptor),
	}
}

// Declare allocates device memory for a new named tensor and publishes its
// descriptor. Fails with ErrDuplicateTensor if the name is taken.
func (m *Map) Declare(name string, shape []int, dtype DType) (Descriptor, error) {
	return m.declare(name, shape, dtype, 0, LifetimeSession)
}

// DeclareScratch is Declare with graph lifetime, for intermediates that are
// dead once the graph finishes.
func (m *Map) DeclareScratch(name string, shape []int, dtype DType) (Descriptor, error) {
	return m.declare(name, shape, dtype, 0, LifetimeGraph)
}

// DeclareAt publishes a tensor at a caller-provided device address, e.g. an
// externally allocated input handed through the entry-point ABI.
func (m *Map) DeclareAt(name string, shape []int, dtype DType, addr device.Addr) (Descriptor, error) {
	if addr == 0 {
		return Descriptor{}, fmt.Errorf("declare %s: zero device address", name)
	}
	return m.declare(name, shape, dtype, addr, LifetimeSession)
}

func (m *Map) declare(name string, shape []int, dtype DType, addr device.Addr, life Lifetime) (Descriptor, error) {
	if name == "" {
		return Descriptor{}, fmt.Errorf("declare: empty tensor name")
	}
	if dtype.Size() == 0 {
		return Descriptor{}, fmt.Errorf("declare %s: unsupported dtype %s", name, dtype)
	}
	if len(shape) == 0 {
		return Descriptor{}, fmt.Errorf("declare %s: %w: empty shape", name, ErrBadShape)
	}
	elems := 1
	for _, dim := range shape {
		if dim <= 0 {
			return Descriptor{}, fmt.Errorf("declare %s: %w: dimension %d", name, ErrBadShape, dim)
		}
		elems *= dim
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[name]; ok {
		return Descriptor{}, fmt.Errorf("declare %s: %w", name, ErrDuplicateTensor)
	}

	if addr == 0 {
		var err error
		addr, err = m.session.Alloc(elems * dtype.Size())
		if err != nil {
			return Descriptor{}, fmt.Errorf("declare %s: %w", name, err)
		}
	}

	d := Descriptor{
		Name:     name,
		Shape:    append([]int(nil), shape...),
		DType:    dtype,
		Addr:     addr,
		Lifetime: life,
	}
	m.byName[name] = d
	m.order = append(m.order, name)
	return d.clone(), nil
}

// Resolve returns the descriptor published under name, or ErrUnknownTensor.
func (m *Map) Resolve(name string) (Descriptor, error) {
	m.mu.RLock()
	d, ok := m.byName[name]
	m.mu.RUnlock()
	if !ok {
		return Descriptor{}, fmt.Errorf("resolve %s: %w", name, ErrUnknownTensor)
	}
	return d.clone(), nil
}

// Has reports whether name is declared.
func (m *Map) Has(name string) bool {
	m.mu.RLock()
	_, ok := m.byName[name]
	m.mu.RUnlock()
	return ok
}

// Names returns the declared tensor names in declaration order.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Len reports the number of declared tensors.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byName)
}
