package kernel

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateKernel = errors.New("kernel already registered")
	ErrUnknownKernel   = errors.New("unknown kernel")
	ErrEmptyKernel     = errors.New("empty kernel image")
)

// Registry maps (function id, unit kind) pairs to executable kernel images.
// It is append-only for the lifetime of a session: images are never replaced
// or removed, so lookups after graph build need only a read lock.
type Registry struct {
	mu     sync.RWMutex
	images map[Ref]Image
}

func NewRegistry() *Registry {
	return &Registry{images: make(map[Ref]Image)}
}

// Register stores a kernel image under (funcID, unit). Registering the same
// pair twice fails with ErrDuplicateKernel; the first image stays in place.
func (r *Registry) Register(funcID int32, unit UnitKind, code []byte) error {
	if !unit.Valid() {
		return fmt.Errorf("register func %d: invalid unit kind %d", funcID, unit)
	}
	if len(code) == 0 {
		return fmt.Errorf("register %s: %w", (Ref{FuncID: funcID, Unit: unit}), ErrEmptyKernel)
	}
	key := Ref{FuncID: funcID, Unit: unit}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.images[key]; ok {
		return fmt.Errorf("register %s: %w", key, ErrDuplicateKernel)
	}
	r.images[key] = NewImage(funcID, unit, code)
	return nil
}

// Lookup returns the image registered under (funcID, unit), or
// ErrUnknownKernel if the pair was never registered.
func (r *Registry) Lookup(funcID int32, unit UnitKind) (Image, error) {
	key := Ref{FuncID: funcID, Unit: unit}
	r.mu.RLock()
	img, ok := r.images[key]
	r.mu.RUnlock()
	if !ok {
		return Image{}, fmt.Errorf("lookup %s: %w", key, ErrUnknownKernel)
	}
	return img, nil
}

// Resolve is Lookup by Ref.
func (r *Registry) Resolve(ref Ref) (Image, error) {
	return r.Lookup(ref.FuncID, ref.Unit)
}

// Len reports the number of registered images.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.images)
}

// Refs returns the registered keys in unspecified order.
func (r *Registry) Refs() []Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]Ref, 0, len(r.images))
	for ref := range r.images {
		refs = append(refs, ref)
	}
	return refs
}
