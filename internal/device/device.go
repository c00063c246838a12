// Package device models the device driver layer behind a narrow surface:
// device selection, a device-resident memory arena, and session lifecycle.
// The arena stands in for device global memory; kernels executed by the
// simulated units read and write it directly.
package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	// DeviceCount is the number of addressable devices. Device ids are
	// validated to [0, DeviceCount-1].
	DeviceCount = 16

	// DefaultArenaBytes is the arena size used when the caller does not
	// override it.
	DefaultArenaBytes = 64 << 20

	allocAlign = 64
)

var (
	ErrInvalidDevice = errors.New("device id out of range")
	ErrOutOfMemory   = errors.New("device arena exhausted")
	ErrSessionClosed = errors.New("device session closed")
)

// Session is a scoped acquisition of one device: it owns the device memory
// arena and the session-wide abort flag. Close releases the arena and must
// run on every exit path, including failure and cancellation.
type Session struct {
	ID       string
	DeviceID int

	mu      sync.Mutex
	arena   []byte
	next    uint64
	closed  bool
	aborted atomic.Bool
	onAbort []func()
}

// Open acquires device id with the default arena size.
func Open(deviceID int) (*Session, error) {
	return OpenArena(deviceID, DefaultArenaBytes)
}

// OpenArena acquires device id with an explicit arena size in bytes.
// Fails with ErrInvalidDevice if deviceID is outside [0, DeviceCount-1].
func OpenArena(deviceID, arenaBytes int) (*Session, error) {
	if deviceID < 0 || deviceID >= DeviceCount {
		return nil, fmt.Errorf("device %d: %w [0, %d]", deviceID, ErrInvalidDevice, DeviceCount-1)
	}
	if arenaBytes <= 0 {
		arenaBytes = DefaultArenaBytes
	}
	arena, err := mapArena(arenaBytes)
	if err != nil {
		return nil, fmt.Errorf("device %d: arena: %w", deviceID, err)
	}
	return &Session{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		arena:    arena,
		// Address 0 stays unmapped so a zero Addr always means "unallocated".
		next: allocAlign,
	}, nil
}

// Addr is a device address: an offset into the session arena. Zero is never
// a valid allocation.
type Addr uint64

// Alloc reserves size bytes of device memory and returns its address.
// Allocations are bump-pointer and live until Close; the runtime's tensors
// are session-scoped, so no free list is needed.
func (s *Session) Alloc(size int) (Addr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("alloc %d bytes: size must be positive", size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	aligned := (uint64(size) + allocAlign - 1) &^ (allocAlign - 1)
	if s.next+aligned > uint64(len(s.arena)) {
		return 0, fmt.Errorf("alloc %d bytes at %d/%d: %w", size, s.next, len(s.arena), ErrOutOfMemory)
	}
	addr := Addr(s.next)
	s.next += aligned
	return addr, nil
}

// Bytes returns the arena slice backing [addr, addr+size). The view stays
// valid until Close.
func (s *Session) Bytes(addr Addr, size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if addr == 0 || uint64(addr)+uint64(size) > uint64(len(s.arena)) {
		return nil, fmt.Errorf("bytes [%d, %d+%d): address out of arena", addr, addr, size)
	}
	return s.arena[addr : uint64(addr)+uint64(size) : uint64(addr)+uint64(size)], nil
}

// Abort raises the session-wide abort flag and notifies registered abort
// hooks exactly once. Blocking channel operations and the dispatcher check
// the flag at every suspension point.
func (s *Session) Abort() {
	if s.aborted.Swap(true) {
		return
	}
	s.mu.Lock()
	hooks := s.onAbort
	s.onAbort = nil
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Aborted reports whether Abort has been called.
func (s *Session) Aborted() bool { return s.aborted.Load() }

// OnAbort registers fn to run when the session aborts. If the session is
// already aborted, fn runs immediately.
func (s *Session) OnAbort(fn func()) {
	s.mu.Lock()
	if !s.aborted.Load() {
		s.onAbort = append(s.onAbort, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

// Close releases the device arena. Safe to call more than once; outstanding
// Bytes views become invalid.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	arena := s.arena
	s.arena = nil
	return unmapArena(arena)
}
