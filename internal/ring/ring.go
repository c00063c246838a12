// Package ring implements the bounded FIFO channel that carries tensor-slot
// handles between a producer task on one execution-unit kind and a consumer
// task on another. It is the only permitted path for data crossing between
// matrix-unit and vector-unit tasks; keeping the transfer explicit and
// bounded is what gives the pipeline backpressure.
package ring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/loom/internal/device"
	"github.com/samcharles93/loom/internal/kernel"
	"github.com/samcharles93/loom/internal/tensor"
)

var (
	ErrBadCapacity = errors.New("channel capacity must be positive")
	ErrCancelled   = errors.New("channel operation cancelled")
	ErrClosed      = errors.New("channel closed")
)

// Channel is a fixed-capacity circular buffer of tensor descriptors with
// blocking push/pop. head and tail wrap modulo capacity and
// 0 <= count <= capacity always holds.
type Channel struct {
	Name     string
	Producer kernel.UnitKind
	Consumer kernel.UnitKind

	mu        sync.Mutex
	cond      *sync.Cond
	slots     []tensor.Descriptor
	head      int // next pop
	tail      int // next push
	count     int
	closed    bool
	cancelled bool
}

// Open creates an empty channel bridging a producer unit kind to a consumer
// unit kind. Capacity bounds the maximum in-flight cross-unit transfer.
func Open(name string, capacity int, producer, consumer kernel.UnitKind) (*Channel, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("open channel %s: %w (got %d)", name, ErrBadCapacity, capacity)
	}
	c := &Channel{
		Name:     name,
		Producer: producer,
		Consumer: consumer,
		slots:    make([]tensor.Descriptor, capacity),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// BindAbort wires the session-wide abort flag into the channel: once the
// session aborts, all blocked and future operations fail with ErrCancelled.
func (c *Channel) BindAbort(s *device.Session) {
	s.OnAbort(c.Cancel)
}

// Cancel fails all blocked and future operations with ErrCancelled.
func (c *Channel) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Close marks the producer side terminated. Blocked and future pops still
// drain buffered items, then fail with ErrClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Push enqueues a tensor handle, blocking while the channel is full. It fails
// with ErrCancelled if the session aborts while blocked and with ErrClosed if
// the channel has been closed.
func (c *Channel) Push(h tensor.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.cancelled {
			return fmt.Errorf("push %s: %w", c.Name, ErrCancelled)
		}
		if c.closed {
			return fmt.Errorf("push %s: %w", c.Name, ErrClosed)
		}
		if c.count < len(c.slots) {
			break
		}
		c.cond.Wait()
	}
	c.slots[c.tail] = h
	c.tail = (c.tail + 1) % len(c.slots)
	c.count++
	c.cond.Broadcast()
	return nil
}

// Pop dequeues the oldest tensor handle, blocking while the channel is empty.
// Delivery is strict FIFO. It fails with ErrCancelled on session abort and
// with ErrClosed once the producer has terminated and no items remain.
func (c *Channel) Pop() (tensor.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.cancelled {
			return tensor.Descriptor{}, fmt.Errorf("pop %s: %w", c.Name, ErrCancelled)
		}
		if c.count > 0 {
			break
		}
		if c.closed {
			return tensor.Descriptor{}, fmt.Errorf("pop %s: %w", c.Name, ErrClosed)
		}
		c.cond.Wait()
	}
	h := c.slots[c.head]
	c.slots[c.head] = tensor.Descriptor{}
	c.head = (c.head + 1) % len(c.slots)
	c.count--
	c.cond.Broadcast()
	return h, nil
}

// Len reports the number of buffered handles.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Cap reports the channel capacity.
func (c *Channel) Cap() int { return len(c.slots) }

// Drain pops and discards remaining buffered handles without blocking.
// Used at finalize before the channel is destroyed.
func (c *Channel) Drain() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.count
	for c.count > 0 {
		c.slots[c.head] = tensor.Descriptor{}
		c.head = (c.head + 1) % len(c.slots)
		c.count--
	}
	c.cond.Broadcast()
	return n
}
