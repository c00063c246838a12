package ring

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samcharles93/loom/internal/device"
	"github.com/samcharles93/loom/internal/kernel"
	"github.com/samcharles93/loom/internal/tensor"
)

func handle(name string) tensor.Descriptor {
	return tensor.Descriptor{Name: name, Shape: []int{1}, DType: tensor.F32, Addr: 64}
}

func TestOpenRejectsBadCapacity(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		if _, err := Open("bad", capacity, kernel.Matrix, kernel.Vector); !errors.Is(err, ErrBadCapacity) {
			t.Fatalf("capacity %d: expected ErrBadCapacity, got %v", capacity, err)
		}
	}
}

func TestFIFOOrder(t *testing.T) {
	ch, err := Open("fifo", 4, kernel.Matrix, kernel.Vector)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := ch.Push(handle(fmt.Sprintf("t%d", i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if ch.Len() != 4 || ch.Cap() != 4 {
		t.Fatalf("len/cap: %d/%d", ch.Len(), ch.Cap())
	}
	for i := 0; i < 4; i++ {
		h, err := ch.Pop()
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if want := fmt.Sprintf("t%d", i); h.Name != want {
			t.Fatalf("pop %d: got %s, want %s", i, h.Name, want)
		}
	}
}

func TestWrapAround(t *testing.T) {
	ch, _ := Open("wrap", 2, kernel.Matrix, kernel.Vector)

	// Interleave pushes and pops so head and tail wrap several times.
	next := 0
	for round := 0; round < 5; round++ {
		_ = ch.Push(handle(fmt.Sprintf("t%d", next)))
		next++
		_ = ch.Push(handle(fmt.Sprintf("t%d", next)))
		next++
		for i := 0; i < 2; i++ {
			h, err := ch.Pop()
			if err != nil {
				t.Fatalf("pop: %v", err)
			}
			if want := fmt.Sprintf("t%d", round*2+i); h.Name != want {
				t.Fatalf("round %d: got %s, want %s", round, h.Name, want)
			}
		}
	}
}

func TestPushBlocksUntilPop(t *testing.T) {
	ch, _ := Open("backpressure", 1, kernel.Matrix, kernel.Vector)
	if err := ch.Push(handle("first")); err != nil {
		t.Fatalf("push: %v", err)
	}

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- ch.Push(handle("second"))
	}()

	select {
	case err := <-unblocked:
		t.Fatalf("push on full channel returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := ch.Pop(); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if err := <-unblocked; err != nil {
		t.Fatalf("blocked push failed: %v", err)
	}
	h, err := ch.Pop()
	if err != nil {
		t.Fatalf("pop second: %v", err)
	}
	if h.Name != "second" {
		t.Fatalf("got %s, want second", h.Name)
	}
}

func TestCancelUnblocksWaiters(t *testing.T) {
	empty, _ := Open("cancel-empty", 1, kernel.Matrix, kernel.Vector)
	full, _ := Open("cancel-full", 1, kernel.Matrix, kernel.Vector)
	_ = full.Push(handle("fill"))

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	// A consumer blocked on an empty channel.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := empty.Pop()
		errs <- err
	}()
	// A producer blocked on a full channel.
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- full.Push(handle("blocked"))
	}()

	time.Sleep(20 * time.Millisecond)
	empty.Cancel()
	full.Cancel()
	wg.Wait()

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	}

	// Cancelled channels reject all further traffic.
	if err := empty.Push(handle("late")); !errors.Is(err, ErrCancelled) {
		t.Fatalf("push after cancel: %v", err)
	}
	if _, err := full.Pop(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("pop after cancel: %v", err)
	}
}

func TestCloseDrainsBeforeFailing(t *testing.T) {
	ch, _ := Open("close", 2, kernel.Matrix, kernel.Vector)
	_ = ch.Push(handle("a"))
	_ = ch.Push(handle("b"))
	ch.Close()

	if err := ch.Push(handle("c")); !errors.Is(err, ErrClosed) {
		t.Fatalf("push after close: %v", err)
	}

	// Buffered items still drain in order.
	for _, want := range []string{"a", "b"} {
		h, err := ch.Pop()
		if err != nil {
			t.Fatalf("pop %s: %v", want, err)
		}
		if h.Name != want {
			t.Fatalf("got %s, want %s", h.Name, want)
		}
	}
	if _, err := ch.Pop(); !errors.Is(err, ErrClosed) {
		t.Fatalf("pop on drained closed channel: %v", err)
	}
}

func TestBindAbort(t *testing.T) {
	s, err := device.OpenArena(0, 1<<16)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	defer func() { _ = s.Close() }()

	ch, _ := Open("abort", 1, kernel.Matrix, kernel.Vector)
	ch.BindAbort(s)

	done := make(chan error, 1)
	go func() {
		_, err := ch.Pop()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Abort()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled after session abort, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pop still blocked after session abort")
	}
}

func TestDrain(t *testing.T) {
	ch, _ := Open("drain", 4, kernel.Matrix, kernel.Vector)
	_ = ch.Push(handle("a"))
	_ = ch.Push(handle("b"))
	if n := ch.Drain(); n != 2 {
		t.Fatalf("drain: got %d, want 2", n)
	}
	if ch.Len() != 0 {
		t.Fatalf("len after drain: %d", ch.Len())
	}
}
