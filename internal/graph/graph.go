// Package graph builds the directed acyclic graph of kernel tasks and
// computes a deterministic topological schedule for it. Construction errors
// are caught as early as possible: cycle checks run on every edge insert, not
// at schedule time.
package graph

import (
	"errors"
	"fmt"

	"github.com/samcharles93/loom/internal/kernel"
	"github.com/samcharles93/loom/internal/ring"
)

var (
	ErrUnknownTask       = errors.New("unknown task id")
	ErrCycle             = errors.New("dependency edge would create a cycle")
	ErrDanglingOutput    = errors.New("declared output has no producing task")
	ErrNotAcyclic        = errors.New("graph is not acyclic")
	ErrCrossUnitTransfer = errors.New("cross-unit edge without a ring channel")
	ErrFinalized         = errors.New("graph already finalized")
)

// TaskID identifies a task within one graph. Ids are dense and ascending in
// insertion order; schedule ties are broken by ascending id.
type TaskID int32

// State is the task execution state machine:
// Pending → Ready → Running → {Done, Failed}.
type State int32

const (
	Pending State = iota
	Ready
	Running
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s is Done or Failed.
func (s State) Terminal() bool { return s == Done || s == Failed }

// Task is one node of the graph: a registered kernel bound to named input and
// output tensors plus an execution-unit affinity (implied by the kernel ref).
// A task may additionally produce into or consume from a ring channel; that
// is the only way its data may cross unit kinds.
type Task struct {
	ID      TaskID
	Kernel  kernel.Ref
	Inputs  []string
	Outputs []string
	Scalars []uint64
	Label   string

	Produce *ring.Channel
	Consume *ring.Channel

	deps  []TaskID
	succs []TaskID
}

// Deps returns the task's direct dependencies.
func (t *Task) Deps() []TaskID { return t.deps }

// Succs returns the task's direct dependents.
func (t *Task) Succs() []TaskID { return t.succs }

// Unit returns the execution-unit kind the task is bound to.
func (t *Task) Unit() kernel.UnitKind { return t.Kernel.Unit }

// Schedule is a finalized graph plus a topological execution order.
type Schedule struct {
	Order []TaskID
	g     *Builder
}

// Tasks returns all tasks, indexed by id.
func (s *Schedule) Tasks() []*Task { return s.g.tasks }

// Task returns the task with the given id.
func (s *Schedule) Task(id TaskID) (*Task, error) { return s.g.Task(id) }

// Len reports the task count.
func (s *Schedule) Len() int { return len(s.g.tasks) }

// Channels returns the distinct ring channels bound to any task, in first-use
// order. The sequencer drains and closes them at finalize.
func (s *Schedule) Channels() []*ring.Channel {
	seen := make(map[*ring.Channel]bool)
	var out []*ring.Channel
	for _, t := range s.g.tasks {
		for _, ch := range []*ring.Channel{t.Produce, t.Consume} {
			if ch != nil && !seen[ch] {
				seen[ch] = true
				out = append(out, ch)
			}
		}
	}
	return out
}
