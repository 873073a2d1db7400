package tasks

import (
	"fmt"
	"time"

	"puppetmaster/internal/sim/navgrid"
)

// Handle identifies a scheduled task within one Runtime.
type Handle uint64

// Report describes a task that just reached a terminal state.
type Report struct {
	Handle Handle
	Owner  uint64
	Kind   Kind
	State  State
	Err    error
}

// Info is a read-only view of a scheduled task.
type Info struct {
	Handle   Handle
	Owner    uint64
	Kind     Kind
	State    State
	Progress float64
}

type entry struct {
	handle  Handle
	owner   uint64
	task    Task
	state   State
	started bool
	err     error
}

// Runtime runs the tasks of a single agent cooperatively.
//
// Tasks tick in the order they were scheduled. A task scheduled during a pass
// is started on the following pass. Cancelling a task during a pass takes
// effect before that task would tick again.
//
// A Runtime is owned by one goroutine; it does no locking.
type Runtime struct {
	entries  []*entry
	byHandle map[Handle]*entry
	next     Handle

	onTerminal func(Report)
}

// NewRuntime returns an empty runtime. onTerminal (optional) is called
// synchronously each time a task becomes Completed, Cancelled or Failed.
func NewRuntime(onTerminal func(Report)) *Runtime {
	return &Runtime{
		byHandle:   map[Handle]*entry{},
		onTerminal: onTerminal,
	}
}

// Schedule queues t in Pending state on behalf of owner.
func (r *Runtime) Schedule(owner uint64, t Task) Handle {
	r.next++
	e := &entry{handle: r.next, owner: owner, task: t, state: Pending}
	r.entries = append(r.entries, e)
	r.byHandle[e.handle] = e
	return e.handle
}

// State returns the current state of h. Terminal tasks are forgotten after
// the pass that observed them, so ok may be false for old handles.
func (r *Runtime) State(h Handle) (State, bool) {
	e := r.byHandle[h]
	if e == nil {
		return 0, false
	}
	return e.state, true
}

// Len returns the number of tasks that are not yet terminal.
func (r *Runtime) Len() int {
	n := 0
	for _, e := range r.entries {
		if !e.state.Terminal() {
			n++
		}
	}
	return n
}

// Cancel moves h to Cancelled if it is Pending or Active. It reports whether
// the task was cancelled by this call.
func (r *Runtime) Cancel(h Handle) bool {
	e := r.byHandle[h]
	if e == nil || e.state.Terminal() {
		return false
	}
	r.finish(e, Cancelled, nil)
	return true
}

// CancelOwner cancels every outstanding task of owner in schedule order and
// returns how many were cancelled.
func (r *Runtime) CancelOwner(owner uint64) int {
	n := 0
	for _, e := range r.entries {
		if e.owner != owner || e.state.Terminal() {
			continue
		}
		r.finish(e, Cancelled, nil)
		n++
	}
	return n
}

// Tick runs one scheduling pass.
func (r *Runtime) Tick(dt time.Duration) {
	n := len(r.entries)
	for i := 0; i < n; i++ {
		e := r.entries[i]
		switch e.state {
		case Pending:
			r.start(e)
		case Active:
			done, err := e.task.Tick(dt)
			if e.state != Active {
				// The task's own callbacks may have cancelled it.
				continue
			}
			if err != nil {
				r.finish(e, Failed, err)
			} else if done {
				r.finish(e, Completed, nil)
			}
		}
	}
	r.prune()
}

// Signal delivers sig to every active task that implements Signaled.
func (r *Runtime) Signal(sig Signal) int {
	n := 0
	for _, e := range r.entries {
		if e.state != Active {
			continue
		}
		s, ok := e.task.(Signaled)
		if !ok {
			continue
		}
		n++
		if s.OnSignal(sig) && e.state == Active {
			r.finish(e, Completed, nil)
		}
	}
	return n
}

// Target delivers a confirmed target point to every active Targeted task.
// It returns how many tasks took it and the first error any of them reported.
func (r *Runtime) Target(target navgrid.Vec2) (int, error) {
	n := 0
	var first error
	for _, e := range r.entries {
		if e.state != Active {
			continue
		}
		tt, ok := e.task.(Targeted)
		if !ok {
			continue
		}
		n++
		if err := tt.OnTarget(target); err != nil && first == nil {
			first = err
		}
	}
	return n, first
}

// Task returns the task behind h and its state.
func (r *Runtime) Task(h Handle) (Task, State, bool) {
	e := r.byHandle[h]
	if e == nil {
		return nil, 0, false
	}
	return e.task, e.state, true
}

// LastHandle returns the most recently issued handle.
func (r *Runtime) LastHandle() Handle { return r.next }

// SetLastHandle moves the handle counter so the next Schedule issues h+1.
// It never moves the counter below a handle already in use.
func (r *Runtime) SetLastHandle(h Handle) {
	for _, e := range r.entries {
		if e.handle > h {
			h = e.handle
		}
	}
	r.next = h
}

// Restore puts back a task saved in state st without calling Start. Tasks
// must be restored in handle order, and only Pending or Active are allowed.
func (r *Runtime) Restore(h Handle, owner uint64, t Task, st State) error {
	if st != Pending && st != Active {
		return fmt.Errorf("%w: restore in %s", ErrBadTransition, st)
	}
	if _, dup := r.byHandle[h]; dup || h == 0 {
		return fmt.Errorf("restore: handle %d in use", h)
	}
	if n := len(r.entries); n > 0 && r.entries[n-1].handle > h {
		return fmt.Errorf("restore: handle %d out of order", h)
	}
	e := &entry{handle: h, owner: owner, task: t, state: st, started: st == Active}
	r.entries = append(r.entries, e)
	r.byHandle[h] = e
	if h > r.next {
		r.next = h
	}
	return nil
}

// Tasks returns a view of all non-pruned tasks in schedule order.
func (r *Runtime) Tasks() []Info {
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		info := Info{Handle: e.handle, Owner: e.owner, Kind: e.task.Kind(), State: e.state}
		if p, ok := e.task.(Progresser); ok {
			info.Progress = p.Progress()
		}
		if e.state == Completed {
			info.Progress = 1
		}
		out = append(out, info)
	}
	return out
}

func (r *Runtime) start(e *entry) {
	if err := r.transition(e, Active); err != nil {
		return
	}
	e.started = true
	done, err := e.task.Start()
	if e.state != Active {
		return
	}
	if err != nil {
		r.finish(e, Failed, err)
	} else if done {
		r.finish(e, Completed, nil)
	}
}

func (r *Runtime) finish(e *entry, to State, cause error) {
	if err := r.transition(e, to); err != nil {
		return
	}
	if to == Failed {
		e.err = fmt.Errorf("%w: %s: %w", ErrTaskFailed, e.task.Kind(), cause)
	}
	if e.started {
		e.task.End(to)
	}
	if r.onTerminal != nil {
		r.onTerminal(Report{Handle: e.handle, Owner: e.owner, Kind: e.task.Kind(), State: to, Err: e.err})
	}
}

func (r *Runtime) transition(e *entry, to State) error {
	if !allowed(e.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, e.state, to)
	}
	e.state = to
	return nil
}

func (r *Runtime) prune() {
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.state.Terminal() {
			delete(r.byHandle, e.handle)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(r.entries); i++ {
		r.entries[i] = nil
	}
	r.entries = kept
}
