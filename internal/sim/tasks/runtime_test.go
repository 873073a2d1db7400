package tasks

import (
	"errors"
	"testing"
	"time"

	"puppetmaster/internal/sim/navgrid"
)

type recorder struct {
	reports []Report
}

func (r *recorder) on(rep Report) { r.reports = append(r.reports, rep) }

func TestWaitCompletesAfterDuration(t *testing.T) {
	rec := &recorder{}
	rt := NewRuntime(rec.on)
	h := rt.Schedule(1, NewWait(300*time.Millisecond))

	rt.Tick(100 * time.Millisecond) // start
	if st, _ := rt.State(h); st != Active {
		t.Fatalf("state after first pass = %s, want ACTIVE", st)
	}
	rt.Tick(100 * time.Millisecond)
	rt.Tick(100 * time.Millisecond)
	if st, _ := rt.State(h); st != Active {
		t.Fatalf("completed early: %s", st)
	}
	rt.Tick(100 * time.Millisecond)
	if len(rec.reports) != 1 || rec.reports[0].State != Completed {
		t.Fatalf("reports = %+v", rec.reports)
	}
	if rt.Len() != 0 {
		t.Fatalf("expected runtime drained")
	}
	if _, ok := rt.State(h); ok {
		t.Fatalf("terminal task should be pruned")
	}
}

func TestZeroWaitCompletesOnStart(t *testing.T) {
	rec := &recorder{}
	rt := NewRuntime(rec.on)
	rt.Schedule(1, NewWait(0))
	rt.Tick(time.Millisecond)
	if len(rec.reports) != 1 || rec.reports[0].State != Completed {
		t.Fatalf("reports = %+v", rec.reports)
	}
}

func TestTickOrderFollowsScheduleOrder(t *testing.T) {
	var order []int
	rt := NewRuntime(nil)
	for i := 0; i < 3; i++ {
		i := i
		rt.Schedule(1, &Func{K: KindWait, OnTick: func(time.Duration) (bool, error) {
			order = append(order, i)
			return false, nil
		}})
	}
	rt.Tick(time.Millisecond)
	rt.Tick(time.Millisecond)
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("order = %v", order)
	}
}

func TestScheduledDuringPassStartsNextPass(t *testing.T) {
	rt := NewRuntime(nil)
	var late Handle
	started := false
	rt.Schedule(1, &Func{K: KindWait, OnStart: func() (bool, error) {
		late = rt.Schedule(1, &Func{K: KindWait, OnStart: func() (bool, error) {
			started = true
			return false, nil
		}})
		return false, nil
	}})
	rt.Tick(time.Millisecond)
	if started {
		t.Fatalf("task scheduled mid-pass started in the same pass")
	}
	if st, _ := rt.State(late); st != Pending {
		t.Fatalf("late task state = %s", st)
	}
	rt.Tick(time.Millisecond)
	if !started {
		t.Fatalf("late task never started")
	}
}

func TestFailureIsWrappedAndReported(t *testing.T) {
	rec := &recorder{}
	rt := NewRuntime(rec.on)
	boom := errors.New("boom")
	ended := State(0)
	rt.Schedule(7, &Func{
		K:      KindMoveTo,
		OnTick: func(time.Duration) (bool, error) { return false, boom },
		OnEnd:  func(s State) { ended = s },
	})
	rt.Tick(time.Millisecond)
	rt.Tick(time.Millisecond)
	if len(rec.reports) != 1 {
		t.Fatalf("reports = %+v", rec.reports)
	}
	rep := rec.reports[0]
	if rep.State != Failed || rep.Owner != 7 || rep.Kind != KindMoveTo {
		t.Fatalf("report = %+v", rep)
	}
	if !errors.Is(rep.Err, ErrTaskFailed) || !errors.Is(rep.Err, boom) {
		t.Fatalf("err = %v", rep.Err)
	}
	if ended != Failed {
		t.Fatalf("End got %s", ended)
	}
}

func TestCancelSiblingDuringPassSkipsItsTick(t *testing.T) {
	var rt *Runtime
	ticked := false
	rt = NewRuntime(func(rep Report) {
		if rep.State == Failed {
			rt.CancelOwner(rep.Owner)
		}
	})
	rt.Schedule(1, &Func{K: KindWait, OnTick: func(time.Duration) (bool, error) {
		return false, errors.New("fail")
	}})
	sib := rt.Schedule(1, &Func{K: KindWait, OnTick: func(time.Duration) (bool, error) {
		ticked = true
		return false, nil
	}})
	other := rt.Schedule(2, &Hold{})

	rt.Tick(time.Millisecond) // start all
	rt.Tick(time.Millisecond) // first fails, sibling cancelled
	if ticked {
		t.Fatalf("cancelled sibling was ticked")
	}
	if _, ok := rt.State(sib); ok {
		t.Fatalf("sibling should be terminal and pruned")
	}
	if st, _ := rt.State(other); st != Active {
		t.Fatalf("other owner's task disturbed: %s", st)
	}
}

func TestCancelPendingSkipsEnd(t *testing.T) {
	rec := &recorder{}
	rt := NewRuntime(rec.on)
	endCalled := false
	h := rt.Schedule(1, &Func{K: KindHold, OnEnd: func(State) { endCalled = true }})
	if !rt.Cancel(h) {
		t.Fatalf("cancel pending failed")
	}
	if endCalled {
		t.Fatalf("End must not run for a task that never started")
	}
	if rt.Cancel(h) {
		t.Fatalf("double cancel should report false")
	}
	if len(rec.reports) != 1 || rec.reports[0].State != Cancelled {
		t.Fatalf("reports = %+v", rec.reports)
	}
}

func TestCancelActiveCallsEnd(t *testing.T) {
	rt := NewRuntime(nil)
	var final State
	h := rt.Schedule(1, &Func{K: KindHold, OnEnd: func(s State) { final = s }})
	rt.Tick(time.Millisecond)
	rt.Cancel(h)
	if final != Cancelled {
		t.Fatalf("End got %s", final)
	}
}

func TestSignalConfirm(t *testing.T) {
	rec := &recorder{}
	rt := NewRuntime(rec.on)
	rt.Schedule(1, WaitConfirm{})
	rt.Schedule(1, Hold{})
	if n := rt.Signal(SignalConfirm); n != 0 {
		t.Fatalf("pending tasks must not receive signals, got %d", n)
	}
	rt.Tick(time.Millisecond)
	if n := rt.Signal(SignalConfirm); n != 1 {
		t.Fatalf("signal receivers = %d", n)
	}
	if len(rec.reports) != 1 || rec.reports[0].Kind != KindWaitConfirm {
		t.Fatalf("reports = %+v", rec.reports)
	}
}

func TestStateMachineRejectsTerminalExit(t *testing.T) {
	for _, from := range []State{Completed, Cancelled, Failed} {
		for _, to := range []State{Pending, Active, Completed, Cancelled, Failed} {
			if allowed(from, to) {
				t.Fatalf("%s -> %s should be rejected", from, to)
			}
		}
	}
	if allowed(Pending, Completed) || allowed(Pending, Failed) {
		t.Fatalf("pending task cannot finish before starting")
	}
	e := &entry{state: Completed, task: Hold{}}
	rt := NewRuntime(nil)
	if err := rt.transition(e, Active); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("err = %v", err)
	}
}

type fakeHost struct {
	effects []string
	attrs   map[string]float64
	fail    error
}

func (f *fakeHost) PlayEffect(id string) error {
	if f.fail != nil {
		return f.fail
	}
	f.effects = append(f.effects, id)
	return nil
}

func (f *fakeHost) AdjustAttribute(name string, d float64) error {
	if f.fail != nil {
		return f.fail
	}
	if f.attrs == nil {
		f.attrs = map[string]float64{}
	}
	f.attrs[name] += d
	return nil
}

func TestBuiltinHostTasks(t *testing.T) {
	host := &fakeHost{}
	rec := &recorder{}
	rt := NewRuntime(rec.on)
	rt.Schedule(1, NewPlayEffect(host, "fx.dash", 0))
	rt.Schedule(1, &ModifyAttribute{Host: host, Attribute: "Health", Delta: -0.5})
	rt.Tick(time.Millisecond)
	if len(host.effects) != 1 || host.effects[0] != "fx.dash" {
		t.Fatalf("effects = %v", host.effects)
	}
	if host.attrs["Health"] != -0.5 {
		t.Fatalf("attrs = %v", host.attrs)
	}
	if len(rec.reports) != 2 {
		t.Fatalf("reports = %+v", rec.reports)
	}

	host.fail = errors.New("no such effect")
	rec.reports = nil
	rt.Schedule(1, NewPlayEffect(host, "fx.bad", time.Second))
	rt.Tick(time.Millisecond)
	if len(rec.reports) != 1 || rec.reports[0].State != Failed {
		t.Fatalf("reports = %+v", rec.reports)
	}
}

func TestProgressView(t *testing.T) {
	rt := NewRuntime(nil)
	rt.Schedule(1, NewWait(time.Second))
	rt.Tick(0)
	rt.Tick(250 * time.Millisecond)
	infos := rt.Tasks()
	if len(infos) != 1 || infos[0].Progress != 0.25 || infos[0].State != Active {
		t.Fatalf("infos = %+v", infos)
	}
}

// stepMove finishes after steps ticks. ends records every End call.
type stepMove struct {
	target navgrid.Vec2
	steps  int
	ends   *[]State
}

func (s *stepMove) Kind() Kind { return KindMoveTo }
func (s *stepMove) Start() (bool, error) { return s.steps <= 0, nil }
func (s *stepMove) Tick(time.Duration) (bool, error) {
	s.steps--
	return s.steps <= 0, nil
}
func (s *stepMove) End(final State) { *s.ends = append(*s.ends, final) }

type fakeMover struct {
	ends    []State
	targets []navgrid.Vec2
}

func (f *fakeMover) RequestMove(target navgrid.Vec2) (Task, error) {
	if target.X < 0 {
		return nil, errors.New("unwalkable")
	}
	f.targets = append(f.targets, target)
	return &stepMove{target: target, steps: 2, ends: &f.ends}, nil
}

func TestMoveOnConfirmRetargetsAndKeepsRunning(t *testing.T) {
	host := &fakeMover{}
	rec := &recorder{}
	rt := NewRuntime(rec.on)
	h := rt.Schedule(1, &MoveOnConfirm{Host: host})
	rt.Tick(time.Millisecond)

	if n, err := rt.Target(navgrid.Vec2{X: 1, Y: 1}); n != 1 || err != nil {
		t.Fatalf("Target = %d, %v", n, err)
	}
	rt.Tick(time.Millisecond)
	if n, err := rt.Target(navgrid.Vec2{X: 2, Y: 2}); n != 1 || err != nil {
		t.Fatalf("retarget = %d, %v", n, err)
	}
	if len(host.ends) != 1 || host.ends[0] != Cancelled {
		t.Fatalf("first move ends = %v", host.ends)
	}
	rt.Tick(time.Millisecond)
	rt.Tick(time.Millisecond)
	if len(host.ends) != 2 || host.ends[1] != Completed {
		t.Fatalf("second move ends = %v", host.ends)
	}
	if st, ok := rt.State(h); !ok || st != Active {
		t.Fatalf("click-to-move task state = %v %v", st, ok)
	}
	if len(rec.reports) != 0 {
		t.Fatalf("inner moves leaked reports: %+v", rec.reports)
	}

	if _, err := rt.Target(navgrid.Vec2{X: -1}); err == nil {
		t.Fatalf("unwalkable target accepted")
	}
	rt.Cancel(h)
	if len(host.targets) != 2 {
		t.Fatalf("targets = %v", host.targets)
	}
}

func TestRestoreResumesTasksAndHandles(t *testing.T) {
	rt := NewRuntime(nil)
	rt.Schedule(1, NewWait(time.Second))
	w := NewWait(time.Second)
	h := rt.Schedule(2, w)
	rt.Tick(0)
	rt.Tick(400 * time.Millisecond)
	saved, err := w.SaveState()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	rec := &recorder{}
	back := NewRuntime(rec.on)
	fresh := NewWait(time.Second)
	if err := fresh.RestoreState(saved); err != nil {
		t.Fatalf("restore state: %v", err)
	}
	if err := back.Restore(h, 2, fresh, Active); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := back.Restore(h-1, 1, NewWait(time.Second), Active); err == nil {
		t.Fatalf("out of order restore accepted")
	}
	if err := back.Restore(h+1, 2, NewWait(0), Completed); err == nil {
		t.Fatalf("terminal restore accepted")
	}
	back.SetLastHandle(rt.LastHandle())
	if got := back.Schedule(3, Hold{}); got != rt.Schedule(3, Hold{}) {
		t.Fatalf("handle counter diverged: %d", got)
	}

	back.Tick(600 * time.Millisecond)
	if len(rec.reports) != 1 || rec.reports[0].Handle != h || rec.reports[0].State != Completed {
		t.Fatalf("restored wait did not resume: %+v", rec.reports)
	}
}
