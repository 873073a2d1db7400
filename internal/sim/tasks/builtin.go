package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"puppetmaster/internal/sim/navgrid"
)

// EffectPlayer plays a cosmetic effect on behalf of an agent.
type EffectPlayer interface {
	PlayEffect(id string) error
}

// AttributeAdjuster changes a named numeric attribute of an agent.
type AttributeAdjuster interface {
	AdjustAttribute(name string, delta float64) error
}

// Mover builds movement tasks for an agent.
type Mover interface {
	RequestMove(target navgrid.Vec2) (Task, error)
}

// Wait completes after a fixed duration has elapsed.
type Wait struct {
	Duration time.Duration
	elapsed  time.Duration
}

func NewWait(d time.Duration) *Wait { return &Wait{Duration: d} }

func (w *Wait) Kind() Kind { return KindWait }

func (w *Wait) Start() (bool, error) { return w.Duration <= 0, nil }

func (w *Wait) Tick(dt time.Duration) (bool, error) {
	w.elapsed += dt
	return w.elapsed >= w.Duration, nil
}

func (w *Wait) End(State) {}

type waitState struct {
	Elapsed time.Duration `json:"elapsed"`
}

func (w *Wait) SaveState() ([]byte, error) {
	return json.Marshal(waitState{Elapsed: w.elapsed})
}

func (w *Wait) RestoreState(b []byte) error {
	var st waitState
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("wait state: %w", err)
	}
	w.elapsed = st.Elapsed
	return nil
}

func (w *Wait) Progress() float64 {
	if w.Duration <= 0 {
		return 1
	}
	p := float64(w.elapsed) / float64(w.Duration)
	if p > 1 {
		p = 1
	}
	return p
}

// Hold never completes on its own. It keeps an ability instance (and the
// tags it granted) alive until cancelled.
type Hold struct{}

func (Hold) Kind() Kind { return KindHold }
func (Hold) Start() (bool, error) { return false, nil }
func (Hold) Tick(time.Duration) (bool, error) { return false, nil }
func (Hold) End(State) {}

// WaitConfirm completes when SignalConfirm is delivered.
type WaitConfirm struct{}

func (WaitConfirm) Kind() Kind { return KindWaitConfirm }
func (WaitConfirm) Start() (bool, error) { return false, nil }
func (WaitConfirm) Tick(time.Duration) (bool, error) { return false, nil }
func (WaitConfirm) End(State) {}
func (WaitConfirm) OnSignal(sig Signal) bool { return sig == SignalConfirm }

// PlayEffect asks the host to play an effect, then lingers for Duration.
type PlayEffect struct {
	Host     EffectPlayer
	EffectID string
	Wait
}

func NewPlayEffect(host EffectPlayer, id string, linger time.Duration) *PlayEffect {
	return &PlayEffect{Host: host, EffectID: id, Wait: Wait{Duration: linger}}
}

func (p *PlayEffect) Kind() Kind { return KindPlayEffect }

func (p *PlayEffect) Start() (bool, error) {
	if p.Host == nil {
		return false, fmt.Errorf("no effect host")
	}
	if err := p.Host.PlayEffect(p.EffectID); err != nil {
		return false, err
	}
	return p.Wait.Start()
}

// ModifyAttribute applies a one-shot delta to an attribute and completes.
type ModifyAttribute struct {
	Host      AttributeAdjuster
	Attribute string
	Delta     float64
}

func (m *ModifyAttribute) Kind() Kind { return KindModifyAttribute }

func (m *ModifyAttribute) Start() (bool, error) {
	if m.Host == nil {
		return false, fmt.Errorf("no attribute host")
	}
	if err := m.Host.AdjustAttribute(m.Attribute, m.Delta); err != nil {
		return false, err
	}
	return true, nil
}

func (m *ModifyAttribute) Tick(time.Duration) (bool, error) { return true, nil }
func (m *ModifyAttribute) End(State) {}

// Func adapts plain functions into a Task. Nil functions are treated as
// "not done yet" (Start, Tick) or no-ops (End).
type Func struct {
	K       Kind
	OnStart func() (bool, error)
	OnTick  func(dt time.Duration) (bool, error)
	OnEnd   func(final State)
}

func (f *Func) Kind() Kind { return f.K }

func (f *Func) Start() (bool, error) {
	if f.OnStart == nil {
		return false, nil
	}
	return f.OnStart()
}

func (f *Func) Tick(dt time.Duration) (bool, error) {
	if f.OnTick == nil {
		return false, nil
	}
	return f.OnTick(dt)
}

func (f *Func) End(final State) {
	if f.OnEnd != nil {
		f.OnEnd(final)
	}
}

// MoveOnConfirm is a click-to-move task. Every confirmed target replaces the
// current move; a finished or aborted move leaves the task waiting for the
// next target. It never completes on its own.
type MoveOnConfirm struct {
	Host Mover
	// Initial, when set, is walked to as soon as the task starts.
	Initial *navgrid.Vec2

	move   Task
	target *navgrid.Vec2
}

func (m *MoveOnConfirm) Kind() Kind { return KindMoveOnConfirm }

func (m *MoveOnConfirm) Start() (bool, error) {
	if m.Host == nil {
		return false, fmt.Errorf("no move host")
	}
	if m.Initial != nil {
		return false, m.OnTarget(*m.Initial)
	}
	return false, nil
}

// OnTarget aborts the current move and starts one toward target.
func (m *MoveOnConfirm) OnTarget(target navgrid.Vec2) error {
	m.stop(Cancelled)
	t, err := m.Host.RequestMove(target)
	if err != nil {
		return err
	}
	done, err := t.Start()
	switch {
	case err != nil:
		t.End(Failed)
		return err
	case done:
		t.End(Completed)
		return nil
	}
	m.move = t
	tg := target
	m.target = &tg
	return nil
}

func (m *MoveOnConfirm) Tick(dt time.Duration) (bool, error) {
	if m.move == nil {
		return false, nil
	}
	done, err := m.move.Tick(dt)
	switch {
	case err != nil:
		m.stop(Failed)
	case done:
		m.stop(Completed)
	}
	return false, nil
}

func (m *MoveOnConfirm) End(State) { m.stop(Cancelled) }

func (m *MoveOnConfirm) stop(final State) {
	if m.move == nil {
		return
	}
	m.move.End(final)
	m.move = nil
	m.target = nil
}

// Moving reports whether a confirmed move is in progress.
func (m *MoveOnConfirm) Moving() bool { return m.move != nil }

func (m *MoveOnConfirm) Progress() float64 {
	if p, ok := m.move.(Progresser); ok {
		return p.Progress()
	}
	return 0
}

type moveOnConfirmState struct {
	Target *navgrid.Vec2   `json:"target,omitempty"`
	Move   json.RawMessage `json:"move,omitempty"`
}

func (m *MoveOnConfirm) SaveState() ([]byte, error) {
	var st moveOnConfirmState
	if m.move != nil {
		st.Target = m.target
		if s, ok := m.move.(Stateful); ok {
			b, err := s.SaveState()
			if err != nil {
				return nil, err
			}
			st.Move = b
		}
	}
	return json.Marshal(st)
}

// RestoreState rebuilds the in-flight move without starting it again.
func (m *MoveOnConfirm) RestoreState(b []byte) error {
	var st moveOnConfirmState
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("move on confirm state: %w", err)
	}
	m.move, m.target = nil, nil
	if st.Target == nil {
		return nil
	}
	if m.Host == nil {
		return fmt.Errorf("no move host")
	}
	t, err := m.Host.RequestMove(*st.Target)
	if err != nil {
		return err
	}
	if s, ok := t.(Stateful); ok && len(st.Move) > 0 {
		if err := s.RestoreState(st.Move); err != nil {
			return err
		}
	}
	m.move, m.target = t, st.Target
	return nil
}
