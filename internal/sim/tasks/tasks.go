package tasks

import (
	"errors"
	"time"

	"puppetmaster/internal/sim/navgrid"
)

type Kind string

const (
	KindWait            Kind = "WAIT"
	KindHold            Kind = "HOLD"
	KindMoveTo          Kind = "MOVE_TO"
	KindPlayEffect      Kind = "PLAY_EFFECT"
	KindWaitConfirm     Kind = "WAIT_CONFIRM"
	KindModifyAttribute Kind = "MODIFY_ATTRIBUTE"
	KindMoveOnConfirm   Kind = "MOVE_ON_CONFIRM"
)

// Known reports whether k is a built-in task kind.
func (k Kind) Known() bool {
	switch k {
	case KindWait, KindHold, KindMoveTo, KindPlayEffect, KindWaitConfirm, KindModifyAttribute, KindMoveOnConfirm:
		return true
	}
	return false
}

// State is the lifecycle state of a scheduled task.
type State uint8

const (
	Pending State = iota
	Active
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Active:
		return "ACTIVE"
	case Completed:
		return "COMPLETED"
	case Cancelled:
		return "CANCELLED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further ticks can occur in state s.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

func allowed(from, to State) bool {
	switch from {
	case Pending:
		return to == Active || to == Cancelled
	case Active:
		return to == Completed || to == Cancelled || to == Failed
	default:
		return false
	}
}

// ErrTaskFailed wraps every error reported by a task that reached Failed.
var ErrTaskFailed = errors.New("task failed")

// ErrBadTransition is returned by the runtime when a state change is not allowed.
var ErrBadTransition = errors.New("invalid task transition")

// Signal is an out-of-band input delivered to active tasks.
type Signal string

const SignalConfirm Signal = "CONFIRM"

// Task is a resumable unit of per-frame work.
//
// Start is called on the first scheduling pass after the task was scheduled;
// it may finish the task immediately (done=true) or fail it (err != nil).
// Tick is called once per later pass with the frame delta. End is called
// exactly once after a started task reached a terminal state.
type Task interface {
	Kind() Kind
	Start() (done bool, err error)
	Tick(dt time.Duration) (done bool, err error)
	End(final State)
}

// Signaled is implemented by tasks that react to Signal.
type Signaled interface {
	OnSignal(sig Signal) (done bool)
}

// Targeted is implemented by tasks that accept a confirmed target point.
type Targeted interface {
	OnTarget(target navgrid.Vec2) error
}

// Stateful is implemented by tasks whose progress can be saved and put back
// into a fresh instance of the same task. RestoreState is called instead of
// Start on a task that was already active when it was saved.
type Stateful interface {
	SaveState() ([]byte, error)
	RestoreState(b []byte) error
}

// Progresser is implemented by tasks that can report progress in [0,1].
type Progresser interface {
	Progress() float64
}
