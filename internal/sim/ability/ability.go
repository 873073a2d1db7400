// Package ability runs gated ability activations for one agent.
//
// A Controller owns the agent's tag set, cooldowns and live ability
// instances, and drives the agent's task runtime. It is not safe for
// concurrent use; the world goroutine owns every controller.
package ability

import (
	"errors"
	"time"

	"puppetmaster/internal/protocol"
	"puppetmaster/internal/sim/catalogs"
	"puppetmaster/internal/sim/navgrid"
	"puppetmaster/internal/sim/tasks"
)

var (
	ErrBlocked              = errors.New("blocked by tag")
	ErrMissingRequirement   = errors.New("missing required tag")
	ErrOnCooldown           = errors.New("on cooldown")
	ErrInsufficientResource = errors.New("insufficient resource")
	ErrMoveAborted          = errors.New("move aborted by newer request")
	ErrMissingTarget        = errors.New("activation target required")

	ErrNotFound    = catalogs.ErrNotFound
	ErrUnreachable = navgrid.ErrUnreachable
	ErrTaskFailed  = tasks.ErrTaskFailed
)

// Agent is the narrow view of the host actor that abilities act on.
type Agent interface {
	Resource() float64
	ConsumeResource(amount float64)
	// RequestMove returns a task that moves the agent to target when started.
	RequestMove(target navgrid.Vec2) (tasks.Task, error)
	RequestNavigationPath(from, to navgrid.Vec2) (navgrid.Path, error)
	PlayEffect(id string) error
	Position() navgrid.Vec2
	AdjustAttribute(name string, delta float64) error
}

// Handle identifies an ability instance within one controller.
type Handle uint64

type InstanceState string

const (
	InstanceActive    InstanceState = "active"
	InstanceEnded     InstanceState = "ended"
	InstanceCancelled InstanceState = "cancelled"
	InstanceFailed    InstanceState = "failed"
)

type EventType string

const (
	EventActivated  EventType = protocol.EventAbilityActivated
	EventEnded      EventType = protocol.EventAbilityEnded
	EventCancelled  EventType = protocol.EventAbilityCancelled
	EventFailed     EventType = protocol.EventAbilityFailed
	EventTaskFailed EventType = protocol.EventTaskFailed
)

// Event reports an instance lifecycle change to the controller's observer.
type Event struct {
	Type      EventType
	Handle    Handle
	AbilityID string
	Task      tasks.Kind
	Err       error
}

// InstanceInfo is a read-only view of a live instance.
type InstanceInfo struct {
	Handle    Handle
	AbilityID string
	Elapsed   time.Duration
	Tasks     []tasks.Info
}

type CooldownInfo struct {
	AbilityID string
	Remaining time.Duration
}

// Code maps an error to its protocol code ("" for nil).
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, ErrMissingTarget):
		return protocol.ErrBadRequest
	case errors.Is(err, ErrMissingRequirement):
		return protocol.ErrMissingRequirement
	case errors.Is(err, ErrBlocked):
		return protocol.ErrBlocked
	case errors.Is(err, ErrOnCooldown):
		return protocol.ErrOnCooldown
	case errors.Is(err, ErrInsufficientResource):
		return protocol.ErrNoResource
	case errors.Is(err, ErrUnreachable):
		return protocol.ErrUnreachable
	case errors.Is(err, ErrTaskFailed):
		return protocol.ErrTaskFailed
	default:
		return protocol.ErrInternal
	}
}
