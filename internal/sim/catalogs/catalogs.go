package catalogs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"puppetmaster/internal/sim/tags"
	"puppetmaster/internal/sim/tasks"
)

var (
	ErrNotFound            = errors.New("ability not found")
	ErrDuplicateIdentifier = errors.New("duplicate ability id")
	ErrStoreSealed         = errors.New("ability store sealed")
	ErrInvalidDefinition   = errors.New("invalid ability definition")
)

type FailurePolicy string

const (
	// FailCancelSiblings cancels every other task of the instance when one fails.
	FailCancelSiblings FailurePolicy = "cancel_siblings"
	// FailContinue lets the remaining tasks run; the instance still ends as failed.
	FailContinue FailurePolicy = "continue"
)

// InputBinding names a logical input an ability can be bound to.
type InputBinding string

const (
	InputNone     InputBinding = ""
	InputAbility0 InputBinding = "Ability0"
	InputAbility1 InputBinding = "Ability1"
	InputAbility2 InputBinding = "Ability2"
	InputAbility3 InputBinding = "Ability3"
	InputAbility4 InputBinding = "Ability4"
	InputConfirm  InputBinding = "Confirm"
	InputCancel   InputBinding = "Cancel"
	InputSelect   InputBinding = "Select"
)

// Bindable reports whether an ability may be bound to b. Confirm and Cancel
// are reserved for task confirmation and cancellation.
func (b InputBinding) Bindable() bool {
	switch b {
	case InputAbility0, InputAbility1, InputAbility2, InputAbility3, InputAbility4, InputSelect:
		return true
	}
	return false
}

// Known reports whether b is any recognised binding.
func (b InputBinding) Known() bool {
	return b.Bindable() || b == InputConfirm || b == InputCancel
}

// Duration is a time.Duration that decodes from "250ms" style strings or from
// a JSON number of seconds.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration: %s", string(b))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// TaskTemplate describes one task an ability schedules on activation.
type TaskTemplate struct {
	Kind      tasks.Kind  `json:"kind"`
	Duration  Duration    `json:"duration,omitempty"`
	Target    *[2]float64 `json:"target,omitempty"`
	Relative  bool        `json:"relative,omitempty"` // target is an offset from the agent
	Effect    string      `json:"effect,omitempty"`
	Attribute string      `json:"attribute,omitempty"`
	Amount    float64     `json:"amount,omitempty"`

	// ActivationTarget makes MOVE_TO use the point supplied with the
	// activation request instead of Target.
	ActivationTarget bool `json:"activation_target,omitempty"`
}

func (t TaskTemplate) validate() error {
	switch t.Kind {
	case tasks.KindWait, tasks.KindHold, tasks.KindWaitConfirm, tasks.KindMoveOnConfirm:
	case tasks.KindMoveTo:
		if t.Target == nil && !t.ActivationTarget {
			return fmt.Errorf("MOVE_TO: missing target")
		}
		if t.Target != nil && t.ActivationTarget {
			return fmt.Errorf("MOVE_TO: target and activation_target are exclusive")
		}
	case tasks.KindPlayEffect:
		if t.Effect == "" {
			return fmt.Errorf("PLAY_EFFECT: missing effect")
		}
	case tasks.KindModifyAttribute:
		if t.Attribute == "" {
			return fmt.Errorf("MODIFY_ATTRIBUTE: missing attribute")
		}
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	if t.ActivationTarget && t.Kind != tasks.KindMoveTo {
		return fmt.Errorf("%s: activation_target only applies to MOVE_TO", t.Kind)
	}
	if t.Duration < 0 {
		return fmt.Errorf("%s: negative duration", t.Kind)
	}
	return nil
}

// AbilityDef is an immutable ability definition. Values returned by the
// store must not be modified.
type AbilityDef struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`

	RequiredTags           []tags.Tag `json:"required_tags,omitempty"`
	BlockedTags            []tags.Tag `json:"blocked_tags,omitempty"`
	ActivationTags         []tags.Tag `json:"activation_tags,omitempty"`
	AbilityTags            []tags.Tag `json:"ability_tags,omitempty"`
	CancelAbilitiesWithTag []tags.Tag `json:"cancel_abilities_with_tags,omitempty"`

	Cost          float64       `json:"cost,omitempty"`
	Cooldown      Duration      `json:"cooldown,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty"`
	Retrigger     bool          `json:"retrigger,omitempty"`
	Input         InputBinding  `json:"input,omitempty"`
	AutoActivate  bool          `json:"auto_activate,omitempty"`

	Tasks []TaskTemplate `json:"tasks,omitempty"`
}

// Normalized returns a copy with tags normalized and defaults applied.
func (d AbilityDef) Normalized() AbilityDef {
	d.ID = strings.TrimSpace(d.ID)
	d.RequiredTags = normTags(d.RequiredTags)
	d.BlockedTags = normTags(d.BlockedTags)
	d.ActivationTags = normTags(d.ActivationTags)
	d.AbilityTags = normTags(d.AbilityTags)
	d.CancelAbilitiesWithTag = normTags(d.CancelAbilitiesWithTag)
	if d.FailurePolicy == "" {
		d.FailurePolicy = FailCancelSiblings
	}
	d.Tasks = append([]TaskTemplate(nil), d.Tasks...)
	return d
}

func (d *AbilityDef) validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDefinition)
	}
	if d.Cost < 0 {
		return fmt.Errorf("%w: %s: negative cost", ErrInvalidDefinition, d.ID)
	}
	if d.Cooldown < 0 {
		return fmt.Errorf("%w: %s: negative cooldown", ErrInvalidDefinition, d.ID)
	}
	switch d.FailurePolicy {
	case FailCancelSiblings, FailContinue:
	default:
		return fmt.Errorf("%w: %s: bad failure_policy %q", ErrInvalidDefinition, d.ID, d.FailurePolicy)
	}
	if d.Input != InputNone && !d.Input.Bindable() {
		return fmt.Errorf("%w: %s: input %q cannot be bound", ErrInvalidDefinition, d.ID, d.Input)
	}
	for i, t := range d.Tasks {
		if err := t.validate(); err != nil {
			return fmt.Errorf("%w: %s: tasks[%d]: %v", ErrInvalidDefinition, d.ID, i, err)
		}
	}
	return nil
}

// NeedsTarget reports whether activating d requires a target point.
func (d *AbilityDef) NeedsTarget() bool {
	for _, t := range d.Tasks {
		if t.ActivationTarget {
			return true
		}
	}
	return false
}

// HasAbilityTag reports whether any ability tag of d matches q by hierarchy.
func (d *AbilityDef) HasAbilityTag(q tags.Tag) bool {
	for _, t := range d.AbilityTags {
		if t.Matches(q) {
			return true
		}
	}
	return false
}

func (d *AbilityDef) referencedTags() []tags.Tag {
	var out []tags.Tag
	for _, l := range [][]tags.Tag{d.RequiredTags, d.BlockedTags, d.ActivationTags, d.AbilityTags, d.CancelAbilitiesWithTag} {
		out = append(out, l...)
	}
	return out
}

func normTags(in []tags.Tag) []tags.Tag {
	if len(in) == 0 {
		return nil
	}
	out := make([]tags.Tag, 0, len(in))
	for _, t := range in {
		if n := tags.Normalize(string(t)); n != "" {
			out = append(out, n)
		}
	}
	return out
}
