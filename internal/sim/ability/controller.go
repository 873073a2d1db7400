package ability

import (
	"fmt"
	"sort"
	"time"

	"puppetmaster/internal/sim/catalogs"
	"puppetmaster/internal/sim/navgrid"
	"puppetmaster/internal/sim/tags"
	"puppetmaster/internal/sim/tasks"
)

type instance struct {
	handle  Handle
	def     *catalogs.AbilityDef
	tasks   []tasks.Handle // by template index
	open    int
	elapsed time.Duration
	granted []tags.Tag

	// target is the point supplied at activation; moves holds the resolved
	// MOVE_TO goal per template index.
	target *navgrid.Vec2
	moves  map[int]navgrid.Vec2

	state   InstanceState
	failed  bool
	failErr error
}

type Controller struct {
	agent Agent
	store *catalogs.AbilityStore

	tags      *tags.Set
	rt        *tasks.Runtime
	cooldowns map[string]time.Duration

	instances map[Handle]*instance
	order     []Handle
	next      Handle

	observer func(Event)
}

// NewController binds a controller to agent. store must be sealed.
func NewController(agent Agent, store *catalogs.AbilityStore) *Controller {
	c := &Controller{
		agent:     agent,
		store:     store,
		tags:      tags.NewSet(),
		cooldowns: map[string]time.Duration{},
		instances: map[Handle]*instance{},
	}
	c.rt = tasks.NewRuntime(c.onTaskTerminal)
	return c
}

// SetObserver installs fn to receive lifecycle events. Events are delivered
// synchronously on the controller's goroutine.
func (c *Controller) SetObserver(fn func(Event)) { c.observer = fn }

func (c *Controller) emit(ev Event) {
	if c.observer != nil {
		c.observer(ev)
	}
}

// Tags returns the agent's live tag set, including tags granted by running
// instances.
func (c *Controller) Tags() *tags.Set { return c.tags }

func (c *Controller) AddTag(t tags.Tag)    { c.tags.Add(t) }
func (c *Controller) RemoveTag(t tags.Tag) { c.tags.Remove(t) }

// TryActivate checks gating for abilityID and, if it passes, starts a new
// instance. Gates are checked in order: required tags, blocked tags,
// cooldown, resource. The first failing gate is returned and nothing changes.
func (c *Controller) TryActivate(abilityID string) (Handle, error) {
	return c.TryActivateAt(abilityID, nil)
}

// TryActivateAt is TryActivate with an activation target. Abilities that
// move to the activation target fail with ErrMissingTarget when target is
// nil; the others ignore it unless they run a MOVE_ON_CONFIRM task.
func (c *Controller) TryActivateAt(abilityID string, target *navgrid.Vec2) (Handle, error) {
	def, err := c.store.Lookup(abilityID)
	if err != nil {
		return 0, err
	}
	if target == nil && def.NeedsTarget() {
		return 0, fmt.Errorf("%w: %s", ErrMissingTarget, def.ID)
	}
	if t, missing := c.tags.FirstMissing(def.RequiredTags); missing {
		return 0, fmt.Errorf("%w: %s requires %s", ErrMissingRequirement, def.ID, t)
	}
	if t, held := c.tags.FirstHeld(def.BlockedTags); held {
		return 0, fmt.Errorf("%w: %s blocked by %s", ErrBlocked, def.ID, t)
	}
	if rem, ok := c.cooldowns[def.ID]; ok {
		return 0, fmt.Errorf("%w: %s (%s left)", ErrOnCooldown, def.ID, rem)
	}
	if have := c.agent.Resource(); have < def.Cost {
		return 0, fmt.Errorf("%w: %s costs %.2f, have %.2f", ErrInsufficientResource, def.ID, def.Cost, have)
	}

	if def.Cost > 0 {
		c.agent.ConsumeResource(def.Cost)
	}
	if cd := def.Cooldown.D(); cd > 0 {
		c.cooldowns[def.ID] = cd
	}
	c.cancelMatching(def)

	c.next++
	inst := &instance{handle: c.next, def: def, state: InstanceActive}
	if target != nil {
		tg := *target
		inst.target = &tg
	}
	c.link(inst)
	for i, tmpl := range def.Tasks {
		inst.tasks = append(inst.tasks, c.rt.Schedule(uint64(inst.handle), c.instanceTask(inst, i, tmpl)))
		inst.open++
	}
	c.emit(Event{Type: EventActivated, Handle: inst.handle, AbilityID: def.ID})
	return inst.handle, nil
}

// link registers inst as live and grants its activation tags.
func (c *Controller) link(inst *instance) {
	c.instances[inst.handle] = inst
	c.order = append(c.order, inst.handle)
	for _, t := range inst.def.ActivationTags {
		c.tags.Add(t)
		inst.granted = append(inst.granted, t)
	}
}

// instanceTask builds the task for template i of inst. A task the agent
// refuses to build fails on its first pass.
func (c *Controller) instanceTask(inst *instance, i int, tmpl catalogs.TaskTemplate) tasks.Task {
	task, goal, err := c.buildTask(tmpl, inst.target)
	if err == nil && task == nil {
		err = fmt.Errorf("%s: agent returned no task", tmpl.Kind)
	}
	if err != nil {
		return failing(tmpl.Kind, err)
	}
	if goal != nil {
		if inst.moves == nil {
			inst.moves = map[int]navgrid.Vec2{}
		}
		inst.moves[i] = *goal
	}
	return task
}

// cancelMatching ends instances whose ability tags match the new ability's
// cancel list, and the previous instance of a retriggered ability.
func (c *Controller) cancelMatching(def *catalogs.AbilityDef) {
	if len(def.CancelAbilitiesWithTag) == 0 && !def.Retrigger {
		return
	}
	for _, h := range append([]Handle(nil), c.order...) {
		inst := c.instances[h]
		if inst == nil {
			continue
		}
		hit := def.Retrigger && inst.def.ID == def.ID
		for _, q := range def.CancelAbilitiesWithTag {
			if inst.def.HasAbilityTag(q) {
				hit = true
				break
			}
		}
		if hit {
			c.end(inst, InstanceCancelled, nil)
		}
	}
}

// Cancel ends the instance h. Unknown or already finished handles are a
// no-op; the result reports whether anything was cancelled.
func (c *Controller) Cancel(h Handle) bool {
	inst := c.instances[h]
	if inst == nil || inst.state != InstanceActive {
		return false
	}
	c.end(inst, InstanceCancelled, nil)
	return true
}

// CancelAll cancels every live instance in activation order.
func (c *Controller) CancelAll() int {
	n := 0
	for _, h := range append([]Handle(nil), c.order...) {
		if c.Cancel(h) {
			n++
		}
	}
	return n
}

// Destroy tears the controller down when its agent goes away.
func (c *Controller) Destroy() {
	c.CancelAll()
	c.cooldowns = map[string]time.Duration{}
}

// Tick advances cooldowns (removing those that reach zero), then runs one
// task pass and retires instances whose tasks are all finished.
func (c *Controller) Tick(dt time.Duration) {
	for id, rem := range c.cooldowns {
		rem -= dt
		if rem <= 0 {
			delete(c.cooldowns, id)
			continue
		}
		c.cooldowns[id] = rem
	}
	for _, h := range c.order {
		c.instances[h].elapsed += dt
	}

	c.rt.Tick(dt)

	for _, h := range append([]Handle(nil), c.order...) {
		inst := c.instances[h]
		if inst == nil || inst.open > 0 {
			continue
		}
		if inst.failed {
			c.end(inst, InstanceFailed, inst.failErr)
		} else {
			c.end(inst, InstanceEnded, nil)
		}
	}
}

func (c *Controller) onTaskTerminal(r tasks.Report) {
	inst := c.instances[Handle(r.Owner)]
	if inst == nil {
		return
	}
	inst.open--
	if r.State != tasks.Failed {
		return
	}
	c.emit(Event{Type: EventTaskFailed, Handle: inst.handle, AbilityID: inst.def.ID, Task: r.Kind, Err: r.Err})
	if !inst.failed {
		inst.failed = true
		inst.failErr = r.Err
	}
	if inst.def.FailurePolicy == catalogs.FailCancelSiblings {
		c.end(inst, InstanceFailed, r.Err)
	}
}

// end retires inst. The instance is unlinked before its tasks are cancelled
// so the resulting task reports are ignored.
func (c *Controller) end(inst *instance, final InstanceState, err error) {
	if inst.state != InstanceActive {
		return
	}
	inst.state = final
	delete(c.instances, inst.handle)
	for i, h := range c.order {
		if h == inst.handle {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.rt.CancelOwner(uint64(inst.handle))
	for _, t := range inst.granted {
		c.tags.Remove(t)
	}
	inst.granted = nil

	ev := Event{Handle: inst.handle, AbilityID: inst.def.ID, Err: err}
	switch final {
	case InstanceEnded:
		ev.Type = EventEnded
	case InstanceCancelled:
		ev.Type = EventCancelled
	case InstanceFailed:
		ev.Type = EventFailed
	}
	c.emit(ev)
}

// Input routes a logical input. Ability bindings activate the bound ability,
// Confirm signals waiting tasks and Cancel cancels every instance.
func (c *Controller) Input(b catalogs.InputBinding) (Handle, error) {
	return c.InputAt(b, nil)
}

// InputAt is Input with a pointer position. Confirm hands target to every
// running click-to-move task after signalling; bound abilities receive it as
// their activation target.
func (c *Controller) InputAt(b catalogs.InputBinding, target *navgrid.Vec2) (Handle, error) {
	switch {
	case b == catalogs.InputCancel:
		c.CancelAll()
		return 0, nil
	case b == catalogs.InputConfirm:
		c.rt.Signal(tasks.SignalConfirm)
		if target == nil {
			return 0, nil
		}
		_, err := c.rt.Target(*target)
		return 0, err
	case b.Bindable():
		id, ok := c.store.ByInput(b)
		if !ok {
			return 0, fmt.Errorf("%w: nothing bound to %s", ErrNotFound, b)
		}
		return c.TryActivateAt(id, target)
	default:
		return 0, fmt.Errorf("%w: input %q", ErrNotFound, b)
	}
}

// State reports the state of a live instance; finished instances are gone.
func (c *Controller) State(h Handle) (InstanceState, bool) {
	inst := c.instances[h]
	if inst == nil {
		return "", false
	}
	return inst.state, true
}

// Active lists live instances in activation order.
func (c *Controller) Active() []InstanceInfo {
	byOwner := map[uint64][]tasks.Info{}
	for _, ti := range c.rt.Tasks() {
		byOwner[ti.Owner] = append(byOwner[ti.Owner], ti)
	}
	out := make([]InstanceInfo, 0, len(c.order))
	for _, h := range c.order {
		inst := c.instances[h]
		out = append(out, InstanceInfo{
			Handle:    h,
			AbilityID: inst.def.ID,
			Elapsed:   inst.elapsed,
			Tasks:     byOwner[uint64(h)],
		})
	}
	return out
}

// Cooldowns lists running cooldowns sorted by ability id.
func (c *Controller) Cooldowns() []CooldownInfo {
	out := make([]CooldownInfo, 0, len(c.cooldowns))
	for id, rem := range c.cooldowns {
		out = append(out, CooldownInfo{AbilityID: id, Remaining: rem})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AbilityID < out[j].AbilityID })
	return out
}

// BaseTags returns the explicit tags that are not granted by a live instance.
func (c *Controller) BaseTags() []tags.Count {
	granted := map[tags.Tag]int{}
	for _, inst := range c.instances {
		for _, t := range inst.granted {
			granted[t]++
		}
	}
	var out []tags.Count
	for _, e := range c.tags.Explicit() {
		if n := e.N - granted[e.Tag]; n > 0 {
			out = append(out, tags.Count{Tag: e.Tag, N: n})
		}
	}
	return out
}

// RestoreTags adds saved base tags. Used when loading a snapshot.
func (c *Controller) RestoreTags(saved []tags.Count) {
	for _, e := range saved {
		c.tags.AddN(e.Tag, e.N)
	}
}

// RestoreCooldowns replaces cooldowns from a snapshot. Non-positive entries
// are dropped.
func (c *Controller) RestoreCooldowns(saved []CooldownInfo) {
	c.cooldowns = map[string]time.Duration{}
	for _, cd := range saved {
		if cd.Remaining > 0 {
			c.cooldowns[cd.AbilityID] = cd.Remaining
		}
	}
}
