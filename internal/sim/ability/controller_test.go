package ability

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"puppetmaster/internal/protocol"
	"puppetmaster/internal/sim/catalogs"
	"puppetmaster/internal/sim/navgrid"
	"puppetmaster/internal/sim/tags"
	"puppetmaster/internal/sim/tasks"
)

type stubAgent struct {
	resource float64
	consumed []float64
	pos      navgrid.Vec2
	effects  []string
	missing  map[string]bool
	attrs    map[string]float64
	moves    []navgrid.Vec2
	// moveTicks is how many ticks a requested move takes; <0 means unreachable.
	moveTicks int
}

func newStub(resource float64) *stubAgent {
	return &stubAgent{resource: resource, missing: map[string]bool{}, attrs: map[string]float64{}, moveTicks: 2}
}

func (a *stubAgent) Resource() float64 { return a.resource }

func (a *stubAgent) ConsumeResource(amount float64) {
	a.resource -= amount
	a.consumed = append(a.consumed, amount)
}

func (a *stubAgent) RequestMove(target navgrid.Vec2) (tasks.Task, error) {
	a.moves = append(a.moves, target)
	if a.moveTicks < 0 {
		return nil, ErrUnreachable
	}
	left := a.moveTicks
	return &tasks.Func{
		K: tasks.KindMoveTo,
		OnTick: func(time.Duration) (bool, error) {
			left--
			if left <= 0 {
				a.pos = target
				return true, nil
			}
			return false, nil
		},
	}, nil
}

func (a *stubAgent) RequestNavigationPath(from, to navgrid.Vec2) (navgrid.Path, error) {
	return navgrid.Path{to}, nil
}

func (a *stubAgent) PlayEffect(id string) error {
	if a.missing[id] {
		return errors.New("effect resource missing: " + id)
	}
	a.effects = append(a.effects, id)
	return nil
}

func (a *stubAgent) Position() navgrid.Vec2 { return a.pos }

func (a *stubAgent) AdjustAttribute(name string, delta float64) error {
	a.attrs[name] += delta
	return nil
}

func newStore(t *testing.T, defs ...catalogs.AbilityDef) *catalogs.AbilityStore {
	t.Helper()
	s := catalogs.NewAbilityStore()
	for _, d := range defs {
		if err := s.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.ID, err)
		}
	}
	s.Seal()
	return s
}

func secs(n float64) catalogs.Duration { return catalogs.Duration(n * float64(time.Second)) }

func TestUnknownAbility(t *testing.T) {
	c := NewController(newStub(10), newStore(t))
	if _, err := c.TryActivate("Nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestMissingRequirementNeverActivatesOrDeducts(t *testing.T) {
	agent := newStub(50)
	c := NewController(agent, newStore(t, catalogs.AbilityDef{
		ID: "Smash", Cost: 10, RequiredTags: []tags.Tag{"Weapon.Hammer"},
	}))
	for i := 0; i < 3; i++ {
		if _, err := c.TryActivate("Smash"); !errors.Is(err, ErrMissingRequirement) {
			t.Fatalf("err = %v", err)
		}
	}
	if agent.resource != 50 || len(agent.consumed) != 0 {
		t.Fatalf("resource touched: %v %v", agent.resource, agent.consumed)
	}
	if len(c.Active()) != 0 || len(c.Cooldowns()) != 0 {
		t.Fatalf("failed activation left state behind")
	}

	// A descendant satisfies the requirement.
	c.AddTag("Weapon.Hammer.Heavy")
	if _, err := c.TryActivate("Smash"); err != nil {
		t.Fatalf("activate with descendant tag: %v", err)
	}
}

func TestGatingOrder(t *testing.T) {
	def := catalogs.AbilityDef{
		ID:           "Strike",
		Cost:         5,
		Cooldown:     secs(1),
		RequiredTags: []tags.Tag{"Stance.Ready"},
		BlockedTags:  []tags.Tag{"State.Stunned"},
	}
	agent := newStub(0)
	c := NewController(agent, newStore(t, def))
	c.AddTag("State.Stunned")

	// Required is checked before blocked.
	if _, err := c.TryActivate("Strike"); !errors.Is(err, ErrMissingRequirement) {
		t.Fatalf("want missing requirement, got %v", err)
	}
	c.AddTag("Stance.Ready")
	if _, err := c.TryActivate("Strike"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("want blocked, got %v", err)
	}
	c.RemoveTag("State.Stunned")
	if _, err := c.TryActivate("Strike"); !errors.Is(err, ErrInsufficientResource) {
		t.Fatalf("want insufficient resource, got %v", err)
	}
	agent.resource = 5
	if _, err := c.TryActivate("Strike"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	agent.resource = 0
	// Cooldown is reported before resource.
	if _, err := c.TryActivate("Strike"); !errors.Is(err, ErrOnCooldown) {
		t.Fatalf("want on cooldown, got %v", err)
	}
}

func TestBlockedByDescendantTag(t *testing.T) {
	c := NewController(newStub(0), newStore(t, catalogs.AbilityDef{
		ID: "Walk", BlockedTags: []tags.Tag{"State.Stunned"},
	}))
	c.AddTag("State.Stunned.Heavy")
	if _, err := c.TryActivate("Walk"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("err = %v", err)
	}
}

func TestDashScenario(t *testing.T) {
	agent := newStub(10)
	c := NewController(agent, newStore(t, catalogs.AbilityDef{ID: "Dash", Cost: 10, Cooldown: secs(2)}))

	if _, err := c.TryActivate("Dash"); err != nil {
		t.Fatalf("first dash: %v", err)
	}
	if agent.resource != 0 {
		t.Fatalf("resource = %v, want 0", agent.resource)
	}
	_, err := c.TryActivate("Dash")
	if !errors.Is(err, ErrOnCooldown) {
		t.Fatalf("second dash err = %v, want OnCooldown", err)
	}
	if Code(err) != protocol.ErrOnCooldown {
		t.Fatalf("code = %q", Code(err))
	}
	if len(agent.consumed) != 1 {
		t.Fatalf("deducted %d times", len(agent.consumed))
	}
}

func TestCooldownExactBoundary(t *testing.T) {
	agent := newStub(100)
	c := NewController(agent, newStore(t, catalogs.AbilityDef{ID: "Dash", Cost: 1, Cooldown: secs(2)}))
	if _, err := c.TryActivate("Dash"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	step := 500 * time.Millisecond
	for i := 0; i < 3; i++ {
		c.Tick(step)
		if _, err := c.TryActivate("Dash"); !errors.Is(err, ErrOnCooldown) {
			t.Fatalf("after %v: err = %v", time.Duration(i+1)*step, err)
		}
	}
	c.Tick(step) // elapsed == cooldown
	if cds := c.Cooldowns(); len(cds) != 0 {
		t.Fatalf("cooldown not removed at boundary: %+v", cds)
	}
	if _, err := c.TryActivate("Dash"); err != nil {
		t.Fatalf("activate at boundary: %v", err)
	}
	if len(agent.consumed) != 2 {
		t.Fatalf("consumed = %v", agent.consumed)
	}
}

func TestGuardScenario(t *testing.T) {
	c := NewController(newStub(0), newStore(t,
		catalogs.AbilityDef{
			ID:             "Guard",
			ActivationTags: []tags.Tag{"State.Blocking"},
			Tasks:          []catalogs.TaskTemplate{{Kind: tasks.KindHold}},
		},
		catalogs.AbilityDef{ID: "Attack", BlockedTags: []tags.Tag{"State.Blocking"}},
	))
	h, err := c.TryActivate("Guard")
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	for i := 0; i < 5; i++ {
		c.Tick(100 * time.Millisecond)
	}
	if !c.Tags().Has("State.Blocking") {
		t.Fatalf("guard tag not held while active")
	}
	if _, err := c.TryActivate("Attack"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("attack while guarding: %v", err)
	}
	if !c.Cancel(h) {
		t.Fatalf("cancel guard reported nothing to cancel")
	}
	if c.Tags().Has("State.Blocking") {
		t.Fatalf("guard tag still held after cancel")
	}
	if _, err := c.TryActivate("Attack"); err != nil {
		t.Fatalf("attack after guard: %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	var events []Event
	c := NewController(newStub(0), newStore(t, catalogs.AbilityDef{
		ID: "Guard", ActivationTags: []tags.Tag{"State.Blocking"},
		Tasks: []catalogs.TaskTemplate{{Kind: tasks.KindHold}},
	}))
	c.SetObserver(func(ev Event) { events = append(events, ev) })
	h, _ := c.TryActivate("Guard")
	if !c.Cancel(h) {
		t.Fatalf("first cancel")
	}
	if c.Cancel(h) || c.Cancel(h+100) {
		t.Fatalf("repeat or unknown cancel should be a no-op")
	}
	if c.Tags().Has("State.Blocking") {
		t.Fatalf("tag released twice or not at all")
	}
	if len(events) != 2 || events[1].Type != EventCancelled {
		t.Fatalf("events = %+v", events)
	}
}

func TestSharedActivationTagStacks(t *testing.T) {
	c := NewController(newStub(0), newStore(t,
		catalogs.AbilityDef{ID: "Guard", ActivationTags: []tags.Tag{"State.Blocking"}, Tasks: []catalogs.TaskTemplate{{Kind: tasks.KindHold}}},
		catalogs.AbilityDef{ID: "Parry", ActivationTags: []tags.Tag{"State.Blocking"}, Tasks: []catalogs.TaskTemplate{{Kind: tasks.KindHold}}},
	))
	g, _ := c.TryActivate("Guard")
	p, _ := c.TryActivate("Parry")
	c.Cancel(g)
	if !c.Tags().Has("State.Blocking") {
		t.Fatalf("Parry still grants the tag")
	}
	c.Cancel(p)
	if c.Tags().Has("State.Blocking") {
		t.Fatalf("tag should be released")
	}
}

func TestInstanceEndsWhenTasksComplete(t *testing.T) {
	agent := newStub(0)
	var events []Event
	c := NewController(agent, newStore(t, catalogs.AbilityDef{
		ID:             "Taunt",
		ActivationTags: []tags.Tag{"State.Taunting"},
		Tasks: []catalogs.TaskTemplate{
			{Kind: tasks.KindPlayEffect, Effect: "fx.taunt"},
			{Kind: tasks.KindWait, Duration: secs(0.2)},
		},
	}))
	c.SetObserver(func(ev Event) { events = append(events, ev) })
	h, _ := c.TryActivate("Taunt")
	c.Tick(100 * time.Millisecond) // start
	c.Tick(100 * time.Millisecond)
	if _, ok := c.State(h); !ok {
		t.Fatalf("ended too early")
	}
	c.Tick(100 * time.Millisecond)
	if _, ok := c.State(h); ok {
		t.Fatalf("instance should have ended")
	}
	if c.Tags().Has("State.Taunting") {
		t.Fatalf("activation tag not released")
	}
	if len(agent.effects) != 1 || agent.effects[0] != "fx.taunt" {
		t.Fatalf("effects = %v", agent.effects)
	}
	if last := events[len(events)-1]; last.Type != EventEnded {
		t.Fatalf("last event = %+v", last)
	}
}

func TestNoTaskInstanceEndsOnFirstTick(t *testing.T) {
	c := NewController(newStub(0), newStore(t, catalogs.AbilityDef{ID: "Ping", ActivationTags: []tags.Tag{"Pinged"}}))
	h, _ := c.TryActivate("Ping")
	if !c.Tags().Has("Pinged") {
		t.Fatalf("activation tag not granted")
	}
	c.Tick(time.Millisecond)
	if _, ok := c.State(h); ok || c.Tags().Has("Pinged") {
		t.Fatalf("instance without tasks should end on first tick")
	}
}

func TestFailureCancelsSiblings(t *testing.T) {
	agent := newStub(0)
	agent.missing["fx.missing"] = true
	var events []Event
	c := NewController(agent, newStore(t, catalogs.AbilityDef{
		ID:             "Cast",
		ActivationTags: []tags.Tag{"State.Casting"},
		Tasks: []catalogs.TaskTemplate{
			{Kind: tasks.KindPlayEffect, Effect: "fx.missing"},
			{Kind: tasks.KindHold},
		},
	}))
	c.SetObserver(func(ev Event) { events = append(events, ev) })
	h, _ := c.TryActivate("Cast")
	c.Tick(time.Millisecond)
	if _, ok := c.State(h); ok {
		t.Fatalf("instance should have failed")
	}
	if c.Tags().Has("State.Casting") {
		t.Fatalf("tag not released on failure")
	}
	var sawTaskFailed, sawFailed bool
	for _, ev := range events {
		switch ev.Type {
		case EventTaskFailed:
			sawTaskFailed = errors.Is(ev.Err, ErrTaskFailed) && ev.Task == tasks.KindPlayEffect
		case EventFailed:
			sawFailed = true
		}
	}
	if !sawTaskFailed || !sawFailed {
		t.Fatalf("events = %+v", events)
	}
}

func TestFailureContinuePolicy(t *testing.T) {
	agent := newStub(0)
	agent.missing["fx.missing"] = true
	c := NewController(agent, newStore(t, catalogs.AbilityDef{
		ID:            "Cast",
		FailurePolicy: catalogs.FailContinue,
		Tasks: []catalogs.TaskTemplate{
			{Kind: tasks.KindPlayEffect, Effect: "fx.missing"},
			{Kind: tasks.KindModifyAttribute, Attribute: "Health", Amount: 1},
			{Kind: tasks.KindWait, Duration: secs(0.1)},
		},
	}))
	var last Event
	c.SetObserver(func(ev Event) { last = ev })
	h, _ := c.TryActivate("Cast")
	c.Tick(100 * time.Millisecond)
	if _, ok := c.State(h); !ok {
		t.Fatalf("continue policy should keep the instance alive")
	}
	c.Tick(100 * time.Millisecond)
	if _, ok := c.State(h); ok {
		t.Fatalf("instance should end once all tasks are done")
	}
	if agent.attrs["Health"] != 1 {
		t.Fatalf("sibling did not run: %v", agent.attrs)
	}
	if last.Type != EventFailed {
		t.Fatalf("instance with a failed task should end as failed, got %+v", last)
	}
}

func TestUnreachableMoveFailsInstance(t *testing.T) {
	agent := newStub(0)
	agent.moveTicks = -1
	var codes []string
	c := NewController(agent, newStore(t, catalogs.AbilityDef{
		ID:    "Go",
		Tasks: []catalogs.TaskTemplate{{Kind: tasks.KindMoveTo, Target: &[2]float64{3, 4}}},
	}))
	c.SetObserver(func(ev Event) {
		if ev.Type == EventTaskFailed {
			codes = append(codes, Code(ev.Err))
		}
	})
	if _, err := c.TryActivate("Go"); err != nil {
		t.Fatalf("activation itself should succeed: %v", err)
	}
	c.Tick(time.Millisecond)
	if len(codes) != 1 || codes[0] != protocol.ErrUnreachable {
		t.Fatalf("codes = %v", codes)
	}
}

func TestRelativeMoveTarget(t *testing.T) {
	agent := newStub(0)
	agent.pos = navgrid.Vec2{X: 2, Y: 2}
	c := NewController(agent, newStore(t, catalogs.AbilityDef{
		ID:    "Dash",
		Tasks: []catalogs.TaskTemplate{{Kind: tasks.KindMoveTo, Target: &[2]float64{3, 0}, Relative: true}},
	}))
	h, _ := c.TryActivate("Dash")
	if len(agent.moves) != 1 || agent.moves[0] != (navgrid.Vec2{X: 5, Y: 2}) {
		t.Fatalf("moves = %v", agent.moves)
	}
	for i := 0; i < 3; i++ {
		c.Tick(time.Millisecond)
	}
	if _, ok := c.State(h); ok || agent.pos != (navgrid.Vec2{X: 5, Y: 2}) {
		t.Fatalf("move did not finish: pos=%v", agent.pos)
	}
}

func TestCancelAbilitiesWithTagAndRetrigger(t *testing.T) {
	hold := []catalogs.TaskTemplate{{Kind: tasks.KindHold}}
	c := NewController(newStub(0), newStore(t,
		catalogs.AbilityDef{ID: "Aim", AbilityTags: []tags.Tag{"Ability.Stance.Aim"}, Tasks: hold},
		catalogs.AbilityDef{ID: "Sprint", CancelAbilitiesWithTag: []tags.Tag{"Ability.Stance"}, Retrigger: true, Tasks: hold},
	))
	aim, _ := c.TryActivate("Aim")
	s1, _ := c.TryActivate("Sprint")
	if _, ok := c.State(aim); ok {
		t.Fatalf("Aim should be cancelled by Sprint")
	}
	s2, _ := c.TryActivate("Sprint")
	if _, ok := c.State(s1); ok {
		t.Fatalf("retrigger should cancel the previous Sprint")
	}
	if active := c.Active(); len(active) != 1 || active[0].Handle != s2 {
		t.Fatalf("active = %+v", active)
	}
}

func TestInputBindings(t *testing.T) {
	agent := newStub(0)
	c := NewController(agent, newStore(t,
		catalogs.AbilityDef{ID: "Cursor", Input: catalogs.InputSelect, Tasks: []catalogs.TaskTemplate{{Kind: tasks.KindWaitConfirm}}},
		catalogs.AbilityDef{ID: "Guard", Input: catalogs.InputAbility1, Tasks: []catalogs.TaskTemplate{{Kind: tasks.KindHold}}},
	))
	cur, err := c.Input(catalogs.InputSelect)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	c.Tick(time.Millisecond) // start WAIT_CONFIRM
	if _, err := c.Input(catalogs.InputConfirm); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	c.Tick(time.Millisecond)
	if _, ok := c.State(cur); ok {
		t.Fatalf("confirm should finish the cursor instance")
	}

	if _, err := c.Input(catalogs.InputAbility1); err != nil {
		t.Fatalf("ability1: %v", err)
	}
	if _, err := c.Input(catalogs.InputAbility3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unbound input err = %v", err)
	}
	c.Input(catalogs.InputCancel)
	if len(c.Active()) != 0 {
		t.Fatalf("Cancel input should cancel everything")
	}
}

func TestBaseTagsAndRestore(t *testing.T) {
	store := newStore(t, catalogs.AbilityDef{
		ID: "Guard", Cooldown: secs(3), ActivationTags: []tags.Tag{"State.Blocking"},
		Tasks: []catalogs.TaskTemplate{{Kind: tasks.KindHold}},
	})
	a := NewController(newStub(0), store)
	a.AddTag("Team.Red")
	a.AddTag("State.Blocking")
	_, _ = a.TryActivate("Guard")
	base := a.BaseTags()
	if len(base) != 2 || base[0].Tag != "State.Blocking" || base[0].N != 1 || base[1].Tag != "Team.Red" {
		t.Fatalf("base = %+v", base)
	}

	b := NewController(newStub(0), store)
	b.RestoreTags(base)
	b.RestoreCooldowns(a.Cooldowns())
	if !b.Tags().Has("Team") || b.Tags().Count("State.Blocking") != 1 {
		t.Fatalf("tags not restored: %v", b.Tags().Explicit())
	}
	if _, err := b.TryActivate("Guard"); !errors.Is(err, ErrOnCooldown) {
		t.Fatalf("cooldown not restored: %v", err)
	}
}

func TestDestroyCancelsEverything(t *testing.T) {
	c := NewController(newStub(0), newStore(t,
		catalogs.AbilityDef{ID: "Guard", Cooldown: secs(5), ActivationTags: []tags.Tag{"State.Blocking"}, Tasks: []catalogs.TaskTemplate{{Kind: tasks.KindHold}}},
	))
	_, _ = c.TryActivate("Guard")
	c.Destroy()
	if len(c.Active()) != 0 || len(c.Cooldowns()) != 0 || c.Tags().Has("State.Blocking") {
		t.Fatalf("destroy left state: active=%v cds=%v", c.Active(), c.Cooldowns())
	}
}

func TestCodeMapping(t *testing.T) {
	cases := map[error]string{
		nil:                     "",
		ErrNotFound:             protocol.ErrNotFound,
		ErrBlocked:              protocol.ErrBlocked,
		ErrMissingRequirement:   protocol.ErrMissingRequirement,
		ErrOnCooldown:           protocol.ErrOnCooldown,
		ErrInsufficientResource: protocol.ErrNoResource,
		ErrUnreachable:          protocol.ErrUnreachable,
		ErrTaskFailed:           protocol.ErrTaskFailed,
		ErrMissingTarget:        protocol.ErrBadRequest,
		errors.New("other"):     protocol.ErrInternal,
	}
	for err, want := range cases {
		if got := Code(err); got != want {
			t.Fatalf("Code(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestActivationTargetMove(t *testing.T) {
	agent := newStub(30)
	c := NewController(agent, newStore(t, catalogs.AbilityDef{
		ID: "Leap", Cost: 10,
		Tasks: []catalogs.TaskTemplate{{Kind: tasks.KindMoveTo, ActivationTarget: true}},
	}))
	if _, err := c.TryActivate("Leap"); !errors.Is(err, ErrMissingTarget) {
		t.Fatalf("no target err = %v", err)
	}
	if agent.resource != 30 {
		t.Fatalf("rejected activation paid: %v", agent.resource)
	}
	h, err := c.TryActivateAt("Leap", &navgrid.Vec2{X: 4, Y: 1})
	if err != nil {
		t.Fatalf("activate at: %v", err)
	}
	for i := 0; i < 3; i++ {
		c.Tick(time.Millisecond)
	}
	if _, ok := c.State(h); ok || agent.pos != (navgrid.Vec2{X: 4, Y: 1}) {
		t.Fatalf("leap did not land: pos=%v", agent.pos)
	}
}

func TestConfirmTargetDrivesClickToMove(t *testing.T) {
	agent := newStub(0)
	c := NewController(agent, newStore(t,
		catalogs.AbilityDef{ID: "Cursor", Input: catalogs.InputSelect, Tasks: []catalogs.TaskTemplate{{Kind: tasks.KindMoveOnConfirm}}},
	))
	cur, err := c.InputAt(catalogs.InputSelect, &navgrid.Vec2{X: 1, Y: 0})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	c.Tick(time.Millisecond) // start walks to the select point
	if len(agent.moves) != 1 || agent.moves[0] != (navgrid.Vec2{X: 1, Y: 0}) {
		t.Fatalf("moves after select = %v", agent.moves)
	}
	if _, err := c.InputAt(catalogs.InputConfirm, &navgrid.Vec2{X: 6, Y: 2}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	for i := 0; i < 3; i++ {
		c.Tick(time.Millisecond)
	}
	if agent.pos != (navgrid.Vec2{X: 6, Y: 2}) {
		t.Fatalf("pos = %v", agent.pos)
	}
	if st, ok := c.State(cur); !ok || st != InstanceActive {
		t.Fatalf("cursor ended after a move: %v %v", st, ok)
	}

	agent.moveTicks = -1
	if _, err := c.InputAt(catalogs.InputConfirm, &navgrid.Vec2{X: 9, Y: 9}); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("unreachable confirm err = %v", err)
	}
}

func TestSaveRestoreKeepsInstancesAndHandles(t *testing.T) {
	store := newStore(t,
		catalogs.AbilityDef{ID: "Guard", ActivationTags: []tags.Tag{"State.Blocking"}, Tasks: []catalogs.TaskTemplate{{Kind: tasks.KindHold}}},
		catalogs.AbilityDef{ID: "Strike", Tasks: []catalogs.TaskTemplate{
			{Kind: tasks.KindPlayEffect, Effect: "fx.strike", Duration: secs(0.2)},
			{Kind: tasks.KindWait, Duration: secs(1)},
		}},
	)
	a := NewController(newStub(0), store)
	a.AddTag("Team.Red")
	_, _ = a.TryActivate("Guard")
	_, _ = a.TryActivate("Strike")
	a.Tick(0)
	a.Tick(400 * time.Millisecond)

	saved, err := a.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(saved.Instances) != 2 || len(saved.Instances[1].Tasks) != 1 {
		t.Fatalf("saved = %+v", saved)
	}

	b := NewController(newStub(0), store)
	b.RestoreTags(a.BaseTags())
	if err := b.Restore(saved); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := b.Restore(saved); err == nil {
		t.Fatalf("second restore accepted")
	}
	if !reflect.DeepEqual(a.Active(), b.Active()) {
		t.Fatalf("active differs:\n a=%+v\n b=%+v", a.Active(), b.Active())
	}
	if !reflect.DeepEqual(a.Tags().Explicit(), b.Tags().Explicit()) {
		t.Fatalf("tags differ: %v vs %v", a.Tags().Explicit(), b.Tags().Explicit())
	}

	var ended []Handle
	b.SetObserver(func(ev Event) {
		if ev.Type == EventEnded {
			ended = append(ended, ev.Handle)
		}
	})
	ha, _ := a.TryActivate("Guard")
	hb, _ := b.TryActivate("Guard")
	if ha != hb {
		t.Fatalf("next handle: %d vs %d", ha, hb)
	}
	a.Tick(600 * time.Millisecond)
	b.Tick(600 * time.Millisecond)
	if !reflect.DeepEqual(a.Active(), b.Active()) {
		t.Fatalf("active differs after tick:\n a=%+v\n b=%+v", a.Active(), b.Active())
	}
	if len(ended) != 1 || ended[0] != saved.Instances[1].Handle {
		t.Fatalf("restored strike did not finish on time: %v", ended)
	}
}
