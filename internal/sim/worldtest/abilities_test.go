package worldtest

import (
	"testing"

	"puppetmaster/internal/protocol"
	"puppetmaster/internal/sim/attributes"
	"puppetmaster/internal/sim/navgrid"
)

func TestJoinAutoActivatesSelectAbility(t *testing.T) {
	h := newHarness(t)
	obs := h.LastObs()

	if obs.AgentID != h.DefaultAgentID {
		t.Fatalf("obs agent: got %q want %q", obs.AgentID, h.DefaultAgentID)
	}
	if !hasTag(obs, "Team.Puppet") || !hasTag(obs, "Input.Cursor") {
		t.Fatalf("join tags: %v", obs.Self.Tags)
	}
	cur, ok := liveAbility(obs, "Cursor")
	if !ok {
		t.Fatalf("Cursor not running after join: %+v", obs.Abilities)
	}
	if len(cur.Tasks) != 1 || cur.Tasks[0].Kind != "MOVE_ON_CONFIRM" || cur.Tasks[0].State != "ACTIVE" {
		t.Fatalf("Cursor tasks: %+v", cur.Tasks)
	}
	if !hasAbilityEvent(h.Events(h.DefaultAgentID), protocol.EventAbilityActivated, "Cursor") {
		t.Fatalf("missing ABILITY_ACTIVATED for Cursor")
	}
	if got := obs.Self.Attributes[attributes.Energy]; got != 100 {
		t.Fatalf("energy at join: %v", got)
	}
}

func TestDashSecondActivationReportsOnCooldown(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID
	h.SetAttributeFor(id, attributes.Energy, 10)

	obs := h.Activate(id, "d1", "Dash")
	if code := actionResultCode(t, h.Events(id), "d1"); code != "" {
		t.Fatalf("first dash: %s", code)
	}
	if got := obs.Self.Attributes[attributes.Energy]; got != 0 {
		t.Fatalf("energy after dash: %v", got)
	}
	if len(obs.Cooldowns) != 1 || obs.Cooldowns[0].AbilityID != "Dash" {
		t.Fatalf("cooldowns: %+v", obs.Cooldowns)
	}

	h.Activate(id, "d2", "Dash")
	if code := actionResultCode(t, h.Events(id), "d2"); code != protocol.ErrOnCooldown {
		t.Fatalf("second dash: got %s want %s", code, protocol.ErrOnCooldown)
	}
}

func TestDashMovesAndEnds(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID

	obs := h.Activate(id, "d", "Dash")
	if !hasTag(obs, "State.Moving.Dash") || !obs.Self.Moving {
		t.Fatalf("dash not running: tags=%v moving=%v", obs.Self.Tags, obs.Self.Moving)
	}
	obs = h.StepN(20)

	if obs.Self.Pos != [2]float64{3.5, 0.5} {
		t.Fatalf("pos after dash: %v", obs.Self.Pos)
	}
	if _, ok := liveAbility(obs, "Dash"); ok {
		t.Fatalf("dash still live")
	}
	if hasTag(obs, "State.Moving.Dash") || obs.Self.Moving {
		t.Fatalf("dash state leaked: tags=%v moving=%v", obs.Self.Tags, obs.Self.Moving)
	}
	events := h.Events(id)
	if len(eventsOfType(events, protocol.EventMoveDone)) != 1 {
		t.Fatalf("want one MOVE_DONE")
	}
	effects := eventsOfType(events, protocol.EventEffect)
	if len(effects) != 1 || effects[0]["effect"] != "fx.dash.trail" {
		t.Fatalf("effects: %v", effects)
	}
	if !hasAbilityEvent(events, protocol.EventAbilityEnded, "Dash") {
		t.Fatalf("missing ABILITY_ENDED for Dash")
	}
}

func TestGuardBlocksStrikeUntilCancelled(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID

	obs := h.Activate(id, "g", "Guard")
	if !hasTag(obs, "State.Blocking") {
		t.Fatalf("guard tag missing: %v", obs.Self.Tags)
	}
	guard := actionResultHandle(t, h.Events(id), "g")

	h.Activate(id, "s1", "Strike")
	if code := actionResultCode(t, h.Events(id), "s1"); code != protocol.ErrBlocked {
		t.Fatalf("strike while guarding: got %q want %s", code, protocol.ErrBlocked)
	}

	obs = h.Cancel(id, guard)
	if hasTag(obs, "State.Blocking") {
		t.Fatalf("guard tag kept after cancel: %v", obs.Self.Tags)
	}
	if !hasAbilityEvent(h.Events(id), protocol.EventAbilityCancelled, "Guard") {
		t.Fatalf("missing ABILITY_CANCELLED for Guard")
	}

	h.Activate(id, "s2", "Strike")
	if code := actionResultCode(t, h.Events(id), "s2"); code != "" {
		t.Fatalf("strike after guard: %s", code)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID
	h.Activate(id, "g", "Guard")
	guard := actionResultHandle(t, h.Events(id), "g")

	h.Cancel(id, guard)
	h.ClearEvents(id)
	h.Cancel(id, guard, 999)

	results := eventsOfType(h.Events(id), protocol.EventActionResult)
	if len(results) != 2 {
		t.Fatalf("want two cancel results, got %v", results)
	}
	for _, e := range results {
		if ok, _ := e["ok"].(bool); ok {
			t.Fatalf("second cancel reported ok: %v", e)
		}
	}
	if len(eventsOfType(h.Events(id), protocol.EventAbilityCancelled)) != 0 {
		t.Fatalf("second cancel emitted ABILITY_CANCELLED")
	}
}

func TestGuardRetriggerReplacesInstance(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID
	h.Activate(id, "g1", "Guard")
	first := actionResultHandle(t, h.Events(id), "g1")
	obs := h.Activate(id, "g2", "Guard")
	second := actionResultHandle(t, h.Events(id), "g2")

	if first == second {
		t.Fatalf("retrigger reused handle %d", first)
	}
	n := 0
	for _, a := range obs.Abilities {
		if a.AbilityID == "Guard" {
			n++
			if a.Handle != second {
				t.Fatalf("live guard handle %d, want %d", a.Handle, second)
			}
		}
	}
	if n != 1 {
		t.Fatalf("want one live Guard, got %d", n)
	}
	if !hasTag(obs, "State.Blocking") {
		t.Fatalf("retriggered guard lost its tag")
	}
}

func TestMissingRequirementDoesNotDeduct(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID
	if !h.W.DebugRemoveTag(id, "Team.Puppet") {
		t.Fatalf("DebugRemoveTag failed")
	}
	obs := h.Activate(id, "m", "Mend")
	if code := actionResultCode(t, h.Events(id), "m"); code != protocol.ErrMissingRequirement {
		t.Fatalf("mend without team: got %q", code)
	}
	if got := obs.Self.Attributes[attributes.Energy]; got != 100 {
		t.Fatalf("energy changed on rejected activation: %v", got)
	}
	if len(obs.Cooldowns) != 0 {
		t.Fatalf("cooldown started on rejected activation: %+v", obs.Cooldowns)
	}
}

func TestBlockedByDescendantTag(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID

	// Dash grants State.Moving.Dash; Mend is blocked by State.Moving.
	h.Activate(id, "d", "Dash")
	h.Activate(id, "m", "Mend")
	if code := actionResultCode(t, h.Events(id), "m"); code != protocol.ErrBlocked {
		t.Fatalf("mend during dash: got %q want %s", code, protocol.ErrBlocked)
	}
}

func TestInsufficientResource(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID
	h.SetAttributeFor(id, attributes.Energy, 14)
	h.Activate(id, "s", "Strike")
	if code := actionResultCode(t, h.Events(id), "s"); code != protocol.ErrNoResource {
		t.Fatalf("strike with 14 energy: got %q", code)
	}
}

func TestUnknownAbility(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID
	h.Activate(id, "x", "Fireball")
	if code := actionResultCode(t, h.Events(id), "x"); code != protocol.ErrNotFound {
		t.Fatalf("unknown ability: got %q", code)
	}
}

func TestMendCancelsGuardAndWaitsForConfirm(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID
	h.Activate(id, "g", "Guard")

	obs := h.Activate(id, "m", "Mend")
	if code := actionResultCode(t, h.Events(id), "m"); code != "" {
		t.Fatalf("mend: %s", code)
	}
	if !hasAbilityEvent(h.Events(id), protocol.EventAbilityCancelled, "Guard") {
		t.Fatalf("mend did not cancel Guard")
	}
	if hasTag(obs, "State.Blocking") {
		t.Fatalf("guard tag survived: %v", obs.Self.Tags)
	}
	if got := obs.Self.Attributes[attributes.Health]; got != 2 {
		t.Fatalf("health after mend: %v", got)
	}
	if _, ok := liveAbility(obs, "Mend"); !ok {
		t.Fatalf("mend should wait for confirm")
	}
	changes := eventsOfType(h.Events(id), protocol.EventAttribute)
	if len(changes) == 0 {
		t.Fatalf("missing ATTRIBUTE_CHANGED")
	}

	obs = h.StepN(3)
	if _, ok := liveAbility(obs, "Mend"); !ok {
		t.Fatalf("mend ended without confirm")
	}

	obs = h.Input(id, "Confirm")
	if _, ok := liveAbility(obs, "Mend"); ok {
		t.Fatalf("mend still live after confirm")
	}
	if !hasAbilityEvent(h.Events(id), protocol.EventAbilityEnded, "Mend") {
		t.Fatalf("missing ABILITY_ENDED for Mend")
	}
}

func TestInputBindings(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID

	obs := h.Input(id, "Ability1")
	if _, ok := liveAbility(obs, "Guard"); !ok {
		t.Fatalf("Ability1 did not start Guard")
	}
	if code := actionResultCode(t, h.Events(id), "Ability1"); code != "" {
		t.Fatalf("Ability1: %s", code)
	}

	obs = h.Input(id, "Cancel")
	if len(obs.Abilities) != 0 {
		t.Fatalf("Cancel left instances: %+v", obs.Abilities)
	}
	if hasTag(obs, "Input.Cursor") {
		t.Fatalf("cursor tag kept after Cancel")
	}

	obs = h.Input(id, "Select")
	if _, ok := liveAbility(obs, "Cursor"); !ok {
		t.Fatalf("Select did not restart Cursor")
	}

	h.Input(id, "Ability4")
	if code := actionResultCode(t, h.Events(id), "Ability4"); code != protocol.ErrNotFound {
		t.Fatalf("unbound Ability4: got %q", code)
	}
	h.Input(id, "Jump")
	if code := actionResultCode(t, h.Events(id), "Jump"); code != protocol.ErrBadRequest {
		t.Fatalf("unknown binding: got %q", code)
	}
}

func TestDashIntoWallFailsUnreachable(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID
	// Column 10 rows 4..8 is a wall; +3 lands inside it.
	h.SetAgentPosFor(id, navgrid.Vec2{X: 7.5, Y: 5.5})

	obs := h.Activate(id, "d", "Dash")
	if code := actionResultCode(t, h.Events(id), "d"); code != "" {
		t.Fatalf("dash activation: %s", code)
	}
	if got := obs.Self.Attributes[attributes.Energy]; got != 90 {
		t.Fatalf("cost should be paid even when the move fails: %v", got)
	}
	failed := eventsOfType(h.Events(id), protocol.EventAbilityFailed)
	if len(failed) != 1 || failed[0]["code"] != protocol.ErrUnreachable {
		t.Fatalf("ABILITY_FAILED: %v", failed)
	}
	if _, ok := liveAbility(obs, "Dash"); ok {
		t.Fatalf("failed dash still live")
	}
	if obs.Self.Pos != [2]float64{7.5, 5.5} {
		t.Fatalf("pawn moved: %v", obs.Self.Pos)
	}
}

func TestDashDetoursAroundWall(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID
	h.SetAgentPosFor(id, navgrid.Vec2{X: 8.5, Y: 6.5})

	h.Activate(id, "d", "Dash")
	obs := h.StepN(60)
	if obs.Self.Pos != [2]float64{11.5, 6.5} {
		t.Fatalf("pos after detour: %v", obs.Self.Pos)
	}
	if !hasAbilityEvent(h.Events(id), protocol.EventAbilityEnded, "Dash") {
		t.Fatalf("dash did not end")
	}
}

func TestCooldownExpiresAfterDuration(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID
	h.Activate(id, "d1", "Dash")

	// 2s at 20Hz: the activation tick plus 38 more leave 50ms.
	obs := h.StepN(38)
	if len(obs.Cooldowns) != 1 {
		t.Fatalf("cooldown gone early: %+v", obs.Cooldowns)
	}
	obs = h.StepNoop()
	if len(obs.Cooldowns) != 0 {
		t.Fatalf("cooldown still running: %+v", obs.Cooldowns)
	}
	h.Activate(id, "d2", "Dash")
	if code := actionResultCode(t, h.Events(id), "d2"); code != "" {
		t.Fatalf("dash after cooldown: %s", code)
	}
}

func TestConfirmWithTargetWalksAndRedirects(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID

	obs := h.InputAt(id, [2]float64{4.5, 0.5}, "Confirm")
	if code := actionResultCode(t, h.Events(id), "Confirm"); code != "" {
		t.Fatalf("confirm: %s", code)
	}
	if !obs.Self.Moving {
		t.Fatalf("confirm did not start a move")
	}
	h.StepN(5)
	h.InputAt(id, [2]float64{0.5, 2.5}, "Confirm")
	obs = h.StepN(30)
	if obs.Self.Pos != [2]float64{0.5, 2.5} {
		t.Fatalf("pos after redirect: %v", obs.Self.Pos)
	}
	if obs.Self.Moving {
		t.Fatalf("still moving after arrival")
	}
	cur, ok := liveAbility(obs, "Cursor")
	if !ok || cur.Tasks[0].State != "ACTIVE" {
		t.Fatalf("Cursor should keep running: %+v", obs.Abilities)
	}
	if got := len(eventsOfType(h.Events(id), protocol.EventMoveDone)); got != 1 {
		t.Fatalf("MOVE_DONE events: %d", got)
	}

	h.ClearEvents(id)
	h.InputAt(id, [2]float64{10.5, 5.5}, "Confirm")
	if code := actionResultCode(t, h.Events(id), "Confirm"); code != protocol.ErrUnreachable {
		t.Fatalf("confirm into wall: got %q", code)
	}
}

func TestLeapNeedsActivationTarget(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID

	obs := h.Activate(id, "l1", "Leap")
	if code := actionResultCode(t, h.Events(id), "l1"); code != protocol.ErrBadRequest {
		t.Fatalf("leap without target: got %q", code)
	}
	if got := obs.Self.Attributes[attributes.Energy]; got != 100 {
		t.Fatalf("rejected leap paid: %v", got)
	}

	h.ActivateAt(id, "l2", "Leap", [2]float64{2.5, 1.5})
	if code := actionResultCode(t, h.Events(id), "l2"); code != "" {
		t.Fatalf("leap: %s", code)
	}
	obs = h.StepN(20)
	if obs.Self.Pos != [2]float64{2.5, 1.5} {
		t.Fatalf("pos after leap: %v", obs.Self.Pos)
	}
	if !hasAbilityEvent(h.Events(id), protocol.EventAbilityEnded, "Leap") {
		t.Fatalf("leap did not end")
	}
}

func TestMoveToCurrentPositionAbortsRunningMove(t *testing.T) {
	h := newHarness(t)
	id := h.DefaultAgentID

	h.Activate(id, "d", "Dash")
	obs := h.InputAt(id, [2]float64{0.5, 0.5}, "Confirm")

	failed := eventsOfType(h.Events(id), protocol.EventAbilityFailed)
	if len(failed) != 1 || failed[0]["ability"] != "Dash" || failed[0]["code"] != protocol.ErrTaskFailed {
		t.Fatalf("ABILITY_FAILED: %v", failed)
	}
	if obs.Self.Moving {
		t.Fatalf("pawn still moving")
	}
	obs = h.StepN(20)
	if obs.Self.Pos != [2]float64{0.5, 0.5} {
		t.Fatalf("aborted dash kept walking: %v", obs.Self.Pos)
	}
}
