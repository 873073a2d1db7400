package worldtest

import (
	"testing"

	"puppetmaster/internal/protocol"
	"puppetmaster/internal/sim/catalogs"
	"puppetmaster/internal/sim/tuning"
	world "puppetmaster/internal/sim/world"
)

func loadStore(t *testing.T) *catalogs.AbilityStore {
	t.Helper()
	store, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	return store
}

// testConfig is the shipped tuning with regen disabled so energy checks are exact.
func testConfig(t *testing.T) world.WorldConfig {
	t.Helper()
	tun, err := tuning.Load("../../../configs/tuning.yaml")
	if err != nil {
		t.Fatalf("load tuning: %v", err)
	}
	cfg := world.ConfigFromTuning("test", tun)
	cfg.EnergyRegenPerSec = 0
	return cfg
}

func newHarness(t *testing.T) *Harness {
	t.Helper()
	return NewHarness(t, testConfig(t), loadStore(t), "bot")
}

func eventsOfType(events []protocol.Event, typ string) []protocol.Event {
	var out []protocol.Event
	for _, e := range events {
		if got, _ := e["type"].(string); got == typ {
			out = append(out, e)
		}
	}
	return out
}

func findActionResult(events []protocol.Event, ref string) (protocol.Event, bool) {
	for _, e := range eventsOfType(events, protocol.EventActionResult) {
		if got, _ := e["ref"].(string); got == ref {
			return e, true
		}
	}
	return nil, false
}

// actionResultCode returns "" for success, the error code otherwise.
func actionResultCode(t *testing.T, events []protocol.Event, ref string) string {
	t.Helper()
	e, ok := findActionResult(events, ref)
	if !ok {
		t.Fatalf("no ACTION_RESULT for ref %q in %v", ref, events)
	}
	if ok, _ := e["ok"].(bool); ok {
		return ""
	}
	code, _ := e["code"].(string)
	if code == "" {
		return protocol.ErrInternal
	}
	return code
}

func actionResultHandle(t *testing.T, events []protocol.Event, ref string) uint64 {
	t.Helper()
	e, ok := findActionResult(events, ref)
	if !ok {
		t.Fatalf("no ACTION_RESULT for ref %q", ref)
	}
	h, _ := e["handle"].(float64)
	if h <= 0 {
		t.Fatalf("ACTION_RESULT %q has no handle: %v", ref, e)
	}
	return uint64(h)
}

func hasAbilityEvent(events []protocol.Event, typ, abilityID string) bool {
	for _, e := range eventsOfType(events, typ) {
		if got, _ := e["ability"].(string); got == abilityID {
			return true
		}
	}
	return false
}

func hasTag(obs protocol.ObsMsg, tag string) bool {
	for _, t := range obs.Self.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func liveAbility(obs protocol.ObsMsg, abilityID string) (protocol.AbilityObs, bool) {
	for _, a := range obs.Abilities {
		if a.AbilityID == abilityID {
			return a, true
		}
	}
	return protocol.AbilityObs{}, false
}

type memTickLog struct {
	entries []world.TickLogEntry
}

func (m *memTickLog) WriteTick(e world.TickLogEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

type memAuditLog struct {
	entries []world.AuditEntry
}

func (m *memAuditLog) WriteAudit(e world.AuditEntry) error {
	m.entries = append(m.entries, e)
	return nil
}
